package instance

import (
	"context"
	"fmt"
	"path/filepath"

	golibvirt "github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/instancemodel"
)

// NetworkVolume describes a network-backed volume attachment (e.g. an iSCSI
// or RBD-exported device), as an alternative to a plain host block device.
type NetworkVolume struct {
	Protocol string // "iscsi", "rbd", ...
	Host     string
	Port     string
	Name     string // pool/image path on the network target
}

// targetDevice derives the domain-visible device name from the caller's
// mountpoint, per §4.5: "mount device name is the last path segment of the
// caller's mountpoint" (e.g. "/dev/vdc" -> "vdc").
func targetDevice(mountpoint string) string {
	return filepath.Base(mountpoint)
}

// volumeDiskXML renders the <disk> fragment for a volume attachment, either
// block-device-backed (devicePath set) or network-backed (network set).
func volumeDiskXML(dev, devicePath string, network *NetworkVolume) (string, error) {
	disk := libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Target: &libvirtxml.DomainDiskTarget{Dev: dev, Bus: "virtio"},
	}

	switch {
	case network != nil:
		disk.Source = &libvirtxml.DomainDiskSource{
			Network: &libvirtxml.DomainDiskSourceNetwork{
				Protocol: network.Protocol,
				Name:     network.Name,
				Hosts: []libvirtxml.DomainDiskSourceHost{
					{Name: network.Host, Port: network.Port},
				},
			},
		}
	case devicePath != "":
		disk.Source = &libvirtxml.DomainDiskSource{
			Block: &libvirtxml.DomainDiskSourceBlock{Dev: devicePath},
		}
	default:
		return "", fmt.Errorf("volume attachment needs either a device path or a network source")
	}

	xml, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal volume disk XML: %w", err)
	}
	return xml, nil
}

// lookupForVolumeOp classifies a Lookup failure as NotFound or External,
// rather than assuming every lookup error means the domain is gone.
func (d *Driver) lookupForVolumeOp(ctx context.Context, op, name string) (golibvirt.Domain, error) {
	dom, err := d.gw.Lookup(ctx, name)
	if err == nil {
		return dom, nil
	}
	if d.notFound(err) {
		return golibvirt.Domain{}, driverrors.New(driverrors.NotFound, op, err)
	}
	return golibvirt.Domain{}, driverrors.New(driverrors.External, op, err)
}

// AttachVolume hot-attaches a volume at mountpoint to inst's running domain.
// Exactly one of devicePath or network should be set.
func (d *Driver) AttachVolume(ctx context.Context, inst *instancemodel.Instance, mountpoint, devicePath string, network *NetworkVolume) error {
	dom, err := d.lookupForVolumeOp(ctx, "attach-volume", inst.Name)
	if err != nil {
		return err
	}
	xml, err := volumeDiskXML(targetDevice(mountpoint), devicePath, network)
	if err != nil {
		return driverrors.New(driverrors.Invalid, "attach-volume", err)
	}
	if err := d.gw.AttachDisk(ctx, dom, xml); err != nil {
		return driverrors.New(driverrors.External, "attach-volume", err)
	}
	return nil
}

// DetachVolume hot-detaches the volume at mountpoint from inst's running
// domain. Per §12, it reads the domain's live XML back to find the exact
// disk fragment by target device before detaching — libvirt requires the
// detach fragment to match what's actually attached.
func (d *Driver) DetachVolume(ctx context.Context, inst *instancemodel.Instance, mountpoint string) error {
	dom, err := d.lookupForVolumeOp(ctx, "detach-volume", inst.Name)
	if err != nil {
		return err
	}
	liveXML, err := d.gw.DomainXML(ctx, dom)
	if err != nil {
		return driverrors.New(driverrors.External, "detach-volume", err)
	}
	fragment, err := findDiskFragment(liveXML, targetDevice(mountpoint))
	if err != nil {
		return err
	}
	if err := d.gw.DetachDisk(ctx, dom, fragment); err != nil {
		return driverrors.New(driverrors.External, "detach-volume", err)
	}
	return nil
}

// findDiskFragment parses a domain's live XML and re-marshals the single
// <disk> element whose target device matches dev.
func findDiskFragment(domainXML, dev string) (string, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return "", driverrors.New(driverrors.External, "detach-volume", fmt.Errorf("parse domain XML: %w", err))
	}
	for _, disk := range domain.Devices.Disks {
		if disk.Target != nil && disk.Target.Dev == dev {
			xml, err := disk.Marshal()
			if err != nil {
				return "", driverrors.New(driverrors.External, "detach-volume", err)
			}
			return xml, nil
		}
	}
	return "", driverrors.New(driverrors.NotFound, "detach-volume", fmt.Errorf("no disk attached at device %q", dev))
}
