package libvirt

import (
	"fmt"
	"path/filepath"

	"libvirt.org/go/libvirtxml"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

// InstanceLayout is the set of file paths DiskProvisioner has assembled for
// one instance. Disk sources in the generated domain XML are always
// file-path based here (never pool/volume based), generalizing the
// teacher's pool/volume-based domain XML builder to this driver's flat
// per-instance directory layout.
type InstanceLayout struct {
	Dir         string // <instances_path>/<instance.name>[.rescue]
	LibvirtXML  string
	ConsoleLog  string
	Kernel      string // optional
	Ramdisk     string // optional
	Disk        string
	DiskLocal   string // optional scratch disk
}

// GenerateInstanceDomainXML renders the libvirt domain XML for one instance
// from its file layout, generalizing the teacher's domain-XML structure to a
// file-path disk source instead of a storage-pool volume source.
func GenerateInstanceDomainXML(inst *instancemodel.Instance, layout InstanceLayout) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: inst.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(inst.Type.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(inst.Type.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
			PAE:  &libvirtxml.DomainFeature{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						File: &libvirtxml.DomainChardevSourceFile{
							Path: layout.ConsoleLog,
						},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: uintPtr(0),
					},
				},
			},
		},
	}

	// kernel/ramdisk (paravirtual boot path — only present when the image
	// service shipped a separate kernel, e.g. non-HVM-capable base images).
	if layout.Kernel != "" {
		domain.OS.Kernel = layout.Kernel
	}
	if layout.Ramdisk != "" {
		domain.OS.Initrd = layout.Ramdisk
	}

	rootDisk := libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "qcow2",
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: layout.Disk,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "vda",
			Bus: "virtio",
		},
		Boot: &libvirtxml.DomainDeviceBoot{Order: 1},
	}
	domain.Devices.Disks = append(domain.Devices.Disks, rootDisk)

	if layout.DiskLocal != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2", Cache: "none"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: layout.DiskLocal},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: "vdb", Bus: "virtio"},
		})
	}

	if inst.MACAddress != "" {
		netIface := libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: inst.MACAddress},
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: inst.Network.Bridge},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, netIface)
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal instance domain XML: %w", err)
	}
	return xml, nil
}

// RescueDir returns the suffixed directory used while an instance is in
// rescue mode, per the per-instance disk set's ".rescue" naming rule.
func RescueDir(instancesPath, instanceName string) string {
	return filepath.Join(instancesPath, instanceName+".rescue")
}

func uintPtr(v uint) *uint { return &v }
