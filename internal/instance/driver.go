package instance

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/pombredanne/novirt/internal/diskprovisioner"
	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/filter"
	"github.com/pombredanne/novirt/internal/instancemodel"
	hvlibvirt "github.com/pombredanne/novirt/internal/libvirt"
	"github.com/pombredanne/novirt/internal/poll"
)

// defaultPollInterval matches the driver-wide convention: every lifecycle
// primitive polls hypervisor state at 500ms.
const defaultPollInterval = 500 * time.Millisecond

// defaultPollTimeout bounds how long a lifecycle op waits for the
// hypervisor to converge before the poll itself surfaces a timeout error.
const defaultPollTimeout = 5 * time.Minute

// gateway is the HypervisorGateway surface the driver depends on.
type gateway interface {
	Lookup(ctx context.Context, name string) (golibvirt.Domain, error)
	DefineAndStart(ctx context.Context, domainXML string) (golibvirt.Domain, error)
	Destroy(ctx context.Context, dom golibvirt.Domain) error
	Undefine(ctx context.Context, dom golibvirt.Domain) error
	Info(ctx context.Context, dom golibvirt.Domain) (hvlibvirt.Info, error)
	AttachDisk(ctx context.Context, dom golibvirt.Domain, diskXML string) error
	DetachDisk(ctx context.Context, dom golibvirt.Domain, diskXML string) error
	DomainXML(ctx context.Context, dom golibvirt.Domain) (string, error)
	Migrate(ctx context.Context, dom golibvirt.Domain, destHost string, flags uint32, bandwidthMbps int) error
}

// provisioner is the DiskProvisioner surface the driver depends on.
type provisioner interface {
	Prepare(ctx context.Context, inst *instancemodel.Instance, domainXML, suffix string, overrides *diskprovisioner.Overrides) (diskprovisioner.Layout, error)
}

// RescueArtifacts names the alternate image/kernel/ramdisk ids rescue mode
// boots from, configured host-wide rather than per-instance.
type RescueArtifacts struct {
	ImageID   string
	KernelID  string
	RamdiskID string
}

// Driver orchestrates per-instance operations by composing a
// HypervisorGateway, a DiskProvisioner, and a FilterEngine. It owns the
// polling state machine that waits for hypervisor state transitions and
// mirrors every observed state back to Store.
type Driver struct {
	gw            gateway
	disks         provisioner
	filterEngine  filter.Engine
	store         Store
	instancesPath string
	rescue        RescueArtifacts

	pollInterval time.Duration
	pollTimeout  time.Duration

	// notFound classifies a gateway error as "no such domain", defaulting
	// to hvlibvirt.IsNotFound. Overridable in tests.
	notFound func(error) bool
}

// New returns a Driver. instancesPath must match the DiskProvisioner's own
// root so the driver can predict per-instance file layout before disks are
// materialized (the domain XML needs those paths before DiskProvisioner.Prepare
// writes anything).
func New(gw gateway, disks provisioner, filterEngine filter.Engine, store Store, instancesPath string, rescue RescueArtifacts) *Driver {
	return &Driver{
		gw:            gw,
		disks:         disks,
		filterEngine:  filterEngine,
		store:         store,
		instancesPath: instancesPath,
		rescue:        rescue,
		pollInterval:  defaultPollInterval,
		pollTimeout:   defaultPollTimeout,
		notFound:      hvlibvirt.IsNotFound,
	}
}

// predictLayout computes the per-instance file layout DiskProvisioner.Prepare
// will produce, before it runs. Paths are deterministic (directory = name +
// suffix, fixed filenames within it), so the domain XML that names them can
// be rendered first and handed to Prepare, which writes it to libvirt.xml
// alongside materializing the artifacts it names.
func predictLayout(instancesPath string, inst *instancemodel.Instance, suffix string) hvlibvirt.InstanceLayout {
	dir := filepath.Join(instancesPath, inst.Name+suffix)
	layout := hvlibvirt.InstanceLayout{
		Dir:        dir,
		LibvirtXML: filepath.Join(dir, "libvirt.xml"),
		ConsoleLog: filepath.Join(dir, "console.log"),
		Disk:       filepath.Join(dir, "disk"),
	}
	if inst.KernelID != "" {
		layout.Kernel = filepath.Join(dir, "kernel")
	}
	if inst.RamdiskID != "" {
		layout.Ramdisk = filepath.Join(dir, "ramdisk")
	}
	if inst.Type.LocalGB > 0 {
		layout.DiskLocal = filepath.Join(dir, "disk.local")
	}
	return layout
}

// markFailed forces state to Shutdown on any error that propagates to the
// caller, per the error-handling design's propagation policy.
func (d *Driver) markFailed(ctx context.Context, inst *instancemodel.Instance, err error) error {
	_ = d.store.SetState(ctx, inst.ID, instancemodel.Shutdown, err.Error())
	return err
}

// buildAndProvision renders the instance domain XML for the predicted
// layout and hands it to DiskProvisioner.Prepare, which writes it alongside
// materializing the instance's disk artifacts.
func (d *Driver) buildAndProvision(ctx context.Context, inst *instancemodel.Instance, suffix string) (string, error) {
	layout := predictLayout(d.instancesPath, inst, suffix)
	domainXML, err := hvlibvirt.GenerateInstanceDomainXML(inst, layout)
	if err != nil {
		return "", driverrors.New(driverrors.Invalid, "build-domain-xml", err)
	}
	overrides := &diskprovisioner.Overrides{LocalDiskGB: inst.Type.LocalGB}
	if _, err := d.disks.Prepare(ctx, inst, domainXML, suffix, overrides); err != nil {
		return "", err
	}
	return domainXML, nil
}

// Spawn brings up a new instance: static filters, per-instance filter
// artifacts, disk assembly, domain definition, filter activation, then a
// poll to RUNNING. Matches §4.5's spawn sequence exactly.
func (d *Driver) Spawn(ctx context.Context, inst *instancemodel.Instance) error {
	_ = d.store.SetState(ctx, inst.ID, instancemodel.NoState, "launching")

	groups, err := d.store.SecurityGroups(ctx, inst.ID)
	if err != nil {
		return d.markFailed(ctx, inst, driverrors.New(driverrors.External, "spawn", err))
	}

	if err := d.filterEngine.SetupBasicFiltering(ctx); err != nil {
		return d.markFailed(ctx, inst, err)
	}
	if err := d.filterEngine.PrepareInstanceFilter(ctx, inst, groups); err != nil {
		return d.markFailed(ctx, inst, err)
	}

	domainXML, err := d.buildAndProvision(ctx, inst, "")
	if err != nil {
		return d.markFailed(ctx, inst, err)
	}

	if _, err := d.gw.DefineAndStart(ctx, domainXML); err != nil {
		return d.markFailed(ctx, inst, driverrors.New(driverrors.External, "spawn", err))
	}

	if err := d.filterEngine.ApplyInstanceFilter(ctx, inst); err != nil {
		return d.markFailed(ctx, inst, err)
	}

	return d.pollUntilRunning(ctx, inst)
}

// Reboot destroys the domain (without removing its disks), rebuilds the
// domain XML, re-prepares and re-applies its filter, and waits for RUNNING.
func (d *Driver) Reboot(ctx context.Context, inst *instancemodel.Instance) error {
	if err := d.Destroy(ctx, inst, false); err != nil {
		return d.markFailed(ctx, inst, err)
	}

	groups, err := d.store.SecurityGroups(ctx, inst.ID)
	if err != nil {
		return d.markFailed(ctx, inst, driverrors.New(driverrors.External, "reboot", err))
	}
	if err := d.filterEngine.PrepareInstanceFilter(ctx, inst, groups); err != nil {
		return d.markFailed(ctx, inst, err)
	}
	domainXML, err := d.buildAndProvision(ctx, inst, "")
	if err != nil {
		return d.markFailed(ctx, inst, err)
	}
	if _, err := d.gw.DefineAndStart(ctx, domainXML); err != nil {
		return d.markFailed(ctx, inst, driverrors.New(driverrors.External, "reboot", err))
	}
	if err := d.filterEngine.ApplyInstanceFilter(ctx, inst); err != nil {
		return d.markFailed(ctx, inst, err)
	}
	return d.pollUntilRunning(ctx, inst)
}

// Destroy stops inst's domain (tolerating "already gone"), waits for the
// hypervisor to converge on SHUTDOWN or NotFound, tears down its filter,
// undefines the domain, and — if cleanup is requested — removes its
// instance directory.
func (d *Driver) Destroy(ctx context.Context, inst *instancemodel.Instance, cleanup bool) error {
	dom, err := d.gw.Lookup(ctx, inst.Name)
	switch {
	case err == nil:
		if destroyErr := d.gw.Destroy(ctx, dom); destroyErr != nil && !d.notFound(destroyErr) {
			log.Printf("Warning: destroy of %s failed (continuing to poll): %v", inst.Name, destroyErr)
		}
	case d.notFound(err):
		// already gone; nothing to destroy, proceed straight to cleanup
	default:
		return driverrors.New(driverrors.External, "destroy", err)
	}

	if err := d.pollUntilShutdownOrGone(ctx, inst); err != nil {
		return err
	}

	if err := d.filterEngine.UnfilterInstance(ctx, inst); err != nil {
		log.Printf("Warning: unfilter %s failed: %v", inst.Name, err)
	}

	if dom2, lookupErr := d.gw.Lookup(ctx, inst.Name); lookupErr == nil {
		if err := d.gw.Undefine(ctx, dom2); err != nil {
			log.Printf("Warning: undefine %s failed: %v", inst.Name, err)
		}
	}

	if cleanup {
		dir := filepath.Join(d.instancesPath, inst.Name)
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("Warning: failed to remove instance directory %s: %v", dir, err)
		}
	}

	return nil
}

// Rescue tears down the running domain and boots it from the host's
// configured rescue image/kernel/ramdisk, writing its artifacts to the
// ".rescue"-suffixed directory alongside the originals.
func (d *Driver) Rescue(ctx context.Context, inst *instancemodel.Instance) error {
	if err := d.Destroy(ctx, inst, false); err != nil {
		return d.markFailed(ctx, inst, err)
	}

	rescueInst := *inst
	rescueInst.ImageID = d.rescue.ImageID
	rescueInst.KernelID = d.rescue.KernelID
	rescueInst.RamdiskID = d.rescue.RamdiskID

	domainXML, err := d.buildAndProvision(ctx, &rescueInst, ".rescue")
	if err != nil {
		return d.markFailed(ctx, inst, err)
	}
	if _, err := d.gw.DefineAndStart(ctx, domainXML); err != nil {
		return d.markFailed(ctx, inst, driverrors.New(driverrors.External, "rescue", err))
	}
	return d.pollUntilRunning(ctx, inst)
}

// Unrescue restores normal boot. It is literally a reboot: rebuilding the
// domain from the instance's own (non-rescue) image and artifacts.
func (d *Driver) Unrescue(ctx context.Context, inst *instancemodel.Instance) error {
	return d.Reboot(ctx, inst)
}

// pollUntilRunning waits for inst's domain to reach RUNNING, persisting
// every observed state transition to Store along the way.
func (d *Driver) pollUntilRunning(ctx context.Context, inst *instancemodel.Instance) error {
	ticker := poll.NewTicker(d.pollInterval, d.pollTimeout)
	err := ticker.Wait(ctx, func() (bool, error) {
		dom, lookupErr := d.gw.Lookup(ctx, inst.Name)
		if lookupErr != nil {
			return false, driverrors.New(driverrors.External, "poll", lookupErr)
		}
		info, infoErr := d.gw.Info(ctx, dom)
		if infoErr != nil {
			return false, driverrors.New(driverrors.External, "poll", infoErr)
		}
		state := stateFromLibvirt(info.State)
		_ = d.store.SetState(ctx, inst.ID, state, "")
		if state == instancemodel.Crashed {
			return false, driverrors.New(driverrors.Fatal, "poll", fmt.Errorf("domain %s crashed", inst.Name))
		}
		return state == instancemodel.Running, nil
	})
	if err != nil {
		_ = d.store.SetState(ctx, inst.ID, instancemodel.Shutdown, err.Error())
		return driverrors.New(driverrors.Timeout, "poll", err)
	}
	return nil
}

// pollUntilShutdownOrGone waits for inst's domain to reach SHUTDOWN or for
// it to disappear entirely (NotFound is success here: the domain is gone,
// which is exactly what Destroy wants).
func (d *Driver) pollUntilShutdownOrGone(ctx context.Context, inst *instancemodel.Instance) error {
	ticker := poll.NewTicker(d.pollInterval, d.pollTimeout)
	err := ticker.Wait(ctx, func() (bool, error) {
		dom, lookupErr := d.gw.Lookup(ctx, inst.Name)
		if lookupErr != nil {
			if d.notFound(lookupErr) {
				_ = d.store.SetState(ctx, inst.ID, instancemodel.Shutdown, "")
				return true, nil
			}
			return false, driverrors.New(driverrors.External, "poll", lookupErr)
		}
		info, infoErr := d.gw.Info(ctx, dom)
		if infoErr != nil {
			return false, driverrors.New(driverrors.External, "poll", infoErr)
		}
		state := stateFromLibvirt(info.State)
		_ = d.store.SetState(ctx, inst.ID, state, "")
		return state == instancemodel.Shutdown || state == instancemodel.Shutoff, nil
	})
	if err != nil {
		return driverrors.New(driverrors.Timeout, "poll", err)
	}
	return nil
}

// stateFromLibvirt maps libvirt's virDomainState enum (NOSTATE=0,
// RUNNING=1, BLOCKED=2, PAUSED=3, SHUTDOWN=4, SHUTOFF=5, CRASHED=6,
// PMSUSPENDED=7) onto the driver's own State, collapsing PMSUSPENDED into
// PAUSED since the driver has no separate handling for it.
func stateFromLibvirt(code uint8) instancemodel.State {
	switch code {
	case 1:
		return instancemodel.Running
	case 2:
		return instancemodel.Blocked
	case 3, 7:
		return instancemodel.Paused
	case 4:
		return instancemodel.Shutdown
	case 5:
		return instancemodel.Shutoff
	case 6:
		return instancemodel.Crashed
	default:
		return instancemodel.NoState
	}
}
