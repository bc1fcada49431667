// Package diskprovisioner assembles the on-disk layout for one instance:
// its directory, kernel/ramdisk/root/local disk files, console log, and
// injected boot-time configuration.
package diskprovisioner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/imagecache"
	"github.com/pombredanne/novirt/internal/instancemodel"
	"github.com/pombredanne/novirt/internal/naming"
)

// consoleLogMode matches the per-instance disk set's invariant: console.log
// is created with mode 0660, not world-readable.
const consoleLogMode = 0o660

// Overrides carries per-call settings Prepare does not derive itself: the
// size of the disk.local scratch disk. Whether the root disk uses the small
// ("_sm") variant is not set here; Prepare derives it from the suffix and
// the flavor.
type Overrides struct {
	LocalDiskGB int // 0 means "no local scratch disk"
}

// Provisioner assembles per-instance disk sets under instancesPath.
type Provisioner struct {
	instancesPath     string
	cache             *imagecache.Cache
	fetcher           imagecache.Fetcher
	useCOW            bool
	minimumRootSizeGB int
}

// New returns a Provisioner rooted at instancesPath, fetching base images
// through fetcher (typically an ImageService adapter). minimumRootSizeGB is
// the §4.3 post-extend target for non-tiny, non-rescue root disks; 0 means
// no extend is applied.
func New(instancesPath string, fetcher imagecache.Fetcher, useCOW bool, minimumRootSizeGB int) *Provisioner {
	return &Provisioner{
		instancesPath:     instancesPath,
		cache:             imagecache.New(instancesPath),
		fetcher:           fetcher,
		useCOW:            useCOW,
		minimumRootSizeGB: minimumRootSizeGB,
	}
}

// Layout is the set of file paths assembled for one instance, handed to the
// libvirt XML generator.
type Layout struct {
	Dir        string
	LibvirtXML string
	ConsoleLog string
	Kernel     string
	Ramdisk    string
	Disk       string
	DiskLocal  string
}

// Prepare assembles inst's directory and disk artifacts under
// <instancesPath>/<instance.name><suffix>/, writing domainXML alongside them.
// suffix is "" for a normal instance or ".rescue" for rescue mode. Returns
// the resulting Layout so the caller can hand it to the hypervisor gateway.
func (p *Provisioner) Prepare(ctx context.Context, inst *instancemodel.Instance, domainXML string, suffix string, overrides *Overrides) (Layout, error) {
	dir := filepath.Join(p.instancesPath, inst.Name+suffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Layout{}, driverrors.New(driverrors.External, "prepare", fmt.Errorf("create instance directory: %w", err))
	}

	layout := Layout{
		Dir:        dir,
		LibvirtXML: filepath.Join(dir, "libvirt.xml"),
		ConsoleLog: filepath.Join(dir, "console.log"),
	}

	// small variant ("_sm") marks root disks the cache never resizes after
	// fetch: rescue-suffixed ones and any on a tiny flavor. Kernel and
	// ramdisk keys never carry it.
	small := suffix == ".rescue" || inst.Type.FlavorID == "m1.tiny"

	if inst.KernelID != "" {
		key := naming.DiskArtifactKey(hashID(inst.KernelID), false)
		layout.Kernel = filepath.Join(dir, "kernel")
		if err := p.cache.Materialize(ctx, key, inst.KernelID, p.fetcher, false, nil, layout.Kernel); err != nil {
			return Layout{}, err
		}
	}

	if inst.RamdiskID != "" {
		key := naming.DiskArtifactKey(hashID(inst.RamdiskID), false)
		layout.Ramdisk = filepath.Join(dir, "ramdisk")
		if err := p.cache.Materialize(ctx, key, inst.RamdiskID, p.fetcher, false, nil, layout.Ramdisk); err != nil {
			return Layout{}, err
		}
	}

	diskKey := naming.DiskArtifactKey(hashID(inst.ImageID), small)
	layout.Disk = filepath.Join(dir, "disk")
	// Non-tiny, non-rescue root disks are post-extended to minimumRootSizeGB;
	// tiny and rescue disks use the "_sm" key above and skip the extend
	// entirely, per §4.3 and §8's boundary behavior.
	var post imagecache.Postprocessor
	if !small && p.minimumRootSizeGB > 0 {
		post = extendToMinimumSize(p.minimumRootSizeGB)
	}
	if err := p.cache.Materialize(ctx, diskKey, inst.ImageID, p.fetcher, p.useCOW, post, layout.Disk); err != nil {
		return Layout{}, err
	}

	if overrides != nil && overrides.LocalDiskGB > 0 {
		layout.DiskLocal = filepath.Join(dir, "disk.local")
		if err := createEmptyDisk(layout.DiskLocal, overrides.LocalDiskGB); err != nil {
			return Layout{}, err
		}
	}

	if err := os.WriteFile(layout.ConsoleLog, nil, consoleLogMode); err != nil {
		return Layout{}, driverrors.New(driverrors.External, "prepare", fmt.Errorf("create console log: %w", err))
	}
	// WriteFile's mode is reduced by the process umask; set it explicitly.
	if err := os.Chmod(layout.ConsoleLog, consoleLogMode); err != nil {
		return Layout{}, driverrors.New(driverrors.External, "prepare", fmt.Errorf("set console log mode: %w", err))
	}

	// Injection failure is logged and swallowed, not propagated: a bad SSH
	// key or unparsable network config shouldn't keep an otherwise-bootable
	// instance from spawning.
	if err := p.inject(inst, layout); err != nil {
		log.Printf("Warning: inject %s: %v", inst.Name, err)
	}

	if err := os.WriteFile(layout.LibvirtXML, []byte(domainXML), 0o644); err != nil {
		return Layout{}, driverrors.New(driverrors.External, "prepare", fmt.Errorf("write domain XML: %w", err))
	}

	return layout, nil
}

// inject writes a NoCloud seed ISO alongside the instance's disk when it has
// an SSH key or network config to deliver, matching the "if key or net"
// trigger condition. Injection failures are logged, not fatal — the Python
// original treats loopback-mount injection failures the same way.
func (p *Provisioner) inject(inst *instancemodel.Instance, layout Layout) error {
	iso, err := buildSeedISO(inst)
	if err != nil {
		return driverrors.New(driverrors.Invalid, "inject", err)
	}
	if iso == nil {
		return nil
	}
	seedPath := filepath.Join(layout.Dir, "seed.iso")
	if err := os.WriteFile(seedPath, iso, 0o644); err != nil {
		return driverrors.New(driverrors.External, "inject", fmt.Errorf("write seed ISO: %w", err))
	}
	return nil
}

// hashID turns an opaque image/kernel/ramdisk reference into the integer
// form the %08x key format expects. Numeric references pass through
// directly; non-numeric references (URLs, UUIDs) are reduced with the same
// fingerprint used for the base-image cache key so the result still formats
// to 8 hex digits.
func hashID(ref string) int {
	n := 0
	numeric := true
	for _, r := range ref {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric && ref != "" {
		for _, r := range ref {
			n = n*10 + int(r-'0')
		}
		return n
	}
	fp := naming.BaseImageFingerprint(ref)
	val := 0
	for _, c := range fp {
		val = val*16 + hexDigit(c)
	}
	return val
}

func hexDigit(c rune) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return 0
	}
}
