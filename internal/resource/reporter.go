// Package resource reports this compute node's capacity and current
// utilization to the orchestrator: vcpu/memory/disk totals, vcpus in use by
// running domains, the host's CPU description, and a compatibility check
// against a candidate CPU description for live migration.
package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	golibvirt "github.com/digitalocean/go-libvirt"

	hvlibvirt "github.com/pombredanne/novirt/internal/libvirt"
)

// gateway is the HypervisorGateway surface Reporter depends on.
type gateway interface {
	ListRunning(ctx context.Context) ([]golibvirt.Domain, error)
	Info(ctx context.Context, dom golibvirt.Domain) (hvlibvirt.Info, error)
	GetCapabilitiesXML(ctx context.Context) (string, error)
	CompareCPU(ctx context.Context, cpuXML string) (int32, error)
	HypervisorTypeVersion(ctx context.Context) (string, uint64, error)
}

// Reporter computes the resource snapshot a compute node publishes to the
// orchestrator on startup and on each periodic refresh.
type Reporter struct {
	gw            gateway
	instancesPath string
}

// New returns a Reporter backed by gw, measuring disk capacity under
// instancesPath (the same root the disk provisioner writes into).
func New(gw gateway, instancesPath string) *Reporter {
	return &Reporter{gw: gw, instancesPath: instancesPath}
}

// Snapshot is the full resource record published for one compute node.
type Snapshot struct {
	VCPUs             int    `json:"vcpus" yaml:"vcpus"`
	VCPUsUsed         int    `json:"vcpus_used" yaml:"vcpus_used"`
	MemoryMB          int    `json:"memory_mb" yaml:"memory_mb"`
	MemoryMBUsed      int    `json:"memory_mb_used" yaml:"memory_mb_used"`
	LocalGB           int    `json:"local_gb" yaml:"local_gb"`
	LocalGBUsed       int    `json:"local_gb_used" yaml:"local_gb_used"`
	HypervisorType    string `json:"hypervisor_type" yaml:"hypervisor_type"`
	HypervisorVersion uint64 `json:"hypervisor_version" yaml:"hypervisor_version"`
	CPUInfoJSON       string `json:"cpu_info" yaml:"cpu_info"`
}

// VCPUTotal returns the number of logical CPUs available to the host.
// multiprocessing.cpu_count() has no "unsupported platform" failure mode in
// Go: runtime.NumCPU() always returns at least 1.
func (r *Reporter) VCPUTotal() int {
	return runtime.NumCPU()
}

// MemoryMBTotal reads MemTotal out of /proc/meminfo, matching
// get_memory_mb_total's kB-to-MB conversion.
func (r *Reporter) MemoryMBTotal() (int, error) {
	kb, err := readMeminfoField("MemTotal:")
	if err != nil {
		return 0, err
	}
	return kb / 1024, nil
}

// readMeminfoField returns the kB value for a /proc/meminfo field such as
// "MemTotal:" or "MemFree:".
func readMeminfoField(field string) (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) >= 2 && parts[0] == field {
			return strconv.Atoi(parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("field %q not found in /proc/meminfo", field)
}

// MemoryMBUsed is total memory minus free, buffers, and cached, matching
// get_memory_mb_used's accounting (pages the kernel considers reclaimable
// don't count as "used" by a workload).
func (r *Reporter) MemoryMBUsed() (int, error) {
	total, err := readMeminfoField("MemTotal:")
	if err != nil {
		return 0, err
	}
	free, err := readMeminfoField("MemFree:")
	if err != nil {
		return 0, err
	}
	buffers, err := readMeminfoField("Buffers:")
	if err != nil {
		return 0, err
	}
	cached, err := readMeminfoField("Cached:")
	if err != nil {
		return 0, err
	}
	return (total - free - buffers - cached) / 1024, nil
}

// LocalGBTotal reports the filesystem capacity under instancesPath, matching
// get_local_gb_total's statvfs-based computation.
func (r *Reporter) LocalGBTotal() (int, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(r.instancesPath, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", r.instancesPath, err)
	}
	bytesTotal := stat.Frsize * int64(stat.Blocks)
	return int(bytesTotal / (1024 * 1024 * 1024)), nil
}

// LocalGBUsed reports used filesystem capacity under instancesPath, matching
// get_local_gb_used's statvfs-based computation (total minus free).
func (r *Reporter) LocalGBUsed() (int, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(r.instancesPath, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", r.instancesPath, err)
	}
	bytesUsed := stat.Frsize * (int64(stat.Blocks) - int64(stat.Bfree))
	return int(bytesUsed / (1024 * 1024 * 1024)), nil
}

// VCPUsUsed sums the vcpu count of every currently running domain, matching
// get_vcpu_used's iteration over listDomainsID.
func (r *Reporter) VCPUsUsed(ctx context.Context) (int, error) {
	domains, err := r.gw.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running domains: %w", err)
	}
	var total int
	for _, dom := range domains {
		info, err := r.gw.Info(ctx, dom)
		if err != nil {
			return 0, fmt.Errorf("info for domain %s: %w", dom.Name, err)
		}
		total += int(info.NrVirtCPU)
	}
	return total, nil
}

// CPUInfo returns the host's CPU description as the JSON string callers
// persist and later hand to CompareCPU on a prospective migration target.
func (r *Reporter) CPUInfo(ctx context.Context) (string, error) {
	caps, err := r.gw.GetCapabilitiesXML(ctx)
	if err != nil {
		return "", fmt.Errorf("get capabilities: %w", err)
	}
	return ParseCPUInfo(caps)
}

// CompareCPU checks whether a candidate CPU description (as produced by
// another compute node's CPUInfo) is compatible with this host's actual
// CPU, per virCPUCompareResult: a non-positive result means incompatible.
func (r *Reporter) CompareCPU(ctx context.Context, candidateCPUInfoJSON string) error {
	xml, err := BuildCompareCPUXML(candidateCPUInfoJSON)
	if err != nil {
		return fmt.Errorf("build compare cpu xml: %w", err)
	}
	result, err := r.gw.CompareCPU(ctx, xml)
	if err != nil {
		return fmt.Errorf("compare cpu: %w", err)
	}
	if result <= 0 {
		return fmt.Errorf("cpu is not compatible: compareCPU returned %d", result)
	}
	return nil
}

// Report assembles the full Snapshot published to the orchestrator.
func (r *Reporter) Report(ctx context.Context) (Snapshot, error) {
	memMB, err := r.MemoryMBTotal()
	if err != nil {
		return Snapshot{}, err
	}
	memMBUsed, err := r.MemoryMBUsed()
	if err != nil {
		return Snapshot{}, err
	}
	localGB, err := r.LocalGBTotal()
	if err != nil {
		return Snapshot{}, err
	}
	localGBUsed, err := r.LocalGBUsed()
	if err != nil {
		return Snapshot{}, err
	}
	vcpusUsed, err := r.VCPUsUsed(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	cpuInfo, err := r.CPUInfo(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	hvType, hvVersion, err := r.gw.HypervisorTypeVersion(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		VCPUs:             r.VCPUTotal(),
		VCPUsUsed:         vcpusUsed,
		MemoryMB:          memMB,
		MemoryMBUsed:      memMBUsed,
		LocalGB:           localGB,
		LocalGBUsed:       localGBUsed,
		HypervisorType:    hvType,
		HypervisorVersion: hvVersion,
		CPUInfoJSON:       cpuInfo,
	}, nil
}
