package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// hypervisorClient is the go-libvirt method surface the gateway depends on.
// Narrowed to exactly what Gateway calls, following the same
// consumer-defined-interface pattern used for VM management.
type hypervisorClient interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	ConnectListAllDomains(needResults int32, flags uint32) ([]libvirt.Domain, uint32, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainSetAutostart(dom libvirt.Domain, autostart int32) error
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainGetInfo(dom libvirt.Domain) (stateVal uint8, maxMem, memory uint64, nrVirtCPU uint16, cpuTime uint64, err error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	DomainAttachDevice(dom libvirt.Domain, xml string) error
	DomainDetachDevice(dom libvirt.Domain, xml string) error
	DomainGetXMLDesc(dom libvirt.Domain, flags uint32) (xml string, err error)
	DomainMigrateToURI3(dom libvirt.Domain, desturi string, params []libvirt.TypedParam, flags uint32) error
	ConnectGetCapabilities() (capabilities string, err error)
	ConnectCompareCPU(xmlDesc string, flags uint32) (compResult int32, err error)
	NWFilterDefineXML(xml string) (libvirt.NWFilter, error)
	NWFilterLookupByName(name string) (libvirt.NWFilter, error)
	ConnectGetLibVersion() (hvVer uint64, err error)
	ConnectGetType() (rType string, err error)
}

// Gateway is a thin, reconnecting handle to the native hypervisor control
// channel. It owns no VM or filter state of its own; it is the sole point
// where libvirt RPCs are issued.
type Gateway struct {
	client     *Client
	socketPath string
	timeout    time.Duration
	uri        string
}

// NewGateway connects to the local libvirt daemon and returns a Gateway
// configured with the resolved connection URI (used for DomainMigrateToURI3
// and similar calls that need a destination URI template, not just a socket).
func NewGateway(ctx context.Context, socketPath string, timeout time.Duration, uri string) (*Gateway, error) {
	c, err := ConnectWithContext(ctx, socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return &Gateway{client: c, socketPath: socketPath, timeout: timeout, uri: uri}, nil
}

// ensureConnected pings the connection and silently reconnects if it's dead.
// Every exported method calls this first: the reconnect policy is "validate
// before use, drop and reopen on failure" rather than proactive keepalives.
func (g *Gateway) ensureConnected(ctx context.Context) error {
	if g.client != nil && g.client.Ping() == nil {
		return nil
	}
	if g.client != nil {
		_ = g.client.Close()
	}
	c, err := ConnectWithContext(ctx, g.socketPath, g.timeout)
	if err != nil {
		return fmt.Errorf("gateway: reconnect failed: %w", err)
	}
	g.client = c
	return nil
}

func (g *Gateway) hv() hypervisorClient {
	return g.client.Libvirt()
}

// Close releases the underlying connection.
func (g *Gateway) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Lookup finds a defined domain by name.
func (g *Gateway) Lookup(ctx context.Context, name string) (libvirt.Domain, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return libvirt.Domain{}, err
	}
	return g.hv().DomainLookupByName(name)
}

// ListRunning returns all currently active domains.
func (g *Gateway) ListRunning(ctx context.Context) ([]libvirt.Domain, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return nil, err
	}
	domains, _, err := g.hv().ConnectListAllDomains(1, 1) // flags: VIR_CONNECT_LIST_DOMAINS_ACTIVE
	return domains, err
}

// DefineAndStart defines a domain from XML and immediately boots it,
// setting autostart so the hypervisor revives it across a host reboot.
func (g *Gateway) DefineAndStart(ctx context.Context, domainXML string) (libvirt.Domain, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := g.hv().DomainDefineXML(domainXML)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("define domain: %w", err)
	}
	if err := g.hv().DomainSetAutostart(dom, 1); err != nil {
		return libvirt.Domain{}, fmt.Errorf("set autostart: %w", err)
	}
	if err := g.hv().DomainCreate(dom); err != nil {
		return libvirt.Domain{}, fmt.Errorf("start domain: %w", err)
	}
	return dom, nil
}

// State returns the domain's current libvirt state code.
func (g *Gateway) State(ctx context.Context, dom libvirt.Domain) (int32, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return 0, err
	}
	state, _, err := g.hv().DomainGetState(dom, 0)
	return state, err
}

// Shutdown requests a graceful ACPI shutdown.
func (g *Gateway) Shutdown(ctx context.Context, dom libvirt.Domain) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	return g.hv().DomainShutdown(dom)
}

// Destroy is the forceful stop (SIGKILL equivalent).
func (g *Gateway) Destroy(ctx context.Context, dom libvirt.Domain) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	return g.hv().DomainDestroy(dom)
}

// Undefine removes the domain's persistent definition, cleaning up NVRAM
// for UEFI domains in the same call.
func (g *Gateway) Undefine(ctx context.Context, dom libvirt.Domain) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	return g.hv().DomainUndefineFlags(dom, libvirt.DomainUndefineNvram)
}

// AttachDisk hot-attaches a device (disk XML fragment) to a running domain.
func (g *Gateway) AttachDisk(ctx context.Context, dom libvirt.Domain, diskXML string) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	return g.hv().DomainAttachDevice(dom, diskXML)
}

// DetachDisk hot-detaches a device. Callers are expected to have already
// located the exact disk XML fragment via DomainXML + a target-device match,
// since libvirt requires the fragment to match for detach.
func (g *Gateway) DetachDisk(ctx context.Context, dom libvirt.Domain, diskXML string) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	return g.hv().DomainDetachDevice(dom, diskXML)
}

// DomainXML returns the live domain's current XML description.
func (g *Gateway) DomainXML(ctx context.Context, dom libvirt.Domain) (string, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return "", err
	}
	return g.hv().DomainGetXMLDesc(dom, 0)
}

// Info returns the domain's resource accounting: state, max/current memory,
// vcpu count, and cumulative cpu time.
type Info struct {
	State     uint8
	MaxMemKB  uint64
	MemoryKB  uint64
	NrVirtCPU uint16
	CPUTimeNs uint64
}

// Info fetches Info for a domain.
func (g *Gateway) Info(ctx context.Context, dom libvirt.Domain) (Info, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return Info{}, err
	}
	state, maxMem, mem, nrVCPU, cpuTime, err := g.hv().DomainGetInfo(dom)
	if err != nil {
		return Info{}, err
	}
	return Info{State: state, MaxMemKB: maxMem, MemoryKB: mem, NrVirtCPU: nrVCPU, CPUTimeNs: cpuTime}, nil
}

// Migrate drives a live migration to destHost using the gateway's
// configured URI template and the resolved libvirt migration flag bitmask.
func (g *Gateway) Migrate(ctx context.Context, dom libvirt.Domain, destHost string, flags uint32, bandwidthMbps int) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	destURI := fmt.Sprintf(g.uri, destHost)
	params := []libvirt.TypedParam{
		{Field: "bandwidth", Value: libvirt.TypedParamValue{D: int32(bandwidthMbps)}},
	}
	return g.hv().DomainMigrateToURI3(dom, destURI, params, flags)
}

// GetCapabilitiesXML returns the host's capabilities document, used by the
// resource reporter's compatibility checks.
func (g *Gateway) GetCapabilitiesXML(ctx context.Context) (string, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return "", err
	}
	return g.hv().ConnectGetCapabilities()
}

// CompareCPU asks the hypervisor whether cpuXML is compatible with the host's
// actual CPU. A non-positive result means incompatible.
func (g *Gateway) CompareCPU(ctx context.Context, cpuXML string) (int32, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return 0, err
	}
	return g.hv().ConnectCompareCPU(cpuXML, 0)
}

// DefineNetworkFilter defines (or redefines) a named hypervisor-native
// filter document.
func (g *Gateway) DefineNetworkFilter(ctx context.Context, filterXML string) error {
	if err := g.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := g.hv().NWFilterDefineXML(filterXML)
	return err
}

// HypervisorTypeVersion returns the driver-reported hypervisor type (e.g.
// "QEMU") and its numeric libvirt library version, as published in the
// resource reporter's compute-node record.
func (g *Gateway) HypervisorTypeVersion(ctx context.Context) (string, uint64, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return "", 0, err
	}
	hvType, err := g.hv().ConnectGetType()
	if err != nil {
		return "", 0, err
	}
	version, err := g.hv().ConnectGetLibVersion()
	if err != nil {
		return "", 0, err
	}
	return hvType, version, nil
}

// LookupNetworkFilter checks whether a named filter is currently defined.
// Used by the live-migration destination-readiness wait: migration only
// proceeds once the destination host has finished defining the instance's
// filters.
func (g *Gateway) LookupNetworkFilter(ctx context.Context, name string) (bool, error) {
	if err := g.ensureConnected(ctx); err != nil {
		return false, err
	}
	_, err := g.hv().NWFilterLookupByName(name)
	if err != nil {
		return false, nil //nolint:nilerr // absence is a valid not-ready observation, not a hard failure
	}
	return true, nil
}
