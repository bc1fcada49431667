// Package instancemodel defines the data types owned by the orchestrator-side
// collaborators (InstanceStore, NetworkInfo) that the driver reads and, for
// runtime state, mutates. These are plain value types; persistence is the
// collaborator's concern, not this package's.
package instancemodel

// State is the runtime state of an instance as observed through the
// hypervisor control channel.
type State int

const (
	NoState State = iota
	Running
	Blocked
	Paused
	Shutdown
	Shutoff
	Crashed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Paused:
		return "paused"
	case Shutdown:
		return "shutdown"
	case Shutoff:
		return "shutoff"
	case Crashed:
		return "crashed"
	default:
		return "nostate"
	}
}

// Flavor is the resource shape of an instance.
type Flavor struct {
	MemoryMB int
	VCPUs    int
	LocalGB  int
	FlavorID string
	RXTXCap  int
}

// FixedIP holds an instance's network addressing, owned by NetworkInfo.
type FixedIP struct {
	IPv4    string // dotted-quad, no CIDR
	IPv6    string // optional
	Gateway string
	Bridge  string
}

// Instance is the orchestrator's view of a virtual machine on this host.
// The driver never creates or deletes Instance rows; it reads them before an
// operation and reports State/StateDescription back through InstanceStore
// after one.
type Instance struct {
	ID        int
	Name      string
	ProjectID string
	UserID    string
	Host      string

	Type     Flavor
	ImageID  string
	KernelID string // optional
	RamdiskID string // optional

	MACAddress string
	Network    FixedIP

	KeyData string // optional SSH public key for injection

	State            State
	StateDescription string
}

// SecurityGroupRule is one ingress rule within a SecurityGroup.
type SecurityGroupRule struct {
	CIDR     string
	Protocol string // "tcp", "udp", or "icmp"
	FromPort int    // icmp: type, -1 = any
	ToPort   int    // icmp: code, -1 = any
}

// SecurityGroup is an ordered rule set plus the instance ids that are its members.
type SecurityGroup struct {
	ID      int
	Name    string
	Rules   []SecurityGroupRule
	Members []int
}

// BaseImageKey identifies a cached base image file under <instances_path>/_base/.
type BaseImageKey struct {
	Fingerprint string // 8 hex digits
	SmallOnly   bool   // true if this image was never resized after fetch (the "_sm" variant)
}

// String renders the key as the literal filename used under _base/.
func (k BaseImageKey) String() string {
	if k.SmallOnly {
		return k.Fingerprint + "_sm"
	}
	return k.Fingerprint
}
