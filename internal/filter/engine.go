// Package filter implements security-group enforcement for instances on
// this host. Two interchangeable back-ends realize the same FilterState
// invariants: a hypervisor-native filter (nwfilter.go) and a host packet
// filter (hostfilter.go). Selected per host by configuration.
package filter

import (
	"context"
	"encoding/xml"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

// Engine is the contract both back-ends satisfy. Method names mirror the
// operations an instance lifecycle drives: a new instance's filters are set
// up once, prepared (computed) before the domain exists, applied once it
// does, and torn down on destroy. Security-group rule and membership
// changes are pushed out of band by refresh calls.
type Engine interface {
	// SetupBasicFiltering installs the static, host-wide filter chain this
	// backend needs before any instance filter can reference it. Idempotent.
	SetupBasicFiltering(ctx context.Context) error

	// PrepareInstanceFilter computes (but does not yet apply) the filter
	// artifacts for inst, given the security groups it's a member of.
	PrepareInstanceFilter(ctx context.Context, inst *instancemodel.Instance, groups []instancemodel.SecurityGroup) error

	// ApplyInstanceFilter makes a previously prepared filter active for inst.
	// Called once the instance's domain exists (or, for live migration, once
	// the destination is ready to receive it).
	ApplyInstanceFilter(ctx context.Context, inst *instancemodel.Instance) error

	// UnfilterInstance removes inst's filter artifacts. Called on destroy.
	UnfilterInstance(ctx context.Context, inst *instancemodel.Instance) error

	// RefreshSecurityGroupRules re-applies a changed security group's rules
	// to every instance that is a current member. Each Member carries the
	// instance's full current group set, not just the one that changed, so a
	// backend that rebuilds a flat per-instance rule list (the host-filter
	// backend) doesn't erase allow rules contributed by the instance's other
	// groups.
	RefreshSecurityGroupRules(ctx context.Context, group instancemodel.SecurityGroup, members []Member) error

	// RefreshSecurityGroupMembers re-applies a changed CIDR allow-list
	// (derived from current group membership) to one instance.
	RefreshSecurityGroupMembers(ctx context.Context, inst *instancemodel.Instance, groups []instancemodel.SecurityGroup) error
}

// Member pairs an instance bound to a security group being refreshed with
// the full current set of groups it belongs to (which includes that group).
type Member struct {
	Instance *instancemodel.Instance
	Groups   []instancemodel.SecurityGroup
}

// State is the persisted record of what a backend has applied for one
// instance: the names of the filter documents (nwfilter mode) or chains
// (host-filter mode) it owns, plus the one-shot static-setup flag.
type State struct {
	StaticFiltersInitialized bool              `yaml:"static_filters_initialized"`
	InstanceArtifacts        map[int][]string  `yaml:"instance_artifacts"` // instance id -> artifact names
}

// NewState returns an empty State.
func NewState() *State {
	return &State{InstanceArtifacts: make(map[int][]string)}
}

// filterMetadataNamespace and filterMetadataKey follow the teacher's
// XML-wrapped-YAML domain metadata pattern, substituted here for filter
// state instead of a VM spec.
const (
	filterMetadataNamespace = "http://novirt/filter/v1"
	filterMetadataKey       = "novirt-filter-state"
)

// filterStateDocument is the XML envelope persisted via libvirt domain
// metadata, in the same namespaced-XML-wrapping-YAML shape the teacher uses.
type filterStateDocument struct {
	XMLName xml.Name `xml:"metadata"`
	Xmlns   string   `xml:"xmlns,attr"`
	StateYAML string `xml:",innerxml"`
}

// EncodeState serializes State the way domain metadata expects it: YAML
// wrapped in a namespaced XML element.
func EncodeState(s *State) (string, error) {
	yamlData, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal filter state: %w", err)
	}
	doc := filterStateDocument{Xmlns: filterMetadataNamespace, StateYAML: string(yamlData)}
	xmlData, err := xml.MarshalIndent(doc, "  ", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal filter state envelope: %w", err)
	}
	return string(xmlData), nil
}

// DecodeState parses a previously encoded filter state document.
func DecodeState(raw string) (*State, error) {
	var doc filterStateDocument
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal filter state envelope: %w", err)
	}
	var s State
	if err := yaml.Unmarshal([]byte(doc.StateYAML), &s); err != nil {
		return nil, fmt.Errorf("unmarshal filter state: %w", err)
	}
	if s.InstanceArtifacts == nil {
		s.InstanceArtifacts = make(map[int][]string)
	}
	return &s, nil
}
