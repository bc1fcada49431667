package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

// InstanceDescriptor is the operator-supplied stand-in for a single row the
// orchestrator's InstanceStore would otherwise hold. The real InstanceStore
// capability (account model, scheduling, persistence) is out of this
// driver's scope per the specification; this harness reads a flat YAML file
// instead so the driver's lifecycle operations can be exercised standalone.
type InstanceDescriptor struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name"`
	ProjectID string `yaml:"project_id"`
	UserID    string `yaml:"user_id"`
	Host      string `yaml:"host"`

	Flavor struct {
		MemoryMB int    `yaml:"memory_mb"`
		VCPUs    int    `yaml:"vcpus"`
		LocalGB  int    `yaml:"local_gb"`
		FlavorID string `yaml:"flavorid"`
		RXTXCap  int    `yaml:"rxtx_cap"`
	} `yaml:"flavor"`

	ImageID   string `yaml:"image_id"`
	KernelID  string `yaml:"kernel_id,omitempty"`
	RamdiskID string `yaml:"ramdisk_id,omitempty"`

	MACAddress string `yaml:"mac_address"`
	Network    struct {
		IPv4    string `yaml:"ipv4"`
		IPv6    string `yaml:"ipv6,omitempty"`
		Gateway string `yaml:"gateway"`
		Bridge  string `yaml:"bridge"`
	} `yaml:"network"`

	KeyData string `yaml:"key_data,omitempty"`

	SecurityGroups []descriptorSecurityGroup `yaml:"security_groups,omitempty"`
}

type descriptorSecurityGroup struct {
	ID    int    `yaml:"id"`
	Name  string `yaml:"name"`
	Rules []struct {
		CIDR     string `yaml:"cidr"`
		Protocol string `yaml:"protocol"`
		FromPort int    `yaml:"from_port"`
		ToPort   int    `yaml:"to_port"`
	} `yaml:"rules"`
}

// loadInstanceDescriptor reads and validates an InstanceDescriptor from a
// YAML file, mirroring internal/config's LoadFromFile convention (read,
// unmarshal, validate).
func loadInstanceDescriptor(path string) (*InstanceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instance descriptor %s: %w", path, err)
	}
	var desc InstanceDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse instance descriptor: %w", err)
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("instance descriptor missing required field: name")
	}
	if desc.ImageID == "" {
		return nil, fmt.Errorf("instance descriptor missing required field: image_id")
	}
	return &desc, nil
}

// instance converts the descriptor into the driver's own Instance type.
func (d *InstanceDescriptor) instance() *instancemodel.Instance {
	return &instancemodel.Instance{
		ID:        d.ID,
		Name:      d.Name,
		ProjectID: d.ProjectID,
		UserID:    d.UserID,
		Host:      d.Host,
		Type: instancemodel.Flavor{
			MemoryMB: d.Flavor.MemoryMB,
			VCPUs:    d.Flavor.VCPUs,
			LocalGB:  d.Flavor.LocalGB,
			FlavorID: d.Flavor.FlavorID,
			RXTXCap:  d.Flavor.RXTXCap,
		},
		ImageID:    d.ImageID,
		KernelID:   d.KernelID,
		RamdiskID:  d.RamdiskID,
		MACAddress: d.MACAddress,
		Network: instancemodel.FixedIP{
			IPv4:    d.Network.IPv4,
			IPv6:    d.Network.IPv6,
			Gateway: d.Network.Gateway,
			Bridge:  d.Network.Bridge,
		},
		KeyData: d.KeyData,
	}
}

// securityGroups converts the descriptor's embedded groups into the driver's
// own SecurityGroup type, with this instance implicitly a member of each.
func (d *InstanceDescriptor) securityGroups() []instancemodel.SecurityGroup {
	groups := make([]instancemodel.SecurityGroup, 0, len(d.SecurityGroups))
	for _, g := range d.SecurityGroups {
		rules := make([]instancemodel.SecurityGroupRule, 0, len(g.Rules))
		for _, r := range g.Rules {
			rules = append(rules, instancemodel.SecurityGroupRule{
				CIDR:     r.CIDR,
				Protocol: r.Protocol,
				FromPort: r.FromPort,
				ToPort:   r.ToPort,
			})
		}
		groups = append(groups, instancemodel.SecurityGroup{
			ID:      g.ID,
			Name:    g.Name,
			Rules:   rules,
			Members: []int{d.ID},
		})
	}
	return groups
}
