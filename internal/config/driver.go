package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DriverConfig is the host-level configuration for the hypervisor driver
// itself, distinct from a single VM's VMConfig. One DriverConfig is loaded
// per compute node at startup.
type DriverConfig struct {
	LibvirtType string `yaml:"libvirt_type"` // "kvm", "qemu", "uml", or "xen"
	LibvirtURI  string `yaml:"libvirt_uri,omitempty"` // overrides the type-derived default

	UseCOWImages           bool   `yaml:"use_cow_images"`
	AllowProjectNetTraffic bool   `yaml:"allow_project_net_traffic"`
	UseIPv6                bool   `yaml:"use_ipv6"`
	FirewallDriver         string `yaml:"firewall_driver"` // "nwfilter" or "iptables"

	RescueImageID   string `yaml:"rescue_image_id,omitempty"`
	RescueKernelID  string `yaml:"rescue_kernel_id,omitempty"`
	RescueRamdiskID string `yaml:"rescue_ramdisk_id,omitempty"`

	LiveMigrationURI       string `yaml:"live_migration_uri"`
	LiveMigrationFlag      string `yaml:"live_migration_flag"` // comma-separated libvirt flag names
	LiveMigrationBandwidth int    `yaml:"live_migration_bandwidth"`
	LiveMigrationRetryCount int   `yaml:"live_migration_retry_count"`

	InstancesPath     string `yaml:"instances_path"`
	MinimumRootSizeGB int    `yaml:"minimum_root_size_gb,omitempty"`
}

// Default URIs by libvirt_type, matching the selection rule: kvm/qemu use
// the system qemu driver, uml and xen each have their own.
const (
	defaultQemuURI = "qemu:///system"
	defaultUMLURI  = "uml:///system"
	defaultXenURI  = "xen:///"
)

// ResolvedURI returns LibvirtURI if set, otherwise the default derived from
// LibvirtType.
func (c *DriverConfig) ResolvedURI() (string, error) {
	if c.LibvirtURI != "" {
		return c.LibvirtURI, nil
	}
	switch strings.ToLower(c.LibvirtType) {
	case "kvm", "qemu", "":
		return defaultQemuURI, nil
	case "uml":
		return defaultUMLURI, nil
	case "xen":
		return defaultXenURI, nil
	default:
		return "", fmt.Errorf("unknown libvirt_type %q", c.LibvirtType)
	}
}

// Normalize fills in defaults the way VMConfig.Normalize does for per-VM config.
func (c *DriverConfig) Normalize() {
	c.LibvirtType = strings.ToLower(strings.TrimSpace(c.LibvirtType))
	if c.FirewallDriver == "" {
		c.FirewallDriver = "nwfilter"
	}
	if c.InstancesPath == "" {
		c.InstancesPath = "/var/lib/novirt/instances"
	}
	if c.LiveMigrationRetryCount == 0 {
		c.LiveMigrationRetryCount = 30
	}
}

// Validate checks the configuration for internal consistency.
func (c *DriverConfig) Validate() error {
	if _, err := c.ResolvedURI(); err != nil {
		return err
	}
	switch c.FirewallDriver {
	case "nwfilter", "iptables":
	default:
		return fmt.Errorf("firewall_driver must be %q or %q, got %q", "nwfilter", "iptables", c.FirewallDriver)
	}
	if c.InstancesPath == "" {
		return fmt.Errorf("instances_path is required")
	}
	if c.LiveMigrationRetryCount < 0 {
		return fmt.Errorf("live_migration_retry_count must be >= 0, got %d", c.LiveMigrationRetryCount)
	}
	return nil
}

// LoadDriverConfigFromFile loads the host-level driver configuration from a
// YAML file, normalizing and validating it before returning.
func LoadDriverConfigFromFile(path string) (*DriverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read driver config file: %w", err)
	}

	var cfg DriverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver configuration: %w", err)
	}

	return &cfg, nil
}
