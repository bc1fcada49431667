package config

import "testing"

func TestResolvedURI(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DriverConfig
		want    string
		wantErr bool
	}{
		{"explicit override wins", DriverConfig{LibvirtType: "kvm", LibvirtURI: "qemu+ssh://host/system"}, "qemu+ssh://host/system", false},
		{"kvm default", DriverConfig{LibvirtType: "kvm"}, defaultQemuURI, false},
		{"qemu default", DriverConfig{LibvirtType: "qemu"}, defaultQemuURI, false},
		{"empty defaults to qemu", DriverConfig{}, defaultQemuURI, false},
		{"uml default", DriverConfig{LibvirtType: "uml"}, defaultUMLURI, false},
		{"xen default", DriverConfig{LibvirtType: "xen"}, defaultXenURI, false},
		{"unknown type errors", DriverConfig{LibvirtType: "bhyve"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ResolvedURI()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolvedURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolvedURI() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDriverConfigNormalizeDefaults(t *testing.T) {
	cfg := DriverConfig{}
	cfg.Normalize()
	if cfg.FirewallDriver != "nwfilter" {
		t.Errorf("FirewallDriver = %q, want nwfilter", cfg.FirewallDriver)
	}
	if cfg.InstancesPath == "" {
		t.Errorf("InstancesPath not defaulted")
	}
	if cfg.LiveMigrationRetryCount != 30 {
		t.Errorf("LiveMigrationRetryCount = %d, want 30", cfg.LiveMigrationRetryCount)
	}
}

func TestDriverConfigValidateRejectsBadFirewallDriver(t *testing.T) {
	cfg := DriverConfig{FirewallDriver: "nftables", InstancesPath: "/tmp"}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() = nil, want error for unsupported firewall_driver")
	}
}
