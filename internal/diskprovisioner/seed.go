package diskprovisioner

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

// seedUserData mirrors cloudinit.UserData's shape, trimmed to what instance
// injection needs: the hostname and an authorized key. Boot-time config here
// stands in for the loopback/nbd-mount key and /etc/network/interfaces
// injection of the original implementation (not portable, and no Go library
// in the retrieval pack performs a loopback mount). The ISO is written as
// seed.iso in the instance directory; the instance's domain XML does not
// attach it.
type seedUserData struct {
	Hostname          string   `yaml:"hostname"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

type seedMetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

type seedNetworkConfig struct {
	Version   int                          `yaml:"version"`
	Ethernets map[string]seedEthernetConfig `yaml:"ethernets"`
}

type seedEthernetConfig struct {
	Addresses []string `yaml:"addresses"`
	Gateway4  string   `yaml:"gateway4,omitempty"`
}

// validateKeyData checks that inst.KeyData, if present, parses as an
// authorized SSH public key. Grounded on the same ssh.ParseAuthorizedKey
// call config.CloudInitConfig.Validate uses for VM-harness-supplied keys.
func validateKeyData(keyData string) error {
	if keyData == "" {
		return nil
	}
	_, _, _, _, err := ssh.ParseAuthorizedKey([]byte(keyData))
	if err != nil {
		return fmt.Errorf("invalid key_data: %w", err)
	}
	return nil
}

// buildSeedISO renders a NoCloud-format seed ISO carrying inst's injected
// SSH key and static network configuration. Returns nil, nil if there is
// nothing to inject (no key, no network info) — matching the "inject only
// if key or net" trigger condition of the per-instance disk assembly.
func buildSeedISO(inst *instancemodel.Instance) ([]byte, error) {
	if inst.KeyData == "" && inst.Network.IPv4 == "" {
		return nil, nil
	}

	if err := validateKeyData(inst.KeyData); err != nil {
		return nil, err
	}

	userData := seedUserData{Hostname: inst.Name}
	if inst.KeyData != "" {
		userData.SSHAuthorizedKeys = []string{inst.KeyData}
	}
	userDataYAML, err := yaml.Marshal(userData)
	if err != nil {
		return nil, fmt.Errorf("marshal seed user-data: %w", err)
	}

	metaData := seedMetaData{InstanceID: fmt.Sprintf("i-%08x", inst.ID), LocalHostname: inst.Name}
	metaDataYAML, err := yaml.Marshal(metaData)
	if err != nil {
		return nil, fmt.Errorf("marshal seed meta-data: %w", err)
	}

	netConfig := seedNetworkConfig{Version: 2, Ethernets: map[string]seedEthernetConfig{}}
	if inst.Network.IPv4 != "" {
		netConfig.Ethernets["eth0"] = seedEthernetConfig{
			Addresses: []string{inst.Network.IPv4},
			Gateway4:  inst.Network.Gateway,
		}
	}
	netConfigYAML, err := yaml.Marshal(netConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal seed network-config: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("create ISO writer: %w", err)
	}
	defer func() { _ = writer.Cleanup() }()

	files := map[string][]byte{
		"user-data":      append([]byte("#cloud-config\n"), userDataYAML...),
		"meta-data":      metaDataYAML,
		"network-config": netConfigYAML,
	}
	for name, content := range files {
		if err := writer.AddFile(bytes.NewReader(content), name); err != nil {
			return nil, fmt.Errorf("add %s to seed ISO: %w", name, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("write seed ISO: %w", err)
	}
	return buf.Bytes(), nil
}
