package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pombredanne/novirt/internal/config"
	"github.com/pombredanne/novirt/internal/instance"
)

// newDriver wires a components set and an instance.Store for one descriptor
// into an instance.Driver, ready to run a single lifecycle operation.
func newDriver(cfg *config.DriverConfig, comps *components, desc *InstanceDescriptor) *instance.Driver {
	store := newDescriptorStore(desc.securityGroups())
	rescue := instance.RescueArtifacts{
		ImageID:   cfg.RescueImageID,
		KernelID:  cfg.RescueKernelID,
		RamdiskID: cfg.RescueRamdiskID,
	}
	return instance.New(comps.gateway, comps.disks, comps.filter, store, cfg.InstancesPath, rescue)
}

func loadConfigAndComponents(ctx context.Context) (*config.DriverConfig, *components, error) {
	cfg, err := config.LoadDriverConfigFromFile(driverConfigPath)
	if err != nil {
		return nil, nil, err
	}
	comps, err := buildComponents(ctx, cfg, imageSourceDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, comps, nil
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <descriptor.yaml>",
	Short: "Spawn an instance from a descriptor file",
	Long: `Spawn brings up a new instance: installs static filters, prepares the
instance's security-group filter, assembles its disk set, defines and starts
the domain, activates the filter, then polls until RUNNING.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := loadInstanceDescriptor(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		cfg, comps, err := loadConfigAndComponents(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = comps.Close() }()

		driver := newDriver(cfg, comps, desc)
		if err := driver.Spawn(ctx, desc.instance()); err != nil {
			return fmt.Errorf("spawn %s: %w", desc.Name, err)
		}
		fmt.Printf("instance %s is running\n", desc.Name)
		return nil
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot <descriptor.yaml>",
	Short: "Reboot an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := loadInstanceDescriptor(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		cfg, comps, err := loadConfigAndComponents(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = comps.Close() }()

		driver := newDriver(cfg, comps, desc)
		if err := driver.Reboot(ctx, desc.instance()); err != nil {
			return fmt.Errorf("reboot %s: %w", desc.Name, err)
		}
		fmt.Printf("instance %s is running\n", desc.Name)
		return nil
	},
}
