package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rescueCmd = &cobra.Command{
	Use:   "rescue <descriptor.yaml>",
	Short: "Rescue an instance",
	Long: `Rescue tears down the running domain and boots it from this host's
configured rescue image/kernel/ramdisk, writing its artifacts to a
".rescue"-suffixed directory alongside the originals.`,
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
		if err := driver.Rescue(ctx, desc.instance()); err != nil {
			return fmt.Errorf("rescue %s: %w", desc.Name, err)
		}
		fmt.Printf("instance %s is running in rescue mode\n", desc.Name)
		return nil
	},
}

var unrescueCmd = &cobra.Command{
	Use:   "unrescue <descriptor.yaml>",
	Short: "Restore an instance to normal boot",
	Long:  `Unrescue restores normal boot. It is literally a reboot.`,
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
		if err := driver.Unrescue(ctx, desc.instance()); err != nil {
			return fmt.Errorf("unrescue %s: %w", desc.Name, err)
		}
		fmt.Printf("instance %s is running\n", desc.Name)
		return nil
	},
}
