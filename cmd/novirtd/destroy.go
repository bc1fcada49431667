package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var destroyCleanup bool

var destroyCmd = &cobra.Command{
	Use:   "destroy <descriptor.yaml>",
	Short: "Destroy an instance",
	Long: `Destroy stops the instance's domain (tolerating "already gone"), waits
for the hypervisor to converge on SHUTDOWN or NotFound, tears down its
filter, and — with --cleanup — removes its instance directory.`,
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
		if err := driver.Destroy(ctx, desc.instance(), destroyCleanup); err != nil {
			return fmt.Errorf("destroy %s: %w", desc.Name, err)
		}
		fmt.Printf("instance %s destroyed\n", desc.Name)
		return nil
	},
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyCleanup, "cleanup", false, "remove the instance's directory after teardown")
}
