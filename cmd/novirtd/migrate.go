package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pombredanne/novirt/internal/instance"
	"github.com/pombredanne/novirt/internal/instancemodel"
)

// destinationRetryInterval matches §4.5's destination-readiness poll:
// live_migration_retry_count retries at 1s intervals.
const destinationRetryInterval = time.Second

var migrateCmd = &cobra.Command{
	Use:   "migrate <descriptor.yaml> <dest-host>",
	Short: "Live-migrate an instance to another host",
	Long: `Migrate drives §4.5's four-step async sequence: wait for the
per-instance filter to become ready, resolve the configured migration flags,
invoke the hypervisor's migrate call, then poll the source until the domain
disappears. This harness checks filter readiness with its own host's filter
engine; it has no connection to the destination's. It blocks until that completes (or
fails) and prints the outcome, where the real system would let the caller
return immediately and observe completion via the orchestrator's own
post/recover callbacks.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := loadInstanceDescriptor(args[0])
		if err != nil {
			return err
		}
		destHost := args[1]

		ctx := cmd.Context()
		cfg, comps, err := loadConfigAndComponents(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = comps.Close() }()

		flags, err := instance.ResolveMigrateFlags(cfg.LiveMigrationFlag)
		if err != nil {
			return err
		}

		driver := newDriver(cfg, comps, desc)

		done := make(chan error, 1)
		hooks := instance.MigrateHooks{
			PostMigrate: func(_ context.Context, _ *instancemodel.Instance, _ string) {
				done <- nil
			},
			Recover: func(_ context.Context, _ *instancemodel.Instance, migErr error) {
				done <- migErr
			},
		}

		driver.Migrate(ctx, desc.instance(), destHost, comps.filter, flags, cfg.LiveMigrationBandwidth, cfg.LiveMigrationRetryCount, destinationRetryInterval, hooks)

		if err := <-done; err != nil {
			return fmt.Errorf("migrate %s to %s: %w", desc.Name, destHost, err)
		}
		fmt.Printf("instance %s migrated to %s\n", desc.Name, destHost)
		return nil
	},
}
