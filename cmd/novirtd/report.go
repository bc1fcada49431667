package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pombredanne/novirt/internal/output"
	"github.com/pombredanne/novirt/internal/resource"
)

var reportFormat string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report this node's resource capacity and utilization",
	Long: `Report reads host CPU/memory/disk totals and used amounts from the
hypervisor and the OS, normalizing them into the record §4.6 describes the
orchestrator consuming.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(reportFormat); err != nil {
			return err
		}
		ctx := cmd.Context()
		cfg, comps, err := loadConfigAndComponents(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = comps.Close() }()

		reporter := resource.New(comps.gateway, cfg.InstancesPath)
		snap, err := reporter.Report(ctx)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}

		formatter, err := output.NewFormatter(output.Options{Format: output.Format(reportFormat)})
		if err != nil {
			return err
		}
		rendered, err := formatter.FormatSnapshot(snap)
		if err != nil {
			return fmt.Errorf("format snapshot: %w", err)
		}
		fmt.Print(rendered)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFormat, "output", "table", "output format: table, yaml, or json")
}
