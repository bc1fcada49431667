package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	driverConfigPath string
	imageSourceDir   string
	storagePool      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "novirtd",
	Short: "novirtd - compute-node hypervisor driver operator harness",
	Long: `novirtd exercises the compute-node hypervisor driver directly against a
local libvirt daemon: spawn, destroy, rescue, and migrate instances described
by a flat YAML descriptor, and report this node's resource capacity.

It is not a product CLI — request authentication, the account/project/user
model, and the central InstanceStore all live above this driver in the real
system. This harness stands in for them with a local file and stdout.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&driverConfigPath, "driver-config", "/etc/novirtd/driver.yaml", "path to the host-level DriverConfig YAML file")
	rootCmd.PersistentFlags().StringVar(&imageSourceDir, "image-source", "/var/lib/novirtd/images", "directory standing in for the ImageService capability, keyed by image/kernel/ramdisk id")
	rootCmd.PersistentFlags().StringVar(&storagePool, "storage-pool", "", "if set, fetch image/kernel/ramdisk artifacts from this libvirt storage pool instead of --image-source")

	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(rescueCmd)
	rootCmd.AddCommand(unrescueCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reportCmd)
}
