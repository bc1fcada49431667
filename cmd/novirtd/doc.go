// Command novirtd is a thin operator harness over the compute-node
// hypervisor driver (internal/instance, internal/diskprovisioner,
// internal/filter, internal/resource): it is not the product's API surface,
// which the driver's specification places out of scope. Each subcommand
// performs exactly one lifecycle operation against a locally reachable
// libvirt daemon, reading the instance it should operate on from a flat
// YAML descriptor rather than a real InstanceStore.
package main
