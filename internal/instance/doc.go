// Package instance implements the per-instance lifecycle operations that
// sit at the top of the driver: spawn, reboot, destroy, rescue/unrescue,
// volume attach/detach, and live migration. It composes the hypervisor
// gateway, the disk provisioner, and a filter engine, and owns the polling
// state machine that watches the hypervisor converge on the target state
// after each command.
//
// Adapted from internal/vm's create/destroy orchestration: the logging
// idiom and the "accumulate what happened then clean up on error" shape are
// kept (Destroy issues a forced stop only, with no graceful shutdown
// first); the storage-pool and
// v1alpha1.VirtualMachine types are generalized to instancemodel.Instance
// and the file-based disk provisioner.
package instance
