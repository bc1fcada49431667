package instance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/instancemodel"
	"github.com/pombredanne/novirt/internal/poll"
)

// migrateFlagBits maps the live_migration_flag config names to
// VIR_MIGRATE_* bit values. These are libvirt's own public C API constants
// (stable across releases); resolving by name here rather than depending on
// go-libvirt's bindings avoids coupling to one client library's naming.
var migrateFlagBits = map[string]uint32{
	"VIR_MIGRATE_LIVE":              1 << 0,
	"VIR_MIGRATE_PEER2PEER":         1 << 1,
	"VIR_MIGRATE_TUNNELLED":         1 << 2,
	"VIR_MIGRATE_PERSIST_DEST":      1 << 3,
	"VIR_MIGRATE_UNDEFINE_SOURCE":   1 << 4,
	"VIR_MIGRATE_PAUSED":            1 << 5,
	"VIR_MIGRATE_NON_SHARED_DISK":   1 << 6,
	"VIR_MIGRATE_NON_SHARED_INC":    1 << 7,
	"VIR_MIGRATE_CHANGE_PROTECTION": 1 << 8,
	"VIR_MIGRATE_ABORT_ON_ERROR":    1 << 12,
	"VIR_MIGRATE_AUTO_CONVERGE":     1 << 13,
}

// ResolveMigrateFlags turns a comma-separated config string (e.g.
// "VIR_MIGRATE_LIVE,VIR_MIGRATE_PERSIST_DEST") into the bitmask libvirt's
// migrate API expects. Unknown names are rejected rather than silently
// dropped, since a typo'd flag name would otherwise migrate instances
// without the live/persist semantics the operator asked for.
func ResolveMigrateFlags(names string) (uint32, error) {
	var flags uint32
	for _, raw := range strings.Split(names, ",") {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		bit, ok := migrateFlagBits[name]
		if !ok {
			return 0, fmt.Errorf("unknown live_migration_flag %q", raw)
		}
		flags |= bit
	}
	return flags, nil
}

// MigrateHooks lets a caller observe the async migration's outcome without
// blocking on it. Both are optional; nil is a no-op.
type MigrateHooks struct {
	// PostMigrate runs once the source domain has vanished, confirming the
	// move succeeded. destHost is passed through from the Migrate call.
	PostMigrate func(ctx context.Context, inst *instancemodel.Instance, destHost string)
	// Recover runs if migration fails partway through, giving the caller a
	// chance to reconcile scheduler/account state with the instance having
	// stayed on its original host.
	Recover func(ctx context.Context, inst *instancemodel.Instance, err error)
}

// Migrate live-migrates inst to destHost. It runs asynchronously: the
// destination-readiness wait and the migration call itself can each take
// long enough that the caller (an API handler) shouldn't block on them.
// flags and bandwidthMbps are resolved/config-driven values the caller
// already has (see ResolveMigrateFlags); retryCount and retryInterval bound
// the destination-readiness poll.
func (d *Driver) Migrate(ctx context.Context, inst *instancemodel.Instance, destHost string, destFilter FilterPreparer, flags uint32, bandwidthMbps, retryCount int, retryInterval time.Duration, hooks MigrateHooks) {
	go d.migrate(ctx, inst, destHost, destFilter, flags, bandwidthMbps, retryCount, retryInterval, hooks)
}

// FilterPreparer is the destination-side filter engine capability Migrate
// needs: set up the destination's static filter chain, then poll until its
// per-instance filter document is ready to receive the migrating domain.
// This is the same filter.Engine the destination host runs; it's passed in
// explicitly because Migrate drives a different host's engine than the one
// the Driver was constructed with.
type FilterPreparer interface {
	SetupBasicFiltering(ctx context.Context) error
	ApplyInstanceFilter(ctx context.Context, inst *instancemodel.Instance) error
}

// migrate is Migrate's synchronous body, run on its own goroutine.
func (d *Driver) migrate(ctx context.Context, inst *instancemodel.Instance, destHost string, destFilter FilterPreparer, flags uint32, bandwidthMbps, retryCount int, retryInterval time.Duration, hooks MigrateHooks) {
	if err := destFilter.SetupBasicFiltering(ctx); err != nil {
		d.migrateFailed(ctx, inst, err, hooks)
		return
	}

	// Readiness is polled by retrying ApplyInstanceFilter itself: it returns
	// a Fatal error while the destination has no filter document for this
	// instance and succeeds once one exists. This function does not define
	// that document on the destination; it only waits for it.
	readyErr := poll.Retry(ctx, retryCount, retryInterval, func() (bool, error) {
		err := destFilter.ApplyInstanceFilter(ctx, inst)
		if err == nil {
			return true, nil
		}
		if driverrors.Is(err, driverrors.Fatal) {
			return false, nil
		}
		return false, err
	})
	if readyErr != nil {
		d.migrateFailed(ctx, inst, driverrors.New(driverrors.Timeout, "migrate", readyErr), hooks)
		return
	}

	dom, err := d.gw.Lookup(ctx, inst.Name)
	if err != nil {
		d.migrateFailed(ctx, inst, driverrors.New(driverrors.External, "migrate", err), hooks)
		return
	}

	if err := d.gw.Migrate(ctx, dom, destHost, flags, bandwidthMbps); err != nil {
		d.migrateFailed(ctx, inst, driverrors.New(driverrors.External, "migrate", err), hooks)
		return
	}

	ticker := poll.NewTicker(d.pollInterval, d.pollTimeout)
	waitErr := ticker.Wait(ctx, func() (bool, error) {
		_, lookupErr := d.gw.Lookup(ctx, inst.Name)
		if lookupErr != nil && d.notFound(lookupErr) {
			return true, nil
		}
		return false, nil
	})
	if waitErr != nil {
		d.migrateFailed(ctx, inst, driverrors.New(driverrors.Timeout, "migrate", fmt.Errorf("source domain still present: %w", waitErr)), hooks)
		return
	}

	_ = d.store.SetState(ctx, inst.ID, instancemodel.Running, "migrated")
	if hooks.PostMigrate != nil {
		hooks.PostMigrate(ctx, inst, destHost)
	}
}

func (d *Driver) migrateFailed(ctx context.Context, inst *instancemodel.Instance, err error, hooks MigrateHooks) {
	log.Printf("Error: migrate %s failed: %v", inst.Name, err)
	_ = d.store.SetState(ctx, inst.ID, instancemodel.Running, "migration failed, remained on source")
	if hooks.Recover != nil {
		hooks.Recover(ctx, inst, err)
	}
}
