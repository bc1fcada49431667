package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/instancemodel"
)

func TestResolveMigrateFlags(t *testing.T) {
	flags, err := ResolveMigrateFlags("VIR_MIGRATE_LIVE,VIR_MIGRATE_PERSIST_DEST")
	if err != nil {
		t.Fatalf("ResolveMigrateFlags() error = %v", err)
	}
	want := migrateFlagBits["VIR_MIGRATE_LIVE"] | migrateFlagBits["VIR_MIGRATE_PERSIST_DEST"]
	if flags != want {
		t.Errorf("flags = %#x, want %#x", flags, want)
	}
}

func TestResolveMigrateFlagsRejectsUnknownName(t *testing.T) {
	if _, err := ResolveMigrateFlags("VIR_MIGRATE_LIVE,NOT_A_REAL_FLAG"); err == nil {
		t.Fatal("ResolveMigrateFlags() error = nil, want error for unknown flag")
	}
}

func TestResolveMigrateFlagsEmptyString(t *testing.T) {
	flags, err := ResolveMigrateFlags("")
	if err != nil {
		t.Fatalf("ResolveMigrateFlags() error = %v", err)
	}
	if flags != 0 {
		t.Errorf("flags = %#x, want 0", flags)
	}
}

// fakeFilterPreparer implements FilterPreparer for migration tests: it
// rejects ApplyInstanceFilter with a Fatal error (not-ready) for the first
// readyAfter calls, then succeeds.
type fakeFilterPreparer struct {
	readyAfter int
	applyCalls int
}

func (p *fakeFilterPreparer) SetupBasicFiltering(_ context.Context) error { return nil }

func (p *fakeFilterPreparer) ApplyInstanceFilter(_ context.Context, _ *instancemodel.Instance) error {
	p.applyCalls++
	if p.applyCalls <= p.readyAfter {
		return driverrors.New(driverrors.Fatal, "apply-instance-filter", errors.New("filter document not defined yet"))
	}
	return nil
}

func TestMigrateSucceedsOncePersistsAndInvokesPostMigrateHook(t *testing.T) {
	gw := newFakeGateway()
	gw.defined[gw.domainName] = true
	gw.states[gw.domainName] = 1
	// simulate the source domain disappearing once migration completes
	disks := &fakeProvisioner{}
	fe := &fakeFilterEngine{}
	store := newFakeStore()
	d := newTestDriver(gw, disks, fe, store, t.TempDir())

	destFilter := &fakeFilterPreparer{readyAfter: 2}
	inst := testInstance()

	done := make(chan struct{})
	var gotDest string
	hooks := MigrateHooks{
		PostMigrate: func(_ context.Context, _ *instancemodel.Instance, destHost string) {
			gotDest = destHost
			close(done)
		},
	}

	// Migrate's post-migrate-poll expects the source domain to vanish; have
	// the gateway's Migrate call remove it, mimicking a successful move.
	gw.migrateErrFn = func() error {
		delete(gw.defined, gw.domainName)
		return nil
	}

	d.Migrate(context.Background(), inst, "dest-host", destFilter, 0, 0, 5, time.Millisecond, hooks)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PostMigrate hook")
	}
	if gotDest != "dest-host" {
		t.Errorf("PostMigrate destHost = %q, want %q", gotDest, "dest-host")
	}
	if gw.migrateCalls != 1 {
		t.Errorf("migrate calls = %d, want 1", gw.migrateCalls)
	}
}

func TestMigrateInvokesRecoverHookWhenDestinationNeverReady(t *testing.T) {
	gw := newFakeGateway()
	gw.defined[gw.domainName] = true
	gw.states[gw.domainName] = 1
	disks := &fakeProvisioner{}
	fe := &fakeFilterEngine{}
	store := newFakeStore()
	d := newTestDriver(gw, disks, fe, store, t.TempDir())

	// never becomes ready within the retry budget
	destFilter := &fakeFilterPreparer{readyAfter: 1000}
	inst := testInstance()

	done := make(chan error, 1)
	hooks := MigrateHooks{
		Recover: func(_ context.Context, _ *instancemodel.Instance, err error) {
			done <- err
		},
	}

	d.Migrate(context.Background(), inst, "dest-host", destFilter, 0, 0, 3, time.Millisecond, hooks)

	select {
	case err := <-done:
		if err == nil {
			t.Error("Recover hook error = nil, want non-nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Recover hook")
	}
	if gw.migrateCalls != 0 {
		t.Errorf("migrate calls = %d, want 0 (destination never became ready)", gw.migrateCalls)
	}
}
