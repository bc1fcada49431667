package diskprovisioner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pombredanne/novirt/internal/imagecache"
	"github.com/pombredanne/novirt/internal/instancemodel"
)

func fakeFetcher() imagecache.Fetcher {
	return imagecache.FetcherFunc(func(_ context.Context, _ string, dest string) error {
		return os.WriteFile(dest, []byte("fake-image-bytes"), 0o644)
	})
}

func TestPrepareCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, fakeFetcher(), false, 0)

	inst := &instancemodel.Instance{
		ID:      42,
		Name:    "web-1",
		ImageID: "7",
		Type:    instancemodel.Flavor{FlavorID: "m1.small"},
	}

	layout, err := p.Prepare(context.Background(), inst, "<domain/>", "", nil)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if layout.Dir != filepath.Join(dir, "web-1") {
		t.Errorf("layout.Dir = %q", layout.Dir)
	}
	for _, path := range []string{layout.LibvirtXML, layout.ConsoleLog, layout.Disk} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	info, err := os.Stat(layout.ConsoleLog)
	if err != nil {
		t.Fatalf("stat console.log: %v", err)
	}
	if info.Mode().Perm() != consoleLogMode {
		t.Errorf("console.log mode = %v, want %v", info.Mode().Perm(), os.FileMode(consoleLogMode))
	}
}

func TestPrepareRescueSuffix(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, fakeFetcher(), false, 0)
	inst := &instancemodel.Instance{ID: 1, Name: "web-1", ImageID: "9"}

	layout, err := p.Prepare(context.Background(), inst, "<domain/>", ".rescue", nil)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if layout.Dir != filepath.Join(dir, "web-1.rescue") {
		t.Errorf("layout.Dir = %q, want rescue-suffixed", layout.Dir)
	}
}

func TestPrepareInjectsSeedWhenKeyPresent(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, fakeFetcher(), false, 0)
	inst := &instancemodel.Instance{
		ID:      2,
		Name:    "web-2",
		ImageID: "3",
		KeyData: "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAABAgMEBQYHCAkKCwwNDg8QERITFBUWFxgZGhscHR4f test@example.com",
	}

	layout, err := p.Prepare(context.Background(), inst, "<domain/>", "", nil)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.Dir, "seed.iso")); err != nil {
		t.Errorf("expected seed.iso to be written: %v", err)
	}
}

func TestPrepareSkipsExtendForTinyFlavor(t *testing.T) {
	dir := t.TempDir()
	// minimumRootSizeGB > 0 would invoke qemu-img resize for a non-tiny
	// flavor; a tiny flavor must skip the extend entirely, so Prepare here
	// must succeed without ever shelling out.
	p := New(dir, fakeFetcher(), false, 20)
	inst := &instancemodel.Instance{
		ID:      5,
		Name:    "web-5",
		ImageID: "11",
		Type:    instancemodel.Flavor{FlavorID: "m1.tiny"},
	}

	layout, err := p.Prepare(context.Background(), inst, "<domain/>", "", nil)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := os.Stat(layout.Disk); err != nil {
		t.Errorf("expected disk to exist: %v", err)
	}
}

func TestPrepareSkipsExtendForRescueSuffix(t *testing.T) {
	dir := t.TempDir()
	// Same reasoning as above: rescue mode uses the "_sm" key and must skip
	// the extend regardless of flavor.
	p := New(dir, fakeFetcher(), false, 20)
	inst := &instancemodel.Instance{
		ID:      6,
		Name:    "web-6",
		ImageID: "12",
		Type:    instancemodel.Flavor{FlavorID: "m1.small"},
	}

	layout, err := p.Prepare(context.Background(), inst, "<domain/>", ".rescue", nil)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := os.Stat(layout.Disk); err != nil {
		t.Errorf("expected rescue disk to exist: %v", err)
	}
}

func TestPrepareSkipsInjectWithoutKeyOrNetwork(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, fakeFetcher(), false, 0)
	inst := &instancemodel.Instance{ID: 3, Name: "web-3", ImageID: "4"}

	layout, err := p.Prepare(context.Background(), inst, "<domain/>", "", nil)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.Dir, "seed.iso")); !os.IsNotExist(err) {
		t.Errorf("expected no seed.iso, got err = %v", err)
	}
}
