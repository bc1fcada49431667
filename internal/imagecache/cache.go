// Package imagecache implements the content-addressed base-image store:
// at most one fetch per key happens concurrently, and per-instance disks are
// materialized from the cached base either by copy or by a copy-on-write
// overlay.
package imagecache

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/storage"
)

// Fetcher retrieves the image identified by ref and writes it to dest.
// Implementations typically wrap an ImageService collaborator (object-store
// backed) but any source satisfying this signature works — including a
// storage.Manager-backed volume copy, per DESIGN.md's kept-pool-abstraction note.
type Fetcher interface {
	Fetch(ctx context.Context, ref, dest string) error
}

// FetcherFunc adapts a plain function to a Fetcher.
type FetcherFunc func(ctx context.Context, ref, dest string) error

func (f FetcherFunc) Fetch(ctx context.Context, ref, dest string) error { return f(ctx, ref, dest) }

// Postprocessor runs once against a freshly fetched base image before it is
// published under its cache key — e.g. converting raw to qcow2, or resizing.
// Returns the (possibly different) path of the processed file.
type Postprocessor func(ctx context.Context, path string) (string, error)

// Cache is the per-host base-image store rooted at <instancesPath>/_base/.
type Cache struct {
	instancesPath string
	group         singleflight.Group
}

// New returns a Cache rooted at instancesPath. The _base subdirectory is
// created lazily on first Materialize call.
func New(instancesPath string) *Cache {
	return &Cache{instancesPath: instancesPath}
}

func (c *Cache) baseDir() string {
	return filepath.Join(c.instancesPath, "_base")
}

func (c *Cache) basePath(key string) string {
	return filepath.Join(c.baseDir(), key)
}

// Materialize ensures the base image for key exists (fetching it via fetch
// on a cache miss, exactly once per key even under concurrent callers), then
// produces targetPath as either a full copy or a copy-on-write overlay of
// the base, per cow.
//
// Seven-step algorithm: (1) if targetPath already exists, return immediately
// — a previous run already materialized it, (2) check the base file's
// presence, (3) on a miss, singleflight-coordinate one fetch into a temp
// file in the same directory, (4) run post against the temp file if
// supplied, (5) atomically rename the temp file into place so readers never
// observe a partial base, (6) on a cow request, invoke qemu-img to create an
// overlay backed by the base file, (7) on a non-cow request, copy the base
// file's bytes into targetPath.
func (c *Cache) Materialize(ctx context.Context, key, ref string, fetch Fetcher, cow bool, post Postprocessor, targetPath string) error {
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return driverrors.New(driverrors.External, "materialize", err)
	}

	if err := os.MkdirAll(c.baseDir(), 0o755); err != nil {
		return driverrors.New(driverrors.External, "materialize", fmt.Errorf("create base dir: %w", err))
	}

	base := c.basePath(key)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := c.fetchOnce(ctx, key, base, ref, fetch, post); err != nil {
			return err
		}
	} else if err != nil {
		return driverrors.New(driverrors.External, "materialize", err)
	}

	if cow {
		return c.createOverlay(base, targetPath)
	}
	return c.copyFile(base, targetPath)
}

// fetchOnce is the singleflight-coordinated miss path. Every concurrent
// caller for the same key observes the single execution's result — no
// caller is ever orphaned by a map-deletion race, unlike the mutex-map
// approach this replaces.
func (c *Cache) fetchOnce(ctx context.Context, key, base, ref string, fetch Fetcher, post Postprocessor) error {
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another process (not just another goroutine in this
		// process) may have already published the file.
		if _, statErr := os.Stat(base); statErr == nil {
			return nil, nil
		}

		tmp := base + ".tmp-" + strconv.Itoa(os.Getpid())
		if err := fetch.Fetch(ctx, ref, tmp); err != nil {
			_ = os.Remove(tmp)
			return nil, driverrors.New(driverrors.External, "fetch", err)
		}

		finalTmp := tmp
		if post != nil {
			processed, err := post(ctx, tmp)
			if err != nil {
				_ = os.Remove(tmp)
				return nil, driverrors.New(driverrors.External, "postprocess", err)
			}
			finalTmp = processed
		}

		if err := os.Rename(finalTmp, base); err != nil {
			_ = os.Remove(finalTmp)
			return nil, driverrors.New(driverrors.Fatal, "publish", err)
		}
		return nil, nil
	})
	return err
}

// createOverlay builds targetPath as a qcow2 file backed by base, leaving
// base untouched. cluster_size=2M matches the layout the base images
// themselves are created with.
func (c *Cache) createOverlay(base, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return driverrors.New(driverrors.External, "materialize", err)
	}
	cmd := exec.Command( //nolint:gosec // base/targetPath are driver-controlled paths, not user input
		"qemu-img", "create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("cluster_size=2M,backing_file=%s", base),
		targetPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return driverrors.New(driverrors.External, "materialize", fmt.Errorf("qemu-img create overlay: %w: %s", err, out))
	}
	return chownToQEMU(targetPath)
}

// copyFile produces a full, independent copy of base at targetPath (used
// when copy-on-write is disabled and for kernel/ramdisk artifacts, which are
// never qcow2 overlays).
func (c *Cache) copyFile(base, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return driverrors.New(driverrors.External, "materialize", err)
	}
	src, err := os.Open(base)
	if err != nil {
		return driverrors.New(driverrors.External, "materialize", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return driverrors.New(driverrors.External, "materialize", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return driverrors.New(driverrors.External, "materialize", fmt.Errorf("copy base image: %w", err))
	}
	return chownToQEMU(targetPath)
}

// chownToQEMU sets qemu:qemu ownership on a materialized disk file.
// GetQEMUUserGroup always returns a usable uid/gid (falling back to 107/107
// with a warning-level err when it can't positively identify the account),
// so that warning is not fatal here; only a Chown syscall failure is.
func chownToQEMU(path string) error {
	uid, gid, _ := storage.GetQEMUUserGroup()
	uidN, err1 := strconv.Atoi(uid)
	gidN, err2 := strconv.Atoi(gid)
	if err1 != nil || err2 != nil {
		return nil
	}
	if err := os.Chown(path, uidN, gidN); err != nil {
		return driverrors.New(driverrors.External, "chown", err)
	}
	return nil
}
