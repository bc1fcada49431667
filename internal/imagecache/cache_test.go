package imagecache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func writeFetcher(content string) Fetcher {
	return FetcherFunc(func(_ context.Context, _ string, dest string) error {
		return os.WriteFile(dest, []byte(content), 0o644)
	})
}

func TestMaterializeFetchesOnMiss(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	target := filepath.Join(dir, "instance-1", "disk")

	if err := c.Materialize(context.Background(), "abc123", "image-ref", writeFetcher("base-bytes"), false, nil, target); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "base-bytes" {
		t.Errorf("target content = %q, want %q", got, "base-bytes")
	}

	if _, err := os.Stat(filepath.Join(dir, "_base", "abc123")); err != nil {
		t.Errorf("base file not published: %v", err)
	}
}

func TestMaterializeSkipsFetchOnHit(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	target1 := filepath.Join(dir, "instance-1", "disk")
	target2 := filepath.Join(dir, "instance-2", "disk")

	var fetchCount int32
	fetcher := FetcherFunc(func(_ context.Context, _ string, dest string) error {
		atomic.AddInt32(&fetchCount, 1)
		return os.WriteFile(dest, []byte("base-bytes"), 0o644)
	})

	if err := c.Materialize(context.Background(), "key1", "ref", fetcher, false, nil, target1); err != nil {
		t.Fatalf("first Materialize() error = %v", err)
	}
	if err := c.Materialize(context.Background(), "key1", "ref", fetcher, false, nil, target2); err != nil {
		t.Fatalf("second Materialize() error = %v", err)
	}

	if got := atomic.LoadInt32(&fetchCount); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
}

func TestMaterializeConcurrentCallersShareOneFetch(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	var fetchCount int32
	fetcher := FetcherFunc(func(_ context.Context, _ string, dest string) error {
		atomic.AddInt32(&fetchCount, 1)
		return os.WriteFile(dest, []byte("base-bytes"), 0o644)
	})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := filepath.Join(dir, "inst", "disk")
			errs[i] = c.Materialize(context.Background(), "shared-key", "ref", fetcher, false, nil, target)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: Materialize() error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&fetchCount); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
}

func TestMaterializePostprocessRuns(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	target := filepath.Join(dir, "instance-1", "disk")

	post := func(_ context.Context, path string) (string, error) {
		if err := os.WriteFile(path, []byte("processed"), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := c.Materialize(context.Background(), "key2", "ref", writeFetcher("raw"), false, post, target); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "processed" {
		t.Errorf("target content = %q, want %q", got, "processed")
	}
}
