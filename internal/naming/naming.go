// Package naming derives the cache and artifact keys the driver's disk
// layer needs: the content-addressed base-image fingerprint and the
// per-instance kernel/ramdisk/disk key format.
package naming

import (
	"crypto/sha1" //nolint:gosec // fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
)

// BaseImageFingerprint derives the 8-hex-digit base image cache key from an
// image reference string (the image service's id or URL). The key is used
// as the filename under <instances_path>/_base/.
func BaseImageFingerprint(imageRef string) string {
	sum := sha1.Sum([]byte(imageRef)) //nolint:gosec // content-addressing, not a security boundary
	return hex.EncodeToString(sum[:])[:8]
}

// DiskArtifactKey formats a per-instance disk artifact key the way the
// kernel/ramdisk/disk cache entries are named: an 8-hex-digit zero-padded id,
// with an optional "_sm" suffix for images that were never resized after
// fetch (small flavors, or any rescue-suffixed artifact).
func DiskArtifactKey(id int, small bool) string {
	key := fmt.Sprintf("%08x", id)
	if small {
		key += "_sm"
	}
	return key
}
