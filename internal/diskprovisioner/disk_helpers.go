package diskprovisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/imagecache"
)

// createEmptyDisk makes an empty qcow2 scratch disk of sizeGB, the same
// qemu-img invocation used for boot disks without a backing file.
func createEmptyDisk(path string, sizeGB int) error {
	cmd := exec.Command("qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%dG", sizeGB)) //nolint:gosec // path/size are driver-controlled
	if out, err := cmd.CombinedOutput(); err != nil {
		return driverrors.New(driverrors.External, "prepare", fmt.Errorf("create local disk: %w: %s", err, out))
	}
	return nil
}

// extendToMinimumSize returns a Postprocessor that grows the image at path
// up to minimumGB (a no-op if it's already that size or larger), matching
// §4.2/§4.3's "post-extend to minimum_root_size" step. qemu-img resize grows
// in place, so the processed path is unchanged from the one it was handed.
func extendToMinimumSize(minimumGB int) imagecache.Postprocessor {
	return func(_ context.Context, path string) (string, error) {
		info, err := exec.Command("qemu-img", "info", "--output=json", path).Output() //nolint:gosec // path is driver-controlled
		if err != nil {
			return "", driverrors.New(driverrors.External, "prepare", fmt.Errorf("inspect root disk size: %w", err))
		}
		var meta struct {
			VirtualSize int64 `json:"virtual-size"`
		}
		if err := json.Unmarshal(info, &meta); err != nil {
			return "", driverrors.New(driverrors.External, "prepare", fmt.Errorf("parse qemu-img info: %w", err))
		}
		if meta.VirtualSize >= int64(minimumGB)<<30 {
			return path, nil
		}
		cmd := exec.Command("qemu-img", "resize", path, fmt.Sprintf("%dG", minimumGB)) //nolint:gosec // path/size are driver-controlled
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", driverrors.New(driverrors.External, "prepare", fmt.Errorf("extend root disk to minimum size: %w: %s", err, out))
		}
		return path, nil
	}
}
