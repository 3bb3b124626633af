package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FilesystemChecker verifies a directory is writable by creating and
// removing a probe file. Used to preflight-check DATA_DIR before a
// shard process starts writing.
type FilesystemChecker struct {
	Dir string
}

// NewFilesystemChecker creates a checker for the given directory.
func NewFilesystemChecker(dir string) *FilesystemChecker {
	return &FilesystemChecker{Dir: dir}
}

// Check writes and removes a probe file under Dir.
func (f *FilesystemChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("mkdir %s: %v", f.Dir, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	probe := filepath.Join(f.Dir, ".preflight-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("write probe file in %s: %v", f.Dir, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer os.Remove(probe)

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s is writable", f.Dir),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (f *FilesystemChecker) Type() CheckType {
	return CheckTypeFilesystem
}
