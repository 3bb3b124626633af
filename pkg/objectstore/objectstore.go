// Package objectstore abstracts the durable destination for encoded
// partition files. The S3-compatible implementation talks to GCS
// through its S3 interoperability endpoint via minio-go; the local
// implementation is used when GCS_ENABLED is false, writing to a
// DATA_DIR tree with the same path semantics so reconciliation and
// repair code never need to know which backend is in play.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
)

// ObjectInfo describes one object found during a List call. ModTime is
// what ACS snapshot retention orders complete snapshots by; a plain
// []string of keys would not carry it.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the durable destination every uploaded file and ACS
// snapshot part is written through.
type ObjectStore interface {
	// Put uploads src to key, replacing any existing object at that key.
	Put(ctx context.Context, key string, src io.Reader, size int64) error

	// Get opens key for reading. Callers must Close the returned
	// reader. Used by gap recovery and the partition repair tool, both
	// of which need row-level content, not just metadata. Returns an error satisfying IsNotExist if key is
	// missing.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns metadata for key, or an error satisfying IsNotExist
	// if no object exists there.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// List returns every object whose key has the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the store is reachable, for preflight health
	// checks. It must not have side effects on the data itself.
	Ping(ctx context.Context) error
}

// IsNotExist reports whether err indicates a missing object, the way
// os.IsNotExist does for the filesystem. It unwraps through any
// fmt.Errorf("...: %w", err) wrapping to find either LocalStore's own
// notFounder marker or, against the S3 backend, a minio ErrorResponse
// carrying a NoSuchKey/NoSuchBucket code.
func IsNotExist(err error) bool {
	type notFounder interface{ NotFound() bool }
	var nf notFounder
	if errors.As(err, &nf) {
		return nf.NotFound()
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
	}

	return false
}
