package objectstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore is an ObjectStore backed by a directory tree, used when
// GCS_ENABLED is false. Keys map directly to relative paths under
// Root, so partition.Ledger/partition.ACS output is reused unchanged by
// both backends.
type LocalStore struct {
	Root string
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Root: dir}
}

func (l *LocalStore) abs(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key))
}

type notExistError struct{ path string }

func (e *notExistError) Error() string { return fmt.Sprintf("object not found: %s", e.path) }
func (e *notExistError) NotFound() bool { return true }

// Put implements ObjectStore.
func (l *LocalStore) Put(ctx context.Context, key string, src io.Reader, size int64) error {
	dst := l.abs(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", key, err)
	}

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Get implements ObjectStore.
func (l *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.abs(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &notExistError{path: key}
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Stat implements ObjectStore.
func (l *LocalStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := os.Stat(l.abs(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, &notExistError{path: key}
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List implements ObjectStore.
func (l *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := l.abs(prefix)
	if strings.HasSuffix(prefix, "/") {
		// filepath.Join drops the trailing separator; keep it so that
		// "migration=1/" does not also match "migration=10/".
		root += string(filepath.Separator)
	}
	base, err := filepath.Abs(l.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	var out []ObjectInfo
	err = filepath.WalkDir(filepath.Dir(root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(path, root) {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// Delete implements ObjectStore.
func (l *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(l.abs(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Ping implements ObjectStore.
func (l *LocalStore) Ping(ctx context.Context) error {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return fmt.Errorf("root %s unwritable: %w", l.Root, err)
	}
	return nil
}
