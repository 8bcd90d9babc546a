// Package fsatomic persists small JSON state files by writing a sibling temp
// file and renaming it into place, so readers never observe a partial write.
package fsatomic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const defaultPerm fs.FileMode = 0o600

// ErrRenameRetries is returned when the temp file could not be moved into place.
var ErrRenameRetries = errors.New("fsatomic: rename failed after retries")

// SaveJSON writes v as indented JSON to path. A perm of 0 means 0600.
func SaveJSON(ctx context.Context, path string, v any, perm fs.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsatomic: marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(ctx, path, append(b, '\n'), perm)
}

// WriteFile replaces path with data: temp file, fsync, rename, fsync parent.
// The temp file is removed on any failure.
func WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = defaultPerm
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeSynced(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// last chance to abandon the write before it becomes visible
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := renameWithRetry(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return FsyncDir(dir)
}

func writeSynced(path string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func renameWithRetry(from, to string) error {
	for i := 0; i < 5; i++ {
		err := os.Rename(from, to)
		if err == nil {
			return nil
		}
		if runtime.GOOS != "windows" {
			return err
		}
		// Windows refuses to replace a file another handle still has open.
		_ = os.Remove(to)
		time.Sleep(time.Duration(10*(i+1)) * time.Millisecond)
	}
	return ErrRenameRetries
}

// LoadJSON decodes path into v. It reports false with a nil error when the
// file does not exist. A leftover temp file from an interrupted write is
// discarded. An empty file counts as present and leaves v untouched.
func LoadJSON(path string, v any) (bool, error) {
	_ = os.Remove(path + ".tmp")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("fsatomic: decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// WithLock runs fn while holding an exclusive advisory lock on path+".lock".
func WithLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	unlock, err := flockExclusive(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// SaveJSONLocked is SaveJSON under WithLock.
func SaveJSONLocked(ctx context.Context, path string, v any, perm fs.FileMode) error {
	return WithLock(path, func() error {
		return SaveJSON(ctx, path, v, perm)
	})
}

// FsyncDir flushes directory metadata. No-op on Windows.
func FsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
