package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// NewFileBackend keeps each record as <dir>/<key>.json. The directory is
// created if missing.
func NewFileBackend(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	slog.Info("using file storage", "dir", dir)

	return newBackend(func(key string) document {
		return &fileDocument{name: key, path: filepath.Join(dir, key+".json")}
	}, nil), nil
}

// fileDocument is a JSON file replaced atomically on every write.
type fileDocument struct {
	mu   sync.Mutex
	name string
	path string
}

func (d *fileDocument) key() string { return d.name }

func (d *fileDocument) read(_ context.Context) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked()
}

func (d *fileDocument) readLocked() ([]byte, bool, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (d *fileDocument) write(_ context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return atomicWrite(d.path, data)
}

func (d *fileDocument) update(_ context.Context, fn func([]byte, bool) ([]byte, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, found, err := d.readLocked()
	if err != nil {
		return err
	}
	next, err := fn(data, found)
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	return atomicWrite(d.path, next)
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over filePath, so readers never observe a partial record.
func atomicWrite(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil

	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
