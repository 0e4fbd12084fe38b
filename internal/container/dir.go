package container

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Dir stores container files as YAML documents in a filesystem directory.
type Dir struct {
	path string
}

// NewDir returns a backend rooted at path. The directory is created on the
// first write.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

func (d *Dir) Ext() string { return ".yaml" }

func (d *Dir) Location() string { return d.path }

func (d *Dir) file(stem string) string {
	return filepath.Join(d.path, stem+d.Ext())
}

// Names lists regular files only.
func (d *Dir) Names() ([]string, error) {
	return listFiles(d.path)
}

func (d *Dir) Exists(stem string) (bool, error) {
	return fileExists(d.file(stem))
}

func (d *Dir) Read(stem string) (*Group, error) {
	data, err := os.ReadFile(d.file(stem))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: file %s", fault.ErrMissing, d.file(stem))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrStorage, err)
	}
	return Unmarshal(data)
}

func (d *Dir) Write(stem string, root *Group) error {
	data, err := Marshal(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("%w: make directory: %v", fault.ErrStorage, err)
	}
	return writeAtomic(d.file(stem), data)
}

func (d *Dir) Create(stem string, root *Group) error {
	exists, err := d.Exists(stem)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: file %s", fault.ErrExists, d.file(stem))
	}
	return d.Write(stem, root)
}

func (d *Dir) Destroy() error {
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", fault.ErrStorage, d.path, err)
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return fmt.Errorf("%w: make directory: %v", fault.ErrStorage, err)
	}
	return nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", fault.ErrStorage, filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", fault.ErrStorage, filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp %s: %v", fault.ErrStorage, filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", fault.ErrStorage, filepath.Base(path), err)
	}
	return nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", fault.ErrStorage, dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", fault.ErrStorage, err)
}
