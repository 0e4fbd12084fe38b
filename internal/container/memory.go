package container

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Memory is an in-process Backend. Files are kept in their encoded form so
// readers observe exactly what a file backend would give back.
type Memory struct {
	mu    sync.Mutex
	ext   string
	files map[string][]byte
}

// NewMemory returns an empty in-memory backend using the YAML extension.
func NewMemory() *Memory {
	return &Memory{ext: ".yaml", files: map[string][]byte{}}
}

func (m *Memory) Ext() string { return m.ext }

func (m *Memory) Location() string { return "memory" }

func (m *Memory) Names() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := slices.Collect(maps.Keys(m.files))
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Exists(stem string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[stem+m.ext]
	return ok, nil
}

func (m *Memory) Read(stem string) (*Group, error) {
	m.mu.Lock()
	data, ok := m.files[stem+m.ext]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: file %s%s", fault.ErrMissing, stem, m.ext)
	}
	return Unmarshal(data)
}

func (m *Memory) Write(stem string, root *Group) error {
	data, err := Marshal(root)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[stem+m.ext] = data
	return nil
}

func (m *Memory) Create(stem string, root *Group) error {
	data, err := Marshal(root)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[stem+m.ext]; ok {
		return fmt.Errorf("%w: file %s%s", fault.ErrExists, stem, m.ext)
	}
	m.files[stem+m.ext] = data
	return nil
}

// Put stores raw bytes under a full file name, bypassing encoding. Tests use
// it to plant foreign or corrupt files.
func (m *Memory) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = data
}

// Remove deletes the file stored under stem.
func (m *Memory) Remove(stem string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, stem+m.ext)
}

func (m *Memory) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = map[string][]byte{}
	return nil
}
