package container

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Backend stores container files in one flat directory-like namespace. Files
// are addressed by their stem; the backend appends Ext.
type Backend interface {
	// Ext returns the file extension, including the dot.
	Ext() string

	// Names lists the file names (with extension) currently stored.
	Names() ([]string, error)

	Exists(stem string) (bool, error)

	// Read loads the whole tree of a file. A missing file is fault.ErrMissing.
	Read(stem string) (*Group, error)

	// Write replaces the file with root.
	Write(stem string, root *Group) error

	// Create writes a new file and fails with fault.ErrExists if one is
	// already stored under stem.
	Create(stem string, root *Group) error

	// Destroy removes every file and leaves an empty namespace behind.
	Destroy() error

	// Location describes where files live, for logs.
	Location() string
}

// Stems returns the stems of the files in b carrying b's extension.
func Stems(b Backend) ([]string, error) {
	names, err := b.Names()
	if err != nil {
		return nil, err
	}
	stems := make([]string, 0, len(names))
	for _, name := range names {
		if isTemp(name) {
			continue
		}
		if stem, ok := strings.CutSuffix(name, b.Ext()); ok && stem != "" {
			stems = append(stems, stem)
		}
	}
	return stems, nil
}

// formatTag identifies the YAML serialisation of a container file.
const formatTag = "roomir-container/1"

type fileDocument struct {
	Format string `yaml:"format"`
	Root   *Group `yaml:"root"`
}

// Marshal encodes a container tree as a YAML document.
func Marshal(root *Group) ([]byte, error) {
	out, err := yaml.Marshal(fileDocument{Format: formatTag, Root: root})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding container: %v", fault.ErrStorage, err)
	}
	return out, nil
}

// Unmarshal decodes a YAML container document.
func Unmarshal(data []byte) (*Group, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding container: %v", fault.ErrStorage, err)
	}
	if doc.Format != formatTag {
		return nil, fmt.Errorf("%w: unknown container format %q", fault.ErrStorage, doc.Format)
	}
	if doc.Root == nil {
		doc.Root = NewGroup()
	}
	return doc.Root, nil
}

// isTemp reports whether name is a scratch file left by an interrupted write.
func isTemp(name string) bool {
	return strings.HasPrefix(name, ".tmp-")
}
