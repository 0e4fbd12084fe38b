// Package container implements the hierarchical, self-describing container
// files the measurement store is written to: nested named groups carrying
// attributes, numeric datasets and links into other container files.
package container

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Group is a node of a container tree.
type Group struct {
	Attrs    map[string]any          `yaml:"attrs,omitempty"`
	Groups   map[string]*Group       `yaml:"groups,omitempty"`
	Datasets map[string]*Dataset     `yaml:"datasets,omitempty"`
	Links    map[string]ExternalLink `yaml:"links,omitempty"`
}

// ExternalLink points at a group inside another container file of the same
// backend.
type ExternalLink struct {
	File string `yaml:"file"`
	Path string `yaml:"path"`
}

func (l ExternalLink) String() string {
	return l.File + ":" + l.Path
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{}
}

// Child returns the direct child group called name.
func (g *Group) Child(name string) (*Group, bool) {
	child, ok := g.Groups[name]
	return child, ok && child != nil
}

// CreateGroup adds an empty child group. It fails if name is taken.
func (g *Group) CreateGroup(name string) (*Group, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: invalid group name %q", fault.ErrStorage, name)
	}
	if _, taken := g.Groups[name]; taken {
		return nil, fmt.Errorf("%w: group %q", fault.ErrExists, name)
	}
	if _, taken := g.Links[name]; taken {
		return nil, fmt.Errorf("%w: link %q", fault.ErrExists, name)
	}
	if g.Groups == nil {
		g.Groups = map[string]*Group{}
	}
	child := NewGroup()
	g.Groups[name] = child
	return child, nil
}

// Lookup walks a slash separated path of child groups, starting at g. A
// leading slash is ignored.
func (g *Group) Lookup(path string) (*Group, error) {
	cur := g
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return nil, fmt.Errorf("%w: group %q", fault.ErrMissing, path)
		}
		cur = next
	}
	return cur, nil
}

// GroupNames returns the child group names, sorted.
func (g *Group) GroupNames() []string {
	return sortedNames(g.Groups)
}

// SetDataset stores d under name, replacing any previous dataset.
func (g *Group) SetDataset(name string, d *Dataset) {
	if g.Datasets == nil {
		g.Datasets = map[string]*Dataset{}
	}
	g.Datasets[name] = d
}

// Dataset returns the dataset stored under name.
func (g *Group) Dataset(name string) (*Dataset, error) {
	d, ok := g.Datasets[name]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: dataset %q", fault.ErrMissing, name)
	}
	return d, nil
}

// CreateLink adds an external link called name. It fails if name is taken.
func (g *Group) CreateLink(name string, link ExternalLink) error {
	if _, taken := g.Links[name]; taken {
		return fmt.Errorf("%w: link %q", fault.ErrExists, name)
	}
	if _, taken := g.Groups[name]; taken {
		return fmt.Errorf("%w: group %q", fault.ErrExists, name)
	}
	if g.Links == nil {
		g.Links = map[string]ExternalLink{}
	}
	g.Links[name] = link
	return nil
}

// Link returns the external link called name.
func (g *Group) Link(name string) (ExternalLink, bool) {
	link, ok := g.Links[name]
	return link, ok
}

// LinkNames returns the link names, sorted.
func (g *Group) LinkNames() []string {
	return sortedNames(g.Links)
}

func sortedNames[V any](m map[string]V) []string {
	names := slices.Collect(maps.Keys(m))
	sort.Strings(names)
	return names
}
