// Package store persists a measurement campaign: the embedded setup, one
// container file per measured thing, and a root file linking every thing
// under its measurement kind.
//
// A store assumes a single writer. SaveTake calls are serialised inside one
// process, but two processes saving into the same campaign can pick the same
// file name.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/fault"
	"github.com/audiolibrelab/roomir/internal/measure"
)

// File stems and group names of the campaign layout.
const (
	RootStem   = "MeasurementData"
	SetupStem  = "MeasurementSetup"
	SetupGroup = "MeasurementSetup"
)

// InitOptions controls campaign initialisation.
type InitOptions struct {
	// Overwrite destroys an existing campaign instead of failing.
	Overwrite bool
}

// Store is an open campaign.
type Store struct {
	mu      sync.Mutex
	backend container.Backend
	setup   *measure.Setup
}

// Init creates a new campaign for setup in backend. It fails with
// fault.ErrExists when a campaign is already there, unless opts.Overwrite is
// set, in which case everything in backend is removed first.
func Init(backend container.Backend, setup *measure.Setup, opts InitOptions) (*Store, error) {
	if setup == nil {
		return nil, fmt.Errorf("%w: no setup to initialise the campaign with", fault.ErrValidation)
	}
	exists, err := backend.Exists(RootStem)
	if err != nil {
		return nil, err
	}
	if exists {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: campaign at %s, pass overwrite to replace it", fault.ErrExists, backend.Location())
		}
		slog.Warn("Overwriting existing campaign", "location", backend.Location())
		if err := backend.Destroy(); err != nil {
			return nil, err
		}
	}

	root := container.NewGroup()
	sg, err := root.CreateGroup(SetupGroup)
	if err != nil {
		return nil, err
	}
	if err := setup.Encode(sg); err != nil {
		return nil, err
	}
	for _, kind := range measure.Kinds {
		if _, err := root.CreateGroup(string(kind)); err != nil {
			return nil, err
		}
	}
	if err := backend.Create(RootStem, root); err != nil {
		return nil, err
	}

	slog.Info("Campaign initialised", "name", setup.Name(), "location", backend.Location())
	return &Store{backend: backend, setup: setup}, nil
}

// Open loads an existing campaign.
func Open(backend container.Backend) (*Store, error) {
	root, err := backend.Read(RootStem)
	if err != nil {
		return nil, fmt.Errorf("opening campaign at %s: %w", backend.Location(), err)
	}
	setup, err := decodeSetupGroup(root)
	if err != nil {
		return nil, fmt.Errorf("opening campaign at %s: %w", backend.Location(), err)
	}
	slog.Debug("Campaign opened", "name", setup.Name(), "location", backend.Location())
	return &Store{backend: backend, setup: setup}, nil
}

func decodeSetupGroup(root *container.Group) (*measure.Setup, error) {
	sg, err := root.Lookup(SetupGroup)
	if err != nil {
		return nil, err
	}
	return measure.DecodeSetup(sg)
}

// Setup returns the campaign setup.
func (s *Store) Setup() *measure.Setup { return s.setup }

// Location describes where the campaign lives.
func (s *Store) Location() string { return s.backend.Location() }

// SaveTake writes every thing of a completed take to its own file, links it
// from the root file under the take's kind and marks the take saved. It
// returns the resolved names in selector order.
//
// A failure part way leaves the things written so far in place; the take is
// not marked saved.
func (s *Store) SaveTake(take *measure.Take) ([]string, error) {
	if take == nil {
		return nil, fmt.Errorf("%w: no take", fault.ErrValidation)
	}
	if !take.Setup().Equal(s.setup) {
		return nil, fmt.Errorf("%w: take was configured against a different setup than %s", fault.ErrValidation, s.setup.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	err := take.Persist(func(things []*measure.MeasuredThing) error {
		for _, thing := range things {
			name, err := s.saveThing(thing)
			if err != nil {
				return fmt.Errorf("saving %s: %w", thing.Name(), err)
			}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return names, err
	}
	slog.Info("Take saved", "kind", take.Kind(), "take", take.ID(), "things", len(names))
	return names, nil
}

func (s *Store) saveThing(thing *measure.MeasuredThing) (string, error) {
	stems, err := container.Stems(s.backend)
	if err != nil {
		return "", err
	}
	name := NextName(stems, thing.Name())

	file := container.NewGroup()
	tg, err := file.CreateGroup(name)
	if err != nil {
		return "", err
	}
	if err := thing.Encode(tg); err != nil {
		return "", err
	}
	if err := s.backend.Create(name, file); err != nil {
		return "", err
	}

	root, err := s.backend.Read(RootStem)
	if err != nil {
		return "", err
	}
	kg, ok := root.Child(string(thing.Kind))
	if !ok {
		if kg, err = root.CreateGroup(string(thing.Kind)); err != nil {
			return "", err
		}
	}
	link := container.ExternalLink{File: name + s.backend.Ext(), Path: "/" + name}
	if err := kg.CreateLink(name, link); err != nil {
		return "", err
	}
	if err := s.backend.Write(RootStem, root); err != nil {
		return "", err
	}

	slog.Debug("Measured thing saved", "name", name, "kind", thing.Kind, "recordings", len(thing.Recordings))
	return name, nil
}

// NextName returns base followed by an underscore and one more than the
// largest integer suffix any stem carries after base and an underscore, or
// base_1 when there is none.
func NextName(stems []string, base string) string {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `_([0-9]+)$`)
	highest := 0
	for _, stem := range stems {
		m := pattern.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return base + "_" + strconv.Itoa(highest+1)
}

// Resolve follows the link called name under kind and returns the group it
// points at, reading the linked file anew.
func (s *Store) Resolve(kind measure.Kind, name string) (*container.Group, error) {
	root, err := s.backend.Read(RootStem)
	if err != nil {
		return nil, err
	}
	kg, ok := root.Child(string(kind))
	if !ok {
		return nil, fmt.Errorf("%w: no %s group in %s", fault.ErrMissing, kind, RootStem)
	}
	link, ok := kg.Link(name)
	if !ok {
		return nil, fmt.Errorf("%w: no link %s/%s", fault.ErrMissing, kind, name)
	}

	stem, ok := strings.CutSuffix(link.File, s.backend.Ext())
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s points at %s, not a %s file", fault.ErrBadLink, kind, name, link, s.backend.Ext())
	}
	file, err := s.backend.Read(stem)
	if errors.Is(err, fault.ErrMissing) {
		return nil, fmt.Errorf("%w: %s/%s points at missing %s", fault.ErrBadLink, kind, name, link)
	}
	if err != nil {
		return nil, err
	}
	g, err := file.Lookup(link.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s points at %s: %v", fault.ErrBadLink, kind, name, link, err)
	}
	return g, nil
}

// Load resolves a link and decodes the measured thing behind it.
func (s *Store) Load(kind measure.Kind, name string) (*measure.MeasuredThing, error) {
	g, err := s.Resolve(kind, name)
	if err != nil {
		return nil, err
	}
	thing, err := measure.DecodeThing(g)
	if err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", kind, name, err)
	}
	return thing, nil
}

// Status summarises a campaign.
type Status struct {
	Name     string                  `yaml:"name"`
	Location string                  `yaml:"location"`
	Things   map[measure.Kind][]string `yaml:"things"`
}

// Count returns the number of things saved under kind.
func (st Status) Count(kind measure.Kind) int { return len(st.Things[kind]) }

// Status lists the saved things per kind.
func (s *Store) Status() (Status, error) {
	root, err := s.backend.Read(RootStem)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Name:     s.setup.Name(),
		Location: s.backend.Location(),
		Things:   map[measure.Kind][]string{},
	}
	for _, kind := range measure.Kinds {
		names := []string{}
		if kg, ok := root.Child(string(kind)); ok {
			names = kg.LinkNames()
		}
		st.Things[kind] = names
	}
	return st, nil
}

// ExportSetup writes the setup to its own MeasurementSetup file, replacing
// any previous export.
func (s *Store) ExportSetup() error {
	file := container.NewGroup()
	sg, err := file.CreateGroup(SetupGroup)
	if err != nil {
		return err
	}
	if err := s.setup.Encode(sg); err != nil {
		return err
	}
	if err := s.backend.Write(SetupStem, file); err != nil {
		return err
	}
	slog.Info("Setup exported", "file", SetupStem+s.backend.Ext(), "location", s.backend.Location())
	return nil
}

// ReadSetupFile loads a setup written by ExportSetup.
func ReadSetupFile(backend container.Backend) (*measure.Setup, error) {
	file, err := backend.Read(SetupStem)
	if err != nil {
		return nil, err
	}
	return decodeSetupGroup(file)
}
