package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/config"
	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/export"
	"github.com/audiolibrelab/roomir/internal/measure"
	"github.com/audiolibrelab/roomir/internal/play"
	"github.com/audiolibrelab/roomir/internal/sensor"
	"github.com/audiolibrelab/roomir/internal/store"
)

// Service represents the campaign operations the CLI drives
type Service interface {
	// Campaign operations
	InitCampaign(opts store.InitOptions) (string, error)
	Status() (store.Status, error)
	ExportSetup() error

	// Measurement operations
	RunTake(ctx context.Context, params measure.TakeParams) (*TakeResult, error)
	LoadThing(kind, name string) (*measure.MeasuredThing, error)
	ExportThing(ctx context.Context, kind, name string, opts export.Options) ([]string, error)
	Audition(ctx context.Context, excitation, output string, repeat int) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Hardware discovery
	ListDevices(ctx context.Context) ([]audio.Device, error)
	ListSerialPorts() ([]string, error)

	GetLastError() string
}

// TakeResult describes a take that was run and saved
type TakeResult struct {
	ID         uuid.UUID     `json:"id" yaml:"id"`
	Kind       measure.Kind  `json:"kind" yaml:"kind"`
	Names      []string      `json:"names" yaml:"names"`
	Averages   int           `json:"averages" yaml:"averages"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	SensorUsed bool          `json:"sensor_used" yaml:"sensor_used"`
}

// SensorReader is a temperature/humidity probe that holds a connection
type SensorReader interface {
	sensor.Reader
	io.Closer
}

// Deps holds the collaborators of the service. Nil fields get the real
// implementation from the configuration.
type Deps struct {
	Engine     audio.Engine
	Pauser     measure.Pauser
	Backend    container.Backend
	OpenSensor func(opts sensor.PortOptions) (SensorReader, error)
	PipeWire   *audio.PipeWire
	ListPorts  func() ([]string, error)
	// Output plays auditions. Defaults to the engine when it can play.
	Output play.Output
	// FFmpeg runs the exporter's encoder.
	FFmpeg export.Runner
}

// CampaignService is the main service implementation
type CampaignService struct {
	cfg        *config.Config
	configFile string
	deps       Deps

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance
func New(cfg *config.Config, configFile string, deps Deps) Service {
	if deps.Pauser == nil {
		deps.Pauser = &measure.PromptPauser{In: os.Stdin, Out: os.Stderr}
	}
	if deps.OpenSensor == nil {
		deps.OpenSensor = func(opts sensor.PortOptions) (SensorReader, error) {
			probe, err := sensor.OpenSerial(opts)
			if err != nil {
				return nil, err
			}
			return probe, nil
		}
	}
	if deps.PipeWire == nil {
		deps.PipeWire = audio.NewPipeWire()
	}
	if deps.ListPorts == nil {
		deps.ListPorts = sensor.ListPorts
	}
	return &CampaignService{
		cfg:        cfg,
		configFile: configFile,
		deps:       deps,
	}
}

func (s *CampaignService) backend() (container.Backend, error) {
	if s.deps.Backend != nil {
		return s.deps.Backend, nil
	}
	return s.cfg.Backend()
}

func (s *CampaignService) engine() (audio.Engine, error) {
	if s.deps.Engine != nil {
		return s.deps.Engine, nil
	}
	return audio.NewEngine(s.cfg.Audio.Backend)
}

func (s *CampaignService) open() (*store.Store, error) {
	b, err := s.backend()
	if err != nil {
		return nil, err
	}
	return store.Open(b)
}

// InitCampaign creates the campaign described by the configuration and
// returns where it lives.
func (s *CampaignService) InitCampaign(opts store.InitOptions) (string, error) {
	s.clearLastError()
	setup, err := s.cfg.Setup()
	if err != nil {
		return "", s.fail("building setup", err)
	}
	b, err := s.backend()
	if err != nil {
		return "", s.fail("opening storage", err)
	}
	st, err := store.Init(b, setup, opts)
	if err != nil {
		return "", s.fail("initialising campaign", err)
	}
	return st.Location(), nil
}

// Status lists what the campaign holds
func (s *CampaignService) Status() (store.Status, error) {
	st, err := s.open()
	if err != nil {
		return store.Status{}, s.fail("opening campaign", err)
	}
	return st.Status()
}

// ExportSetup writes the standalone setup file next to the campaign
func (s *CampaignService) ExportSetup() error {
	st, err := s.open()
	if err != nil {
		return s.fail("opening campaign", err)
	}
	return st.ExportSetup()
}

// RunTake configures a take against the stored setup, runs it and saves
// every measured thing.
func (s *CampaignService) RunTake(ctx context.Context, params measure.TakeParams) (*TakeResult, error) {
	s.clearLastError()
	slog.Debug("Service.RunTake called", "kind", params.Kind, "inputs", params.InChannels)

	st, err := s.open()
	if err != nil {
		return nil, s.fail("opening campaign", err)
	}
	s.warnOnDrift(st.Setup())

	take, err := measure.NewTake(st.Setup(), params)
	if err != nil {
		return nil, s.fail("configuring take", err)
	}
	engine, err := s.engine()
	if err != nil {
		return nil, s.fail("creating engine", err)
	}

	var reader sensor.Reader
	if s.cfg.Sensor != nil {
		probe, err := s.deps.OpenSensor(*s.cfg.Sensor)
		if err != nil {
			return nil, s.fail("opening sensor", err)
		}
		defer probe.Close()
		reader = probe
	}

	var pauser measure.Pauser
	if st.Setup().PauseForAverage() {
		pauser = s.deps.Pauser
	}

	start := time.Now()
	if err := take.Run(ctx, engine, reader, pauser); err != nil {
		return nil, s.fail("running take", err)
	}
	names, err := st.SaveTake(take)
	if err != nil {
		return nil, s.fail("saving take", err)
	}

	return &TakeResult{
		ID:         take.ID(),
		Kind:       take.Kind(),
		Names:      names,
		Averages:   st.Setup().Averages(),
		Duration:   time.Since(start),
		SensorUsed: reader != nil,
	}, nil
}

// warnOnDrift logs when the configuration no longer matches the stored
// setup. Takes always use the stored one.
func (s *CampaignService) warnOnDrift(stored *measure.Setup) {
	current, err := s.cfg.Setup()
	if err != nil {
		slog.Warn("Configuration does not build a valid setup, using the stored one", "error", err)
		return
	}
	if !current.Equal(stored) {
		slog.Warn("Configuration differs from the stored setup, using the stored one", "campaign", stored.Name())
	}
}

// LoadThing reads a saved measured thing back through its link
func (s *CampaignService) LoadThing(kind, name string) (*measure.MeasuredThing, error) {
	k, err := measure.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	st, err := s.open()
	if err != nil {
		return nil, s.fail("opening campaign", err)
	}
	return st.Load(k, name)
}

// ExportThing renders every average of a saved thing to audio files. An
// empty opts.Dir exports into the campaign's export directory.
func (s *CampaignService) ExportThing(ctx context.Context, kind, name string, opts export.Options) ([]string, error) {
	s.clearLastError()
	thing, err := s.LoadThing(kind, name)
	if err != nil {
		return nil, s.fail("loading thing", err)
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(s.cfg.CampaignDir(), "export")
	}
	var exporter *export.Exporter
	if s.deps.FFmpeg != nil {
		exporter = export.NewWithRunner(opts, s.deps.FFmpeg)
	} else {
		exporter = export.New(opts)
	}
	files, err := exporter.Export(ctx, name, thing)
	if err != nil {
		return files, s.fail("exporting thing", err)
	}
	return files, nil
}

// Audition plays an excitation of the stored setup through one output
// channel, so source levels can be set before a take.
func (s *CampaignService) Audition(ctx context.Context, excitation, output string, repeat int) error {
	s.clearLastError()
	st, err := s.open()
	if err != nil {
		return s.fail("opening campaign", err)
	}
	out := s.deps.Output
	if out == nil {
		engine, err := s.engine()
		if err != nil {
			return s.fail("creating engine", err)
		}
		var ok bool
		if out, ok = engine.(play.Output); !ok {
			return s.fail("auditioning", fmt.Errorf("audio backend %q cannot play signals", s.cfg.Audio.Backend))
		}
	}
	if err := play.New(st.Setup(), out).Play(ctx, excitation, output, repeat); err != nil {
		return s.fail("auditioning", err)
	}
	return nil
}

// LoadProfile loads a new configuration profile
func (s *CampaignService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	s.cfg = newCfg
	return nil
}

// GetConfig returns the current configuration
func (s *CampaignService) GetConfig() *config.Config {
	return s.cfg
}

// ListDevices returns the PipeWire audio nodes
func (s *CampaignService) ListDevices(ctx context.Context) ([]audio.Device, error) {
	return s.deps.PipeWire.ListDevices(ctx)
}

// ListSerialPorts returns the serial ports a sensor can sit on
func (s *CampaignService) ListSerialPorts() ([]string, error) {
	return s.deps.ListPorts()
}

// GetLastError returns the last error message
func (s *CampaignService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *CampaignService) fail(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	slog.Error("Service operation failed", "op", op, "error", err)
	s.lastErrorMutex.Lock()
	s.lastError = err.Error()
	s.lastErrorMutex.Unlock()
	return err
}

func (s *CampaignService) clearLastError() {
	s.lastErrorMutex.Lock()
	s.lastError = ""
	s.lastErrorMutex.Unlock()
}
