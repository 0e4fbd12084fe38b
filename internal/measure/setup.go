package measure

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/channel"
	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/fault"
)

// SetupClass tags a serialized measurement setup.
const SetupClass = "MeasurementSetup"

// SetupParams carries everything needed to describe a rig.
type SetupParams struct {
	Name                string
	SamplingRate        int
	Device              []int
	FreqMin             float64
	FreqMax             float64
	Averages            int
	PauseForAverage     bool
	NoiseFloorDuration  time.Duration
	CalibrationDuration time.Duration
	Excitations         map[string]*audio.Signal
	InChannels          *channel.List
	OutChannels         *channel.List
}

// Setup describes a measurement rig. It is immutable once built.
type Setup struct {
	name                string
	samplingRate        int
	device              []int
	freqMin             float64
	freqMax             float64
	averages            int
	pauseForAverage     bool
	noiseFloorDuration  time.Duration
	calibrationDuration time.Duration
	excitations         map[string]*audio.Signal
	inChannels          *channel.List
	outChannels         *channel.List
}

// NewSetup validates p and builds the setup. Nothing is written to storage.
func NewSetup(p SetupParams) (*Setup, error) {
	switch {
	case p.Name == "":
		return nil, fmt.Errorf("%w: setup name is required", fault.ErrValidation)
	case p.SamplingRate <= 0:
		return nil, fmt.Errorf("%w: sampling rate must be > 0, got %d", fault.ErrValidation, p.SamplingRate)
	case p.FreqMin < 0 || p.FreqMin >= p.FreqMax:
		return nil, fmt.Errorf("%w: need 0 <= freq min < freq max, got %g and %g", fault.ErrValidation, p.FreqMin, p.FreqMax)
	case p.Averages < 1:
		return nil, fmt.Errorf("%w: averages must be >= 1, got %d", fault.ErrValidation, p.Averages)
	case audio.FramesIn(p.NoiseFloorDuration, p.SamplingRate) < 1:
		return nil, fmt.Errorf("%w: noise floor duration must last at least one sample, got %s", fault.ErrValidation, p.NoiseFloorDuration)
	case audio.FramesIn(p.CalibrationDuration, p.SamplingRate) < 1:
		return nil, fmt.Errorf("%w: calibration duration must last at least one sample, got %s", fault.ErrValidation, p.CalibrationDuration)
	case p.InChannels == nil || p.InChannels.Kind() != channel.KindIn:
		return nil, fmt.Errorf("%w: setup needs an input roster", fault.ErrValidation)
	case p.OutChannels == nil || p.OutChannels.Kind() != channel.KindOut:
		return nil, fmt.Errorf("%w: setup needs an output roster", fault.ErrValidation)
	}
	for _, id := range p.Device {
		if id < 0 {
			return nil, fmt.Errorf("%w: invalid device id %d", fault.ErrValidation, id)
		}
	}
	if len(p.Device) > 2 {
		return nil, fmt.Errorf("%w: device takes an input and an optional output id, got %d ids", fault.ErrValidation, len(p.Device))
	}
	for name, sig := range p.Excitations {
		if name == "" {
			return nil, fmt.Errorf("%w: excitation signal without a name", fault.ErrValidation)
		}
		if sig == nil || sig.Frames() == 0 {
			return nil, fmt.Errorf("%w: excitation signal %q is empty", fault.ErrValidation, name)
		}
		if sig.SamplingRate != p.SamplingRate {
			return nil, fmt.Errorf("%w: excitation signal %q is sampled at %d Hz, setup at %d Hz",
				fault.ErrValidation, name, sig.SamplingRate, p.SamplingRate)
		}
	}

	return &Setup{
		name:                p.Name,
		samplingRate:        p.SamplingRate,
		device:              slices.Clone(p.Device),
		freqMin:             p.FreqMin,
		freqMax:             p.FreqMax,
		averages:            p.Averages,
		pauseForAverage:     p.PauseForAverage,
		noiseFloorDuration:  p.NoiseFloorDuration,
		calibrationDuration: p.CalibrationDuration,
		excitations:         maps.Clone(p.Excitations),
		inChannels:          p.InChannels,
		outChannels:         p.OutChannels,
	}, nil
}

func (s *Setup) Name() string                       { return s.name }
func (s *Setup) SamplingRate() int                  { return s.samplingRate }
func (s *Setup) Device() []int                      { return slices.Clone(s.device) }
func (s *Setup) FreqMin() float64                   { return s.freqMin }
func (s *Setup) FreqMax() float64                   { return s.freqMax }
func (s *Setup) Averages() int                      { return s.averages }
func (s *Setup) PauseForAverage() bool              { return s.pauseForAverage }
func (s *Setup) NoiseFloorDuration() time.Duration  { return s.noiseFloorDuration }
func (s *Setup) CalibrationDuration() time.Duration { return s.calibrationDuration }

// InChannels returns the input roster. Callers must not modify it.
func (s *Setup) InChannels() *channel.List { return s.inChannels }

// OutChannels returns the output roster. Callers must not modify it.
func (s *Setup) OutChannels() *channel.List { return s.outChannels }

// Excitation returns the named excitation signal.
func (s *Setup) Excitation(name string) (*audio.Signal, bool) {
	sig, ok := s.excitations[name]
	return sig, ok
}

// ExcitationNames returns the excitation names in sorted order.
func (s *Setup) ExcitationNames() []string {
	return slices.Sorted(maps.Keys(s.excitations))
}

// Equal reports whether both setups describe the same rig.
func (s *Setup) Equal(o *Setup) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.name == o.name &&
		s.samplingRate == o.samplingRate &&
		slices.Equal(s.device, o.device) &&
		s.freqMin == o.freqMin &&
		s.freqMax == o.freqMax &&
		s.averages == o.averages &&
		s.pauseForAverage == o.pauseForAverage &&
		s.noiseFloorDuration == o.noiseFloorDuration &&
		s.calibrationDuration == o.calibrationDuration &&
		s.inChannels.Equal(o.inChannels) &&
		s.outChannels.Equal(o.outChannels) &&
		maps.EqualFunc(s.excitations, o.excitations, (*audio.Signal).Equal)
}

// Encode writes the setup attributes and one excitationSignals/<name>
// sub-group per signal into g.
func (s *Setup) Encode(g *container.Group) error {
	in, err := s.inChannels.MarshalText()
	if err != nil {
		return fmt.Errorf("%w: encoding input roster: %v", fault.ErrStorage, err)
	}
	out, err := s.outChannels.MarshalText()
	if err != nil {
		return fmt.Errorf("%w: encoding output roster: %v", fault.ErrStorage, err)
	}

	g.SetAttr("class", SetupClass)
	g.SetAttr("name", s.name)
	g.SetAttr("samplingRate", s.samplingRate)
	g.SetAttr("device", slices.Clone(s.device))
	g.SetAttr("freqMin", s.freqMin)
	g.SetAttr("freqMax", s.freqMax)
	g.SetAttr("averages", s.averages)
	g.SetAttr("pause4Avg", s.pauseForAverage)
	g.SetAttr("noiseFloorTp", s.noiseFloorDuration.Seconds())
	g.SetAttr("calibrationTp", s.calibrationDuration.Seconds())
	g.SetAttr("inChannels", string(in))
	g.SetAttr("outChannels", string(out))

	sigs, err := g.CreateGroup("excitationSignals")
	if err != nil {
		return err
	}
	for _, name := range s.ExcitationNames() {
		sg, err := sigs.CreateGroup(name)
		if err != nil {
			return err
		}
		s.excitations[name].Encode(sg)
	}
	return nil
}

func decodeSetup(g *container.Group) (*Setup, error) {
	var (
		p   SetupParams
		err error
	)
	if p.Name, err = g.String("name"); err != nil {
		return nil, err
	}
	if p.SamplingRate, err = g.Int("samplingRate"); err != nil {
		return nil, err
	}
	if p.Device, err = g.Ints("device"); err != nil {
		return nil, err
	}
	if p.FreqMin, err = g.Float("freqMin"); err != nil {
		return nil, err
	}
	if p.FreqMax, err = g.Float("freqMax"); err != nil {
		return nil, err
	}
	if p.Averages, err = g.Int("averages"); err != nil {
		return nil, err
	}
	if p.PauseForAverage, err = g.Bool("pause4Avg"); err != nil {
		return nil, err
	}
	if p.NoiseFloorDuration, err = secondsAttr(g, "noiseFloorTp"); err != nil {
		return nil, err
	}
	if p.CalibrationDuration, err = secondsAttr(g, "calibrationTp"); err != nil {
		return nil, err
	}
	if p.InChannels, err = rosterAttr(g, "inChannels"); err != nil {
		return nil, err
	}
	if p.OutChannels, err = rosterAttr(g, "outChannels"); err != nil {
		return nil, err
	}

	p.Excitations = map[string]*audio.Signal{}
	if sigs, ok := g.Child("excitationSignals"); ok {
		for _, name := range sigs.GroupNames() {
			sg, _ := sigs.Child(name)
			sig, err := decodeAs[*audio.Signal](sg)
			if err != nil {
				return nil, fmt.Errorf("excitation signal %s: %w", name, err)
			}
			p.Excitations[name] = sig
		}
	}

	s, err := NewSetup(p)
	if err != nil {
		return nil, fmt.Errorf("%w: stored setup is invalid: %v", fault.ErrStorage, err)
	}
	return s, nil
}

func secondsAttr(g *container.Group, key string) (time.Duration, error) {
	v, err := g.Float(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(math.Round(v * float64(time.Second))), nil
}

func rosterAttr(g *container.Group, key string) (*channel.List, error) {
	text, err := g.String(key)
	if err != nil {
		return nil, err
	}
	l, err := channel.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: attribute %s: %v", fault.ErrStorage, key, err)
	}
	return l, nil
}
