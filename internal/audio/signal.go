package audio

import (
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/fault"
)

// SignalClass tags a serialized excitation signal.
const SignalClass = "ExcitationSignal"

// Signal is a mono excitation played during play+record acquisitions.
type Signal struct {
	Samples      []float64
	SamplingRate int
	FreqMin      float64
	FreqMax      float64
	Comment      string
}

// SweepParams describes an exponential sine sweep.
type SweepParams struct {
	SamplingRate int           `mapstructure:"-" yaml:"-"`
	FreqMin      float64       `mapstructure:"freq_min" yaml:"freq_min"`
	FreqMax      float64       `mapstructure:"freq_max" yaml:"freq_max"`
	Duration     time.Duration `mapstructure:"duration" yaml:"duration"`
	Silence      time.Duration `mapstructure:"silence" yaml:"silence"`
	Fade         time.Duration `mapstructure:"fade" yaml:"fade"`
	Amplitude    float64       `mapstructure:"amplitude" yaml:"amplitude"`
}

// NewSweep generates an exponential sine sweep from FreqMin to FreqMax
// followed by Silence worth of zeros, so the decay of the room is captured
// as well.
func NewSweep(p SweepParams) (*Signal, error) {
	switch {
	case p.SamplingRate <= 0:
		return nil, fmt.Errorf("%w: sweep sampling rate must be > 0, got %d", fault.ErrValidation, p.SamplingRate)
	case p.FreqMin <= 0 || p.FreqMin >= p.FreqMax:
		return nil, fmt.Errorf("%w: sweep needs 0 < freq_min < freq_max, got %g and %g", fault.ErrValidation, p.FreqMin, p.FreqMax)
	case p.FreqMax > float64(p.SamplingRate)/2:
		return nil, fmt.Errorf("%w: sweep freq_max %g above Nyquist for %d Hz", fault.ErrValidation, p.FreqMax, p.SamplingRate)
	case p.Duration <= 0:
		return nil, fmt.Errorf("%w: sweep duration must be > 0", fault.ErrValidation)
	case p.Silence < 0 || p.Fade < 0 || 2*p.Fade > p.Duration:
		return nil, fmt.Errorf("%w: sweep silence and fade must be >= 0 and fade at most half the duration", fault.ErrValidation)
	}
	amp := p.Amplitude
	if amp == 0 {
		amp = 0.5
	}
	if amp < 0 || amp > 1 {
		return nil, fmt.Errorf("%w: sweep amplitude must be in (0, 1], got %g", fault.ErrValidation, amp)
	}

	rate := float64(p.SamplingRate)
	n := int(p.Duration.Seconds() * rate)
	silence := int(p.Silence.Seconds() * rate)
	samples := make([]float64, n+silence)

	T := p.Duration.Seconds()
	k := math.Log(p.FreqMax / p.FreqMin)
	for i := range n {
		t := float64(i) / rate
		samples[i] = math.Sin(2 * math.Pi * p.FreqMin * T / k * (math.Exp(t*k/T) - 1))
	}

	fade := int(p.Fade.Seconds() * rate)
	for i := range fade {
		w := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(fade)))
		samples[i] *= w
		samples[n-1-i] *= w
	}
	floats.Scale(amp, samples[:n])

	return &Signal{
		Samples:      samples,
		SamplingRate: p.SamplingRate,
		FreqMin:      p.FreqMin,
		FreqMax:      p.FreqMax,
		Comment:      fmt.Sprintf("exponential sweep %g-%g Hz, %s", p.FreqMin, p.FreqMax, p.Duration),
	}, nil
}

// Frames returns the length of the signal in frames.
func (s *Signal) Frames() int { return len(s.Samples) }

// Duration returns the playback length.
func (s *Signal) Duration() time.Duration {
	if s.SamplingRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SamplingRate)
}

// Equal reports whether both signals carry the same samples and metadata.
func (s *Signal) Equal(o *Signal) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.SamplingRate == o.SamplingRate &&
		s.FreqMin == o.FreqMin &&
		s.FreqMax == o.FreqMax &&
		s.Comment == o.Comment &&
		slices.Equal(s.Samples, o.Samples)
}

// Encode writes the signal into g.
func (s *Signal) Encode(g *container.Group) {
	g.SetAttr("class", SignalClass)
	g.SetAttr("samplingRate", s.SamplingRate)
	g.SetAttr("freqMin", s.FreqMin)
	g.SetAttr("freqMax", s.FreqMax)
	g.SetOptString("comment", s.Comment)
	if len(s.Samples) > 0 {
		g.SetDataset("samples", container.FromMatrix(mat.NewDense(len(s.Samples), 1, s.Samples)))
	}
}

// DecodeSignal reads a signal written by Encode.
func DecodeSignal(g *container.Group) (*Signal, error) {
	class, err := g.String("class")
	if err != nil {
		return nil, err
	}
	if class != SignalClass {
		return nil, fmt.Errorf("%w: expected class %s, got %q", fault.ErrStorage, SignalClass, class)
	}

	s := &Signal{}
	if s.SamplingRate, err = g.Int("samplingRate"); err != nil {
		return nil, err
	}
	if s.FreqMin, err = g.Float("freqMin"); err != nil {
		return nil, err
	}
	if s.FreqMax, err = g.Float("freqMax"); err != nil {
		return nil, err
	}
	if s.Comment, err = g.OptString("comment"); err != nil {
		return nil, err
	}

	d, err := g.Dataset("samples")
	if err != nil {
		return s, nil
	}
	m, err := d.Dense()
	if err != nil {
		return nil, err
	}
	if _, c := m.Dims(); c != 1 {
		return nil, fmt.Errorf("%w: excitation samples must be one column, got %d", fault.ErrStorage, c)
	}
	s.Samples = mat.Col(nil, 0, m)
	return s, nil
}
