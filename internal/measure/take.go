package measure

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/channel"
	"github.com/audiolibrelab/roomir/internal/fault"
	"github.com/audiolibrelab/roomir/internal/sensor"
)

// State is the lifecycle position of a take.
type State string

const (
	StateConfigured State = "configured"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateSaved      State = "saved"
)

var receiverPattern = regexp.MustCompile(`^R[0-9]+$`)

// TakeParams configures one take. Which fields are required depends on Kind.
type TakeParams struct {
	Kind string
	// InChannels holds channel codes (or names) and group names.
	InChannels []string
	OutChannel string
	Excitation string
	Source     string
	// Receivers holds one R<n> label per input selector.
	Receivers []string
}

// selection is one resolved input selector.
type selection struct {
	key     string
	members []int
}

// Take is one configured acquisition against a setup, possibly repeated
// over several averages.
type Take struct {
	setup      *Setup
	kind       Kind
	id         uuid.UUID
	selections []selection
	inChannels *channel.List
	outChannel *channel.List
	excitation string
	source     string
	receivers  []string

	state  State
	things []*MeasuredThing
}

// NewTake validates p against setup and returns a configured take.
func NewTake(setup *Setup, p TakeParams) (*Take, error) {
	if setup == nil {
		return nil, fmt.Errorf("%w: take needs a setup", fault.ErrValidation)
	}
	kind, err := ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}
	t := &Take{
		setup:      setup,
		kind:       kind,
		id:         uuid.New(),
		excitation: p.Excitation,
		source:     p.Source,
		state:      StateConfigured,
	}
	if err := t.resolveInputs(p.InChannels); err != nil {
		return nil, err
	}
	if err := t.resolveOutput(p.OutChannel); err != nil {
		return nil, err
	}

	if kind.PlaysExcitation() {
		if p.Excitation == "" {
			return nil, fmt.Errorf("%w: %s takes need an excitation signal", fault.ErrValidation, kind)
		}
		if p.Source == "" {
			return nil, fmt.Errorf("%w: %s takes need a source position", fault.ErrValidation, kind)
		}
	}
	if p.Excitation != "" {
		if _, ok := setup.Excitation(p.Excitation); !ok {
			return nil, fmt.Errorf("%w: excitation signal %q doesn't exist in %s's excitation signals",
				fault.ErrNotFound, p.Excitation, setup.Name())
		}
	}

	if kind.NeedsReceivers() && len(p.Receivers) == 0 {
		return nil, fmt.Errorf("%w: %s takes need one receiver position per input selector", fault.ErrValidation, kind)
	}
	if len(p.Receivers) > 0 {
		if len(p.Receivers) != len(p.InChannels) {
			return nil, fmt.Errorf("%w: got %d receiver positions for %d input selectors",
				fault.ErrValidation, len(p.Receivers), len(p.InChannels))
		}
		for _, r := range p.Receivers {
			if !receiverPattern.MatchString(r) {
				return nil, fmt.Errorf("%w: %q isn't a receiver position, it must be R followed by its number (e.g. R1)",
					fault.ErrValidation, r)
			}
		}
		t.receivers = slices.Clone(p.Receivers)
	}
	return t, nil
}

func (t *Take) resolveInputs(selectors []string) error {
	if len(selectors) == 0 {
		return fmt.Errorf("%w: take needs at least one input selector", fault.ErrValidation)
	}
	roster := t.setup.InChannels()
	seen := map[string]bool{}
	var numbers []int

	for _, sel := range selectors {
		if seen[sel] {
			return fmt.Errorf("%w: input selector %q given twice", fault.ErrValidation, sel)
		}
		seen[sel] = true

		if members, ok := roster.Group(sel); ok {
			if !t.kind.AllowsGroups() {
				return fmt.Errorf("%w: groups can't be used for %s, channels must be addressed individually (got %q)",
					fault.ErrInvalidGroup, t.kind, sel)
			}
			t.selections = append(t.selections, selection{key: sel, members: members})
			numbers = append(numbers, members...)
			continue
		}

		ch, err := roster.Lookup(channel.Text(sel))
		if err != nil {
			return fmt.Errorf("'%s' isn't a valid channel or group: %w", sel, err)
		}
		if t.kind.AllowsGroups() {
			if group, grouped := roster.GroupNameOf(ch.Number); grouped {
				return fmt.Errorf("%w: input channel %d, code '%s', can't be enabled individually as it's in %s's group",
					fault.ErrInvalidGroup, ch.Number, ch.Code, group)
			}
		}
		t.selections = append(t.selections, selection{key: sel, members: []int{ch.Number}})
		numbers = append(numbers, ch.Number)
	}

	in, err := roster.Sub(numbers...)
	if err != nil {
		return fmt.Errorf("selectors address a channel twice: %w", err)
	}
	if err := in.CopyGroupsFrom(roster); err != nil {
		return err
	}
	t.inChannels = in
	return nil
}

func (t *Take) resolveOutput(sel string) error {
	if sel == "" {
		if t.kind.PlaysExcitation() {
			return fmt.Errorf("%w: %s takes need an output channel", fault.ErrValidation, t.kind)
		}
		return nil
	}
	ch, err := t.setup.OutChannels().Lookup(channel.Text(sel))
	if err != nil {
		return fmt.Errorf("invalid output channel %q for %s: %w", sel, t.setup.Name(), err)
	}
	out, err := channel.NewList(channel.KindOut, ch)
	if err != nil {
		return err
	}
	t.outChannel = out
	return nil
}

func (t *Take) Setup() *Setup { return t.setup }
func (t *Take) Kind() Kind    { return t.kind }
func (t *Take) ID() uuid.UUID { return t.id }
func (t *Take) State() State  { return t.state }

// Ran reports whether the acquisition loop has completed.
func (t *Take) Ran() bool { return t.state == StateCompleted || t.state == StateSaved }

// Saved reports whether the take has been persisted.
func (t *Take) Saved() bool { return t.state == StateSaved }

// InChannels returns the resolved take roster, in selector order.
func (t *Take) InChannels() *channel.List { return t.inChannels }

// Things returns the dismembered things in selector order. It is empty until
// the take has run.
func (t *Take) Things() []*MeasuredThing { return slices.Clone(t.things) }

// Thing returns the thing of one input selector.
func (t *Take) Thing(selector string) (*MeasuredThing, bool) {
	for _, th := range t.things {
		if th.ArrayName == selector {
			return th, true
		}
	}
	return nil, false
}

// Request builds the acquisition request for one average.
func (t *Take) Request() audio.Request {
	s := t.setup
	req := audio.Request{
		Device:       s.Device(),
		SamplingRate: s.SamplingRate(),
		FreqMin:      s.FreqMin(),
		FreqMax:      s.FreqMax(),
		InChannels:   t.inChannels.Numbers(),
		Comment:      string(t.kind),
	}
	switch {
	case t.kind.PlaysExcitation():
		sig, _ := s.Excitation(t.excitation)
		req.Mode = audio.ModePlayRec
		req.Excitation = sig
		req.OutChannels = t.outChannel.Numbers()
	case t.kind == KindNoiseFloor:
		req.Mode = audio.ModeRec
		req.Duration = s.NoiseFloorDuration()
	default:
		req.Mode = audio.ModeRec
		req.Duration = s.CalibrationDuration()
	}
	return req
}

type average struct {
	capture *audio.Capture
	reading sensor.Reading
}

// Run acquires every average, reading the sensor after each one when reader
// is not nil and waiting on pauser between averages when the setup asks for
// it. On success the captures are dismembered and the take is completed.
// Running a completed take again replaces its results.
func (t *Take) Run(ctx context.Context, engine audio.Engine, reader sensor.Reader, pauser Pauser) error {
	switch t.state {
	case StateSaved:
		return fmt.Errorf("%w: run a new take instead", fault.ErrAlreadySaved)
	case StateRunning:
		return fmt.Errorf("%w: take is already running", fault.ErrState)
	}
	if engine == nil {
		return fmt.Errorf("%w: no acquisition engine", fault.ErrValidation)
	}

	t.state = StateRunning
	t.things = nil
	averages, err := t.acquire(ctx, engine, reader, pauser)
	if err == nil {
		t.things, err = t.dismember(averages)
	}
	if err != nil {
		t.state = StateConfigured
		return err
	}
	t.state = StateCompleted
	return nil
}

func (t *Take) acquire(ctx context.Context, engine audio.Engine, reader sensor.Reader, pauser Pauser) ([]average, error) {
	total := t.setup.Averages()
	req := t.Request()
	out := make([]average, 0, total)

	for i := range total {
		slog.Info("Acquiring average", "kind", t.kind, "average", i+1, "averages", total, "take", t.id)
		capture, err := engine.Acquire(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("average %d: %w", i+1, err)
		}

		reading := sensor.None
		if reader != nil {
			if reading, err = reader.Read(ctx); err != nil {
				return nil, fmt.Errorf("average %d: reading sensor: %w", i+1, err)
			}
		}
		out = append(out, average{capture: capture, reading: reading})

		left := total - i - 1
		if t.setup.PauseForAverage() && left > 0 && pauser != nil {
			if err := pauser.Pause(ctx, left); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// dismember slices every capture column-wise, one selector after the other,
// into one thing per selector holding one recording per average.
func (t *Take) dismember(averages []average) ([]*MeasuredThing, error) {
	width := t.inChannels.Len()
	for i, avg := range averages {
		if avg.capture == nil || avg.capture.Samples == nil {
			return nil, fmt.Errorf("%w: average %d produced no samples", fault.ErrValidation, i+1)
		}
		if n := avg.capture.Channels(); n != width {
			return nil, fmt.Errorf("%w: average %d captured %d channels, selectors need %d",
				fault.ErrValidation, i+1, n, width)
		}
	}

	roster := t.setup.InChannels()
	things := make([]*MeasuredThing, 0, len(t.selections))
	offset := 0
	for idx, sel := range t.selections {
		count := len(sel.members)

		chans, err := t.inChannels.Sub(sel.members...)
		if err != nil {
			return nil, err
		}
		if err := chans.CopyGroupsFrom(roster); err != nil {
			return nil, err
		}

		plain, err := t.inChannels.Sub(sel.members...)
		if err != nil {
			return nil, err
		}

		recs := make([]*Recording, 0, len(averages))
		for _, avg := range averages {
			rows, _ := avg.capture.Samples.Dims()
			samples := mat.DenseCopyOf(avg.capture.Samples.Slice(0, rows, offset, offset+count))
			recs = append(recs, &Recording{
				Samples:      samples,
				SamplingRate: t.setup.SamplingRate(),
				FreqMin:      t.setup.FreqMin(),
				FreqMax:      t.setup.FreqMax(),
				Channels:     plain,
				Timestamp:    avg.capture.Timestamp,
				Temperature:  avg.reading.Temperature,
				Humidity:     avg.reading.Humidity,
				Comment:      fmt.Sprintf("%s's measured %s", t.setup.Name(), t.kind),
			})
		}

		thing := &MeasuredThing{
			Kind:       t.kind,
			ArrayName:  sel.key,
			Recordings: recs,
			InChannels: chans,
			OutChannel: t.outChannel,
			Source:     t.source,
			Excitation: t.excitation,
			TakeID:     t.id,
		}
		if idx < len(t.receivers) {
			thing.Receiver = t.receivers[idx]
		}
		things = append(things, thing)
		offset += count
	}
	return things, nil
}

// Persist hands the things of a completed take to save and marks the take
// saved when save succeeds.
func (t *Take) Persist(save func(things []*MeasuredThing) error) error {
	switch t.state {
	case StateSaved:
		return fault.ErrAlreadySaved
	case StateCompleted:
	default:
		return fault.ErrNotRun
	}
	if err := save(slices.Clone(t.things)); err != nil {
		return err
	}
	t.state = StateSaved
	return nil
}
