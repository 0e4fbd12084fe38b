package measure

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/channel"
	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/fault"
)

// Record classes.
const (
	ThingClass     = "MeasuredThing"
	RecordingClass = "Recording"
)

// Recording is one average of one logical channel or array.
type Recording struct {
	// Samples is frames x channels.
	Samples      *mat.Dense
	SamplingRate int
	FreqMin      float64
	FreqMax      float64
	// Channels describes the columns of Samples, in order.
	Channels  *channel.List
	Timestamp time.Time
	// Temperature and Humidity are nil when no reading was taken.
	Temperature *float64
	Humidity    *float64
	Comment     string
}

// NumChannels returns the number of recorded channels.
func (r *Recording) NumChannels() int {
	_, c := r.Samples.Dims()
	return c
}

// Equal reports whether both recordings hold the same data and metadata.
func (r *Recording) Equal(o *Recording) bool {
	if r == nil || o == nil {
		return r == o
	}
	return mat.Equal(r.Samples, o.Samples) &&
		r.SamplingRate == o.SamplingRate &&
		r.FreqMin == o.FreqMin &&
		r.FreqMax == o.FreqMax &&
		r.Channels.Equal(o.Channels) &&
		r.Timestamp.Equal(o.Timestamp) &&
		optEqual(r.Temperature, o.Temperature) &&
		optEqual(r.Humidity, o.Humidity) &&
		r.Comment == o.Comment
}

func optEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Encode writes the recording into g.
func (r *Recording) Encode(g *container.Group) error {
	chans, err := r.Channels.MarshalText()
	if err != nil {
		return fmt.Errorf("%w: encoding recording channels: %v", fault.ErrStorage, err)
	}
	g.SetAttr("class", RecordingClass)
	g.SetAttr("samplingRate", r.SamplingRate)
	g.SetAttr("freqMin", r.FreqMin)
	g.SetAttr("freqMax", r.FreqMax)
	g.SetAttr("channels", string(chans))
	g.SetAttr("timeStamp", r.Timestamp.Format(time.RFC3339Nano))
	g.SetOptFloat("temp", r.Temperature)
	g.SetOptFloat("RH", r.Humidity)
	g.SetOptString("comment", r.Comment)
	g.SetDataset("timeSignal", container.FromMatrix(r.Samples))
	return nil
}

func decodeRecording(g *container.Group) (*Recording, error) {
	var (
		r   = &Recording{}
		err error
	)
	if r.SamplingRate, err = g.Int("samplingRate"); err != nil {
		return nil, err
	}
	if r.FreqMin, err = g.Float("freqMin"); err != nil {
		return nil, err
	}
	if r.FreqMax, err = g.Float("freqMax"); err != nil {
		return nil, err
	}
	if r.Channels, err = rosterAttr(g, "channels"); err != nil {
		return nil, err
	}
	stamp, err := g.String("timeStamp")
	if err != nil {
		return nil, err
	}
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
		return nil, fmt.Errorf("%w: recording timestamp %q: %v", fault.ErrStorage, stamp, err)
	}
	if r.Temperature, err = g.OptFloat("temp"); err != nil {
		return nil, err
	}
	if r.Humidity, err = g.OptFloat("RH"); err != nil {
		return nil, err
	}
	if r.Comment, err = g.OptString("comment"); err != nil {
		return nil, err
	}

	d, err := g.Dataset("timeSignal")
	if err != nil {
		return nil, err
	}
	if r.Samples, err = d.Dense(); err != nil {
		return nil, err
	}
	if r.NumChannels() != r.Channels.Len() {
		return nil, fmt.Errorf("%w: recording holds %d columns for %d channels", fault.ErrStorage, r.NumChannels(), r.Channels.Len())
	}
	return r, nil
}

// MeasuredThing is everything one take captured for one logical channel or
// array, across all averages.
type MeasuredThing struct {
	Kind       Kind
	ArrayName  string
	Recordings []*Recording
	// InChannels is the sub-roster the thing was recorded from, with its
	// groups.
	InChannels *channel.List
	// OutChannel holds the single output channel, or is nil.
	OutChannel *channel.List
	Source     string
	Receiver   string
	Excitation string
	TakeID     uuid.UUID
}

// OutCode returns the output channel code, or "".
func (t *MeasuredThing) OutCode() string {
	if t.OutChannel == nil || t.OutChannel.Len() == 0 {
		return ""
	}
	return t.OutChannel.Channels()[0].Code
}

// Name returns the canonical name, which is also the stem the store resolves
// collisions against.
func (t *MeasuredThing) Name() string {
	var b strings.Builder
	b.WriteString(string(t.Kind) + "_")
	if t.Kind.namesSource() {
		b.WriteString(t.Source + "-")
	}
	if t.Kind.namesReceiver() && t.Receiver != "" {
		b.WriteString(t.Receiver + "_")
	}
	if t.Kind.namesOutput() {
		b.WriteString(t.OutCode() + "-")
	}
	b.WriteString(t.ArrayName + "_")
	if t.Kind.namesExcitation() {
		b.WriteString(t.Excitation)
	}
	return b.String()
}

// Equal reports whether both things hold the same recordings and metadata.
func (t *MeasuredThing) Equal(o *MeasuredThing) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.Recordings) != len(o.Recordings) {
		return false
	}
	for i := range t.Recordings {
		if !t.Recordings[i].Equal(o.Recordings[i]) {
			return false
		}
	}
	outEqual := (t.OutChannel == nil && o.OutChannel == nil) ||
		(t.OutChannel != nil && t.OutChannel.Equal(o.OutChannel))
	return t.Kind == o.Kind &&
		t.ArrayName == o.ArrayName &&
		t.InChannels.Equal(o.InChannels) &&
		outEqual &&
		t.Source == o.Source &&
		t.Receiver == o.Receiver &&
		t.Excitation == o.Excitation &&
		t.TakeID == o.TakeID
}

// Encode writes the thing attributes and one measuredSignals/<i> sub-group
// per recording into g.
func (t *MeasuredThing) Encode(g *container.Group) error {
	in, err := t.InChannels.MarshalText()
	if err != nil {
		return fmt.Errorf("%w: encoding thing channels: %v", fault.ErrStorage, err)
	}
	g.SetAttr("class", ThingClass)
	g.SetAttr("kind", string(t.Kind))
	g.SetAttr("arrayName", t.ArrayName)
	g.SetAttr("inChannels", string(in))
	if t.OutChannel != nil {
		out, err := t.OutChannel.MarshalText()
		if err != nil {
			return fmt.Errorf("%w: encoding thing output channel: %v", fault.ErrStorage, err)
		}
		g.SetAttr("outChannel", string(out))
	} else {
		g.SetAttr("outChannel", nil)
	}
	g.SetAttr("position", container.NoneStrings(t.Source, t.Receiver))
	g.SetOptString("excitation", t.Excitation)
	g.SetAttr("takeID", t.TakeID.String())

	signals, err := g.CreateGroup("measuredSignals")
	if err != nil {
		return err
	}
	for i, rec := range t.Recordings {
		rg, err := signals.CreateGroup(strconv.Itoa(i))
		if err != nil {
			return err
		}
		if err := rec.Encode(rg); err != nil {
			return err
		}
	}
	return nil
}

func decodeThing(g *container.Group) (*MeasuredThing, error) {
	t := &MeasuredThing{}

	kind, err := g.String("kind")
	if err != nil {
		return nil, err
	}
	if t.Kind, err = ParseKind(kind); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrStorage, err)
	}
	if t.ArrayName, err = g.String("arrayName"); err != nil {
		return nil, err
	}
	if t.InChannels, err = rosterAttr(g, "inChannels"); err != nil {
		return nil, err
	}
	if !g.IsNone("outChannel") {
		if t.OutChannel, err = rosterAttr(g, "outChannel"); err != nil {
			return nil, err
		}
	}
	pos, err := g.Strings("position")
	if err != nil {
		return nil, err
	}
	if len(pos) != 2 {
		return nil, fmt.Errorf("%w: position holds %d items, want 2", fault.ErrStorage, len(pos))
	}
	t.Source, t.Receiver = pos[0], pos[1]
	if t.Excitation, err = g.OptString("excitation"); err != nil {
		return nil, err
	}
	id, err := g.String("takeID")
	if err != nil {
		return nil, err
	}
	if t.TakeID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: take id %q: %v", fault.ErrStorage, id, err)
	}

	signals, ok := g.Child("measuredSignals")
	if !ok {
		return nil, fmt.Errorf("%w: thing has no measuredSignals", fault.ErrMissing)
	}
	for i := 0; ; i++ {
		rg, ok := signals.Child(strconv.Itoa(i))
		if !ok {
			break
		}
		rec, err := decodeAs[*Recording](rg)
		if err != nil {
			return nil, fmt.Errorf("recording %d: %w", i, err)
		}
		t.Recordings = append(t.Recordings, rec)
	}
	if len(t.Recordings) != len(signals.GroupNames()) {
		return nil, fmt.Errorf("%w: measuredSignals are not numbered 0..n-1", fault.ErrStorage)
	}
	return t, nil
}
