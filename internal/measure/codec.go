package measure

import (
	"fmt"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/container"
	"github.com/audiolibrelab/roomir/internal/fault"
)

// Decode rebuilds the record stored in g, dispatching on its class
// attribute. The result is a *Setup, *MeasuredThing, *Recording or
// *audio.Signal.
func Decode(g *container.Group) (any, error) {
	class, err := g.String("class")
	if err != nil {
		return nil, err
	}
	switch class {
	case SetupClass:
		return decodeSetup(g)
	case ThingClass:
		return decodeThing(g)
	case RecordingClass:
		return decodeRecording(g)
	case audio.SignalClass:
		return audio.DecodeSignal(g)
	}
	return nil, fmt.Errorf("%w: unknown record class %q", fault.ErrStorage, class)
}

// DecodeSetup decodes g, which must hold a measurement setup.
func DecodeSetup(g *container.Group) (*Setup, error) {
	return decodeAs[*Setup](g)
}

// DecodeThing decodes g, which must hold a measured thing.
func DecodeThing(g *container.Group) (*MeasuredThing, error) {
	return decodeAs[*MeasuredThing](g)
}

func decodeAs[T any](g *container.Group) (T, error) {
	var zero T
	v, err := Decode(g)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: record is %T, want %T", fault.ErrStorage, v, zero)
	}
	return out, nil
}
