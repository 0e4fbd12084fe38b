package audio

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Mode selects the acquisition variant.
type Mode string

const (
	// ModePlayRec plays the excitation while recording.
	ModePlayRec Mode = "playrec"
	// ModeRec records for a fixed duration.
	ModeRec Mode = "rec"
)

// Request describes one acquisition.
type Request struct {
	Mode Mode

	// Device holds the input device id and, optionally, a distinct output
	// device id. A single id is used for both directions.
	Device []int

	SamplingRate int
	FreqMin      float64
	FreqMax      float64

	// InChannels are the device channel numbers to capture, in the column
	// order the capture must have.
	InChannels []int
	// OutChannels are the device channels the excitation is played on.
	OutChannels []int

	Excitation *Signal
	Duration   time.Duration

	Comment string
}

// InputDevice returns the device id to record from.
func (r Request) InputDevice() int {
	if len(r.Device) == 0 {
		return 0
	}
	return r.Device[0]
}

// OutputDevice returns the device id to play on.
func (r Request) OutputDevice() int {
	if len(r.Device) > 1 {
		return r.Device[1]
	}
	return r.InputDevice()
}

// Validate checks that the request carries what its mode needs.
func (r Request) Validate() error {
	if r.SamplingRate <= 0 {
		return fmt.Errorf("sampling rate must be > 0, got %d", r.SamplingRate)
	}
	if len(r.InChannels) == 0 {
		return fmt.Errorf("no input channels requested")
	}
	for _, ch := range r.InChannels {
		if ch < 1 {
			return fmt.Errorf("input channel numbers start at 1, got %d", ch)
		}
	}
	switch r.Mode {
	case ModePlayRec:
		if r.Excitation == nil {
			return fmt.Errorf("playrec needs an excitation signal")
		}
		if len(r.OutChannels) == 0 {
			return fmt.Errorf("playrec needs an output channel")
		}
		for _, ch := range r.OutChannels {
			if ch < 1 {
				return fmt.Errorf("output channel numbers start at 1, got %d", ch)
			}
		}
	case ModeRec:
		if r.Duration <= 0 {
			return fmt.Errorf("rec needs a positive duration, got %s", r.Duration)
		}
	default:
		return fmt.Errorf("unknown acquisition mode %q", r.Mode)
	}
	if r.Frames() < 1 {
		return fmt.Errorf("%w: %s acquisition at %d Hz is shorter than one frame", fault.ErrValidation, r.Mode, r.SamplingRate)
	}
	return nil
}

// Frames returns the number of frames the acquisition captures.
func (r Request) Frames() int {
	if r.Mode == ModePlayRec && r.Excitation != nil {
		return r.Excitation.Frames()
	}
	return FramesIn(r.Duration, r.SamplingRate)
}

// FramesIn returns the number of whole frames d lasts at rate.
func FramesIn(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}

// Capture is the result of one acquisition.
type Capture struct {
	// Samples is frames x len(Request.InChannels), columns in request order.
	Samples   *mat.Dense
	Timestamp time.Time
}

// Channels returns the number of captured channels.
func (c *Capture) Channels() int {
	_, n := c.Samples.Dims()
	return n
}

// Engine performs acquisitions on an audio device.
type Engine interface {
	Acquire(ctx context.Context, req Request) (*Capture, error)
}
