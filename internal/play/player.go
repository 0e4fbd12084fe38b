// Package play auditions excitation signals through an output channel, so
// levels can be set before a take.
package play

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/channel"
	"github.com/audiolibrelab/roomir/internal/fault"
	"github.com/audiolibrelab/roomir/internal/measure"
)

// Output plays a signal on 1-based output channels of a device.
type Output interface {
	Play(ctx context.Context, device, rate int, sig *audio.Signal, channels []int) error
}

type Player struct {
	setup *measure.Setup
	out   Output
}

func New(setup *measure.Setup, out Output) *Player {
	return &Player{setup: setup, out: out}
}

// Play plays the named excitation repeat times on the output channel given
// by code or name, on the setup's output device.
func (p *Player) Play(ctx context.Context, excitation, output string, repeat int) error {
	sig, ok := p.setup.Excitation(excitation)
	if !ok {
		return fmt.Errorf("%w: excitation %q not in setup %s", fault.ErrNotFound, excitation, p.setup.Name())
	}
	ch, err := p.setup.OutChannels().Lookup(channel.Text(output))
	if err != nil {
		return err
	}
	if repeat < 1 {
		repeat = 1
	}

	device := audio.Request{Device: p.setup.Device()}.OutputDevice()
	for i := range repeat {
		slog.Info("Playing excitation", "excitation", excitation, "output", ch.Code, "device", device,
			"round", i+1, "of", repeat, "duration", sig.Duration())
		if err := p.out.Play(ctx, device, p.setup.SamplingRate(), sig, []int{ch.Number}); err != nil {
			return fmt.Errorf("playback of %s on %s failed: %w", excitation, ch.Code, err)
		}
	}

	slog.Debug("Playback completed", "excitation", excitation)
	return nil
}
