package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/fault"
)

const bytesPerSample = 4

// PipeWireEngine acquires audio through pw-record and pw-play.
type PipeWireEngine struct {
	pipewire *PipeWire

	// Validate checks device ids against the graph before each acquisition.
	Validate bool
	// StopTimeout bounds how long a stopped process may take to exit.
	StopTimeout time.Duration
}

// NewPipeWireEngine creates a new PipeWire-based engine
func NewPipeWireEngine() *PipeWireEngine {
	return &PipeWireEngine{
		pipewire:    NewPipeWire(),
		Validate:    true,
		StopTimeout: 5 * time.Second,
	}
}

// Acquire records req.Frames() frames from the input device. In playrec
// mode the excitation is played on the output channels while recording.
func (e *PipeWireEngine) Acquire(ctx context.Context, req Request) (*Capture, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid acquisition request: %w", err)
	}
	if e.Validate {
		if err := e.pipewire.ValidateDevice(ctx, req.InputDevice(), true); err != nil {
			return nil, err
		}
		if req.Mode == ModePlayRec {
			if err := e.pipewire.ValidateDevice(ctx, req.OutputDevice(), false); err != nil {
				return nil, err
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	width := slices.Max(req.InChannels)
	frames := req.Frames()

	args := rawArgs(req.InputDevice(), req.SamplingRate, width)
	slog.Info("Starting pw-record", "command", "pw-record "+strings.Join(args, " "), "frames", frames, "mode", req.Mode)

	rec := exec.CommandContext(ctx, "pw-record", args...)
	stdout, err := rec.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	recording, err := startLogged(rec, "pw-record")
	if err != nil {
		return nil, err
	}
	timestamp := time.Now()

	var play *process
	if req.Mode == ModePlayRec {
		play, err = startPlayback(ctx, req.OutputDevice(), req.SamplingRate, req.Excitation, req.OutChannels)
		if err != nil {
			stopProcess(recording, e.StopTimeout)
			return nil, err
		}
	}

	buf := make([]byte, frames*width*bytesPerSample)
	_, readErr := io.ReadFull(stdout, buf)

	if err := stopProcess(recording, e.StopTimeout); err != nil {
		slog.Debug("pw-record exit", "error", err)
	}
	if play != nil {
		if err := play.Wait(); err != nil && readErr == nil && ctx.Err() == nil {
			return nil, fmt.Errorf("pw-play failed: %w", err)
		}
	}
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("short capture from pw-record: %w", readErr)
	}

	raw := decodeFrames(buf, width)
	samples, err := selectColumns(raw, req.InChannels)
	if err != nil {
		return nil, err
	}
	slog.Debug("Acquisition complete", "frames", frames, "channels", len(req.InChannels))
	return &Capture{Samples: samples, Timestamp: timestamp}, nil
}

// Play plays sig on the given 1-based output channels of device and waits
// until playback ends.
func (e *PipeWireEngine) Play(ctx context.Context, device, rate int, sig *Signal, channels []int) error {
	if sig == nil || len(sig.Samples) == 0 {
		return fmt.Errorf("%w: nothing to play", fault.ErrValidation)
	}
	if len(channels) == 0 || slices.Min(channels) < 1 {
		return fmt.Errorf("%w: output channels must be 1-based, got %v", fault.ErrValidation, channels)
	}
	if e.Validate {
		if err := e.pipewire.ValidateDevice(ctx, device, false); err != nil {
			return err
		}
	}
	play, err := startPlayback(ctx, device, rate, sig, channels)
	if err != nil {
		return err
	}
	if err := play.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("pw-play failed: %w", err)
	}
	return nil
}

func startPlayback(ctx context.Context, device, rate int, sig *Signal, channels []int) (*process, error) {
	width := slices.Max(channels)
	args := rawArgs(device, rate, width)
	slog.Info("Starting pw-play", "command", "pw-play "+strings.Join(args, " "), "frames", sig.Frames())

	play := exec.CommandContext(ctx, "pw-play", args...)
	play.Stdin = bytes.NewReader(encodeFrames(sig.Samples, channels, width))
	return startLogged(play, "pw-play")
}

// process is a started command whose stderr is logged until it closes.
type process struct {
	*exec.Cmd
	logged chan struct{}
}

func startLogged(cmd *exec.Cmd, label string) (*process, error) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", label, err)
	}
	p := &process{Cmd: cmd, logged: make(chan struct{})}
	go func() {
		defer close(p.logged)
		readOutput(stderr, label)
	}()
	return p, nil
}

// Wait lets the logger drain stderr before reaping the process, as
// exec.Cmd.Wait closes the pipe.
func (p *process) Wait() error {
	<-p.logged
	return p.Cmd.Wait()
}

// rawArgs builds the pw-record/pw-play arguments for interleaved f32 on
// stdout or stdin.
func rawArgs(device, rate, channels int) []string {
	return []string{
		"--target", strconv.Itoa(device),
		"--rate", strconv.Itoa(rate),
		"--channels", strconv.Itoa(channels),
		"--format", "f32",
		"--raw",
		"-",
	}
}

// encodeFrames interleaves a mono signal into width channels, writing it on
// the given 1-based channels and silence elsewhere.
func encodeFrames(samples []float64, channels []int, width int) []byte {
	buf := make([]byte, len(samples)*width*bytesPerSample)
	for i, v := range samples {
		bits := math.Float32bits(float32(v))
		for _, ch := range channels {
			off := (i*width + ch - 1) * bytesPerSample
			binary.LittleEndian.PutUint32(buf[off:], bits)
		}
	}
	return buf
}

// decodeFrames turns interleaved little-endian f32 into a frames x width matrix.
func decodeFrames(buf []byte, width int) *mat.Dense {
	frames := len(buf) / (width * bytesPerSample)
	data := make([]float64, frames*width)
	for i := range data {
		data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*bytesPerSample:])))
	}
	return mat.NewDense(frames, width, data)
}

// selectColumns returns the 1-based channels of m, in the given order.
func selectColumns(m *mat.Dense, channels []int) (*mat.Dense, error) {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, len(channels), nil)
	for j, ch := range channels {
		if ch < 1 || ch > cols {
			return nil, fmt.Errorf("channel %d outside capture of %d channels", ch, cols)
		}
		out.SetCol(j, mat.Col(nil, ch-1, m))
	}
	return out, nil
}

// readOutput logs a process' diagnostic output line by line
func readOutput(pipe io.ReadCloser, label string) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		slog.Debug("PipeWire output", "process", label, "line", scanner.Text())
	}
	pipe.Close()
}

// stopProcess interrupts cmd and waits for it, killing it after timeout.
func stopProcess(cmd *process, timeout time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt, falling back to SIGKILL", "error", err)
		cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
		return err
	case <-time.After(timeout):
		slog.Warn("Process did not exit within timeout, force killing", "path", cmd.Path)
		cmd.Process.Kill()
		<-done
		return nil
	}
}
