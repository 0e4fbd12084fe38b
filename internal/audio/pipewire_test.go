package audio

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/fault"
)

const mockDump = `[
  {"id": 31, "type": "PipeWire:Interface:Node",
   "info": {"props": {"media.class": "Audio/Sink", "node.name": "alsa_output.usb-RME", "node.description": "Fireface UCX"},
            "params": {"EnumFormat": [{"channels": 8}]}}},
  {"id": 30, "type": "PipeWire:Interface:Node",
   "info": {"props": {"media.class": "Audio/Source", "node.name": "alsa_input.usb-RME", "node.description": "Fireface UCX", "audio.channels": 12},
            "params": {}}},
  {"id": 42, "type": "PipeWire:Interface:Node",
   "info": {"props": {"media.class": "Video/Source", "node.name": "v4l2_input"}}},
  {"id": 5, "type": "PipeWire:Interface:Port",
   "info": {"props": {"port.name": "capture_FL"}}}
]`

func TestParseDump_AudioNodesOnly(t *testing.T) {
	devices, err := parseDump([]byte(mockDump))
	if err != nil {
		t.Fatalf("parseDump failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Expected 2 audio devices, got %d: %v", len(devices), devices)
	}

	// Sorted by id
	if devices[0].ID != 30 || devices[1].ID != 31 {
		t.Errorf("Expected ids 30, 31, got %d, %d", devices[0].ID, devices[1].ID)
	}
	if devices[0].Channels != 12 {
		t.Errorf("Expected channel count from props, got %d", devices[0].Channels)
	}
	if devices[1].Channels != 8 {
		t.Errorf("Expected channel count from EnumFormat, got %d", devices[1].Channels)
	}
	if !devices[0].IsSource() || devices[0].IsSink() {
		t.Errorf("Expected device 30 to be a source only")
	}
}

func TestParseDump_InvalidJSON(t *testing.T) {
	if _, err := parseDump([]byte("not json")); err == nil {
		t.Error("Expected error for invalid pw-dump output")
	}
}

func TestValidateDevice(t *testing.T) {
	pw := &PipeWire{dump: func(context.Context) ([]byte, error) { return []byte(mockDump), nil }}
	ctx := context.Background()

	if err := pw.ValidateDevice(ctx, 30, true); err != nil {
		t.Errorf("Expected source 30 to validate, got: %v", err)
	}
	if err := pw.ValidateDevice(ctx, 31, false); err != nil {
		t.Errorf("Expected sink 31 to validate, got: %v", err)
	}

	err := pw.ValidateDevice(ctx, 31, true)
	if err == nil || !strings.Contains(err.Error(), "cannot be recorded from") {
		t.Errorf("Expected sink rejected as source, got: %v", err)
	}

	err = pw.ValidateDevice(ctx, 99, true)
	if err == nil || !strings.Contains(err.Error(), "device not found") {
		t.Errorf("Expected 'device not found' error, got: %v", err)
	}
}

func TestRawArgs(t *testing.T) {
	got := strings.Join(rawArgs(30, 48000, 4), " ")
	want := "--target 30 --rate 48000 --channels 4 --format f32 --raw -"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestEncodeDecodeFrames(t *testing.T) {
	samples := []float64{0.5, -0.25, 1}
	buf := encodeFrames(samples, []int{2, 3}, 3)
	if len(buf) != 3*3*bytesPerSample {
		t.Fatalf("Expected %d bytes, got %d", 3*3*bytesPerSample, len(buf))
	}

	m := decodeFrames(buf, 3)
	want := mat.NewDense(3, 3, []float64{
		0, 0.5, 0.5,
		0, -0.25, -0.25,
		0, 1, 1,
	})
	if !mat.Equal(m, want) {
		t.Errorf("Decoded frames mismatch:\n%v", mat.Formatted(m))
	}
}

func TestSelectColumns_RequestOrder(t *testing.T) {
	m := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
	})

	got, err := selectColumns(m, []int{4, 1, 2})
	if err != nil {
		t.Fatalf("selectColumns failed: %v", err)
	}
	want := mat.NewDense(2, 3, []float64{
		4, 1, 2,
		8, 5, 6,
	})
	if !mat.Equal(got, want) {
		t.Errorf("Selected columns mismatch:\n%v", mat.Formatted(got))
	}

	if _, err := selectColumns(m, []int{5}); err == nil {
		t.Error("Expected error for channel outside capture")
	}
}

func TestNewEngine(t *testing.T) {
	for _, backend := range []string{"", "auto", "pipewire", "PipeWire"} {
		if _, err := NewEngine(backend); err != nil {
			t.Errorf("Expected backend %q to resolve, got: %v", backend, err)
		}
	}
	if _, err := NewEngine("coreaudio"); err == nil {
		t.Error("Expected error for unsupported backend")
	}
	if SupportedBackend("coreaudio") || !SupportedBackend("auto") {
		t.Error("SupportedBackend disagrees with NewEngine")
	}
}

func TestPlay_RejectsBadInput(t *testing.T) {
	e := &PipeWireEngine{Validate: false}
	sig := &Signal{Samples: []float64{0, 0.5}, SamplingRate: 8000}

	if err := e.Play(context.Background(), 31, 8000, &Signal{}, []int{1}); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation error for empty signal, got %v", err)
	}
	if err := e.Play(context.Background(), 31, 8000, sig, nil); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation error without channels, got %v", err)
	}
	if err := e.Play(context.Background(), 31, 8000, sig, []int{0}); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("Expected validation error for channel 0, got %v", err)
	}
}

func TestProcessWait_DrainsStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var logs bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	p, err := startLogged(exec.Command("sh", "-c", "echo first >&2; echo second >&2"), "sh")
	if err != nil {
		t.Fatalf("startLogged failed: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	for _, line := range []string{"line=first", "line=second"} {
		if !strings.Contains(logs.String(), line) {
			t.Errorf("Expected %q in logged output, got:\n%s", line, logs.String())
		}
	}
}
