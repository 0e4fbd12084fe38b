package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/audio"
	"github.com/audiolibrelab/roomir/internal/fault"
	"github.com/audiolibrelab/roomir/internal/service"
)

type silentEngine struct{}

func (silentEngine) Acquire(_ context.Context, req audio.Request) (*audio.Capture, error) {
	return &audio.Capture{Samples: mat.NewDense(4, len(req.InChannels), nil), Timestamp: time.Now()}, nil
}

func (silentEngine) Play(context.Context, int, int, *audio.Signal, []int) error { return nil }

func writeFile(_ context.Context, _ []byte, _ string, args ...string) ([]byte, error) {
	return nil, os.WriteFile(args[len(args)-1], nil, 0o644)
}

func writeCampaign(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
active_config: hall
audio:
  device: [7]
  sample_rate: 8000
globals:
  storage:
    root: ` + filepath.Join(dir, "data") + `
definitions:
  inputs:
    - {number: 1, code: Ch1, name: mic1}
    - {number: 2, code: Ch2, name: mic2}
  outputs:
    - {number: 1, code: O1, name: dodecahedron}
  excitations:
    sweep1:
      duration: 100ms
configs:
  hall:
    inputs: [Ch1, Ch2]
    outputs: [O1]
    groups:
      pair: [Ch1, Ch2]
    excitations: [sweep1]
    measurement:
      freq_min: 50
      freq_max: 3000
      averages: 2
  dry:
    name: dry-run
    inputs: [Ch1]
`
	file := filepath.Join(dir, "roomir.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	orig := newService
	t.Cleanup(func() { newService = orig })
	newService = func() service.Service {
		return service.New(cfg, cfgFile, service.Deps{Engine: silentEngine{}, FFmpeg: writeFile})
	}

	cfgFile, profile = "", ""
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores every flag of the package level command tree, which
// keeps its values between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(interface{ Replace([]string) error }); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestCampaignCommands(t *testing.T) {
	file := writeCampaign(t)

	out, err := run(t, "--config", file, "init", "--export-setup")
	require.NoError(t, err)
	assert.Contains(t, out, "Campaign hall initialised")

	_, err = run(t, "--config", file, "init")
	require.ErrorIs(t, err, fault.ErrExists)

	out, err = run(t, "--config", file, "take", "roomir", "pair", "-o", "O1", "-e", "sweep1", "-s", "S1", "-r", "R1")
	require.NoError(t, err)
	assert.Contains(t, out, "roomir_S1-R1_O1-pair_sweep1_1")

	out, err = run(t, "--config", file, "take", "noisefloor", "pair")
	require.NoError(t, err)
	assert.Contains(t, out, "noisefloor_pair__1")

	out, err = run(t, "--config", file, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "[roomir] 1")
	assert.Contains(t, out, "[noisefloor] 1")

	out, err = run(t, "--config", file, "status", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "- roomir_S1-R1_O1-pair_sweep1_1")

	out, err = run(t, "--config", file, "info", "roomir", "roomir_S1-R1_O1-pair_sweep1_1")
	require.NoError(t, err)
	assert.Contains(t, out, "inputs: Ch1, Ch2")
	assert.Contains(t, out, "T=none")
	assert.Equal(t, 2, strings.Count(out, "4 frames x 2 channels @ 8000 Hz"))

	_, err = run(t, "--config", file, "info", "roomir", "nothing_1")
	require.ErrorIs(t, err, fault.ErrMissing)

	_, err = os.Stat(filepath.Join(filepath.Dir(file), "data", "hall", "MeasurementSetup.yaml"))
	assert.NoError(t, err)
}

func TestPlayAndExport(t *testing.T) {
	file := writeCampaign(t)
	_, err := run(t, "--config", file, "init")
	require.NoError(t, err)

	out, err := run(t, "--config", file, "play", "sweep1", "-o", "dodecahedron", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Played sweep1 on dodecahedron 2 time(s)")

	_, err = run(t, "--config", file, "play", "sweep1")
	require.Error(t, err, "output is required")

	_, err = run(t, "--config", file, "take", "noisefloor", "pair")
	require.NoError(t, err)

	dir := t.TempDir()
	out, err = run(t, "--config", file, "export", "noisefloor", "noisefloor_pair__1", "-d", dir, "-f", "flac")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 file(s)")
	assert.FileExists(t, filepath.Join(dir, "noisefloor_pair__1_avg1.flac"))

	_, err = run(t, "--config", file, "export", "noisefloor", "noisefloor_pair__1", "-f", "mp3")
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestTakeValidationError(t *testing.T) {
	file := writeCampaign(t)
	_, err := run(t, "--config", file, "init")
	require.NoError(t, err)

	_, err = run(t, "--config", file, "take", "roomir", "pair", "-o", "O1", "-e", "sweep1", "-s", "S1", "-r", "X1")
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestConfigCommands(t *testing.T) {
	file := writeCampaign(t)

	out, err := run(t, "--config", file, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "=== CAMPAIGN hall ===")
	assert.Contains(t, out, "sample_rate: 8000")
	assert.Contains(t, out, "pair: Ch1, Ch2")

	out, err = run(t, "--config", file, "config", "show", "dry")
	require.NoError(t, err)
	assert.Contains(t, out, "=== CAMPAIGN dry-run ===")
	assert.NotContains(t, out, "Ch2")

	_, err = run(t, "--config", file, "config", "show", "missing")
	require.Error(t, err)

	out, err = run(t, "--config", file, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "* hall")
	assert.Contains(t, out, "  dry")

	_, err = run(t, "--config", file, "config", "use", "missing")
	require.Error(t, err)
}
