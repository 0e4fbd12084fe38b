// Package export renders the recordings of a measured thing to audio files
// with ffmpeg, for listening or for analysis tools that do not read the
// campaign containers.
package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/roomir/internal/fault"
	"github.com/audiolibrelab/roomir/internal/measure"
)

// Formats lists the supported output formats and their ffmpeg codec
// arguments.
var Formats = map[string][]string{
	"wav":  {"-c:a", "pcm_f32le"},
	"flac": {"-c:a", "flac", "-sample_fmt", "s32"},
}

// Runner runs name with args, feeding stdin, and returns the combined output.
type Runner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// Options selects where and how recordings are written.
type Options struct {
	Dir    string
	Format string
}

type Exporter struct {
	opts Options
	run  Runner
}

func New(opts Options) *Exporter {
	return NewWithRunner(opts, runFFmpeg)
}

// NewWithRunner is New with a custom process runner.
func NewWithRunner(opts Options, run Runner) *Exporter {
	if opts.Format == "" {
		opts.Format = "wav"
	}
	return &Exporter{opts: opts, run: run}
}

// Export writes one file per average of thing, named <name>_avg<i>.<format>,
// and returns the file paths.
func (e *Exporter) Export(ctx context.Context, name string, thing *measure.MeasuredThing) ([]string, error) {
	codec, ok := Formats[e.opts.Format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported export format %q", fault.ErrValidation, e.opts.Format)
	}
	if len(thing.Recordings) == 0 {
		return nil, fmt.Errorf("%w: %s has no recordings", fault.ErrValidation, name)
	}
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating export directory: %v", fault.ErrStorage, err)
	}

	files := make([]string, 0, len(thing.Recordings))
	for i, rec := range thing.Recordings {
		outputFile := filepath.Join(e.opts.Dir, fmt.Sprintf("%s_avg%d.%s", name, i, e.opts.Format))

		// Remove existing output file
		os.Remove(outputFile)

		args := Args(rec, codec, comment(name, thing, i), outputFile)
		slog.Debug("Running FFmpeg for export", "command", "ffmpeg "+strings.Join(args, " "))

		output, err := e.run(ctx, interleave(rec.Samples), "ffmpeg", args...)
		if err != nil {
			return files, fmt.Errorf("FFmpeg export failed: %w\nOutput: %s", err, string(output))
		}
		if _, err := os.Stat(outputFile); err != nil {
			return files, fmt.Errorf("output file not created: %s", outputFile)
		}

		slog.Info("Exported recording", "file", outputFile, "average", i)
		files = append(files, outputFile)
	}
	return files, nil
}

// Args builds the ffmpeg arguments that read a recording as raw f32le from
// stdin and encode it to outputFile.
func Args(rec *measure.Recording, codec []string, comment, outputFile string) []string {
	args := []string{
		"-hide_banner",
		"-f", "f32le",
		"-ar", strconv.Itoa(rec.SamplingRate),
		"-ac", strconv.Itoa(rec.NumChannels()),
		"-i", "pipe:0",
	}
	args = append(args, codec...)
	if comment != "" {
		args = append(args, "-metadata", "comment="+comment)
	}
	return append(args, "-y", outputFile)
}

func comment(name string, thing *measure.MeasuredThing, avg int) string {
	parts := []string{name, fmt.Sprintf("average %d of %d", avg+1, len(thing.Recordings))}
	if thing.InChannels != nil {
		parts = append(parts, "channels "+strings.Join(thing.InChannels.Codes(), ","))
	}
	if thing.Excitation != "" {
		parts = append(parts, "excitation "+thing.Excitation)
	}
	return strings.Join(parts, "; ")
}

// interleave turns a frames x channels matrix into little-endian f32 frames.
func interleave(m *mat.Dense) []byte {
	rows, cols := m.Dims()
	buf := make([]byte, rows*cols*4)
	for i := range rows {
		for j := range cols {
			binary.LittleEndian.PutUint32(buf[(i*cols+j)*4:], math.Float32bits(float32(m.At(i, j))))
		}
	}
	return buf
}

func runFFmpeg(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	return cmd.CombinedOutput()
}
