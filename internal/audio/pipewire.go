package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
)

// Device is an audio node exposed by the PipeWire graph.
type Device struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	MediaClass  string `json:"media_class" yaml:"media_class"`
	Channels    int    `json:"channels" yaml:"channels"`
}

// IsSource reports whether the node can be recorded from.
func (d Device) IsSource() bool {
	return strings.HasPrefix(d.MediaClass, "Audio/Source") || d.MediaClass == "Audio/Duplex"
}

// IsSink reports whether the node can be played to.
func (d Device) IsSink() bool {
	return strings.HasPrefix(d.MediaClass, "Audio/Sink") || d.MediaClass == "Audio/Duplex"
}

// PipeWire queries the PipeWire graph
type PipeWire struct {
	// dump runs pw-dump; replaced in tests.
	dump func(ctx context.Context) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{dump: runDump}
}

func runDump(ctx context.Context) ([]byte, error) {
	output, err := exec.CommandContext(ctx, "pw-dump").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to dump PipeWire graph: %w", err)
	}
	return output, nil
}

// ListDevices returns all audio nodes in the current graph, sorted by id.
func (pw *PipeWire) ListDevices(ctx context.Context) ([]Device, error) {
	output, err := pw.dump(ctx)
	if err != nil {
		return nil, err
	}
	return parseDump(output)
}

// ValidateDevice checks that id names an audio node in the graph
func (pw *PipeWire) ValidateDevice(ctx context.Context, id int, wantSource bool) error {
	devices, err := pw.ListDevices(ctx)
	if err != nil {
		slog.Debug("Failed to list PipeWire devices", "device", id, "error", err)
		return err
	}
	return findDevice(devices, id, wantSource)
}

func findDevice(devices []Device, id int, wantSource bool) error {
	for _, d := range devices {
		if d.ID != id {
			continue
		}
		if wantSource && !d.IsSource() {
			return fmt.Errorf("device %d (%s) cannot be recorded from", id, d.Name)
		}
		if !wantSource && !d.IsSink() {
			return fmt.Errorf("device %d (%s) cannot be played to", id, d.Name)
		}
		return nil
	}
	return fmt.Errorf("device not found: %d", id)
}

type dumpObject struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	Info struct {
		Props  map[string]any `json:"props"`
		Params struct {
			EnumFormat []struct {
				Channels any `json:"channels"`
			} `json:"EnumFormat"`
		} `json:"params"`
	} `json:"info"`
}

// parseDump extracts audio nodes from pw-dump JSON output
func parseDump(data []byte) ([]Device, error) {
	var objects []dumpObject
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("failed to parse pw-dump output: %w", err)
	}

	var devices []Device
	for _, obj := range objects {
		if obj.Type != "PipeWire:Interface:Node" {
			continue
		}
		class := propString(obj.Info.Props, "media.class")
		if !strings.HasPrefix(class, "Audio/") {
			continue
		}
		d := Device{
			ID:          obj.ID,
			Name:        propString(obj.Info.Props, "node.name"),
			Description: propString(obj.Info.Props, "node.description"),
			MediaClass:  class,
		}
		for _, f := range obj.Info.Params.EnumFormat {
			if n, ok := f.Channels.(float64); ok && int(n) > d.Channels {
				d.Channels = int(n)
			}
		}
		if d.Channels == 0 {
			if n, ok := obj.Info.Props["audio.channels"].(float64); ok {
				d.Channels = int(n)
			}
		}
		devices = append(devices, d)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}
