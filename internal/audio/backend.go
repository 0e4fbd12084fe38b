package audio

import (
	"fmt"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// NewEngine creates the acquisition engine for the configured backend.
func NewEngine(backend string) (Engine, error) {
	switch determineBackend(backend) {
	case BackendTypePipeWire:
		return NewPipeWireEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported audio backend %q", backend)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(backend string) BackendType {
	switch strings.ToLower(backend) {
	case "", string(BackendTypeAuto), string(BackendTypePipeWire):
		// Only PipeWire is available now
		return BackendTypePipeWire
	}
	return BackendType(backend)
}

// SupportedBackend reports whether backend names an engine NewEngine can
// build.
func SupportedBackend(backend string) bool {
	return determineBackend(backend) == BackendTypePipeWire
}
