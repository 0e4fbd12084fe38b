// Package measure holds the measurement campaign model: the rig setup, the
// takes executed against it and the per-array things each take produces.
package measure

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Kind is the measurement kind of a take.
type Kind string

const (
	KindRoomIR              Kind = "roomir"
	KindNoiseFloor          Kind = "noisefloor"
	KindMicCalibration      Kind = "miccalibration"
	KindSourceRecalibration Kind = "sourcerecalibration"
)

// Kinds lists every kind in storage order.
var Kinds = []Kind{KindRoomIR, KindNoiseFloor, KindMicCalibration, KindSourceRecalibration}

// ParseKind resolves a kind name. "calibration" is accepted for
// miccalibration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRoomIR, KindNoiseFloor, KindMicCalibration, KindSourceRecalibration:
		return k, nil
	case "calibration":
		return KindMicCalibration, nil
	}
	return "", fmt.Errorf("%w: unknown measurement kind %q", fault.ErrValidation, s)
}

// PlaysExcitation reports whether takes of this kind play an excitation
// through an output channel while recording.
func (k Kind) PlaysExcitation() bool {
	return k == KindRoomIR || k == KindSourceRecalibration
}

// NeedsReceivers reports whether every input selector needs a receiver
// position.
func (k Kind) NeedsReceivers() bool {
	return k == KindRoomIR
}

// AllowsGroups reports whether group selectors are accepted. Calibrations
// address individual channels only.
func (k Kind) AllowsGroups() bool {
	return k == KindRoomIR || k == KindNoiseFloor
}

func (k Kind) namesSource() bool     { return k == KindRoomIR || k == KindSourceRecalibration }
func (k Kind) namesReceiver() bool   { return k == KindRoomIR || k == KindNoiseFloor }
func (k Kind) namesOutput() bool     { return k == KindRoomIR || k == KindSourceRecalibration }
func (k Kind) namesExcitation() bool { return k == KindRoomIR }
