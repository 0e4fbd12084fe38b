package channel

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// document is the textual form of a List.
type document struct {
	Kind     Kind             `yaml:"kind"`
	Channels []Channel        `yaml:"channels"`
	Groups   map[string][]int `yaml:"groups,omitempty"`
}

// MarshalText encodes the roster, its order and its groups as YAML.
func (l *List) MarshalText() ([]byte, error) {
	doc := document{Kind: l.kind, Channels: l.channels}
	if len(l.groups) > 0 {
		doc.Groups = l.groups
	}
	return yaml.Marshal(doc)
}

// UnmarshalText replaces l with the roster encoded in text, re-running the
// same validation as NewList and SetGroups.
func (l *List) UnmarshalText(text []byte) error {
	var doc document
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return fmt.Errorf("%w: decoding channel list: %v", fault.ErrValidation, err)
	}
	decoded, err := NewList(doc.Kind, doc.Channels...)
	if err != nil {
		return err
	}
	if err := decoded.SetGroups(doc.Groups); err != nil {
		return err
	}
	*l = *decoded
	return nil
}

// Parse decodes a roster from its textual form.
func Parse(text string) (*List, error) {
	l := &List{}
	if err := l.UnmarshalText([]byte(text)); err != nil {
		return nil, err
	}
	return l, nil
}
