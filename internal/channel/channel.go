// Package channel models the physical channel rosters of a measurement rig
// and the grouping of channels into logical arrays.
package channel

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Kind is the direction of a roster.
type Kind string

const (
	KindIn  Kind = "in"
	KindOut Kind = "out"
)

// Channel identifies one physical channel. Number is the 1-based index into
// the device's multichannel buffer.
type Channel struct {
	Number int    `yaml:"number" mapstructure:"number"`
	Name   string `yaml:"name" mapstructure:"name"`
	Code   string `yaml:"code" mapstructure:"code"`
}

func (c Channel) String() string {
	return fmt.Sprintf("%d:%s(%s)", c.Number, c.Code, c.Name)
}

// List is an ordered roster of channels for one direction plus the named
// groups formed from them.
type List struct {
	kind     Kind
	channels []Channel
	groups   map[string][]int
}

// NewList creates a roster of the given kind holding channels in order.
func NewList(kind Kind, channels ...Channel) (*List, error) {
	if kind != KindIn && kind != KindOut {
		return nil, fmt.Errorf("%w: roster kind must be 'in' or 'out', got %q", fault.ErrValidation, kind)
	}
	l := &List{kind: kind, groups: map[string][]int{}}
	for _, ch := range channels {
		if err := l.Append(ch); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Kind returns the roster direction.
func (l *List) Kind() Kind { return l.kind }

// Len returns the number of channels.
func (l *List) Len() int { return len(l.channels) }

// Append adds ch to the end of the roster.
func (l *List) Append(ch Channel) error {
	if _, ok := l.byNumber(ch.Number); ok {
		return fmt.Errorf("%w: number %d already in %s roster", fault.ErrDuplicateChannel, ch.Number, l.kind)
	}
	l.channels = append(l.channels, ch)
	return nil
}

// Channels returns a copy of the roster in order.
func (l *List) Channels() []Channel {
	return slices.Clone(l.channels)
}

// Numbers returns the channel numbers in roster order.
func (l *List) Numbers() []int {
	out := make([]int, len(l.channels))
	for i, ch := range l.channels {
		out[i] = ch.Number
	}
	return out
}

// Codes returns the channel codes in roster order.
func (l *List) Codes() []string {
	out := make([]string, len(l.channels))
	for i, ch := range l.channels {
		out[i] = ch.Code
	}
	return out
}

// Lookup resolves ref to a channel of this roster.
func (l *List) Lookup(ref Ref) (Channel, error) {
	var (
		ch Channel
		ok bool
	)
	switch ref.by {
	case byNumber:
		ch, ok = l.byNumber(ref.num)
	case byCode:
		ch, ok = l.find(func(c Channel) bool { return c.Code == ref.text })
	case byName:
		ch, ok = l.find(func(c Channel) bool { return c.Name == ref.text })
	case byText:
		ch, ok = l.find(func(c Channel) bool { return c.Code == ref.text })
		if !ok {
			ch, ok = l.find(func(c Channel) bool { return c.Name == ref.text })
		}
	}
	if !ok {
		return Channel{}, fmt.Errorf("%w: channel %s in %s roster", fault.ErrNotFound, ref, l.kind)
	}
	return ch, nil
}

// Has reports whether ref resolves to a channel of this roster.
func (l *List) Has(ref Ref) bool {
	_, err := l.Lookup(ref)
	return err == nil
}

// Groups returns a copy of the group mapping.
func (l *List) Groups() map[string][]int {
	out := make(map[string][]int, len(l.groups))
	for name, members := range l.groups {
		out[name] = slices.Clone(members)
	}
	return out
}

// GroupNames returns the declared group names, sorted.
func (l *List) GroupNames() []string {
	names := slices.Collect(maps.Keys(l.groups))
	sort.Strings(names)
	return names
}

// Group returns the members of the named group.
func (l *List) Group(name string) ([]int, bool) {
	members, ok := l.groups[name]
	return slices.Clone(members), ok
}

// SetGroups replaces the group mapping. Every member must exist in the roster,
// groups must be non-empty and a channel may belong to one group only.
func (l *List) SetGroups(groups map[string][]int) error {
	owner := map[int]string{}
	next := make(map[string][]int, len(groups))
	for _, name := range sortedKeys(groups) {
		members := groups[name]
		if name == "" {
			return fmt.Errorf("%w: empty group name", fault.ErrInvalidGroup)
		}
		if len(members) == 0 {
			return fmt.Errorf("%w: group %q has no members", fault.ErrInvalidGroup, name)
		}
		for _, num := range members {
			if _, ok := l.byNumber(num); !ok {
				return fmt.Errorf("%w: group %q references channel %d which isn't a valid %sput channel",
					fault.ErrInvalidGroup, name, num, l.kind)
			}
			if prev, dup := owner[num]; dup {
				return fmt.Errorf("%w: channel %d is in both %q and %q", fault.ErrInvalidGroup, num, prev, name)
			}
			owner[num] = name
		}
		next[name] = slices.Clone(members)
	}
	l.groups = next
	return nil
}

// IsGrouped reports whether the referenced channel belongs to any group.
func (l *List) IsGrouped(ref Ref) (bool, error) {
	ch, err := l.Lookup(ref)
	if err != nil {
		return false, err
	}
	_, grouped := l.GroupNameOf(ch.Number)
	return grouped, nil
}

// GroupMembers returns the members of num's group in group order. num itself
// is included only when includeSelf is set. An ungrouped channel has no
// members.
func (l *List) GroupMembers(num int, includeSelf bool) []int {
	name, ok := l.GroupNameOf(num)
	if !ok {
		return []int{}
	}
	members := make([]int, 0, len(l.groups[name]))
	for _, m := range l.groups[name] {
		if m == num && !includeSelf {
			continue
		}
		members = append(members, m)
	}
	return members
}

// GroupNameOf returns the name of num's group. ok is false when num is
// ungrouped.
func (l *List) GroupNameOf(num int) (name string, ok bool) {
	for _, g := range sortedKeys(l.groups) {
		if slices.Contains(l.groups[g], num) {
			return g, true
		}
	}
	return "", false
}

// CopyGroupsFrom rebuilds the group mapping from other. For every channel of l
// that has an identical channel (same number, name and code) grouped in other,
// the group is recreated here with the members l also holds, numbered as in l.
func (l *List) CopyGroupsFrom(other *List) error {
	groups := map[string][]int{}
	for _, ch := range l.channels {
		if !other.hasIdentical(ch) {
			continue
		}
		name, ok := other.GroupNameOf(ch.Number)
		if !ok {
			continue
		}
		if _, done := groups[name]; done {
			continue
		}
		var members []int
		for _, num := range other.groups[name] {
			theirs, _ := other.byNumber(num)
			if l.hasIdentical(theirs) {
				members = append(members, theirs.Number)
			}
		}
		groups[name] = members
	}
	return l.SetGroups(groups)
}

// Sub returns a new roster of the same kind with the given channels, in the
// given order. Groups are not carried over.
func (l *List) Sub(numbers ...int) (*List, error) {
	sub := &List{kind: l.kind, groups: map[string][]int{}}
	for _, num := range numbers {
		ch, err := l.Lookup(Num(num))
		if err != nil {
			return nil, err
		}
		if err := sub.Append(ch); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// Equal reports whether l and other hold the same kind, channels and groups.
func (l *List) Equal(other *List) bool {
	if l == nil || other == nil {
		return l == other
	}
	return l.kind == other.kind &&
		slices.Equal(l.channels, other.channels) &&
		maps.EqualFunc(l.groups, other.groups, slices.Equal[[]int])
}

func (l *List) String() string {
	return fmt.Sprintf("%s%v groups=%v", l.kind, l.channels, l.groups)
}

func (l *List) byNumber(num int) (Channel, bool) {
	return l.find(func(c Channel) bool { return c.Number == num })
}

func (l *List) find(match func(Channel) bool) (Channel, bool) {
	for _, ch := range l.channels {
		if match(ch) {
			return ch, true
		}
	}
	return Channel{}, false
}

func (l *List) hasIdentical(ch Channel) bool {
	_, ok := l.find(func(c Channel) bool { return c == ch })
	return ok
}

func sortedKeys(m map[string][]int) []string {
	keys := slices.Collect(maps.Keys(m))
	sort.Strings(keys)
	return keys
}

type refBy int

const (
	byNumber refBy = iota
	byCode
	byName
	byText
)

// Ref references a channel by number, code or name.
type Ref struct {
	by   refBy
	num  int
	text string
}

// Num references a channel by its number.
func Num(n int) Ref { return Ref{by: byNumber, num: n} }

// Code references a channel by its code.
func Code(code string) Ref { return Ref{by: byCode, text: code} }

// Named references a channel by its human-readable name.
func Named(name string) Ref { return Ref{by: byName, text: name} }

// Text references a channel by code, falling back to name.
func Text(s string) Ref { return Ref{by: byText, text: s} }

func (r Ref) String() string {
	switch r.by {
	case byNumber:
		return strconv.Itoa(r.num)
	case byCode:
		return "code " + strconv.Quote(r.text)
	case byName:
		return "name " + strconv.Quote(r.text)
	default:
		return strconv.Quote(r.text)
	}
}
