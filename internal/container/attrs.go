package container

import (
	"fmt"
	"math"

	"github.com/audiolibrelab/roomir/internal/fault"
)

// Attribute values are restricted to YAML scalars and flat lists of them. A
// nil value is the "none" sentinel. After a round trip through a backend
// integers come back as int, reals as float64 or int, and lists as []any, so
// readers go through the typed accessors below.

// SetAttr stores value under key.
func (g *Group) SetAttr(key string, value any) {
	if g.Attrs == nil {
		g.Attrs = map[string]any{}
	}
	g.Attrs[key] = value
}

// SetOptFloat stores *v, or none when v is nil.
func (g *Group) SetOptFloat(key string, v *float64) {
	if v == nil {
		g.SetAttr(key, nil)
		return
	}
	g.SetAttr(key, *v)
}

// SetOptString stores s, or none when s is empty.
func (g *Group) SetOptString(key, s string) {
	if s == "" {
		g.SetAttr(key, nil)
		return
	}
	g.SetAttr(key, s)
}

// Attr returns the raw value stored under key.
func (g *Group) Attr(key string) (any, bool) {
	v, ok := g.Attrs[key]
	return v, ok
}

// IsNone reports whether key holds the none sentinel.
func (g *Group) IsNone(key string) bool {
	v, ok := g.Attrs[key]
	return ok && v == nil
}

func (g *Group) attr(key string) (any, error) {
	v, ok := g.Attrs[key]
	if !ok {
		return nil, fmt.Errorf("%w: attribute %q", fault.ErrMissing, key)
	}
	return v, nil
}

// String returns a string attribute.
func (g *Group) String(key string) (string, error) {
	v, err := g.attr(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", typeError(key, "string", v)
	}
	return s, nil
}

// OptString returns a string attribute, or "" for none.
func (g *Group) OptString(key string) (string, error) {
	if g.IsNone(key) {
		return "", nil
	}
	return g.String(key)
}

// Int returns an integer attribute.
func (g *Group) Int(key string) (int, error) {
	v, err := g.attr(key)
	if err != nil {
		return 0, err
	}
	n, ok := toInt(v)
	if !ok {
		return 0, typeError(key, "int", v)
	}
	return n, nil
}

// Float returns a real attribute. Integers are widened.
func (g *Group) Float(key string) (float64, error) {
	v, err := g.attr(key)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, typeError(key, "float", v)
	}
	return f, nil
}

// OptFloat returns a real attribute, or nil for none.
func (g *Group) OptFloat(key string) (*float64, error) {
	if g.IsNone(key) {
		return nil, nil
	}
	f, err := g.Float(key)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Bool returns a boolean attribute.
func (g *Group) Bool(key string) (bool, error) {
	v, err := g.attr(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeError(key, "bool", v)
	}
	return b, nil
}

// Ints returns a list-of-integers attribute.
func (g *Group) Ints(key string) ([]int, error) {
	v, err := g.attr(key)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case []int:
		return append([]int(nil), list...), nil
	case []any:
		out := make([]int, len(list))
		for i, item := range list {
			n, ok := toInt(item)
			if !ok {
				return nil, typeError(fmt.Sprintf("%s[%d]", key, i), "int", item)
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, typeError(key, "[]int", v)
}

// Strings returns a list-of-strings attribute. None items decode as "".
func (g *Group) Strings(key string) ([]string, error) {
	v, err := g.attr(key)
	if err != nil {
		return nil, err
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			if item == nil {
				continue
			}
			s, ok := item.(string)
			if !ok {
				return nil, typeError(fmt.Sprintf("%s[%d]", key, i), "string", item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, typeError(key, "[]string", v)
}

// NoneStrings converts "" items to the none sentinel, for use with SetAttr.
func NoneStrings(items ...string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		if s != "" {
			out[i] = s
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func typeError(key, want string, got any) error {
	return fmt.Errorf("%w: attribute %q is %T, want %s", fault.ErrStorage, key, got, want)
}
