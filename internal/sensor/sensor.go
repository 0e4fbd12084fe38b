// Package sensor reads ambient temperature and relative humidity for each
// captured average.
package sensor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Reading is one temperature/humidity pair. Either value may be nil when the
// probe could not provide it.
type Reading struct {
	Temperature *float64
	Humidity    *float64
}

// None is the reading attached when no sensor is configured.
var None = Reading{}

// Reader produces readings on demand.
type Reader interface {
	Read(ctx context.Context) (Reading, error)
}

// parseReading parses a probe response line. Accepted forms are a bare pair
// ("23.4,45.0" or "23.4 45.0") and labelled values ("T=23.4 RH=45.0",
// "temp:23.4;hum:45.0"). "nan" or "-" marks a missing value.
func parseReading(line string) (Reading, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(line), func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) != 2 {
		return Reading{}, fmt.Errorf("expected 2 values in sensor line %q, got %d", line, len(fields))
	}

	values := make([]*float64, 2)
	for i, f := range fields {
		if k := strings.IndexAny(f, "=:"); k >= 0 {
			f = f[k+1:]
		}
		if f == "-" || strings.EqualFold(f, "nan") {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("invalid sensor value %q: %w", f, err)
		}
		values[i] = &v
	}
	return Reading{Temperature: values[0], Humidity: values[1]}, nil
}
