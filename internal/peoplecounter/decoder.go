// Package peoplecounter drives a people counter that packs its count and the
// direction of the last passage into one Analog Input presentValue.
package peoplecounter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Direction is the state_peoplecounter capability value.
type Direction string

const (
	DirectionReady Direction = "ready"
	DirectionIn    Direction = "in"
	DirectionOut   Direction = "out"
)

// ParseDirection maps a stored capability value back to a Direction.
// Anything unrecognised, including a missing value, is ready.
func ParseDirection(v any) Direction {
	s, _ := v.(string)
	switch Direction(s) {
	case DirectionIn:
		return DirectionIn
	case DirectionOut:
		return DirectionOut
	}
	return DirectionReady
}

// Reading is one decoded presentValue.
type Reading struct {
	Count     int
	Direction Direction
}

// ErrMalformedReading is returned for text that is not a plain non-negative
// decimal number.
var ErrMalformedReading = errors.New("malformed people counter reading")

// directionFromCode maps the first fractional digit. Codes above 2 are sent
// by some firmware revisions on outgoing passages.
func directionFromCode(code int) Direction {
	switch {
	case code == 1:
		return DirectionIn
	case code >= 2:
		return DirectionOut
	}
	return DirectionReady
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Decode splits raw at the decimal point: the integer part is the count and
// the first fractional digit the direction code. A direction equal to prev
// is a repeat of the same passage and collapses to ready.
func Decode(raw string, prev Direction) (Reading, error) {
	intPart, frac, _ := strings.Cut(raw, ".")
	if intPart == "" || !allDigits(intPart) || !allDigits(frac) {
		return Reading{}, fmt.Errorf("%q: %w", raw, ErrMalformedReading)
	}
	count, err := strconv.Atoi(intPart)
	if err != nil {
		return Reading{}, fmt.Errorf("%q: %w", raw, ErrMalformedReading)
	}

	code := 0
	if frac != "" {
		code = int(frac[0] - '0')
	}
	dir := directionFromCode(code)
	if dir != DirectionReady && dir == prev {
		dir = DirectionReady
	}
	return Reading{Count: count, Direction: dir}, nil
}

// DecodeValue decodes a presentValue as received over the air. The value is
// a single-precision float, so it is formatted at 32-bit precision to get
// the digits the device meant (12.1, not 12.100000381469727).
func DecodeValue(v float64, prev Direction) (Reading, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return Reading{}, fmt.Errorf("%v: %w", v, ErrMalformedReading)
	}
	return Decode(strconv.FormatFloat(v, 'f', -1, 32), prev)
}

// toFloat converts a decoded attribute or stored capability value.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
