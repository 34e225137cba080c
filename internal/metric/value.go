// Package metric models telemetry readings that may carry a unit or be
// missing altogether.
package metric

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed reports a token whose numeric part could not be parsed.
var ErrMalformed = errors.New("malformed metric value")

// Kind tags the payload stored in a Value.
type Kind uint8

const (
	KindUnavailable Kind = iota
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "unavailable"
	}
}

// Value is a single reading. The zero Value is unavailable.
type Value struct {
	kind Kind
	i    int64
	f    float64
	unit string
}

// Int returns an integer reading.
func Int(v int64, unit string) Value {
	return Value{kind: KindInt, i: v, unit: unit}
}

// Float returns a floating-point reading.
func Float(v float64, unit string) Value {
	return Value{kind: KindFloat, f: v, unit: unit}
}

// Unavailable returns a reading that the backend could not supply.
func Unavailable() Value {
	return Value{}
}

// notAvailable lists the placeholders nvidia-smi and friends print instead of a number.
var notAvailable = map[string]struct{}{
	"n/a":                        {},
	"[n/a]":                      {},
	"not supported":              {},
	"[not supported]":            {},
	"unknown error":              {},
	"[unknown error]":            {},
	"insufficient permissions":   {},
	"[insufficient permissions]": {},
}

// Parse converts a "<number> <unit>" or "<number>" token into a Value.
// Placeholders and tokens with any other shape yield an unavailable Value;
// a non-numeric leading token yields an error wrapping ErrMalformed.
func Parse(token string) (Value, error) {
	token = strings.TrimSpace(token)
	if _, ok := notAvailable[strings.ToLower(token)]; ok {
		return Unavailable(), nil
	}

	fields := strings.Fields(token)
	var numStr, unit string
	switch len(fields) {
	case 1:
		numStr = fields[0]
	case 2:
		numStr, unit = fields[0], fields[1]
	default:
		return Unavailable(), nil
	}

	if strings.Contains(numStr, ".") {
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return Unavailable(), fmt.Errorf("%w: %q", ErrMalformed, token)
		}
		return Float(f, unit), nil
	}

	i, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return Unavailable(), fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	// -1 is how the text interfaces say "not reported".
	if i == -1 && unit == "" {
		return Unavailable(), nil
	}
	return Int(i, unit), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(token string) Value {
	v, err := Parse(token)
	if err != nil {
		panic(err)
	}
	return v
}

// Available reports whether the Value holds a number.
func (v Value) Available() bool {
	return v.kind != KindUnavailable
}

// Kind returns the payload tag.
func (v Value) Kind() Kind {
	return v.kind
}

// Unit returns the unit suffix, empty when none was reported.
func (v Value) Unit() string {
	return v.unit
}

// WithUnit returns a copy tagged with unit. Unavailable values stay unit-less.
func (v Value) WithUnit(unit string) Value {
	if !v.Available() {
		return v
	}
	v.unit = unit
	return v
}

// Int64 returns the integer payload. Floats are truncated toward zero.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	default:
		return 0, false
	}
}

// Float64 returns the payload as a float.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Rounded returns the nearest integer for display width calculations.
// The stored payload is left untouched.
func (v Value) Rounded() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(math.Round(v.f)), true
	default:
		return 0, false
	}
}

// Ratio returns v/other as a percentage. Unreported operands give an
// unavailable result.
func (v Value) Ratio(other Value) Value {
	if !v.Reported() || !other.Reported() {
		return Unavailable()
	}
	num, _ := v.Float64()
	den, _ := other.Float64()
	if den == 0 {
		return Unavailable()
	}
	return Float(num/den*100, "%")
}

// Equal compares kind, payload and unit.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == other.i && v.unit == other.unit
	case KindFloat:
		return v.f == other.f && v.unit == other.unit
	default:
		return true
	}
}

// NumberString renders the raw payload without the unit.
func (v Value) NumberString() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	default:
		return "N/A"
	}
}

// Reported is Available minus the integer -1 some drivers use for "not
// reported". Display and export paths treat such values as N/A.
func (v Value) Reported() bool {
	return v.Available() && !(v.kind == KindInt && v.i == -1)
}

// String renders "<number><unit>", or "N/A".
func (v Value) String() string {
	if !v.Reported() {
		return "N/A"
	}
	return v.NumberString() + v.unit
}

type jsonValue struct {
	Value json.Number `json:"value"`
	Unit  string      `json:"unit,omitempty"`
}

// MarshalJSON encodes unavailable values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Available() {
		return []byte("null"), nil
	}
	num := v.NumberString()
	// Floats keep a decimal point so they decode back as floats.
	if v.kind == KindFloat && !strings.Contains(num, ".") {
		num += ".0"
	}
	return json.Marshal(jsonValue{Value: json.Number(num), Unit: v.unit})
}

// UnmarshalJSON accepts null, the object form, a bare number, or a text token.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = Unavailable()
		return nil
	}

	if strings.HasPrefix(trimmed, "\"") {
		var token string
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		parsed, err := Parse(token)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var raw jsonValue
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := Parse(raw.Value.String())
		if err != nil {
			return err
		}
		*v = parsed.WithUnit(raw.Unit)
		return nil
	}

	parsed, err := Parse(trimmed)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
