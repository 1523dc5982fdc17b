package workbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "str"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a cell value: none, int, float, string or bool.
// The zero Value is none.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

// None returns the empty value.
func None() Value { return Value{} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v is the empty value.
func (v Value) IsNone() bool { return v.kind == KindNone }

// AsInt returns the integer payload. ok is false for other kinds.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float payload. ok is false for other kinds.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string payload. ok is false for other kinds.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBool returns the boolean payload. ok is false for other kinds.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Interface returns the payload as a plain Go value (nil for none).
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// Text returns the locale-independent textual form used by the binary codec.
// None encodes as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// ErrBadValueText is returned by ParseText when the text does not match the kind.
var ErrBadValueText = errors.New("malformed value text")

// ParseText is the inverse of Text for the given kind.
func ParseText(kind Kind, text string) (Value, error) {
	switch kind {
	case KindNone:
		return None(), nil
	case KindInt:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: int %q", ErrBadValueText, text)
		}
		return Int(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: float %q", ErrBadValueText, text)
		}
		return Float(f), nil
	case KindString:
		return String(text), nil
	case KindBool:
		switch strings.ToLower(text) {
		case "true", "1", "\x01":
			return Bool(true), nil
		case "false", "0", "\x00", "":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("%w: bool %q", ErrBadValueText, text)
	default:
		return Value{}, fmt.Errorf("%w: unknown kind %d", ErrBadValueText, uint8(kind))
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.kind == KindNone {
		return "<none>"
	}
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	return v.Text()
}

// MarshalJSON encodes none as null and keeps floats distinguishable from
// ints by always emitting a fraction or exponent.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("workbook: cannot encode %v as JSON", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, numbers, strings and booleans. Numbers without
// a fraction or exponent decode as Int.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = None()
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	default:
		text := string(data)
		if !strings.ContainsAny(text, ".eE") {
			if i, err := strconv.ParseInt(text, 10, 64); err == nil {
				*v = Int(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("workbook: invalid JSON value %s", text)
		}
		*v = Float(f)
	}
	return nil
}
