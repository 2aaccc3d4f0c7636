// Package canon implements the engine's canonical textual form for
// structured data: the only admissible representation fed into the
// hash primitive. Two semantically equal values must always produce
// byte-identical canonical output, and the form must be re-parseable
// into an equal value.
//
// The encoder and parser are hand-written rather than built on
// encoding/json, because encoding/json's key ordering and float
// formatting are not a stable contract across Go versions and the
// specification requires a byte-for-byte stable form independent of
// the standard library's internal choices.
package canon

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// Value is a canonicalizable structured value: null, bool, int64,
// float64, string, an ordered array of Values, or a string-keyed
// object of Values (key order is not significant for an object — the
// encoder always sorts keys — but Parse preserves insertion order in
// Keys for callers that want it).
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Arr    []Value
	Obj    map[string]Value
	Keys   []string // insertion order, populated by Parse; ignored by Marshal
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Array(vs ...Value) Value    { return Value{Kind: KindArray, Arr: vs} }
func Object(m map[string]Value) Value {
	return Value{Kind: KindObject, Obj: m}
}

// Sentinel errors matching the specification's failure-mode names.
var (
	ErrInvalidUTF8  = errors.New("canon: parse_invalid_utf8")
	ErrDuplicateKey = errors.New("canon: parse_duplicate_key")
	ErrNaNOrInf     = errors.New("canon: parse_nan_or_inf")
	ErrStructural   = errors.New("canon: parse_structural")
)

// maxFloatMagnitude bounds the floats this form can emit in fixed
// six-decimal form without resorting to scientific notation, which
// the specification forbids on emit. Values at or beyond this
// magnitude are rejected (Open Question resolved: reject, don't emit
// scientific notation, see DESIGN.md).
const maxFloatMagnitude = 1e18

// Marshal renders v in canonical form.
func Marshal(v Value) ([]byte, error) {
	var sb strings.Builder
	if err := writeValue(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeValue(sb *strings.Builder, v Value) error {
	switch v.Kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		if v.Bool {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindInt:
		sb.WriteString(formatInt(v.Int))
	case KindFloat:
		s, err := formatFloat(v.Float)
		if err != nil {
			return err
		}
		sb.WriteString(s)
	case KindString:
		writeString(sb, v.Str)
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.Arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('{')
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys) // lexicographic UTF-8 codepoint order == byte order for valid UTF-8
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			if err := writeValue(sb, v.Obj[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrStructural, v.Kind)
	}
	return nil
}

func formatInt(i int64) string {
	// strconv already produces shortest decimal form, no leading
	// zeros, leading '-' only if negative.
	return strconv.FormatInt(i, 10)
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", ErrNaNOrInf
	}
	if math.Abs(f) >= maxFloatMagnitude {
		return "", fmt.Errorf("%w: float magnitude %g exceeds fixed-point range", ErrStructural, f)
	}
	return strconv.FormatFloat(f, 'f', 6, 64), nil
}

func writeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '/':
			sb.WriteString(`\/`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// Equal reports whether two canonical byte forms represent the same
// value, by byte comparison (the contract guarantees canonical forms
// are unique, so byte equality is the only check needed).
func Equal(a, b []byte) bool {
	return string(a) == string(b)
}

// Canonicalize parses b and re-marshals it, the round-trip operation
// the specification's parse/emit law is stated against:
// canonical(parse(canonical(x))) == canonical(x).
func Canonicalize(b []byte) ([]byte, error) {
	v, err := Parse(b)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// validateUTF8 is applied to every parsed string and key.
func validateUTF8(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return nil
}
