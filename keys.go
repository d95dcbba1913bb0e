package zgraph

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Key is an ordered tuple of column values identifying a row. Single-column
// identities are one-element keys; composite identities compare positionally.
type Key []any

// K builds a Key from its parts.
func K(parts ...any) Key {
	return Key(parts)
}

// String returns the canonical encoding used for stitching and dedupe.
// Each part carries its kind, 'n' for numbers and booleans or 's' for text,
// so a string identity never collides with a numeric one. Keys that are
// Equal encode identically.
func (k Key) String() string {
	var b strings.Builder
	for i, part := range k {
		if i > 0 {
			b.WriteByte('|')
		}
		if isNil(part) {
			b.WriteByte('-')
			continue
		}
		kind, s := normalizeValue(part)
		b.WriteByte(kind)
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}

// Complete reports whether every part is present.
func (k Key) Complete() bool {
	if len(k) == 0 {
		return false
	}
	for _, part := range k {
		if isNil(part) {
			return false
		}
	}
	return true
}

// Equal compares two keys positionally. Numbers of different Go types are
// equal when their values are; a number never equals a string.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if !samePart(k[i], o[i]) {
			return false
		}
	}
	return true
}

// keyOf reads cols from props. The boolean is false when any part is absent or nil.
func keyOf(props map[string]any, cols []string) (Key, bool) {
	k := make(Key, len(cols))
	for i, c := range cols {
		v, ok := props[c]
		if !ok || isNil(v) {
			return nil, false
		}
		k[i] = v
	}
	return k, true
}

// toKey accepts a Key, a []any or a single scalar.
func toKey(v any) Key {
	switch t := v.(type) {
	case nil:
		return nil
	case Key:
		return t
	case []any:
		return Key(t)
	}
	return Key{v}
}

func samePart(a, b any) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	ka, sa := normalizeValue(a)
	kb, sb := normalizeValue(b)
	return ka == kb && sa == sb
}

// sameValue compares two values of one column, handling type conversions
// between driver and caller representations (int vs int64, []byte vs
// string, ...). Unlike key parts the kind is ignored: the column fixes how
// the value is stored, so "50" read back as text and 50 are the same value.
func sameValue(a, b any) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if a == b {
		return true
	}
	_, sa := normalizeValue(a)
	_, sb := normalizeValue(b)
	return sa == sb
}

const (
	kindNumber = 'n'
	kindText   = 's'
)

// normalizeValue renders a scalar so that numerically equal values of
// different Go types produce the same text, and reports its kind.
// Booleans are numbers since SQLite and MySQL store them as 0 and 1.
func normalizeValue(v any) (byte, string) {
	switch t := v.(type) {
	case string:
		return kindText, t
	case []byte:
		return kindText, string(t)
	case bool:
		return kindNumber, boolText(t)
	case int:
		return kindNumber, strconv.FormatInt(int64(t), 10)
	case int64:
		return kindNumber, strconv.FormatInt(t, 10)
	case int32:
		return kindNumber, strconv.FormatInt(int64(t), 10)
	case float64:
		return kindNumber, formatFloat(t)
	case float32:
		return kindNumber, formatFloat(float64(t))
	case time.Time:
		return kindText, t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return kindText, t.String()
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return kindText, ""
		}
		rv = rv.Elem()
	}

	switch {
	case rv.Kind() >= reflect.Int && rv.Kind() <= reflect.Int64:
		return kindNumber, strconv.FormatInt(rv.Int(), 10)
	case rv.Kind() >= reflect.Uint && rv.Kind() <= reflect.Uintptr:
		return kindNumber, strconv.FormatUint(rv.Uint(), 10)
	case rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64:
		return kindNumber, formatFloat(rv.Float())
	case rv.Kind() == reflect.String:
		return kindText, rv.String()
	case rv.Kind() == reflect.Bool:
		return kindNumber, boolText(rv.Bool())
	}

	return kindText, fmt.Sprintf("%v", rv.Interface())
}

func boolText(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
