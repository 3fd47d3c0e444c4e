package mermaidetl

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// FieldType is the semantic type of a destination column.
type FieldType string

// Supported field types.
const (
	TypeText      FieldType = "text"
	TypeUUID      FieldType = "uuid"
	TypeInteger   FieldType = "integer"
	TypeFloat     FieldType = "float"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
)

// CoercionError reports a value that could not be converted. The value is
// loaded as NULL; the error is a warning, never a reason to fail a batch.
type CoercionError struct {
	Type   FieldType
	Value  any
	Reason string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot coerce %#v to %s: %s", e.Value, e.Type, e.Reason)
}

// epoch values at or above this magnitude are read as milliseconds.
const epochMillisThreshold = 1e11

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102T150405Z0700",
	"20060102T150405",
	"20060102",
}

var (
	// 1,250 or -12,500,000.5; a comma anywhere else makes the value non-numeric.
	thousandsPattern = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)
	// epoch seconds or milliseconds written as a string.
	epochPattern = regexp.MustCompile(`^-?\d{10}(\d{3})?(\.\d+)?$`)
)

// Coerce converts a raw API value into a value safe for a column of type t.
// Missing values (nil, empty or blank strings) yield (nil, nil). Values that
// cannot be converted yield (nil, *CoercionError). Coerce never panics.
func (t FieldType) Coerce(v any) (any, error) {
	if isMissing(v) {
		return nil, nil
	}

	switch t {
	case TypeText:
		return coerceText(v)
	case TypeUUID:
		return coerceUUID(v)
	case TypeInteger:
		return coerceInteger(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeBoolean:
		return coerceBoolean(v)
	case TypeTimestamp:
		return coerceTimestamp(v)
	default:
		return nil, &CoercionError{Type: t, Value: v, Reason: "unknown field type"}
	}
}

func isMissing(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case json.Number:
		return strings.TrimSpace(string(x)) == ""
	}
	return false
}

func coerceText(v any) (any, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = strconv.FormatBool(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int, int32, int64:
		s = fmt.Sprint(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if isMissing(item) {
				continue
			}
			if _, nested := item.(map[string]any); nested {
				return marshalText(v)
			}
			p, err := coerceText(item)
			if err != nil {
				return nil, err
			}
			if p != nil {
				parts = append(parts, p.(string))
			}
		}
		s = strings.Join(parts, ", ")
	default:
		return marshalText(v)
	}

	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return nil, nil
	}
	return s, nil
}

func marshalText(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &CoercionError{Type: TypeText, Value: v, Reason: err.Error()}
	}
	return norm.NFC.String(string(b)), nil
}

func coerceUUID(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, &CoercionError{Type: TypeUUID, Value: v, Reason: "not a string"}
	}
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, &CoercionError{Type: TypeUUID, Value: v, Reason: err.Error()}
	}
	return id.String(), nil
}

// toFloat reads numeric representations shared by the numeric coercions.
func toFloat(t FieldType, v any) (float64, bool, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		return toFloat(t, string(x))
	case string:
		s := strings.TrimSpace(x)
		if strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
			return 0, false, nil
		}
		if thousandsPattern.MatchString(s) {
			s = strings.ReplaceAll(s, ",", "")
		}
		var err error
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, &CoercionError{Type: t, Value: v, Reason: "not numeric"}
		}
	default:
		return 0, false, &CoercionError{Type: t, Value: v, Reason: fmt.Sprintf("unsupported %T", v)}
	}

	if math.IsNaN(f) {
		return 0, false, nil
	}
	if math.IsInf(f, 0) {
		return 0, false, &CoercionError{Type: t, Value: v, Reason: "out of range"}
	}
	return f, true, nil
}

func coerceFloat(v any) (any, error) {
	f, ok, err := toFloat(TypeFloat, v)
	if err != nil || !ok {
		return nil, err
	}
	return f, nil
}

func coerceInteger(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n, nil
		}
	}

	f, ok, err := toFloat(TypeInteger, v)
	if err != nil || !ok {
		return nil, err
	}
	if f != math.Trunc(f) {
		return nil, &CoercionError{Type: TypeInteger, Value: v, Reason: "not an integer"}
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, &CoercionError{Type: TypeInteger, Value: v, Reason: "out of range"}
	}
	return int64(f), nil
}

func coerceBoolean(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		switch {
		case strings.EqualFold(s, "true") || s == "1":
			return true, nil
		case strings.EqualFold(s, "false") || s == "0":
			return false, nil
		}
	case json.Number:
		return coerceBoolean(string(x))
	case float64, int, int64:
		switch fmt.Sprint(x) {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
	}
	return nil, &CoercionError{Type: TypeBoolean, Value: v, Reason: "unrecognized boolean"}
}

func coerceTimestamp(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if !epochPattern.MatchString(s) {
			return nil, &CoercionError{Type: TypeTimestamp, Value: v, Reason: "unrecognized timestamp"}
		}
	}

	f, ok, err := toFloat(TypeTimestamp, v)
	if err != nil {
		return nil, &CoercionError{Type: TypeTimestamp, Value: v, Reason: "unrecognized timestamp"}
	}
	if !ok {
		return nil, nil
	}
	if math.Abs(f) >= epochMillisThreshold {
		f /= 1000
	}
	// limits keep the result inside the range Postgres and RFC 3339 can express
	if f < -62135596800 || f > 253402300799 {
		return nil, &CoercionError{Type: TypeTimestamp, Value: v, Reason: "out of range"}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
