package common

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"vectordb/internal/errs"
)

// JSONUnmarshal decodes data into a T. Numbers decode as json.Number so
// integer metadata keeps its kind.
func JSONUnmarshal[T any](data []byte) (T, error) {
	var result T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	err := dec.Decode(&result)
	return result, err
}

// ToInt64 converts any Go integer type to int64.
func ToInt64(intValue any) (int64, bool) {
	switch v := intValue.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), v <= math.MaxInt64
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), v <= math.MaxInt64
	}

	return 0, false
}

// NormalizeValue coerces a decoded metadata value into the canonical scalar
// set. Arrays may hold scalars only.
func NormalizeValue(v any) (any, error) {
	return normalizeValue(v, true)
}

func normalizeValue(v any, allowArray bool) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int64:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, errs.InvalidArgument("metadata numbers must be finite")
		}
		return t, nil
	case float32:
		return normalizeValue(float64(t), allowArray)
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, errs.InvalidArgument("invalid metadata number %q", string(t))
		}
		return normalizeValue(f, allowArray)
	case []any:
		if !allowArray {
			return nil, errs.InvalidArgument("nested arrays are not supported in metadata")
		}
		out := make([]any, len(t))
		for i, item := range t {
			nv, err := normalizeValue(item, false)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		if !allowArray {
			return nil, errs.InvalidArgument("nested arrays are not supported in metadata")
		}
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case map[string]any:
		return nil, errs.InvalidArgument("nested objects are not supported in metadata")
	default:
		if i, ok := ToInt64(v); ok {
			return i, nil
		}
		return nil, errs.InvalidArgument("unsupported metadata value of type %T", v)
	}
}

// NormalizeMetadata returns a normalized copy of m.
func NormalizeMetadata(m map[string]any) (Metadata, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if k == "" {
			return nil, errs.InvalidArgument("metadata keys must be non-empty")
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, errs.Wrapf(err, errs.KindInvalidArgument, "metadata field %q", k)
		}
		out[k] = nv
	}
	return out, nil
}

// Clone returns a copy that shares no maps or slices with m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if arr, ok := v.([]any); ok {
			v = append([]any(nil), arr...)
		}
		out[k] = v
	}
	return out
}
