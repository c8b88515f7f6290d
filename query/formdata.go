package query

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// FormData is the chart configuration sent by clients. Values keep their
// decoded JSON types; the accessors coerce loosely the way form inputs need.
type FormData map[string]any

func (fd FormData) Clone() FormData {
	out := make(FormData, len(fd))
	maps.Copy(out, fd)
	return out
}

func (fd FormData) Has(key string) bool {
	v, ok := fd[key]
	return ok && v != nil
}

func (fd FormData) String(key string) string {
	switch v := fd[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// StringOr returns the value of key, or def when the key is absent.
func (fd FormData) StringOr(key string, def string) string {
	if _, ok := fd[key]; !ok {
		return def
	}
	return fd.String(key)
}

// Strings returns a list value. A single string becomes a one element list
// and empty entries are dropped.
func (fd FormData) Strings(key string) []string {
	var out []string
	switch v := fd[key].(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []string:
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			switch s := item.(type) {
			case string:
				if s != "" {
					out = append(out, s)
				}
			case nil:
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
	}
	return out
}

func (fd FormData) Bool(key string) bool {
	return fd.BoolOr(key, false)
}

func (fd FormData) BoolOr(key string, def bool) bool {
	switch v := fd[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on", "y":
			return true
		case "false", "0", "no", "off", "n", "":
			return false
		}
	case float64:
		return v != 0
	}
	return def
}

// Int returns the integer value of key and whether a usable value exists.
func (fd FormData) Int(key string) (int, bool) {
	f, ok := fd.Float(key)
	return int(f), ok
}

func (fd FormData) IntOr(key string, def int) int {
	if v, ok := fd.Int(key); ok {
		return v
	}
	return def
}

func (fd FormData) Float(key string) (float64, bool) {
	switch v := fd[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// MetricRefs decodes a list of metric references. A single reference is
// accepted too.
func (fd FormData) MetricRefs(key string) []MetricRef {
	var out []MetricRef
	switch v := fd[key].(type) {
	case []any:
		for _, item := range v {
			if ref, ok := metricRefFrom(item); ok {
				out = append(out, ref)
			}
		}
	case []MetricRef:
		out = append(out, v...)
	default:
		if ref, ok := metricRefFrom(v); ok {
			out = append(out, ref)
		}
	}
	return out
}

func (fd FormData) MetricRef(key string) (MetricRef, bool) {
	return metricRefFrom(fd[key])
}

// Decode converts the value of key into out through JSON.
func (fd FormData) Decode(key string, out any) error {
	v, ok := fd[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func metricRefFrom(v any) (MetricRef, bool) {
	switch m := v.(type) {
	case string:
		if m == "" {
			return MetricRef{}, false
		}
		return MetricRef{Name: m}, true
	case MetricRef:
		return m, !m.IsZero()
	case map[string]any:
		b, err := json.Marshal(m)
		if err != nil {
			return MetricRef{}, false
		}
		var adhoc AdhocMetric
		if err := json.Unmarshal(b, &adhoc); err != nil {
			return MetricRef{}, false
		}
		return MetricRef{Adhoc: &adhoc}, true
	}
	return MetricRef{}, false
}
