package viz

import (
	"math"
	"strconv"
	"time"

	"vizql/frame"
)

// jsValue converts a frame value for the browser: times become epoch
// milliseconds, integers JavaScript cannot represent become strings and NaN
// becomes null.
func jsValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UnixMilli()
	case int64:
		if val > frame.MAX_SAFE_INTEGER || val < -frame.MAX_SAFE_INTEGER {
			return strconv.FormatInt(val, 10)
		}
		return float64(val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
	}
	return v
}

func jsFloat(v float64) any {
	return frame.Number(v)
}

// records returns the rows of f as JSON ready maps.
func records(f *frame.Frame) []map[string]any {
	out := make([]map[string]any, 0, f.Len())
	for _, row := range f.Rows {
		rec := make(map[string]any, len(f.Fields))
		for i, fd := range f.Fields {
			rec[fd.Name] = jsValue(row[i])
		}
		out = append(out, rec)
	}
	return out
}

// values returns the rows of f as JSON ready lists.
func values(f *frame.Frame) [][]any {
	out := make([][]any, 0, f.Len())
	for _, row := range f.Rows {
		r := make([]any, len(row))
		for i, v := range row {
			r[i] = jsValue(v)
		}
		out = append(out, r)
	}
	return out
}

// seriesName renders one part of a series key. Empty strings and missing
// values get a visible name.
func seriesName(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		if val == "" {
			return "N/A"
		}
	}
	return frame.Format(v)
}

// compareStrings orders keys made of string parts.
func compareStrings(a, b []string) int {
	for i := range min(len(a), len(b)) {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return len(a) - len(b)
}

// stringColumn returns the values of a column as text.
func stringColumn(f *frame.Frame, name string) []string {
	col := f.Column(name)
	out := make([]string, len(col))
	for i, v := range col {
		out[i] = frame.Format(v)
	}
	return out
}
