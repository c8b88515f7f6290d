// Package frame holds tabular query results in memory and implements the
// reshaping operations charts are built from: grouping, pivoting,
// resampling and rolling windows.
package frame

import (
	"cmp"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindTime   Kind = "timestamp"
	KindBool   Kind = "boolean"
	KindOther  Kind = "other"
)

// MAX_SAFE_INTEGER is the largest integer a JavaScript number represents
// exactly.
const MAX_SAFE_INTEGER = 1<<53 - 1

type Field struct {
	Name string `json:"name" cbor:"name"`
	Kind Kind   `json:"kind" cbor:"kind"`
}

// Frame is a row oriented table. Numbers are float64, except integers
// outside the exact float64 range which stay int64. Missing values are nil.
type Frame struct {
	Fields []Field `json:"fields" cbor:"fields"`
	Rows   [][]any `json:"rows" cbor:"rows"`
}

func New(fields ...Field) *Frame {
	return &Frame{Fields: fields}
}

func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

func (f *Frame) Empty() bool {
	return f.Len() == 0
}

func (f *Frame) Names() []string {
	names := make([]string, len(f.Fields))
	for i, fd := range f.Fields {
		names[i] = fd.Name
	}
	return names
}

// Index returns the position of the named column or -1.
func (f *Frame) Index(name string) int {
	for i, fd := range f.Fields {
		if fd.Name == name {
			return i
		}
	}
	return -1
}

func (f *Frame) Has(name string) bool {
	return f.Index(name) >= 0
}

func (f *Frame) Kind(name string) Kind {
	if i := f.Index(name); i >= 0 {
		return f.Fields[i].Kind
	}
	return KindOther
}

func (f *Frame) Append(row ...any) {
	f.Rows = append(f.Rows, row)
}

// Column returns the values of a column, nil when it does not exist.
func (f *Frame) Column(name string) []any {
	i := f.Index(name)
	if i < 0 {
		return nil
	}
	out := make([]any, len(f.Rows))
	for r, row := range f.Rows {
		out[r] = row[i]
	}
	return out
}

// Floats returns a column as numbers. Values that are not numeric are NaN.
func (f *Frame) Floats(name string) []float64 {
	i := f.Index(name)
	out := make([]float64, len(f.Rows))
	for r, row := range f.Rows {
		if i < 0 {
			out[r] = math.NaN()
			continue
		}
		out[r] = Float(row[i])
	}
	return out
}

func (f *Frame) Clone() *Frame {
	out := &Frame{Fields: slices.Clone(f.Fields), Rows: make([][]any, len(f.Rows))}
	for i, row := range f.Rows {
		out.Rows[i] = slices.Clone(row)
	}
	return out
}

// Select keeps the named columns in the given order. Unknown names are
// ignored.
func (f *Frame) Select(names ...string) *Frame {
	var idx []int
	out := &Frame{}
	for _, name := range names {
		if i := f.Index(name); i >= 0 {
			idx = append(idx, i)
			out.Fields = append(out.Fields, f.Fields[i])
		}
	}
	out.Rows = make([][]any, len(f.Rows))
	for r, row := range f.Rows {
		nr := make([]any, len(idx))
		for j, i := range idx {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out
}

func (f *Frame) Drop(names ...string) *Frame {
	var keep []string
	for _, fd := range f.Fields {
		if !slices.Contains(names, fd.Name) {
			keep = append(keep, fd.Name)
		}
	}
	return f.Select(keep...)
}

// Rename renames columns in place.
func (f *Frame) Rename(names map[string]string) {
	for i, fd := range f.Fields {
		if to, ok := names[fd.Name]; ok {
			f.Fields[i].Name = to
		}
	}
}

// SetColumn replaces the values of a column or appends a new column.
func (f *Frame) SetColumn(name string, kind Kind, values []any) {
	i := f.Index(name)
	if i < 0 {
		f.Fields = append(f.Fields, Field{Name: name, Kind: kind})
		for r := range f.Rows {
			f.Rows[r] = append(f.Rows[r], values[r])
		}
		return
	}
	f.Fields[i].Kind = kind
	for r := range f.Rows {
		f.Rows[r][i] = values[r]
	}
}

// Map rewrites every value of a column.
func (f *Frame) Map(name string, fn func(v any) any) {
	i := f.Index(name)
	if i < 0 {
		return
	}
	for _, row := range f.Rows {
		row[i] = fn(row[i])
	}
}

func (f *Frame) Filter(keep func(row []any) bool) *Frame {
	out := &Frame{Fields: slices.Clone(f.Fields)}
	for _, row := range f.Rows {
		if keep(row) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func (f *Frame) Head(n int) *Frame {
	if n < 0 || n >= len(f.Rows) {
		return f
	}
	return &Frame{Fields: f.Fields, Rows: f.Rows[:n]}
}

type SortKey struct {
	Name string
	Desc bool
}

// Sort orders rows in place, stable, missing values last.
func (f *Frame) Sort(keys ...SortKey) {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = f.Index(k.Name)
	}
	slices.SortStableFunc(f.Rows, func(a, b []any) int {
		for i, k := range keys {
			if idx[i] < 0 {
				continue
			}
			c := Compare(a[idx[i]], b[idx[i]])
			if k.Desc && a[idx[i]] != nil && b[idx[i]] != nil {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

// Records returns rows as maps keyed by column name.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.Rows))
	for r, row := range f.Rows {
		rec := make(map[string]any, len(f.Fields))
		for i, fd := range f.Fields {
			rec[fd.Name] = row[i]
		}
		out[r] = rec
	}
	return out
}

// Normalize converts the value types a decoder may produce back to the frame
// representation.
func (f *Frame) Normalize() {
	for _, row := range f.Rows {
		for i, v := range row {
			row[i] = Value(v)
		}
	}
}

// Value converts a driver or decoder value to the frame representation.
func Value(v any) any {
	switch val := v.(type) {
	case nil, string, float64, bool, time.Time:
		return v
	case []byte:
		return string(val)
	case float32:
		return float64(val)
	case int:
		return intValue(int64(val))
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return intValue(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint:
		return uintValue(uint64(val))
	case uint64:
		return uintValue(val)
	case *big.Int:
		if val == nil {
			return nil
		}
		if val.IsInt64() {
			return intValue(val.Int64())
		}
		fv, _ := new(big.Float).SetInt(val).Float64()
		return fv
	case fmt.Stringer:
		return val.String()
	}
	return v
}

func intValue(v int64) any {
	if v > MAX_SAFE_INTEGER || v < -MAX_SAFE_INTEGER {
		return v
	}
	return float64(v)
}

func uintValue(v uint64) any {
	if v > MAX_SAFE_INTEGER {
		if v > math.MaxInt64 {
			return float64(v)
		}
		return int64(v)
	}
	return float64(v)
}

// Float reads a value as a number. Non numeric values are NaN.
func Float(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case uint64:
		return float64(val)
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

// Number returns the frame value of a float, nil for NaN.
func Number(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// Compare orders two frame values. nil sorts last; values of different
// kinds order by kind.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	fa, fb := Float(a), Float(b)
	if !math.IsNaN(fa) && !math.IsNaN(fb) {
		return cmp.Compare(fa, fb)
	}
	return cmp.Compare(rank(a), rank(b))
}

func rank(v any) int {
	switch v.(type) {
	case bool:
		return 0
	case float64, int64:
		return 1
	case time.Time:
		return 2
	case string:
		return 3
	}
	return 4
}

// KindOf guesses the kind of a value.
func KindOf(v any) Kind {
	switch v.(type) {
	case string:
		return KindString
	case float64, int64:
		return KindNumber
	case time.Time:
		return KindTime
	case bool:
		return KindBool
	}
	return KindOther
}

// Format renders a value as text, the way exports and series keys show it.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprint(v)
}
