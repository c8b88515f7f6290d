package frame

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

var ruleRe = regexp.MustCompile(`^(\d*)\s*(S|T|min|H|D|W|M|MS|A|AS|Y|YS)$`)

// Rule is a resampling frequency such as "1D", "15min" or "MS".
type Rule struct {
	N    int
	Unit string
}

func ParseRule(s string) (Rule, error) {
	m := ruleRe.FindStringSubmatch(s)
	if m == nil {
		return Rule{}, fmt.Errorf("unsupported resample rule %q", s)
	}
	n := 1
	if m[1] != "" {
		n, _ = strconv.Atoi(m[1])
	}
	if n <= 0 {
		return Rule{}, fmt.Errorf("unsupported resample rule %q", s)
	}
	unit := m[2]
	switch unit {
	case "min":
		unit = "T"
	case "Y":
		unit = "A"
	case "YS":
		unit = "AS"
	}
	return Rule{N: n, Unit: unit}, nil
}

// Bin returns the label of the bucket t falls into. Month, year and week
// buckets ending in a period ("M", "A", "W") are labelled by their last day,
// the start variants by their first day.
func (r Rule) Bin(t time.Time) time.Time {
	switch r.Unit {
	case "S":
		return t.Truncate(time.Duration(r.N) * time.Second)
	case "T":
		return t.Truncate(time.Duration(r.N) * time.Minute)
	case "H":
		return t.Truncate(time.Duration(r.N) * time.Hour)
	case "D":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		if r.N == 1 {
			return day
		}
		days := day.Unix() / 86400
		return time.Unix((days-days%int64(r.N))*86400, 0).In(t.Location())
	case "W":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		end := day.AddDate(0, 0, (7-int(day.Weekday()))%7)
		if r.N == 1 {
			return end
		}
		// 1970-01-04 is the first Sunday after the epoch
		weeks := (end.Unix()/86400 - 3) / 7
		weeks += (int64(r.N) - weeks%int64(r.N)) % int64(r.N)
		return time.Unix((weeks*7+3)*86400, 0).In(t.Location())
	case "MS":
		m := (int(t.Month()) - 1) / r.N * r.N
		return time.Date(t.Year(), time.Month(m+1), 1, 0, 0, 0, 0, t.Location())
	case "M":
		m := (int(t.Month())-1)/r.N*r.N + r.N
		return time.Date(t.Year(), time.Month(m+1), 0, 0, 0, 0, 0, t.Location())
	case "AS":
		return time.Date(t.Year()-t.Year()%r.N, 1, 1, 0, 0, 0, 0, t.Location())
	case "A":
		return time.Date(t.Year()-t.Year()%r.N+r.N-1, 12, 31, 0, 0, 0, 0, t.Location())
	}
	return t
}

// Next returns the label following bin.
func (r Rule) Next(bin time.Time) time.Time {
	switch r.Unit {
	case "S":
		return bin.Add(time.Duration(r.N) * time.Second)
	case "T":
		return bin.Add(time.Duration(r.N) * time.Minute)
	case "H":
		return bin.Add(time.Duration(r.N) * time.Hour)
	case "D":
		return bin.AddDate(0, 0, r.N)
	case "W":
		return bin.AddDate(0, 0, 7*r.N)
	case "MS":
		return bin.AddDate(0, r.N, 0)
	case "M":
		return time.Date(bin.Year(), bin.Month()+time.Month(r.N)+1, 0, 0, 0, 0, 0, bin.Location())
	case "AS":
		return bin.AddDate(r.N, 0, 0)
	case "A":
		return time.Date(bin.Year()+r.N, 12, 31, 0, 0, 0, 0, bin.Location())
	}
	return bin
}

// Resample buckets a table indexed by time into contiguous bins, reducing
// each bin with how. Empty bins are NaN except for sums, which are 0.
func Resample(t *Table, rule string, how string) (*Table, error) {
	r, err := ParseRule(rule)
	if err != nil {
		return nil, err
	}
	fn, err := AggFunc(how)
	if err != nil {
		return nil, err
	}
	out := &Table{IndexNames: t.IndexNames, ColumnNames: t.ColumnNames, Columns: t.Columns}
	if len(t.Index) == 0 {
		return out, nil
	}
	type bucket struct {
		label time.Time
		rows  []int
	}
	var buckets []bucket
	for i, key := range t.Index {
		ts, ok := key[0].(time.Time)
		if !ok {
			return nil, fmt.Errorf("resample needs a time index, got %T", key[0])
		}
		label := r.Bin(ts)
		if len(buckets) == 0 {
			buckets = append(buckets, bucket{label: label})
		}
		for buckets[len(buckets)-1].label.Before(label) {
			buckets = append(buckets, bucket{label: r.Next(buckets[len(buckets)-1].label)})
		}
		last := &buckets[len(buckets)-1]
		if !last.label.Equal(label) {
			return nil, fmt.Errorf("resample needs an ascending time index")
		}
		last.rows = append(last.rows, i)
	}
	for _, b := range buckets {
		row := make([]float64, len(t.Columns))
		for j := range t.Columns {
			vals := make([]float64, len(b.rows))
			for k, i := range b.rows {
				vals[k] = t.Values[i][j]
			}
			row[j] = Aggregate(fn, vals)
		}
		out.Index = append(out.Index, []any{b.label})
		out.Values = append(out.Values, row)
	}
	return out, nil
}

// FillForward carries the last value over missing cells, column by column.
func (t *Table) FillForward() {
	for j := range t.Columns {
		last := math.NaN()
		for _, row := range t.Values {
			if math.IsNaN(row[j]) {
				row[j] = last
			} else {
				last = row[j]
			}
		}
	}
}

// FillBackward carries the next value back over missing cells.
func (t *Table) FillBackward() {
	for j := range t.Columns {
		next := math.NaN()
		for i := len(t.Values) - 1; i >= 0; i-- {
			if math.IsNaN(t.Values[i][j]) {
				t.Values[i][j] = next
			} else {
				next = t.Values[i][j]
			}
		}
	}
}

// Rolling applies a trailing window of size window to every column. A
// window with fewer than minPeriods values is NaN.
func (t *Table) Rolling(kind string, window int, minPeriods int) error {
	fn, err := AggFunc(kind)
	if err != nil {
		return err
	}
	for j := range t.Columns {
		col := t.Col(j)
		out := make([]float64, len(col))
		for i := range col {
			from := max(0, i-window+1)
			n := 0
			for _, v := range col[from : i+1] {
				if !math.IsNaN(v) {
					n++
				}
			}
			if n == 0 || n < minPeriods {
				out[i] = math.NaN()
				continue
			}
			out[i] = Aggregate(fn, col[from:i+1])
		}
		t.SetCol(j, out)
	}
	return nil
}

// CumSum replaces every column with its running total. Missing cells stay
// missing.
func (t *Table) CumSum() {
	for j := range t.Columns {
		var sum float64
		for _, row := range t.Values {
			if math.IsNaN(row[j]) {
				continue
			}
			sum += row[j]
			row[j] = sum
		}
	}
}

// Shift returns a copy whose rows are moved down by periods.
func (t *Table) Shift(periods int) *Table {
	out := t.Clone()
	for i := range out.Values {
		for j := range out.Columns {
			if i-periods < 0 || i-periods >= len(t.Values) {
				out.Values[i][j] = math.NaN()
				continue
			}
			out.Values[i][j] = t.Values[i-periods][j]
		}
	}
	return out
}

// Combine computes fn(a, b) cell by cell for tables of the same shape.
func (t *Table) Combine(other *Table, fn func(a, b float64) float64) {
	for i, row := range t.Values {
		for j := range row {
			row[j] = fn(row[j], other.Values[i][j])
		}
	}
}

// Contribution divides every cell by its row total.
func (t *Table) Contribution() {
	for _, row := range t.Values {
		var sum float64
		for _, v := range row {
			if !math.IsNaN(v) {
				sum += v
			}
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// ColumnSums returns the total of every column.
func (t *Table) ColumnSums() []float64 {
	sums := make([]float64, len(t.Columns))
	for j := range t.Columns {
		sums[j] = Aggregate(SUM, t.Col(j))
	}
	return sums
}
