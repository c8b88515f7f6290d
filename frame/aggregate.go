package frame

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"
)

const (
	SUM    = "sum"
	MEAN   = "mean"
	MIN    = "min"
	MAX    = "max"
	MEDIAN = "median"
	STD    = "std"
	VAR    = "var"
	COUNT  = "count"
)

var aggAliases = map[string]string{
	"avg":       MEAN,
	"stdev":     STD,
	"np.sum":    SUM,
	"np.mean":   MEAN,
	"np.min":    MIN,
	"np.max":    MAX,
	"np.median": MEDIAN,
	"np.std":    STD,
	"np.var":    VAR,
}

// AggFunc normalizes an aggregation name. Unknown names are an error.
func AggFunc(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aggAliases[n]; ok {
		n = alias
	}
	switch n {
	case SUM, MEAN, MIN, MAX, MEDIAN, STD, VAR, COUNT:
		return n, nil
	case "":
		return SUM, nil
	}
	return "", fmt.Errorf("unknown aggregation function %q", name)
}

// Aggregate reduces values, skipping NaN. The sum of nothing is 0, every
// other function of nothing is NaN.
func Aggregate(fn string, values []float64) float64 {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	switch fn {
	case SUM:
		var s float64
		for _, v := range xs {
			s += v
		}
		return s
	case COUNT:
		return float64(len(xs))
	}
	if len(xs) == 0 {
		return math.NaN()
	}
	switch fn {
	case MEAN:
		return stat.Mean(xs, nil)
	case MIN:
		return slices.Min(xs)
	case MAX:
		return slices.Max(xs)
	case MEDIAN:
		slices.Sort(xs)
		n := len(xs)
		if n%2 == 1 {
			return xs[n/2]
		}
		return (xs[n/2-1] + xs[n/2]) / 2
	case STD:
		if len(xs) < 2 {
			return math.NaN()
		}
		return stat.StdDev(xs, nil)
	case VAR:
		if len(xs) < 2 {
			return math.NaN()
		}
		return stat.Variance(xs, nil)
	}
	return math.NaN()
}

type Agg struct {
	Column string
	Func   string
	// As names the output column, Column by default.
	As string
}

func (a Agg) name() string {
	if a.As != "" {
		return a.As
	}
	return a.Column
}

// GroupBy aggregates the rows sharing the same keys. Groups are ordered by
// their keys. Without keys the whole frame is one group.
func (f *Frame) GroupBy(keys []string, aggs ...Agg) *Frame {
	out := &Frame{}
	keyIdx := make([]int, len(keys))
	for i, k := range keys {
		keyIdx[i] = f.Index(k)
		kind := KindOther
		if keyIdx[i] >= 0 {
			kind = f.Fields[keyIdx[i]].Kind
		}
		out.Fields = append(out.Fields, Field{Name: k, Kind: kind})
	}
	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		aggIdx[i] = f.Index(a.Column)
		out.Fields = append(out.Fields, Field{Name: a.name(), Kind: KindNumber})
	}

	groups := Groups(f, keys)
	for _, g := range groups {
		row := slices.Clone(g.Key)
		for i, a := range aggs {
			vals := make([]float64, len(g.Rows))
			for j, r := range g.Rows {
				if aggIdx[i] < 0 {
					vals[j] = math.NaN()
					continue
				}
				vals[j] = Float(f.Rows[r][aggIdx[i]])
			}
			row = append(row, Number(Aggregate(a.Func, vals)))
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

type Group struct {
	Key  []any
	Rows []int
}

// Groups partitions row positions by the values of keys, ordered by key.
func Groups(f *Frame, keys []string) []Group {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = f.Index(k)
	}
	var groups []Group
	pos := map[string]int{}
	for r, row := range f.Rows {
		key := make([]any, len(idx))
		for i, c := range idx {
			if c >= 0 {
				key[i] = row[c]
			}
		}
		id := keyID(key)
		g, ok := pos[id]
		if !ok {
			g = len(groups)
			pos[id] = g
			groups = append(groups, Group{Key: key})
		}
		groups[g].Rows = append(groups[g].Rows, r)
	}
	slices.SortStableFunc(groups, func(a, b Group) int {
		return CompareKeys(a.Key, b.Key)
	})
	return groups
}

func CompareKeys(a, b []any) int {
	for i := range min(len(a), len(b)) {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func keyID(key []any) string {
	var sb strings.Builder
	for _, v := range key {
		fmt.Fprintf(&sb, "%T:%v\x00", v, v)
	}
	return sb.String()
}
