package viz

import (
	"regexp"
	"slices"
	"strings"

	"vizql/frame"
	"vizql/query"
)

func init() {
	register("pie", "Distribution - NVD3 - Pie Chart", func() Viz { return &pieViz{} })
	register("dist_bar", "Distribution - Bar Chart", func() Viz { return &distBarViz{} })
	register("histogram", "Histogram", func() Viz { return &histogramViz{} })
	register("sunburst", "Sunburst", func() Viz { return &sunburstViz{} })
}

// bar is one x/y pair of a distribution chart. X holds the groupby values.
type bar struct {
	X []any `json:"x"`
	Y any   `json:"y"`
}

type barSeries struct {
	Key    string `json:"key"`
	Values []bar  `json:"values"`
}

func indexValues(key []any) []any {
	out := make([]any, len(key))
	for i, k := range key {
		out[i] = jsValue(k)
	}
	return out
}

type pieViz struct{}

func (v *pieViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return vc.baseQuery(false)
}

func (v *pieViz) Data(vc *Context, f *frame.Frame) (any, error) {
	metrics := vc.metricLabels()
	if len(metrics) == 0 {
		return []bar{}, nil
	}
	t := frame.Pivot(f, frame.PivotSpec{
		Index:   vc.FormData.Strings("groupby"),
		Columns: vc.FormData.Strings("columns"),
		Values:  metrics[:1],
	})
	if len(t.Columns) == 0 {
		return []bar{}, nil
	}
	order := make([]int, len(t.Index))
	for i := range order {
		order[i] = i
	}
	first := t.Col(0)
	slices.SortStableFunc(order, func(a, b int) int { return -frame.Compare(first[a], first[b]) })

	// Only the last column is drawn.
	last := len(t.Columns) - 1
	out := make([]bar, 0, len(order))
	for _, i := range order {
		out = append(out, bar{X: indexValues(t.Index[i]), Y: jsFloat(t.Values[i][last])})
	}
	return out, nil
}

type distBarViz struct{}

func (v *distBarViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if len(q.Groupby) < len(fd.Strings("groupby"))+len(fd.Strings("columns")) {
		return nil, invalid("Can't have overlap between Series and Breakdowns")
	}
	if len(q.Metrics) == 0 {
		return nil, invalid("Pick at least one metric")
	}
	if len(fd.Strings("groupby")) == 0 {
		return nil, invalid("Pick at least one field for [Series]")
	}
	return q, nil
}

func (v *distBarViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	groupby := fd.Strings("groupby")
	metrics := vc.metricLabels()

	// Bars are ordered by the total of the first metric.
	totals := f.GroupBy(groupby, frame.Agg{Column: metrics[0], Func: frame.SUM})
	tf := totals.Floats(metrics[0])
	order := make([]int, totals.Len())
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return -frame.Compare(tf[a], tf[b]) })

	t := frame.Pivot(f, frame.PivotSpec{
		Index:   groupby,
		Columns: fd.Strings("columns"),
		Values:  metrics,
	})
	if fd.Bool("contribution") {
		t.Fill(0)
		t.Contribution()
	}
	rows := make([]int, 0, len(order))
	for _, o := range order {
		key := totals.Rows[o][:len(groupby)]
		if i := slices.IndexFunc(t.Index, func(k []any) bool { return frame.CompareKeys(k, key) == 0 }); i >= 0 {
			rows = append(rows, i)
		}
	}

	out := []barSeries{}
	for j, key := range t.Columns {
		s := barSeries{}
		switch {
		case len(key) == 1:
			s.Key = frame.Format(key[0])
		case len(metrics) > 1:
			s.Key = frame.KeyName(key)
		default:
			parts := make([]string, len(key)-1)
			for k, p := range key[1:] {
				parts[k] = frame.Format(p)
			}
			s.Key = strings.Join(parts, ", ")
		}
		for _, i := range rows {
			s.Values = append(s.Values, bar{X: indexValues(t.Index[i]), Y: jsFloat(t.Values[i][j])})
		}
		out = append(out, s)
	}
	return out, nil
}

var nonWord = regexp.MustCompile(`\W+`)

type histogramViz struct{}

type histogramSeries struct {
	Key    string `json:"key"`
	Values []any  `json:"values"`
}

func (v *histogramViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	numeric := vc.FormData.Strings("all_columns_x")
	if len(numeric) == 0 {
		return nil, invalid("Must have at least one numeric column specified")
	}
	q.Columns = slices.Concat(numeric, vc.FormData.Strings("groupby"))
	q.Groupby = nil
	q.Metrics = nil
	return q, nil
}

func (v *histogramViz) Data(vc *Context, f *frame.Frame) (any, error) {
	columns := vc.FormData.Strings("all_columns_x")
	out := []histogramSeries{}
	for _, g := range frame.Groups(f, vc.FormData.Strings("groupby")) {
		parts := make([]string, len(g.Key))
		for i, k := range g.Key {
			parts[i] = nonWord.ReplaceAllString(frame.Format(k), "_")
		}
		for _, c := range columns {
			col := f.Column(c)
			vals := make([]any, len(g.Rows))
			for k, r := range g.Rows {
				vals[k] = jsValue(col[r])
			}
			out = append(out, histogramSeries{
				Key:    strings.Join(append([]string{c}, parts...), "__"),
				Values: vals,
			})
		}
	}
	return out, nil
}

type sunburstViz struct{}

func (v *sunburstViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	if second, ok := vc.FormData.MetricRef("secondary_metric"); ok && second.Label() != q.Metrics[0].Label() {
		q.Metrics = append(q.Metrics, second)
	}
	return q, nil
}

// Data returns rows of groupby values followed by the primary and the
// secondary metric. Without a distinct secondary metric the primary one is
// repeated.
func (v *sunburstViz) Data(vc *Context, f *frame.Frame) (any, error) {
	m1 := vc.metricLabel("metric")
	m2 := vc.metricLabel("secondary_metric")
	cols := slices.Concat(vc.FormData.Strings("groupby"), []string{m1})
	if m2 == "" || m2 == m1 {
		m2 = m1
	}
	cols = append(cols, m2)
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = f.Index(c)
	}
	out := make([][]any, 0, f.Len())
	for _, row := range f.Rows {
		r := make([]any, len(idx))
		for i, c := range idx {
			if c >= 0 {
				r[i] = jsValue(row[c])
			}
		}
		out = append(out, r)
	}
	return out, nil
}
