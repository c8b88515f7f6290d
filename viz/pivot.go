package viz

import (
	"math"
	"slices"
	"time"

	"vizql/frame"
	"vizql/query"
)

const (
	SUBTOTAL_LABEL = "‹Subtotal›"
	ALL_LABEL      = "‹All›"
)

func init() {
	register("pivot_table", "Pivot Table", func() Viz { return &pivotViz{} })
}

type pivotViz struct{}

type pivotData struct {
	IndexNames  []string `json:"index_names"`
	ColumnNames []string `json:"column_names"`
	Columns     [][]any  `json:"columns"`
	Index       [][]any  `json:"index"`
	Data        [][]any  `json:"data"`
}

func (v *pivotViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	groupby := vc.FormData.Strings("groupby")
	columns := vc.FormData.Strings("columns")
	if len(groupby) == 0 {
		return nil, invalid("Please choose at least one 'Group by' field")
	}
	if len(q.Metrics) == 0 {
		return nil, invalid("Please choose at least one metric")
	}
	if overlap(groupby, columns) {
		return nil, invalid("'Group By' and 'Columns' can't overlap")
	}
	return q, nil
}

func (v *pivotViz) Data(vc *Context, f *frame.Frame) (any, error) {
	t, err := v.table(vc, f)
	if err != nil {
		return nil, err
	}
	out := pivotData{
		IndexNames:  t.IndexNames,
		ColumnNames: t.ColumnNames,
		Columns:     t.Columns,
		Index:       make([][]any, len(t.Index)),
		Data:        make([][]any, len(t.Values)),
	}
	for i, key := range t.Index {
		out.Index[i] = make([]any, len(key))
		for k, x := range key {
			out.Index[i][k] = jsValue(x)
		}
		out.Data[i] = make([]any, len(t.Values[i]))
		for j, x := range t.Values[i] {
			out.Data[i][j] = jsFloat(x)
		}
	}
	return out, nil
}

func (v *pivotViz) ExportFrame(vc *Context, f *frame.Frame) (*frame.Frame, error) {
	t, err := v.table(vc, f)
	if err != nil {
		return nil, err
	}
	return t.Frame(), nil
}

// table pivots the frame and adds the requested subtotals and margins.
func (v *pivotViz) table(vc *Context, f *frame.Frame) (*frame.Table, error) {
	fd := vc.FormData
	groupby := fd.Strings("groupby")
	columns := fd.Strings("columns")
	metrics := vc.metricLabels()

	f = f.Clone()
	if fd.String("granularity") == "all" && f.Has(query.DTTM_ALIAS) {
		f = f.Drop(query.DTTM_ALIAS)
	}
	loc := vc.location()
	for i, field := range f.Fields {
		if field.Kind != frame.KindTime {
			continue
		}
		f.Fields[i].Kind = frame.KindString
		f.Map(field.Name, func(x any) any {
			if t, ok := x.(time.Time); ok {
				return t.In(loc).Format("2006-01-02 15:04:05")
			}
			return x
		})
	}

	aggs, err := metricAggs(fd, "sub_totals_metrics", metrics)
	if err != nil {
		return nil, err
	}
	t := frame.Pivot(f, frame.PivotSpec{
		Index:   groupby,
		Columns: columns,
		Values:  metrics,
		Agg:     frame.SUM,
		Aggs:    aggs,
	})
	t = dropEmptyColumns(t)

	var rowLevels, colLevels []int
	if fd.BoolOr("rows_sub_totals", true) {
		for _, c := range fd.Strings("sub_totals_by_rows") {
			if i := slices.Index(groupby, c); i >= 0 {
				rowLevels = append(rowLevels, i)
			}
		}
	}
	if fd.BoolOr("column_sub_totals", true) {
		for _, c := range fd.Strings("sub_totals_by_columns") {
			if i := slices.Index(columns, c); i >= 0 {
				// column keys start with the metric
				colLevels = append(colLevels, i+1)
			}
		}
	}
	if len(rowLevels) > 0 {
		t = rowSubtotals(t, subtotalPlan(t.Index, rowLevels), aggs)
	}
	if len(colLevels) > 0 {
		t = columnSubtotals(t, subtotalPlan(t.Columns, colLevels), aggs)
	}

	if fd.Bool("pivot_margins") {
		totals, err := metricAggs(fd, "totals_agg_funcs", metrics)
		if err != nil {
			return nil, err
		}
		addMargins(t, totals, len(columns))
	}

	t = orderByMetric(t, metrics)
	if fd.Bool("combine_metric") {
		t = combineMetric(t)
	}

	for i, name := range t.IndexNames {
		t.IndexNames[i] = vc.verbose(name)
	}
	for i, name := range t.ColumnNames {
		if name != "" {
			t.ColumnNames[i] = vc.verbose(name)
		}
	}
	for j, key := range t.Columns {
		nk := slices.Clone(key)
		for k, part := range nk {
			if s, ok := part.(string); ok && slices.Contains(metrics, s) {
				nk[k] = vc.verbose(s)
			}
		}
		t.Columns[j] = nk
	}
	return t, nil
}

// metricAggs reads a list of {optionName, aggregate} pairs. Metrics without
// an entry aggregate with sum.
func metricAggs(fd query.FormData, key string, metrics []string) (map[string]string, error) {
	var items []struct {
		OptionName string `json:"optionName"`
		Aggregate  string `json:"aggregate"`
	}
	if err := fd.Decode(key, &items); err != nil {
		return nil, invalid("%s", err)
	}
	out := make(map[string]string, len(metrics))
	for _, m := range metrics {
		out[m] = frame.SUM
	}
	for _, it := range items {
		fn, err := frame.AggFunc(it.Aggregate)
		if err != nil {
			return nil, invalid("%s", err)
		}
		out[it.OptionName] = fn
	}
	return out, nil
}

type slot struct {
	key []any
	// leaf is the source position, -1 for subtotals over members.
	leaf    int
	members []int
}

// subtotalPlan lays out sorted keys with a subtotal slot after every group
// of the listed levels. The last level never gets a subtotal: its groups are
// single keys. A group with one member still gets its subtotal.
func subtotalPlan(keys [][]any, levels []int) []slot {
	if len(keys) == 0 {
		return nil
	}
	n := len(keys[0])
	var plan []slot
	var walk func(members []int, depth int)
	walk = func(members []int, depth int) {
		if depth >= n-1 {
			for _, m := range members {
				plan = append(plan, slot{key: keys[m], leaf: m})
			}
			return
		}
		for start := 0; start < len(members); {
			end := start + 1
			for end < len(members) && frame.Compare(keys[members[end]][depth], keys[members[start]][depth]) == 0 {
				end++
			}
			group := members[start:end]
			walk(group, depth+1)
			if slices.Contains(levels, depth) {
				key := slices.Clone(keys[group[0]][:depth+1])
				key = append(key, SUBTOTAL_LABEL)
				for len(key) < n {
					key = append(key, "")
				}
				plan = append(plan, slot{key: key, leaf: -1, members: slices.Clone(group)})
			}
			start = end
		}
	}
	all := make([]int, len(keys))
	for i := range all {
		all[i] = i
	}
	walk(all, 0)
	return plan
}

func dropEmptyColumns(t *frame.Table) *frame.Table {
	var keep []int
	for j := range t.Columns {
		if slices.ContainsFunc(t.Col(j), func(x float64) bool { return !math.IsNaN(x) }) {
			keep = append(keep, j)
		}
	}
	if len(keep) == len(t.Columns) {
		return t
	}
	return t.SelectColumns(keep)
}

func metricOf(key []any) string {
	if len(key) == 0 {
		return ""
	}
	return frame.Format(key[0])
}

func rowSubtotals(t *frame.Table, plan []slot, aggs map[string]string) *frame.Table {
	out := &frame.Table{IndexNames: t.IndexNames, ColumnNames: t.ColumnNames, Columns: t.Columns}
	for _, s := range plan {
		out.Index = append(out.Index, s.key)
		if s.leaf >= 0 {
			out.Values = append(out.Values, slices.Clone(t.Values[s.leaf]))
			continue
		}
		row := make([]float64, len(t.Columns))
		for j, key := range t.Columns {
			cells := make([]float64, len(s.members))
			for k, m := range s.members {
				cells[k] = t.Values[m][j]
			}
			row[j] = frame.Aggregate(aggs[metricOf(key)], cells)
		}
		out.Values = append(out.Values, row)
	}
	return out
}

func columnSubtotals(t *frame.Table, plan []slot, aggs map[string]string) *frame.Table {
	out := &frame.Table{IndexNames: t.IndexNames, ColumnNames: t.ColumnNames, Index: t.Index}
	for _, s := range plan {
		col := make([]float64, len(t.Index))
		for i, row := range t.Values {
			if s.leaf >= 0 {
				col[i] = row[s.leaf]
				continue
			}
			cells := make([]float64, len(s.members))
			for k, m := range s.members {
				cells[k] = row[m]
			}
			col[i] = frame.Aggregate(aggs[metricOf(s.key)], cells)
		}
		out.AddColumn(s.key, col)
	}
	if out.Values == nil {
		out.Values = make([][]float64, len(t.Index))
	}
	return out
}

func isSubtotal(key []any) bool {
	return slices.Contains(key, any(SUBTOTAL_LABEL))
}

// addMargins appends a total row over the non subtotal rows and, with
// column fields, one total column per metric over its non subtotal columns.
func addMargins(t *frame.Table, aggs map[string]string, columnFields int) {
	total := make([]float64, len(t.Columns))
	for j, key := range t.Columns {
		var cells []float64
		for i, row := range t.Values {
			if !isSubtotal(t.Index[i]) {
				cells = append(cells, row[j])
			}
		}
		total[j] = frame.Aggregate(aggs[metricOf(key)], cells)
	}
	key := []any{ALL_LABEL}
	for len(key) < len(t.IndexNames) {
		key = append(key, "")
	}
	t.Index = append(t.Index, key)
	t.Values = append(t.Values, total)

	if columnFields == 0 {
		return
	}
	var metrics []string
	for _, key := range t.Columns {
		if m := metricOf(key); !slices.Contains(metrics, m) {
			metrics = append(metrics, m)
		}
	}
	sources := slices.Clone(t.Columns)
	for _, m := range metrics {
		col := make([]float64, len(t.Values))
		for i, row := range t.Values {
			var cells []float64
			for j, key := range sources {
				if metricOf(key) == m && !isSubtotal(key) {
					cells = append(cells, row[j])
				}
			}
			col[i] = frame.Aggregate(aggs[m], cells)
		}
		key := []any{m}
		for range columnFields {
			key = append(key, ALL_LABEL)
		}
		t.AddColumn(key, col)
	}
}

// orderByMetric groups columns by metric in the order the metrics were
// selected.
func orderByMetric(t *frame.Table, metrics []string) *frame.Table {
	idx := make([]int, len(t.Columns))
	for j := range idx {
		idx[j] = j
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return slices.Index(metrics, metricOf(t.Columns[a])) - slices.Index(metrics, metricOf(t.Columns[b]))
	})
	return t.SelectColumns(idx)
}

// combineMetric moves the metric to the innermost column level so metrics
// show side by side under each column value.
func combineMetric(t *frame.Table) *frame.Table {
	idx := make([]int, len(t.Columns))
	for j := range idx {
		idx[j] = j
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return frame.CompareKeys(t.Columns[a][1:], t.Columns[b][1:])
	})
	out := t.SelectColumns(idx)
	for j, key := range out.Columns {
		out.Columns[j] = append(slices.Clone(key[1:]), key[0])
	}
	out.ColumnNames = append(slices.Clone(t.ColumnNames[1:]), t.ColumnNames[0])
	return out
}

// overlap reports whether two field lists share a name.
func overlap(a, b []string) bool {
	return slices.ContainsFunc(a, func(s string) bool { return slices.Contains(b, s) })
}
