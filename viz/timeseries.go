package viz

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"vizql/executor"
	"vizql/frame"
	"vizql/humantime"
	"vizql/query"
)

func init() {
	register("line", "Time Series - Line Chart", func() Viz { return &timeseriesViz{} })
	register("bar", "Time Series - Bar Chart", func() Viz { return &timeseriesViz{sortSeries: true} })
	register("area", "Time Series - Stacked", func() Viz { return &timeseriesViz{sortSeries: true} })
	register("compare", "Time Series - Percent Change", func() Viz { return &timeseriesViz{} })
	register("horizon", "Horizon Charts", func() Viz { return &timeseriesViz{} })
	register("time_pivot", "Time Series - Period Pivot", func() Viz { return &timePivotViz{timeseriesViz{sortSeries: true}} })
	register("dual_line", "Time Series - Dual Axis Line Chart", func() Viz { return &dualLineViz{} })
	register("rose", "Time Series - Nightingale Rose Chart", func() Viz { return &roseViz{} })
	register("paired_ttest", "Time Series - Paired t-test", func() Viz { return &pairedTTestViz{} })
	register("partition", "Partition Diagram", func() Viz { return &partitionViz{} })
}

const COMPARE_SUFFIX = "---"

type point struct {
	X any `json:"x"`
	Y any `json:"y"`
}

type series struct {
	// Key is the metric name, or the parts of the series key.
	Key     any     `json:"key"`
	Values  []point `json:"values"`
	Classed string  `json:"classed,omitempty"`

	parts []string
}

type timeseriesViz struct {
	sortSeries bool
	// extra holds the time compare overlay.
	extra []series
}

func (v *timeseriesViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return vc.baseQuery(true)
}

func (v *timeseriesViz) Data(vc *Context, f *frame.Frame) (any, error) {
	t, err := v.processData(vc, f, vc.FormData.Strings("groupby"), false)
	if err != nil {
		return nil, err
	}
	return v.chartData(vc, t), nil
}

func (v *timeseriesViz) chartData(vc *Context, t *frame.Table) []series {
	out := v.toSeries(vc, t, "", "")
	if len(v.extra) > 0 {
		out = append(out, v.extra...)
		slices.SortStableFunc(out, func(a, b series) int { return compareStrings(a.parts, b.parts) })
	}
	return out
}

// processData pivots the frame on time and groupby and applies resampling,
// series ordering, contribution, rolling windows and period comparison.
func (v *timeseriesViz) processData(vc *Context, f *frame.Frame, groupby []string, aggregate bool) (*frame.Table, error) {
	fd := vc.FormData
	if fd.String("granularity") == "all" {
		return nil, invalid("Pick a time granularity for your time series")
	}
	spec := frame.PivotSpec{
		Index:   []string{query.DTTM_ALIAS},
		Columns: groupby,
		Values:  vc.metricLabels(),
	}
	if aggregate {
		spec.Agg = frame.SUM
	}
	t := frame.Pivot(f, spec)
	if aggregate {
		t.Fill(0)
	}

	how, rule := fd.String("resample_how"), fd.String("resample_rule")
	if how != "" && rule != "" {
		var err error
		if t, err = frame.Resample(t, rule, how); err != nil {
			return nil, invalid("%s", err)
		}
		switch fd.String("resample_fillmethod") {
		case "ffill", "pad":
			t.FillForward()
		case "bfill", "backfill":
			t.FillBackward()
		default:
			t.Fill(0)
		}
	}

	if v.sortSeries {
		sums := t.ColumnSums()
		idx := make([]int, len(t.Columns))
		for j := range idx {
			idx[j] = j
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			switch {
			case sums[a] > sums[b]:
				return -1
			case sums[a] < sums[b]:
				return 1
			}
			return 0
		})
		t = t.SelectColumns(idx)
	}

	if fd.Bool("contribution") {
		t.Contribution()
	}

	rolling := fd.String("rolling_type")
	periods := fd.IntOr("rolling_periods", 0)
	minPeriods := fd.IntOr("min_periods", 0)
	switch {
	case (rolling == "mean" || rolling == "std" || rolling == "sum") && periods > 0:
		if err := t.Rolling(rolling, periods, minPeriods); err != nil {
			return nil, invalid("%s", err)
		}
	case rolling == "cumsum":
		t.CumSum()
	}
	if minPeriods > 0 {
		t = t.Slice(minPeriods, len(t.Index))
	}

	if n := fd.IntOr("num_period_compare", 0); n > 0 {
		lag := t.Shift(n)
		switch fd.String("period_ratio_type") {
		case "growth":
			t.Combine(lag, func(a, b float64) float64 { return a/b - 1 })
		case "value":
			t.Combine(lag, func(a, b float64) float64 { return a - b })
		default:
			t.Combine(lag, func(a, b float64) float64 { return a / b })
		}
		t = t.Slice(n, len(t.Index))
	}
	return t, nil
}

// toSeries turns every column of a time indexed table into one series. With
// a single metric the metric is left out of grouped series keys.
func (v *timeseriesViz) toSeries(vc *Context, t *frame.Table, classed string, suffix string) []series {
	loc := vc.location()
	single := len(vc.metricLabels()) == 1
	xs := make([]string, len(t.Index))
	for i, key := range t.Index {
		if ts, ok := key[0].(time.Time); ok {
			xs[i] = frame.Format(ts.In(loc))
		} else {
			xs[i] = frame.Format(key[0])
		}
	}
	out := make([]series, 0, len(t.Columns))
	for j, key := range t.Columns {
		parts := make([]string, len(key))
		for k, p := range key {
			parts[k] = seriesName(p)
		}
		s := series{Classed: classed}
		if len(parts) == 1 {
			s.Key = parts[0]
		} else {
			if single {
				parts = parts[1:]
			}
			s.Key = parts
		}
		if suffix != "" {
			parts = append(slices.Clone(parts), suffix)
			s.Key = parts
		}
		s.parts = parts
		s.Values = make([]point, len(xs))
		for i, x := range xs {
			s.Values[i] = point{X: x, Y: jsFloat(t.Values[i][j])}
		}
		out = append(out, s)
	}
	return out
}

// ExtraQueries runs the time compare query: the same query shifted back by
// the requested delta, drawn over the current window.
func (v *timeseriesViz) ExtraQueries(ctx context.Context, vc *Context) error {
	tc := vc.FormData.String("time_compare")
	if tc == "" {
		return nil
	}
	q, err := vc.baseQuery(true)
	if err != nil {
		return err
	}
	delta, err := humantime.ParseTimedelta(tc, vc.now())
	if err != nil {
		return invalid("Invalid time compare %q", tc)
	}
	if delta < 0 {
		delta = -delta
	}
	if q.FromDttm == nil || q.ToDttm == nil {
		return invalid("`Since` and `Until` time bounds should be specified when using the `Time Shift` feature.")
	}
	innerFrom, innerTo := *q.FromDttm, *q.ToDttm
	from, to := innerFrom.Add(-delta), innerTo.Add(-delta)
	q.InnerFromDttm, q.InnerToDttm = &innerFrom, &innerTo
	q.FromDttm, q.ToDttm = &from, &to

	p, err := vc.GetDFPayload(ctx, q, map[string]any{"time_compare": tc})
	if err != nil || p.Status == executor.FAILED || p.Frame == nil {
		vc.logger().WarnContext(ctx, "Time compare query failed",
			slog.String("time_compare", tc),
			slog.Any("error", err),
			slog.String("message", errMessage(p)),
		)
		return nil
	}
	f := p.Frame.Clone()
	f.Map(query.DTTM_ALIAS, func(x any) any {
		if ts, ok := x.(time.Time); ok {
			return ts.Add(delta)
		}
		return x
	})
	t, err := v.processData(vc, f, vc.FormData.Strings("groupby"), false)
	if err != nil {
		return err
	}
	v.extra = v.toSeries(vc, t, "superset", COMPARE_SUFFIX)
	return nil
}

func errMessage(p *DFPayload) string {
	if p == nil {
		return ""
	}
	return p.Error
}

// timePivotViz overlays the periods of a series, the most recent one being
// "current".
type timePivotViz struct {
	timeseriesViz
}

type rankedSeries struct {
	series
	Rank int     `json:"rank"`
	Perc float64 `json:"perc"`
}

func (v *timePivotViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(true)
	if err != nil {
		return nil, err
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	return q, nil
}

func (v *timePivotViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	metric := vc.metricLabel("metric")
	pivotFD := fd.Clone()
	pivotFD["metrics"] = []any{fd["metric"]}
	pvc := *vc
	pvc.FormData = pivotFD
	t, err := v.processData(&pvc, f, fd.Strings("groupby"), false)
	if err != nil {
		return nil, err
	}
	col := slices.IndexFunc(t.Columns, func(key []any) bool { return metricOf(key) == metric })
	if col < 0 {
		return []rankedSeries{}, nil
	}

	periods := make([]time.Time, len(t.Index))
	for i, key := range t.Index {
		ts, _ := key[0].(time.Time)
		if periods[i], err = rollback(ts, fd.String("freq")); err != nil {
			return nil, err
		}
	}
	distinct := slices.Clone(periods)
	slices.SortFunc(distinct, func(a, b time.Time) int { return b.Compare(a) })
	distinct = slices.CompactFunc(distinct, func(a, b time.Time) bool { return a.Equal(b) })
	if len(distinct) == 0 {
		return []rankedSeries{}, nil
	}
	latest := distinct[0]
	maxRank := len(distinct) - 1

	shifted := frame.New(
		frame.Field{Name: query.DTTM_ALIAS, Kind: frame.KindTime},
		frame.Field{Name: "series", Kind: frame.KindString},
		frame.Field{Name: metric, Kind: frame.KindNumber},
	)
	ranks := map[string]int{}
	for i, key := range t.Index {
		ts, _ := key[0].(time.Time)
		rank := slices.IndexFunc(distinct, func(d time.Time) bool { return d.Equal(periods[i]) })
		name := "-" + strconv.Itoa(rank)
		if rank == 0 {
			name = "current"
		}
		ranks[name] = rank
		shifted.Append(ts.Add(latest.Sub(periods[i])), name, frame.Number(t.Values[i][col]))
	}

	pt := frame.Pivot(shifted, frame.PivotSpec{
		Index:   []string{query.DTTM_ALIAS},
		Columns: []string{"series"},
		Values:  []string{metric},
	})
	out := []rankedSeries{}
	for _, s := range v.toSeries(&pvc, pt, "", "") {
		name := s.parts[len(s.parts)-1]
		s.Key = name
		rank := ranks[name]
		out = append(out, rankedSeries{
			series: s,
			Rank:   rank,
			Perc:   1 - float64(rank)/float64(maxRank+1),
		})
	}
	return out, nil
}

// rollback moves t back to the closest date on the given frequency, at
// midnight. Dates already on it stay in place.
func rollback(t time.Time, freq string) (time.Time, error) {
	base := strings.TrimLeft(strings.TrimSpace(freq), "0123456789")
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	weekday, anchored := strings.CutPrefix(base, "W-")
	switch {
	case base == "D" || base == "":
		return day, nil
	case base == "W" || anchored:
		target := time.Sunday
		if anchored {
			wd, ok := weekdays[weekday]
			if !ok {
				return time.Time{}, invalid("Unknown frequency %q", freq)
			}
			target = wd
		}
		back := (int(day.Weekday()) - int(target) + 7) % 7
		return day.AddDate(0, 0, -back), nil
	case base == "MS":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()), nil
	case base == "M":
		end := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location())
		if end.Equal(day) {
			return day, nil
		}
		return time.Date(t.Year(), t.Month(), 0, 0, 0, 0, 0, t.Location()), nil
	case base == "AS" || base == "YS":
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location()), nil
	case base == "A" || base == "Y":
		if day.Month() == time.December && day.Day() == 31 {
			return day, nil
		}
		return time.Date(t.Year()-1, time.December, 31, 0, 0, 0, 0, t.Location()), nil
	}
	return time.Time{}, invalid("Unknown frequency %q", freq)
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

type dualLineViz struct{}

type axisSeries struct {
	Key     string  `json:"key"`
	Classed string  `json:"classed"`
	Values  []point `json:"values"`
	YAxis   int     `json:"yAxis"`
	Type    string  `json:"type"`
}

func (v *dualLineViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(true)
	if err != nil {
		return nil, err
	}
	m1, ok1 := vc.FormData.MetricRef("metric")
	m2, ok2 := vc.FormData.MetricRef("metric_2")
	if !ok1 {
		return nil, invalid("Pick a metric for left axis!")
	}
	if !ok2 {
		return nil, invalid("Pick a metric for right axis!")
	}
	if m1.Label() == m2.Label() {
		return nil, invalid("Please choose different metrics on left and right axis")
	}
	q.Metrics = []query.MetricRef{m1, m2}
	return q, nil
}

func (v *dualLineViz) Data(vc *Context, f *frame.Frame) (any, error) {
	if vc.FormData.String("granularity") == "all" {
		return nil, invalid("Pick a time granularity for your time series")
	}
	metrics := []string{vc.metricLabel("metric"), vc.metricLabel("metric_2")}
	f = f.Clone()
	for _, m := range metrics {
		f.Map(m, func(x any) any {
			if x == nil {
				return 0.0
			}
			return x
		})
	}
	t := frame.Pivot(f, frame.PivotSpec{Index: []string{query.DTTM_ALIAS}, Values: metrics})
	out := []axisSeries{}
	for i, m := range metrics {
		j := slices.IndexFunc(t.Columns, func(key []any) bool { return metricOf(key) == m })
		if j < 0 {
			continue
		}
		s := axisSeries{Key: vc.verbose(m), YAxis: i + 1, Type: "line", Values: make([]point, len(t.Index))}
		for r, key := range t.Index {
			s.Values[r] = point{X: jsValue(key[0]), Y: jsFloat(t.Values[r][j])}
		}
		out = append(out, s)
	}
	return out, nil
}

type roseViz struct {
	timeseriesViz
}

type rosePetal struct {
	Key   any    `json:"key"`
	Value any    `json:"value"`
	Name  string `json:"name"`
	Time  string `json:"time"`
}

func (v *roseViz) Data(vc *Context, f *frame.Frame) (any, error) {
	t, err := v.processData(vc, f, vc.FormData.Strings("groupby"), false)
	if err != nil {
		return nil, err
	}
	out := map[string][]rosePetal{}
	for _, s := range v.chartData(vc, t) {
		name := strings.Join(s.parts, ", ")
		if k, ok := s.Key.(string); ok {
			name = k
		}
		for _, p := range s.Values {
			x := p.X.(string)
			y := p.Y
			if y == nil {
				y = 0.0
			}
			out[x] = append(out[x], rosePetal{Key: s.Key, Value: y, Name: name, Time: x})
		}
	}
	return out, nil
}

type pairedTTestViz struct{}

type ttestGroup struct {
	Group  any     `json:"group"`
	Values []point `json:"values"`
}

func (v *pairedTTestViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return vc.baseQuery(true)
}

func (v *pairedTTestViz) Data(vc *Context, f *frame.Frame) (any, error) {
	groupby := vc.FormData.Strings("groupby")
	t := frame.Pivot(f, frame.PivotSpec{
		Index:   []string{query.DTTM_ALIAS},
		Columns: groupby,
		Values:  vc.metricLabels(),
	})
	out := map[string][]ttestGroup{}
	for j, key := range t.Columns {
		g := ttestGroup{Group: "All", Values: make([]point, len(t.Index))}
		if len(groupby) > 0 {
			parts := make([]string, len(key)-1)
			for k, p := range key[1:] {
				parts[k] = seriesName(p)
			}
			g.Group = parts
		}
		for i, idx := range t.Index {
			g.Values[i] = point{X: jsValue(idx[0]), Y: jsFloat(t.Values[i][j])}
		}
		m := metricOf(key)
		out[m] = append(out[m], g)
	}
	return out, nil
}

// partitionViz nests metric values by groupby level, optionally over time.
type partitionViz struct {
	timeseriesViz
}

type partitionNode struct {
	Name     any              `json:"name"`
	Val      any              `json:"val,omitempty"`
	Children []*partitionNode `json:"children"`
}

func (v *partitionViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return vc.baseQuery(vc.FormData.StringOr("time_series_option", "not_time") != "not_time")
}

func (v *partitionViz) Data(vc *Context, f *frame.Frame) (any, error) {
	groups := vc.FormData.Strings("groupby")
	if len(groups) == 0 {
		return nil, invalid("Please choose at least one groupby")
	}
	metrics := vc.metricLabels()
	all := make([]int, f.Len())
	for i := range all {
		all[i] = i
	}
	switch op := vc.FormData.StringOr("time_series_option", "not_time"); op {
	case "not_time", "agg_sum":
		return nestValues(f, groups, metrics, all, aggregateOf(frame.SUM)), nil
	case "agg_mean":
		return nestValues(f, groups, metrics, all, aggregateOf(frame.MEAN)), nil
	case "point_diff", "point_factor", "point_percent":
		return v.pointChange(f, groups, metrics, op), nil
	case "adv_anal":
		return v.advancedAnalytics(vc, f, groups)
	default:
		return nestValues(f, slices.Concat([]string{query.DTTM_ALIAS}, groups), metrics, all, aggregateOf(frame.SUM)), nil
	}
}

type reducer func(f *frame.Frame, metric string, rows []int) float64

func aggregateOf(fn string) reducer {
	return func(f *frame.Frame, metric string, rows []int) float64 {
		col := f.Floats(metric)
		xs := make([]float64, len(rows))
		for k, r := range rows {
			xs[k] = col[r]
		}
		return frame.Aggregate(fn, xs)
	}
}

// nestValues builds one tree per metric: the root carries the total and
// every level below splits the rows of its parent by the next field.
func nestValues(f *frame.Frame, levels []string, metrics []string, rows []int, reduce reducer) []*partitionNode {
	out := []*partitionNode{}
	for _, m := range metrics {
		out = append(out, &partitionNode{
			Name:     m,
			Val:      jsFloat(reduce(f, m, rows)),
			Children: nestLevel(f, levels, m, rows, reduce),
		})
	}
	return out
}

func nestLevel(f *frame.Frame, levels []string, metric string, rows []int, reduce reducer) []*partitionNode {
	out := []*partitionNode{}
	if len(levels) == 0 || len(rows) == 0 {
		return out
	}
	li := f.Index(levels[0])
	sub := frame.New(frame.Field{Name: levels[0]})
	for _, r := range rows {
		var x any
		if li >= 0 {
			x = f.Rows[r][li]
		}
		sub.Append(x)
	}
	for _, g := range frame.Groups(sub, levels[:1]) {
		members := make([]int, len(g.Rows))
		for k, p := range g.Rows {
			members[k] = rows[p]
		}
		out = append(out, &partitionNode{
			Name:     jsValue(g.Key[0]),
			Val:      jsFloat(reduce(f, metric, members)),
			Children: nestLevel(f, levels[1:], metric, members, reduce),
		})
	}
	return out
}

// pointChange compares the sums at the last and the first timestamp. Only
// groups present at either end appear.
func (v *partitionViz) pointChange(f *frame.Frame, groups []string, metrics []string, op string) []*partitionNode {
	ts := f.Column(query.DTTM_ALIAS)
	var since, until any
	for _, x := range ts {
		if x == nil {
			continue
		}
		if since == nil || frame.Compare(x, since) < 0 {
			since = x
		}
		if until == nil || frame.Compare(x, until) > 0 {
			until = x
		}
	}
	var rows []int
	for i, x := range ts {
		if x != nil && (frame.Compare(x, since) == 0 || frame.Compare(x, until) == 0) {
			rows = append(rows, i)
		}
	}
	change := func(a, b float64) float64 {
		switch op {
		case "point_diff":
			return a - b
		case "point_factor":
			return a / b
		}
		return a/b - 1
	}
	sum := aggregateOf(frame.SUM)
	reduce := func(f *frame.Frame, metric string, members []int) float64 {
		var last, first []int
		for _, r := range members {
			if frame.Compare(ts[r], until) == 0 {
				last = append(last, r)
			}
			if frame.Compare(ts[r], since) == 0 {
				first = append(first, r)
			}
		}
		return change(sum(f, metric, last), sum(f, metric, first))
	}
	return nestValues(f, groups, metrics, rows, reduce)
}

// advancedAnalytics runs the time series processing once per groupby depth
// and nests metric, time and groups.
func (v *partitionViz) advancedAnalytics(vc *Context, f *frame.Frame, groups []string) ([]*partitionNode, error) {
	procs := make([]*frame.Table, len(groups)+1)
	for i := range procs {
		t, err := v.processData(vc, f, groups[:i], true)
		if err != nil {
			return nil, err
		}
		t.Fill(0)
		procs[i] = t
	}
	out := []*partitionNode{}
	for j, key := range procs[0].Columns {
		m := metricOf(key)
		node := &partitionNode{Name: m, Children: []*partitionNode{}}
		for i, idx := range procs[0].Index {
			node.Children = append(node.Children, &partitionNode{
				Name:     jsValue(idx[0]),
				Val:      jsFloat(procs[0].Values[i][j]),
				Children: nestProcs(procs, 1, []any{m}, idx[0]),
			})
		}
		out = append(out, node)
	}
	return out, nil
}

func nestProcs(procs []*frame.Table, level int, dims []any, ts any) []*partitionNode {
	out := []*partitionNode{}
	if level >= len(procs) {
		return out
	}
	t := procs[level]
	row := slices.IndexFunc(t.Index, func(k []any) bool { return frame.Compare(k[0], ts) == 0 })
	for j, key := range t.Columns {
		if frame.CompareKeys(key[:len(dims)], dims) != 0 {
			continue
		}
		val := math.NaN()
		if row >= 0 {
			val = t.Values[row][j]
		}
		out = append(out, &partitionNode{
			Name:     jsValue(key[level]),
			Val:      jsFloat(val),
			Children: nestProcs(procs, level+1, key[:level+1], ts),
		})
	}
	return out
}
