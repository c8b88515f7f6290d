package viz

import (
	"bytes"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/yuin/goldmark"

	"vizql/frame"
	"vizql/humantime"
	"vizql/query"
)

func init() {
	register("markup", "Markup", func() Viz { return &markupViz{} })
	register("separator", "Separator", func() Viz { return &markupViz{} })
	register("iframe", "iFrame", func() Viz { return &iframeViz{} })
	register("word_cloud", "Word Cloud", func() Viz { return &wordCloudViz{} })
	register("treemap", "Treemap", func() Viz { return &treemapViz{} })
	register("cal_heatmap", "Calendar Heatmap", func() Viz { return &calHeatmapViz{} })
	register("box_plot", "Box Plot", func() Viz { return &boxPlotViz{} })
	register("bubble", "Bubble Chart", func() Viz { return &bubbleViz{} })
	register("bullet", "Bullet Chart", func() Viz { return &bulletViz{} })
	register("big_number", "Big Number with Trendline", func() Viz { return &bigNumberViz{trendline: true} })
	register("big_number_total", "Big Number", func() Viz { return &bigNumberViz{} })
	register("speedometer", "Speedometer View", func() Viz { return &bigNumberViz{} })
}

type markupViz struct{}

func (v *markupViz) NoQuery() {}

func (v *markupViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return nil, nil
}

func (v *markupViz) Data(vc *Context, f *frame.Frame) (any, error) {
	code := vc.FormData.String("code")
	if vc.FormData.String("markup_type") == "markdown" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(code), &buf); err != nil {
			return nil, invalid("Invalid markdown: %s", err)
		}
		code = buf.String()
	}
	return map[string]any{"html": code}, nil
}

type iframeViz struct{}

func (v *iframeViz) NoQuery() {}

func (v *iframeViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return nil, nil
}

func (v *iframeViz) Data(vc *Context, f *frame.Frame) (any, error) {
	return []any{}, nil
}

type wordCloudViz struct{}

func (v *wordCloudViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	series := vc.FormData.String("series")
	if series == "" {
		return nil, invalid("Pick a series")
	}
	q.Groupby = []string{series}
	return q, nil
}

func (v *wordCloudViz) Data(vc *Context, f *frame.Frame) (any, error) {
	text := f.Column(vc.FormData.String("series"))
	size := f.Column(vc.metricLabel("metric"))
	out := make([]map[string]any, f.Len())
	for i := range out {
		out[i] = map[string]any{"text": jsValue(text[i]), "size": jsValue(size[i])}
	}
	return out, nil
}

type treemapViz struct{}

func (v *treemapViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return vc.baseQuery(false)
}

func (v *treemapViz) Data(vc *Context, f *frame.Frame) (any, error) {
	groupby := vc.FormData.Strings("groupby")
	var out []map[string]any
	for _, m := range f.Names() {
		if slices.Contains(groupby, m) {
			continue
		}
		rows := make([]int, f.Len())
		for i := range rows {
			rows[i] = i
		}
		out = append(out, map[string]any{"name": m, "children": nest(f, groupby, m, rows)})
	}
	return out, nil
}

// nest builds the tree of one metric, one level per groupby field. Leaves
// carry the metric value.
func nest(f *frame.Frame, levels []string, metric string, rows []int) []map[string]any {
	out := []map[string]any{}
	if len(levels) == 0 {
		return out
	}
	li, mi := f.Index(levels[0]), f.Index(metric)
	if len(levels) == 1 {
		for _, r := range rows {
			out = append(out, map[string]any{"name": jsValue(f.Rows[r][li]), "value": jsValue(f.Rows[r][mi])})
		}
		return out
	}
	sub := frame.New(frame.Field{Name: levels[0]})
	for _, r := range rows {
		sub.Append(f.Rows[r][li])
	}
	for _, g := range frame.Groups(sub, levels[:1]) {
		members := make([]int, len(g.Rows))
		for k, p := range g.Rows {
			members[k] = rows[p]
		}
		out = append(out, map[string]any{
			"name":     jsValue(g.Key[0]),
			"children": nest(f, levels[1:], metric, members),
		})
	}
	return out
}

type calHeatmapViz struct{}

type calHeatmapData struct {
	Timestamps map[string]any `json:"timestamps"`
	Start      int64          `json:"start"`
	Domain     string         `json:"domain"`
	Subdomain  string         `json:"subdomain"`
	Range      int            `json:"range"`
}

func (v *calHeatmapViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(true)
	if err != nil {
		return nil, err
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	return q, nil
}

func (v *calHeatmapViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	metric := vc.metricLabel("metric")
	out := calHeatmapData{
		Timestamps: map[string]any{},
		Domain:     fd.String("domain_granularity"),
		Subdomain:  fd.String("subdomain_granularity"),
	}
	ts := f.Column(query.DTTM_ALIAS)
	vals := f.Column(metric)
	for i, x := range ts {
		t, ok := x.(time.Time)
		if !ok {
			continue
		}
		out.Timestamps[strconv.FormatInt(t.Unix(), 10)] = jsValue(vals[i])
	}

	now := vc.builder().Now
	if now == nil {
		now = vc.now
	}
	start, err := humantime.ParseDatetime(fd.String("since"), now())
	if err != nil {
		return nil, invalid("%s", err)
	}
	end, err := humantime.ParseDatetime(fd.StringOr("until", "now"), now())
	if err != nil {
		return nil, invalid("%s", err)
	}
	out.Start = start.UnixMilli()
	years, months, days := relativeDelta(start, end)
	secs := end.Sub(start).Seconds()
	switch out.Domain {
	case "year":
		out.Range = years + 1
	case "month":
		out.Range = years*12 + months + 1
	case "week":
		out.Range = years*53 + days/7 + 1
	case "day":
		out.Range = int(math.Floor(secs/(24*60*60))) + 1
	default:
		out.Range = int(math.Floor(secs/(60*60))) + 1
	}
	return out, nil
}

// relativeDelta splits end-start into whole years, months and remaining
// days.
func relativeDelta(start, end time.Time) (years, months, days int) {
	if end.Before(start) {
		y, m, d := relativeDelta(end, start)
		return -y, -m, -d
	}
	total := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	if start.AddDate(0, total, 0).After(end) {
		total--
	}
	anchor := start.AddDate(0, total, 0)
	return total / 12, total % 12, int(end.Sub(anchor).Hours() / 24)
}

type boxPlotViz struct{}

type box struct {
	Q1          float64   `json:"Q1"`
	Q2          float64   `json:"Q2"`
	Q3          float64   `json:"Q3"`
	WhiskerHigh float64   `json:"whisker_high"`
	WhiskerLow  float64   `json:"whisker_low"`
	Outliers    []float64 `json:"outliers"`
}

type boxSeries struct {
	Label  string `json:"label"`
	Values box    `json:"values"`
}

func (v *boxPlotViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return vc.baseQuery(true)
}

func (v *boxPlotViz) Data(vc *Context, f *frame.Frame) (any, error) {
	whiskers, err := whiskerFuncs(vc.FormData.String("whisker_options"))
	if err != nil {
		return nil, err
	}
	groupby := vc.FormData.Strings("groupby")
	metrics := vc.metricLabels()
	out := []boxSeries{}
	for _, g := range frame.Groups(f, groupby) {
		parts := make([]string, len(g.Key))
		for i, k := range g.Key {
			parts[i] = frame.Format(k)
		}
		label := strings.Join(parts, " - ")
		for _, m := range metrics {
			col := f.Floats(m)
			xs := make([]float64, len(g.Rows))
			for k, r := range g.Rows {
				xs[k] = col[r]
				if math.IsNaN(xs[k]) {
					xs[k] = 0
				}
			}
			name := label
			if len(metrics) > 1 {
				name = strings.Join([]string{label, m}, " - ")
			}
			out = append(out, boxSeries{Label: name, Values: boxStats(xs, whiskers)})
		}
	}
	return out, nil
}

type whiskers func(sorted []float64, q1, q3 float64) (low, high float64)

func whiskerFuncs(kind string) (whiskers, error) {
	switch {
	case kind == "Tukey":
		return func(sorted []float64, q1, q3 float64) (float64, float64) {
			iqr := q3 - q1
			lowLim, highLim := q1-1.5*iqr, q3+1.5*iqr
			low, high := sorted[0], sorted[len(sorted)-1]
			for _, x := range sorted {
				if x >= lowLim {
					low = x
					break
				}
			}
			for i := len(sorted) - 1; i >= 0; i-- {
				if sorted[i] <= highLim {
					high = sorted[i]
					break
				}
			}
			return low, high
		}, nil
	case kind == "Min/max (no outliers)":
		return func(sorted []float64, _, _ float64) (float64, float64) {
			return sorted[0], sorted[len(sorted)-1]
		}, nil
	case strings.HasSuffix(kind, " percentiles"):
		lo, hi, ok := strings.Cut(strings.TrimSuffix(kind, " percentiles"), "/")
		low, err1 := strconv.Atoi(lo)
		high, err2 := strconv.Atoi(hi)
		if !ok || err1 != nil || err2 != nil {
			return nil, invalid("Unknown whisker type: %s", kind)
		}
		return func(sorted []float64, _, _ float64) (float64, float64) {
			return percentile(sorted, float64(low)), percentile(sorted, float64(high))
		}, nil
	}
	return nil, invalid("Unknown whisker type: %s", kind)
}

func boxStats(xs []float64, w whiskers) box {
	if len(xs) == 0 {
		return box{Outliers: []float64{}}
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	b := box{
		Q1: percentile(sorted, 25),
		Q2: percentile(sorted, 50),
		Q3: percentile(sorted, 75),
	}
	b.WhiskerLow, b.WhiskerHigh = w(sorted, b.Q1, b.Q3)
	outliers := mapset.NewThreadUnsafeSet[float64]()
	for _, x := range sorted {
		if x > b.WhiskerHigh || x < b.WhiskerLow {
			outliers.Add(x)
		}
	}
	b.Outliers = outliers.ToSlice()
	slices.Sort(b.Outliers)
	return b
}

// percentile interpolates linearly between the closest ranks of sorted
// values, p in [0, 100].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}

type bubbleViz struct{}

type bubbleSeries struct {
	Key    any              `json:"key"`
	Values []map[string]any `json:"values"`
}

func (v *bubbleViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	entity := fd.String("entity")
	size, okSize := fd.MetricRef("size")
	x, okX := fd.MetricRef("x")
	y, okY := fd.MetricRef("y")
	if !okSize || !okX || !okY || entity == "" {
		return nil, invalid("Pick a metric for x, y and size")
	}
	q.Groupby = []string{entity}
	if s := fd.String("series"); s != "" && s != entity {
		q.Groupby = append(q.Groupby, s)
	}
	if limit, ok := fd.Int("limit"); ok {
		q.RowLimit = limit
	}
	q.TimeseriesLimit = 0
	q.Metrics = []query.MetricRef{size, x, y}
	return q, nil
}

func (v *bubbleViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	series := fd.String("series")
	if series == "" {
		series = fd.String("entity")
	}
	x, y, size := vc.metricLabel("x"), vc.metricLabel("y"), vc.metricLabel("size")
	out := []*bubbleSeries{}
	byKey := map[string]*bubbleSeries{}
	for _, rec := range records(f) {
		rec["x"] = rec[x]
		rec["y"] = rec[y]
		rec["size"] = rec[size]
		rec["shape"] = "circle"
		rec["group"] = rec[series]
		id := frame.Format(rec["group"])
		s, ok := byKey[id]
		if !ok {
			s = &bubbleSeries{Key: rec["group"]}
			byKey[id] = s
			out = append(out, s)
		}
		s.Values = append(s.Values, rec)
	}
	return out, nil
}

type bulletViz struct{}

type bulletData struct {
	Measures         []float64 `json:"measures"`
	Ranges           []float64 `json:"ranges"`
	RangeLabels      []string  `json:"rangeLabels"`
	Markers          []float64 `json:"markers"`
	MarkerLabels     []string  `json:"markerLabels"`
	MarkerLines      []float64 `json:"markerLines"`
	MarkerLineLabels []string  `json:"markerLineLabels"`
}

func (v *bulletViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if _, ok := vc.FormData.MetricRef("metric"); !ok {
		return nil, invalid("Pick a metric to display")
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	for _, key := range []string{"ranges", "markers", "marker_lines"} {
		if _, err := commaFloats(vc.FormData, key); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (v *bulletViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	measures := f.Floats(vc.metricLabel("metric"))
	for i, x := range measures {
		if math.IsNaN(x) {
			measures[i] = 0
		}
	}
	out := bulletData{
		Measures:         measures,
		RangeLabels:      commaStrings(fd, "range_labels"),
		MarkerLabels:     commaStrings(fd, "marker_labels"),
		MarkerLineLabels: commaStrings(fd, "marker_line_labels"),
	}
	var err error
	if out.Ranges, err = commaFloats(fd, "ranges"); err != nil {
		return nil, err
	}
	if out.Markers, err = commaFloats(fd, "markers"); err != nil {
		return nil, err
	}
	if out.MarkerLines, err = commaFloats(fd, "marker_lines"); err != nil {
		return nil, err
	}
	if out.Ranges == nil {
		var top float64
		if len(measures) > 0 {
			top = slices.Max(measures)
		}
		out.Ranges = []float64{0, top * 1.1}
	}
	return out, nil
}

// commaStrings splits a comma separated field. Empty fields are nil.
func commaStrings(fd query.FormData, key string) []string {
	s := fd.String(key)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func commaFloats(fd query.FormData, key string) ([]float64, error) {
	parts := commaStrings(fd, key)
	if parts == nil {
		return nil, nil
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, invalid("Invalid number %q in %s", p, key)
		}
		out[i] = x
	}
	return out, nil
}

// bigNumberViz shows a single metric, with its trendline when it is a
// time series.
type bigNumberViz struct {
	trendline bool
}

func (v *bigNumberViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(v.trendline)
	if err != nil {
		return nil, err
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	return q, nil
}

func (v *bigNumberViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	f = f.Clone()
	if len(f.Fields) > 0 {
		f.Sort(frame.SortKey{Name: f.Fields[0].Name})
	}
	if v.trendline {
		return map[string]any{
			"data":           values(f),
			"compare_lag":    fd["compare_lag"],
			"compare_suffix": fd.String("compare_suffix"),
		}, nil
	}
	return map[string]any{
		"data":      values(f),
		"subheader": fd.String("subheader"),
	}, nil
}
