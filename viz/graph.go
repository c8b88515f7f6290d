package viz

import (
	"context"
	"log/slog"
	"math"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"vizql/executor"
	"vizql/frame"
	"vizql/query"
)

func init() {
	register("sankey", "Sankey", func() Viz { return &linkViz{sankey: true} })
	register("directed_force", "Directed Force Layout", func() Viz { return &linkViz{} })
	register("chord", "Chord Diagram", func() Viz { return &chordViz{} })
	register("country_map", "Country Map", func() Viz { return &countryMapViz{} })
	register("filter_box", "Filters", func() Viz { return &filterBoxViz{} })
	register("para", "Parallel Coordinates", func() Viz { return &paraViz{} })
	register("heatmap", "Heatmap", func() Viz { return &heatmapViz{} })
	register("event_flow", "Event flow", func() Viz { return &eventFlowViz{} })
}

type link struct {
	Source any `json:"source"`
	Target any `json:"target"`
	Value  any `json:"value"`
}

// links reads source, target and value from the first three columns.
func links(f *frame.Frame) []link {
	out := make([]link, 0, f.Len())
	for _, row := range f.Rows {
		if len(row) < 3 {
			continue
		}
		out = append(out, link{Source: jsValue(row[0]), Target: jsValue(row[1]), Value: jsValue(row[2])})
	}
	return out
}

// linkViz draws source to target links: a sankey diagram, which must not
// contain loops, or a force directed graph.
type linkViz struct {
	sankey bool
}

func (v *linkViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if len(vc.FormData.Strings("groupby")) != 2 {
		if v.sankey {
			return nil, invalid("Pick exactly 2 columns as [Source / Target]")
		}
		return nil, invalid("Pick exactly 2 columns to 'Group By'")
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	return q, nil
}

func (v *linkViz) Data(vc *Context, f *frame.Frame) (any, error) {
	recs := links(f)
	if !v.sankey {
		return recs, nil
	}
	if from, to, ok := findCycle(recs); ok {
		return nil, invalid("There's a loop in your Sankey, please provide a tree. Here's a faulty link: (%s, %s)", from, to)
	}
	return recs, nil
}

// findCycle reports one link closing a loop in the directed graph.
func findCycle(recs []link) (string, string, bool) {
	var nodes []string
	next := map[string][]string{}
	for _, r := range recs {
		s, t := frame.Format(r.Source), frame.Format(r.Target)
		if _, ok := next[s]; !ok {
			nodes = append(nodes, s)
		}
		if !slices.Contains(next[s], t) {
			next[s] = append(next[s], t)
		}
	}
	path := mapset.NewThreadUnsafeSet[string]()
	// done holds nodes whose descendants are known to be loop free.
	done := mapset.NewThreadUnsafeSet[string]()
	var visit func(n string) (string, string, bool)
	visit = func(n string) (string, string, bool) {
		path.Add(n)
		for _, m := range next[n] {
			if path.Contains(m) {
				return n, m, true
			}
			if done.Contains(m) {
				continue
			}
			if a, b, ok := visit(m); ok {
				return a, b, true
			}
		}
		path.Remove(n)
		done.Add(n)
		return "", "", false
	}
	for _, n := range nodes {
		if done.Contains(n) {
			continue
		}
		if a, b, ok := visit(n); ok {
			return a, b, true
		}
	}
	return "", "", false
}

type chordViz struct{}

type chordData struct {
	Nodes  []any   `json:"nodes"`
	Matrix [][]any `json:"matrix"`
}

func (v *chordViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	source := firstString(vc.FormData, "groupby")
	target := firstString(vc.FormData, "columns")
	if source == "" || target == "" {
		return nil, invalid("Pick a source and a target column")
	}
	q.Groupby = []string{source, target}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	return q, nil
}

// Data lays the links out as a square matrix over all nodes: cell [i][j]
// is the value flowing from node j to node i.
func (v *chordViz) Data(vc *Context, f *frame.Frame) (any, error) {
	nodes := mapset.NewThreadUnsafeSet[string]()
	values := map[[2]string]any{}
	for _, l := range links(f) {
		s, t := frame.Format(l.Source), frame.Format(l.Target)
		nodes.Append(s, t)
		values[[2]string{s, t}] = l.Value
	}
	names := nodes.ToSlice()
	slices.Sort(names)
	out := chordData{Nodes: make([]any, len(names)), Matrix: make([][]any, len(names))}
	for i, n2 := range names {
		out.Nodes[i] = n2
		out.Matrix[i] = make([]any, len(names))
		for j, n1 := range names {
			val, ok := values[[2]string{n1, n2}]
			if !ok {
				val = 0.0
			}
			out.Matrix[i][j] = val
		}
	}
	return out, nil
}

func firstString(fd query.FormData, key string) string {
	if s := fd.Strings(key); len(s) > 0 {
		return s[0]
	}
	return ""
}

type countryMapViz struct{}

func (v *countryMapViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	entity := vc.FormData.String("entity")
	if entity == "" {
		return nil, invalid("Pick a column for [ISO Code]")
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	q.Groupby = []string{entity}
	return q, nil
}

func (v *countryMapViz) Data(vc *Context, f *frame.Frame) (any, error) {
	ids := f.Column(vc.FormData.String("entity"))
	vals := f.Column(vc.metricLabel("metric"))
	out := make([]map[string]any, f.Len())
	for i := range out {
		out[i] = map[string]any{"country_id": jsValue(ids[i]), "metric": jsValue(vals[i])}
	}
	return out, nil
}

// filterBoxViz lists the values of every filter field with their metric,
// one query per field.
type filterBoxViz struct {
	frames map[string]*frame.Frame
}

type filterOption struct {
	ID     any    `json:"id"`
	Text   any    `json:"text"`
	Filter string `json:"filter"`
	Metric any    `json:"metric"`
}

func (v *filterBoxViz) NoQuery() {}

func (v *filterBoxViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	return nil, nil
}

func (v *filterBoxViz) filterQuery(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if len(vc.FormData.Strings("groupby")) == 0 && !vc.FormData.Bool("date_filter") {
		return nil, invalid("Pick at least one filter field")
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	return q, nil
}

func (v *filterBoxViz) ExtraQueries(ctx context.Context, vc *Context) error {
	base, err := v.filterQuery(vc)
	if err != nil {
		return err
	}
	v.frames = map[string]*frame.Frame{}
	for _, field := range vc.FormData.Strings("groupby") {
		q := *base
		q.Groupby = []string{field}
		p, err := vc.GetDFPayload(ctx, &q, nil)
		if err != nil {
			return err
		}
		if p.Status == executor.FAILED {
			vc.logger().WarnContext(ctx, "Filter values query failed",
				slog.String("field", field),
				slog.String("error", p.Error),
			)
			continue
		}
		v.frames[field] = p.Frame
	}
	return nil
}

func (v *filterBoxViz) Data(vc *Context, f *frame.Frame) (any, error) {
	out := map[string][]filterOption{}
	for _, field := range vc.FormData.Strings("groupby") {
		out[field] = []filterOption{}
		df := v.frames[field]
		if df == nil {
			continue
		}
		for _, row := range df.Rows {
			if len(row) < 2 {
				continue
			}
			out[field] = append(out[field], filterOption{
				ID:     jsValue(row[0]),
				Text:   jsValue(row[0]),
				Filter: field,
				Metric: jsValue(row[1]),
			})
		}
	}
	return out, nil
}

type paraViz struct{}

func (v *paraViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	if second, ok := vc.FormData.MetricRef("secondary_metric"); ok && !slices.Contains(q.MetricLabels(), second.Label()) {
		q.Metrics = append(slices.Clone(q.Metrics), second)
	}
	series := vc.FormData.String("series")
	if series == "" {
		return nil, invalid("Pick a series")
	}
	q.Groupby = []string{series}
	return q, nil
}

func (v *paraViz) Data(vc *Context, f *frame.Frame) (any, error) {
	return records(f), nil
}

type heatmapViz struct{}

type heatmapData struct {
	Records []map[string]any `json:"records"`
	Extents []any            `json:"extents"`
}

func (v *heatmapViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	x, y := vc.FormData.String("all_columns_x"), vc.FormData.String("all_columns_y")
	if x == "" || y == "" {
		return nil, invalid("Pick a column for the x and the y axis")
	}
	if err := vc.singleMetric(q, "metric"); err != nil {
		return nil, err
	}
	q.Groupby = []string{x}
	if y != x {
		q.Groupby = append(q.Groupby, y)
	}
	return q, nil
}

// Data scales every value to [0, 1] into perc, within each x or y group or
// across the whole heatmap.
func (v *heatmapViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	xs := f.Column(fd.String("all_columns_x"))
	ys := f.Column(fd.String("all_columns_y"))
	vs := f.Floats(vc.metricLabel("metric"))

	lo, hi := math.NaN(), math.NaN()
	for _, x := range vs {
		if math.IsNaN(x) {
			continue
		}
		if math.IsNaN(lo) || x < lo {
			lo = x
		}
		if math.IsNaN(hi) || x > hi {
			hi = x
		}
	}
	var bounds []*float64
	if err := fd.Decode("y_axis_bounds", &bounds); err != nil {
		return nil, invalid("Invalid y_axis_bounds: %s", err)
	}
	if len(bounds) > 0 && bounds[0] != nil {
		lo = *bounds[0]
	}
	if len(bounds) > 1 && bounds[1] != nil {
		hi = *bounds[1]
	}

	perc := make([]float64, len(vs))
	scale := func(rows []int, lo, hi float64) {
		for _, r := range rows {
			perc[r] = (vs[r] - lo) / (hi - lo)
		}
	}
	all := make([]int, len(vs))
	for i := range all {
		all[i] = i
	}
	var groups []frame.Group
	switch norm := fd.String("normalize_across"); norm {
	case "x", "y":
		keys := xs
		if norm == "y" {
			keys = ys
		}
		kf := frame.New(frame.Field{Name: norm})
		for _, k := range keys {
			kf.Append(k)
		}
		groups = frame.Groups(kf, []string{norm})
	}
	if len(groups) <= 1 {
		scale(all, lo, hi)
	} else {
		for _, g := range groups {
			gv := make([]float64, len(g.Rows))
			for k, r := range g.Rows {
				gv[k] = vs[r]
			}
			scale(g.Rows, frame.Aggregate(frame.MIN, gv), frame.Aggregate(frame.MAX, gv))
		}
	}

	out := heatmapData{Records: make([]map[string]any, len(vs)), Extents: []any{jsFloat(lo), jsFloat(hi)}}
	for i := range vs {
		out.Records[i] = map[string]any{
			"x":    jsValue(xs[i]),
			"y":    jsValue(ys[i]),
			"v":    jsFloat(vs[i]),
			"perc": jsFloat(perc[i]),
		}
	}
	return out, nil
}

type eventFlowViz struct{}

func (v *eventFlowViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	q, err := vc.baseQuery(true)
	if err != nil {
		return nil, err
	}
	event, entity := fd.String("all_columns_x"), fd.String("entity")
	if event == "" || entity == "" {
		return nil, invalid("Pick an event and an entity column")
	}
	q.Columns = []string{event, entity}
	for _, c := range fd.Strings("all_columns") {
		if c != event && c != entity {
			q.Columns = append(q.Columns, c)
		}
	}
	q.Groupby = nil
	q.Metrics = nil
	if fd.Bool("order_by_entity") {
		q.Orderby = []query.OrderBy{{Expr: entity, Ascending: true}}
	}
	return q, nil
}

func (v *eventFlowViz) Data(vc *Context, f *frame.Frame) (any, error) {
	return records(f), nil
}
