package viz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"vizql/datasource"
	"vizql/executor"
	"vizql/frame"
	"vizql/query"
	"vizql/util"
)

const defaultIconField = "icon_field"

func init() {
	register("bubble_map", "Bubble map", func() Viz { return &bubbleMapViz{} })
	register("yandex_heat_map", "Yandex heat map", func() Viz { return &bubbleMapViz{heat: true} })
}

// bubbleMapViz draws one marker per coordinate and point name. Rows sharing
// a marker are collected as its items. The heat map variant adds a legend
// with the range of every metric.
type bubbleMapViz struct {
	heat    bool
	polygon *datasource.GeoPolygon
	// topMetrics holds the metrics regrouped by the first three group by
	// columns, keyed by their values.
	topMetrics map[string][]namedValue
}

type namedValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type legendEntry struct {
	Max any `json:"max_val"`
	Min any `json:"min_val"`
	Avg any `json:"avg_val"`
}

func (v *bubbleMapViz) coordinates(fd query.FormData) (string, string, error) {
	lat, lng := fd.String("latitude"), fd.String("longitude")
	if lat == "" || lng == "" {
		return "", "", invalid("Bad longitude or latitude key")
	}
	return lat, lng, nil
}

func (v *bubbleMapViz) iconField(fd query.FormData) string {
	if f := fd.String("icon_field"); f != "" {
		return f
	}
	return defaultIconField
}

func (v *bubbleMapViz) Prepare(ctx context.Context, vc *Context) error {
	id := vc.FormData.String("polygon_id")
	if id == "" || vc.Polygons == nil {
		return nil
	}
	p, err := vc.Polygons.GetPolygon(ctx, id)
	if err != nil {
		if errors.Is(err, datasource.ErrPolygonNotFound) {
			return invalid("Unknown polygon set %q", id)
		}
		return fmt.Errorf("error loading polygon set: %w", err)
	}
	v.polygon = p
	return nil
}

func (v *bubbleMapViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	isTimeseries := fd.String("time_grain_sqla") != "" || fd.String("granularity") != ""
	q, err := vc.baseQuery(isTimeseries)
	if err != nil {
		return nil, err
	}
	lat, lng, err := v.coordinates(fd)
	if err != nil {
		return nil, err
	}
	fields := []string{lat, lng}
	if name := fd.String("pointName"); name != "" {
		fields = append(fields, name)
	}
	if icon := fd.String("icon_field"); icon != "" {
		fields = append(fields, icon)
	} else {
		expr := "NULL"
		if vc.Datasource != nil && vc.Datasource.Database.Engine == "clickhouse" {
			expr = "CAST(NULL AS Nullable(String))"
		}
		q.CustomColumns = []query.CustomColumn{{Expression: expr, Label: defaultIconField}}
	}

	if len(q.Groupby) > 0 {
		q.Groupby = append(slices.Clone(fields), q.Groupby...)
	} else {
		q.Columns = fields
	}
	if metrics := fd.MetricRefs("metrics"); len(metrics) > 0 {
		groupby := slices.Clone(q.Groupby)
		for _, c := range q.Columns {
			if !slices.Contains(groupby, c) {
				groupby = append(groupby, c)
			}
		}
		q.Groupby = groupby
		q.Metrics = metrics
	}
	if fd.Bool("aggregation_by_area") && v.polygon != nil && len(v.polygon.Areas) > 0 {
		q.TextJoin = areaJoin(lat, lng, v.polygon)
	}
	return q, nil
}

// areaJoin moves points that fall inside an area of p to the area center,
// so grouping by the coordinates aggregates per area.
func areaJoin(lat string, lng string, p *datasource.GeoPolygon) *query.TextJoin {
	num := func(f float64) string {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	rows := make([]string, 0, len(p.Areas))
	for _, a := range p.Areas {
		if len(a.Polygon) < 3 {
			continue
		}
		ring := slices.Clone(a.Polygon)
		if ring[0] != ring[len(ring)-1] {
			ring = append(ring, ring[0])
		}
		points := make([]string, 0, len(ring))
		for _, pt := range ring {
			points = append(points, num(pt[0])+" "+num(pt[1]))
		}
		wkt := "POLYGON((" + strings.Join(points, ", ") + "))"
		rows = append(rows, "("+num(a.Center[0])+", "+num(a.Center[1])+", "+util.QuoteString(wkt)+")")
	}
	latRef, lngRef := "{"+lat+"}", "{"+lng+"}"
	return &query.TextJoin{
		JoinWith: "SELECT center_x, center_y, area FROM (VALUES " + strings.Join(rows, ", ") + ") AS areas(center_x, center_y, area)",
		On:       "ST_Contains(ST_GeomFromText(table2.area), ST_Point(" + latRef + ", " + lngRef + "))",
		Columns:  []string{"center_x", "center_y", "area"},
		ReplaceColumns: map[string]string{
			lat: "CASE WHEN table2.center_x IS NULL THEN " + latRef + " ELSE table2.center_x END",
			lng: "CASE WHEN table2.center_y IS NULL THEN " + lngRef + " ELSE table2.center_y END",
		},
	}
}

// ExtraQueries regroups the metrics by the first three group by columns when
// the chart groups by more, so each marker shows its own totals.
func (v *bubbleMapViz) ExtraQueries(ctx context.Context, vc *Context) error {
	q, err := v.QueryObj(vc)
	if err != nil {
		return err
	}
	if len(q.Groupby) <= 3 || len(q.Metrics) == 0 {
		return nil
	}
	keys := slices.Clone(q.Groupby[:3])
	q.Groupby = keys
	p, err := vc.GetDFPayload(ctx, q, map[string]any{"marker_totals": true})
	if err != nil || p.Status == executor.FAILED || p.Frame == nil {
		vc.logger().WarnContext(ctx, "Marker totals query failed",
			slog.Any("error", err),
			slog.String("message", errMessage(p)),
		)
		return nil
	}
	labels := q.MetricLabels()
	v.topMetrics = map[string][]namedValue{}
	for _, rec := range records(p.Frame) {
		metrics := make([]namedValue, 0, len(labels))
		for _, l := range labels {
			metrics = append(metrics, namedValue{Name: l, Value: rec[l]})
		}
		v.topMetrics[markerKey(rec, keys)] = metrics
	}
	return nil
}

func markerKey(rec map[string]any, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, frame.Format(rec[c]))
	}
	return strings.Join(parts, "\x00")
}

type marker struct {
	Position  []any            `json:"position"`
	PointName any              `json:"pointName"`
	MapIcon   any              `json:"map_icon"`
	Items     []map[string]any `json:"items"`
	Metric    []namedValue     `json:"metric"`

	key string
}

func (v *bubbleMapViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	lat, lng, err := v.coordinates(fd)
	if err != nil {
		return nil, err
	}
	pointName := fd.String("pointName")
	iconField := v.iconField(fd)
	labels := vc.metricLabels()
	groupby := fd.Strings("groupby")
	jsColumns := fd.Strings("js_columns")
	var keyCols []string
	if q, err := v.QueryObj(vc); err == nil && len(q.Groupby) > 3 {
		keyCols = q.Groupby[:3]
	}

	legend := map[string]*legendEntry{}
	sums := map[string]float64{}
	counts := map[string]int{}

	var markers []*marker
	byKey := map[string]*marker{}
	for _, rec := range records(f) {
		metrics := make([]namedValue, 0, len(labels))
		for _, l := range labels {
			metrics = append(metrics, namedValue{Name: l, Value: rec[l]})
			if v.heat {
				v.track(legend, sums, counts, l, rec[l])
			}
		}
		groups := make([]namedValue, 0, len(groupby))
		for _, g := range groupby {
			groups = append(groups, namedValue{Name: g, Value: rec[g]})
		}
		var name any
		if pointName != "" {
			name = rec[pointName]
		}
		item := map[string]any{"pointName": name, "metric": metrics, "groupby": groups}
		if len(jsColumns) > 0 {
			extra := make(map[string]any, len(jsColumns))
			for _, c := range jsColumns {
				extra[c] = rec[c]
			}
			item["extraProps"] = extra
		}

		position := []any{rec[lat], rec[lng]}
		icon := v.iconPath(vc, rec[iconField])
		key := markerKey(map[string]any{"lat": rec[lat], "lng": rec[lng], "name": name, "icon": icon}, []string{"lat", "lng", "name", "icon"})
		m, ok := byKey[key]
		if !ok {
			m = &marker{Position: position, PointName: name, MapIcon: icon, Metric: metrics}
			if keyCols != nil {
				m.key = markerKey(rec, keyCols)
			}
			byKey[key] = m
			markers = append(markers, m)
		}
		m.Items = append(m.Items, item)
	}
	for _, m := range markers {
		if top, ok := v.topMetrics[m.key]; ok && m.key != "" {
			m.Metric = top
		}
	}

	data := map[string]any{
		"features":     markers,
		"mapboxApiKey": vc.MapboxAPIKey,
		"areas":        nil,
	}
	if v.polygon != nil {
		data["areas"] = v.polygon.Areas
	}
	if v.heat {
		data["legend"] = legend
	}
	return data, nil
}

// track folds one metric value into the legend. Averages are floored.
func (v *bubbleMapViz) track(legend map[string]*legendEntry, sums map[string]float64, counts map[string]int, name string, value any) {
	x := frame.Float(value)
	if math.IsNaN(x) {
		return
	}
	sums[name] += x
	counts[name]++
	avg := math.Floor(sums[name] / float64(counts[name]))
	e, ok := legend[name]
	if !ok {
		legend[name] = &legendEntry{Max: value, Min: value, Avg: avg}
		return
	}
	if x > frame.Float(e.Max) {
		e.Max = value
	}
	if x < frame.Float(e.Min) {
		e.Min = value
	}
	e.Avg = avg
}

func (v *bubbleMapViz) iconPath(vc *Context, icon any) any {
	name := frame.Format(icon)
	if icon == nil || name == "" {
		return nil
	}
	return vc.MapIconPath + name
}
