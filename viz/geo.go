package viz

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"
	"github.com/twpayne/go-polyline"

	"vizql/frame"
	"vizql/query"
)

func init() {
	register("mapbox", "Mapbox", func() Viz { return &mapboxViz{} })
	register("deck_scatter", "Deck.gl - Scatter plot", func() Viz { return &deckViz{layer: "scatter"} })
	register("deck_screengrid", "Deck.gl - Screen Grid", func() Viz { return &deckViz{layer: "screengrid"} })
	register("deck_grid", "Deck.gl - 3D Grid", func() Viz { return &deckViz{layer: "grid"} })
	register("deck_hex", "Deck.gl - 3D HEX", func() Viz { return &deckViz{layer: "hex"} })
	register("deck_geojson", "Deck.gl - GeoJSON", func() Viz { return &deckViz{layer: "geojson"} })
	register("deck_path", "Deck.gl - Paths", func() Viz { return &deckViz{layer: "path"} })
	register("deck_polygon", "Deck.gl - Polygon", func() Viz { return &deckViz{layer: "polygon"} })
	register("deck_arc", "Deck.gl - Arc", func() Viz { return &deckViz{layer: "arc"} })
}

type mapboxViz struct{}

type geoJSON struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   geometry       `json:"geometry"`
}

type geometry struct {
	Type        string `json:"type"`
	Coordinates []any  `json:"coordinates"`
}

func (v *mapboxViz) pointRadius(fd query.FormData) string {
	r := fd.String("point_radius")
	if r == "Auto" {
		return ""
	}
	return r
}

func (v *mapboxViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	q, err := vc.baseQuery(false)
	if err != nil {
		return nil, err
	}
	x, y := fd.String("all_columns_x"), fd.String("all_columns_y")
	label := firstString(fd, "mapbox_label")
	radius := v.pointRadius(fd)
	groupby := fd.Strings("groupby")

	if len(groupby) == 0 {
		if label == "count" {
			return nil, invalid("Must have a [Group By] column to have 'count' as the [Label]")
		}
		var cols []string
		for _, c := range []string{x, y, label, radius} {
			if c != "" && !slices.Contains(cols, c) {
				cols = append(cols, c)
			}
		}
		q.Columns = cols
		q.Metrics = nil
		return q, nil
	}
	if label != "" && label != "count" && !slices.Contains(groupby, label) {
		return nil, invalid("Choice of [Label] must be present in [Group By]")
	}
	if radius != "" && !slices.Contains(groupby, radius) {
		return nil, invalid("Choice of [Point Radius] must be present in [Group By]")
	}
	if !slices.Contains(groupby, x) || !slices.Contains(groupby, y) {
		return nil, invalid("[Longitude] and [Latitude] columns must be present in [Group By]")
	}
	return q, nil
}

func (v *mapboxViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	label := firstString(fd, "mapbox_label")
	radius := v.pointRadius(fd)
	lon := f.Column(fd.String("all_columns_x"))
	lat := f.Column(fd.String("all_columns_y"))
	var metric, radii []any
	if label != "" {
		metric = f.Column(label)
	}
	if radius != "" {
		radii = f.Column(radius)
	}
	at := func(col []any, i int) any {
		if i < len(col) {
			return jsValue(col[i])
		}
		return nil
	}

	gj := geoJSON{Type: "FeatureCollection", Features: make([]feature, f.Len())}
	for i := range gj.Features {
		gj.Features[i] = feature{
			Type:       "Feature",
			Properties: map[string]any{"metric": at(metric, i), "radius": at(radii, i)},
			Geometry:   geometry{Type: "Point", Coordinates: []any{at(lon, i), at(lat, i)}},
		}
	}
	return map[string]any{
		"geoJSON":             gj,
		"customMetric":        label != "",
		"mapboxApiKey":        vc.MapboxAPIKey,
		"mapStyle":            fd["mapbox_style"],
		"aggregatorName":      fd["pandas_aggfunc"],
		"clusteringRadius":    fd["clustering_radius"],
		"pointRadiusUnit":     fd["point_radius_unit"],
		"globalOpacity":       fd["global_opacity"],
		"viewportLongitude":   fd["viewport_longitude"],
		"viewportLatitude":    fd["viewport_latitude"],
		"viewportZoom":        fd["viewport_zoom"],
		"renderWhileDragging": fd["render_while_dragging"],
		"tooltip":             fd["rich_tooltip"],
		"color":               fd["mapbox_color"],
	}, nil
}

// spatial describes how a position is stored: two numeric columns, one
// delimited column or a geohash.
type spatial struct {
	Type            string `json:"type"`
	LonCol          string `json:"lonCol"`
	LatCol          string `json:"latCol"`
	LonlatCol       string `json:"lonlatCol"`
	GeohashCol      string `json:"geohashCol"`
	ReverseCheckbox bool   `json:"reverseCheckbox"`
}

func spatialControl(fd query.FormData, key string) (spatial, error) {
	var s *spatial
	if err := fd.Decode(key, &s); err != nil || s == nil {
		return spatial{}, invalid("Bad spatial key")
	}
	return *s, nil
}

func (s spatial) columns() []string {
	switch s.Type {
	case "latlong":
		return []string{s.LonCol, s.LatCol}
	case "delimited":
		return []string{s.LonlatCol}
	case "geohash":
		return []string{s.GeohashCol}
	}
	return nil
}

// position returns [longitude, latitude] for a row. Values that are not
// numbers become null.
func (s spatial) position(row map[string]any) ([]any, error) {
	switch s.Type {
	case "latlong":
		return []any{jsFloat(frame.Float(row[s.LonCol])), jsFloat(frame.Float(row[s.LatCol]))}, nil
	case "delimited":
		a, b, err := splitPair(frame.Format(row[s.LonlatCol]))
		if err != nil {
			return nil, err
		}
		if s.ReverseCheckbox {
			a, b = b, a
		}
		return []any{a, b}, nil
	case "geohash":
		lat, lng := geohash.Decode(frame.Format(row[s.GeohashCol]))
		return []any{lng, lat}, nil
	}
	return nil, invalid("Unknown spatial type %q", s.Type)
}

func splitPair(s string) (float64, float64, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	if len(parts) != 2 {
		return 0, 0, invalid("Invalid point %q", s)
	}
	a, err1 := strconv.ParseFloat(parts[0], 64)
	b, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, invalid("Invalid point %q", s)
	}
	return a, b, nil
}

// deckViz renders one deck.gl layer. Rows become features whose shape
// depends on the layer.
type deckViz struct {
	layer string
}

func (v *deckViz) spatialKeys() []string {
	switch v.layer {
	case "scatter", "screengrid", "grid", "hex":
		return []string{"spatial"}
	case "arc":
		return []string{"start_spatial", "end_spatial"}
	}
	return nil
}

// fixedRadius reads the scatter radius: a constant, or a metric.
func fixedRadius(fd query.FormData) (kind string, value any) {
	var r struct {
		Type  string `json:"type"`
		Value any    `json:"value"`
	}
	if err := fd.Decode("point_radius_fixed", &r); err != nil || r.Type == "" {
		return "fix", 500.0
	}
	return r.Type, r.Value
}

func (v *deckViz) metric(fd query.FormData) (query.MetricRef, bool) {
	switch v.layer {
	case "geojson":
		return query.MetricRef{}, false
	case "scatter":
		kind, value := fixedRadius(fd)
		if kind != "metric" {
			return query.MetricRef{}, false
		}
		return query.FormData{"metric": value}.MetricRef("metric")
	}
	return fd.MetricRef("size")
}

func (v *deckViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	isTimeseries := (v.layer == "scatter" || v.layer == "screengrid") &&
		(fd.String("time_grain_sqla") != "" || fd.String("granularity") != "")
	q, err := vc.baseQuery(isTimeseries)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, key := range v.spatialKeys() {
		s, err := spatialControl(fd, key)
		if err != nil {
			return nil, err
		}
		cols = append(cols, s.columns()...)
	}
	if dim := fd.String("dimension"); dim != "" {
		cols = append(cols, dim)
	}
	cols = append(cols, fd.Strings("js_columns")...)
	switch v.layer {
	case "path", "polygon":
		line := fd.String("line_column")
		if line == "" {
			return nil, invalid("Pick a line column")
		}
		cols = append(cols, line)
	case "geojson":
		col := fd.String("geojson")
		if col == "" {
			return nil, invalid("Pick a GeoJSON column")
		}
		cols = append(cols, col)
	}

	if m, ok := v.metric(fd); ok {
		q.Groupby = cols
		q.Metrics = []query.MetricRef{m}
		return q, nil
	}
	q.Columns = cols
	q.Groupby = nil
	q.Metrics = nil
	return q, nil
}

func (v *deckViz) Data(vc *Context, f *frame.Frame) (any, error) {
	fd := vc.FormData
	spatials := map[string]spatial{}
	for _, key := range v.spatialKeys() {
		s, err := spatialControl(fd, key)
		if err != nil {
			return nil, err
		}
		spatials[key] = s
	}
	jsColumns := fd.Strings("js_columns")

	features := []map[string]any{}
	for _, r := range f.Rows {
		row := make(map[string]any, len(f.Fields))
		for i, field := range f.Fields {
			row[field.Name] = r[i]
		}
		for key, s := range spatials {
			pos, err := s.position(row)
			if err != nil {
				return nil, err
			}
			row[key] = pos
		}
		feat, err := v.properties(vc, row)
		if err != nil {
			return nil, err
		}
		if len(jsColumns) > 0 {
			extra := make(map[string]any, len(jsColumns))
			for _, c := range jsColumns {
				extra[c] = jsValue(row[c])
			}
			feat["extraProps"] = extra
		}
		features = append(features, feat)
	}
	if v.layer == "arc" {
		return map[string]any{"arcs": features, "mapboxApiKey": vc.MapboxAPIKey}, nil
	}
	return map[string]any{"features": features, "mapboxApiKey": vc.MapboxAPIKey}, nil
}

func (v *deckViz) properties(vc *Context, row map[string]any) (map[string]any, error) {
	fd := vc.FormData
	var metric string
	if m, ok := v.metric(fd); ok {
		metric = m.Label()
	}
	timestamp := func() any {
		if t := row[query.DTTM_ALIAS]; t != nil {
			return jsValue(t)
		}
		return jsValue(row["__time"])
	}
	weight := func() any {
		if w := frame.Float(row[metric]); metric != "" && w != 0 && !math.IsNaN(w) {
			return jsValue(row[metric])
		}
		return 1
	}

	switch v.layer {
	case "scatter":
		kind, fixed := fixedRadius(fd)
		radius := jsValue(row[metric])
		if kind != "metric" && fixed != nil {
			radius = fixed
		}
		var color any
		if dim := fd.String("dimension"); dim != "" {
			color = jsValue(row[dim])
		}
		return map[string]any{
			"metric":          jsValue(row[metric]),
			"radius":          radius,
			"cat_color":       color,
			"position":        row["spatial"],
			query.DTTM_ALIAS: timestamp(),
		}, nil
	case "screengrid":
		return map[string]any{
			"position":        row["spatial"],
			"weight":          weight(),
			query.DTTM_ALIAS: timestamp(),
		}, nil
	case "grid", "hex":
		return map[string]any{"position": row["spatial"], "weight": weight()}, nil
	case "path", "polygon":
		path, err := decodePath(fd.String("line_type"), frame.Format(row[fd.String("line_column")]))
		if err != nil {
			return nil, err
		}
		if fd.Bool("reverse_long_lat") {
			for _, p := range path {
				slices.Reverse(p)
			}
		}
		return map[string]any{v.layer: path}, nil
	case "geojson":
		var props map[string]any
		if err := json.Unmarshal([]byte(frame.Format(row[fd.String("geojson")])), &props); err != nil {
			return nil, invalid("Invalid GeoJSON: %s", err)
		}
		return props, nil
	case "arc":
		return map[string]any{"sourcePosition": row["start_spatial"], "targetPosition": row["end_spatial"]}, nil
	}
	return nil, invalid("Unknown deck.gl layer %q", v.layer)
}

// decodePath reads a path stored as a JSON list of points or as an encoded
// polyline.
func decodePath(lineType string, s string) ([][]float64, error) {
	switch lineType {
	case "json":
		var path [][]float64
		if err := json.Unmarshal([]byte(s), &path); err != nil {
			return nil, invalid("Invalid path: %s", err)
		}
		return path, nil
	case "polyline":
		path, _, err := polyline.DecodeCoords([]byte(s))
		if err != nil {
			return nil, invalid("Invalid polyline: %s", err)
		}
		return path, nil
	}
	return nil, invalid("Unknown line type %q", lineType)
}
