// Package viz turns explore form data into chart payloads. Every chart
// family builds its own query object from the form data and reshapes the
// resulting frame into the structure its front end component reads.
package viz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"vizql/cache"
	"vizql/datasource"
	"vizql/executor"
	"vizql/frame"
	"vizql/query"
)

// ValidationError reports form data a chart family cannot work with.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Runner compiles and executes a query object against a datasource. A
// returned error is a configuration error; execution failures are reported
// in the result.
type Runner interface {
	Run(ctx context.Context, ds *datasource.Datasource, q query.QueryObject) (*executor.Result, error)
}

// Viz is one chart family. Instances live for a single request.
type Viz interface {
	QueryObj(vc *Context) (*query.QueryObject, error)
	Data(vc *Context, f *frame.Frame) (any, error)
}

// ExtraQuerier families run secondary queries before Data is called.
type ExtraQuerier interface {
	ExtraQueries(ctx context.Context, vc *Context) error
}

// Preparer families load request state, such as stored polygon sets, before
// their query object is built.
type Preparer interface {
	Prepare(ctx context.Context, vc *Context) error
}

// PolygonSource loads the polygon sets maps aggregate points by.
type PolygonSource interface {
	GetPolygon(ctx context.Context, id string) (*datasource.GeoPolygon, error)
}

// NoQuery families have no main query. Data receives a nil frame.
type NoQuery interface {
	NoQuery()
}

// Exporter families export a reshaped frame instead of the query result.
type Exporter interface {
	ExportFrame(vc *Context, f *frame.Frame) (*frame.Frame, error)
}

type Family struct {
	Name        string `json:"name"`
	VerboseName string `json:"verbose_name"`
	new         func() Viz
}

var registry = map[string]Family{}

func register(name string, verboseName string, factory func() Viz) {
	if _, ok := registry[name]; ok {
		panic("viz: duplicate family " + name)
	}
	registry[name] = Family{Name: name, VerboseName: verboseName, new: factory}
}

// New returns a fresh instance of the named chart family.
func New(vizType string) (Viz, error) {
	f, ok := registry[vizType]
	if !ok {
		return nil, invalid("Unknown viz type %q", vizType)
	}
	return f.new(), nil
}

// Families lists the registered chart families by name.
func Families() []Family {
	out := make([]Family, 0, len(registry))
	for _, f := range registry {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Family) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Context carries everything one explore request needs. It also collects
// the cache state of all queries the request ran.
type Context struct {
	VizType    string
	FormData   query.FormData
	Datasource *datasource.Datasource
	Builder    *query.Builder
	Runner     Runner
	Cache      *cache.Layer
	// CacheTimeout is the default in seconds when neither the form data nor
	// the datasource set one.
	CacheTimeout   int
	Force          bool
	UserID         string
	ShowStacktrace bool
	MapboxAPIKey   string
	// MapIconPath prefixes the icon names of map markers.
	MapIconPath string
	Polygons    PolygonSource
	// Location is used to render timestamps in series.
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time

	anyCacheKey   string
	anyCachedDttm time.Time
	isCached      bool
}

func (vc *Context) logger() *slog.Logger {
	if vc.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return vc.Logger
}

func (vc *Context) now() time.Time {
	if vc.Now == nil {
		return time.Now()
	}
	return vc.Now()
}

func (vc *Context) builder() *query.Builder {
	if vc.Builder == nil {
		return query.NewBuilder(query.ROW_LIMIT, query.MAX_ROW_LIMIT, vc.Location)
	}
	return vc.Builder
}

func (vc *Context) location() *time.Location {
	if vc.Location == nil {
		return time.UTC
	}
	return vc.Location
}

// baseQuery builds the query object shared by all families.
func (vc *Context) baseQuery(isTimeseries bool) (*query.QueryObject, error) {
	q, err := vc.builder().Build(vc.FormData, vc.VizType, isTimeseries)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// metricLabel returns the label of the single metric stored under key.
func (vc *Context) metricLabel(key string) string {
	ref, ok := vc.FormData.MetricRef(key)
	if !ok {
		return ""
	}
	return ref.Label()
}

func (vc *Context) metricLabels() []string {
	return query.MetricLabels(vc.FormData.MetricRefs("metrics"))
}

// verbose returns the display name of a column or metric.
func (vc *Context) verbose(name string) string {
	if vc.Datasource == nil {
		return name
	}
	if l, ok := vc.Datasource.VerboseMap()[name]; ok {
		return l
	}
	return name
}

// singleMetric sets the metrics of q to the metric stored under key.
func (vc *Context) singleMetric(q *query.QueryObject, key string) error {
	ref, ok := vc.FormData.MetricRef(key)
	if !ok {
		return invalid("Pick a metric!")
	}
	q.Metrics = []query.MetricRef{ref}
	return nil
}
