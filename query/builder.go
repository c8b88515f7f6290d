package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"vizql/datasource"
	"vizql/humantime"
)

const (
	ROW_LIMIT     = 10000
	MAX_ROW_LIMIT = 50000
)

var ErrInvalidRange = errors.New("From date cannot be larger than to date")

// Units for which a bare "<n> <unit>" since value means "<n> <unit> ago".
var agoUnits = []string{"days", "years", "hours", "day", "year", "weeks"}

// Extra filter keys that set time fields instead of filtering a column.
var timeFilterKeys = map[string]string{
	"__from":        "since",
	"__to":          "until",
	"__time_col":    "granularity_sqla",
	"__time_grain":  "time_grain_sqla",
	"__granularity": "granularity",
}

type Builder struct {
	// RowLimit applies when the form data has no row_limit.
	RowLimit int
	// MaxRowLimit caps a requested row_limit.
	MaxRowLimit int
	Now         func() time.Time
}

func NewBuilder(rowLimit int, maxRowLimit int, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{
		RowLimit:    rowLimit,
		MaxRowLimit: maxRowLimit,
		Now:         func() time.Time { return time.Now().In(loc) },
	}
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// Build derives the query object for form data fd. The form data is not
// modified: extra filters are merged into a copy.
func (b *Builder) Build(fd FormData, vizType string, isTimeseries bool) (QueryObject, error) {
	fd = MergeExtraFilters(fd)
	q := QueryObject{}

	for _, c := range slices.Concat(fd.Strings("groupby"), fd.Strings("columns")) {
		if !slices.Contains(q.Groupby, c) {
			q.Groupby = append(q.Groupby, c)
		}
	}
	q.IsTimeseries = isTimeseries
	if i := slices.Index(q.Groupby, DTTM_ALIAS); i >= 0 {
		q.Groupby = slices.Delete(q.Groupby, i, i+1)
		q.IsTimeseries = true
	}
	q.Metrics = fd.MetricRefs("metrics")

	q.Granularity = fd.String("granularity")
	if q.Granularity == "" {
		q.Granularity = fd.String("granularity_sqla")
	}
	q.TimeseriesLimit = fd.IntOr("limit", 0)
	if ref, ok := fd.MetricRef("timeseries_limit_metric"); ok {
		q.TimeseriesLimitMetric = &ref
	}
	q.RowLimit = b.EffectiveRowLimit(fd)
	q.PageLength = fd.IntOr("page_length", 0)
	q.PageOffset = fd.IntOr("page_offset", 0)
	q.OrderDesc = fd.BoolOr("order_desc", true)

	if err := b.applyTimeRange(fd, &q); err != nil {
		return QueryObject{}, err
	}

	q.Extras = Extras{
		Where:         MergeWhere(fd.String("where"), fd.String("extra_where")),
		Having:        fd.String("having"),
		TimeGrainSQLA: fd.String("time_grain_sqla"),
	}
	if err := fd.Decode("filters", &q.Filter); err != nil {
		return QueryObject{}, err
	}

	var orderByMetric [][]string
	if err := fd.Decode("order_by_metric", &orderByMetric); err != nil {
		return QueryObject{}, err
	}
	switch {
	case len(orderByMetric) > 0:
		for _, pair := range orderByMetric {
			if len(pair) != 2 {
				return QueryObject{}, fmt.Errorf("invalid order_by_metric entry %v", pair)
			}
			q.Orderby = append(q.Orderby, OrderBy{Expr: pair[0], Ascending: pair[1] == "ASC"})
		}
	case vizType == "pivot_table":
		for _, c := range slices.Concat(fd.Strings("groupby"), fd.Strings("columns")) {
			q.Orderby = append(q.Orderby, OrderBy{Expr: c, Ascending: true})
		}
	}
	return q, nil
}

// DefaultOrderby returns the ordering used when the request has neither an
// explicit ordering nor a flat column projection: the main metric, in the
// requested direction.
func DefaultOrderby(q *QueryObject, mainMetric string) []OrderBy {
	if len(q.Orderby) > 0 || len(q.Columns) > 0 || mainMetric == "" {
		return q.Orderby
	}
	return []OrderBy{{Expr: mainMetric, Ascending: !q.OrderDesc}}
}

// EffectiveRowLimit clamps a requested row_limit to MaxRowLimit and falls
// back to RowLimit when none was requested.
func (b *Builder) EffectiveRowLimit(fd FormData) int {
	requested, ok := fd.Int("row_limit")
	if !ok {
		return b.RowLimit
	}
	if b.MaxRowLimit > 0 && requested > b.MaxRowLimit {
		return b.MaxRowLimit
	}
	return requested
}

func (b *Builder) applyTimeRange(fd FormData, q *QueryObject) error {
	now := b.now()
	since := fd.StringOr("since", "")
	until := fd.StringOr("until", "now")
	if words := strings.Split(since, " "); len(words) == 2 && slices.Contains(agoUnits, words[1]) {
		since += " ago"
	}
	q.Since, q.Until = since, until

	shift, err := b.TimeShift(fd)
	if err != nil {
		return err
	}
	from, err := humantime.ParseDatetime(since, now)
	if err != nil {
		return err
	}
	to, err := humantime.ParseDatetime(until, now)
	if err != nil {
		return err
	}
	if !from.IsZero() {
		from = from.Add(-shift)
		q.FromDttm = &from
	}
	if !to.IsZero() {
		to = to.Add(-shift)
		q.ToDttm = &to
	}
	if q.FromDttm != nil && q.ToDttm != nil && q.FromDttm.After(*q.ToDttm) {
		return ErrInvalidRange
	}
	return nil
}

// TimeShift parses the time_shift field, e.g. "1 week ago". The returned
// duration is subtracted from both bounds.
func (b *Builder) TimeShift(fd FormData) (time.Duration, error) {
	s := strings.TrimSpace(fd.String("time_shift"))
	if s == "" {
		return 0, nil
	}
	d, err := humantime.ParseTimedelta(s, b.now())
	if err != nil {
		return 0, fmt.Errorf("invalid time_shift: %w", err)
	}
	// "1 week ago" and "1 week" both shift the window into the past.
	if d < 0 {
		d = -d
	}
	return d, nil
}

// MergeWhere joins two raw WHERE snippets with AND.
func MergeWhere(where string, extra string) string {
	where, extra = strings.TrimSpace(where), strings.TrimSpace(extra)
	switch {
	case where == "":
		return extra
	case extra == "":
		return where
	}
	return "(" + where + ") AND (" + extra + ")"
}

// MergeExtraFilters folds dashboard level extra_filters into a copy of fd.
// Time keys override the time fields, the rest become AND-ed filter leaves.
func MergeExtraFilters(fd FormData) FormData {
	var extra []Filter
	if err := fd.Decode("extra_filters", &extra); err != nil || len(extra) == 0 {
		return fd
	}
	out := fd.Clone()
	delete(out, "extra_filters")

	var filters []any
	if existing, ok := out["filters"].([]any); ok {
		filters = slices.Clone(existing)
	}
	for _, f := range extra {
		if key, ok := timeFilterKeys[f.Col]; ok {
			if f.Val != nil && f.Val != "" {
				out[key] = f.Val
			}
			continue
		}
		if isEmptyValue(f.Val) {
			continue
		}
		op := f.Op
		if op == "" {
			op = "in"
		}
		filters = append(filters, map[string]any{
			"col":         f.Col,
			"op":          op,
			"val":         f.Val,
			"conjunction": AND,
		})
	}
	out["filters"] = filters
	return out
}

// CacheTimeout resolves the cache timeout in seconds: the form data
// override, then the datasource, then its database, then def.
func CacheTimeout(fd FormData, ds *datasource.Datasource, def int) int {
	if v, ok := fd.Int("cache_timeout"); ok {
		return v
	}
	if ds != nil {
		if ds.CacheTimeout != nil {
			return *ds.CacheTimeout
		}
		if ds.Database.CacheTimeout != nil {
			return *ds.Database.CacheTimeout
		}
	}
	return def
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	}
	return false
}
