package viz

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/araddon/dateparse"

	"vizql/cache"
	"vizql/executor"
	"vizql/frame"
	"vizql/query"
)

const CACHED_DTTM_FORMAT = "2006-01-02T15:04:05"

// ErrQueryFailed is returned by exports when the query did not run.
var ErrQueryFailed = errors.New("query failed")

type HierarchyColumn struct {
	Name        string `json:"name"`
	VerboseName string `json:"verbose_name"`
	Order       int    `json:"order"`
	Groupby     bool   `json:"groupby"`
}

type Hierarchy struct {
	Name    string            `json:"name"`
	Columns []HierarchyColumn `json:"columns"`
}

// Payload is the explore response of one chart.
type Payload struct {
	CacheKey     *string         `json:"cache_key"`
	CachedDttm   *string         `json:"cached_dttm"`
	CacheTimeout int             `json:"cache_timeout"`
	TotalFound   int             `json:"total_found"`
	Hierarchy    []Hierarchy     `json:"hierarchy"`
	Error        *string         `json:"error"`
	FormData     query.FormData  `json:"form_data"`
	IsCached     bool            `json:"is_cached"`
	Query        string          `json:"query"`
	Status       executor.Status `json:"status"`
	Stacktrace   *string         `json:"stacktrace"`
	RowCount     int             `json:"rowcount"`
	Data         any             `json:"data,omitempty"`
}

// DFPayload is the result of one, possibly cached, query.
type DFPayload struct {
	Frame      *frame.Frame
	CacheKey   string
	IsCached   bool
	CachedDttm time.Time
	Query      string
	Status     executor.Status
	Error      string
	Stacktrace string
	TotalFound int
}

// CacheKey hashes the query object. The absolute time bounds are left out:
// the relative since and until expressions they were parsed from identify
// the window, so requests for "last 7 days" share a key during the cache
// timeout. extra distinguishes derived queries of the same chart.
func (vc *Context) CacheKey(q *query.QueryObject, extra map[string]any) (string, error) {
	qc := *q
	qc.FromDttm, qc.ToDttm = nil, nil
	qc.InnerFromDttm, qc.InnerToDttm = nil, nil
	b, err := json.Marshal(qc)
	if err != nil {
		return "", fmt.Errorf("error encoding query object: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("error encoding query object: %w", err)
	}
	var userID any
	if vc.UserID != "" {
		userID = vc.UserID
	}
	m["user_id"] = userID
	m["datasource"] = vc.Datasource.UID()
	m["time_shift"] = vc.FormData.String("time_shift")
	for k, v := range extra {
		m[k] = v
	}
	// encoding/json writes map keys sorted
	b, err = json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("error encoding cache key: %w", err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// GetDFPayload runs q through the cache. The returned frame is formatted:
// timestamps parsed and shifted, metrics numeric and missing values filled.
func (vc *Context) GetDFPayload(ctx context.Context, q *query.QueryObject, extra map[string]any) (*DFPayload, error) {
	key, err := vc.CacheKey(q, extra)
	if err != nil {
		return nil, err
	}
	shift, err := vc.builder().TimeShift(vc.FormData)
	if err != nil {
		return nil, err
	}
	timeout := query.CacheTimeout(vc.FormData, vc.Datasource, vc.CacheTimeout)
	vc.logger().DebugContext(ctx, "Cache key", slog.String("key", key))

	res, err := vc.Cache.GetOrCompute(ctx, key, time.Duration(timeout)*time.Second, vc.Force,
		func(ctx context.Context) (*cache.Entry, error) {
			r, err := vc.Runner.Run(ctx, vc.Datasource, *q)
			if err != nil {
				return nil, err
			}
			e := &cache.Entry{
				Frame:      r.Frame,
				Query:      r.Query,
				TotalFound: r.TotalFound,
				Dttm:       vc.now().UTC().Truncate(time.Second),
				Failed:     r.Status == executor.FAILED,
				Error:      r.ErrorMessage,
				Stacktrace: r.Stacktrace,
			}
			if !e.Failed {
				e.Frame = vc.formatFrame(r.Frame, q, shift)
			}
			return e, nil
		})
	if err != nil {
		return nil, err
	}
	e := res.Entry
	out := &DFPayload{
		Frame:      e.Frame,
		CacheKey:   key,
		IsCached:   res.IsCached,
		Query:      e.Query,
		Status:     executor.SUCCESS,
		TotalFound: e.TotalFound,
	}
	if out.Frame == nil {
		out.Frame = &frame.Frame{}
	}
	if e.Failed {
		out.Status = executor.FAILED
		out.Error = e.Error
		out.Stacktrace = e.Stacktrace
	}
	if res.IsCached {
		out.CachedDttm = e.Dttm
		vc.isCached = true
		vc.anyCachedDttm = e.Dttm
	}
	vc.anyCacheKey = key
	return out, nil
}

// GetPayload builds the complete explore payload of the chart family
// named by vc.VizType.
func GetPayload(ctx context.Context, vc *Context) (*Payload, error) {
	v, err := New(vc.VizType)
	if err != nil {
		return nil, err
	}
	p := &Payload{
		CacheTimeout: query.CacheTimeout(vc.FormData, vc.Datasource, vc.CacheTimeout),
		Hierarchy:    vc.hierarchy(),
		FormData:     vc.FormData,
		Status:       executor.SUCCESS,
	}

	if pr, ok := v.(Preparer); ok {
		if err := pr.Prepare(ctx, vc); err != nil {
			return nil, err
		}
	}
	var f *frame.Frame
	if _, ok := v.(NoQuery); !ok {
		q, err := v.QueryObj(vc)
		if err != nil {
			return nil, err
		}
		dfp, err := vc.GetDFPayload(ctx, q, nil)
		if err != nil {
			return nil, err
		}
		f = dfp.Frame
		p.Query = dfp.Query
		p.Status = dfp.Status
		p.TotalFound = dfp.TotalFound
		p.RowCount = dfp.Frame.Len()
		if dfp.Error != "" {
			p.Error = &dfp.Error
		}
		if dfp.Stacktrace != "" && vc.ShowStacktrace {
			p.Stacktrace = &dfp.Stacktrace
		}
	}

	if p.Status != executor.FAILED {
		if eq, ok := v.(ExtraQuerier); ok {
			if err := eq.ExtraQueries(ctx, vc); err != nil {
				return nil, err
			}
		}
		if f != nil && f.Empty() {
			msg := "No data"
			p.Error = &msg
		} else {
			data, err := v.Data(vc, f)
			if err != nil {
				return nil, err
			}
			p.Data = data
		}
	}

	if vc.anyCacheKey != "" {
		p.CacheKey = &vc.anyCacheKey
	}
	p.IsCached = vc.isCached
	if vc.isCached {
		dttm := vc.anyCachedDttm.Format(CACHED_DTTM_FORMAT)
		p.CachedDttm = &dttm
	}
	return p, nil
}

// ExportFrame runs the chart query without pagination and returns the frame
// with verbose column names. For spreadsheets the row limit grows by the
// page offset so the export covers the pages already seen.
func ExportFrame(ctx context.Context, vc *Context, spreadsheet bool) (*frame.Frame, error) {
	v, err := New(vc.VizType)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(NoQuery); ok {
		return nil, invalid("%s has no data to export", vc.VizType)
	}
	fd := vc.FormData.Clone()
	offset := fd.IntOr("page_offset", 0)
	delete(fd, "page_length")
	delete(fd, "page_limit")
	delete(fd, "page_offset")
	if rowLimit, ok := fd.Int("row_limit"); spreadsheet && ok && rowLimit > 0 && offset > 0 {
		fd["row_limit"] = float64(rowLimit + offset)
	}
	evc := *vc
	evc.FormData = fd

	if pr, ok := v.(Preparer); ok {
		if err := pr.Prepare(ctx, &evc); err != nil {
			return nil, err
		}
	}
	q, err := v.QueryObj(&evc)
	if err != nil {
		return nil, err
	}
	dfp, err := evc.GetDFPayload(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	if dfp.Status == executor.FAILED {
		return nil, fmt.Errorf("%w: %s", ErrQueryFailed, dfp.Error)
	}
	if ex, ok := v.(Exporter); ok {
		return ex.ExportFrame(&evc, dfp.Frame)
	}
	out := dfp.Frame.Clone()
	out.Rename(evc.Datasource.VerboseMap())
	return out, nil
}

func (vc *Context) hierarchy() []Hierarchy {
	out := []Hierarchy{}
	if vc.Datasource == nil {
		return out
	}
	for _, h := range vc.Datasource.Hierarchies {
		hp := Hierarchy{Name: h.Name, Columns: []HierarchyColumn{}}
		for i, name := range h.Columns {
			hc := HierarchyColumn{Name: name, Order: i}
			if col, ok := vc.Datasource.Column(name); ok {
				hc.VerboseName = col.VerboseName
				hc.Groupby = col.Groupby
			}
			hp.Columns = append(hp.Columns, hc)
		}
		out = append(out, hp)
	}
	return out
}

// formatFrame prepares a fresh query result for reshaping and caching.
func (vc *Context) formatFrame(f *frame.Frame, q *query.QueryObject, shift time.Duration) *frame.Frame {
	if f == nil {
		return &frame.Frame{}
	}
	ds := vc.Datasource
	if i := f.Index(query.DTTM_ALIAS); i >= 0 {
		format := ""
		if col, ok := ds.Column(q.Granularity); ok {
			format = col.DateFormat
		}
		offset := time.Duration(ds.Offset)*time.Hour + shift
		f.Fields[i].Kind = frame.KindTime
		f.Map(query.DTTM_ALIAS, func(v any) any {
			t, ok := parseTimestamp(v, format)
			if !ok {
				return nil
			}
			return t.Add(offset)
		})
	}
	for _, name := range slices.Concat(q.Groupby, q.Columns) {
		col, ok := ds.Column(name)
		if !ok || !col.IsDttm || col.DateFormat == "" || !f.Has(name) {
			continue
		}
		f.Fields[f.Index(name)].Kind = frame.KindTime
		f.Map(name, func(v any) any {
			if t, ok := parseTimestamp(v, col.DateFormat); ok {
				return t
			}
			return nil
		})
	}
	for _, m := range q.MetricLabels() {
		i := f.Index(m)
		if i < 0 {
			continue
		}
		f.Fields[i].Kind = frame.KindNumber
		f.Map(m, func(v any) any {
			if _, ok := v.(int64); ok {
				return v
			}
			return frame.Number(frame.Float(v))
		})
	}
	for i, fd := range f.Fields {
		fill := fillValue(vc, fd)
		if fill == nil {
			continue
		}
		for _, row := range f.Rows {
			if row[i] == nil {
				row[i] = fill
			}
		}
	}
	return f
}

func fillValue(vc *Context, fd frame.Field) any {
	if fd.Name == query.DTTM_ALIAS {
		return nil
	}
	col, ok := vc.Datasource.Column(fd.Name)
	switch {
	case ok && col.IsString():
		return " NULL"
	case ok && col.IsTime():
		return "null"
	case !ok && fd.Kind == frame.KindString:
		return " NULL"
	case !ok && fd.Kind == frame.KindTime:
		return nil
	}
	return 0.0
}

// parseTimestamp reads a timestamp the way the column stores it. Numbers
// are epoch seconds unless the format says epoch_ms.
func parseTimestamp(v any, format string) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case float64, int64:
		n := frame.Float(val)
		if math.IsNaN(n) {
			return time.Time{}, false
		}
		if format == "epoch_ms" {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Unix(int64(n), 0).UTC(), true
	case string:
		if format == "epoch_s" || format == "epoch_ms" {
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return time.Time{}, false
			}
			return parseTimestamp(n, format)
		}
		t, err := dateparse.ParseIn(val, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
