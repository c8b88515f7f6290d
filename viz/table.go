package viz

import (
	"encoding/json"
	"slices"

	"vizql/frame"
	"vizql/query"
)

func init() {
	register("table", "Table View", func() Viz { return &tableViz{} })
	register("time_table", "Time Series Table", func() Viz { return &timeTableViz{} })
}

type tableViz struct{}

type tableData struct {
	Records []map[string]any `json:"records"`
	Columns []string         `json:"columns"`
}

func (v *tableViz) timeseries(vc *Context) (bool, error) {
	fd := vc.FormData
	if !fd.Bool("include_time") {
		return false, nil
	}
	if fd.String("granularity") == "" && fd.String("granularity_sqla") == "" {
		return false, invalid("Pick a granularity in the Time section or uncheck 'Include Time'")
	}
	return true, nil
}

func (v *tableViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	fd := vc.FormData
	isTimeseries, err := v.timeseries(vc)
	if err != nil {
		return nil, err
	}
	q, err := vc.baseQuery(isTimeseries)
	if err != nil {
		return nil, err
	}
	percent := fd.MetricRefs("percent_metrics")
	allColumns := fd.Strings("all_columns")
	if len(allColumns) > 0 && (len(fd.Strings("groupby")) > 0 || len(q.Metrics) > 0 || len(percent) > 0) {
		return nil, invalid("Choose either fields to [Group By] and [Metrics] and/or [Percentage Metrics], or [Columns], not both")
	}

	sortBy, hasSort := fd.MetricRef("timeseries_limit_metric")
	switch {
	case len(allColumns) > 0:
		q.Columns = allColumns
		q.Groupby = nil
		q.Orderby = nil
		for _, raw := range fd.Strings("order_by_cols") {
			var o query.OrderBy
			if err := json.Unmarshal([]byte(raw), &o); err != nil {
				return nil, invalid("Invalid order_by_cols entry %s", raw)
			}
			q.Orderby = append(q.Orderby, o)
		}
	case hasSort:
		if !slices.Contains(q.MetricLabels(), sortBy.Label()) {
			q.Metrics = append(slices.Clone(q.Metrics), sortBy)
		}
		q.Orderby = []query.OrderBy{{Expr: sortBy.Label(), Ascending: !fd.BoolOr("order_desc", true)}}
	}
	for _, m := range percent {
		if !slices.Contains(q.MetricLabels(), m.Label()) {
			q.Metrics = append(slices.Clone(q.Metrics), m)
		}
	}
	return q, nil
}

func (v *tableViz) Data(vc *Context, f *frame.Frame) (any, error) {
	isTimeseries, err := v.timeseries(vc)
	if err != nil {
		return nil, err
	}
	if !isTimeseries && f.Has(query.DTTM_ALIAS) {
		f = f.Drop(query.DTTM_ALIAS)
	}

	var percent []string
	for _, m := range vc.FormData.MetricRefs("percent_metrics") {
		if f.Has(m.Label()) {
			percent = append(percent, m.Label())
		}
	}
	if len(percent) > 0 {
		f = f.Clone()
		for _, m := range percent {
			col := f.Floats(m)
			sum := frame.Aggregate(frame.SUM, col)
			out := make([]any, len(col))
			for i, x := range col {
				if sum != 0 {
					out[i] = frame.Number(x / sum)
				}
			}
			f.SetColumn("%"+m, frame.KindNumber, out)
		}
		metrics := vc.metricLabels()
		var drop []string
		for _, m := range percent {
			if !slices.Contains(metrics, m) {
				drop = append(drop, m)
			}
		}
		f = f.Drop(drop...)
	}
	return tableData{Records: records(f), Columns: f.Names()}, nil
}

type timeTableViz struct{}

type timeTableData struct {
	Records   map[string]map[string]any `json:"records"`
	Columns   []string                  `json:"columns"`
	IsGroupBy bool                      `json:"is_group_by"`
}

func (v *timeTableViz) QueryObj(vc *Context) (*query.QueryObject, error) {
	q, err := vc.baseQuery(true)
	if err != nil {
		return nil, err
	}
	if len(q.Metrics) == 0 {
		return nil, invalid("Pick at least one metric")
	}
	if len(vc.FormData.Strings("groupby")) > 0 && len(q.Metrics) > 1 {
		return nil, invalid("When using 'Group By' you are limited to use a single metric")
	}
	return q, nil
}

func (v *timeTableViz) Data(vc *Context, f *frame.Frame) (any, error) {
	groupby := vc.FormData.Strings("groupby")
	values := vc.metricLabels()
	if len(groupby) > 0 {
		values = values[:1]
	}
	t := frame.Pivot(f, frame.PivotSpec{
		Index:   []string{query.DTTM_ALIAS},
		Columns: groupby,
		Values:  values,
	})
	out := timeTableData{Records: map[string]map[string]any{}, Columns: []string{}, IsGroupBy: len(groupby) > 0}
	names := make([]string, len(t.Columns))
	for j, key := range t.Columns {
		names[j] = frame.Format(key[0])
		if len(groupby) > 0 {
			names[j] = frame.KeyName(key[1:])
		}
	}
	out.Columns = names
	for i, key := range t.Index {
		rec := make(map[string]any, len(names))
		for j, name := range names {
			rec[name] = jsFloat(t.Values[i][j])
		}
		out.Records[frame.Format(key[0])] = rec
	}
	return out, nil
}
