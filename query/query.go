// Package query holds the normalized, backend agnostic description of one
// aggregation request and the builder that derives it from form data.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DTTM_ALIAS is the column name of the bucketed timestamp in every result.
const DTTM_ALIAS = "__timestamp"

type AdhocColumn struct {
	ColumnName string `json:"column_name"`
	Type       string `json:"type,omitempty"`
}

// AdhocMetric is a metric defined inline by the caller.
type AdhocMetric struct {
	ExpressionType  string       `json:"expressionType,omitempty"`
	Column          *AdhocColumn `json:"column,omitempty"`
	Aggregate       string       `json:"aggregate"`
	Label           string       `json:"label,omitempty"`
	CumulativeTotal bool         `json:"cumulativeTotal,omitempty"`
}

func (m *AdhocMetric) ColumnName() string {
	if m.Column == nil {
		return ""
	}
	return m.Column.ColumnName
}

func (m *AdhocMetric) GetLabel() string {
	if m.Label != "" {
		return m.Label
	}
	return fmt.Sprintf("%s(%s)", strings.ToUpper(m.Aggregate), m.ColumnName())
}

// MetricRef references a stored metric by name or carries an ad-hoc metric.
// In JSON it is either a string or an object.
type MetricRef struct {
	Name  string
	Adhoc *AdhocMetric
}

func (r MetricRef) IsZero() bool {
	return r.Name == "" && r.Adhoc == nil
}

func (r MetricRef) IsAdhoc() bool {
	return r.Adhoc != nil
}

func (r MetricRef) Label() string {
	if r.Adhoc != nil {
		return r.Adhoc.GetLabel()
	}
	return r.Name
}

func (r MetricRef) MarshalJSON() ([]byte, error) {
	if r.Adhoc != nil {
		return json.Marshal(r.Adhoc)
	}
	return json.Marshal(r.Name)
}

func (r *MetricRef) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*r = MetricRef{Name: name}
		return nil
	}
	var adhoc AdhocMetric
	if err := json.Unmarshal(b, &adhoc); err != nil {
		return fmt.Errorf("metric must be a name or an ad-hoc metric: %w", err)
	}
	*r = MetricRef{Adhoc: &adhoc}
	return nil
}

// MetricLabels returns the display labels of refs in order.
func MetricLabels(refs []MetricRef) []string {
	labels := make([]string, 0, len(refs))
	for _, r := range refs {
		labels = append(labels, r.Label())
	}
	return labels
}

const (
	AND = "and"
	OR  = "or"
)

// Filter is a node of a filter tree. Leaves carry Col, Op and Val; interior
// nodes carry Children. Conjunction describes how the node joins the result
// of its preceding siblings.
type Filter struct {
	Col         string   `json:"col,omitempty"`
	Op          string   `json:"op,omitempty"`
	Val         any      `json:"val,omitempty"`
	Conjunction string   `json:"conjunction,omitempty"`
	Children    []Filter `json:"children,omitempty"`
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	type plain Filter
	var raw struct {
		plain
		// Older clients send the misspelled key.
		Conjuction string `json:"conjuction"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = Filter(raw.plain)
	if f.Conjunction == "" {
		f.Conjunction = raw.Conjuction
	}
	return nil
}

func (f *Filter) IsGroup() bool {
	return len(f.Children) > 0
}

// IsOr reports whether the node joins its predecessor with OR. Anything but
// "or" means AND.
func (f *Filter) IsOr() bool {
	return strings.EqualFold(strings.TrimSpace(f.Conjunction), OR)
}

// OrderBy is an (expression, ascending) pair, a two element array in JSON.
type OrderBy struct {
	Expr      string
	Ascending bool
}

func (o OrderBy) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{o.Expr, o.Ascending})
}

func (o *OrderBy) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.New("orderby entries must be [expression, ascending] pairs")
	}
	if err := json.Unmarshal(pair[0], &o.Expr); err != nil {
		// ad-hoc metric objects order by their label
		var ref MetricRef
		if err := json.Unmarshal(pair[0], &ref); err != nil {
			return err
		}
		o.Expr = ref.Label()
	}
	return json.Unmarshal(pair[1], &o.Ascending)
}

// CustomColumn is a raw SQL expression selected next to the requested
// columns, such as a constant placeholder column.
type CustomColumn struct {
	Expression string `json:"expression"`
	Label      string `json:"label"`
}

// TextJoin outer joins the datasource table with a raw SQL relation before
// the query runs. JoinWith, On and the ReplaceColumns values may reference
// datasource columns as {name}. The joined relation is aliased table2 and
// exposes Columns. ReplaceColumns swaps the value of a datasource column
// for another expression, so the outer query groups by the replacement.
type TextJoin struct {
	JoinWith       string            `json:"join_with"`
	On             string            `json:"on"`
	Columns        []string          `json:"columns"`
	ReplaceColumns map[string]string `json:"replace_query_columns,omitempty"`
}

type Extras struct {
	Where         string `json:"where,omitempty"`
	Having        string `json:"having,omitempty"`
	TimeGrainSQLA string `json:"time_grain_sqla,omitempty"`
}

// QueryObject is passed by value through the pipeline. Slices are never
// modified in place after construction.
type QueryObject struct {
	Granularity           string         `json:"granularity"`
	FromDttm              *time.Time     `json:"from_dttm"`
	ToDttm                *time.Time     `json:"to_dttm"`
	InnerFromDttm         *time.Time     `json:"inner_from_dttm,omitempty"`
	InnerToDttm           *time.Time     `json:"inner_to_dttm,omitempty"`
	IsTimeseries          bool           `json:"is_timeseries"`
	IsTotal               bool           `json:"is_total,omitempty"`
	IsPrequery            bool           `json:"is_prequery,omitempty"`
	Groupby               []string       `json:"groupby"`
	Metrics               []MetricRef    `json:"metrics"`
	Columns               []string       `json:"columns,omitempty"`
	Filter                []Filter       `json:"filter"`
	RowLimit              int            `json:"row_limit"`
	PageLength            int            `json:"page_length,omitempty"`
	PageOffset            int            `json:"page_offset,omitempty"`
	TimeseriesLimit       int            `json:"timeseries_limit"`
	TimeseriesLimitMetric *MetricRef     `json:"timeseries_limit_metric"`
	OrderDesc             bool           `json:"order_desc"`
	Orderby               []OrderBy      `json:"orderby,omitempty"`
	Extras                Extras         `json:"extras"`
	CustomColumns         []CustomColumn `json:"custom_columns,omitempty"`
	TextJoin              *TextJoin      `json:"text_join,omitempty"`
	// Since and Until keep the relative expressions the bounds were parsed
	// from. Cache keys use them instead of the absolute bounds.
	Since string `json:"since"`
	Until string `json:"until"`
}

// MetricLabels returns the labels of the requested metrics.
func (q *QueryObject) MetricLabels() []string {
	return MetricLabels(q.Metrics)
}
