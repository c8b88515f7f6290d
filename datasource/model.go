// Package datasource holds the metadata of queryable tables: columns,
// metrics, hierarchies and the database they live in.
package datasource

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"vizql/dialect"
)

var (
	ErrNotFound = errors.New("datasource not found")
	ErrInvalid  = errors.New("invalid datasource definition")
)

var (
	numTypes    = []string{"DOUBLE", "FLOAT", "INT", "REAL", "NUMERIC", "DECIMAL", "MONEY", "HUGEINT", "NUMBER"}
	strTypes    = []string{"CHAR", "STRING", "TEXT", "UUID", "ENUM"}
	dttmTypes   = []string{"DATE", "TIME", "TIMESTAMP"}
	autoMetrics = []string{"sum", "avg", "max", "min", "count_distinct"}
)

type Column struct {
	Name               string `json:"column_name" yaml:"name"`
	Expression         string `json:"expression,omitempty" yaml:"expression,omitempty"`
	Type               string `json:"type" yaml:"type"`
	VerboseName        string `json:"verbose_name,omitempty" yaml:"verbose_name,omitempty"`
	Description        string `json:"description,omitempty" yaml:"description,omitempty"`
	IsDttm             bool   `json:"is_dttm" yaml:"is_dttm"`
	Groupby            bool   `json:"groupby" yaml:"groupby"`
	Filterable         bool   `json:"filterable" yaml:"filterable"`
	IsFilterKey        bool   `json:"is_filter_key" yaml:"is_filter_key"`
	Sum                bool   `json:"sum" yaml:"sum"`
	Avg                bool   `json:"avg" yaml:"avg"`
	Min                bool   `json:"min" yaml:"min"`
	Max                bool   `json:"max" yaml:"max"`
	CountDistinct      bool   `json:"count_distinct" yaml:"count_distinct"`
	DateFormat         string `json:"python_date_format,omitempty" yaml:"date_format,omitempty"`
	DatabaseExpression string `json:"database_expression,omitempty" yaml:"database_expression,omitempty"`
}

func (c *Column) IsCalculated() bool {
	return c.Expression != ""
}

func (c *Column) IsNum() bool {
	return containsAny(c.Type, numTypes)
}

func (c *Column) IsString() bool {
	return containsAny(c.Type, strTypes)
}

func (c *Column) IsTime() bool {
	return c.IsDttm || containsAny(c.Type, dttmTypes)
}

func (c *Column) Label() string {
	if c.VerboseName != "" {
		return c.VerboseName
	}
	return c.Name
}

// AutoMetrics returns the predefined metrics implied by the aggregation flags.
func (c *Column) AutoMetrics() []Metric {
	var metrics []Metric
	for _, kind := range autoMetrics {
		var on bool
		var expr string
		switch kind {
		case "sum":
			on, expr = c.Sum, "SUM("+c.Name+")"
		case "avg":
			on, expr = c.Avg, "AVG("+c.Name+")"
		case "max":
			on, expr = c.Max, "MAX("+c.Name+")"
		case "min":
			on, expr = c.Min, "MIN("+c.Name+")"
		case "count_distinct":
			on, expr = c.CountDistinct, "COUNT(DISTINCT "+c.Name+")"
		}
		if on {
			metrics = append(metrics, Metric{Name: kind + "__" + c.Name, Type: kind, Expression: expr})
		}
	}
	return metrics
}

type ComplexAggregation struct {
	Function string `json:"aggregation_function" yaml:"function"`
	// OrderColumns rank rows for first/last aggregations, most significant first.
	OrderColumns []string `json:"order_columns,omitempty" yaml:"order_columns,omitempty"`
	Hierarchy    string   `json:"hierarchy" yaml:"hierarchy"`
	Order        int      `json:"order" yaml:"order"`
}

// IsTimeAggregation reports whether the step is a first/last by moment step.
func (a ComplexAggregation) IsTimeAggregation() bool {
	f := strings.ToLower(a.Function)
	return f == "first" || f == "last"
}

type Metric struct {
	Name                string               `json:"metric_name" yaml:"name"`
	Expression          string               `json:"expression" yaml:"expression"`
	Type                string               `json:"metric_type,omitempty" yaml:"type,omitempty"`
	VerboseName         string               `json:"verbose_name,omitempty" yaml:"verbose_name,omitempty"`
	Description         string               `json:"description,omitempty" yaml:"description,omitempty"`
	D3Format            string               `json:"d3format,omitempty" yaml:"d3format,omitempty"`
	ComplexAggregations []ComplexAggregation `json:"complex_aggregations,omitempty" yaml:"complex_aggregations,omitempty"`
}

func (m *Metric) Label() string {
	if m.VerboseName != "" {
		return m.VerboseName
	}
	return m.Name
}

// Steps returns the complex aggregation steps sorted by their order.
func (m *Metric) Steps() []ComplexAggregation {
	steps := slices.Clone(m.ComplexAggregations)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

type Hierarchy struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
}

type Database struct {
	Name   string `json:"database_name" yaml:"name"`
	Engine string `json:"engine" yaml:"engine"`
	// DSN is passed to the engine's database/sql driver. Empty for the
	// service's own DuckDB database.
	DSN          string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	CacheTimeout *int   `json:"cache_timeout,omitempty" yaml:"cache_timeout,omitempty"`
}

func (d Database) Spec() (*dialect.Spec, error) {
	return dialect.Get(d.Engine)
}

type Datasource struct {
	ID                   string      `json:"id" yaml:"id"`
	TableName            string      `json:"table_name" yaml:"table_name"`
	Schema               string      `json:"schema,omitempty" yaml:"schema,omitempty"`
	SQL                  string      `json:"sql,omitempty" yaml:"sql,omitempty"`
	Description          string      `json:"description,omitempty" yaml:"description,omitempty"`
	MainDttmCol          string      `json:"main_dttm_col,omitempty" yaml:"main_dttm_col,omitempty"`
	Offset               int         `json:"offset,omitempty" yaml:"offset,omitempty"`
	CacheTimeout         *int        `json:"cache_timeout,omitempty" yaml:"cache_timeout,omitempty"`
	FetchValuesPredicate string      `json:"fetch_values_predicate,omitempty" yaml:"fetch_values_predicate,omitempty"`
	Database             Database    `json:"database" yaml:"database"`
	Columns              []Column    `json:"columns" yaml:"columns"`
	Metrics              []Metric    `json:"metrics" yaml:"metrics"`
	Hierarchies          []Hierarchy `json:"hierarchies,omitempty" yaml:"hierarchies,omitempty"`
}

func (ds *Datasource) UID() string {
	return ds.ID + "__table"
}

func (ds *Datasource) Name() string {
	if ds.Schema != "" {
		return ds.Schema + "." + ds.TableName
	}
	return ds.TableName
}

func (ds *Datasource) Column(name string) (*Column, bool) {
	for i := range ds.Columns {
		if ds.Columns[i].Name == name {
			return &ds.Columns[i], true
		}
	}
	return nil, false
}

// Metric finds a declared metric, one implied by a column's aggregation flags
// or the implicit "count" metric.
func (ds *Datasource) Metric(name string) (*Metric, bool) {
	for i := range ds.Metrics {
		if ds.Metrics[i].Name == name {
			return &ds.Metrics[i], true
		}
	}
	for i := range ds.Columns {
		for _, m := range ds.Columns[i].AutoMetrics() {
			if m.Name == name {
				return &m, true
			}
		}
	}
	if name == "count" {
		return &Metric{Name: "count", Type: "count", Expression: "COUNT(*)", VerboseName: "COUNT(*)"}, true
	}
	return nil, false
}

func (ds *Datasource) Hierarchy(name string) (*Hierarchy, bool) {
	for i := range ds.Hierarchies {
		if ds.Hierarchies[i].Name == name {
			return &ds.Hierarchies[i], true
		}
	}
	return nil, false
}

func (ds *Datasource) DttmCols() []string {
	var cols []string
	for _, c := range ds.Columns {
		if c.IsTime() {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// VerboseMap maps column and metric names to display labels.
func (ds *Datasource) VerboseMap() map[string]string {
	m := map[string]string{"__timestamp": "Time"}
	for _, c := range ds.Columns {
		m[c.Name] = c.Label()
	}
	for _, mt := range ds.Metrics {
		m[mt.Name] = mt.Label()
	}
	return m
}

// HierarchyMap returns hierarchy name to ordered column names.
func (ds *Datasource) HierarchyMap() map[string][]string {
	m := map[string][]string{}
	for _, h := range ds.Hierarchies {
		m[h.Name] = slices.Clone(h.Columns)
	}
	return m
}

func (ds *Datasource) Validate() error {
	if ds.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if ds.TableName == "" && ds.SQL == "" {
		return fmt.Errorf("%w: %s needs table_name or sql", ErrInvalid, ds.ID)
	}
	if _, err := ds.Database.Spec(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, ds.ID, err)
	}
	seen := map[string]bool{}
	for _, c := range ds.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: %s has a column without name", ErrInvalid, ds.ID)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %s has duplicate column %q", ErrInvalid, ds.ID, c.Name)
		}
		seen[c.Name] = true
	}
	if ds.MainDttmCol != "" && !seen[ds.MainDttmCol] {
		return fmt.Errorf("%w: %s main_dttm_col %q is not a column", ErrInvalid, ds.ID, ds.MainDttmCol)
	}
	for _, h := range ds.Hierarchies {
		for _, c := range h.Columns {
			if !seen[c] {
				return fmt.Errorf("%w: %s hierarchy %q references unknown column %q", ErrInvalid, ds.ID, h.Name, c)
			}
		}
	}
	for _, m := range ds.Metrics {
		if m.Name == "" || m.Expression == "" {
			return fmt.Errorf("%w: %s has a metric without name or expression", ErrInvalid, ds.ID)
		}
		for _, step := range m.ComplexAggregations {
			if _, ok := ds.Hierarchy(step.Hierarchy); !ok {
				return fmt.Errorf("%w: %s metric %q references unknown hierarchy %q", ErrInvalid, ds.ID, m.Name, step.Hierarchy)
			}
			if step.IsTimeAggregation() && len(step.OrderColumns) == 0 {
				return fmt.Errorf("%w: %s metric %q needs order_columns for %s", ErrInvalid, ds.ID, m.Name, step.Function)
			}
		}
	}
	return nil
}

func containsAny(t string, names []string) bool {
	t = strings.ToUpper(t)
	for _, n := range names {
		if strings.Contains(t, n) {
			return true
		}
	}
	return false
}
