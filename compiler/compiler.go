// Package compiler turns query objects into executable SQL for a datasource.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"vizql/datasource"
	"vizql/dialect"
	"vizql/query"
	"vizql/sqlexpr"
	"vizql/util"
)

var (
	ErrEmptyQuery         = errors.New("Empty query?")
	ErrMissingGranularity = errors.New("Datetime column not provided as part table configuration and is required by this type of chart")
	ErrInvalidQuery       = errors.New("invalid query object")
)

// PrequeryError aborts a compilation whose top groups prequery failed.
type PrequeryError struct {
	SQL string
	Err error
}

func (e *PrequeryError) Error() string {
	return fmt.Sprintf("top groups prequery failed: %v", e.Err)
}

func (e *PrequeryError) Unwrap() error {
	return e.Err
}

type PrequeryResult struct {
	Columns []string
	Rows    [][]any
}

// PrequeryRunner executes the top groups query for engines that cannot
// limit groups with a joined subquery.
type PrequeryRunner interface {
	Prequery(ctx context.Context, sql string) (*PrequeryResult, error)
}

type Compiler struct {
	Datasource *datasource.Datasource
	Spec       *dialect.Spec
	Lookup     sqlexpr.Lookup
	Prequery   PrequeryRunner
	// CaseInsensitive compares string columns of in / not in filters in
	// lower case.
	CaseInsensitive bool
	Template        TemplateContext
	Logger          *slog.Logger
	Now             func() time.Time
}

// Compiled is the result of one compilation. SQL is exactly the text that
// is executed.
type Compiled struct {
	SQL        string
	CountSQL   string
	Prequeries []string
	MainMetric string
	// NoRows is set when the query is known to return nothing, e.g. when
	// the top groups prequery found no groups.
	NoRows bool
}

// state is the mutable context of one compilation.
type state struct {
	prequeries []string
	noRows     bool
}

func New(ds *datasource.Datasource, logger *slog.Logger) (*Compiler, error) {
	spec, err := ds.Database.Spec()
	if err != nil {
		return nil, err
	}
	return &Compiler{Datasource: ds, Spec: spec, Logger: logger, Now: time.Now}, nil
}

func (c *Compiler) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Compiler) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

func (c *Compiler) Compile(ctx context.Context, q query.QueryObject) (*Compiled, error) {
	st := &state{}
	main, metric, err := c.build(ctx, q, st)
	if err != nil {
		return nil, err
	}
	countSQL, err := countQuery(main)
	if err != nil {
		return nil, err
	}
	sql := countSQL
	if !q.IsTotal {
		if sql, err = main.toSQL(); err != nil {
			return nil, err
		}
	}
	return &Compiled{
		SQL:        sqlexpr.FormatSQL(sql),
		CountSQL:   sqlexpr.FormatSQL(countSQL),
		Prequeries: st.prequeries,
		MainMetric: metric,
		NoRows:     st.noRows,
	}, nil
}

// QueryString renders the SQL of q for display. It equals the SQL Compile
// returns.
func (c *Compiler) QueryString(ctx context.Context, q query.QueryObject) (string, error) {
	compiled, err := c.Compile(ctx, q)
	if err != nil {
		return "", err
	}
	return compiled.SQL, nil
}

// timeAggregation describes a first/last by moment step.
type timeAggregation struct {
	cols         []string
	orderColumns []string
	last         bool
}

// chainStep is a complex aggregation step that wraps the previous query.
type chainStep struct {
	metric  *datasource.Metric
	step    datasource.ComplexAggregation
	columns []string
}

func (c *Compiler) build(ctx context.Context, q query.QueryObject, st *state) (*selectQuery, string, error) {
	ds := c.Datasource
	tmpl := c.templateProcessor(&q)

	granularity := q.Granularity
	if !slices.Contains(ds.DttmCols(), granularity) {
		granularity = ds.MainDttmCol
	}
	if granularity == "" && q.IsTimeseries {
		return nil, "", ErrMissingGranularity
	}
	if len(q.Groupby) == 0 && len(q.Metrics) == 0 && len(q.Columns) == 0 {
		return nil, "", ErrEmptyQuery
	}

	var metrics []sqlexpr.MetricExpr
	for _, ref := range q.Metrics {
		m, err := sqlexpr.ResolveMetric(ds, ref, c.Spec)
		if err != nil {
			var unknown *sqlexpr.UnknownMetricError
			if errors.As(err, &unknown) {
				// Clients echo plain sort columns back as metrics.
				c.logger().DebugContext(ctx, "Dropping unknown metric", slog.String("metric", unknown.Name))
				continue
			}
			return nil, "", err
		}
		metrics = append(metrics, m)
	}
	main := sqlexpr.CountMetric()
	if len(metrics) > 0 {
		main = metrics[0]
	}

	var timeAgg *timeAggregation
	var chain []chainStep
	for _, m := range metrics {
		if m.Metric == nil {
			continue
		}
		for _, step := range m.Metric.Steps() {
			h, _ := ds.Hierarchy(step.Hierarchy)
			if step.IsTimeAggregation() {
				var cols []string
				if timeAgg != nil {
					cols = timeAgg.cols
				}
				timeAgg = &timeAggregation{
					cols:         appendUnique(cols, q.Groupby...),
					orderColumns: step.OrderColumns,
					last:         strings.EqualFold(step.Function, "last"),
				}
				continue
			}
			var cols []string
			if h != nil {
				cols = h.Columns
			}
			chain = append(chain, chainStep{metric: m.Metric, step: step, columns: cols})
		}
	}

	qry := &selectQuery{}
	var groupbyFrags, innerSelect []sqlexpr.Fragment
	switch {
	case len(q.Groupby) > 0:
		for _, name := range q.Groupby {
			frag, err := sqlexpr.ResolveColumn(ds, name)
			if err != nil {
				return nil, "", err
			}
			groupbyFrags = append(groupbyFrags, frag)
			qry.columns = append(qry.columns, column{expr: frag.Expr, name: frag.Name})
			qry.groupBy = append(qry.groupBy, sqlexpr.Ident(frag.Name))
			innerSelect = append(innerSelect, sqlexpr.Fragment{Expr: frag.Operand(), Name: frag.Name + "__", Computed: true})
		}
	case len(q.Columns) > 0:
		for _, name := range q.Columns {
			frag, err := sqlexpr.ResolveColumn(ds, name)
			if err != nil {
				return nil, "", err
			}
			qry.columns = append(qry.columns, column{expr: frag.Expr, name: frag.Name})
		}
		metrics = nil
	}

	var dttmCol *datasource.Column
	if granularity != "" {
		col, ok := ds.Column(granularity)
		if !ok {
			return nil, "", &sqlexpr.UnknownColumnError{Name: granularity}
		}
		dttmCol = col
		if q.IsTimeseries {
			ts := sqlexpr.TimestampExpression(col, q.Extras.TimeGrainSQLA, c.Spec)
			qry.columns = append(qry.columns, column{expr: ts.Expr, name: ts.Name})
			qry.groupBy = append(qry.groupBy, sqlexpr.Ident(ts.Name))
			for i, m := range metrics {
				if m.Adhoc != nil && m.Adhoc.CumulativeTotal {
					partition := make([]string, 0, len(groupbyFrags))
					for _, f := range groupbyFrags {
						partition = append(partition, f.Operand())
					}
					metrics[i] = sqlexpr.CumulativeTotal(m, partition, ts.Expr)
				}
			}
		}
	}
	for _, m := range metrics {
		qry.columns = append(qry.columns, column{expr: m.Expr, name: m.Label})
	}
	for _, cc := range q.CustomColumns {
		if cc.Expression == "" || cc.Label == "" {
			return nil, "", fmt.Errorf("%w: custom columns need an expression and a label", ErrInvalidQuery)
		}
		qry.columns = append(qry.columns, column{expr: sqlexpr.Raw(cc.Expression), name: cc.Label})
	}
	if len(q.Columns) > 0 && len(q.Groupby) == 0 {
		qry.groupBy = nil
	}

	from, err := c.relation(tmpl, q.TextJoin)
	if err != nil {
		return nil, "", err
	}
	qry.from = from

	filters := &sqlexpr.FilterEvaluator{
		Datasource:      ds,
		Spec:            c.Spec,
		CaseInsensitive: c.CaseInsensitive,
		Lookup:          c.Lookup,
		Now:             c.now(),
	}
	whereClause := filters.Evaluate(ctx, q.Filter)
	if q.Extras.Where != "" {
		where, err := tmpl.process(q.Extras.Where)
		if err != nil {
			return nil, "", err
		}
		qry.where = append(qry.where, sq.Expr("("+sqlexpr.Raw(where)+")"))
	}
	if dttmCol != nil {
		qry.where = append(qry.where, sqlexpr.TimeFilter(dttmCol, q.FromDttm, q.ToDttm, c.Spec)...)
	}
	if whereClause != nil {
		qry.where = append(qry.where, whereClause)
	}
	if q.Extras.Having != "" {
		having, err := tmpl.process(q.Extras.Having)
		if err != nil {
			return nil, "", err
		}
		qry.having = append(qry.having, "("+sqlexpr.Raw(having)+")")
	}

	explicit := len(q.Orderby) > 0
	for _, o := range query.DefaultOrderby(&q, main.Label) {
		if !explicit {
			qry.orderBy = append(qry.orderBy, c.mainOrder(main, metrics, o.Ascending))
			continue
		}
		qry.orderBy = append(qry.orderBy, orderTerm(sqlexpr.Ident(o.Expr), o.Ascending))
	}

	if q.IsTimeseries && q.TimeseriesLimit > 0 && len(q.Groupby) > 0 && !c.Spec.TimeGroupbyInline {
		if c.Spec.InnerJoins {
			join, err := c.topGroupsJoin(ctx, q, tmpl, main, groupbyFrags, innerSelect, dttmCol, whereClause)
			if err != nil {
				return nil, "", err
			}
			qry.joins = append(qry.joins, join)
		} else {
			pred, err := c.topGroupsPrequery(ctx, q, main, metrics, st)
			if err != nil {
				return nil, "", err
			}
			qry.where = append(qry.where, pred)
		}
	}

	baseNames := qry.names()
	if timeAgg != nil {
		if qry, err = c.applyTimeAggregation(qry, timeAgg, groupbyFrags, len(q.Columns) > 0); err != nil {
			return nil, "", err
		}
	}

	if len(chain) > 0 {
		final, err := c.applyChain(qry, chain, baseNames)
		if err != nil {
			return nil, "", err
		}
		final.limit = pageLimit(q.TimeseriesLimit, q.PageLength)
		final.offset = q.PageOffset
		return final, main.Label, nil
	}

	qry.limit = pageLimit(q.RowLimit, q.PageLength)
	qry.offset = q.PageOffset
	return qry, main.Label, nil
}

// mainOrder orders by the main metric, by name when it is selected.
func (c *Compiler) mainOrder(main sqlexpr.MetricExpr, selected []sqlexpr.MetricExpr, ascending bool) string {
	for _, m := range selected {
		if m.Label == main.Label {
			return orderTerm(sqlexpr.Ident(main.Label), ascending)
		}
	}
	return orderTerm(main.Expr, ascending)
}

func orderTerm(expr string, ascending bool) string {
	if ascending {
		return expr + " ASC"
	}
	return expr + " DESC"
}

func (c *Compiler) fromClause(tmpl *templateProcessor) (string, error) {
	ds := c.Datasource
	if ds.SQL != "" {
		sql, err := tmpl.process(ds.SQL)
		if err != nil {
			return "", err
		}
		return "(" + sqlexpr.Raw(util.StripSQLComments(sql)) + ") AS expr_qry", nil
	}
	return c.tableName(), nil
}

// relation returns the FROM clause, outer joined with the text join when
// one is given.
func (c *Compiler) relation(tmpl *templateProcessor, join *query.TextJoin) (string, error) {
	from, err := c.fromClause(tmpl)
	if err != nil || join == nil {
		return from, err
	}
	if join.JoinWith == "" || join.On == "" {
		return "", fmt.Errorf("%w: text join needs a relation and a condition", ErrInvalidQuery)
	}
	var physical []string
	pairs := []string{}
	for _, col := range c.Datasource.Columns {
		if col.IsCalculated() {
			continue
		}
		physical = append(physical, col.Name)
		pairs = append(pairs, "{"+col.Name+"}", util.QuoteIdentifier(col.Name))
	}
	placeholders := strings.NewReplacer(pairs...)
	joined := from + " LEFT OUTER JOIN (" + sqlexpr.Raw(placeholders.Replace(join.JoinWith)) + ") AS table2 ON " +
		sqlexpr.Raw(placeholders.Replace(join.On))
	if len(join.ReplaceColumns) == 0 {
		return joined, nil
	}
	cols := make([]string, 0, len(physical))
	for _, name := range physical {
		expr, ok := join.ReplaceColumns[name]
		if !ok {
			cols = append(cols, sqlexpr.Ident(name))
			continue
		}
		cols = append(cols, sqlexpr.Raw(placeholders.Replace(expr))+" AS "+sqlexpr.Ident(name))
	}
	return "(SELECT " + strings.Join(cols, ", ") + " FROM " + joined + ") AS subq", nil
}

func (c *Compiler) tableName() string {
	ds := c.Datasource
	if ds.Schema != "" {
		return sqlexpr.Ident(ds.Schema) + "." + sqlexpr.Ident(ds.TableName)
	}
	return sqlexpr.Ident(ds.TableName)
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(dst, item) {
			dst = append(dst, item)
		}
	}
	return dst
}
