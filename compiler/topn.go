package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"vizql/datasource"
	"vizql/query"
	"vizql/sqlexpr"
)

const TOP_GROUPS_ALIAS = "anon_1"

// topGroupsJoin limits the groups of a timeseries query to the top N by
// joining a ranked and limited subquery on the group columns.
func (c *Compiler) topGroupsJoin(
	ctx context.Context,
	q query.QueryObject,
	tmpl *templateProcessor,
	main sqlexpr.MetricExpr,
	groupby []sqlexpr.Fragment,
	inner []sqlexpr.Fragment,
	dttmCol *datasource.Column,
	whereClause sq.Sqlizer,
) (string, error) {
	sub := &selectQuery{}
	for _, f := range inner {
		sub.columns = append(sub.columns, column{expr: f.Expr, name: f.Name})
		sub.groupBy = append(sub.groupBy, f.Expr)
	}
	sub.columns = append(sub.columns, column{expr: main.Expr, name: "mme_inner__"})
	from, err := c.relation(tmpl, q.TextJoin)
	if err != nil {
		return "", err
	}
	sub.from = from

	fromDttm, toDttm := innerWindow(q)
	if dttmCol != nil {
		sub.where = append(sub.where, sqlexpr.TimeFilter(dttmCol, fromDttm, toDttm, c.Spec)...)
	}
	if whereClause != nil {
		sub.where = append(sub.where, whereClause)
	}

	rank := "mme_inner__"
	if q.TimeseriesLimitMetric != nil {
		m, err := sqlexpr.ResolveMetric(c.Datasource, *q.TimeseriesLimitMetric, c.Spec)
		if err != nil {
			return "", err
		}
		rank = m.Expr
	}
	sub.orderBy = []string{orderTerm(rank, !q.OrderDesc)}
	sub.limit = q.TimeseriesLimit

	subSQL, err := sub.toSQL()
	if err != nil {
		return "", err
	}
	on := make([]string, 0, len(groupby))
	for _, f := range groupby {
		on = append(on, f.Operand()+" = "+sqlexpr.Ident(f.Name+"__"))
	}
	return fmt.Sprintf("(%s) AS %s ON %s", subSQL, TOP_GROUPS_ALIAS, strings.Join(on, " AND ")), nil
}

// topGroupsPrequery runs the top N groups as a separate query and returns a
// predicate matching exactly the returned groups, one OR branch per row.
func (c *Compiler) topGroupsPrequery(
	ctx context.Context,
	q query.QueryObject,
	main sqlexpr.MetricExpr,
	metrics []sqlexpr.MetricExpr,
	st *state,
) (sq.Sqlizer, error) {
	sub := q
	sub.IsPrequery = true
	sub.IsTimeseries = false
	sub.IsTotal = false
	sub.RowLimit = q.TimeseriesLimit
	sub.TimeseriesLimit = 0
	sub.PageLength = 0
	sub.PageOffset = 0
	sub.FromDttm, sub.ToDttm = innerWindow(q)
	sub.InnerFromDttm, sub.InnerToDttm = nil, nil
	sub.OrderDesc = true
	if len(sub.Orderby) == 0 && len(sub.Columns) == 0 && len(metrics) > 0 {
		sub.Orderby = []query.OrderBy{{Expr: main.Label, Ascending: !q.OrderDesc}}
	}

	built, _, err := c.build(ctx, sub, st)
	if err != nil {
		return nil, err
	}
	raw, err := built.toSQL()
	if err != nil {
		return nil, err
	}
	sql := sqlexpr.FormatSQL(raw)
	st.prequeries = append(st.prequeries, sql)

	if c.Prequery == nil {
		return nil, &PrequeryError{SQL: sql, Err: fmt.Errorf("no prequery runner for engine %s", c.Spec.Engine)}
	}
	result, err := c.Prequery.Prequery(ctx, sql)
	if err != nil {
		return nil, &PrequeryError{SQL: sql, Err: err}
	}

	labels := make([]string, 0, len(metrics))
	for _, m := range metrics {
		labels = append(labels, m.Label)
	}
	var dims []int
	for i, name := range result.Columns {
		if !slices.Contains(labels, name) {
			dims = append(dims, i)
		}
	}
	if len(result.Rows) == 0 || len(dims) == 0 {
		c.logger().InfoContext(ctx, "Top groups prequery returned no groups", slog.String("datasource", c.Datasource.ID))
		st.noRows = true
		return sq.Expr("1 = 0"), nil
	}

	groups := make(sq.Or, 0, len(result.Rows))
	for _, row := range result.Rows {
		group := make(sq.And, 0, len(dims))
		for _, i := range dims {
			name := result.Columns[i]
			col, ok := c.Datasource.Column(name)
			if !ok {
				return nil, &sqlexpr.UnknownColumnError{Name: name}
			}
			operand := sqlexpr.ColumnFragment(col).Operand()
			if row[i] == nil {
				group = append(group, sq.Expr(operand+" IS NULL"))
				continue
			}
			group = append(group, sq.Expr(operand+" = "+c.valueLiteral(col, row[i])))
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// valueLiteral renders a value returned by the database as a literal.
func (c *Compiler) valueLiteral(col *datasource.Column, v any) string {
	switch val := v.(type) {
	case string:
		return sqlexpr.Quote(val)
	case []byte:
		return sqlexpr.Quote(string(val))
	case time.Time:
		return sqlexpr.LiteralFor(col, val, c.Spec)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	}
	return sqlexpr.Quote(fmt.Sprint(v))
}

func innerWindow(q query.QueryObject) (*time.Time, *time.Time) {
	from, to := q.FromDttm, q.ToDttm
	if q.InnerFromDttm != nil {
		from = q.InnerFromDttm
	}
	if q.InnerToDttm != nil {
		to = q.InnerToDttm
	}
	return from, to
}
