package compiler

import (
	"fmt"
	"slices"
	"strings"

	"vizql/sqlexpr"
)

const MOMENT_ALIAS = "moments"

// applyTimeAggregation keeps, per group, only the rows at the latest (last)
// or earliest (first) moment. The moment ranks rows by the order columns,
// most significant first. The WHERE clause moves into the moment subquery.
func (c *Compiler) applyTimeAggregation(qry *selectQuery, agg *timeAggregation, groupby []sqlexpr.Fragment, columnsMode bool) (*selectQuery, error) {
	fn := "MIN"
	if agg.last {
		fn = "MAX"
	}
	out := qry.clone()
	out.where = nil

	sub := &selectQuery{from: qry.from, where: qry.where}
	if c.Spec.WeightedMoment {
		moment := c.weightedMoment(agg.orderColumns)
		out.columns = append(out.columns, column{expr: moment, name: "moment"})
		if !columnsMode {
			out.groupBy = append(out.groupBy, "moment")
		}
		sub.columns = append(sub.columns, column{expr: fn + "(" + moment + ")", name: "moment"})
		using := []string{"moment"}
		for _, col := range agg.cols {
			sub.columns = append(sub.columns, column{name: col})
			sub.groupBy = append(sub.groupBy, sqlexpr.Ident(col))
			using = append(using, sqlexpr.Ident(col))
		}
		subSQL, err := sub.toSQL()
		if err != nil {
			return nil, err
		}
		out.joins = append(out.joins, fmt.Sprintf("(%s) USING (%s)", subSQL, strings.Join(using, ", ")))
		return out, nil
	}

	parts := make([]string, 0, len(agg.orderColumns))
	for _, col := range agg.orderColumns {
		parts = append(parts, c.Spec.Moment(sqlexpr.Ident(col)))
	}
	moment := "CONCAT(" + strings.Join(parts, ", ") + ")"
	if !columnsMode {
		out.groupBy = append(out.groupBy, moment)
	}
	sub.columns = append(sub.columns, column{expr: fn + "(" + moment + ")", name: "moment__"})
	for _, col := range agg.cols {
		sub.columns = append(sub.columns, column{expr: sqlexpr.Ident(col), name: col + "__"})
		sub.groupBy = append(sub.groupBy, sqlexpr.Ident(col))
	}
	subSQL, err := sub.toSQL()
	if err != nil {
		return nil, err
	}
	on := []string{moment + " = moment__"}
	for _, f := range groupby {
		on = append(on, f.Operand()+" = "+sqlexpr.Ident(f.Name+"__"))
	}
	out.joins = append(out.joins, fmt.Sprintf("(%s) AS %s ON %s", subSQL, MOMENT_ALIAS, strings.Join(on, " AND ")))
	return out, nil
}

// weightedMoment sums the order columns weighted by 10^(2*i), where i counts
// from the last order column, so earlier columns are more significant.
func (c *Compiler) weightedMoment(orderColumns []string) string {
	parts := make([]string, 0, len(orderColumns))
	weight := int64(1)
	for _, col := range slices.Backward(orderColumns) {
		parts = append(parts, fmt.Sprintf("%s * %d", sqlexpr.Ident(col), weight))
		weight *= 100
	}
	return strings.Join(parts, "+")
}

// applyChain wraps qry once per complex aggregation step. The first step
// selects the metric's raw argument instead of its aggregate, every step
// aggregates the previous result again, grouped by the slice columns and
// the hierarchy columns of this and all later steps.
func (c *Compiler) applyChain(qry *selectQuery, chain []chainStep, baseNames []string) (*selectQuery, error) {
	depends := make([][]string, len(chain))
	for i, step := range chain {
		depends[i] = step.columns
	}
	current := qry
	for it := 1; it <= len(chain); it++ {
		step := chain[it-1]
		metricName := step.metric.Name
		measure := fmt.Sprintf("measure%d", it)
		lastMeasure := fmt.Sprintf("measure%d", it-1)

		var next []string
		for _, cols := range depends[it-1:] {
			next = appendUnique(next, cols...)
		}
		aggColumns := appendUnique(slices.Clone(step.columns), next...)

		var selectColumns []string
		for _, name := range baseNames {
			if name == metricName || (it > 1 && name == lastMeasure) {
				continue
			}
			selectColumns = appendUnique(selectColumns, name)
		}

		inner := current.clone()
		inner.orderBy = nil
		inner.limit, inner.offset = 0, 0

		var expr string
		if it == 1 {
			raw := rawArgument(step.metric.Expression)
			for i, col := range inner.columns {
				if col.name == metricName {
					inner.columns[i] = column{expr: sqlexpr.Raw(raw), name: metricName}
				}
			}
			inner.groupBy = append(inner.groupBy, sqlexpr.Raw(raw))
			for _, col := range next {
				if slices.Contains(selectColumns, col) {
					continue
				}
				inner.columns = append(inner.columns, column{name: col})
				inner.groupBy = append(inner.groupBy, sqlexpr.Ident(col))
			}
			arg := "innerqs1." + sqlexpr.Ident(metricName)
			if c.Spec.WeightedMoment {
				arg = sqlexpr.Ident(metricName)
			}
			expr = step.step.Function + "(" + arg + ")"
		} else {
			expr = step.step.Function + "(" + lastMeasure + ")"
		}

		allColumns := appendUnique(slices.Clone(selectColumns), aggColumns...)
		out := &selectQuery{}
		if it == len(chain) {
			for _, name := range baseNames {
				if name != metricName {
					out.columns = append(out.columns, column{name: name})
				}
			}
			out.columns = append(out.columns, column{expr: expr, name: metricName})
			out.orderBy = qry.orderBy
		} else {
			for _, name := range allColumns {
				out.columns = append(out.columns, column{name: name})
			}
			out.columns = append(out.columns, column{expr: expr, name: measure})
		}
		for _, name := range allColumns {
			out.groupBy = append(out.groupBy, sqlexpr.Ident(name))
		}

		innerSQL, err := inner.toSQL()
		if err != nil {
			return nil, err
		}
		if c.Spec.WeightedMoment {
			out.from = "(" + innerSQL + ")"
		} else {
			out.from = fmt.Sprintf("(%s) AS innerqs%d", innerSQL, it)
		}
		current = out
	}
	return current, nil
}

// rawArgument returns the text between the first opening and the last
// closing parenthesis of an aggregate, e.g. "amount" for "SUM(amount)".
func rawArgument(expr string) string {
	open := strings.Index(expr, "(")
	closing := strings.LastIndex(expr, ")")
	if open < 0 || closing <= open {
		return expr
	}
	return strings.TrimSpace(expr[open+1 : closing])
}
