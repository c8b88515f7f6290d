package sqlexpr

import (
	"fmt"
	"strings"

	"vizql/datasource"
	"vizql/dialect"
	"vizql/query"
)

type UnknownMetricError struct {
	Name string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("metric %q not found in datasource", e.Name)
}

// MetricExpr is a resolved metric. Expr is the aggregate in escaped form.
type MetricExpr struct {
	Expr  string
	Label string
	Type  string
	// Metric is nil for ad-hoc metrics.
	Metric *datasource.Metric
	Adhoc  *query.AdhocMetric
}

func (m MetricExpr) Aliased() string {
	return m.Expr + " AS " + Ident(m.Label)
}

// CountMetric is the main metric of queries without metrics.
func CountMetric() MetricExpr {
	return MetricExpr{Expr: "COUNT(*)", Label: "ccount", Type: "count"}
}

func ResolveMetric(ds *datasource.Datasource, ref query.MetricRef, spec *dialect.Spec) (MetricExpr, error) {
	if ref.Adhoc != nil {
		return resolveAdhoc(ds, ref.Adhoc, spec)
	}
	m, ok := ds.Metric(ref.Name)
	if !ok {
		return MetricExpr{}, &UnknownMetricError{Name: ref.Name}
	}
	return MetricExpr{
		Expr:   EscapePercent(SubstituteColumns(m.Expression, ds)),
		Label:  m.Name,
		Type:   m.Type,
		Metric: m,
	}, nil
}

func resolveAdhoc(ds *datasource.Datasource, m *query.AdhocMetric, spec *dialect.Spec) (MetricExpr, error) {
	name := m.ColumnName()
	if name == "" {
		return MetricExpr{}, fmt.Errorf("ad-hoc metric %q has no column", m.GetLabel())
	}
	operand := Ident(name)
	if col, ok := ds.Column(name); ok {
		operand = ColumnFragment(col).Operand()
	}
	expr, err := spec.Aggregate(m.Aggregate, operand)
	if err != nil {
		return MetricExpr{}, fmt.Errorf("ad-hoc metric %q: %w", m.GetLabel(), err)
	}
	return MetricExpr{
		Expr:  expr,
		Label: m.GetLabel(),
		Type:  strings.ToLower(m.Aggregate),
		Adhoc: m,
	}, nil
}

// CumulativeTotal wraps an ad-hoc metric into a running total over the
// groups, ordered by the timestamp expression.
func CumulativeTotal(m MetricExpr, partitionBy []string, timestamp string) MetricExpr {
	window := "SUM(" + m.Expr + ") OVER ("
	if len(partitionBy) > 0 {
		window += "PARTITION BY " + strings.Join(partitionBy, ", ") + " "
	}
	window += "ORDER BY " + timestamp + ")"
	m.Expr = window
	return m
}

// SubstituteColumns replaces references to computed columns inside a metric
// expression with the parenthesized column expression. Only whole
// identifiers outside string literals are replaced, so a column "amount"
// leaves "total_amount" alone. This is textual and does not parse SQL.
func SubstituteColumns(expr string, ds *datasource.Datasource) string {
	computed := map[string]string{}
	for _, c := range ds.Columns {
		if c.IsCalculated() && c.Expression != c.Name {
			computed[c.Name] = c.Expression
		}
	}
	if len(computed) == 0 {
		return expr
	}
	var b strings.Builder
	for i := 0; i < len(expr); {
		ch := expr[i]
		switch {
		case ch == '\'' || ch == '"':
			j := i + 1
			for j < len(expr) {
				if expr[j] == ch {
					if j+1 < len(expr) && expr[j+1] == ch {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j < len(expr) {
				j++
			}
			b.WriteString(expr[i:j])
			i = j
		case isIdentStart(ch):
			j := i + 1
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			word := expr[i:j]
			qualified := i > 0 && expr[i-1] == '.'
			call := j < len(expr) && expr[j] == '('
			if repl, ok := computed[word]; ok && !qualified && !call {
				b.WriteString("(" + repl + ")")
			} else {
				b.WriteString(word)
			}
			i = j
		case ch >= '0' && ch <= '9':
			j := i + 1
			for j < len(expr) && (isIdentPart(expr[j]) || expr[j] == '.') {
				j++
			}
			b.WriteString(expr[i:j])
			i = j
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
