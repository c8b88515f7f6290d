package sqlexpr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"vizql/datasource"
	"vizql/dialect"
	"vizql/humantime"
	"vizql/query"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
)

// Lookup resolves other datasources for "intable" filters.
type Lookup interface {
	Get(ctx context.Context, id string) (*datasource.Datasource, error)
}

var comparisonOps = map[string]string{
	"==":   "=",
	"!=":   "<>",
	">":    ">",
	"<":    "<",
	">=":   ">=",
	"<=":   "<=",
	"LIKE": "LIKE",
}

var surroundingQuotes = regexp.MustCompile(`^("|')(.*)("|')$`)

// FilterEvaluator compiles filter trees into boolean SQL expressions.
type FilterEvaluator struct {
	Datasource *datasource.Datasource
	Spec       *dialect.Spec
	// CaseInsensitive lowers string columns and values of in / not in
	// filters.
	CaseInsensitive bool
	Lookup          Lookup
	// Now anchors relative dates in filter values.
	Now time.Time
}

// Evaluate folds filters left to right. The first condition seeds the
// result; every later one is joined with OR when its own conjunction is
// "or" and with AND otherwise. Groups are evaluated first and kept in
// parentheses. Incomplete leaves and leaves on unknown columns are skipped.
// The result is nil when nothing remains.
func (e *FilterEvaluator) Evaluate(ctx context.Context, filters []query.Filter) sq.Sqlizer {
	var acc sq.Sqlizer
	for i := range filters {
		f := &filters[i]
		var cond sq.Sqlizer
		if f.IsGroup() {
			if inner := e.Evaluate(ctx, f.Children); inner != nil {
				cond = grouped{inner}
			}
		} else {
			cond = e.leaf(ctx, f)
		}
		if cond == nil {
			continue
		}
		switch {
		case acc == nil:
			acc = cond
		case f.IsOr():
			acc = sq.Or{acc, cond}
		default:
			acc = sq.And{acc, cond}
		}
	}
	return acc
}

func (e *FilterEvaluator) leaf(ctx context.Context, f *query.Filter) sq.Sqlizer {
	if f.Col == "" || f.Op == "" || isMissing(f.Val) {
		return nil
	}
	col, ok := e.Datasource.Column(f.Col)
	if !ok {
		return nil
	}
	operand := ColumnFragment(col).Operand()

	switch f.Op {
	case "in", "not in":
		lower := e.CaseInsensitive && col.IsString()
		if lower {
			operand = e.Spec.Lower(ColumnFragment(col).Expr)
		}
		var values []string
		for _, v := range asList(f.Val) {
			if lit, ok := e.literal(col, v, lower); ok {
				values = append(values, lit)
			}
		}
		if len(values) == 0 {
			if f.Op == "in" {
				return sq.Expr("1 = 0")
			}
			return sq.Expr("1 = 1")
		}
		cond := operand + " IN (" + strings.Join(values, ", ") + ")"
		if f.Op == "not in" {
			cond = operand + " NOT IN (" + strings.Join(values, ", ") + ")"
		}
		return sq.Expr(cond)
	case "intable":
		return e.inTable(ctx, col, f.Val)
	}

	op, ok := comparisonOps[f.Op]
	if !ok {
		return nil
	}
	var lit string
	if op == "LIKE" {
		s, isStr := f.Val.(string)
		if !isStr {
			s = fmt.Sprint(f.Val)
		}
		lit = Quote(s)
	} else {
		lit, ok = e.literal(col, f.Val, false)
		if !ok {
			return nil
		}
	}
	return sq.Expr(operand + " " + op + " " + lit)
}

// literal coerces a filter value to the column's type. Numbers that do not
// parse and dates that do not parse are dropped.
func (e *FilterEvaluator) literal(col *datasource.Column, v any, lower bool) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case float64:
		return e.scalarLiteral(col, strconv.FormatFloat(val, 'f', -1, 64), lower)
	case int:
		return e.scalarLiteral(col, strconv.Itoa(val), lower)
	case bool:
		if col.IsString() {
			return Quote(strconv.FormatBool(val)), true
		}
		if val {
			return "TRUE", true
		}
		return "FALSE", true
	case string:
		return e.stringLiteral(col, val, lower)
	}
	return "", false
}

// scalarLiteral renders an already formatted number, quoting it when the
// column holds text.
func (e *FilterEvaluator) scalarLiteral(col *datasource.Column, s string, lower bool) (string, bool) {
	if col.IsString() {
		return e.stringLiteral(col, s, lower)
	}
	return s, true
}

func (e *FilterEvaluator) stringLiteral(col *datasource.Column, s string, lower bool) (string, bool) {
	if !col.IsString() {
		s = surroundingQuotes.ReplaceAllString(s, "$2")
	}
	typ := strings.ToLower(col.Type)
	switch {
	case col.IsNum():
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return "", false
		}
		return d.String(), true
	case strings.Contains(typ, "date") || strings.Contains(typ, "timestamp"):
		now := e.Now
		if now.IsZero() {
			now = time.Now()
		}
		t, err := humantime.ParseDatetime(s, now)
		if err != nil || t.IsZero() {
			return "", false
		}
		if strings.Contains(typ, "datetime") {
			return Quote(t.Format("2006-01-02T15:04:05")), true
		}
		return Quote(t.Format("2006-01-02")), true
	case lower:
		return Quote(strings.ToLower(s)), true
	}
	return Quote(s), true
}

func (e *FilterEvaluator) inTable(ctx context.Context, col *datasource.Column, v any) sq.Sqlizer {
	m, ok := v.(map[string]any)
	if !ok || e.Lookup == nil {
		return nil
	}
	id := fmt.Sprint(m["value"])
	if m["value"] == nil || id == "" {
		return nil
	}
	if f, isFloat := m["value"].(float64); isFloat {
		id = strconv.FormatFloat(f, 'f', -1, 64)
	}
	other, err := e.Lookup.Get(ctx, id)
	if err != nil {
		return nil
	}
	from := other.SQL
	if from == "" {
		from = "SELECT * FROM " + other.Name()
	}
	return sq.Expr(fmt.Sprintf("%s IN (SELECT %s FROM (%s) AS subquery)",
		ColumnFragment(col).Operand(), Ident(col.Name), Raw(from)))
}

// grouped keeps a nested filter group in parentheses.
type grouped struct {
	inner sq.Sqlizer
}

func (g grouped) ToSql() (string, []any, error) {
	sql, args, err := g.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	switch g.inner.(type) {
	case sq.And, sq.Or:
		return sql, args, nil
	}
	return "(" + sql + ")", args, nil
}

func isMissing(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func asList(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
