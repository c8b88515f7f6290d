// Package sqlexpr renders datasource columns, metrics and filter trees into
// SQL fragments for a given database dialect.
//
// Every fragment produced here is in escaped form: a literal percent sign is
// doubled. FormatSQL turns a statement assembled from such fragments into
// the text that is executed and displayed.
package sqlexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vizql/datasource"
	"vizql/dialect"
	"vizql/query"
	"vizql/util"

	sq "github.com/Masterminds/squirrel"
	"github.com/ncruces/go-strftime"
)

type UnknownColumnError struct {
	Name string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("column %q not found in datasource", e.Name)
}

// Fragment is a SQL expression and the name it is selected as.
type Fragment struct {
	Expr     string
	Name     string
	Computed bool
}

// Aliased renders the fragment for a select list.
func (f Fragment) Aliased() string {
	if !f.Computed && f.Expr == Ident(f.Name) {
		return f.Expr
	}
	return f.Expr + " AS " + Ident(f.Name)
}

// Operand renders the fragment for use inside a larger expression.
func (f Fragment) Operand() string {
	if f.Computed {
		return "(" + f.Expr + ")"
	}
	return f.Expr
}

// Ident quotes a column or table name when needed.
func Ident(name string) string {
	return EscapePercent(util.QuoteIdentifier(name))
}

// Quote renders a string literal.
func Quote(s string) string {
	return EscapePercent(util.QuoteString(s))
}

// Raw marks free form SQL, like where snippets or virtual datasource
// queries, as a fragment.
func Raw(s string) string {
	return EscapePercent(s)
}

func ResolveColumn(ds *datasource.Datasource, name string) (Fragment, error) {
	col, ok := ds.Column(name)
	if !ok {
		return Fragment{}, &UnknownColumnError{Name: name}
	}
	return ColumnFragment(col), nil
}

func ColumnFragment(col *datasource.Column) Fragment {
	if col.IsCalculated() {
		return Fragment{Expr: Raw(col.Expression), Name: col.Name, Computed: true}
	}
	return Fragment{Expr: Ident(col.Name), Name: col.Name}
}

// TimestampExpression buckets col by grain and names the result __timestamp.
// Epoch columns are converted to timestamps before bucketing.
func TimestampExpression(col *datasource.Column, grain string, spec *dialect.Spec) Fragment {
	if grain == "" && !col.IsCalculated() {
		return Fragment{Expr: Ident(col.Name), Name: query.DTTM_ALIAS}
	}
	expr := ColumnFragment(col).Expr
	switch col.DateFormat {
	case "epoch_s":
		expr = spec.Epoch(expr, false)
	case "epoch_ms":
		expr = spec.Epoch(expr, true)
	}
	return Fragment{
		Expr:     strings.ReplaceAll(EscapePercent(spec.GrainFunction(grain)), "{col}", expr),
		Name:     query.DTTM_ALIAS,
		Computed: true,
	}
}

// LiteralFor renders t as a literal comparable with col.
func LiteralFor(col *datasource.Column, t time.Time, spec *dialect.Spec) string {
	if col.DatabaseExpression != "" {
		return Raw(strings.ReplaceAll(col.DatabaseExpression, "{}", t.Format("2006-01-02 15:04:05")))
	}
	switch col.DateFormat {
	case "":
	case "epoch_s":
		return strconv.FormatInt(t.Unix(), 10)
	case "epoch_ms":
		return strconv.FormatInt(t.UnixMilli(), 10)
	default:
		return Quote(strftime.Format(col.DateFormat, t))
	}
	if spec != nil && spec.ConvertDttm != nil {
		if lit := spec.ConvertDttm(col.Type, t); lit != "" {
			return EscapePercent(lit)
		}
	}
	return Quote(t.Format("2006-01-02 15:04:05.000000"))
}

// TimeFilter bounds the raw column by from and to. Either bound may be nil.
func TimeFilter(col *datasource.Column, from *time.Time, to *time.Time, spec *dialect.Spec) []sq.Sqlizer {
	operand := ColumnFragment(col).Operand()
	var conds []sq.Sqlizer
	if from != nil {
		conds = append(conds, sq.Expr(operand+" >= "+LiteralFor(col, *from, spec)))
	}
	if to != nil {
		conds = append(conds, sq.Expr(operand+" <= "+LiteralFor(col, *to, spec)))
	}
	return conds
}

// EscapePercent doubles every percent sign. It is applied once, to raw
// text, when a fragment is created.
func EscapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// FormatSQL turns a statement built from escaped fragments into executable
// SQL.
func FormatSQL(s string) string {
	return strings.ReplaceAll(s, "%%", "%")
}
