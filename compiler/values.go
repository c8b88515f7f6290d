package compiler

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"vizql/query"
	"vizql/sqlexpr"
)

// ValuesQuery selects the distinct values of a column, restricted by the
// datasource's fetch values predicate.
func (c *Compiler) ValuesQuery(ctx context.Context, name string, limit int) (string, error) {
	frag, err := sqlexpr.ResolveColumn(c.Datasource, name)
	if err != nil {
		return "", err
	}
	tmpl := c.templateProcessor(&query.QueryObject{})
	from, err := c.fromClause(tmpl)
	if err != nil {
		return "", err
	}
	b := sq.Select(frag.Aliased()).Distinct().From(from)
	if c.Datasource.FetchValuesPredicate != "" {
		pred, err := tmpl.process(c.Datasource.FetchValuesPredicate)
		if err != nil {
			return "", err
		}
		b = b.Where("(" + sqlexpr.Raw(pred) + ")")
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	sql, _, err := b.ToSql()
	if err != nil {
		return "", err
	}
	return sqlexpr.FormatSQL(sql), nil
}
