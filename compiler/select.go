package compiler

import (
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"vizql/sqlexpr"
)

type column struct {
	expr string
	name string
}

func (c column) sql() string {
	if c.expr == "" || c.expr == sqlexpr.Ident(c.name) {
		return sqlexpr.Ident(c.name)
	}
	return c.expr + " AS " + sqlexpr.Ident(c.name)
}

// selectQuery is a SELECT under construction. Rewrites of the complex
// aggregation steps replace columns and wrap queries, which is easier on
// this shape than on a finished builder.
type selectQuery struct {
	columns []column
	from    string
	joins   []string
	where   []sq.Sqlizer
	groupBy []string
	having  []string
	orderBy []string
	limit   int
	offset  int
}

func (s *selectQuery) clone() *selectQuery {
	c := *s
	c.columns = slices.Clone(s.columns)
	c.joins = slices.Clone(s.joins)
	c.where = slices.Clone(s.where)
	c.groupBy = slices.Clone(s.groupBy)
	c.having = slices.Clone(s.having)
	c.orderBy = slices.Clone(s.orderBy)
	return &c
}

func (s *selectQuery) names() []string {
	names := make([]string, 0, len(s.columns))
	for _, c := range s.columns {
		names = append(names, c.name)
	}
	return names
}

func (s *selectQuery) builder() sq.SelectBuilder {
	cols := make([]string, 0, len(s.columns))
	for _, c := range s.columns {
		cols = append(cols, c.sql())
	}
	b := sq.Select(cols...).From(s.from)
	for _, j := range s.joins {
		b = b.Join(j)
	}
	for _, w := range s.where {
		b = b.Where(w)
	}
	if len(s.groupBy) > 0 {
		b = b.GroupBy(s.groupBy...)
	}
	if len(s.having) > 0 {
		b = b.Having(strings.Join(s.having, " AND "))
	}
	if len(s.orderBy) > 0 {
		b = b.OrderBy(s.orderBy...)
	}
	if s.limit > 0 {
		b = b.Limit(uint64(s.limit))
	}
	if s.offset > 0 {
		b = b.Offset(uint64(s.offset))
	}
	return b
}

func (s *selectQuery) toSQL() (string, error) {
	sql, _, err := s.builder().ToSql()
	return sql, err
}

// unpaged drops ordering and paging, as needed inside a count wrapper.
func (s *selectQuery) unpaged() *selectQuery {
	c := s.clone()
	c.orderBy = nil
	c.limit = 0
	c.offset = 0
	return c
}

func countQuery(s *selectQuery) (string, error) {
	sql, _, err := sq.Select("COUNT(*) AS total_found").
		FromSelect(s.unpaged().builder(), "countqs").
		ToSql()
	return sql, err
}

// pageLimit combines a row limit with a page length: the smaller one when
// both are set, else whichever is set.
func pageLimit(rowLimit int, pageLength int) int {
	if rowLimit > 0 && pageLength > 0 {
		return min(rowLimit, pageLength)
	}
	return max(rowLimit, pageLength)
}
