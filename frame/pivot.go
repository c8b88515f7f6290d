package frame

import (
	"math"
	"slices"
	"strings"
)

// Table is a pivoted frame: one row per index key and one column per column
// key. Column keys start with the value (metric) name followed by the
// values of the column fields. Missing cells are NaN.
type Table struct {
	IndexNames  []string
	ColumnNames []string
	Index       [][]any
	Columns     [][]any
	Values      [][]float64
}

type PivotSpec struct {
	Index   []string
	Columns []string
	Values  []string
	// Agg aggregates each cell, mean when empty. Aggs overrides it per
	// value.
	Agg  string
	Aggs map[string]string
}

func (s PivotSpec) agg(value string) string {
	if fn, ok := s.Aggs[value]; ok && fn != "" {
		return fn
	}
	if s.Agg != "" {
		return s.Agg
	}
	return MEAN
}

// Pivot spreads the values of f over index and column keys. Rows are
// ordered by index key; columns follow the order of Values, then the column
// keys in order. Only observed key combinations appear.
func Pivot(f *Frame, spec PivotSpec) *Table {
	t := &Table{
		IndexNames:  slices.Clone(spec.Index),
		ColumnNames: append([]string{""}, spec.Columns...),
	}
	rowGroups := Groups(f, spec.Index)
	colGroups := Groups(f, spec.Columns)
	rowOf := make([]int, len(f.Rows))
	for i, g := range rowGroups {
		t.Index = append(t.Index, g.Key)
		for _, r := range g.Rows {
			rowOf[r] = i
		}
	}
	colOf := make([]int, len(f.Rows))
	for j, g := range colGroups {
		for _, r := range g.Rows {
			colOf[r] = j
		}
	}

	for _, value := range spec.Values {
		vi := f.Index(value)
		// cells[row][colgroup] collects the raw values
		cells := make([][][]float64, len(rowGroups))
		for i := range cells {
			cells[i] = make([][]float64, len(colGroups))
		}
		for r, row := range f.Rows {
			v := math.NaN()
			if vi >= 0 {
				v = Float(row[vi])
			}
			cells[rowOf[r]][colOf[r]] = append(cells[rowOf[r]][colOf[r]], v)
		}
		fn := spec.agg(value)
		for j, g := range colGroups {
			col := make([]float64, len(rowGroups))
			observed := false
			for i := range rowGroups {
				if len(cells[i][j]) == 0 {
					col[i] = math.NaN()
					continue
				}
				col[i] = Aggregate(fn, cells[i][j])
				observed = observed || !math.IsNaN(col[i])
			}
			if !observed {
				continue
			}
			t.Columns = append(t.Columns, append([]any{value}, g.Key...))
			t.addColumn(col)
		}
	}
	if t.Values == nil {
		t.Values = make([][]float64, len(t.Index))
	}
	return t
}

func (t *Table) addColumn(col []float64) {
	if t.Values == nil {
		t.Values = make([][]float64, len(col))
	}
	for i, v := range col {
		t.Values[i] = append(t.Values[i], v)
	}
}

// AddColumn appends a column key and its values.
func (t *Table) AddColumn(key []any, col []float64) {
	t.Columns = append(t.Columns, key)
	t.addColumn(col)
}

func (t *Table) Clone() *Table {
	out := &Table{
		IndexNames:  slices.Clone(t.IndexNames),
		ColumnNames: slices.Clone(t.ColumnNames),
		Index:       slices.Clone(t.Index),
		Columns:     slices.Clone(t.Columns),
		Values:      make([][]float64, len(t.Values)),
	}
	for i, row := range t.Values {
		out.Values[i] = slices.Clone(row)
	}
	return out
}

// Col returns the values of column j.
func (t *Table) Col(j int) []float64 {
	out := make([]float64, len(t.Values))
	for i, row := range t.Values {
		out[i] = row[j]
	}
	return out
}

func (t *Table) SetCol(j int, col []float64) {
	for i := range t.Values {
		t.Values[i][j] = col[i]
	}
}

// Fill replaces missing cells.
func (t *Table) Fill(v float64) {
	for _, row := range t.Values {
		for j, x := range row {
			if math.IsNaN(x) {
				row[j] = v
			}
		}
	}
}

// SelectColumns keeps the columns at the given positions, in that order.
func (t *Table) SelectColumns(idx []int) *Table {
	out := &Table{
		IndexNames:  slices.Clone(t.IndexNames),
		ColumnNames: slices.Clone(t.ColumnNames),
		Index:       slices.Clone(t.Index),
		Values:      make([][]float64, len(t.Values)),
	}
	for _, j := range idx {
		out.Columns = append(out.Columns, t.Columns[j])
	}
	for i, row := range t.Values {
		nr := make([]float64, len(idx))
		for k, j := range idx {
			nr[k] = row[j]
		}
		out.Values[i] = nr
	}
	return out
}

// Slice keeps rows from..to.
func (t *Table) Slice(from, to int) *Table {
	from = min(max(from, 0), len(t.Index))
	to = min(max(to, from), len(t.Index))
	out := t.Clone()
	out.Index = out.Index[from:to]
	out.Values = out.Values[from:to]
	return out
}

// Frame flattens the table. Index fields become leading columns and every
// column key becomes one number column named by its non empty parts.
func (t *Table) Frame() *Frame {
	out := &Frame{}
	for _, name := range t.IndexNames {
		out.Fields = append(out.Fields, Field{Name: name, Kind: KindOther})
	}
	for _, key := range t.Columns {
		out.Fields = append(out.Fields, Field{Name: KeyName(key), Kind: KindNumber})
	}
	for i, key := range t.Index {
		row := slices.Clone(key)
		for _, v := range t.Values[i] {
			row = append(row, Number(v))
		}
		out.Rows = append(out.Rows, row)
	}
	for i := range t.IndexNames {
		for _, row := range out.Rows {
			if row[i] != nil {
				out.Fields[i].Kind = KindOf(row[i])
				break
			}
		}
	}
	return out
}

// KeyName joins the non empty parts of a key.
func KeyName(key []any) string {
	parts := make([]string, 0, len(key))
	for _, v := range key {
		if s := Format(v); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
