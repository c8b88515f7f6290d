package frame

import (
	"bytes"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func salesFrame() *Frame {
	f := New(
		Field{Name: "region", Kind: KindString},
		Field{Name: "product", Kind: KindString},
		Field{Name: "amount", Kind: KindNumber},
	)
	f.Append("B", "x", 5.0)
	f.Append("A", "x", 10.0)
	f.Append("A", "y", 20.0)
	f.Append("A", "x", 2.0)
	f.Append(nil, "y", 1.0)
	return f
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestValue(t *testing.T) {
	assert.Equal(t, 3.0, Value(int64(3)))
	assert.Equal(t, int64(1<<60), Value(int64(1<<60)))
	assert.Equal(t, "abc", Value([]byte("abc")))
	assert.Equal(t, 7.0, Value(big.NewInt(7)))
	assert.Equal(t, 2.0, Value(uint64(2)))
	assert.Nil(t, Value(nil))
}

func TestSortAndSelect(t *testing.T) {
	f := salesFrame()
	f.Sort(SortKey{Name: "region"}, SortKey{Name: "amount", Desc: true})
	assert.Equal(t, []any{"A", "A", "A", "B", nil}, f.Column("region"))
	assert.Equal(t, []any{20.0, 10.0, 2.0, 5.0, 1.0}, f.Column("amount"))

	sel := f.Select("amount", "missing", "region")
	assert.Equal(t, []string{"amount", "region"}, sel.Names())
	assert.Equal(t, []string{"region", "amount"}, f.Drop("product").Names())
}

func TestGroupBy(t *testing.T) {
	g := salesFrame().GroupBy([]string{"region"},
		Agg{Column: "amount", Func: SUM},
		Agg{Column: "amount", Func: COUNT, As: "n"},
	)
	assert.Equal(t, []string{"region", "amount", "n"}, g.Names())
	assert.Equal(t, [][]any{
		{"A", 32.0, 3.0},
		{"B", 5.0, 1.0},
		{nil, 1.0, 1.0},
	}, g.Rows)
}

func TestAggregate(t *testing.T) {
	xs := []float64{1, 2, 3, 4, math.NaN()}
	tests := []struct {
		fn   string
		want float64
	}{
		{SUM, 10},
		{MEAN, 2.5},
		{MIN, 1},
		{MAX, 4},
		{MEDIAN, 2.5},
		{COUNT, 4},
		{VAR, 5.0 / 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			assert.InDelta(t, tt.want, Aggregate(tt.fn, xs), 1e-9)
		})
	}
	assert.Equal(t, 0.0, Aggregate(SUM, nil))
	assert.True(t, math.IsNaN(Aggregate(MEAN, nil)))

	fn, err := AggFunc("stdev")
	require.NoError(t, err)
	assert.Equal(t, STD, fn)
	_, err = AggFunc("mode")
	require.Error(t, err)
}

func TestPivot(t *testing.T) {
	tbl := Pivot(salesFrame(), PivotSpec{
		Index:   []string{"region"},
		Columns: []string{"product"},
		Values:  []string{"amount"},
		Agg:     SUM,
	})
	assert.Equal(t, [][]any{{"A"}, {"B"}, {nil}}, tbl.Index)
	assert.Equal(t, [][]any{{"amount", "x"}, {"amount", "y"}}, tbl.Columns)
	assert.Equal(t, 12.0, tbl.Values[0][0])
	assert.Equal(t, 20.0, tbl.Values[0][1])
	assert.Equal(t, 5.0, tbl.Values[1][0])
	assert.True(t, math.IsNaN(tbl.Values[1][1]))

	flat := tbl.Frame()
	assert.Equal(t, []string{"region", "amount, x", "amount, y"}, flat.Names())
	assert.Equal(t, []any{"B", 5.0, nil}, flat.Rows[1])
}

func timeTable(values ...float64) *Table {
	tbl := &Table{IndexNames: []string{"__timestamp"}, ColumnNames: []string{""}, Columns: [][]any{{"m"}}}
	for i, v := range values {
		tbl.Index = append(tbl.Index, []any{day(i + 1)})
		tbl.Values = append(tbl.Values, []float64{v})
	}
	return tbl
}

func TestResample(t *testing.T) {
	tbl := &Table{IndexNames: []string{"__timestamp"}, Columns: [][]any{{"m"}}}
	for _, d := range []int{1, 2, 9, 10} {
		tbl.Index = append(tbl.Index, []any{day(d)})
		tbl.Values = append(tbl.Values, []float64{float64(d)})
	}
	out, err := Resample(tbl, "1W", "sum")
	require.NoError(t, err)
	// 2024-01-07 and 2024-01-14 are Sundays
	assert.Equal(t, [][]any{{day(7)}, {day(14)}}, out.Index)
	assert.Equal(t, [][]float64{{3}, {19}}, out.Values)

	out, err = Resample(tbl, "3D", "mean")
	require.NoError(t, err)
	require.NotEmpty(t, out.Index)
	for _, row := range out.Values {
		assert.Len(t, row, 1)
	}

	_, err = Resample(tbl, "1Q", "sum")
	require.Error(t, err)
}

func TestRuleBins(t *testing.T) {
	ts := time.Date(2024, 5, 17, 13, 47, 5, 0, time.UTC)
	tests := []struct {
		rule string
		want time.Time
	}{
		{"15min", time.Date(2024, 5, 17, 13, 45, 0, 0, time.UTC)},
		{"H", time.Date(2024, 5, 17, 13, 0, 0, 0, time.UTC)},
		{"D", time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)},
		{"MS", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"M", time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)},
		{"AS", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"A", time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			r, err := ParseRule(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Bin(ts))
		})
	}
}

func TestRollingAndCompare(t *testing.T) {
	tbl := timeTable(1, 2, 3, 4)
	require.NoError(t, tbl.Rolling("sum", 2, 0))
	assert.Equal(t, []float64{1, 3, 5, 7}, tbl.Col(0))

	tbl = timeTable(1, 2, 3, 4)
	require.NoError(t, tbl.Rolling("mean", 3, 3))
	col := tbl.Col(0)
	assert.True(t, math.IsNaN(col[0]))
	assert.True(t, math.IsNaN(col[1]))
	assert.Equal(t, []float64{2, 3}, col[2:])

	tbl = timeTable(1, 2, 3, 4)
	tbl.CumSum()
	assert.Equal(t, []float64{1, 3, 6, 10}, tbl.Col(0))

	tbl = timeTable(1, 2, 4, 8)
	tbl.Combine(tbl.Shift(1), func(a, b float64) float64 { return a / b })
	assert.Equal(t, []float64{2, 2, 2}, tbl.Slice(1, 4).Col(0))
}

func TestFill(t *testing.T) {
	tbl := timeTable(math.NaN(), 1, math.NaN(), 3, math.NaN())
	ff := tbl.Clone()
	ff.FillForward()
	assert.True(t, math.IsNaN(ff.Col(0)[0]))
	assert.Equal(t, []float64{1, 1, 3, 3}, ff.Col(0)[1:])

	bf := tbl.Clone()
	bf.FillBackward()
	assert.Equal(t, []float64{1, 1, 3, 3}, bf.Col(0)[:4])

	tbl.Fill(0)
	assert.Equal(t, []float64{0, 1, 0, 3, 0}, tbl.Col(0))
}

func TestWriteCSV(t *testing.T) {
	f := New(Field{Name: "region", Kind: KindString}, Field{Name: "amount", Kind: KindNumber})
	f.Append("Zürich", 1.5)
	f.Append(nil, 2.0)
	var buf bytes.Buffer
	require.NoError(t, f.WriteCSV(&buf))
	assert.Equal(t, "\ufeffregion,amount\nZürich,1.5\n,2\n", buf.String())
}

func TestWriteXLSX(t *testing.T) {
	f := New(Field{Name: "region", Kind: KindString}, Field{Name: "amount", Kind: KindNumber})
	f.Append("A", 15.0)
	f.Append("B", 7.0)
	var buf bytes.Buffer
	require.NoError(t, f.WriteXLSX(&buf, "sales"))

	book, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("sales")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"region", "amount"}, {"A", "15"}, {"B", "7"}}, rows)
}
