package frame

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/xuri/excelize/v2"
)

const UTF8_BOM = "\ufeff"

// WriteCSV writes the frame with a header row. The output starts with a
// byte order mark so spreadsheet applications detect UTF-8.
func (f *Frame) WriteCSV(w io.Writer) error {
	if _, err := io.WriteString(w, UTF8_BOM); err != nil {
		return err
	}
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(f.Names()); err != nil {
		return fmt.Errorf("error writing headers: %w", err)
	}
	record := make([]string, len(f.Fields))
	for _, row := range f.Rows {
		for i, v := range row {
			record[i] = csvValue(v)
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("error writing record: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func csvValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return Format(v)
}

// WriteXLSX writes the frame as a single sheet workbook with a bold, frozen
// header row and an autofilter.
func (f *Frame) WriteXLSX(w io.Writer, sheetName string) error {
	xlsx := excelize.NewFile()
	defer xlsx.Close()
	if sheetName == "" {
		sheetName = "Sheet1"
	} else if err := xlsx.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("error naming sheet: %w", err)
	}

	headerStyle, err := xlsx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("error creating header style: %w", err)
	}
	styles := map[Kind]int{
		KindTime: createStyle(xlsx, &excelize.Style{
			NumFmt: 22, // "m/d/yy h:mm"
			Alignment: &excelize.Alignment{
				Horizontal: "center",
			},
		}),
		KindNumber: createStyle(xlsx, &excelize.Style{
			Alignment: &excelize.Alignment{
				Horizontal: "right",
			},
		}),
		KindString: createStyle(xlsx, &excelize.Style{
			Alignment: &excelize.Alignment{
				Horizontal: "left",
				WrapText:   true,
			},
		}),
	}

	for colIdx, field := range f.Fields {
		cell, err := excelize.CoordinatesToCellName(colIdx+1, 1)
		if err != nil {
			return fmt.Errorf("error converting coordinates: %w", err)
		}
		if err := xlsx.SetCellValue(sheetName, cell, field.Name); err != nil {
			return err
		}
		if err := xlsx.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return err
		}
		colName, err := excelize.ColumnNumberToName(colIdx + 1)
		if err != nil {
			return fmt.Errorf("error converting column number: %w", err)
		}
		if err := xlsx.SetColWidth(sheetName, colName, colName, math.Max(float64(len(field.Name))+2, 6)); err != nil {
			return err
		}
	}

	for r, row := range f.Rows {
		for colIdx, value := range row {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, r+2)
			if err != nil {
				return fmt.Errorf("error converting coordinates: %w", err)
			}
			kind := KindOf(value)
			switch kind {
			case KindNumber, KindTime, KindBool:
				err = xlsx.SetCellValue(sheetName, cell, value)
			default:
				kind = KindString
				err = xlsx.SetCellValue(sheetName, cell, Format(value))
			}
			if err != nil {
				return err
			}
			if style, ok := styles[kind]; ok {
				if err := xlsx.SetCellStyle(sheetName, cell, cell, style); err != nil {
					return err
				}
			}
		}
	}

	if len(f.Fields) > 0 {
		lastCol, _ := excelize.ColumnNumberToName(len(f.Fields))
		filterRange := fmt.Sprintf("A1:%s%d", lastCol, len(f.Rows)+1)
		if err := xlsx.AutoFilter(sheetName, filterRange, []excelize.AutoFilterOptions{}); err != nil {
			return err
		}
	}
	if err := xlsx.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}
	return xlsx.Write(w)
}

func createStyle(xlsx *excelize.File, style *excelize.Style) int {
	styleID, _ := xlsx.NewStyle(style)
	return styleID
}
