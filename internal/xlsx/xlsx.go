// Package xlsx converts workbooks to and from Office Open XML spreadsheets.
//
// The conversion is lossy in one direction: spreadsheet numbers carry no
// int/float distinction, so whole-number floats import as ints. Formulas are
// stored without their leading '=' in the spreadsheet and restored on import.
package xlsx

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/JonMunkholm/cellvault/internal/workbook"
	"github.com/xuri/excelize/v2"
)

const defaultSheet = "Sheet1"

// Export builds a spreadsheet from wb. The caller closes the returned file.
func Export(wb workbook.Workbook) (*excelize.File, error) {
	f := excelize.NewFile()

	names := wb.SheetNames()
	for i, name := range names {
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				f.Close()
				return nil, fmt.Errorf("sheet %q: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}

		sheet, ok := wb.Sheet(name)
		if !ok {
			continue
		}
		if err := writeSheet(f, name, sheet); err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}
	}
	return f, nil
}

func writeSheet(f *excelize.File, name string, sheet workbook.Sheet) error {
	if used, ok := sheet.UsedRange(); ok {
		start, err := excelize.CoordinatesToCellName(used.Start.Col+1, used.Start.Row+1)
		if err != nil {
			return err
		}
		end, err := excelize.CoordinatesToCellName(used.End.Col+1, used.End.Row+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetDimension(name, start+":"+end); err != nil {
			return err
		}
	}
	for _, e := range sheet.Cells() {
		ref, err := excelize.CoordinatesToCellName(e.Coord.Col+1, e.Coord.Row+1)
		if err != nil {
			return err
		}
		if e.Cell.Formula != "" {
			if err := f.SetCellFormula(name, ref, strings.TrimPrefix(e.Cell.Formula, "=")); err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
			continue
		}
		if err := setValue(f, name, ref, e.Cell.Value); err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}
	}
	return nil
}

func setValue(f *excelize.File, sheet, ref string, v workbook.Value) error {
	switch v.Kind() {
	case workbook.KindInt:
		i, _ := v.AsInt()
		return f.SetCellInt(sheet, ref, int(i))
	case workbook.KindFloat:
		x, _ := v.AsFloat()
		return f.SetCellFloat(sheet, ref, x, -1, 64)
	case workbook.KindBool:
		b, _ := v.AsBool()
		return f.SetCellBool(sheet, ref, b)
	case workbook.KindString:
		s, _ := v.AsString()
		return f.SetCellStr(sheet, ref, s)
	}
	return nil
}

// Write exports wb to w in xlsx format.
func Write(w io.Writer, wb workbook.Workbook) error {
	f, err := Export(wb)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// ExportFile exports wb to path.
func ExportFile(wb workbook.Workbook, path string) error {
	f, err := Export(wb)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// ImportFile adds the sheets of the spreadsheet at path to wb. See Import.
func ImportFile(path string, wb workbook.Workbook, logger *slog.Logger) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Import(f, wb, logger)
}

// Read adds the sheets of the spreadsheet read from r to wb. See Import.
func Read(r io.Reader, wb workbook.Workbook, logger *slog.Logger) error {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()
	return Import(f, wb, logger)
}

// Import adds every sheet of f to wb. A sheet whose name already exists in wb
// is skipped with a warning, as the .cef loader does.
func Import(f *excelize.File, wb workbook.Workbook, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, name := range f.GetSheetList() {
		sheet, err := wb.AddSheet(name)
		if err != nil {
			logger.Warn("skipping sheet during import", "sheet", name, "error", err)
			continue
		}
		if err := readSheet(f, name, sheet); err != nil {
			return fmt.Errorf("sheet %q: %w", name, err)
		}
	}
	return nil
}

// readSheet visits the cells the worksheet stores. GetRows reports formula
// cells even without a cached result, and blank positions are only padding up
// to the last stored cell of their row.
func readSheet(f *excelize.File, name string, sheet workbook.Sheet) error {
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return err
	}
	for r, row := range rows {
		for col, raw := range row {
			ref, err := excelize.CoordinatesToCellName(col+1, r+1)
			if err != nil {
				return err
			}
			coord := workbook.Coordinate{Row: r, Col: col}
			if raw != "" {
				typ, err := f.GetCellType(name, ref)
				if err != nil {
					return fmt.Errorf("%s: %w", ref, err)
				}
				sheet.SetValue(coord, parseValue(typ, raw))
			}

			formula, err := f.GetCellFormula(name, ref)
			if err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
			if formula == "" {
				continue
			}
			if !strings.HasPrefix(formula, "=") {
				formula = "=" + formula
			}
			sheet.SetFormula(coord, formula)
		}
	}
	return nil
}

// parseValue maps a raw cell value to a workbook value: integers first, then
// floats, then text.
func parseValue(typ excelize.CellType, raw string) workbook.Value {
	switch typ {
	case excelize.CellTypeBool:
		return workbook.Bool(raw == "1" || strings.EqualFold(raw, "true"))
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString:
		return workbook.String(raw)
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return workbook.Int(i)
	}
	if x, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(x) && !math.IsInf(x, 0) {
		return workbook.Float(x)
	}
	return workbook.String(raw)
}
