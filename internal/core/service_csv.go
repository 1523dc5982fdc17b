package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/cellvault/internal/csvsheet"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

// ImportCSV creates sheet name from CSV read from r. The CSV is parsed into
// a detached sheet first, so a malformed file leaves the workbook unchanged.
func (s *Service) ImportCSV(ctx context.Context, name string, r io.Reader, opts csvsheet.Options) (csvsheet.Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return csvsheet.Result{}, fmt.Errorf("%w: sheet name is required", ErrInvalidInput)
	}
	release, err := s.begin(ctx, "csv_import")
	if err != nil {
		return csvsheet.Result{}, err
	}
	defer release()

	staged, err := workbook.NewMemory(nil).AddSheet(name)
	if err != nil {
		return csvsheet.Result{}, err
	}
	res, err := csvsheet.Read(r, staged, opts)
	if err != nil {
		return res, fmt.Errorf("import csv: %w", err)
	}

	s.mu.Lock()
	sheet, err := s.wb.AddSheet(name)
	if err == nil {
		for _, e := range staged.Cells() {
			if e.Cell.Formula != "" {
				sheet.SetFormula(e.Coord, e.Cell.Formula)
			} else {
				sheet.SetValue(e.Coord, e.Cell.Value)
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return res, err
	}

	s.log(ctx).Info("csv imported", "sheet", name, "rows", res.Rows, "cells", res.Cells)
	s.record(ctx, AuditEntry{
		Action: ActionCSVImport,
		Sheet:  name,
		Detail: fmt.Sprintf("%d rows, %d cells", res.Rows, res.Cells),
	})
	return res, nil
}

// ExportCSV writes one sheet to w as CSV.
func (s *Service) ExportCSV(ctx context.Context, name string, w io.Writer) error {
	release, err := s.begin(ctx, "export")
	if err != nil {
		return err
	}
	defer release()

	var buf bytes.Buffer
	s.mu.Lock()
	sheet, ok := s.wb.Sheet(name)
	if ok {
		err = csvsheet.Write(&buf, sheet)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrSheetNotFound)
	}
	if err != nil {
		return fmt.Errorf("export csv: %w", err)
	}

	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	s.record(ctx, AuditEntry{Action: ActionExport, Sheet: name, Detail: "csv"})
	return nil
}
