package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/cellvault/internal/workbook"
)

// Sheets lists sheets in creation order.
func (s *Service) Sheets() []SheetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.wb.SheetNames()
	out := make([]SheetInfo, 0, len(names))
	for _, name := range names {
		sheet, ok := s.wb.Sheet(name)
		if !ok {
			continue
		}
		info := SheetInfo{Name: name, Cells: len(sheet.Cells())}
		if r, ok := sheet.UsedRange(); ok {
			info.UsedRange = r.Start.A1() + ":" + r.End.A1()
		}
		out = append(out, info)
	}
	return out
}

// AddSheet creates an empty sheet.
func (s *Service) AddSheet(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: sheet name is empty", ErrInvalidInput)
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	_, err := s.wb.AddSheet(name)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log(ctx).Info("sheet added", "sheet", name)
	s.record(ctx, AuditEntry{Action: ActionSheetAdd, Sheet: name})
	return nil
}

// RemoveSheet deletes a sheet and its cells.
func (s *Service) RemoveSheet(ctx context.Context, name string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	removed := s.wb.RemoveSheet(name)
	s.mu.Unlock()
	if !removed {
		return fmt.Errorf("remove %q: %w", name, ErrSheetNotFound)
	}

	s.log(ctx).Info("sheet removed", "sheet", name)
	s.record(ctx, AuditEntry{Action: ActionSheetRemove, Sheet: name})
	return nil
}

// Cells returns the non-empty cells of a sheet in row-major order.
func (s *Service) Cells(name string) ([]CellView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sheet, ok := s.wb.Sheet(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrSheetNotFound)
	}
	entries := sheet.Cells()
	out := make([]CellView, len(entries))
	for i, e := range entries {
		out[i] = newCellView(e.Coord, e.Cell)
	}
	return out, nil
}

// SetCell writes a value or a formula to one cell and returns the result.
func (s *Service) SetCell(ctx context.Context, name string, row, col int, in CellInput) (CellView, error) {
	if row < 0 || col < 0 {
		return CellView{}, fmt.Errorf("%w: negative coordinate (%d, %d)", ErrInvalidInput, row, col)
	}
	if err := in.validate(); err != nil {
		return CellView{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.closed.Load() {
		return CellView{}, ErrClosed
	}

	coord := workbook.Coordinate{Row: row, Col: col}

	s.mu.Lock()
	sheet, ok := s.wb.Sheet(name)
	if !ok {
		s.mu.Unlock()
		return CellView{}, fmt.Errorf("%q: %w", name, ErrSheetNotFound)
	}
	before, _ := sheet.Cell(coord)
	if in.Value != nil {
		sheet.SetValue(coord, *in.Value)
	} else {
		sheet.SetFormula(coord, *in.Formula)
	}
	after, _ := sheet.Cell(coord)
	s.mu.Unlock()

	s.record(ctx, AuditEntry{
		Action:   ActionCellEdit,
		Sheet:    name,
		CellRef:  coord.A1(),
		OldValue: cellText(before),
		NewValue: cellText(after),
	})
	return newCellView(coord, after), nil
}

func cellText(c workbook.Cell) string {
	if c.Formula != "" {
		return c.Formula
	}
	return c.Value.Text()
}
