// Package workbook defines the data model consumed by the persistence
// services: a workbook of uniquely named sheets, each a sparse grid of cells
// holding either a value or a formula.
//
// The interfaces here are the boundary to the host application. [Memory] is
// an in-memory implementation that publishes mutation events on a [Bus]; it
// backs the server binary, the CLI and the tests.
package workbook

import (
	"errors"
	"fmt"
)

// ErrDuplicateSheet is returned by AddSheet when the name is already taken.
var ErrDuplicateSheet = errors.New("sheet already exists")

// Coordinate addresses a cell by zero-based row and column.
type Coordinate struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Less orders coordinates row-major.
func (c Coordinate) Less(o Coordinate) bool {
	if c.Row != o.Row {
		return c.Row < o.Row
	}
	return c.Col < o.Col
}

// A1 renders the coordinate in spreadsheet notation (0,0 -> A1).
func (c Coordinate) A1() string {
	col := c.Col + 1
	var letters []byte
	for col > 0 {
		col--
		letters = append([]byte{byte('A' + col%26)}, letters...)
		col /= 26
	}
	return fmt.Sprintf("%s%d", letters, c.Row+1)
}

// Range is an inclusive rectangle of cells.
type Range struct {
	Start Coordinate `json:"start"`
	End   Coordinate `json:"end"`
}

// Cell is the content at one coordinate. Value and Formula are mutually
// exclusive; an empty Formula means no formula.
type Cell struct {
	Value   Value  `json:"value"`
	Formula string `json:"formula,omitempty"`
}

// IsEmpty reports whether the cell holds neither value nor formula.
func (c Cell) IsEmpty() bool {
	return c.Value.IsNone() && c.Formula == ""
}

// Entry is a stored cell with its coordinate.
type Entry struct {
	Coord Coordinate
	Cell  Cell
}

// Sheet is a named sparse cell grid.
type Sheet interface {
	Name() string
	Cell(c Coordinate) (Cell, bool)
	SetValue(c Coordinate, v Value)
	SetFormula(c Coordinate, formula string)
	// UsedRange returns the bounding box of non-empty cells; ok is false
	// for an empty sheet.
	UsedRange() (r Range, ok bool)
	// Cells returns the non-empty cells in row-major order.
	Cells() []Entry
}

// Workbook is a set of sheets keyed by unique name.
type Workbook interface {
	SheetNames() []string
	Sheet(name string) (Sheet, bool)
	AddSheet(name string) (Sheet, error)
	RemoveSheet(name string) bool
}

// Clear removes every sheet from wb.
func Clear(wb Workbook) {
	for _, name := range wb.SheetNames() {
		wb.RemoveSheet(name)
	}
}
