package workbook

import (
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Workbook. Every mutation publishes an event on the
// bus (when one is attached) before the mutating call returns.
//
// Memory guards its own maps, but sequences of calls are not atomic: callers
// that replace the whole workbook (load, checkout, restore) must exclude
// other writers themselves.
type Memory struct {
	bus *Bus

	mu     sync.RWMutex
	order  []string
	sheets map[string]*MemorySheet
}

// NewMemory creates an empty workbook publishing on bus. bus may be nil.
func NewMemory(bus *Bus) *Memory {
	return &Memory{
		bus:    bus,
		sheets: make(map[string]*MemorySheet),
	}
}

// SheetNames returns sheet names in creation order.
func (m *Memory) SheetNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Sheet returns the named sheet.
func (m *Memory) Sheet(name string) (Sheet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sheets[name]
	if !ok {
		return nil, false
	}
	return s, true
}

// AddSheet creates a sheet. It fails with ErrDuplicateSheet if the name is taken.
func (m *Memory) AddSheet(name string) (Sheet, error) {
	m.mu.Lock()
	if _, exists := m.sheets[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("add sheet %q: %w", name, ErrDuplicateSheet)
	}
	s := &MemorySheet{
		name:  name,
		bus:   m.bus,
		cells: make(map[Coordinate]Cell),
	}
	m.sheets[name] = s
	m.order = append(m.order, name)
	m.mu.Unlock()

	m.publish(Event{Type: SheetAdded, Sheet: name})
	return s, nil
}

// RemoveSheet deletes the named sheet and reports whether it existed.
func (m *Memory) RemoveSheet(name string) bool {
	m.mu.Lock()
	if _, exists := m.sheets[name]; !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.sheets, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.publish(Event{Type: SheetRemoved, Sheet: name})
	return true
}

func (m *Memory) publish(e Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

// MemorySheet is the sheet implementation used by Memory.
type MemorySheet struct {
	name string
	bus  *Bus

	mu    sync.RWMutex
	cells map[Coordinate]Cell
	used  Range
	any   bool
}

// Name returns the sheet name.
func (s *MemorySheet) Name() string { return s.name }

// Cell returns the cell at c; ok is false when the coordinate is empty.
func (s *MemorySheet) Cell(c Coordinate) (Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.cells[c]
	return cell, ok
}

// SetValue stores v at c and clears any formula there.
func (s *MemorySheet) SetValue(c Coordinate, v Value) {
	cell := s.store(c, Cell{Value: v})
	s.publish(Event{Type: CellValueChanged, Sheet: s.name, Coord: c, Cell: cell})
}

// SetFormula stores formula at c and clears any value there.
func (s *MemorySheet) SetFormula(c Coordinate, formula string) {
	cell := s.store(c, Cell{Formula: formula})
	s.publish(Event{Type: CellFormulaChanged, Sheet: s.name, Coord: c, Cell: cell})
}

func (s *MemorySheet) store(c Coordinate, cell Cell) Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cell.IsEmpty() {
		s.cells[c] = cell
		s.extendUsedRange(c)
		return cell
	}
	if _, existed := s.cells[c]; existed {
		delete(s.cells, c)
		if c.Row == s.used.Start.Row || c.Row == s.used.End.Row ||
			c.Col == s.used.Start.Col || c.Col == s.used.End.Col {
			s.recomputeUsedRange()
		}
	}
	return cell
}

// extendUsedRange grows the bounding box to include c. Caller holds s.mu.
func (s *MemorySheet) extendUsedRange(c Coordinate) {
	if !s.any {
		s.used = Range{Start: c, End: c}
		s.any = true
		return
	}
	s.used.Start.Row = min(s.used.Start.Row, c.Row)
	s.used.Start.Col = min(s.used.Start.Col, c.Col)
	s.used.End.Row = max(s.used.End.Row, c.Row)
	s.used.End.Col = max(s.used.End.Col, c.Col)
}

// recomputeUsedRange rebuilds the bounding box. Caller holds s.mu.
func (s *MemorySheet) recomputeUsedRange() {
	s.any = false
	s.used = Range{}
	for c := range s.cells {
		s.extendUsedRange(c)
	}
}

// UsedRange returns the bounding box of the non-empty cells.
func (s *MemorySheet) UsedRange() (Range, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, s.any
}

// Cells returns the stored cells sorted row-major.
func (s *MemorySheet) Cells() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.cells))
	for c, cell := range s.cells {
		out = append(out, Entry{Coord: c, Cell: cell})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Coord.Less(out[j].Coord) })
	return out
}

// Len returns the number of non-empty cells.
func (s *MemorySheet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

func (s *MemorySheet) publish(e Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
