// Package patch records workbook mutations between flushes and writes them as
// a JSON patch next to the workbook file. A patch can be replayed onto a copy
// of the workbook taken before the mutations to reproduce them.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/fsutil"
	"github.com/JonMunkholm/cellvault/internal/workbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Extension is appended to the base path to form the patch file name.
const Extension = ".patch"

// ErrUnsupportedVersion is returned by ApplyPatch for patches written by a
// newer format version.
var ErrUnsupportedVersion = errors.New("unsupported patch version")

var (
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellvault_patch_flushes_total",
		Help: "Patch files written by SaveIncremental",
	})

	pendingChanges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellvault_patch_pending_changes",
		Help: "Cell changes recorded since the last flush",
	})

	appliedDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellvault_patch_apply_deltas_total",
		Help: "Cell deltas processed by ApplyPatch",
	}, []string{"result"})
)

// Delta is the state of one cell after its last recorded mutation.
type Delta struct {
	Row     int            `json:"row"`
	Col     int            `json:"col"`
	Value   workbook.Value `json:"value"`
	Formula *string        `json:"formula"`
}

// Patch is the on-disk change-set.
type Patch struct {
	Version        int                `json:"version"`
	Changes        map[string][]Delta `json:"changes"`
	SheetAdditions []string           `json:"sheet_additions"`
	SheetRemovals  []string           `json:"sheet_removals"`
}

// IsEmpty reports whether the patch carries no change.
func (p Patch) IsEmpty() bool {
	return len(p.Changes) == 0 && len(p.SheetAdditions) == 0 && len(p.SheetRemovals) == 0
}

// CheckVersion rejects patches written by a newer format version.
func (p Patch) CheckVersion() error {
	if p.Version > int(cef.Version) {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	return nil
}

// ApplyResult summarizes one ApplyPatch call.
type ApplyResult struct {
	Removed int `json:"sheets_removed"`
	Added   int `json:"sheets_added"`
	Applied int `json:"cells_applied"`
	Skipped int `json:"cells_skipped"`
}

type sheetChanges struct {
	order []workbook.Coordinate
	cells map[workbook.Coordinate]workbook.Cell
}

func (s *sheetChanges) put(c workbook.Coordinate, cell workbook.Cell) {
	if _, ok := s.cells[c]; !ok {
		s.order = append(s.order, c)
	}
	s.cells[c] = cell
}

// Tracker accumulates mutation events for one workbook.
type Tracker struct {
	wb       workbook.Workbook
	bus      *workbook.Bus
	basePath string
	logger   *slog.Logger

	subs []workbook.Subscription

	mu        sync.Mutex
	changes   map[string]*sheetChanges
	additions []string
	removals  []string
	baseline  map[string]map[workbook.Coordinate]workbook.Cell
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker subscribes to the mutation events on bus and snapshots wb as the
// baseline. basePath is the workbook file path; patches go to basePath+".patch".
func NewTracker(wb workbook.Workbook, bus *workbook.Bus, basePath string, opts ...Option) *Tracker {
	t := &Tracker{
		wb:       wb,
		bus:      bus,
		basePath: basePath,
		logger:   slog.Default(),
		changes:  make(map[string]*sheetChanges),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "patch")

	t.subs = append(t.subs,
		bus.Subscribe(workbook.CellValueChanged, t.onCellChanged),
		bus.Subscribe(workbook.CellFormulaChanged, t.onCellChanged),
		bus.Subscribe(workbook.SheetAdded, t.onSheetAdded),
		bus.Subscribe(workbook.SheetRemoved, t.onSheetRemoved),
	)

	t.mu.Lock()
	t.rebuildBaseline()
	t.mu.Unlock()
	return t
}

// Path returns the file SaveIncremental writes.
func (t *Tracker) Path() string { return t.basePath + Extension }

func (t *Tracker) onCellChanged(e workbook.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sc, ok := t.changes[e.Sheet]
	if !ok {
		sc = &sheetChanges{cells: make(map[workbook.Coordinate]workbook.Cell)}
		t.changes[e.Sheet] = sc
	}
	sc.put(e.Coord, e.Cell)
	pendingChanges.Set(float64(t.countLocked()))
}

func (t *Tracker) onSheetAdded(e workbook.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.additions = appendUnique(t.additions, e.Sheet)
	t.removals = without(t.removals, e.Sheet)
}

func (t *Tracker) onSheetRemoved(e workbook.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removals = appendUnique(t.removals, e.Sheet)
	t.additions = without(t.additions, e.Sheet)
	delete(t.changes, e.Sheet)
	pendingChanges.Set(float64(t.countLocked()))
}

// Pending returns a copy of the change-set recorded since the last flush.
func (t *Tracker) Pending() Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buildLocked()
}

// SaveIncremental writes the pending change-set to Path and resets it. It
// returns false without touching the filesystem when nothing is pending.
func (t *Tracker) SaveIncremental() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.buildLocked()
	if p.IsEmpty() {
		t.logger.Debug("no changes to save")
		return false, nil
	}

	if err := fsutil.WriteJSONAtomic(t.Path(), p); err != nil {
		return false, fmt.Errorf("write patch %s: %w", t.Path(), err)
	}
	flushesTotal.Inc()

	t.logger.Info("saved incremental changes",
		"path", t.Path(),
		"sheets_changed", len(p.Changes),
		"cells_changed", t.countLocked(),
		"sheets_added", len(p.SheetAdditions),
		"sheets_removed", len(p.SheetRemovals),
	)

	t.changes = make(map[string]*sheetChanges)
	t.additions = nil
	t.removals = nil
	pendingChanges.Set(0)
	t.rebuildBaseline()
	return true, nil
}

// ApplyPatch replays the patch at path onto the workbook: sheet removals, then
// sheet additions, then cell changes sheet by sheet. A file that cannot be
// read is logged and is not an error. Deltas whose sheet does not exist are
// logged and skipped; the rest of the patch still applies.
//
// The replayed mutations are recorded like any other, so the next
// SaveIncremental writes them out again.
func (t *Tracker) ApplyPatch(path string) (ApplyResult, error) {
	var res ApplyResult

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("patch file not found", "path", path)
		return res, nil
	}
	if err != nil {
		t.logger.Warn("patch file unreadable", "path", path, "error", err)
		return res, nil
	}

	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return res, fmt.Errorf("parse patch %s: %w", path, err)
	}
	if err := p.CheckVersion(); err != nil {
		return res, err
	}

	res = Apply(t.wb, p, t.logger)

	t.mu.Lock()
	t.rebuildBaseline()
	t.mu.Unlock()

	t.logger.Info("applied patch",
		"path", path,
		"removed", res.Removed,
		"added", res.Added,
		"applied", res.Applied,
		"skipped", res.Skipped,
	)
	return res, nil
}

// Apply replays p onto wb without any tracker. It is used by offline tools.
func Apply(wb workbook.Workbook, p Patch, logger *slog.Logger) ApplyResult {
	var res ApplyResult
	if logger == nil {
		logger = slog.Default()
	}

	for _, name := range p.SheetRemovals {
		if wb.RemoveSheet(name) {
			res.Removed++
		} else {
			logger.Warn("sheet to remove not found", "sheet", name)
		}
	}

	for _, name := range p.SheetAdditions {
		if _, err := wb.AddSheet(name); err != nil {
			logger.Warn("sheet addition skipped", "sheet", name, "error", err)
			continue
		}
		res.Added++
	}

	names := make([]string, 0, len(p.Changes))
	for name := range p.Changes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		deltas := p.Changes[name]
		sheet, ok := wb.Sheet(name)
		if !ok {
			logger.Warn("sheet not found when applying patch changes", "sheet", name, "deltas", len(deltas))
			res.Skipped += len(deltas)
			appliedDeltas.WithLabelValues("skipped").Add(float64(len(deltas)))
			continue
		}
		for _, d := range deltas {
			if d.Row < 0 || d.Col < 0 {
				logger.Warn("invalid coordinate in patch", "sheet", name, "row", d.Row, "col", d.Col)
				res.Skipped++
				appliedDeltas.WithLabelValues("skipped").Inc()
				continue
			}
			coord := workbook.Coordinate{Row: d.Row, Col: d.Col}
			sheet.SetValue(coord, d.Value)
			if d.Formula != nil {
				sheet.SetFormula(coord, *d.Formula)
			}
			res.Applied++
			appliedDeltas.WithLabelValues("applied").Inc()
		}
	}
	return res
}

// ReadFile parses a patch file.
func ReadFile(path string) (Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Patch{}, err
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("parse patch %s: %w", path, err)
	}
	return p, nil
}

// BaselineCells returns the number of non-empty cells seen at the last
// baseline rescan.
func (t *Tracker) BaselineCells() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, cells := range t.baseline {
		n += len(cells)
	}
	return n
}

// Close unsubscribes the tracker and drops pending changes.
func (t *Tracker) Close() {
	t.bus.UnsubscribeAll(t.subs)
	t.subs = nil

	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = make(map[string]*sheetChanges)
	t.additions = nil
	t.removals = nil
	pendingChanges.Set(0)
}

func (t *Tracker) buildLocked() Patch {
	p := Patch{
		Version:        int(cef.Version),
		Changes:        make(map[string][]Delta, len(t.changes)),
		SheetAdditions: append([]string{}, t.additions...),
		SheetRemovals:  append([]string{}, t.removals...),
	}
	for name, sc := range t.changes {
		deltas := make([]Delta, 0, len(sc.order))
		for _, c := range sc.order {
			cell := sc.cells[c]
			d := Delta{Row: c.Row, Col: c.Col, Value: cell.Value}
			if cell.Formula != "" {
				f := cell.Formula
				d.Formula = &f
			}
			deltas = append(deltas, d)
		}
		p.Changes[name] = deltas
	}
	return p
}

func (t *Tracker) countLocked() int {
	n := 0
	for _, sc := range t.changes {
		n += len(sc.order)
	}
	return n
}

// rebuildBaseline rescans the live workbook. Only stored entries are visited.
func (t *Tracker) rebuildBaseline() {
	t.baseline = make(map[string]map[workbook.Coordinate]workbook.Cell)
	for _, name := range t.wb.SheetNames() {
		sheet, ok := t.wb.Sheet(name)
		if !ok {
			continue
		}
		cells := make(map[workbook.Coordinate]workbook.Cell)
		for _, e := range sheet.Cells() {
			cells[e.Coord] = e.Cell
		}
		t.baseline[name] = cells
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func without(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
