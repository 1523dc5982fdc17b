package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/cellvault/internal/history"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

var (
	// ErrSheetNotFound is returned for operations naming a sheet that does
	// not exist.
	ErrSheetNotFound = errors.New("sheet not found")

	// ErrInvalidInput covers malformed requests: negative coordinates, empty
	// names, a cell update with neither value nor formula.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("service closed")
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// SheetInfo summarizes one sheet.
type SheetInfo struct {
	Name      string `json:"name"`
	Cells     int    `json:"cells"`
	UsedRange string `json:"used_range,omitempty"`
}

// CellView is a cell as returned to callers.
type CellView struct {
	Row     int            `json:"row"`
	Col     int            `json:"col"`
	Ref     string         `json:"ref"`
	Value   workbook.Value `json:"value"`
	Formula string         `json:"formula,omitempty"`
}

func newCellView(c workbook.Coordinate, cell workbook.Cell) CellView {
	return CellView{
		Row:     c.Row,
		Col:     c.Col,
		Ref:     c.A1(),
		Value:   cell.Value,
		Formula: cell.Formula,
	}
}

// CellInput is a cell update. Exactly one of Value and Formula must be set.
type CellInput struct {
	Value   *workbook.Value `json:"value,omitempty"`
	Formula *string         `json:"formula,omitempty"`
}

func (in CellInput) validate() error {
	switch {
	case in.Value == nil && in.Formula == nil:
		return errors.New("cell update needs a value or a formula")
	case in.Value != nil && in.Formula != nil:
		return errors.New("cell update takes a value or a formula, not both")
	}
	return nil
}

// Status is a snapshot of the service for health checks and the UI.
type Status struct {
	Sheets         int                 `json:"sheets"`
	Dirty          bool                `json:"dirty"`
	Head           *history.CommitInfo `json:"head,omitempty"`
	PendingChanges bool                `json:"pending_changes"`
	BackupsRunning bool                `json:"backups_running"`
	Limiter        LimiterStatus       `json:"limiter"`
}
