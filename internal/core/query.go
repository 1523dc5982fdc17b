package core

import (
	"fmt"
	"strings"
	"time"
)

// WhereBuilder assembles a parameterized WHERE clause. Empty values are
// skipped so optional filters need no branching at the call site.
type WhereBuilder struct {
	conditions []string
	args       []any
	argIndex   int
}

// NewWhereBuilder returns an empty builder whose first placeholder is $1.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{argIndex: 1}
}

// Add appends "col = $n" unless value is empty.
func (w *WhereBuilder) Add(col, value string) {
	if value == "" {
		return
	}
	w.conditions = append(w.conditions, fmt.Sprintf("%s = $%d", col, w.argIndex))
	w.args = append(w.args, value)
	w.argIndex++
}

// AddSince appends "col >= $n" unless t is zero.
func (w *WhereBuilder) AddSince(col string, t time.Time) {
	if t.IsZero() {
		return
	}
	w.conditions = append(w.conditions, fmt.Sprintf("%s >= $%d", col, w.argIndex))
	w.args = append(w.args, t)
	w.argIndex++
}

// NextArgIndex returns the number of the next placeholder, for clauses
// appended after the WHERE (LIMIT, OFFSET).
func (w *WhereBuilder) NextArgIndex() int {
	return w.argIndex
}

// Build returns the clause with a leading space, or "" when no condition
// was added, and its arguments.
func (w *WhereBuilder) Build() (string, []any) {
	if len(w.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.conditions, " AND "), w.args
}
