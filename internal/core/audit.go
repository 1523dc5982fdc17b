package core

import (
	"context"
	"sync"
	"time"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionSheetAdd      AuditAction = "sheet_add"
	ActionSheetRemove   AuditAction = "sheet_remove"
	ActionCellEdit      AuditAction = "cell_edit"
	ActionSave          AuditAction = "save"
	ActionPatchSave     AuditAction = "patch_save"
	ActionPatchApply    AuditAction = "patch_apply"
	ActionCommit        AuditAction = "commit"
	ActionCheckout      AuditAction = "checkout"
	ActionBackupCreate  AuditAction = "backup_create"
	ActionBackupRestore AuditAction = "backup_restore"
	ActionExport        AuditAction = "export"
	ActionCSVImport     AuditAction = "csv_import"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// auditSeverity ranks actions by how much of the workbook they can replace.
func auditSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionCheckout, ActionBackupRestore:
		return SeverityCritical
	case ActionSheetRemove, ActionPatchApply:
		return SeverityHigh
	case ActionExport, ActionBackupCreate:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// AuditEntry is one recorded operation.
type AuditEntry struct {
	ID        string        `json:"id"`
	Action    AuditAction   `json:"action"`
	Severity  AuditSeverity `json:"severity"`
	Sheet     string        `json:"sheet,omitempty"`
	CellRef   string        `json:"cell_ref,omitempty"`
	OldValue  string        `json:"old_value,omitempty"`
	NewValue  string        `json:"new_value,omitempty"`
	CommitID  string        `json:"commit_id,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Actor     string        `json:"actor,omitempty"`
	IPAddress string        `json:"ip_address,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Action AuditAction
	Sheet  string
	Since  time.Time
	Limit  int
}

// DefaultAuditLimit caps audit queries that set no limit.
const DefaultAuditLimit = 100

func (f AuditFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultAuditLimit
	}
	return f.Limit
}

func (f AuditFilter) matches(e AuditEntry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Sheet != "" && e.Sheet != f.Sheet {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// AuditStore persists audit entries.
type AuditStore interface {
	Record(ctx context.Context, entry AuditEntry) error
	// List returns matching entries newest first.
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// DefaultMemoryAuditCapacity is how many entries MemoryAuditStore keeps.
const DefaultMemoryAuditCapacity = 1000

// MemoryAuditStore keeps the most recent entries in a ring buffer. It is the
// store used when no database is configured.
type MemoryAuditStore struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

// NewMemoryAuditStore keeps at most capacity entries (default 1000).
func NewMemoryAuditStore(capacity int) *MemoryAuditStore {
	if capacity <= 0 {
		capacity = DefaultMemoryAuditCapacity
	}
	return &MemoryAuditStore{entries: make([]AuditEntry, capacity)}
}

// Record stores entry, evicting the oldest one when full.
func (m *MemoryAuditStore) Record(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[m.next] = entry
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// List returns matching entries newest first.
func (m *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.entries)
	}

	limit := filter.limit()
	out := make([]AuditEntry, 0, min(n, limit))
	for i := 1; i <= n && len(out) < limit; i++ {
		e := m.entries[(m.next-i+len(m.entries))%len(m.entries)]
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Purge drops entries created before the cutoff.
func (m *MemoryAuditStore) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.entries)
	}
	kept := make([]AuditEntry, 0, n)
	for i := n; i >= 1; i-- {
		e := m.entries[(m.next-i+len(m.entries))%len(m.entries)]
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}

	purged := int64(n - len(kept))
	entries := make([]AuditEntry, len(m.entries))
	copy(entries, kept)
	m.entries = entries
	m.next = len(kept) % len(entries)
	m.full = len(kept) == len(entries)
	return purged, nil
}
