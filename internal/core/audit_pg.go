package core

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS workbook_audit_log (
	id          UUID PRIMARY KEY,
	action      TEXT NOT NULL,
	severity    TEXT NOT NULL,
	sheet       TEXT,
	cell_ref    TEXT,
	old_value   TEXT,
	new_value   TEXT,
	commit_id   TEXT,
	detail      TEXT,
	actor       TEXT,
	ip_address  INET,
	user_agent  TEXT,
	request_id  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workbook_audit_log_created_at_idx ON workbook_audit_log (created_at DESC);
`

const auditColumns = `id, action, severity, sheet, cell_ref, old_value, new_value,
	commit_id, detail, actor, ip_address, user_agent, request_id, created_at`

// PGAuditStore keeps the audit trail in PostgreSQL.
type PGAuditStore struct {
	db DBTX
}

// NewPGAuditStore wraps db, usually a *pgxpool.Pool.
func NewPGAuditStore(db DBTX) *PGAuditStore {
	return &PGAuditStore{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PGAuditStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Record inserts entry. An empty ID is replaced by a new UUID.
func (s *PGAuditStore) Record(ctx context.Context, e AuditEntry) error {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(ctx, `INSERT INTO workbook_audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pgtype.UUID{Bytes: id, Valid: true},
		string(e.Action),
		string(e.Severity),
		toPgText(e.Sheet),
		toPgText(e.CellRef),
		toPgText(e.OldValue),
		toPgText(e.NewValue),
		toPgText(e.CommitID),
		toPgText(e.Detail),
		toPgText(e.Actor),
		parseIP(e.IPAddress),
		toPgText(e.UserAgent),
		toPgText(e.RequestID),
		pgtype.Timestamptz{Time: e.CreatedAt, Valid: true},
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns matching entries newest first.
func (s *PGAuditStore) List(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	wb := NewWhereBuilder()
	wb.Add("action", string(f.Action))
	wb.Add("sheet", f.Sheet)
	wb.AddSince("created_at", f.Since)

	where, args := wb.Build()
	query := `SELECT ` + auditColumns + ` FROM workbook_audit_log` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", wb.NextArgIndex())
	args = append(args, f.limit())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		entry, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

func scanAuditRow(rows pgx.Rows) (AuditEntry, error) {
	var (
		id                             pgtype.UUID
		action, severity               string
		sheet, cellRef, oldVal, newVal pgtype.Text
		commitID, detail, actor        pgtype.Text
		ipAddress                      *netip.Addr
		userAgent, requestID           pgtype.Text
		createdAt                      pgtype.Timestamptz
	)
	err := rows.Scan(&id, &action, &severity, &sheet, &cellRef, &oldVal, &newVal,
		&commitID, &detail, &actor, &ipAddress, &userAgent, &requestID, &createdAt)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("scan audit row: %w", err)
	}

	entry := AuditEntry{
		ID:        pgUUIDToString(id),
		Action:    AuditAction(action),
		Severity:  AuditSeverity(severity),
		Sheet:     sheet.String,
		CellRef:   cellRef.String,
		OldValue:  oldVal.String,
		NewValue:  newVal.String,
		CommitID:  commitID.String,
		Detail:    detail.String,
		Actor:     actor.String,
		UserAgent: userAgent.String,
		RequestID: requestID.String,
		CreatedAt: createdAt.Time,
	}
	if ipAddress != nil {
		entry.IPAddress = ipAddress.String()
	}
	return entry, nil
}

// toPgText maps "" to SQL NULL.
func toPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func pgUUIDToString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}

// parseIP strips a port if present. Unparseable addresses are stored as NULL.
func parseIP(addr string) *netip.Addr {
	if addr == "" {
		return nil
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	return &ip
}

// Purge deletes entries created before the cutoff.
func (s *PGAuditStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM workbook_audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}
