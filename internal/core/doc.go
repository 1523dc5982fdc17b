// Package core is the workbook service: it owns the live workbook and wires
// the binary codec, the change tracker, the commit repository and the backup
// manager to it.
//
// It has no transport dependencies and is used by the HTTP server; the CLI
// works on files directly through the lower packages.
//
// # Locking
//
// Every edit and every whole-workbook operation (save, patch apply, commit,
// checkout, backup, restore, export) runs under one service lock. The
// scheduled backup loop takes the same lock, so a backup never observes a
// half-applied checkout. Heavy operations also take a slot from an
// [OperationLimiter] so a burst of requests cannot queue unbounded work.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each category has a code prefix:
//
//   - FMT: workbook and patch file format errors
//   - VAL: refused requests (duplicate sheet, uncommitted changes, unknown commit)
//   - IO: missing backups or snapshots, filesystem failures
//   - OPS: busy, cancelled, timed out, shut down
//
// # Audit Logging
//
// Every successful operation is recorded through an [AuditStore] with a
// severity level:
//
//   - Low: exports, manual backups
//   - Medium: cell edits, CSV imports, saves, commits
//   - High: sheet removal, patch application
//   - Critical: checkout and backup restore
//
// Without a database the trail is kept in memory; [PGAuditStore] persists it
// to PostgreSQL.
package core
