package core

// # Error Codes Reference
//
// Every error the service returns maps to a code users can quote to support.
// Codes are grouped by category:
//
// # Format Errors (FMT001-FMT099)
//
//	FMT001 - Not a workbook file: bad magic bytes
//	FMT002 - Newer file format: version above what this build reads
//	FMT003 - Corrupt workbook: unknown value type, invalid text or oversized block
//	FMT004 - Truncated workbook: file ended mid-record
//	FMT005 - Field too long: a sheet name or value exceeds the format limit
//	FMT006 - Unsupported patch: patch version above what this build reads
//	FMT007 - Malformed patch: patch is not valid JSON
//	FMT008 - Malformed CSV: the CSV file could not be parsed
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Duplicate sheet
//	VAL002 - Uncommitted changes: commit before checking out
//	VAL003 - Unknown commit
//	VAL004 - Sheet not found
//	VAL005 - Invalid input: bad coordinates, empty names, bad values
//
// # Storage Errors (IO001-IO099)
//
//	IO001 - Backup not found
//	IO002 - Snapshot missing for a commit
//	IO003 - File not found
//	IO004 - Permission denied
//	IO005 - Disk full
//
// # Operation Errors (OPS001-OPS099)
//
//	OPS001 - System busy: too many concurrent operations
//	OPS002 - Request cancelled
//	OPS003 - Request timed out
//	OPS004 - Service closed
//
// # Default Error (ERR000)
//
// Sentinel errors are matched with errors.Is first, then the message is
// matched against a short list of case-insensitive patterns. Check the logs
// for the technical error when users report ERR000.

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"syscall"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/history"
	"github.com/JonMunkholm/cellvault/internal/patch"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMapping struct {
	target error
	msg    UserMessage
}

// Order matters: the first match wins, so wrapped causes that are more
// specific than their wrappers come first.
var sentinelMappings = []sentinelMapping{
	{cef.ErrBadMagic, UserMessage{"The file is not a workbook file", "Check that you selected a .cef file", "FMT001"}},
	{cef.ErrUnsupportedVersion, UserMessage{"The workbook was written by a newer version", "Upgrade before opening this file", "FMT002"}},
	{cef.ErrUnknownValueType, UserMessage{"The workbook file is corrupt", "Restore from a backup or an earlier commit", "FMT003"}},
	{cef.ErrInvalidText, UserMessage{"The workbook file is corrupt", "Restore from a backup or an earlier commit", "FMT003"}},
	{cef.ErrBlockTooLarge, UserMessage{"The workbook file is corrupt", "Restore from a backup or an earlier commit", "FMT003"}},
	{io.ErrUnexpectedEOF, UserMessage{"The workbook file is truncated", "Restore from a backup or an earlier commit", "FMT004"}},
	{cef.ErrFieldTooLong, UserMessage{"A sheet name or cell value is too long to save", "Shorten the value and save again", "FMT005"}},
	{patch.ErrUnsupportedVersion, UserMessage{"The patch was written by a newer version", "Upgrade before applying this patch", "FMT006"}},

	{workbook.ErrDuplicateSheet, UserMessage{"A sheet with this name already exists", "Choose a different sheet name", "VAL001"}},
	{history.ErrUncommittedChanges, UserMessage{"The workbook has uncommitted changes", "Commit your changes before checking out", "VAL002"}},
	{history.ErrUnknownCommit, UserMessage{"Commit not found", "Pick a commit from the history list", "VAL003"}},
	{ErrSheetNotFound, UserMessage{"Sheet not found", "Verify the sheet name is correct", "VAL004"}},
	{ErrInvalidInput, UserMessage{"The request is invalid", "Check the values you entered", "VAL005"}},

	{backup.ErrBackupNotFound, UserMessage{"Backup not found", "Pick a backup from the backup list", "IO001"}},
	{history.ErrSnapshotMissing, UserMessage{"The snapshot for this commit is missing", "Check the repository directory or pick another commit", "IO002"}},

	{ErrTooManyOperations, UserMessage{"System is busy with other operations", "Please wait a moment and try again", "OPS001"}},
	{context.Canceled, UserMessage{"Request was cancelled", "Please try again", "OPS002"}},
	{context.DeadlineExceeded, UserMessage{"Request timed out", "Please try again", "OPS003"}},
	{ErrClosed, UserMessage{"The service is shutting down", "Please try again shortly", "OPS004"}},

	{fs.ErrNotExist, UserMessage{"File not found", "Check the path and try again", "IO003"}},
	{fs.ErrPermission, UserMessage{"Permission denied", "Check file and directory permissions", "IO004"}},
	{syscall.ENOSPC, UserMessage{"The disk is full", "Free up space and try again", "IO005"}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns catch errors that reach us without a sentinel, usually from
// the standard library.
var errorPatterns = []errorPattern{
	{"no space left", UserMessage{"The disk is full", "Free up space and try again", "IO005"}},
	{"permission denied", UserMessage{"Permission denied", "Check file and directory permissions", "IO004"}},
	{"unexpected eof", UserMessage{"The workbook file is truncated", "Restore from a backup or an earlier commit", "FMT004"}},
	{"zlib: invalid", UserMessage{"The workbook file is corrupt", "Restore from a backup or an earlier commit", "FMT003"}},
}

var (
	malformedPatch = UserMessage{"The patch file is malformed", "Check the patch file or save a new one", "FMT007"}
	malformedCSV   = UserMessage{"The CSV file is malformed", "Check the quoting in the CSV file", "FMT008"}
)

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. A nil error
// maps to the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, m := range sentinelMappings {
		if errors.Is(err, m.target) {
			return m.msg
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return malformedPatch
	}

	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		return malformedCSV
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// IsClientError reports whether err was caused by the request rather than
// by the server: validation failures, unknown ids and bad files.
func IsClientError(err error) bool {
	code := MapError(err).Code
	return strings.HasPrefix(code, "VAL") || strings.HasPrefix(code, "FMT") || code == "IO001"
}

// UserError wraps a technical error with its user-facing message. Error
// returns the user message; Unwrap returns the technical error for logging.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
