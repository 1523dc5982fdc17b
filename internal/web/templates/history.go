// Package templates renders the server's HTML views. Components are written
// in .templ files; run `templ generate` after editing them.
package templates

import (
	"fmt"
	"time"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/core"
	"github.com/JonMunkholm/cellvault/internal/history"
)

// HistoryPageParams is everything the history page shows.
type HistoryPageParams struct {
	Sheets  []core.SheetInfo
	Commits []history.CommitInfo
	Head    string
	Dirty   bool
	Backups []backup.Backup
}

func workingState(dirty bool) string {
	if dirty {
		return "uncommitted changes"
	}
	return "clean"
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func cellCount(n int) string {
	return fmt.Sprintf("(%d cells)", n)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

func backupDetail(b backup.Backup) string {
	return fmt.Sprintf("%s, %d bytes", formatTime(b.ModTime), b.Size)
}
