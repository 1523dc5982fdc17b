package web

import (
	"net/http"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/cellvault/internal/web/templates"
)

func (s *Server) handleHistoryPage(w http.ResponseWriter, r *http.Request) {
	backups, err := s.service.ListBackups()
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	status := s.service.Status()
	params := templates.HistoryPageParams{
		Sheets:  s.service.Sheets(),
		Commits: s.service.History(),
		Dirty:   status.Dirty,
		Backups: backups,
	}
	if status.Head != nil {
		params.Head = status.Head.CommitID
	}

	templ.Handler(templates.HistoryPage(params)).ServeHTTP(w, r)
}

// handleHealth reports service status. It returns 503 once the service is
// closed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.service.Status()
	code := http.StatusOK
	if s.service.Closed() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
