package web

import (
	"net/http"

	"github.com/JonMunkholm/cellvault/internal/backup"
)

type restoreRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.service.ListBackups()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if backups == nil {
		backups = []backup.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	name, err := s.service.CreateBackup(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		s.badRequest(w, r, "backup name is required")
		return
	}
	if err := s.service.RestoreBackup(r.Context(), req.Name); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"restored": req.Name})
}
