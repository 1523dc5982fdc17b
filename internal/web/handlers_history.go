package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/cellvault/internal/history"
)

type commitRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	commits := s.service.History()
	if commits == nil {
		commits = []history.CommitInfo{}
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.badRequest(w, r, "commit message is required")
		return
	}

	info, err := s.service.Commit(r.Context(), req.Message)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	head, ok := s.service.Head()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "no commits",
			Message: "The repository has no commits yet",
			Action:  "Create a commit first",
			Code:    "VAL003",
		})
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.Checkout(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	head, _ := s.service.Head()
	writeJSON(w, http.StatusOK, head)
}
