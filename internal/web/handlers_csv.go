package web

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/cellvault/internal/csvsheet"
)

// maxCSVBytes bounds CSV uploads.
const maxCSVBytes = 32 << 20

// handleImportCSV creates a sheet from the request body. ?raw=true keeps
// every field as text.
func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	raw, _ := strconv.ParseBool(r.URL.Query().Get("raw"))

	body := http.MaxBytesReader(w, r.Body, maxCSVBytes)
	res, err := s.service.ImportCSV(r.Context(), chi.URLParam(r, "sheet"), body, csvsheet.Options{Raw: raw})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   err.Error(),
				Message: "The CSV file is too large",
				Action:  "Split the file and import the parts as separate sheets",
				Code:    "VAL005",
			})
			return
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sheet")

	var buf bytes.Buffer
	if err := s.service.ExportCSV(r.Context(), name, &buf); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name + ".csv"}))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
