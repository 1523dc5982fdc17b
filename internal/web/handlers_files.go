package web

import (
	"bytes"
	"net/http"
	"strconv"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Save(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (s *Server) handleSavePatch(w http.ResponseWriter, r *http.Request) {
	saved, err := s.service.SaveIncremental(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": saved, "path": s.service.PatchPath()})
}

// handleApplyPatch replays the service's own patch file. Arbitrary paths are
// not accepted over HTTP; use cefctl apply for those.
func (s *Server) handleApplyPatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ApplyPatch(r.Context(), "")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExportXLSX buffers the file so a failed export still gets a proper
// error response.
func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.service.ExportXLSX(r.Context(), &buf); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="workbook.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
