package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/cellvault/internal/core"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

type addSheetRequest struct {
	Name string `json:"name"`
}

// setCellRequest keeps the value raw so an explicit null clears the cell
// instead of reading as "no value given".
type setCellRequest struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Formula *string         `json:"formula,omitempty"`
}

func (req setCellRequest) input() (core.CellInput, error) {
	var in core.CellInput
	if len(req.Value) > 0 {
		var v workbook.Value
		if err := json.Unmarshal(req.Value, &v); err != nil {
			return in, err
		}
		in.Value = &v
	}
	in.Formula = req.Formula
	return in, nil
}

func (s *Server) handleListSheets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Sheets())
}

func (s *Server) handleAddSheet(w http.ResponseWriter, r *http.Request) {
	var req addSheetRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	if err := s.service.AddSheet(r.Context(), req.Name); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": strings.TrimSpace(req.Name)})
}

func (s *Server) handleRemoveSheet(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveSheet(r.Context(), chi.URLParam(r, "sheet")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCells(w http.ResponseWriter, r *http.Request) {
	cells, err := s.service.Cells(chi.URLParam(r, "sheet"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cells)
}

func (s *Server) handleSetCell(w http.ResponseWriter, r *http.Request) {
	row, err := intParam(r, "row")
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	col, err := intParam(r, "col")
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}

	var req setCellRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}

	view, err := s.service.SetCell(r.Context(), chi.URLParam(r, "sheet"), row, col, in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
