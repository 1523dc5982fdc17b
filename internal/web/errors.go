package web

// errors.go turns service errors into responses. The technical error is
// logged with the request id; the client gets the mapped message and code,
// as JSON for API routes and as an HTML alert elsewhere.

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/cellvault/internal/core"
	"github.com/JonMunkholm/cellvault/internal/logging"
	"github.com/JonMunkholm/cellvault/internal/web/templates"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusByCode maps user codes to HTTP statuses. Codes not listed are 500.
var statusByCode = map[string]int{
	"FMT001": http.StatusUnprocessableEntity,
	"FMT002": http.StatusUnprocessableEntity,
	"FMT003": http.StatusUnprocessableEntity,
	"FMT004": http.StatusUnprocessableEntity,
	"FMT005": http.StatusUnprocessableEntity,
	"FMT006": http.StatusUnprocessableEntity,
	"FMT007": http.StatusUnprocessableEntity,
	"FMT008": http.StatusUnprocessableEntity,
	"VAL001": http.StatusConflict,
	"VAL002": http.StatusConflict,
	"VAL003": http.StatusNotFound,
	"VAL004": http.StatusNotFound,
	"VAL005": http.StatusBadRequest,
	"IO001":  http.StatusNotFound,
	"OPS001": http.StatusServiceUnavailable,
	"OPS002": http.StatusRequestTimeout,
	"OPS003": http.StatusGatewayTimeout,
	"OPS004": http.StatusServiceUnavailable,
}

func statusFor(msg core.UserMessage) int {
	if status, ok := statusByCode[msg.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes the mapped response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	msg := core.MapError(err)
	status := statusFor(msg)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if wantsJSON(r) {
		writeJSON(w, status, ErrorResponse{
			Error:   msg.Message,
			Message: msg.Message,
			Action:  msg.Action,
			Code:    msg.Code,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = templates.ErrorAlert(msg.Message, msg.Action, msg.Code).Render(r.Context(), w)
}

// badRequest reports a malformed request body or parameter.
func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	logging.FromContext(r.Context()).Warn("bad request", "path", r.URL.Path, "detail", detail)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   detail,
		Message: "The request is invalid",
		Action:  "Check the request body and parameters",
		Code:    "VAL005",
	})
}

// wantsJSON reports whether the client prefers JSON. API routes always do.
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
