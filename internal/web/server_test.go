package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/config"
	"github.com/JonMunkholm/cellvault/internal/core"
	"github.com/JonMunkholm/cellvault/internal/history"
	"github.com/JonMunkholm/cellvault/internal/logging"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *core.Service) {
	t.Helper()

	cfg, err := config.LoadFrom(func(string) string { return "" })
	if err != nil {
		t.Fatalf("config.LoadFrom() error = %v", err)
	}
	cfg.Security.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	dir := t.TempDir()
	svc, err := core.NewService(core.Config{
		BasePath:     filepath.Join(dir, "workbook.cef"),
		RepoPath:     filepath.Join(dir, "repo"),
		Author:       "tester",
		InitialSheet: "Sheet1",
		Backup: backup.Config{
			Dir:        filepath.Join(dir, "backups"),
			Interval:   time.Hour,
			MaxBackups: 3,
		},
		MaxConcurrent: 2,
		MaxWaitTime:   time.Second,
	}, core.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("core.NewService() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return NewServer(svc, cfg), svc
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSheetsAndCells(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if rec := do(t, s, http.MethodPost, "/api/sheets", `{"name":"Data"}`); rec.Code != http.StatusCreated {
		t.Fatalf("add sheet status = %d: %s", rec.Code, rec.Body)
	}
	rec := do(t, s, http.MethodPost, "/api/sheets", `{"name":"Data"}`)
	if rec.Code != http.StatusConflict || decode[ErrorResponse](t, rec).Code != "VAL001" {
		t.Errorf("duplicate sheet = %d %s, want 409 VAL001", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodPut, "/api/sheets/Data/cells/0/1", `{"value":2.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set cell status = %d: %s", rec.Code, rec.Body)
	}
	if view := decode[map[string]any](t, rec); view["ref"] != "B1" || view["value"] != 2.5 {
		t.Errorf("set cell = %v", view)
	}
	if rec := do(t, s, http.MethodPut, "/api/sheets/Data/cells/1/0", `{"formula":"=B1*2"}`); rec.Code != http.StatusOK {
		t.Fatalf("set formula status = %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodGet, "/api/sheets/Data/cells", "")
	cells := decode[[]map[string]any](t, rec)
	if len(cells) != 2 {
		t.Fatalf("cells = %v, want 2", cells)
	}

	rec = do(t, s, http.MethodPut, "/api/sheets/Missing/cells/0/0", `{"value":1}`)
	if rec.Code != http.StatusNotFound || decode[ErrorResponse](t, rec).Code != "VAL004" {
		t.Errorf("missing sheet = %d %s, want 404 VAL004", rec.Code, rec.Body)
	}

	if rec := do(t, s, http.MethodDelete, "/api/sheets/Data", ""); rec.Code != http.StatusNoContent {
		t.Errorf("remove sheet status = %d", rec.Code)
	}
	sheets := decode[[]core.SheetInfo](t, do(t, s, http.MethodGet, "/api/sheets", ""))
	if len(sheets) != 1 || sheets[0].Name != "Sheet1" {
		t.Errorf("sheets = %+v, want only Sheet1", sheets)
	}
}

func TestSetCell_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"negative row", "/api/sheets/Sheet1/cells/-1/0", `{"value":1}`, http.StatusBadRequest},
		{"non-numeric col", "/api/sheets/Sheet1/cells/0/x", `{"value":1}`, http.StatusBadRequest},
		{"unknown field", "/api/sheets/Sheet1/cells/0/0", `{"val":1}`, http.StatusBadRequest},
		{"empty update", "/api/sheets/Sheet1/cells/0/0", `{}`, http.StatusBadRequest},
		{"value and formula", "/api/sheets/Sheet1/cells/0/0", `{"value":1,"formula":"A1"}`, http.StatusBadRequest},
		{"null clears", "/api/sheets/Sheet1/cells/0/0", `{"value":null}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPut, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestCommitCheckoutRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil)

	do(t, s, http.MethodPut, "/api/sheets/Sheet1/cells/0/0", `{"value":"first"}`)
	rec := do(t, s, http.MethodPost, "/api/commits", `{"message":"one"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("commit status = %d: %s", rec.Code, rec.Body)
	}
	first := decode[history.CommitInfo](t, rec)

	do(t, s, http.MethodPut, "/api/sheets/Sheet1/cells/0/0", `{"value":"second"}`)

	rec = do(t, s, http.MethodPost, "/api/commits/"+first.CommitID+"/checkout", "")
	if rec.Code != http.StatusConflict || decode[ErrorResponse](t, rec).Code != "VAL002" {
		t.Fatalf("dirty checkout = %d %s, want 409 VAL002", rec.Code, rec.Body)
	}

	if rec := do(t, s, http.MethodPost, "/api/commits", `{"message":"two"}`); rec.Code != http.StatusCreated {
		t.Fatalf("second commit status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/commits/"+first.CommitID+"/checkout", ""); rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d: %s", rec.Code, rec.Body)
	}

	cells := decode[[]core.CellView](t, do(t, s, http.MethodGet, "/api/sheets/Sheet1/cells", ""))
	if len(cells) != 1 || cells[0].Value.Text() != "first" {
		t.Errorf("cells after checkout = %+v, want first", cells)
	}
	head := decode[history.CommitInfo](t, do(t, s, http.MethodGet, "/api/commits/head", ""))
	if head.CommitID != first.CommitID {
		t.Errorf("head = %s, want %s", head.CommitID, first.CommitID)
	}

	commits := decode[[]history.CommitInfo](t, do(t, s, http.MethodGet, "/api/commits", ""))
	if len(commits) != 2 {
		t.Errorf("commits = %d, want 2", len(commits))
	}

	rec = do(t, s, http.MethodPost, "/api/commits/deadbeef/checkout", "")
	if rec.Code != http.StatusNotFound || decode[ErrorResponse](t, rec).Code != "VAL003" {
		t.Errorf("unknown commit = %d %s, want 404 VAL003", rec.Code, rec.Body)
	}
}

func TestHead_NoCommits(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := do(t, s, http.MethodGet, "/api/commits/head", ""); rec.Code != http.StatusNotFound {
		t.Errorf("head status = %d, want 404", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/commits", `{"message":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank message status = %d, want 400", rec.Code)
	}
}

func TestSaveAndPatch(t *testing.T) {
	s, svc := newTestServer(t, nil)

	do(t, s, http.MethodPut, "/api/sheets/Sheet1/cells/2/2", `{"value":true}`)
	rec := do(t, s, http.MethodPost, "/api/patch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("patch save status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]any](t, rec); got["saved"] != true || got["path"] != svc.PatchPath() {
		t.Errorf("patch save = %v", got)
	}
	if got := decode[map[string]any](t, do(t, s, http.MethodPost, "/api/patch", "")); got["saved"] != false {
		t.Errorf("second patch save = %v, want saved=false", got)
	}

	rec = do(t, s, http.MethodPost, "/api/patch/apply", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("patch apply status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]int](t, rec); got["cells_applied"] != 1 {
		t.Errorf("apply result = %v, want 1 cell", got)
	}

	if rec := do(t, s, http.MethodPost, "/api/save", ""); rec.Code != http.StatusOK {
		t.Errorf("save status = %d: %s", rec.Code, rec.Body)
	}
}

func TestExportXLSX(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(t, s, http.MethodPut, "/api/sheets/Sheet1/cells/0/0", `{"value":42}`)

	rec := do(t, s, http.MethodGet, "/api/export.xlsx", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "PK") {
		t.Error("export body is not a zip archive")
	}
}

func TestBackups(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(t, s, http.MethodPut, "/api/sheets/Sheet1/cells/0/0", `{"value":"kept"}`)

	rec := do(t, s, http.MethodPost, "/api/backups", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create backup status = %d: %s", rec.Code, rec.Body)
	}
	name := decode[map[string]string](t, rec)["name"]

	do(t, s, http.MethodPut, "/api/sheets/Sheet1/cells/0/0", `{"value":"lost"}`)

	list := decode[[]backup.Backup](t, do(t, s, http.MethodGet, "/api/backups", ""))
	if len(list) != 1 || list[0].Name != name {
		t.Fatalf("backups = %+v, want %s", list, name)
	}

	if rec := do(t, s, http.MethodPost, "/api/backups/restore", `{"name":"`+name+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d: %s", rec.Code, rec.Body)
	}
	cells := decode[[]core.CellView](t, do(t, s, http.MethodGet, "/api/sheets/Sheet1/cells", ""))
	if len(cells) != 1 || cells[0].Value.Text() != "kept" {
		t.Errorf("cells after restore = %+v", cells)
	}

	rec = do(t, s, http.MethodPost, "/api/backups/restore", `{"name":"nope.cef"}`)
	if rec.Code != http.StatusNotFound || decode[ErrorResponse](t, rec).Code != "IO001" {
		t.Errorf("missing backup = %d %s, want 404 IO001", rec.Code, rec.Body)
	}
}

func TestAuditLog(t *testing.T) {
	s, _ := newTestServer(t, nil)

	do(t, s, http.MethodPost, "/api/sheets", `{"name":"Audit"}`, "X-Actor", "ana")
	do(t, s, http.MethodPut, "/api/sheets/Audit/cells/0/0", `{"value":1}`)

	entries := decode[[]core.AuditEntry](t, do(t, s, http.MethodGet, "/api/audit-log?sheet=Audit", ""))
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	if entries[0].Action != core.ActionCellEdit || entries[1].Action != core.ActionSheetAdd {
		t.Errorf("actions = %s, %s; want newest first", entries[0].Action, entries[1].Action)
	}
	if entries[1].Actor != "ana" || entries[1].RequestID == "" {
		t.Errorf("sheet_add entry = %+v, want actor ana and a request id", entries[1])
	}

	limited := decode[[]core.AuditEntry](t, do(t, s, http.MethodGet, "/api/audit-log?limit=1", ""))
	if len(limited) != 1 {
		t.Errorf("limit=1 returned %d entries", len(limited))
	}
	if rec := do(t, s, http.MethodGet, "/api/audit-log?since=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Security.RequireAPIKey = true
		c.Security.APIKeys = []string{"secret"}
	})

	if rec := do(t, s, http.MethodGet, "/api/sheets", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/sheets", "", "X-API-Key", "wrong"); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key status = %d, want 403", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/sheets", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Errorf("bearer key status = %d, want 200", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without a key", rec.Code)
	}
}

func TestHistoryPage(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/api/commits", `{"message":"<initial>"}`)

	rec := do(t, s, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("page status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"&lt;initial&gt;", "(HEAD)", "Sheet1"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}

func TestHealth(t *testing.T) {
	s, svc := newTestServer(t, nil)

	status := decode[core.Status](t, do(t, s, http.MethodGet, "/healthz", ""))
	if status.Sheets != 1 || status.Limiter.MaxConcurrent != 2 {
		t.Errorf("status = %+v", status)
	}

	_ = svc.Close(context.Background())
	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("closed healthz status = %d, want 503", rec.Code)
	}
	rec := do(t, s, http.MethodPost, "/api/sheets", `{"name":"Late"}`)
	if rec.Code != http.StatusServiceUnavailable || decode[ErrorResponse](t, rec).Code != "OPS004" {
		t.Errorf("closed add sheet = %d %s, want 503 OPS004", rec.Code, rec.Body)
	}
}

func TestRespondError_HTML(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	s.respondError(rec, req, core.ErrSheetNotFound)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "VAL004") {
		t.Errorf("body = %q, want code", rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Security.RateLimit = 2 })
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	for i := 0; i < 2; i++ {
		if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("third request = %d, want 429 with Retry-After", rec.Code)
	}
}

func TestCSVImportExport(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sheets/Stock/csv", strings.NewReader("sku,qty\nA-1,4\n"))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]int](t, rec); got["rows"] != 2 || got["cells"] != 4 {
		t.Errorf("import result = %v", got)
	}

	rec = do(t, s, http.MethodGet, "/api/sheets/Stock/csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "sku,qty\nA-1,4\n" {
		t.Errorf("export body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "Stock.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = do(t, s, http.MethodPost, "/api/sheets/Stock/csv", "x")
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate import status = %d, want 409", rec.Code)
	}
}
