package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/patch"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeWorkbook(t *testing.T, path string) {
	t.Helper()
	wb := workbook.NewMemory(nil)
	sheet, err := wb.AddSheet("Données")
	if err != nil {
		t.Fatal(err)
	}
	sheet.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.String("héllo"))
	sheet.SetValue(workbook.Coordinate{Row: 1, Col: 1}, workbook.Int(7))
	if err := cef.New().Save(wb, path); err != nil {
		t.Fatal(err)
	}
}

func TestShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.cef")
	writeWorkbook(t, path)

	out, err := run(t, "show", path)
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	for _, want := range []string{"1 sheet(s)", "[Données] 2 cell(s)", "héllo", "B2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestShow_NotAWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cef")
	if err := os.WriteFile(path, []byte("nope nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "show", path); !errors.Is(err, cef.ErrBadMagic) {
		t.Errorf("show error = %v, want ErrBadMagic", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "book.cef")
	xl := filepath.Join(dir, "book.xlsx")
	back := filepath.Join(dir, "back.cef")
	writeWorkbook(t, src)

	if _, err := run(t, "export", src, xl); err != nil {
		t.Fatalf("export error = %v", err)
	}
	if _, err := run(t, "import", xl, back); err != nil {
		t.Fatalf("import error = %v", err)
	}

	wb := workbook.NewMemory(nil)
	if err := cef.New().Load(back, wb); err != nil {
		t.Fatal(err)
	}
	sheet, ok := wb.Sheet("Données")
	if !ok {
		t.Fatalf("sheets = %v", wb.SheetNames())
	}
	if c, _ := sheet.Cell(workbook.Coordinate{Row: 0, Col: 0}); c.Value.Text() != "héllo" {
		t.Errorf("A1 = %v", c.Value)
	}
	if c, _ := sheet.Cell(workbook.Coordinate{Row: 1, Col: 1}); !c.Value.Equal(workbook.Int(7)) {
		t.Errorf("B2 = %v", c.Value)
	}
}

func TestApply(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "book.cef")
	out := filepath.Join(dir, "out.cef")
	writeWorkbook(t, base)

	p := patch.Patch{
		Version: int(cef.Version),
		Changes: map[string][]patch.Delta{
			"Données": {{Row: 0, Col: 0, Value: workbook.Float(1.5)}},
			"Missing": {{Row: 0, Col: 0, Value: workbook.Int(1)}},
		},
		SheetAdditions: []string{"Extra"},
	}
	patchPath := filepath.Join(dir, "book.cef.patch")
	writePatch(t, patchPath, p)

	msg, err := run(t, "apply", base, patchPath, "-o", out)
	if err != nil {
		t.Fatalf("apply error = %v", err)
	}
	if !strings.Contains(msg, "applied 1 cell(s), skipped 1") {
		t.Errorf("output = %q", msg)
	}

	wb := workbook.NewMemory(nil)
	if err := cef.New().Load(out, wb); err != nil {
		t.Fatal(err)
	}
	if len(wb.SheetNames()) != 2 {
		t.Errorf("sheets = %v, want Données and Extra", wb.SheetNames())
	}
	sheet, _ := wb.Sheet("Données")
	if c, _ := sheet.Cell(workbook.Coordinate{}); !c.Value.Equal(workbook.Float(1.5)) {
		t.Errorf("A1 = %v, want 1.5", c.Value)
	}
}

func TestApply_RejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "book.cef")
	writeWorkbook(t, base)
	patchPath := filepath.Join(dir, "p.patch")
	writePatch(t, patchPath, patch.Patch{Version: int(cef.Version) + 1})

	if _, err := run(t, "apply", base, patchPath); !errors.Is(err, patch.ErrUnsupportedVersion) {
		t.Errorf("apply error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestBackups_Empty(t *testing.T) {
	out, err := run(t, "backups", "--dir", t.TempDir())
	if err != nil {
		t.Fatalf("backups error = %v", err)
	}
	if strings.TrimSpace(out) != "no backups" {
		t.Errorf("output = %q", out)
	}
}

func TestLog_MissingRepo(t *testing.T) {
	if _, err := run(t, "log", "--repo", filepath.Join(t.TempDir(), "none")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("log error = %v, want not-exist", err)
	}
}

func writePatch(t *testing.T, path string, p patch.Patch) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
