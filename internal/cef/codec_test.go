package cef

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/JonMunkholm/cellvault/internal/workbook"
)

type triple struct {
	sheet   string
	coord   workbook.Coordinate
	value   workbook.Value
	formula string
}

func snapshot(wb workbook.Workbook) []triple {
	var out []triple
	for _, name := range wb.SheetNames() {
		sheet, _ := wb.Sheet(name)
		for _, e := range sheet.Cells() {
			out = append(out, triple{name, e.Coord, e.Cell.Value, e.Cell.Formula})
		}
	}
	return out
}

func sameTriples(t *testing.T, got, want []triple) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("cell count = %d, want %d\ngot:  %+v\nwant: %+v", len(got), len(want), got, want)
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.sheet != w.sheet || g.coord != w.coord || !g.value.Equal(w.value) || g.formula != w.formula {
			t.Errorf("cell %d = %+v, want %+v", i, g, w)
		}
	}
}

func mixedWorkbook() *workbook.Memory {
	wb := workbook.NewMemory(nil)
	s1, _ := wb.AddSheet("Sheet1")
	s1.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.String("Hello"))
	s1.SetFormula(workbook.Coordinate{Row: 0, Col: 1}, "=SUM(A1:A10)")
	s1.SetValue(workbook.Coordinate{Row: 1, Col: 0}, workbook.Int(123))
	s1.SetValue(workbook.Coordinate{Row: 2, Col: 2}, workbook.Float(45.67))
	s1.SetValue(workbook.Coordinate{Row: 3, Col: 0}, workbook.Bool(true))
	s1.SetValue(workbook.Coordinate{Row: 3, Col: 1}, workbook.Bool(false))
	s1.SetValue(workbook.Coordinate{Row: 4, Col: 0}, workbook.Float(2))
	s1.SetValue(workbook.Coordinate{Row: 4, Col: 1}, workbook.Int(-9007199254740993))
	s1.SetValue(workbook.Coordinate{Row: 5, Col: 0}, workbook.String(""))

	s2, _ := wb.AddSheet("Données ✓")
	s2.SetValue(workbook.Coordinate{Row: 5, Col: 5}, workbook.String("日本語テキスト"))
	s2.SetFormula(workbook.Coordinate{Row: 6, Col: 0}, "=CONCAT(\"é\", F6)")

	wb.AddSheet("Empty")
	return wb
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	codec := New()
	src := mixedWorkbook()
	path := filepath.Join(t.TempDir(), "book.cef")

	if err := codec.Save(src, path); err != nil {
		t.Fatalf("Save error = %v", err)
	}

	dst := workbook.NewMemory(nil)
	if err := codec.Load(path, dst); err != nil {
		t.Fatalf("Load error = %v", err)
	}

	gotNames := dst.SheetNames()
	wantNames := src.SheetNames()
	if strings.Join(gotNames, "|") != strings.Join(wantNames, "|") {
		t.Errorf("SheetNames = %v, want %v", gotNames, wantNames)
	}
	sameTriples(t, snapshot(dst), snapshot(src))
}

func TestSaveLoad_ConcreteScenario(t *testing.T) {
	codec := New()
	src := workbook.NewMemory(nil)
	sheet, _ := src.AddSheet("Sheet1")
	sheet.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.Int(1))
	sheet.SetValue(workbook.Coordinate{Row: 1, Col: 0}, workbook.String("hi"))
	sheet.SetFormula(workbook.Coordinate{Row: 0, Col: 1}, "=SUM(A1:A10)")

	path := filepath.Join(t.TempDir(), "s.cef")
	if err := codec.Save(src, path); err != nil {
		t.Fatalf("Save error = %v", err)
	}
	dst := workbook.NewMemory(nil)
	if err := codec.Load(path, dst); err != nil {
		t.Fatalf("Load error = %v", err)
	}

	if names := dst.SheetNames(); len(names) != 1 || names[0] != "Sheet1" {
		t.Fatalf("SheetNames = %v, want [Sheet1]", names)
	}
	got, _ := dst.Sheet("Sheet1")

	a1, _ := got.Cell(workbook.Coordinate{Row: 0, Col: 0})
	if v, ok := a1.Value.AsInt(); !ok || v != 1 {
		t.Errorf("A1 = %v, want int 1", a1.Value)
	}
	a2, _ := got.Cell(workbook.Coordinate{Row: 1, Col: 0})
	if v, ok := a2.Value.AsString(); !ok || v != "hi" {
		t.Errorf("A2 = %v, want \"hi\"", a2.Value)
	}
	b1, _ := got.Cell(workbook.Coordinate{Row: 0, Col: 1})
	if b1.Formula != "=SUM(A1:A10)" {
		t.Errorf("B1 formula = %q, want =SUM(A1:A10)", b1.Formula)
	}
}

func TestEncode_HeaderLayout(t *testing.T) {
	wb := workbook.NewMemory(nil)
	sheet, _ := wb.AddSheet("Ab")
	sheet.SetValue(workbook.Coordinate{Row: 7, Col: 3}, workbook.Int(42))

	var buf bytes.Buffer
	if err := New().Encode(&buf, wb); err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	b := buf.Bytes()

	if string(b[:4]) != "CEF\x01" {
		t.Errorf("magic = %q", b[:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != Version {
		t.Errorf("version = %d, want %d", v, Version)
	}
	if n := binary.LittleEndian.Uint32(b[6:10]); n != 1 {
		t.Errorf("sheet count = %d, want 1", n)
	}
	if n := binary.LittleEndian.Uint16(b[10:12]); n != 2 || string(b[12:14]) != "Ab" {
		t.Errorf("name = %d %q, want 2 \"Ab\"", n, b[12:14])
	}
	blockLen := binary.LittleEndian.Uint32(b[14:18])
	if int(blockLen) != len(b)-18 {
		t.Errorf("block_len = %d, want %d", blockLen, len(b)-18)
	}

	// row 7, col 3, type int, len 2 "42", formula len 0
	want := []byte{7, 0, 0, 0, 3, 0, 0, 0, 1, 2, 0, '4', '2', 0, 0}
	raw := inflate(t, b[18:])
	if !bytes.Equal(raw, want) {
		t.Errorf("record = %v, want %v", raw, want)
	}
}

func TestLoad_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cef")
	os.WriteFile(path, []byte("NOPE\x01\x00"), 0o644)

	err := New().Load(path, workbook.NewMemory(nil))
	if !errors.Is(err, ErrBadMagic) || !IsFormatError(err) {
		t.Errorf("Load error = %v, want FormatError(ErrBadMagic)", err)
	}
}

func TestLoad_RejectsNewerVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := New().Encode(&buf, mixedWorkbook()); err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	b := buf.Bytes()
	binary.LittleEndian.PutUint16(b[4:6], Version+1)

	dst := workbook.NewMemory(nil)
	err := New().Decode(bytes.NewReader(b), dst)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Decode error = %v, want ErrUnsupportedVersion", err)
	}
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Errorf("error %T is not *FormatError", err)
	}
	if n := len(dst.SheetNames()); n != 0 {
		t.Errorf("workbook has %d sheets after version rejection, want 0", n)
	}
}

func TestLoad_SkipsDuplicateSheet(t *testing.T) {
	codec := New()
	src := workbook.NewMemory(nil)
	a, _ := src.AddSheet("A")
	a.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.String("from file"))
	b, _ := src.AddSheet("B")
	b.SetValue(workbook.Coordinate{Row: 1, Col: 1}, workbook.Int(2))

	var buf bytes.Buffer
	if err := codec.Encode(&buf, src); err != nil {
		t.Fatalf("Encode error = %v", err)
	}

	dst := workbook.NewMemory(nil)
	existing, _ := dst.AddSheet("A")
	existing.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.String("kept"))

	if err := codec.Decode(&buf, dst); err != nil {
		t.Fatalf("Decode error = %v", err)
	}

	cell, _ := existing.Cell(workbook.Coordinate{Row: 0, Col: 0})
	if s, _ := cell.Value.AsString(); s != "kept" {
		t.Errorf("existing sheet was overwritten: %v", cell.Value)
	}
	loaded, ok := dst.Sheet("B")
	if !ok {
		t.Fatal("sheet B after the skipped block was not loaded")
	}
	cell, _ = loaded.Cell(workbook.Coordinate{Row: 1, Col: 1})
	if v, _ := cell.Value.AsInt(); v != 2 {
		t.Errorf("B!B2 = %v, want 2", cell.Value)
	}
}

func TestLoad_TruncatedKeepsDecodedSheets(t *testing.T) {
	src := workbook.NewMemory(nil)
	a, _ := src.AddSheet("A")
	a.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.Int(1))
	b, _ := src.AddSheet("B")
	b.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.Int(2))

	var buf bytes.Buffer
	if err := New().Encode(&buf, src); err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	dst := workbook.NewMemory(nil)
	err := New().Decode(bytes.NewReader(truncated), dst)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Decode error = %v, want io.ErrUnexpectedEOF", err)
	}
	if IsFormatError(err) {
		t.Error("truncation should surface as a read error, not FormatError")
	}
	if _, ok := dst.Sheet("A"); !ok {
		t.Error("sheet A decoded before the failure point was dropped")
	}
}

func TestLoad_TruncatedHugeBlockLength(t *testing.T) {
	var in bytes.Buffer
	in.WriteString(Magic)
	binary.Write(&in, binary.LittleEndian, Version)
	binary.Write(&in, binary.LittleEndian, uint32(1))
	binary.Write(&in, binary.LittleEndian, uint16(1))
	in.WriteString("S")
	binary.Write(&in, binary.LittleEndian, uint32(0xFFFFFFF0))
	in.WriteString("xyz")

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err := New().Decode(&in, workbook.NewMemory(nil))
	runtime.ReadMemStats(&after)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Decode error = %v, want io.ErrUnexpectedEOF", err)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 16<<20 {
		t.Errorf("Decode allocated %d MiB for a 20-byte input", grew>>20)
	}
}

func TestLoad_BlockInflatesPastLimit(t *testing.T) {
	wb := workbook.NewMemory(nil)
	sheet, _ := wb.AddSheet("S")
	sheet.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.String(strings.Repeat("a", 4096)))

	var buf bytes.Buffer
	if err := New().Encode(&buf, wb); err != nil {
		t.Fatal(err)
	}

	err := New(WithMaxBlockSize(1024)).Decode(bytes.NewReader(buf.Bytes()), workbook.NewMemory(nil))
	if !errors.Is(err, ErrBlockTooLarge) || !IsFormatError(err) {
		t.Errorf("Decode error = %v, want ErrBlockTooLarge", err)
	}

	if err := New().Decode(bytes.NewReader(buf.Bytes()), workbook.NewMemory(nil)); err != nil {
		t.Errorf("Decode with default limit error = %v", err)
	}
}

func TestLoad_UnknownValueType(t *testing.T) {
	wb := workbook.NewMemory(nil)
	sheet, _ := wb.AddSheet("S")
	sheet.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.Int(1))

	var buf bytes.Buffer
	New().Encode(&buf, wb)
	b := buf.Bytes()

	raw := inflate(t, b[17:])
	raw[8] = 9
	block := deflate(t, raw)

	var out bytes.Buffer
	out.Write(b[:13])
	binary.Write(&out, binary.LittleEndian, uint32(len(block)))
	out.Write(block)

	err := New().Decode(&out, workbook.NewMemory(nil))
	if !errors.Is(err, ErrUnknownValueType) {
		t.Errorf("Decode error = %v, want ErrUnknownValueType", err)
	}
}

func TestSave_FieldTooLong(t *testing.T) {
	wb := workbook.NewMemory(nil)
	sheet, _ := wb.AddSheet("S")
	sheet.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.String(strings.Repeat("x", 70000)))

	path := filepath.Join(t.TempDir(), "long.cef")
	err := New().Save(wb, path)
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("Save error = %v, want ErrFieldTooLong", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("failed save left a file behind")
	}
}

func TestSave_SparseFarCoordinates(t *testing.T) {
	wb := workbook.NewMemory(nil)
	sheet, _ := wb.AddSheet("Sparse")
	far := workbook.Coordinate{Row: 5_000_000, Col: 20_000}
	sheet.SetValue(far, workbook.Int(7))
	sheet.SetValue(workbook.Coordinate{Row: 0, Col: 0}, workbook.Int(1))

	var buf bytes.Buffer
	if err := New().Encode(&buf, wb); err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	dst := workbook.NewMemory(nil)
	if err := New().Decode(&buf, dst); err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	got, _ := dst.Sheet("Sparse")
	cell, ok := got.Cell(far)
	if v, _ := cell.Value.AsInt(); !ok || v != 7 {
		t.Errorf("far cell = %+v, %v, want 7", cell, ok)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	err := New().Load(filepath.Join(t.TempDir(), "nope.cef"), workbook.NewMemory(nil))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want os.ErrNotExist", err)
	}
}

func inflate(t *testing.T, block []byte) []byte {
	t.Helper()
	zr, err := zlib.NewReader(bytes.NewReader(block))
	if err != nil {
		t.Fatalf("zlib.NewReader error = %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate error = %v", err)
	}
	return raw
}

func deflate(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(raw)
	if err := zw.Close(); err != nil {
		t.Fatalf("deflate error = %v", err)
	}
	return buf.Bytes()
}
