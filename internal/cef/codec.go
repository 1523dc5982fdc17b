// Package cef implements the .cef binary workbook format.
//
// Layout (all integers little-endian):
//
//	magic "CEF\x01" | version u16 | sheet_count u32 |
//	{ name_len u16 | name | block_len u32 | zlib(cell records) }*
//
// A cell record is
//
//	row u32 | col u32 | value_type u8 | value_len u16 | value | formula_len u16 | formula
//
// with value_type 0 none, 1 int, 2 float, 3 str, 4 bool. Numbers and booleans
// are stored as text so the format does not depend on platform float layout.
// Records are written for non-empty cells in row-major order.
package cef

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"unicode/utf8"

	"github.com/JonMunkholm/cellvault/internal/fsutil"
	"github.com/JonMunkholm/cellvault/internal/workbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Magic identifies a .cef file.
const Magic = "CEF\x01"

// Version is the newest format version this package reads and the one it writes.
const Version uint16 = 1

// Wire type tags.
const (
	typeNone   uint8 = 0
	typeInt    uint8 = 1
	typeFloat  uint8 = 2
	typeString uint8 = 3
	typeBool   uint8 = 4
)

var (
	codecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellvault_codec_duration_seconds",
		Help:    "Duration of .cef save and load operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	codecSheetsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellvault_codec_sheets_skipped_total",
		Help: "Sheets skipped during load because the name already existed",
	})
)

// DefaultMaxBlockSize bounds the decompressed size of one sheet block.
const DefaultMaxBlockSize = 256 << 20

// Codec reads and writes .cef streams.
type Codec struct {
	level        int
	maxBlockSize int64
	logger       *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger sets the logger used for skipped-sheet warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) { c.logger = l }
}

// WithCompressionLevel sets the zlib level for cell blocks.
func WithCompressionLevel(level int) Option {
	return func(c *Codec) { c.level = level }
}

// WithMaxBlockSize caps the decompressed size of a sheet block during
// Decode. Values <= 0 select DefaultMaxBlockSize.
func WithMaxBlockSize(n int64) Option {
	return func(c *Codec) {
		if n <= 0 {
			n = DefaultMaxBlockSize
		}
		c.maxBlockSize = n
	}
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		level:        zlib.DefaultCompression,
		maxBlockSize: DefaultMaxBlockSize,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cef")
	return c
}

// Save writes wb to path. The file is replaced only once the new content is
// complete on disk.
func (c *Codec) Save(wb workbook.Workbook, path string) error {
	timer := prometheus.NewTimer(codecDuration.WithLabelValues("save"))
	defer timer.ObserveDuration()

	var buf bytes.Buffer
	if err := c.Encode(&buf, wb); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Encode writes wb in .cef format to w.
func (c *Codec) Encode(w io.Writer, wb workbook.Workbook) error {
	sheets := make([]workbook.Sheet, 0)
	for _, name := range wb.SheetNames() {
		sheet, ok := wb.Sheet(name)
		if !ok {
			c.logger.Warn("sheet disappeared during save", "sheet", name)
			continue
		}
		sheets = append(sheets, sheet)
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(Magic)
	writeU16(bw, Version)
	writeU32(bw, uint32(len(sheets)))

	for _, sheet := range sheets {
		if err := c.encodeSheet(bw, sheet); err != nil {
			return fmt.Errorf("encode sheet %q: %w", sheet.Name(), err)
		}
	}
	return bw.Flush()
}

func (c *Codec) encodeSheet(w *bufio.Writer, sheet workbook.Sheet) error {
	name := sheet.Name()
	if len(name) > math.MaxUint16 {
		return fmt.Errorf("%w: sheet name is %d bytes", ErrFieldTooLong, len(name))
	}

	block, err := c.compressBlock(sheet.Cells())
	if err != nil {
		return err
	}
	if uint64(len(block)) > math.MaxUint32 {
		return fmt.Errorf("%w: cell block is %d bytes", ErrFieldTooLong, len(block))
	}

	writeU16(w, uint16(len(name)))
	w.WriteString(name)
	writeU32(w, uint32(len(block)))
	_, err = w.Write(block)
	return err
}

func (c *Codec) compressBlock(entries []workbook.Entry) ([]byte, error) {
	var raw bytes.Buffer
	for _, e := range entries {
		if e.Cell.IsEmpty() {
			continue
		}
		if err := appendRecord(&raw, e); err != nil {
			return nil, fmt.Errorf("cell %s: %w", e.Coord.A1(), err)
		}
	}

	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func appendRecord(buf *bytes.Buffer, e workbook.Entry) error {
	if e.Coord.Row < 0 || e.Coord.Col < 0 || uint64(e.Coord.Row) > math.MaxUint32 || uint64(e.Coord.Col) > math.MaxUint32 {
		return fmt.Errorf("%w: coordinate out of range", ErrFieldTooLong)
	}
	value := e.Cell.Value.Text()
	if len(value) > math.MaxUint16 {
		return fmt.Errorf("%w: value is %d bytes", ErrFieldTooLong, len(value))
	}
	formula := e.Cell.Formula
	if len(formula) > math.MaxUint16 {
		return fmt.Errorf("%w: formula is %d bytes", ErrFieldTooLong, len(formula))
	}

	var hdr [11]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(e.Coord.Row))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(e.Coord.Col))
	hdr[8] = typeTag(e.Cell.Value.Kind())
	binary.LittleEndian.PutUint16(hdr[9:11], uint16(len(value)))
	buf.Write(hdr[:])
	buf.WriteString(value)

	var flen [2]byte
	binary.LittleEndian.PutUint16(flen[:], uint16(len(formula)))
	buf.Write(flen[:])
	buf.WriteString(formula)
	return nil
}

func typeTag(k workbook.Kind) uint8 {
	switch k {
	case workbook.KindInt:
		return typeInt
	case workbook.KindFloat:
		return typeFloat
	case workbook.KindString:
		return typeString
	case workbook.KindBool:
		return typeBool
	default:
		return typeNone
	}
}

func kindOf(tag uint8) (workbook.Kind, bool) {
	switch tag {
	case typeNone:
		return workbook.KindNone, true
	case typeInt:
		return workbook.KindInt, true
	case typeFloat:
		return workbook.KindFloat, true
	case typeString:
		return workbook.KindString, true
	case typeBool:
		return workbook.KindBool, true
	default:
		return 0, false
	}
}

// Load reads the file at path into wb. See Decode.
func (c *Codec) Load(path string, wb workbook.Workbook) error {
	timer := prometheus.NewTimer(codecDuration.WithLabelValues("load"))
	defer timer.ObserveDuration()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return c.Decode(bufio.NewReader(f), wb)
}

// Decode reads a .cef stream and adds its sheets to wb, replaying every cell
// through Sheet.SetValue and Sheet.SetFormula in stream order.
//
// A sheet whose name already exists in wb is skipped and loading continues.
// On a truncated or corrupt stream the error is returned and sheets decoded
// before the failure point remain in wb.
func (c *Codec) Decode(r io.Reader, wb workbook.Workbook) error {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return formatErrorf(ErrBadMagic, "read magic: %v", err)
	}
	if string(magic) != Magic {
		return formatErrorf(ErrBadMagic, "got %q", magic)
	}

	version, err := readU16(r)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version > Version {
		return formatErrorf(ErrUnsupportedVersion, "%d (max supported %d)", version, Version)
	}

	count, err := readU32(r)
	if err != nil {
		return fmt.Errorf("read sheet count: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		if err := c.decodeSheet(r, wb); err != nil {
			return fmt.Errorf("sheet %d of %d: %w", i+1, count, err)
		}
	}
	return nil
}

func (c *Codec) decodeSheet(r io.Reader, wb workbook.Workbook) error {
	nameLen, err := readU16(r)
	if err != nil {
		return fmt.Errorf("read name length: %w", err)
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return fmt.Errorf("read name: %w", err)
	}
	if !utf8.Valid(nameBytes) {
		return formatErrorf(ErrInvalidText, "sheet name is not UTF-8")
	}
	name := string(nameBytes)

	blockLen, err := readU32(r)
	if err != nil {
		return fmt.Errorf("read block length for %q: %w", name, err)
	}

	sheet, addErr := wb.AddSheet(name)
	if addErr != nil {
		c.logger.Warn("skipping sheet during load", "sheet", name, "error", addErr)
		codecSheetsSkipped.Inc()
		if _, err := io.CopyN(io.Discard, r, int64(blockLen)); err != nil {
			return fmt.Errorf("skip block for %q: %w", name, err)
		}
		return nil
	}

	// The declared length is untrusted; the buffer grows only with bytes
	// actually present.
	var block bytes.Buffer
	if _, err := io.CopyN(&block, r, int64(blockLen)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read block for %q: %w", name, err)
	}

	zr, err := zlib.NewReader(&block)
	if err != nil {
		return fmt.Errorf("decompress %q: %w", name, err)
	}
	var raw bytes.Buffer
	_, err = raw.ReadFrom(io.LimitReader(zr, c.maxBlockSize+1))
	zr.Close()
	if err != nil {
		return fmt.Errorf("decompress %q: %w", name, err)
	}
	if int64(raw.Len()) > c.maxBlockSize {
		return formatErrorf(ErrBlockTooLarge, "sheet %q inflates beyond %d bytes", name, c.maxBlockSize)
	}

	return replayRecords(raw.Bytes(), sheet)
}

// replayRecords parses cell records and applies each one as soon as it is
// decoded.
func replayRecords(raw []byte, sheet workbook.Sheet) error {
	rd := bytes.NewReader(raw)
	for rd.Len() > 0 {
		var hdr [11]byte
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			return fmt.Errorf("read cell header: %w", err)
		}
		coord := workbook.Coordinate{
			Row: int(binary.LittleEndian.Uint32(hdr[0:4])),
			Col: int(binary.LittleEndian.Uint32(hdr[4:8])),
		}
		kind, ok := kindOf(hdr[8])
		if !ok {
			return formatErrorf(ErrUnknownValueType, "tag %d at %s", hdr[8], coord.A1())
		}

		valueText, err := readField(rd, binary.LittleEndian.Uint16(hdr[9:11]))
		if err != nil {
			return fmt.Errorf("read value at %s: %w", coord.A1(), err)
		}
		formulaLen, err := readU16(rd)
		if err != nil {
			return fmt.Errorf("read formula length at %s: %w", coord.A1(), err)
		}
		formula, err := readField(rd, formulaLen)
		if err != nil {
			return fmt.Errorf("read formula at %s: %w", coord.A1(), err)
		}

		value, err := workbook.ParseText(kind, valueText)
		if err != nil {
			return formatErrorf(ErrInvalidText, "%s: %v", coord.A1(), err)
		}

		sheet.SetValue(coord, value)
		if formula != "" {
			sheet.SetFormula(coord, formula)
		}
	}
	return nil
}

func readField(r io.Reader, n uint16) (string, error) {
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", formatErrorf(ErrInvalidText, "not UTF-8")
	}
	return string(b), nil
}

func writeU16(w io.Writer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU32(w io.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// IsFormatError reports whether err is a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
