// Package csvsheet converts between one sheet and CSV.
//
// Import is forgiving about what spreadsheet programs write: a UTF-8 byte
// order mark is skipped, invalid UTF-8 becomes U+FFFD, rows may have
// different lengths, and field text is typed the way a user would expect
// (numbers with currency symbols or thousands separators, accounting
// negatives, booleans, ="..." text and =formulas).
//
// Export writes the rectangle from A1 to the end of the used range so that
// cell coordinates survive a round trip.
package csvsheet

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/cellvault/internal/workbook"
)

var rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cellvault_csvsheet_rows_total",
	Help: "CSV rows read or written, by direction.",
}, []string{"direction"})

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// numericPattern matches a cleaned number: integers, decimals, exponents.
var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// Options controls import.
type Options struct {
	// Raw stores every field as a string instead of inferring types.
	Raw bool
}

// Result summarizes one import.
type Result struct {
	Rows  int   `json:"rows"`
	Cells int   `json:"cells"`
	Bytes int64 `json:"bytes"`
}

// Read fills sheet from CSV read from r. Empty fields leave their cell empty.
func Read(r io.Reader, sheet workbook.Sheet, opts Options) (Result, error) {
	var res Result

	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)
	if head, err := br.Peek(len(utf8BOM)); err == nil && string(head) == string(utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		res.Rows++

		for col, field := range record {
			field = strings.ToValidUTF8(field, "\uFFFD")
			if strings.TrimSpace(field) == "" {
				continue
			}
			coord := workbook.Coordinate{Row: row, Col: col}
			if opts.Raw {
				sheet.SetValue(coord, workbook.String(field))
			} else if formula, ok := formulaOf(field); ok {
				sheet.SetFormula(coord, formula)
			} else {
				sheet.SetValue(coord, ParseField(field))
			}
			res.Cells++
		}
	}

	res.Bytes = cr.n
	rowsTotal.WithLabelValues("import").Add(float64(res.Rows))
	return res, nil
}

// formulaOf reports whether field is a formula. ="text" is quoted text, not
// a formula.
func formulaOf(field string) (string, bool) {
	s := strings.TrimSpace(field)
	if len(s) < 2 || s[0] != '=' || isQuotedText(s) {
		return "", false
	}
	return s[1:], true
}

func isQuotedText(s string) bool {
	return len(s) >= 3 && strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`)
}

// ParseField types one CSV field. Anything that is not a number or a boolean
// stays a string with surrounding whitespace removed.
func ParseField(field string) workbook.Value {
	s := strings.TrimSpace(field)
	if s == "" {
		return workbook.None()
	}
	if isQuotedText(s) {
		return workbook.String(s[2 : len(s)-1])
	}

	switch strings.ToLower(s) {
	case "true":
		return workbook.Bool(true)
	case "false":
		return workbook.Bool(false)
	}

	if num, ok := cleanNumber(s); ok {
		if !strings.ContainsAny(num, ".eE") {
			if i, err := strconv.ParseInt(num, 10, 64); err == nil {
				return workbook.Int(i)
			}
		}
		if f, err := strconv.ParseFloat(num, 64); err == nil {
			return workbook.Float(f)
		}
	}
	return workbook.String(s)
}

// cleanNumber strips currency symbols and thousands separators and turns
// accounting negatives "(12.50)" into "-12.50".
func cleanNumber(s string) (string, bool) {
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}
	return s, numericPattern.MatchString(s)
}

// Write writes sheet as CSV. An empty sheet writes nothing.
func Write(w io.Writer, sheet workbook.Sheet) error {
	used, ok := sheet.UsedRange()
	if !ok {
		return nil
	}

	cw := csv.NewWriter(w)
	record := make([]string, used.End.Col+1)
	for row := 0; row <= used.End.Row; row++ {
		for col := range record {
			cell, _ := sheet.Cell(workbook.Coordinate{Row: row, Col: col})
			record[col] = formatCell(cell)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	rowsTotal.WithLabelValues("export").Add(float64(used.End.Row + 1))
	return cw.Error()
}

// formatCell renders a cell so Read gives it back: floats keep a fraction
// and strings that would read as another type are written as ="text".
func formatCell(cell workbook.Cell) string {
	if cell.Formula != "" {
		return "=" + strings.TrimPrefix(cell.Formula, "=")
	}

	v := cell.Value
	switch v.Kind() {
	case workbook.KindNone:
		return ""
	case workbook.KindFloat:
		if b, err := v.MarshalJSON(); err == nil {
			return string(b)
		}
	case workbook.KindString:
		s, _ := v.AsString()
		if needsQuoting(s) {
			return `="` + s + `"`
		}
		return s
	}
	return v.Text()
}

func needsQuoting(s string) bool {
	if strings.Contains(s, `"`) {
		return false
	}
	if s == "" || strings.TrimSpace(s) != s || strings.HasPrefix(s, "=") {
		return true
	}
	return ParseField(s).Kind() != workbook.KindString
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
