package cef

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic means the input does not start with the CEF magic bytes.
	ErrBadMagic = errors.New("invalid cell editor file")

	// ErrUnsupportedVersion means the file was written by a newer format version.
	ErrUnsupportedVersion = errors.New("unsupported file format version")

	// ErrUnknownValueType means a cell record carries an undefined type tag.
	ErrUnknownValueType = errors.New("unknown value type")

	// ErrInvalidText means a name, value or formula is not valid UTF-8 or
	// does not parse for its declared type.
	ErrInvalidText = errors.New("invalid text field")

	// ErrBlockTooLarge means a sheet block decompresses beyond the codec's limit.
	ErrBlockTooLarge = errors.New("sheet block too large")

	// ErrFieldTooLong means a name, value or formula does not fit its length prefix.
	ErrFieldTooLong = errors.New("field exceeds format limit")
)

// FormatError reports input that is not a readable .cef stream. It is never
// recovered inside this package.
type FormatError struct {
	Err    error
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return "cef: " + e.Err.Error()
	}
	return fmt.Sprintf("cef: %v: %s", e.Err, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(err error, format string, args ...any) error {
	return &FormatError{Err: err, Detail: fmt.Sprintf(format, args...)}
}
