package condition

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var (
	// ErrParse marks malformed query-language input.
	ErrParse = errors.New("condition parse error")
	// ErrInvalid marks malformed structured condition definitions.
	ErrInvalid = errors.New("invalid condition")
	// ErrNotImplemented marks conditions without a store query translation.
	ErrNotImplemented = errors.New("condition has no store query translation")
)

// ParseError describes one query-language syntax failure.
// Params: query text, byte offset and message.
// Returns: error matching ErrParse via errors.Is.
type ParseError struct {
	Query  string
	Offset int
	Msg    string
}

// Error returns formatted parse failure.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse condition %q at offset %d: %s", e.Query, e.Offset, e.Msg)
}

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// InvalidError describes one malformed structured condition.
// Params: offending type tag, raw arguments and reason.
// Returns: error matching ErrInvalid via errors.Is.
type InvalidError struct {
	Type   string
	Args   any
	Reason string
}

// Error returns formatted validation failure.
func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid condition type=%q args=%v: %s", e.Type, e.Args, e.Reason)
}

// Is matches ErrInvalid.
func (e *InvalidError) Is(target error) bool {
	return target == ErrInvalid
}

var pkgLogger atomic.Pointer[slog.Logger]

// SetLogger sets logger used for evaluation warnings.
// Params: logger; nil restores slog.Default.
// Returns: none.
func SetLogger(logger *slog.Logger) {
	pkgLogger.Store(logger)
}

func log() *slog.Logger {
	if logger := pkgLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}
