package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/joseph-ayodele/bill-extractor/constants"
)

// Error is a typed extraction failure scoped to one document.
type Error struct {
	Kind constants.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Malformedf reports a document that cannot be read as a bill.
func Malformedf(format string, args ...any) error {
	return &Error{Kind: constants.ErrorKindMalformedDocument, Err: fmt.Errorf(format, args...)}
}

// AdapterError reports a definitive failure from the extraction backend.
func AdapterError(err error) error {
	return &Error{Kind: constants.ErrorKindAdapter, Err: err}
}

// KindOf classifies any error returned by an Extractor.
func KindOf(err error) constants.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return constants.ErrorKindTimeout
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return constants.ErrorKindAdapter
}

// Retryable reports whether re-running the extraction could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case constants.ErrorKindTimeout, constants.ErrorKindAdapter:
		return true
	default:
		return false
	}
}

// Describe renders err as the human-readable message stored with a failed file.
func Describe(err error) string {
	switch KindOf(err) {
	case constants.ErrorKindTimeout:
		return "extraction timed out"
	case constants.ErrorKindMalformedDocument:
		var e *Error
		if errors.As(err, &e) {
			return "malformed document: " + e.Err.Error()
		}
		return "malformed document"
	default:
		var e *Error
		if errors.As(err, &e) {
			return "extraction failed: " + e.Err.Error()
		}
		return "extraction failed: " + err.Error()
	}
}
