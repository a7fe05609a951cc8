// util/errors.go

package util

import "fmt"

// ErrorClass is the spec's §7 error taxonomy: Io (filesystem, network,
// process spawn), Db (catalog statement failure), Format (malformed
// on-disk data read back), and Invariant (assertion failure). Class
// reports it, so a caller can route a failure by its class rather than by
// its message text.
type ErrorClass int

const (
	ClassIO ErrorClass = iota
	ClassDb
	ClassFormat
	ClassInvariant
)

func (c ErrorClass) String() string {
	switch c {
	case ClassIO:
		return "io"
	case ClassDb:
		return "db"
	case ClassFormat:
		return "format"
	case ClassInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// ClassedError wraps an underlying error with its taxonomy class so that
// callers can route it (abort vs. log-and-skip) without string matching.
type ClassedError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *ClassedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *ClassedError) Unwrap() error {
	return e.Err
}

func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassedError{Class: ClassIO, Op: op, Err: err}
}

func DbError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassedError{Class: ClassDb, Op: op, Err: err}
}

func FormatError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassedError{Class: ClassFormat, Op: op, Err: err}
}

func InvariantError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassedError{Class: ClassInvariant, Op: op, Err: err}
}

// Class reports the ErrorClass of err, or ClassIO if err was not produced
// by one of the constructors above (the conservative default: treat
// unclassified failures as session-aborting).
func Class(err error) ErrorClass {
	var ce *ClassedError
	if e, ok := err.(*ClassedError); ok {
		ce = e
	} else {
		return ClassIO
	}
	return ce.Class
}
