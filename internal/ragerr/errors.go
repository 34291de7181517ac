// Package ragerr defines the error taxonomy shared by ingestion, indexing,
// synthesis and request validation.
package ragerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	UnsupportedFormat Kind = "unsupported_format"
	CorruptFile       Kind = "corrupt_file"
	EmptyExtraction   Kind = "empty_extraction"
	FileTooLarge      Kind = "file_too_large"

	DimensionMismatch Kind = "dimension_mismatch"
	WriteFailure      Kind = "write_failure"
	EmbeddingFailure  Kind = "embedding_failure"

	ModelTimeout Kind = "model_timeout"
	ModelError   Kind = "model_error"

	Validation Kind = "validation"
)

// Class groups kinds the way callers report them.
type Class string

const (
	ClassIngestion  Class = "ingestion"
	ClassIndex      Class = "index"
	ClassSynthesis  Class = "synthesis"
	ClassValidation Class = "validation"
)

func (k Kind) Class() Class {
	switch k {
	case UnsupportedFormat, CorruptFile, EmptyExtraction, FileTooLarge:
		return ClassIngestion
	case DimensionMismatch, WriteFailure, EmbeddingFailure:
		return ClassIndex
	case ModelTimeout, ModelError:
		return ClassSynthesis
	default:
		return ClassValidation
	}
}

type Error struct {
	Kind     Kind
	Op       string
	Filename string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Filename != "" {
		msg += fmt.Sprintf(" (%s)", e.Filename)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: CorruptFile}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Op: "validate", Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsValidation(err error) bool {
	return IsKind(err, Validation)
}
