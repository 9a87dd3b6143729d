package xerrors

import (
	"errors"
)

// Kind classifies xobj errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindUnknownGroup
	KindNotReady
	KindCRCMismatch
	KindNotFound
	KindAlreadyExists
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindUnknownGroup:
		return "unknown placement group"
	case KindNotReady:
		return "placement group not ready"
	case KindCRCMismatch:
		return "crc mismatch"
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
