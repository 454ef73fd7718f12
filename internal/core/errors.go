// Package core holds the error taxonomy shared by every component, so
// calling code can branch on Kind instead of matching on error strings.
package core

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy members from the error handling design.
type Kind int

const (
	_ Kind = iota
	MalformedBencode
	InvalidMetainfo
	StorageIo
	PieceVerificationFailed
	TrackerFailure
	ProtocolViolation
	InfoHashMismatch
	ConnectTimeout
	RequestTimeout
	PeerClosed
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case MalformedBencode:
		return "MalformedBencode"
	case InvalidMetainfo:
		return "InvalidMetainfo"
	case StorageIo:
		return "StorageIo"
	case PieceVerificationFailed:
		return "PieceVerificationFailed"
	case TrackerFailure:
		return "TrackerFailure"
	case ProtocolViolation:
		return "ProtocolViolation"
	case InfoHashMismatch:
		return "InfoHashMismatch"
	case ConnectTimeout:
		return "ConnectTimeout"
	case RequestTimeout:
		return "RequestTimeout"
	case PeerClosed:
		return "PeerClosed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given kind around err. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds an *Error of the given kind from a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
