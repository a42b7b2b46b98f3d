package domain

import (
	"context"
	"errors"
)

var (
	// ErrCapabilityAbsent means the native away feature is unavailable for the account
	ErrCapabilityAbsent = errors.New("capability absent")
	// ErrTransient covers timeouts and temporary disconnects
	ErrTransient = errors.New("transient transport error")
	// ErrSessionInvalid requires re-authentication outside this service
	ErrSessionInvalid = errors.New("session invalid")
	// ErrPeerInvalid means the target chat or user is gone
	ErrPeerInvalid = errors.New("peer invalid")
	// ErrNotFound means the requested message or record does not exist
	ErrNotFound = errors.New("not found")
)

// ErrorKind is the taxonomy every transport error is folded into
type ErrorKind string

const (
	KindCapabilityAbsent ErrorKind = "capability_absent"
	KindTransient        ErrorKind = "transient"
	KindSessionInvalid   ErrorKind = "session_invalid"
	KindPeerInvalid      ErrorKind = "peer_invalid"
	KindNotFound         ErrorKind = "not_found"
	KindUnknown          ErrorKind = "unknown"
)

// Classify maps err onto the error taxonomy
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionInvalid):
		return KindSessionInvalid
	case errors.Is(err, ErrCapabilityAbsent):
		return KindCapabilityAbsent
	case errors.Is(err, ErrPeerInvalid):
		return KindPeerInvalid
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}
