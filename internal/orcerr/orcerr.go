// Package orcerr defines the error-kind taxonomy the orchestrator and
// processor client use to decide whether to retry, escalate, or give up.
package orcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/escalation decisions across the
// Stream Consumer, Router, Registry, and Processor Client.
type Kind string

const (
	// KindConfig marks invalid configuration; fatal at startup.
	KindConfig Kind = "config"
	// KindTransientTransport marks a stream/HTTP failure worth retrying
	// with backoff.
	KindTransientTransport Kind = "transient_transport"
	// KindPermanentTransport marks a transport failure that exhausted its
	// retry budget and must escalate to a component-level restart.
	KindPermanentTransport Kind = "permanent_transport"
	// KindConflict marks a rejected registration, surfaced as HTTP 409.
	KindConflict Kind = "conflict"
	// KindSaturation marks a denied admission due to backpressure.
	KindSaturation Kind = "saturation"
	// KindValidation marks a malformed incoming entry, routed to the
	// malformed dead-letter stream and acked to unblock the ingest PEL.
	KindValidation Kind = "validation"
	// KindHandlerError marks a processor handler failure; the entry is
	// not acked and will be redelivered up to max_redeliveries.
	KindHandlerError Kind = "handler_error"
)

// Error wraps an underlying cause with the Kind used to decide retry vs.
// escalation behaviour.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error of the given kind, wrapping err with an
// operation label for logs.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs an *Error of the given kind from a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. The second return is false for errors with no assigned kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTransient reports whether err should be retried with backoff rather
// than escalated.
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindTransientTransport
}

// IsPermanent reports whether err should bubble to the supervising task to
// log, increment an error counter, and restart the subtask or exit.
func IsPermanent(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindPermanentTransport || kind == KindConfig
}

// IsConflict reports whether err represents a registration conflict that
// should surface to an HTTP caller as 409.
func IsConflict(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindConflict
}

// IsValidation reports whether err represents a malformed entry that should
// be dead-lettered and acked rather than retried.
func IsValidation(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindValidation
}
