// Package ingesterr defines the error kinds shared by the upload, scheduling and
// status components.
package ingesterr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransport
	KindCancelled
	KindExpired
	KindPipelineStage
	KindChannel
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindCancelled:
		return "cancelled"
	case KindExpired:
		return "expired"
	case KindPipelineStage:
		return "pipeline_stage"
	case KindChannel:
		return "channel"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is; any *Error matches the sentinel of its kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrCancelled     = &Error{Kind: KindCancelled}
	ErrExpired       = &Error{Kind: KindExpired}
	ErrPipelineStage = &Error{Kind: KindPipelineStage}
	ErrChannel       = &Error{Kind: KindChannel}
	ErrPermission    = &Error{Kind: KindPermission}
)

// Error carries a kind, the operation that failed and a message fit for users
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// New creates an error of the given kind
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

func Transport(op string, err error) *Error {
	return New(KindTransport, op, "", err)
}

func Cancelled(op string, err error) *Error {
	return New(KindCancelled, op, "operation cancelled", err)
}

func Expired(op, sessionID string) *Error {
	return New(KindExpired, op, fmt.Sprintf("upload session %s has expired", sessionID), nil)
}

func PipelineStage(stage string, err error) *Error {
	return New(KindPipelineStage, stage, "", err)
}

func Channel(op string, err error) *Error {
	return New(KindChannel, op, "status channel closed", err)
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation without an *Error reports KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether err may succeed on a later attempt
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindPipelineStage, KindChannel:
		return true
	default:
		return false
	}
}

// UserMessage renders err as a sentence that tells the user whether to try
// again or contact support.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindValidation:
		return fmt.Sprintf("The file was rejected: %s. Choose a different file and try again.", message(err))
	case KindTransport:
		return "The network connection failed. Please try again."
	case KindCancelled:
		return "The operation was cancelled."
	case KindExpired:
		return "The upload session expired. Start the upload again."
	case KindPipelineStage:
		return "Processing failed. Retry the job; contact support if it keeps failing."
	case KindChannel:
		return "Live status updates stopped. Reload to try again."
	case KindPermission:
		return "You do not have permission for this upload. Please contact support."
	default:
		return "An unexpected error occurred. Please contact support."
	}
}

func message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
