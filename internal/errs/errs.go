// Package errs defines the error kinds surfaced by the engine and the
// helpers the HTTP and RPC adapters use to classify them.
package errs

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/samber/oops"
)

// Kind is the machine-readable class of an engine error.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindFailedPrecondition Kind = "failed_precondition"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindCancelled          Kind = "cancelled"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindInternal           Kind = "internal"
)

// Attr is a structured key/value attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldDatabase(name string) Attr {
	return Field("database", name)
}

func FieldCollection(name string) Attr {
	return Field("collection", name)
}

func FieldID(id string) Attr {
	return Field("id", id)
}

func New(kind Kind, msg string, fields ...Attr) error {
	return oops.Code(kind).With(flatten(fields)...).New(msg)
}

func Errorf(kind Kind, format string, args ...any) error {
	return oops.Code(kind).Errorf(format, args...)
}

func Wrap(err error, kind Kind, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(kind).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(kind).Wrapf(err, format, args...)
}

func InvalidArgument(format string, args ...any) error {
	return Errorf(KindInvalidArgument, format, args...)
}

func NotFound(format string, args ...any) error {
	return Errorf(KindNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) error {
	return Errorf(KindAlreadyExists, format, args...)
}

func FailedPrecondition(format string, args ...any) error {
	return Errorf(KindFailedPrecondition, format, args...)
}

func ResourceExhausted(format string, args ...any) error {
	return Errorf(KindResourceExhausted, format, args...)
}

func Internal(format string, args ...any) error {
	return Errorf(KindInternal, format, args...)
}

// FromContext converts a context error into a Cancelled or DeadlineExceeded
// error. Any other error is returned unchanged.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case KindOf(err) != "":
		return err
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, KindDeadlineExceeded, "deadline exceeded")
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, KindCancelled, "request cancelled")
	default:
		return err
	}
}

// KindOf returns the kind carried by err, or "" when err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Kind:
		return code
	case string:
		return Kind(code)
	case nil:
		return ""
	default:
		return Kind(fmt.Sprintf("%v", code))
	}
}

// KindOrInternal is KindOf with unclassified errors reported as internal.
func KindOrInternal(err error) Kind {
	if kind := KindOf(err); kind != "" {
		return kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

func IsInvalidArgument(err error) bool {
	return Is(err, KindInvalidArgument)
}

// FieldsOf returns the structured context attached to err.
func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

// Message returns the human-readable message without the kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Error()
	}
	return err.Error()
}

// HTTPStatus maps an error to the status code returned by the HTTP adapter.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch KindOrInternal(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindFailedPrecondition:
		return http.StatusPreconditionFailed
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindCancelled:
		return 499
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
