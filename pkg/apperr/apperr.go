package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an engine failure for callers and transports.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindEnvironment Kind = "environment"
	KindExecution   Kind = "execution"
	KindGap         Kind = "consistency_gap"
)

// Reason refines a validation failure so transports can pick a status code.
type Reason string

const (
	ReasonInvalid     Reason = "invalid"
	ReasonForbidden   Reason = "forbidden"
	ReasonNotFound    Reason = "not_found"
	ReasonUnsupported Reason = "unsupported"
)

// ValidationError is bad input: surfaced immediately, no side effects attempted.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// EnvironmentError means an external environment was missing or unreachable.
type EnvironmentError struct {
	Op  string
	Err error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s: environment unavailable: %v", e.Op, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// ExecutionError means an external call ran but the operation was rejected.
// Message is kept verbatim for operator diagnosis.
type ExecutionError struct {
	Op      string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConsistencyGap reports that irreversible steps committed before a dependent
// step failed. The gap is left in place for manual reconciliation.
type ConsistencyGap struct {
	Completed []string
	Failed    string
	Err       error
}

func (e *ConsistencyGap) Error() string {
	done := "nothing"
	if len(e.Completed) > 0 {
		done = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("consistency gap: completed [%s], %s failed: %v", done, e.Failed, e.Err)
}

func (e *ConsistencyGap) Unwrap() error { return e.Err }

// ErrUnsupportedSelfService is returned when an approval would need a third
// party's secret that the caller did not supply.
var ErrUnsupportedSelfService = &ValidationError{
	Reason:  ReasonUnsupported,
	Message: "owner is not the operator and no owner secret was supplied; self-service approval must be signed by the owner",
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: ReasonInvalid, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &ValidationError{Reason: ReasonForbidden, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &ValidationError{Reason: ReasonNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or "" when err is untyped.
func KindOf(err error) Kind {
	var (
		ve  *ValidationError
		ee  *EnvironmentError
		xe  *ExecutionError
		gap *ConsistencyGap
	)
	switch {
	case errors.As(err, &gap):
		return KindGap
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ee):
		return KindEnvironment
	case errors.As(err, &xe):
		return KindExecution
	}
	return ""
}

// HTTPStatus maps an error to the status code the API layer responds with.
func HTTPStatus(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) && KindOf(err) == KindValidation {
		switch ve.Reason {
		case ReasonForbidden:
			return http.StatusForbidden
		case ReasonNotFound:
			return http.StatusNotFound
		case ReasonUnsupported:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadRequest
		}
	}
	switch KindOf(err) {
	case KindEnvironment:
		return http.StatusServiceUnavailable
	case KindExecution:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Body renders err as the JSON error payload used by every handler.
func Body(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	if kind := KindOf(err); kind != "" {
		body["kind"] = kind
	}
	var gap *ConsistencyGap
	if errors.As(err, &gap) {
		body["step"] = gap.Failed
		body["completed_steps"] = gap.Completed
	}
	return body
}
