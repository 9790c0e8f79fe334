// Package errs provides structured error types and helpers for sequencer services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an engine-specific error category.
type Code string

const (
	// CodeValidation indicates a request rejected before queueing; never retried.
	CodeValidation Code = "validation"
	// CodeUnknownMarket indicates the referenced market does not resolve to an active market.
	CodeUnknownMarket Code = "unknown_market"
	// CodeClaimConflict indicates a cycle found the market already claimed; a cooperative skip.
	CodeClaimConflict Code = "claim_conflict"
	// CodeMatchFault indicates an unexpected fault inside one market's matching cycle.
	CodeMatchFault Code = "match_fault"
	// CodeReconciliation indicates mirror-node confirmation failed or ran out of retries.
	CodeReconciliation Code = "reconciliation"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates malformed input outside order validation.
	CodeInvalid Code = "invalid_request"
)

// E captures structured error information produced across the sequencer stack.
type E struct {
	Component string
	Code      Code
	Market    string
	Message   string
	Reason    string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Market:    "",
		Message:   "",
		Reason:    "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithMarket records the market the error is scoped to.
func WithMarket(marketID string) Option {
	trimmed := strings.TrimSpace(marketID)
	return func(e *E) {
		e.Market = trimmed
	}
}

// WithReason captures a machine-readable rejection reason (e.g. "invalid_price").
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Market != "" {
		parts = append(parts, "market="+e.Market)
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, or the empty string when
// err does not wrap an *E.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err represents an ingestion validation failure.
func IsValidation(err error) bool {
	code := CodeOf(err)
	return code == CodeValidation || code == CodeUnknownMarket
}

// IsClaimConflict reports whether err represents a cooperative cycle skip.
func IsClaimConflict(err error) bool {
	return CodeOf(err) == CodeClaimConflict
}

// HTTPStatus maps an error to the HTTP status code surfaced by the API layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeInvalid:
		return http.StatusBadRequest
	case CodeUnknownMarket, CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeClaimConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeMatchFault, CodeReconciliation, CodeNetwork:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
