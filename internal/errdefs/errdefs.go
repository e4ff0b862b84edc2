// Package errdefs defines the closed error taxonomy shared by every provider
// adapter and the layers above them.
//
// Provider backends fail in wildly different vocabularies (HTTP statuses,
// JSON envelopes, CLI stderr). Everything funnels through Classify so that
// callers only ever reason about the small set of Kinds below, the same way
// the docker SDK's errdefs package collapses engine errors into predicates.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of error categories surfaced by the SDK.
type Kind string

const (
	// KindAuthentication indicates missing or rejected credentials.
	KindAuthentication Kind = "authentication"

	// KindNotFound indicates the sandbox, snapshot, volume or resource does not exist.
	KindNotFound Kind = "not_found"

	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindRateLimited indicates the provider throttled the request.
	KindRateLimited Kind = "rate_limited"

	// KindConflict indicates the operation collides with current resource state.
	KindConflict Kind = "conflict"

	// KindQuotaExceeded indicates an account-level capacity limit was hit.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindNetwork indicates a transport-level failure before a provider answer.
	KindNetwork Kind = "network"

	// KindProvider is the generic upstream failure bucket.
	KindProvider Kind = "provider"

	// KindValidation indicates the caller supplied unusable input.
	KindValidation Kind = "validation"

	// KindUnsupported indicates the provider does not implement the operation.
	KindUnsupported Kind = "unsupported"
)

// Error is the uniform classified error. It carries enough context for the
// HTTP layer and the run orchestrator to report failures without re-parsing
// provider messages.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	Capability string
	Op         string
	SandboxID  string

	// RetryAfter is populated for KindRateLimited when the provider sent a
	// usable Retry-After value.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the wrapped lower-layer error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a classified error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it as the cause.
// A nil err returns nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithContext enriches err with operation context when it is (or wraps) a
// classified Error; otherwise it wraps err as KindProvider first. Empty fields
// never overwrite context set closer to the failure.
func WithContext(err error, provider, capability, op string) error {
	if err == nil {
		return nil
	}
	e := promote(err)
	if e.Provider == "" {
		e.Provider = provider
	}
	if e.Capability == "" {
		e.Capability = capability
	}
	if e.Op == "" {
		e.Op = op
	}
	return e
}

// WithSandbox records the sandbox id on a classified error.
func WithSandbox(err error, sandboxID string) error {
	if err == nil {
		return nil
	}
	e := promote(err)
	if e.SandboxID == "" {
		e.SandboxID = sandboxID
	}
	return e
}

// promote returns err itself when classified, otherwise wraps it as a generic
// provider error so context can be attached.
func promote(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindProvider, Message: err.Error(), cause: err}
}

// KindOf reports the Kind of err, or KindProvider for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProvider
}

// GetError extracts the classified Error from err's chain, if any.
func GetError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool { return is(err, KindAuthentication) }

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsTimeout reports whether err indicates a deadline overrun.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsRateLimited reports whether err indicates provider throttling.
func IsRateLimited(err error) bool { return is(err, KindRateLimited) }

// IsConflict reports whether err indicates a state conflict.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsQuotaExceeded reports whether err indicates an exhausted quota.
func IsQuotaExceeded(err error) bool { return is(err, KindQuotaExceeded) }

// IsNetwork reports whether err indicates a transport failure.
func IsNetwork(err error) bool { return is(err, KindNetwork) }

// IsValidation reports whether err indicates invalid caller input.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsUnsupported reports whether err indicates an unimplemented operation.
func IsUnsupported(err error) bool { return is(err, KindUnsupported) }

// Unsupported is a convenience constructor for absent optional operations.
func Unsupported(provider, op string) *Error {
	return &Error{
		Kind:     KindUnsupported,
		Message:  fmt.Sprintf("%s does not support %s", provider, op),
		Provider: provider,
		Op:       op,
	}
}

// HTTPStatus maps an error kind to the REST status code the public API
// responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return 401
	case KindNotFound:
		return 404
	case KindValidation:
		return 400
	case KindConflict:
		return 409
	case KindRateLimited:
		return 429
	case KindTimeout:
		return 504
	case KindUnsupported:
		return 501
	case KindQuotaExceeded:
		return 402
	case KindProvider, KindNetwork:
		return 502
	default:
		return 500
	}
}
