package errdefs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// basePatterns maps message substrings to kinds when no HTTP status is
// available. Matching is case-insensitive and first-match-wins in the order
// given here.
var basePatterns = []pattern{
	{"unauthorized", KindAuthentication},
	{"invalid api key", KindAuthentication},
	{"invalid token", KindAuthentication},
	{"forbidden", KindAuthentication},
	{"not found", KindNotFound},
	{"does not exist", KindNotFound},
	{"no such file", KindNotFound},
	{"rate limit", KindRateLimited},
	{"too many requests", KindRateLimited},
	{"quota", KindQuotaExceeded},
	{"insufficient capacity", KindQuotaExceeded},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
	{"deadline exceeded", KindTimeout},
	{"already exists", KindConflict},
	{"conflict", KindConflict},
	{"connection refused", KindNetwork},
	{"connection reset", KindNetwork},
	{"no such host", KindNetwork},
}

// providerPatterns extends basePatterns with provider-specific phrasings.
// These are consulted before the base set so a provider can override the
// generic mapping.
var providerPatterns = map[string][]pattern{
	"docker": {
		{"no such container", KindNotFound},
		{"no such image", KindNotFound},
		{"no such volume", KindNotFound},
		{"could not find the file", KindNotFound},
		{"is already in use", KindConflict},
		{"is not running", KindConflict},
		{"is not paused", KindConflict},
		{"is already paused", KindConflict},
		{"volume is in use", KindConflict},
		{"cannot connect to the docker daemon", KindNetwork},
	},
	"e2b": {
		{"sandbox was not found", KindNotFound},
		{"template not found", KindNotFound},
	},
	"daytona": {
		{"workspace not found", KindNotFound},
		{"sandbox is not running", KindConflict},
	},
	"blaxel": {
		{"sandbox not deployed", KindConflict},
	},
	"modal": {
		{"sandbox has already been terminated", KindNotFound},
	},
	"cloudflare": {
		{"authentication error", KindAuthentication},
	},
	"vercel": {
		{"sandbox stopped", KindConflict},
	},
}

type pattern struct {
	substr string
	kind   Kind
}

// Classify converts a raw provider failure into a classified Error.
//
// Rules, in order:
//  1. HTTP status (when > 0) decides the kind; 429 additionally parses
//     retryAfter (integer seconds or an HTTP-date).
//  2. Otherwise the message is matched against the provider's pattern set,
//     then the base set.
//  3. Otherwise transport-looking causes map to network, everything else to
//     provider.
func Classify(provider, op string, status int, retryAfter string, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}

	e := &Error{
		Message:  message,
		Provider: provider,
		Op:       op,
		cause:    cause,
	}

	if kind, ok := kindFromStatus(status); ok {
		e.Kind = kind
		if kind == KindRateLimited {
			e.RetryAfter = ParseRetryAfter(retryAfter)
		}
		return e
	}

	if kind, ok := kindFromMessage(provider, message); ok {
		e.Kind = kind
		return e
	}

	if isTransport(cause) {
		e.Kind = KindNetwork
		return e
	}
	e.Kind = KindProvider
	return e
}

func kindFromStatus(status int) (Kind, bool) {
	switch {
	case status == 0:
		return "", false
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthentication, true
	case status == http.StatusNotFound:
		return KindNotFound, true
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout, true
	case status == http.StatusConflict:
		return KindConflict, true
	case status == http.StatusRequestEntityTooLarge:
		return KindValidation, true
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusUnprocessableEntity:
		return KindValidation, true
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded, true
	case status >= 500:
		return KindProvider, true
	case status >= 400:
		return KindProvider, true
	}
	return "", false
}

func kindFromMessage(provider, message string) (Kind, bool) {
	if message == "" {
		return "", false
	}
	lower := strings.ToLower(message)
	for _, p := range providerPatterns[provider] {
		if strings.Contains(lower, p.substr) {
			return p.kind, true
		}
	}
	for _, p := range basePatterns {
		if strings.Contains(lower, p.substr) {
			return p.kind, true
		}
	}
	return "", false
}

func isTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false // classified as timeout upstream
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ParseRetryAfter interprets a Retry-After header value as a duration.
// Accepts integer seconds or an HTTP-date; returns 0 when unparsable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d.Round(time.Second)
	}
	return 0
}

// FromContextErr classifies context cancellation and deadline errors, which
// bypass the HTTP path entirely.
func FromContextErr(err error, provider, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "operation timed out", Provider: provider, Op: op, cause: err}
	}
	return err
}
