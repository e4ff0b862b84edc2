package errdefs

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyByStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuthentication},
		{403, KindAuthentication},
		{404, KindNotFound},
		{408, KindTimeout},
		{504, KindTimeout},
		{409, KindConflict},
		{413, KindValidation},
		{422, KindValidation},
		{429, KindRateLimited},
		{402, KindQuotaExceeded},
		{500, KindProvider},
		{502, KindProvider},
		{503, KindProvider},
	}

	for _, tc := range cases {
		err := Classify("e2b", "GET /sandboxes", tc.status, "", "boom", nil)
		assert.Equal(t, tc.want, err.Kind, "status %d", tc.status)
		assert.Equal(t, "e2b", err.Provider)
		assert.Equal(t, "GET /sandboxes", err.Op)
	}
}

func TestClassifyRetryAfterSeconds(t *testing.T) {
	err := Classify("daytona", "POST /sandbox", 429, "2", "slow down", nil)
	require.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, 2*time.Second, err.RetryAfter)
}

func TestClassifyRetryAfterHTTPDate(t *testing.T) {
	date := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	err := Classify("daytona", "POST /sandbox", 429, date, "slow down", nil)
	require.Equal(t, KindRateLimited, err.Kind)
	// HTTP-date granularity is one second; allow a little slack.
	assert.InDelta(t, 90, err.RetryAfter.Seconds(), 2)
}

func TestClassifyRetryAfterGarbage(t *testing.T) {
	err := Classify("daytona", "POST /sandbox", 429, "soon", "slow down", nil)
	require.Equal(t, KindRateLimited, err.Kind)
	assert.Zero(t, err.RetryAfter)
}

func TestClassifyByPattern(t *testing.T) {
	cases := []struct {
		provider string
		message  string
		want     Kind
	}{
		{"docker", "Error response from daemon: No such container: abc123", KindNotFound},
		{"docker", "Cannot connect to the Docker daemon at unix:///var/run/docker.sock", KindNetwork},
		{"docker", "conflict: volume is in use", KindConflict},
		{"e2b", "sandbox was not found", KindNotFound},
		{"modal", "Sandbox has already been terminated", KindNotFound},
		{"blaxel", "request rate limit exceeded", KindRateLimited},
		{"vercel", "monthly quota exhausted", KindQuotaExceeded},
		{"cloudflare", "Authentication error (10000)", KindAuthentication},
	}

	for _, tc := range cases {
		err := Classify(tc.provider, "op", 0, "", tc.message, nil)
		assert.Equal(t, tc.want, err.Kind, "%s: %q", tc.provider, tc.message)
	}
}

func TestClassifyTransportCause(t *testing.T) {
	cause := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	err := Classify("modal", "GET /sandboxes", 0, "", "", cause)
	assert.Equal(t, KindNetwork, err.Kind)
	assert.True(t, errors.Is(err, cause))
}

func TestClassifyFallbackProvider(t *testing.T) {
	err := Classify("blaxel", "GET /sandboxes", 0, "", "something inexplicable", nil)
	assert.Equal(t, KindProvider, err.Kind)
}

func TestPredicatesThroughWrapping(t *testing.T) {
	inner := New(KindNotFound, "sandbox gone")
	wrapped := fmt.Errorf("lane docker: %w", inner)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsTimeout(wrapped))
	assert.Equal(t, KindNotFound, KindOf(wrapped))

	e, ok := GetError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "sandbox gone", e.Message)
}

func TestWithContextDoesNotClobber(t *testing.T) {
	err := Classify("docker", "POST exec", 404, "", "no such container", nil)
	enriched := WithContext(err, "modal", "process", "other op")

	e, ok := GetError(enriched)
	require.True(t, ok)
	assert.Equal(t, "docker", e.Provider)
	assert.Equal(t, "POST exec", e.Op)
	assert.Equal(t, "process", e.Capability)
}

func TestWithContextPromotesPlainErrors(t *testing.T) {
	enriched := WithContext(errors.New("boom"), "vercel", "lifecycle", "create")
	e, ok := GetError(enriched)
	require.True(t, ok)
	assert.Equal(t, KindProvider, e.Kind)
	assert.Equal(t, "vercel", e.Provider)
	assert.Equal(t, "create", e.Op)
}

func TestWithSandbox(t *testing.T) {
	err := WithSandbox(New(KindTimeout, "slow"), "sbx-1")
	e, ok := GetError(err)
	require.True(t, ok)
	assert.Equal(t, "sbx-1", e.SandboxID)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindAuthentication: 401,
		KindNotFound:       404,
		KindValidation:     400,
		KindConflict:       409,
		KindRateLimited:    429,
		KindTimeout:        504,
		KindUnsupported:    501,
		KindQuotaExceeded:  402,
		KindProvider:       502,
		KindNetwork:        502,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), string(kind))
	}
	assert.Equal(t, 502, HTTPStatus(errors.New("unclassified")))
}

func TestUnsupportedConstructor(t *testing.T) {
	err := Unsupported("docker", "snapshots.restore")
	assert.True(t, IsUnsupported(err))
	assert.Contains(t, err.Error(), "docker does not support snapshots.restore")
}
