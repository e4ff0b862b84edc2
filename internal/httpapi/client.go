// Package httpapi is the HTTP plumbing shared by the provider adapters: a
// small request core with auth injection and error classification, a framed
// line reader for SSE/NDJSON bodies, and a WebSocket dial helper.
//
// The client never retries. Retry policy belongs to call sites, where the
// operation's semantics are known.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/metrics"
)

// maxErrBody caps how much of an error response is read for the message.
const maxErrBody = 64 << 10

// HeaderFunc injects auth and scope headers into an outbound request.
type HeaderFunc func(http.Header)

// EnvelopeFunc extracts the human-readable message from a provider error
// body. Returning "" falls back to the generic extraction.
type EnvelopeFunc func(body []byte) string

// Client talks to one provider API.
type Client struct {
	provider string
	baseURL  string
	headers  HeaderFunc
	httpc    *http.Client
	timeout  time.Duration
	envelope EnvelopeFunc
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithTimeout sets the default per-call deadline applied when the caller's
// context has none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithEnvelope installs a provider-specific error envelope parser.
func WithEnvelope(fn EnvelopeFunc) Option {
	return func(c *Client) { c.envelope = fn }
}

// NewClient builds a client for provider rooted at baseURL. headers runs on
// every request; pass nil for unauthenticated endpoints.
func NewClient(provider, baseURL string, headers HeaderFunc, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		headers:  headers,
		httpc:    http.DefaultClient,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider name this client is bound to.
func (c *Client) Provider() string { return c.provider }

// BaseURL returns the resolved API root.
func (c *Client) BaseURL() string { return c.baseURL }

// WithBaseURL clones the client against a different root. Used for
// per-sandbox endpoints discovered at runtime.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

// op builds the operation tag carried in classified errors.
func op(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return method + " " + path
}

// Do performs one JSON API call. body may be nil, an io.Reader, a []byte
// (sent raw), or any JSON-marshalable value. out may be nil, *[]byte,
// *string, or a JSON destination.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.roundTrip(ctx, method, path, body, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Classify(c.provider, op(method, path), 0, "", "reading response: "+err.Error(), err)
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = data
		return nil
	case *string:
		*v = string(data)
		return nil
	}

	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider,
			fmt.Sprintf("%s: decoding %s response", c.provider, op(method, path)))
	}
	return nil
}

// DoRaw performs a call and hands back the response body for streaming
// reads. The caller owns the deadline and must close the body. contentType
// applies when body is non-nil.
func (c *Client) DoRaw(ctx context.Context, method, path string, body io.Reader, contentType string) (io.ReadCloser, error) {
	resp, err := c.roundTripBody(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Upload sends content as a multipart form file. Extra form fields ride
// alongside; out decodes the JSON response when non-nil.
func (c *Client) Upload(ctx context.Context, path, field, filename string, content []byte, extra map[string]string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			return errdefs.Wrap(err, errdefs.KindProvider, c.provider+": building multipart body")
		}
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider, c.provider+": building multipart body")
	}
	if _, err := part.Write(content); err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider, c.provider+": building multipart body")
	}
	if err := w.Close(); err != nil {
		return errdefs.Wrap(err, errdefs.KindProvider, c.provider+": building multipart body")
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.roundTripBody(ctx, http.MethodPost, path, &buf, w.FormDataContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBody))
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Classify(c.provider, op(http.MethodPost, path), 0, "", "reading response: "+err.Error(), err)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, contentType string) (*http.Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	case []byte:
		reader = bytes.NewReader(b)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindValidation,
				fmt.Sprintf("%s: encoding %s request", c.provider, op(method, path)))
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.roundTripBody(ctx, method, path, reader, contentType)
}

func (c *Client) roundTripBody(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		err = c.transportErr(ctx, method, path, err)
		c.count(err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		err = c.statusErr(resp, method, path)
		c.count(err)
		return nil, err
	}
	c.count(nil)
	return resp, nil
}

// count feeds the provider-call counter; outcome is "ok" or the error kind.
func (c *Client) count(err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(errdefs.KindOf(err))
	}
	metrics.ProviderCalls.WithLabelValues(c.provider, outcome).Inc()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation,
			fmt.Sprintf("%s: building %s request", c.provider, op(method, path)))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.headers != nil {
		c.headers(req.Header)
	}
	return req, nil
}

// transportErr classifies a failed round trip: context errors become
// timeouts, everything else flows through the cause-based rules.
func (c *Client) transportErr(ctx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errdefs.FromContextErr(ctxErr, c.provider, op(method, path))
	}
	return errdefs.Classify(c.provider, op(method, path), 0, "", err.Error(), err)
}

// statusErr turns a non-2xx response into a classified error, consuming the
// body for the provider's message.
func (c *Client) statusErr(resp *http.Response, method, path string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))

	message := ""
	if c.envelope != nil {
		message = c.envelope(data)
	}
	if message == "" {
		message = genericMessage(data)
	}
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		message = resp.Status
	}

	err := errdefs.Classify(c.provider, op(method, path), resp.StatusCode,
		resp.Header.Get("Retry-After"), message, nil)
	return err
}

// genericMessage pulls the usual suspects out of a JSON error body.
func genericMessage(data []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	switch e := envelope.Error.(type) {
	case string:
		return e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	}
	return envelope.Detail
}
