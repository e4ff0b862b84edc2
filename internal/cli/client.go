package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
)

// apiURL joins the configured server base with an API path.
func apiURL(path string) string {
	return strings.TrimSuffix(serverURL, "/") + path
}

// apiDo sends one request with auth and identity headers attached. A non-nil
// body goes as JSON.
func apiDo(method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, apiURL(path), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAuth(req.Header)
	return http.DefaultClient.Do(req)
}

// apiDoRaw sends a request with an arbitrary body and content type. Used for
// file content, which must not pass through a JSON envelope.
func apiDoRaw(method, path string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, apiURL(path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	setAuth(req.Header)
	return http.DefaultClient.Do(req)
}

func setAuth(h http.Header) {
	if apiKey != "" {
		h.Set("X-API-Key", apiKey)
	}
	if userID != "" {
		h.Set("X-User-ID", userID)
	}
}

// mustOK exits with the server's error when the response is not 2xx.
func mustOK(resp *http.Response) {
	if resp.StatusCode < 400 {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Status)

	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		fmt.Fprintf(os.Stderr, "  %s (%s)\n", body.Error, body.Kind)
	} else if len(raw) > 0 {
		fmt.Fprintf(os.Stderr, "  %s\n", raw)
	}
	os.Exit(1)
}

// connectFail prints a friendly hint and exits.
func connectFail(err error) {
	fmt.Fprintf(os.Stderr, "Failed to connect: %v\nIs the server running? (--server %s)\n", err, serverURL)
	os.Exit(1)
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
}
