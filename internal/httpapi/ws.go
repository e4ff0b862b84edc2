package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// wsDialer mirrors the default dialer with a bounded handshake.
var wsDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 30 * time.Second,
}

// DialWS upgrades path on the client's base URL to a WebSocket. The client's
// auth headers ride on the handshake request, so token-in-URL schemes are
// never needed. extra headers merge on top.
func (c *Client) DialWS(ctx context.Context, path string, extra http.Header) (*websocket.Conn, error) {
	url := WSURL(c.baseURL + path)

	header := http.Header{}
	if c.headers != nil {
		c.headers(header)
	}
	for k, vs := range extra {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	conn, resp, err := wsDialer.DialContext(ctx, url, header)
	if err != nil {
		o := op("WS", path)
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.statusErr(resp, "WS", path)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errdefs.FromContextErr(ctxErr, c.provider, o)
		}
		return nil, errdefs.Classify(c.provider, o, 0, "", err.Error(), err)
	}
	return conn, nil
}

// WSURL rewrites an http(s) URL to its ws(s) equivalent.
func WSURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
