package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// DialOptions controls the client side of the handshake.
type DialOptions struct {
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
}

// Dial opens a WebSocket to url, presenting token as a bearer credential.
func Dial(ctx context.Context, url, token string, opts DialOptions) (*websocket.Conn, error) {
	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (%s): %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket handshake with %s failed: %w", url, err)
	}
	return conn, nil
}
