package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is the message connection to the voice service. *websocket.Conn
// satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

// Dialer opens a connection to url, authenticating with token.
type Dialer func(ctx context.Context, url, token string) (Conn, error)

// maxMessageSize bounds a single inbound message. One second of 16 kHz mono
// PCM16 base64-encoded is well below this.
const maxMessageSize = 1 << 20

// WebSocketDialer returns a [Dialer] backed by coder/websocket. A nil client
// uses http.DefaultClient.
func WebSocketDialer(client *http.Client) Dialer {
	return func(ctx context.Context, url, token string) (Conn, error) {
		opts := &websocket.DialOptions{HTTPClient: client}
		if token != "" {
			opts.HTTPHeader = http.Header{
				"Authorization": []string{"Bearer " + token},
			}
		}
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, fmt.Errorf("transport: dial: %w", err)
		}
		conn.SetReadLimit(maxMessageSize)
		return conn, nil
	}
}
