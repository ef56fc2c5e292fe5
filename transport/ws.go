package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

const wsReadLimit = 1 << 20

// DialWebSocket opens a session with an agent's WebSocket endpoint and
// returns the binary-message stream as a transport. The ctx bounds the
// whole session, not just the dial.
func DialWebSocket(ctx context.Context, url string, httpClient *http.Client) (*Conn, error) {
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(wsReadLimit)

	return &Conn{Conn: websocket.NetConn(ctx, wsConn, websocket.MessageBinary)}, nil
}
