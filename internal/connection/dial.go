package connection

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/gorilla/websocket"
)

// WebSocketPath is where the relay serves websocket participants.
const WebSocketPath = "/relay"

// Dial connects to a relay address: tcp://host:port, ws://host:port/relay, wss://..., or a bare
// host:port meaning TCP.
func Dial(ctx context.Context, addr string) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "tcp", Host: addr}
	}
	switch u.Scheme {
	case "tcp":
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return NewStreamConn(conn), nil
	case "ws", "wss":
		if u.Path == "" {
			u.Path = WebSocketPath
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u, err)
		}
		return NewWebSocketConn(conn), nil
	default:
		return nil, fmt.Errorf("dial %s: unsupported scheme %q", addr, u.Scheme)
	}
}
