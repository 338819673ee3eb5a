// Package connection carries relay frames over TCP streams and websockets, and keeps the
// registry of attached participants.
package connection

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/wire"
)

// Conn reads and writes whole relay frames. WritePacket may be called from several goroutines.
type Conn interface {
	ReadPacket() (*wire.FixedHeader, []byte, error)
	WritePacket(frame []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

type streamConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewStreamConn frames packets over a byte stream.
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{conn: conn}
}

func (c *streamConn) ReadPacket() (*wire.FixedHeader, []byte, error) {
	return wire.ReadPacket(c.conn)
}

func (c *streamConn) WritePacket(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for total < len(frame) {
		n, err := c.conn.Write(frame[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

// wsConn carries exactly one frame per binary websocket message.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadPacket() (*wire.FixedHeader, []byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, nil, io.EOF
			}
			return nil, nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		r := bytes.NewReader(data)
		header, payload, err := wire.ReadPacket(r)
		if err != nil {
			return nil, nil, err
		}
		if r.Len() != 0 {
			return nil, nil, errors.New("trailing bytes after websocket frame")
		}
		return header, payload, nil
	}
}

func (c *wsConn) WritePacket(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.mu.Unlock()
	return c.conn.Close()
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Peer closed connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occurred while reading packet, details: %v", connID, err)
	}
}
