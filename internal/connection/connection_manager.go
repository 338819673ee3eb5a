package connection

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

var ErrQueueFull = errors.New("outbound queue full")

// Connection is one attached participant. Frames queued with Send are written in order by a
// single writer goroutine, so Send never blocks the room hub.
type Connection struct {
	Conn   Conn
	ConnID string
	Member transport.Member

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(conn Conn, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Connection{
		Conn:   conn,
		ConnID: uuid.NewString(),
		out:    make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			if err := c.Conn.WritePacket(frame); err != nil {
				if !IsNetClosedError(err) {
					logger.WarnF("[%s] Fail to send data, details: %v", c.ConnID, err)
				}
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send queues frame. A participant that cannot keep up is disconnected.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		logger.WarnF("[%s] Outbound queue full, dropping connection", c.ConnID)
		c.Close()
		return ErrQueueFull
	}
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.Conn.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occurred while closing connection, details: %v", c.ConnID, err)
		}
	})
}

// Registry tracks attached connections by connection id.
type Registry struct {
	connections sync.Map
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(conn *Connection) {
	r.connections.Store(conn.ConnID, conn)
	logger.DebugF("[%s] Connection registered from %s", conn.ConnID, conn.Conn.RemoteAddr())
}

func (r *Registry) Remove(connID string) {
	if value, ok := r.connections.LoadAndDelete(connID); ok {
		conn := value.(*Connection)
		logger.DebugF("[%s] Connection of %q unregistered", connID, conn.Member.UserID)
	}
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	if value, ok := r.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (r *Registry) Count() int {
	n := 0
	r.connections.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// CloseAll closes every connection; their handlers then detach them.
func (r *Registry) CloseAll() {
	r.connections.Range(func(_, value any) bool {
		value.(*Connection).Close()
		return true
	})
}
