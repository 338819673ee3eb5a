package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/packet"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/wire"
)

var errUnexpectedPacket = errors.New("unexpected packet")

type ConnectionHandler struct {
	server    *Server
	conn      *connection.Connection
	connID    string
	keepAlive time.Duration
	attached  bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConnectionHandler(s *Server, conn *connection.Connection) *ConnectionHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionHandler{server: s, conn: conn, connID: conn.ConnID, ctx: ctx, cancel: cancel}
}

func (c *ConnectionHandler) send(packetType wire.PacketType, frame []byte) {
	if err := c.conn.Send(frame); err != nil {
		logger.DebugF("[%s] Fail to queue %s packet, details: %v", c.connID, packetType, err)
		return
	}
	metrics.RecordRelayPacket(packetType.String(), "out")
}

// deliver is the hub's peer callback. It runs under the hub lock and must not block.
func (c *ConnectionHandler) deliver(d transport.Delivery) {
	frame, err := packet.NewDeliveryPacket(d)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode delivery, details: %v", c.connID, err)
		return
	}
	c.send(wire.DELIVERY, frame)
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.server.opts.FirstPacket))
	header, payload, err := c.conn.Conn.ReadPacket()
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connID, err)
		return err
	}
	metrics.RecordRelayPacket(header.Type.String(), "in")

	if header.Type != wire.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connID, wire.CONNECT, header.Type)
		return fmt.Errorf("%w: %s", errUnexpectedPacket, header.Type)
	}

	connect, resp, err := packet.ParseConnectPacket(payload)
	if resp != nil {
		// Nothing else is queued yet, so the refusal is written directly before the close.
		if err := c.conn.Conn.WritePacket(resp); err == nil {
			metrics.RecordRelayPacket(wire.CONNACK.String(), "out")
		}
	}
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connID, err)
		return err
	}

	member := c.server.hub.Connect(connect.UserID, connect.UserName, transport.PeerFunc(c.deliver))
	c.conn.Member = member
	c.attached = true
	ack, err := packet.NewConnectAckPacket(packet.Accepted, member.Actor, c.server.hub.Now().UnixMilli())
	if err != nil {
		return err
	}
	c.send(wire.CONNACK, ack)
	logger.InfoF("[%s] %s attached as actor %d", c.connID, member.UserID, member.Actor)

	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		c.keepAlive = c.server.opts.KeepAlive
	}
	if c.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disabled", c.connID)
	}
	_ = c.conn.Conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *ConnectionHandler) handlePacket() {
	for {
		if c.keepAlive != 0 {
			_ = c.conn.Conn.SetReadDeadline(time.Now().Add(c.keepAlive + c.keepAlive/2))
		}

		header, payload, err := c.conn.Conn.ReadPacket()
		if err != nil {
			connection.HandleReadError(c.connID, err)
			return
		}
		metrics.RecordRelayPacket(header.Type.String(), "in")

		switch header.Type {
		case wire.CONNECT:
			logger.ErrorF("[%s] Duplicate CONNECT packet", c.connID)
			return
		case wire.REQUEST:
			req, err := packet.Decode[packet.Request](header.Type, payload)
			if err != nil {
				logger.ErrorF("[%s] Fail to decode request, details: %v", c.connID, err)
				return
			}
			c.handleRequest(req, header.Flags&wire.FlagNoReply != 0)
		case wire.PINGREQ:
			c.send(wire.PINGRESP, packet.NewPingRespPacket())
		case wire.DISCONNECT:
			logger.InfoF("[%s] Participant disconnect", c.connID)
			return
		default:
			logger.WarnF("[%s] %s packet has not been supported", c.connID, header.Type)
			return
		}
	}
}

func (c *ConnectionHandler) handleRequest(req packet.Request, noReply bool) {
	hub := c.server.hub
	actor := c.conn.Member.Actor
	logger.DebugF("[%s] Request %d %s", c.connID, req.ID, req.Op)

	var err error
	switch req.Op {
	case packet.OpCreateRoom:
		err = hub.CreateRoom(actor, req.Room, req.Properties)
	case packet.OpJoinRoom:
		err = hub.JoinRoom(actor, req.Room)
	case packet.OpLeaveRoom:
		err = hub.LeaveRoom(actor)
	case packet.OpCloseRoom:
		err = hub.CloseRoom(actor)
	case packet.OpPublish:
		err = hub.Publish(actor, req.Code, req.Payload, req.Target)
	case packet.OpSetMaster:
		err = hub.SetMaster(actor, req.Actor)
	case packet.OpSetOwner:
		err = hub.SetOwner(actor, req.ObjectIDs, req.Actor)
	case packet.OpSetProperties:
		err = hub.SetProperties(actor, req.Properties)
	case packet.OpWaitForRoom:
		go c.waitForRoom(req, noReply)
		return
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}
	c.respond(req, noReply, err)
}

// respond is sent after the operation returned, so the events it caused precede it.
func (c *ConnectionHandler) respond(req packet.Request, noReply bool, err error) {
	if noReply {
		if err != nil {
			logger.WarnF("[%s] %s failed, details: %v", c.connID, req.Op, err)
		}
		return
	}
	frame, encodeErr := packet.NewResponsePacket(packet.NewResponse(req.ID, err, c.server.hub.Now().UnixMilli()))
	if encodeErr != nil {
		logger.ErrorF("[%s] Fail to encode response, details: %v", c.connID, encodeErr)
		return
	}
	c.send(wire.RESPONSE, frame)
}

func (c *ConnectionHandler) waitForRoom(req packet.Request, noReply bool) {
	ready, release := c.server.hub.WatchRoom(req.Room)
	defer release()
	timer := time.NewTimer(c.server.opts.WatchTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-ready:
	case <-timer.C:
		err = fmt.Errorf("wait for %s: %w", req.Room, transport.ErrRoomNotFound)
	case <-c.ctx.Done():
		return
	}
	c.respond(req, noReply, err)
}

func (c *ConnectionHandler) handleConnection() {
	metrics.RelayConnectionOpened()
	c.server.registry.Add(c.conn)
	defer func() {
		c.cancel()
		if c.attached {
			c.server.hub.Disconnect(c.conn.Member.Actor)
		}
		c.server.registry.Remove(c.connID)
		c.conn.Close()
		metrics.RelayConnectionClosed()
		logger.DebugF("[%s] Connection closed", c.connID)
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}
	c.handlePacket()
}
