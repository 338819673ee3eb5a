// Package relay is the participant side of the relay server: a transport.Gateway that speaks
// the relay protocol over TCP or a websocket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/connection"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/packet"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/wire"
)

var ErrNoPacketID = errors.New("no free packet id")

type Options struct {
	// RequestTimeout bounds a room operation when the caller's context has no earlier deadline.
	RequestTimeout time.Duration
	// KeepAlive is announced to the relay; a ping is sent every half of it. Zero disables both.
	KeepAlive time.Duration
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

func OptionsFromConfig(cfg config.RelayConfig) Options {
	opts := DefaultOptions()
	opts.RequestTimeout = config.Duration(cfg.RequestTimeout, opts.RequestTimeout)
	opts.KeepAlive = config.Duration(cfg.KeepAlive, opts.KeepAlive)
	return opts
}

// RemoteGateway mirrors the room it is in from the deliveries the relay sends. Deliveries are
// posted to exec in arrival order.
type RemoteGateway struct {
	*transport.Endpoint
	conn connection.Conn
	exec scheduler.Executor
	opts Options

	mu      sync.Mutex
	ids     *packet.PacketIDManager
	pending map[uint16]chan packet.Response
	pings   []chan struct{}

	// offset is server time minus local time, in nanoseconds.
	offset    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at addr and attaches as userID.
func Dial(ctx context.Context, addr string, exec scheduler.Executor, userID, userName string, opts Options) (*RemoteGateway, error) {
	conn, err := connection.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	g, err := attach(ctx, conn, exec, userID, userName, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return g, nil
}

func attach(ctx context.Context, conn connection.Conn, exec scheduler.Executor, userID, userName string, opts Options) (*RemoteGateway, error) {
	frame, err := packet.NewConnectPacket(userID, userName, uint16(opts.KeepAlive/time.Second))
	if err != nil {
		return nil, err
	}
	if err := conn.WritePacket(frame); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}

	deadline := time.Now().Add(opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	header, payload, err := conn.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("read connack: %w", err)
	}
	if header.Type != wire.CONNACK {
		return nil, fmt.Errorf("expected %s packet, got %s", wire.CONNACK, header.Type)
	}
	ack, err := packet.Decode[packet.ConnAck](header.Type, payload)
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	g := &RemoteGateway{
		conn:    conn,
		exec:    exec,
		opts:    opts,
		ids:     packet.NewPacketIDManager(),
		pending: make(map[uint16]chan packet.Response),
		done:    make(chan struct{}),
	}
	g.Endpoint = transport.NewEndpoint(transport.Member{Actor: ack.Actor, UserID: userID, UserName: userName})
	g.syncClock(ack.ServerTime)
	logger.InfoF("[%s] Attached to relay %s as actor %d", userID, conn.RemoteAddr(), ack.Actor)

	go g.readLoop()
	if opts.KeepAlive > 0 {
		go g.heartbeat(opts.KeepAlive / 2)
	}
	return g, nil
}

func (g *RemoteGateway) syncClock(serverMillis int64) {
	if serverMillis == 0 {
		return
	}
	g.offset.Store(int64(time.UnixMilli(serverMillis).Sub(time.Now())))
}

func (g *RemoteGateway) readLoop() {
	userID := g.Local().UserID
	for {
		header, payload, err := g.conn.ReadPacket()
		if err != nil {
			connection.HandleReadError(userID, err)
			g.shutdown()
			return
		}
		switch header.Type {
		case wire.DELIVERY:
			d, err := packet.Decode[transport.Delivery](header.Type, payload)
			if err != nil {
				logger.ErrorF("[%s] Fail to decode delivery, details: %v", userID, err)
				continue
			}
			g.exec.Post(func() { g.Dispatch(d) })
		case wire.RESPONSE:
			resp, err := packet.Decode[packet.Response](header.Type, payload)
			if err != nil {
				logger.ErrorF("[%s] Fail to decode response, details: %v", userID, err)
				continue
			}
			g.resolve(resp)
		case wire.PINGRESP:
			g.mu.Lock()
			if len(g.pings) > 0 {
				close(g.pings[0])
				g.pings = g.pings[1:]
			}
			g.mu.Unlock()
		default:
			logger.WarnF("[%s] Unexpected %s packet from relay", userID, header.Type)
		}
	}
}

func (g *RemoteGateway) resolve(resp packet.Response) {
	g.syncClock(resp.ServerTime)
	g.mu.Lock()
	ch, ok := g.pending[resp.ID]
	if ok {
		delete(g.pending, resp.ID)
		g.ids.ReleaseID(resp.ID)
	}
	g.mu.Unlock()
	if !ok {
		logger.DebugF("[%s] Response %d has no waiter", g.Local().UserID, resp.ID)
		return
	}
	// nil means the caller gave up; the id is only freed once the answer arrived.
	if ch != nil {
		ch <- resp
	}
}

func (g *RemoteGateway) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := g.Ping(ctx)
			cancel()
			if err != nil && !errors.Is(err, transport.ErrClosed) {
				logger.WarnF("[%s] Relay heartbeat failed, details: %v", g.Local().UserID, err)
				_ = g.Close()
				return
			}
		}
	}
}

func (g *RemoteGateway) closed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *RemoteGateway) request(ctx context.Context, req packet.Request) error {
	return g.requestWithin(ctx, req, g.opts.RequestTimeout)
}

func (g *RemoteGateway) requestWithin(ctx context.Context, req packet.Request, timeout time.Duration) error {
	if g.closed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := make(chan packet.Response, 1)
	g.mu.Lock()
	id, ok := g.ids.NextID()
	if ok {
		g.pending[id] = ch
	}
	g.mu.Unlock()
	if !ok {
		return ErrNoPacketID
	}
	req.ID = id

	frame, err := packet.NewRequestPacket(req, false)
	if err == nil {
		err = g.write(string(req.Op), frame)
	}
	if err != nil {
		g.mu.Lock()
		delete(g.pending, id)
		g.ids.ReleaseID(id)
		g.mu.Unlock()
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case resp := <-ch:
		return resp.Err()
	case <-g.done:
		return transport.ErrClosed
	case <-ctx.Done():
		g.mu.Lock()
		if _, ok := g.pending[id]; ok {
			g.pending[id] = nil
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *RemoteGateway) command(req packet.Request) error {
	if g.closed() {
		return transport.ErrClosed
	}
	frame, err := packet.NewRequestPacket(req, true)
	if err != nil {
		return err
	}
	return g.write(string(req.Op), frame)
}

// write sends frame; a failed write means the relay is gone.
func (g *RemoteGateway) write(op string, frame []byte) error {
	if err := g.conn.WritePacket(frame); err != nil {
		logger.WarnF("[%s] Fail to send %s, details: %v", g.Local().UserID, op, err)
		g.shutdown()
		return fmt.Errorf("%s: %w", op, transport.ErrClosed)
	}
	return nil
}

func (g *RemoteGateway) CreateRoom(ctx context.Context, name string, props transport.Properties) error {
	return g.request(ctx, packet.Request{Op: packet.OpCreateRoom, Room: name, Properties: props})
}

func (g *RemoteGateway) JoinRoom(ctx context.Context, name string) error {
	return g.request(ctx, packet.Request{Op: packet.OpJoinRoom, Room: name})
}

func (g *RemoteGateway) LeaveRoom(ctx context.Context) error {
	return g.request(ctx, packet.Request{Op: packet.OpLeaveRoom})
}

func (g *RemoteGateway) CloseRoom(ctx context.Context) error {
	return g.request(ctx, packet.Request{Op: packet.OpCloseRoom})
}

// WaitForRoom is not bounded by RequestTimeout; only ctx ends it early.
func (g *RemoteGateway) WaitForRoom(ctx context.Context, name string) error {
	return g.requestWithin(ctx, packet.Request{Op: packet.OpWaitForRoom, Room: name}, 0)
}

func (g *RemoteGateway) Publish(code transport.EventCode, payload []byte, to transport.Target) error {
	return g.command(packet.Request{Op: packet.OpPublish, Code: code, Payload: payload, Target: to})
}

func (g *RemoteGateway) SetMaster(master transport.ActorID) error {
	return g.command(packet.Request{Op: packet.OpSetMaster, Actor: master})
}

func (g *RemoteGateway) SetOwner(objectIDs []string, owner transport.ActorID) error {
	return g.command(packet.Request{Op: packet.OpSetOwner, ObjectIDs: objectIDs, Actor: owner})
}

func (g *RemoteGateway) SetRoomProperties(props transport.Properties) error {
	return g.command(packet.Request{Op: packet.OpSetProperties, Properties: props})
}

func (g *RemoteGateway) ServerTime() time.Time {
	return time.Now().Add(time.Duration(g.offset.Load()))
}

func (g *RemoteGateway) Ping(ctx context.Context) error {
	if g.closed() {
		return transport.ErrClosed
	}
	ch := make(chan struct{})
	g.mu.Lock()
	g.pings = append(g.pings, ch)
	g.mu.Unlock()
	if err := g.write("ping", packet.NewPingReqPacket()); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-g.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close says goodbye to the relay and reports the room as left with reason "disconnected".
func (g *RemoteGateway) Close() error {
	if g.closed() {
		return nil
	}
	_ = g.conn.WritePacket(packet.NewDisconnectPacket())
	g.shutdown()
	return nil
}

func (g *RemoteGateway) shutdown() {
	g.closeOnce.Do(func() {
		close(g.done)
		_ = g.conn.Close()
		g.exec.Post(func() {
			if state, ok := g.Room(); ok {
				g.Dispatch(transport.Delivery{Event: &transport.RoomEvent{
					Kind:   transport.Left,
					Member: g.Local(),
					Master: state.Master,
					Reason: "disconnected",
					State:  state,
				}})
			}
		})
		logger.InfoF("[%s] Detached from relay", g.Local().UserID)
	})
}
