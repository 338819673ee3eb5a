package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
)

// LocalGateway attaches a participant to an in-process Hub. Deliveries are posted to exec.
type LocalGateway struct {
	*Endpoint
	hub    *Hub
	exec   scheduler.Executor
	closed atomic.Bool
}

func NewLocalGateway(hub *Hub, exec scheduler.Executor, userID, userName string) *LocalGateway {
	g := &LocalGateway{hub: hub, exec: exec}
	g.Endpoint = NewEndpoint(Member{UserID: userID, UserName: userName})
	member := hub.Connect(userID, userName, PeerFunc(g.deliver))
	g.Endpoint.SetLocal(member)
	return g
}

func (g *LocalGateway) deliver(d Delivery) {
	g.exec.Post(func() { g.Dispatch(d) })
}

func (g *LocalGateway) actor() (ActorID, error) {
	if g.closed.Load() {
		return 0, ErrClosed
	}
	return g.Local().Actor, nil
}

func (g *LocalGateway) CreateRoom(ctx context.Context, name string, props Properties) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.CreateRoom(actor, name, props)
}

func (g *LocalGateway) JoinRoom(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.JoinRoom(actor, name)
}

func (g *LocalGateway) LeaveRoom(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.LeaveRoom(actor)
}

func (g *LocalGateway) CloseRoom(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.CloseRoom(actor)
}

func (g *LocalGateway) WaitForRoom(ctx context.Context, name string) error {
	if _, err := g.actor(); err != nil {
		return err
	}
	ready, release := g.hub.WatchRoom(name)
	defer release()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *LocalGateway) Publish(code EventCode, payload []byte, to Target) error {
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.Publish(actor, code, payload, to)
}

func (g *LocalGateway) SetMaster(master ActorID) error {
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.SetMaster(actor, master)
}

func (g *LocalGateway) SetOwner(objectIDs []string, owner ActorID) error {
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.SetOwner(actor, objectIDs, owner)
}

func (g *LocalGateway) SetRoomProperties(props Properties) error {
	actor, err := g.actor()
	if err != nil {
		return err
	}
	return g.hub.SetProperties(actor, props)
}

func (g *LocalGateway) ServerTime() time.Time {
	return g.hub.Now()
}

func (g *LocalGateway) Ping(ctx context.Context) error {
	if _, err := g.actor(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close disconnects from the hub, the way a dropped network connection would.
func (g *LocalGateway) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.hub.Disconnect(g.Local().Actor)
	g.exec.Post(func() {
		if state, ok := g.Room(); ok {
			g.Dispatch(Delivery{Event: &RoomEvent{Kind: Left, Member: g.Local(), Master: state.Master, Reason: "disconnected", State: state}})
		}
	})
	return nil
}
