package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/server"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

type relayEnv struct {
	t    *testing.T
	ctx  context.Context
	loop *scheduler.EventLoop
	srv  *server.Server
}

func newRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	loop := scheduler.NewEventLoop(256)
	go func() { _ = loop.Run(ctx) }()
	srv := server.New(transport.NewHub(), server.DefaultOptions())
	t.Cleanup(func() {
		shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Invoke(shutdown)
		cancel()
	})
	return &relayEnv{t: t, ctx: ctx, loop: loop, srv: srv}
}

func (e *relayEnv) dial(addr, userID string) *RemoteGateway {
	e.t.Helper()
	g, err := Dial(e.ctx, addr, e.loop, userID, userID, DefaultOptions())
	if err != nil {
		e.t.Fatal(err)
	}
	e.t.Cleanup(func() { _ = g.Close() })
	return g
}

// watch forwards room events of kind to a channel.
func (e *relayEnv) watch(g *RemoteGateway, kind transport.RoomEventKind) <-chan transport.RoomEvent {
	e.t.Helper()
	ch := make(chan transport.RoomEvent, 16)
	err := scheduler.Call(e.ctx, e.loop, func() {
		g.RoomEvents().Subscribe(kind, func(evt transport.RoomEvent) { ch <- evt })
	})
	if err != nil {
		e.t.Fatal(err)
	}
	return ch
}

func (e *relayEnv) await(ch <-chan transport.RoomEvent, what string) transport.RoomEvent {
	e.t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-e.ctx.Done():
		e.t.Fatalf("timed out waiting for %s", what)
		return transport.RoomEvent{}
	}
}

func (e *relayEnv) room(g *RemoteGateway) (transport.RoomState, bool) {
	e.t.Helper()
	type result struct {
		state transport.RoomState
		ok    bool
	}
	r, err := scheduler.CallValue(e.ctx, e.loop, func() result {
		state, ok := g.Room()
		return result{state, ok}
	})
	if err != nil {
		e.t.Fatal(err)
	}
	return r.state, r.ok
}

func testGatewayOver(t *testing.T, listen func(*server.Server) (string, error)) {
	env := newRelayEnv(t)
	addr, err := listen(env.srv)
	if err != nil {
		t.Fatal(err)
	}

	alice := env.dial(addr, "alice")
	bob := env.dial(addr, "bob")
	if alice.Local().Actor == 0 || alice.Local().Actor == bob.Local().Actor {
		t.Fatalf("unexpected actors %d and %d", alice.Local().Actor, bob.Local().Actor)
	}

	aliceJoined := env.watch(alice, transport.Joined)
	memberJoined := env.watch(alice, transport.MemberJoined)
	bobJoined := env.watch(bob, transport.Joined)
	messages := make(chan transport.Message, 4)
	if err := scheduler.Call(env.ctx, env.loop, func() {
		alice.Messages().Subscribe(5, func(m transport.Message) { messages <- m })
	}); err != nil {
		t.Fatal(err)
	}

	if err := alice.CreateRoom(env.ctx, "r1", transport.Properties{"host": "alice"}); err != nil {
		t.Fatal(err)
	}
	env.await(aliceJoined, "alice joined")
	if err := bob.JoinRoom(env.ctx, "missing"); !errors.Is(err, transport.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if err := bob.JoinRoom(env.ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	evt := env.await(bobJoined, "bob joined")
	if evt.State.Master != alice.Local().Actor || evt.State.Properties["host"] != "alice" {
		t.Fatalf("unexpected joined state %+v", evt.State)
	}
	if evt := env.await(memberJoined, "member joined"); evt.Member.UserID != "bob" {
		t.Fatalf("unexpected member %+v", evt.Member)
	}
	if state, ok := env.room(bob); !ok || len(state.Members) != 2 {
		t.Fatalf("unexpected mirror %+v", state)
	}

	if err := bob.Publish(5, []byte("hello"), transport.ToMaster); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-messages:
		if m.Sender.UserID != "bob" || string(m.Payload) != "hello" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-env.ctx.Done():
		t.Fatal("message never arrived")
	}

	if err := alice.Ping(env.ctx); err != nil {
		t.Fatal(err)
	}
	if drift := time.Since(alice.ServerTime()); drift > time.Second || drift < -time.Second {
		t.Fatalf("server time drifted by %s", drift)
	}

	masterChanged := env.watch(bob, transport.MasterChanged)
	aliceLeft := env.watch(alice, transport.Left)
	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}
	if evt := env.await(aliceLeft, "alice left"); evt.Reason != "disconnected" {
		t.Fatalf("unexpected left reason %q", evt.Reason)
	}
	if evt := env.await(masterChanged, "master changed"); evt.Master != bob.Local().Actor {
		t.Fatalf("expected bob to become master, got %d", evt.Master)
	}
	if err := alice.Publish(5, nil, transport.ToAll); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := alice.JoinRoom(env.ctx, "r1"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRemoteGatewayOverTCP(t *testing.T) {
	testGatewayOver(t, func(s *server.Server) (string, error) {
		addr, err := s.ListenTCP("127.0.0.1:0")
		if err != nil {
			return "", err
		}
		return "tcp://" + addr.String(), nil
	})
}

func TestRemoteGatewayOverWebSocket(t *testing.T) {
	testGatewayOver(t, func(s *server.Server) (string, error) {
		addr, err := s.ListenWebSocket("127.0.0.1:0")
		if err != nil {
			return "", err
		}
		return "ws://" + addr.String(), nil
	})
}

func TestWaitForRoomAndCancel(t *testing.T) {
	env := newRelayEnv(t)
	addr, err := env.srv.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	carol := env.dial(addr.String(), "carol")
	alice := env.dial(addr.String(), "alice")

	waited := make(chan error, 1)
	go func() { waited <- carol.WaitForRoom(env.ctx, "later") }()
	if err := alice.CreateRoom(env.ctx, "later", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-waited:
		if err != nil {
			t.Fatal(err)
		}
	case <-env.ctx.Done():
		t.Fatal("wait never returned")
	}

	ctx, cancel := context.WithTimeout(env.ctx, 50*time.Millisecond)
	defer cancel()
	if err := carol.WaitForRoom(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// The abandoned request keeps its id until the relay answers; later requests still work.
	if err := carol.JoinRoom(env.ctx, "later"); err != nil {
		t.Fatal(err)
	}
}

func TestConnectionLossFailsPendingRequests(t *testing.T) {
	env := newRelayEnv(t)
	addr, err := env.srv.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	carol := env.dial(addr.String(), "carol")
	waited := make(chan error, 1)
	go func() { waited <- carol.WaitForRoom(env.ctx, "never") }()

	shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := env.srv.Invoke(shutdown); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-waited:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-env.ctx.Done():
		t.Fatal("pending request never failed")
	}
	if err := carol.Ping(env.ctx); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialRefused(t *testing.T) {
	env := newRelayEnv(t)
	addr, err := env.srv.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Dial(env.ctx, addr.String(), env.loop, "", "", DefaultOptions()); err == nil {
		t.Fatal("expected an empty user to be refused")
	}
}
