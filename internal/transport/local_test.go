package transport

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
)

func TestLocalGatewayMirrorAndBuses(t *testing.T) {
	loop := scheduler.NewManual(time.Unix(0, 0))
	hub := NewHub()
	alice := NewLocalGateway(hub, loop, "alice", "Alice")
	bob := NewLocalGateway(hub, loop, "bob", "Bob")
	ctx := context.Background()

	var bobJoined, aliceSawJoin int
	var received []Message
	bob.RoomEvents().Subscribe(Joined, func(RoomEvent) { bobJoined++ })
	alice.RoomEvents().Subscribe(MemberJoined, func(RoomEvent) { aliceSawJoin++ })
	alice.Messages().Subscribe(3, func(m Message) { received = append(received, m) })

	if err := alice.CreateRoom(ctx, "r1", Properties{"host": "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := bob.JoinRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := bob.Room(); ok {
		t.Fatal("mirror updated before the loop ran")
	}
	loop.Drain()

	state, ok := bob.Room()
	if !ok || state.Master != alice.Local().Actor || len(state.Members) != 2 {
		t.Fatalf("unexpected mirror %+v", state)
	}
	if bobJoined != 1 || aliceSawJoin != 1 {
		t.Fatalf("joined=%d memberJoined=%d", bobJoined, aliceSawJoin)
	}

	if err := bob.Publish(3, []byte("hi"), ToMaster); err != nil {
		t.Fatal(err)
	}
	loop.Drain()
	if len(received) != 1 || received[0].Sender.UserID != "bob" || string(received[0].Payload) != "hi" {
		t.Fatalf("unexpected messages %+v", received)
	}

	_ = alice.Close()
	loop.Drain()
	if _, ok := alice.Room(); ok {
		t.Fatal("closed gateway still reports a room")
	}
	state, _ = bob.Room()
	if state.Master != bob.Local().Actor {
		t.Fatalf("bob should have become master, got %d", state.Master)
	}
	if err := alice.Publish(3, nil, ToAll); err == nil {
		t.Fatal("publish on a closed gateway must fail")
	}
}

func TestLocalGatewayWaitForRoom(t *testing.T) {
	loop := scheduler.NewManual(time.Unix(0, 0))
	hub := NewHub()
	alice := NewLocalGateway(hub, loop, "alice", "Alice")
	bob := NewLocalGateway(hub, loop, "bob", "Bob")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bob.WaitForRoom(ctx, "r1"); err == nil {
		t.Fatal("expected a timeout while the room does not exist")
	}

	done := make(chan error, 1)
	go func() { done <- bob.WaitForRoom(context.Background(), "r1") }()
	time.Sleep(5 * time.Millisecond)
	if err := alice.CreateRoom(context.Background(), "r1", nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the room was created")
	}
}
