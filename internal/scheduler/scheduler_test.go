package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestManualOrderAndTimers(t *testing.T) {
	loop := NewManual(time.Unix(0, 0))
	var got []string

	loop.Post(func() {
		got = append(got, "a")
		loop.Post(func() { got = append(got, "c") })
	})
	loop.Post(func() { got = append(got, "b") })
	loop.After(2*time.Second, func() { got = append(got, "late") })
	cancel := loop.After(time.Second, func() { got = append(got, "cancelled") })
	loop.After(time.Second, func() { got = append(got, "early") })
	cancel()

	loop.Drain()
	loop.Advance(time.Second)
	if !reflect.DeepEqual(got, []string{"a", "b", "c", "early"}) {
		t.Fatalf("got %v", got)
	}
	if loop.PendingTimers() != 1 {
		t.Fatalf("expected one timer left, got %d", loop.PendingTimers())
	}
	loop.Advance(time.Second)
	if got[len(got)-1] != "late" {
		t.Fatalf("late timer did not fire: %v", got)
	}
	if !loop.Now().Equal(time.Unix(2, 0)) {
		t.Fatalf("clock at %v", loop.Now())
	}
}

func TestManualRunServesCall(t *testing.T) {
	loop := NewManual(time.Unix(0, 0))
	value := 0
	loop.Run(func() {
		for i := 0; i < 3; i++ {
			if err := Call(context.Background(), loop, func() { value++ }); err != nil {
				t.Error(err)
			}
		}
	})
	if value != 3 {
		t.Fatalf("expected 3 calls, got %d", value)
	}
}

func TestCallCancelled(t *testing.T) {
	loop := NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Call(ctx, loop, func() { t.Error("ran after cancel") }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEventLoop(t *testing.T) {
	loop := NewEventLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	got, err := CallValue(ctx, loop, func() int { return 42 })
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}

	fired := make(chan struct{})
	loop.After(10*time.Millisecond, func() { close(fired) })
	stop := loop.After(10*time.Millisecond, func() { t.Error("cancelled timer fired") })
	stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
}
