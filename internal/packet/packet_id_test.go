package packet

import "testing"

func TestPacketID(t *testing.T) {
	mgr := NewPacketIDManager()

	id1, ok := mgr.NextID()
	if !ok || id1 != 1 {
		t.Fatalf("Expected 1, got %d", id1)
	}

	mgr.ReleaseID(id1)
	id2, _ := mgr.NextID()
	if id2 != 1 {
		t.Fatalf("Expected 1 after release, got %d", id2)
	}
	mgr.ReleaseID(id2)
	mgr.ReleaseID(id2)
	if mgr.InFlight() != 0 {
		t.Fatalf("in flight = %d", mgr.InFlight())
	}
	if id, _ := mgr.NextID(); id != 1 {
		t.Fatalf("double release handed out %d", id)
	}

	mgr.currentID = 65535
	id3, _ := mgr.NextID()
	if id3 != 65535 {
		t.Fatalf("Expected 65535, got %d", id3)
	}
	id4, _ := mgr.NextID()
	if id4 != 2 {
		t.Fatalf("Expected 2 after overflow skipping the busy 1, got %d", id4)
	}
}

func TestPacketIDExhausted(t *testing.T) {
	mgr := NewPacketIDManager()
	for i := 0; i < 65535; i++ {
		if _, ok := mgr.NextID(); !ok {
			t.Fatalf("ran out after %d ids", i)
		}
	}
	if _, ok := mgr.NextID(); ok {
		t.Fatal("expected exhaustion")
	}
	mgr.ReleaseID(42)
	if id, ok := mgr.NextID(); !ok || id != 42 {
		t.Fatalf("got %d %t", id, ok)
	}
}
