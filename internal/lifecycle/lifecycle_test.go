package lifecycle

import "testing"

func TestRecorderSeesEveryKind(t *testing.T) {
	bus := NewBus()
	r := Record(bus)
	kinds := Kinds()
	if len(kinds) != len(kindNames) || kinds[0] != JoinedSession {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	for _, kind := range kinds {
		bus.Publish(kind, Notice{Kind: kind, SessionID: "s1"})
	}
	bus.Publish(Kicked, Notice{Kind: Kicked, Reason: "again"})
	if r.Count(Kicked) != 2 || r.Count(JoinedSession) != 1 {
		t.Fatalf("unexpected counts in %+v", r.Notices)
	}
	if last, ok := r.Last(Kicked); !ok || last.Reason != "again" {
		t.Fatalf("unexpected last notice %+v", last)
	}

	r.Close()
	bus.Publish(Kicked, Notice{Kind: Kicked})
	if r.Count(Kicked) != 2 {
		t.Fatal("closed recorder still records")
	}
	if Kind(99).String() != "Unknown" || Synced.String() != "Synced" {
		t.Fatal("unexpected kind names")
	}
}
