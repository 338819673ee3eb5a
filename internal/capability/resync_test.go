package capability

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
)

func TestLateJoinerCatchesUp(t *testing.T) {
	w := newWorld(t)
	host, _ := w.hostAndClients("bob")

	host.edit(t, "A1", "color", "red")
	if err := host.host().ChangeStage("reveal"); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()

	carol := w.participant("carol")
	if err := carol.gw.JoinRoom(context.Background(), testRoom); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()

	blob, err := w.store.FetchEphemeralData(context.Background(), "eph-1")
	if err != nil {
		t.Fatal(err)
	}
	var exported protocol.ExportedState
	if err := codec.Unpack(blob.Data, &exported); err != nil {
		t.Fatal(err)
	}
	if string(exported.Snapshot.Assets["A1"]["color"]) != "red" || exported.Digest == "" {
		t.Fatalf("export missed the edit: %+v", exported)
	}

	// changed after the export the joiner will load
	host.edit(t, "A1", "color", "blue")
	w.loop.Drain()

	before := carol.received[protocol.AssetPropertyUpdate]
	client := NewClient(carol.env, true)
	if _, err := carol.set.Add(client); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()

	if !client.Ready() {
		t.Fatal("client never became ready")
	}
	if carol.value("A1", "color") != "blue" {
		t.Fatalf("carol A1=%q, want blue", carol.value("A1", "color"))
	}
	if carol.scene.Stage() != "reveal" || carol.value("A2", "color") != "green" {
		t.Fatalf("carol stage=%q A2=%q", carol.scene.Stage(), carol.value("A2", "color"))
	}
	if n := carol.received[protocol.AssetPropertyUpdate] - before; n != 1 {
		t.Fatalf("catch-up sent %d updates, want only the changed one", n)
	}
	if host.received[protocol.ClientReady] != 1 || host.received[protocol.RequestPropertyUpdate] != 0 {
		t.Fatalf("host saw ready=%d requests=%d", host.received[protocol.ClientReady], host.received[protocol.RequestPropertyUpdate])
	}
	if carol.notices.Count(lifecycle.Synced) != 1 {
		t.Fatal("sync not surfaced")
	}
}

func TestResyncWithoutExportSendsEverything(t *testing.T) {
	w := newWorld(t)
	host, _ := w.hostAndClients()
	host.edit(t, "A1", "color", "red")
	w.loop.Drain()

	carol := w.participant("carol")
	carol.env.Store = nil
	if err := carol.gw.JoinRoom(context.Background(), testRoom); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()
	client := NewClient(carol.env, true)
	if _, err := carol.set.Add(client); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()

	if carol.value("A1", "color") != "red" {
		t.Fatalf("carol A1=%q, want red", carol.value("A1", "color"))
	}
	if n := carol.received[protocol.AssetPropertyUpdate]; n != 2 {
		t.Fatalf("catch-up sent %d updates, want every property", n)
	}
	if host.received[protocol.RequestPropertyUpdate] != 0 {
		t.Fatal("catch-up echoed back as requests")
	}
}

func TestClientIgnoresUpdatesBeforeReady(t *testing.T) {
	w := newWorld(t)
	host, _ := w.hostAndClients()
	carol := w.participant("carol")
	if err := carol.gw.JoinRoom(context.Background(), testRoom); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()

	var deferred func()
	carol.env.Background = func(fn func()) { deferred = fn }
	client := NewClient(carol.env, true)
	if _, err := carol.set.Add(client); err != nil {
		t.Fatal(err)
	}
	host.edit(t, "A1", "color", "red")
	w.loop.Drain()
	if carol.value("A1", "color") != "white" || client.Ready() {
		t.Fatal("update applied before readiness")
	}
	carol.edit(t, "A1", "color", "pink")
	w.loop.Drain()
	if host.received[protocol.RequestPropertyUpdate] != 0 {
		t.Fatal("edit forwarded before readiness")
	}

	deferred()
	w.loop.Drain()
	if !client.Ready() || carol.value("A1", "color") != "red" {
		t.Fatalf("ready=%t A1=%q", client.Ready(), carol.value("A1", "color"))
	}
}

func TestPeriodicAndMembershipExports(t *testing.T) {
	w := newWorld(t)
	w.timing.ExportInterval = 30 * time.Second
	host, _ := w.hostAndClients()
	if w.store.Puts() != 1 {
		t.Fatalf("puts after activation %d, want 1", w.store.Puts())
	}
	w.loop.Advance(30 * time.Second)
	w.loop.Advance(30 * time.Second)
	if w.store.Puts() != 3 {
		t.Fatalf("puts after two intervals %d, want 3", w.store.Puts())
	}

	bob := w.participant("bob")
	if err := bob.gw.JoinRoom(context.Background(), testRoom); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()
	if w.store.Puts() != 4 {
		t.Fatalf("join did not export: %d", w.store.Puts())
	}

	host.set.Remove(KindHost)
	w.loop.Advance(time.Minute)
	if w.store.Puts() != 4 {
		t.Fatal("inactive host kept exporting")
	}
}

func exportedValue(t *testing.T, w *world, assetID, property string) string {
	t.Helper()
	blob, err := w.store.FetchEphemeralData(context.Background(), "eph-1")
	if err != nil {
		t.Fatal(err)
	}
	var exported protocol.ExportedState
	if err := codec.Unpack(blob.Data, &exported); err != nil {
		t.Fatal(err)
	}
	return string(exported.Snapshot.Assets[assetID][property])
}

func TestEditsAreExportedWithinThrottle(t *testing.T) {
	w := newWorld(t)
	host, clients := w.hostAndClients("bob")
	bob := clients[0]
	base := w.store.Puts()

	host.edit(t, "A1", "color", "red")
	w.loop.Drain()
	if w.store.Puts() != base+1 || exportedValue(t, w, "A1", "color") != "red" {
		t.Fatalf("first edit not exported: puts=%d", w.store.Puts()-base)
	}

	host.edit(t, "A1", "color", "blue")
	host.edit(t, "A1", "color", "green")
	w.loop.Drain()
	if w.store.Puts() != base+1 {
		t.Fatalf("edits inside the window exported %d times", w.store.Puts()-base-1)
	}
	w.loop.Advance(w.timing.ExportThrottle)
	if w.store.Puts() != base+2 || exportedValue(t, w, "A1", "color") != "green" {
		t.Fatalf("window close exported %q, puts=%d", exportedValue(t, w, "A1", "color"), w.store.Puts()-base)
	}
	w.loop.Advance(w.timing.ExportThrottle)
	if w.store.Puts() != base+2 {
		t.Fatal("quiet window exported again")
	}

	bob.edit(t, "A1", "color", "pink")
	w.loop.Drain()
	if host.value("A1", "color") != "pink" || exportedValue(t, w, "A1", "color") != "pink" {
		t.Fatalf("accepted client edit not exported: %q", exportedValue(t, w, "A1", "color"))
	}
}

func TestExportKeepsSessionOfItsSnapshot(t *testing.T) {
	w := newWorld(t)
	host, _ := w.hostAndClients()
	done := make(chan struct{})
	host.env.Background = func(fn func()) {
		go func() {
			defer close(done)
			fn()
		}()
	}

	host.host().Export()
	host.env.SessionID = "session-2"
	<-done
	w.loop.Drain()

	blob, err := w.store.FetchEphemeralData(context.Background(), "eph-1")
	if err != nil {
		t.Fatal(err)
	}
	if blob.SessionID != "session-1" {
		t.Fatalf("export stored for %q, want session-1", blob.SessionID)
	}
}

func TestAdoptingHostLoadsExportBeforeServing(t *testing.T) {
	w := newWorld(t)
	alice, clients := w.hostAndClients("bob")
	bob := clients[0]
	alice.edit(t, "A1", "color", "green")
	w.loop.Drain()

	carol := w.participant("carol")
	if err := carol.gw.JoinRoom(context.Background(), testRoom); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()
	alice.set.Remove(KindHost)
	if err := alice.gw.SetMaster(carol.gw.Local().Actor); err != nil {
		t.Fatal(err)
	}
	w.loop.Drain()

	var deferred func()
	carol.env.Background = func(fn func()) { deferred = fn }
	puts := w.store.Puts()
	if _, err := carol.set.Add(NewAdoptingHost(carol.env)); err != nil {
		t.Fatal(err)
	}
	bob.edit(t, "A1", "color", "blue")
	bob.client().RequestStage("reveal")
	w.loop.Drain()

	if carol.value("A1", "color") != "white" || carol.scene.Stage() == "reveal" {
		t.Fatal("requests served before the export was loaded")
	}
	if w.store.Puts() != puts {
		t.Fatal("stale scene exported")
	}

	carol.env.Background = func(fn func()) { fn() }
	deferred()
	w.loop.Drain()

	if carol.value("A1", "color") != "blue" || bob.value("A1", "color") != "blue" {
		t.Fatalf("carol A1=%q bob A1=%q", carol.value("A1", "color"), bob.value("A1", "color"))
	}
	if carol.scene.Stage() != "reveal" || bob.scene.Stage() != "reveal" || bob.value("A2", "color") != "green" {
		t.Fatalf("stage carol=%q bob=%q", carol.scene.Stage(), bob.scene.Stage())
	}
	if bob.client().PendingCount() != 0 {
		t.Fatalf("bob pending = %d", bob.client().PendingCount())
	}
	if exportedValue(t, w, "A1", "color") != "blue" {
		t.Fatalf("export holds %q", exportedValue(t, w, "A1", "color"))
	}
	if carol.notices.Count(lifecycle.Synced) != 1 {
		t.Fatal("adoption not surfaced")
	}
}
