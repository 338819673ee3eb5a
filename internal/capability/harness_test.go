package capability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

const testRoom = "room-1"

func sceneDefinition() asset.Definition {
	return asset.Definition{
		Assets: map[string]asset.AssetDefinition{
			"A1": {Properties: map[string][]byte{"color": []byte("white")}},
			"A2": {Properties: map[string][]byte{"color": []byte("red")}, Authority: asset.HostOnly{}},
		},
		Stages: map[string]map[string]map[string][]byte{
			"reveal": {"A2": {"color": []byte("green")}},
		},
		InitialStage: "intro",
	}
}

type countingStore struct {
	*database.MemoryStore
	mu   sync.Mutex
	puts int
}

func (s *countingStore) PutEphemeralData(ctx context.Context, handle, sessionID string, data []byte) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.MemoryStore.PutEphemeralData(ctx, handle, sessionID, data)
}

func (s *countingStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

type world struct {
	t      *testing.T
	loop   *scheduler.Manual
	hub    *transport.Hub
	store  *countingStore
	timing Timing
}

func newWorld(t *testing.T) *world {
	t.Helper()
	loop := scheduler.NewManual(time.Unix(1_700_000_000, 0))
	timing := DefaultTiming()
	timing.ExportInterval = 0
	return &world{
		t:      t,
		loop:   loop,
		hub:    transport.NewHubWithClock(loop.Now),
		store:  &countingStore{MemoryStore: database.NewMemoryStore()},
		timing: timing,
	}
}

type participant struct {
	gw       *transport.LocalGateway
	scene    *asset.MemoryScene
	env      *Env
	set      *Set
	notices  *lifecycle.Recorder
	received map[transport.EventCode]int
}

func (w *world) participant(userID string) *participant {
	w.t.Helper()
	gw := transport.NewLocalGateway(w.hub, w.loop, userID, userID+"-name")
	scene := asset.NewMemoryScene(asset.StaticLoader(sceneDefinition()))
	if err := scene.Load(context.Background(), "demo"); err != nil {
		w.t.Fatal(err)
	}
	bus := lifecycle.NewBus()
	p := &participant{
		gw:       gw,
		scene:    scene,
		set:      NewSet(),
		notices:  lifecycle.Record(bus),
		received: make(map[transport.EventCode]int),
	}
	p.env = &Env{
		Gateway:    gw,
		Scene:      scene,
		Store:      w.store,
		Exec:       w.loop,
		SessionID:  "session-1",
		OwnerID:    "alice",
		Timing:     w.timing,
		Notify:     func(n lifecycle.Notice) { bus.Publish(n.Kind, n) },
		Background: func(fn func()) { fn() },
	}
	for code := protocol.RequestPropertyUpdate; code <= protocol.UserKicked; code++ {
		code := code
		gw.Messages().Subscribe(code, func(transport.Message) { p.received[code]++ })
	}
	return p
}

// hostAndClients creates the room as the host and joins the clients, all with active
// capabilities.
func (w *world) hostAndClients(clients ...string) (*participant, []*participant) {
	w.t.Helper()
	ctx := context.Background()
	host := w.participant("alice")
	props := transport.Properties{protocol.PropHost: "alice", protocol.PropEphemeral: "eph-1", protocol.PropStage: "intro"}
	if err := host.gw.CreateRoom(ctx, testRoom, props); err != nil {
		w.t.Fatal(err)
	}
	w.loop.Drain()
	if _, err := host.set.Add(NewHost(host.env)); err != nil {
		w.t.Fatal(err)
	}
	var out []*participant
	for _, id := range clients {
		p := w.participant(id)
		if err := p.gw.JoinRoom(ctx, testRoom); err != nil {
			w.t.Fatal(err)
		}
		w.loop.Drain()
		if _, err := p.set.Add(NewClient(p.env, false)); err != nil {
			w.t.Fatal(err)
		}
		out = append(out, p)
	}
	w.loop.Drain()
	return host, out
}

func (p *participant) host() *Host {
	h, _ := Lookup[*Host](p.set, KindHost)
	return h
}

func (p *participant) client() *Client {
	c, _ := Lookup[*Client](p.set, KindClient)
	return c
}

func (p *participant) edit(t *testing.T, assetID, property, value string) {
	t.Helper()
	if err := p.scene.UpdateAssetProperty(assetID, property, []byte(value)); err != nil {
		t.Fatal(err)
	}
}

func (p *participant) value(assetID, property string) string {
	v, _ := p.scene.Property(assetID, property)
	return string(v)
}
