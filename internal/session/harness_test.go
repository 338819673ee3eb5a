package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/capability"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

func definition() asset.Definition {
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

// recordingBackend remembers every session record created through it.
type recordingBackend struct {
	*database.MemoryStore
	mu      sync.Mutex
	created []string
}

func (b *recordingBackend) CreateSession(ctx context.Context, params database.NewSession) (*database.Session, error) {
	record, err := b.MemoryStore.CreateSession(ctx, params)
	if err == nil {
		b.mu.Lock()
		b.created = append(b.created, record.ID)
		b.mu.Unlock()
	}
	return record, err
}

func (b *recordingBackend) createdIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.created...)
}

func (b *recordingBackend) status(t *testing.T, id string) database.SessionStatus {
	t.Helper()
	record, err := b.FetchSession(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return record.Status
}

func (b *recordingBackend) attendance(t *testing.T, sessionID, userID string) database.AttendanceStatus {
	t.Helper()
	list, err := b.FetchAttendance(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range list {
		if a.UserID == userID {
			return a.Status
		}
	}
	return ""
}

type world struct {
	t       *testing.T
	loop    *scheduler.Manual
	hub     *transport.Hub
	backend *recordingBackend
	opts    Options
}

func newWorld(t *testing.T) *world {
	t.Helper()
	loop := scheduler.NewManual(time.Unix(1_700_000_000, 0))
	opts := DefaultOptions()
	opts.KeepAliveInterval = 0
	opts.Timing.ExportInterval = 0
	opts.Background = func(fn func()) { fn() }
	return &world{
		t:       t,
		loop:    loop,
		hub:     transport.NewHubWithClock(loop.Now),
		backend: &recordingBackend{MemoryStore: database.NewMemoryStore()},
		opts:    opts,
	}
}

type node struct {
	w       *world
	userID  string
	gw      *transport.LocalGateway
	scene   *asset.MemoryScene
	manager *Manager
	notices *lifecycle.Recorder
}

func (w *world) node(userID string) *node {
	return w.nodeWithLoader(userID, asset.StaticLoader(definition()))
}

func (w *world) nodeWithLoader(userID string, loader asset.Loader) *node {
	w.t.Helper()
	gw := transport.NewLocalGateway(w.hub, w.loop, userID, userID+"-name")
	scene := asset.NewMemoryScene(loader)
	m := NewManager(Dependencies{Gateway: gw, Scene: scene, Backend: w.backend, Exec: w.loop}, w.opts)
	return &node{w: w, userID: userID, gw: gw, scene: scene, manager: m, notices: lifecycle.Record(m.Events())}
}

// run executes fn off the loop while the test goroutine serves the loop.
func (w *world) run(fn func()) {
	w.loop.Run(fn)
}

// runAdvancing is run with the virtual clock moving step every millisecond of real time.
func (w *world) runAdvancing(step time.Duration, fn func()) {
	w.t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		w.loop.Drain()
		select {
		case <-done:
			w.loop.Drain()
			return
		case <-time.After(time.Millisecond):
		}
		w.loop.Advance(step)
		if time.Now().After(deadline) {
			w.t.Fatal("timed out driving the loop")
		}
	}
}

// settle waits for background work of the given nodes while serving the loop.
func (w *world) settle(nodes ...*node) {
	w.run(func() {
		for _, n := range nodes {
			n.manager.Wait()
		}
	})
}

func (w *world) createSession(owner, name string, content []byte) *database.Session {
	w.t.Helper()
	record, err := w.backend.CreateSession(context.Background(), database.NewSession{Name: name, OwnerID: owner, SceneRef: "demo", Content: content})
	if err != nil {
		w.t.Fatal(err)
	}
	return record
}

func (n *node) startAdHoc() *database.Session {
	n.w.t.Helper()
	var record *database.Session
	var err error
	n.w.run(func() {
		record, err = n.manager.StartAdHocSession(context.Background(), "demo session", "demo")
		n.manager.Wait()
	})
	if err != nil {
		n.w.t.Fatalf("%s start: %v", n.userID, err)
	}
	return record
}

func (n *node) join(sessionID string) JoinResult {
	var result JoinResult
	n.w.run(func() {
		result = n.manager.JoinSession(context.Background(), sessionID)
		n.manager.Wait()
	})
	return result
}

func (n *node) mustJoin(sessionID string) {
	n.w.t.Helper()
	if result := n.join(sessionID); !result.OK {
		n.w.t.Fatalf("%s join: %s %v", n.userID, result.Reason, result.Err)
	}
}

func (n *node) kinds() []capability.Kind {
	return n.manager.Capabilities()
}

func (n *node) has(kind capability.Kind) bool {
	for _, k := range n.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (n *node) edit(assetID, property, value string) {
	n.w.t.Helper()
	if err := n.scene.UpdateAssetProperty(assetID, property, []byte(value)); err != nil {
		n.w.t.Fatal(err)
	}
	n.w.loop.Drain()
}

func (n *node) value(assetID, property string) string {
	v, _ := n.scene.Property(assetID, property)
	return string(v)
}

// hosts counts the nodes with an active Host capability.
func hosts(nodes ...*node) int {
	count := 0
	for _, n := range nodes {
		if n.has(capability.KindHost) {
			count++
		}
	}
	return count
}

// gatedLoader serves the scene definition once g is released.
func gatedLoader(g *gate) asset.Loader {
	return asset.LoaderFunc(func(ctx context.Context, ref string) (asset.Definition, error) {
		if err := g.wait(ctx); err != nil {
			return asset.Definition{}, err
		}
		return definition(), nil
	})
}

// gate blocks a backend or loader call until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeCalibration struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (f *fakeCalibration) SessionStarted(sessionID string, isHost bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
}

func (f *fakeCalibration) SessionEnded(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
}
