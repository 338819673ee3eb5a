package relay

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/capability"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/session"
)

type relayNode struct {
	loop    *scheduler.EventLoop
	scene   *asset.MemoryScene
	manager *session.Manager
}

func (n *relayNode) property(t *testing.T, ctx context.Context, assetID, property string) string {
	t.Helper()
	v, err := scheduler.CallValue(ctx, n.loop, func() string {
		b, _ := n.scene.Property(assetID, property)
		return string(b)
	})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func eventually(t *testing.T, ctx context.Context, what string, cond func() bool) {
	t.Helper()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionOverRelay(t *testing.T) {
	env := newRelayEnv(t)
	addr, err := env.srv.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	backend := database.NewMemoryStore()
	def := asset.Definition{
		Assets: map[string]asset.AssetDefinition{
			"A1": {Properties: map[string][]byte{"color": []byte("white")}},
		},
		InitialStage: "intro",
	}

	newNode := func(userID string) *relayNode {
		loop := scheduler.NewEventLoop(256)
		go func() { _ = loop.Run(env.ctx) }()
		gw, err := Dial(env.ctx, "tcp://"+addr.String(), loop, userID, userID, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = gw.Close() })
		scene := asset.NewMemoryScene(asset.StaticLoader(def))
		m := session.NewManager(session.Dependencies{Gateway: gw, Scene: scene, Backend: backend, Exec: loop}, session.DefaultOptions())
		t.Cleanup(m.Close)
		return &relayNode{loop: loop, scene: scene, manager: m}
	}

	alice := newNode("alice")
	bob := newNode("bob")

	record, err := alice.manager.StartAdHocSession(env.ctx, "relay session", "demo")
	if err != nil {
		t.Fatal(err)
	}
	if !alice.manager.IsHost() {
		t.Fatal("alice should host the session she started")
	}
	if result := bob.manager.JoinSession(env.ctx, record.ID); !result.OK {
		t.Fatalf("bob join: %s %v", result.Reason, result.Err)
	}
	eventually(t, env.ctx, "bob to become a client", func() bool {
		for _, kind := range bob.manager.Capabilities() {
			if kind == capability.KindClient {
				return true
			}
		}
		return false
	})

	if err := scheduler.Call(env.ctx, bob.loop, func() {
		if err := bob.scene.UpdateAssetProperty("A1", "color", []byte("blue")); err != nil {
			t.Error(err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	eventually(t, env.ctx, "the edit to reach the host", func() bool {
		return alice.property(t, env.ctx, "A1", "color") == "blue"
	})

	if err := bob.manager.LeaveSession(env.ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, env.ctx, "bob to be idle", func() bool { return bob.manager.State() == session.Idle })
	if err := alice.manager.StopSession(env.ctx); err != nil {
		t.Fatal(err)
	}
	alice.manager.Wait()
	stored, err := backend.FetchSession(env.ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != database.StatusEnded {
		t.Fatalf("expected ended session, got %s", stored.Status)
	}
}
