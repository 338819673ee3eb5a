package asset

import (
	"context"
	"errors"
	"testing"
)

func testDefinition() Definition {
	return Definition{
		Assets: map[string]AssetDefinition{
			"A1": {Properties: map[string][]byte{"color": []byte("red")}},
			"A2": {Properties: map[string][]byte{"visible": []byte("no")}, Authority: HostOnly{}},
		},
		Stages: map[string]map[string]map[string][]byte{
			"reveal": {"A2": {"visible": []byte("yes")}},
		},
		InitialStage: "intro",
	}
}

func loadedScene(t *testing.T) *MemoryScene {
	t.Helper()
	scene := NewMemoryScene(StaticLoader(testDefinition()))
	if err := scene.Load(context.Background(), "demo"); err != nil {
		t.Fatal(err)
	}
	return scene
}

func TestUpdateNotifiesOnlyOnChange(t *testing.T) {
	scene := loadedScene(t)
	var notes []PropertyChanged
	sub := scene.OnPropertyChanged(func(n PropertyChanged) { notes = append(notes, n) })
	defer sub.Unsubscribe()

	if err := scene.UpdateAssetProperty("A1", "color", []byte("red")); err != nil {
		t.Fatal(err)
	}
	if len(notes) != 0 {
		t.Fatalf("no-op update notified: %+v", notes)
	}
	if err := scene.UpdateAssetProperty("A1", "color", []byte("blue")); err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Origin != OriginEdit || string(notes[0].Value) != "blue" {
		t.Fatalf("unexpected notes %+v", notes)
	}
	if err := scene.UpdateAssetProperty("nope", "color", nil); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestStagePresetsUseStageOrigin(t *testing.T) {
	scene := loadedScene(t)
	var notes []PropertyChanged
	scene.OnPropertyChanged(func(n PropertyChanged) { notes = append(notes, n) })

	if scene.Stage() != "intro" {
		t.Fatalf("initial stage %q", scene.Stage())
	}
	if err := scene.SetStage("reveal"); err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Origin != OriginStageChange || notes[0].AssetID != "A2" {
		t.Fatalf("unexpected notes %+v", notes)
	}
	if v, _ := scene.Property("A2", "visible"); string(v) != "yes" {
		t.Fatalf("preset not applied: %s", v)
	}
}

func TestReloadFromSnapshot(t *testing.T) {
	scene := loadedScene(t)
	notified := 0
	scene.OnPropertyChanged(func(PropertyChanged) { notified++ })

	scene.ReloadFromSnapshot(Snapshot{
		Stage: "reveal",
		Assets: map[string]map[string][]byte{
			"A2": {"visible": []byte("yes")},
			"A3": {"size": []byte("2")},
		},
	})
	if notified != 0 {
		t.Fatal("reload must not notify")
	}
	if ids := scene.AssetIDs(); len(ids) != 2 || ids[0] != "A2" || ids[1] != "A3" {
		t.Fatalf("stale assets survived: %v", ids)
	}
	if _, ok := scene.Authority("A2").(HostOnly); !ok {
		t.Fatal("surviving asset lost its authority")
	}
	if scene.Authority("A3") != nil || scene.Stage() != "reveal" {
		t.Fatal("unexpected state after reload")
	}

	snap := scene.Export()
	snap.Assets["A3"]["size"][0] = '9'
	if v, _ := scene.Property("A3", "size"); string(v) != "2" {
		t.Fatal("export shares memory with the scene")
	}
}

func TestAuthority(t *testing.T) {
	tests := []struct {
		authority Authority
		user      string
		want      bool
	}{
		{nil, "bob", true},
		{HostOnly{}, "bob", false},
		{HostOnly{}, "alice", true},
		{Editors{"bob"}, "bob", true},
		{Editors{"bob"}, "carol", false},
		{Editors{"bob"}, "alice", true},
	}
	for _, tt := range tests {
		if got := CanEdit(tt.authority, tt.user, "alice"); got != tt.want {
			t.Errorf("%T %s: got %v, want %v", tt.authority, tt.user, got, tt.want)
		}
	}
}

func TestNotLoaded(t *testing.T) {
	scene := NewMemoryScene(nil)
	if err := scene.UpdateAssetProperty("A1", "color", nil); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if err := scene.Load(context.Background(), "empty"); err != nil {
		t.Fatal(err)
	}
	scene.Unload()
	if scene.Loaded() {
		t.Fatal("scene still loaded")
	}
}
