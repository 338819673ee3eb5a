package asset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const demoScene = `
initial_stage = "intro"

[assets.A1.properties]
color = "white"

[assets.A2]
host_only = true
[assets.A2.properties]
color = "red"

[assets.A3]
editors = ["carol"]

[stages.reveal.A2]
color = "green"
`

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "demo.toml"), []byte(demoScene), 0o644); err != nil {
		t.Fatal(err)
	}
	loader := DirLoader(dir)

	def, err := loader.Load(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if def.InitialStage != "intro" || string(def.Assets["A1"].Properties["color"]) != "white" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if _, ok := def.Assets["A2"].Authority.(HostOnly); !ok {
		t.Fatalf("A2 should be host only, got %T", def.Assets["A2"].Authority)
	}
	if !CanEdit(def.Assets["A3"].Authority, "carol", "alice") || CanEdit(def.Assets["A3"].Authority, "bob", "alice") {
		t.Fatal("A3 editors not applied")
	}
	if string(def.Stages["reveal"]["A2"]["color"]) != "green" {
		t.Fatalf("unexpected stages %+v", def.Stages)
	}

	for _, ref := range []string{"missing", "../demo", ""} {
		if _, err := loader.Load(context.Background(), ref); !errors.Is(err, ErrSceneNotFound) {
			t.Fatalf("%q: expected ErrSceneNotFound, got %v", ref, err)
		}
	}
}

func TestParseDefinitionRejectsUnknownStageAsset(t *testing.T) {
	if _, err := ParseDefinition([]byte("[stages.reveal.ghost]\ncolor = \"x\"\n")); err == nil {
		t.Fatal("expected an error for a stage on an unknown asset")
	}
}
