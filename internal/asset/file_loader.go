package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrSceneNotFound = errors.New("scene not found")

type assetFile struct {
	HostOnly   bool              `toml:"host_only"`
	Editors    []string          `toml:"editors"`
	Properties map[string]string `toml:"properties"`
}

// sceneFile is the on-disk form of a Definition.
type sceneFile struct {
	InitialStage string                                  `toml:"initial_stage"`
	Assets       map[string]assetFile                    `toml:"assets"`
	Stages       map[string]map[string]map[string]string `toml:"stages"`
}

// DirLoader reads "<dir>/<ref>.toml" for every scene reference.
func DirLoader(dir string) Loader {
	return LoaderFunc(func(ctx context.Context, ref string) (Definition, error) {
		if err := ctx.Err(); err != nil {
			return Definition{}, err
		}
		if ref == "" || strings.ContainsAny(ref, `/\`) || ref == ".." {
			return Definition{}, fmt.Errorf("%w: invalid reference %q", ErrSceneNotFound, ref)
		}
		data, err := os.ReadFile(filepath.Join(dir, ref+".toml"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Definition{}, fmt.Errorf("%w: %s", ErrSceneNotFound, ref)
			}
			return Definition{}, err
		}
		return ParseDefinition(data)
	})
}

func ParseDefinition(data []byte) (Definition, error) {
	var file sceneFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return Definition{}, fmt.Errorf("parse scene: %w", err)
	}
	def := Definition{
		Assets:       make(map[string]AssetDefinition, len(file.Assets)),
		Stages:       make(map[string]map[string]map[string][]byte, len(file.Stages)),
		InitialStage: file.InitialStage,
	}
	for id, a := range file.Assets {
		props := make(map[string][]byte, len(a.Properties))
		for k, v := range a.Properties {
			props[k] = []byte(v)
		}
		var authority Authority
		switch {
		case a.HostOnly:
			authority = HostOnly{}
		case len(a.Editors) > 0:
			authority = Editors(a.Editors)
		}
		def.Assets[id] = AssetDefinition{Properties: props, Authority: authority}
	}
	for stage, assets := range file.Stages {
		values := make(map[string]map[string][]byte, len(assets))
		for id, props := range assets {
			if _, ok := def.Assets[id]; !ok {
				return Definition{}, fmt.Errorf("stage %s sets unknown asset %s", stage, id)
			}
			values[id] = make(map[string][]byte, len(props))
			for k, v := range props {
				values[id][k] = []byte(v)
			}
		}
		def.Stages[stage] = values
	}
	return def, nil
}
