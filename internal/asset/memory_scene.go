package asset

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
)

type AssetDefinition struct {
	Properties map[string][]byte
	Authority  Authority
}

// Definition is what a Loader produces for a scene reference. Stages maps a stage id to the
// property values that stage applies.
type Definition struct {
	Assets       map[string]AssetDefinition
	Stages       map[string]map[string]map[string][]byte
	InitialStage string
}

type Loader interface {
	Load(ctx context.Context, ref string) (Definition, error)
}

type LoaderFunc func(ctx context.Context, ref string) (Definition, error)

func (f LoaderFunc) Load(ctx context.Context, ref string) (Definition, error) {
	return f(ctx, ref)
}

// StaticLoader serves the same definition for every reference.
func StaticLoader(def Definition) Loader {
	return LoaderFunc(func(context.Context, string) (Definition, error) { return def.clone(), nil })
}

type memAsset struct {
	props     map[string][]byte
	authority Authority
}

type changeTopic struct{}

type MemoryScene struct {
	mu      sync.RWMutex
	loader  Loader
	ref     string
	loaded  bool
	assets  map[string]*memAsset
	stages  map[string]map[string]map[string][]byte
	stage   string
	changes *event.Bus[changeTopic, PropertyChanged]
}

func NewMemoryScene(loader Loader) *MemoryScene {
	return &MemoryScene{
		loader:  loader,
		assets:  make(map[string]*memAsset),
		changes: event.NewBus[changeTopic, PropertyChanged](),
	}
}

func (s *MemoryScene) Load(ctx context.Context, ref string) error {
	def := Definition{}
	if s.loader != nil {
		var err error
		if def, err = s.loader.Load(ctx, ref); err != nil {
			return fmt.Errorf("load scene %s: %w", ref, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref = ref
	s.loaded = true
	s.assets = make(map[string]*memAsset, len(def.Assets))
	for id, a := range def.Assets {
		s.assets[id] = &memAsset{props: cloneProps(a.Properties), authority: a.Authority}
	}
	s.stages = def.Stages
	s.stage = def.InitialStage
	return nil
}

func (s *MemoryScene) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref = ""
	s.loaded = false
	s.assets = make(map[string]*memAsset)
	s.stages = nil
	s.stage = ""
}

func (s *MemoryScene) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *MemoryScene) Ref() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ref
}

// UpdateAssetProperty sets a property and notifies listeners when the value actually changed.
func (s *MemoryScene) UpdateAssetProperty(assetID, property string, value []byte) error {
	changed, err := s.set(assetID, property, value)
	if err != nil {
		return err
	}
	if changed {
		s.changes.Publish(changeTopic{}, PropertyChanged{AssetID: assetID, Property: property, Value: clone(value), Origin: OriginEdit})
	}
	return nil
}

func (s *MemoryScene) set(assetID, property string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return false, ErrNotLoaded
	}
	a, ok := s.assets[assetID]
	if !ok {
		return false, fmt.Errorf("%s: %w", assetID, ErrUnknownAsset)
	}
	if current, ok := a.props[property]; ok && bytes.Equal(current, value) {
		return false, nil
	}
	a.props[property] = clone(value)
	return true, nil
}

func (s *MemoryScene) Property(assetID, property string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, false
	}
	v, ok := a.props[property]
	return clone(v), ok
}

func (s *MemoryScene) AssetIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryScene) Authority(assetID string) Authority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.assets[assetID]; ok {
		return a.authority
	}
	return nil
}

func (s *MemoryScene) Stage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// SetStage switches the stage and applies its preset values, notifying them with
// OriginStageChange.
func (s *MemoryScene) SetStage(stage string) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	s.stage = stage
	var notes []PropertyChanged
	for assetID, props := range s.stages[stage] {
		a, ok := s.assets[assetID]
		if !ok {
			continue
		}
		for property, value := range props {
			if current, ok := a.props[property]; ok && bytes.Equal(current, value) {
				continue
			}
			a.props[property] = clone(value)
			notes = append(notes, PropertyChanged{AssetID: assetID, Property: property, Value: clone(value), Origin: OriginStageChange})
		}
	}
	s.mu.Unlock()

	sort.Slice(notes, func(i, j int) bool {
		if notes[i].AssetID == notes[j].AssetID {
			return notes[i].Property < notes[j].Property
		}
		return notes[i].AssetID < notes[j].AssetID
	})
	for _, n := range notes {
		s.changes.Publish(changeTopic{}, n)
	}
	return nil
}

func (s *MemoryScene) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Stage: s.stage, Assets: make(map[string]map[string][]byte, len(s.assets))}
	for id, a := range s.assets {
		snap.Assets[id] = cloneProps(a.props)
	}
	return snap
}

// ReloadFromSnapshot replaces every asset with the snapshot content. Assets missing from the
// snapshot are destroyed; surviving assets keep their authority. No notifications are sent.
func (s *MemoryScene) ReloadFromSnapshot(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets := make(map[string]*memAsset, len(snapshot.Assets))
	for id, props := range snapshot.Assets {
		var authority Authority
		if old, ok := s.assets[id]; ok {
			authority = old.authority
		}
		assets[id] = &memAsset{props: cloneProps(props), authority: authority}
	}
	s.assets = assets
	s.stage = snapshot.Stage
	s.loaded = true
}

func (s *MemoryScene) OnPropertyChanged(handler event.Handler[PropertyChanged]) *event.Subscription {
	return s.changes.Subscribe(changeTopic{}, handler)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneProps(props map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(props))
	for k, v := range props {
		out[k] = clone(v)
	}
	return out
}

func (d Definition) clone() Definition {
	out := Definition{
		Assets:       make(map[string]AssetDefinition, len(d.Assets)),
		Stages:       d.Stages,
		InitialStage: d.InitialStage,
	}
	for id, a := range d.Assets {
		out.Assets[id] = AssetDefinition{Properties: cloneProps(a.Properties), Authority: a.Authority}
	}
	return out
}
