// Package asset is the contract between a session and the scene it replicates, plus an
// in-memory scene used by headless participants and tests.
package asset

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
)

type Origin int

const (
	OriginEdit Origin = iota
	OriginStageChange
)

func (o Origin) String() string {
	if o == OriginStageChange {
		return "stage"
	}
	return "edit"
}

type PropertyChanged struct {
	AssetID  string
	Property string
	Value    []byte
	Origin   Origin
}

// Snapshot is the full replicated state of a scene.
type Snapshot struct {
	Stage  string                       `cbor:"stage"`
	Assets map[string]map[string][]byte `cbor:"assets"`
}

// Authority decides who may edit an asset. A nil Authority lets anyone edit.
type Authority interface {
	CanEdit(userID, hostID string) bool
}

// HostOnly restricts edits to the current host.
type HostOnly struct{}

func (HostOnly) CanEdit(userID, hostID string) bool {
	return userID == hostID
}

// Editors allows the host and the listed users.
type Editors []string

func (e Editors) CanEdit(userID, hostID string) bool {
	if userID == hostID {
		return true
	}
	for _, id := range e {
		if id == userID {
			return true
		}
	}
	return false
}

// CanEdit applies authority, treating nil as open.
func CanEdit(authority Authority, userID, hostID string) bool {
	if authority == nil {
		return true
	}
	return authority.CanEdit(userID, hostID)
}

var (
	ErrUnknownAsset = errors.New("unknown asset")
	ErrNotLoaded    = errors.New("scene not loaded")
)

type Scene interface {
	Load(ctx context.Context, ref string) error
	Unload()
	Loaded() bool
	UpdateAssetProperty(assetID, property string, value []byte) error
	Property(assetID, property string) ([]byte, bool)
	AssetIDs() []string
	Authority(assetID string) Authority
	Stage() string
	SetStage(stage string) error
	Export() Snapshot
	ReloadFromSnapshot(snapshot Snapshot)
	OnPropertyChanged(handler event.Handler[PropertyChanged]) *event.Subscription
}
