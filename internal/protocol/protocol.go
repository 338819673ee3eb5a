// Package protocol defines the messages participants exchange through a room: property
// replication, host transfer, stage and scenario transitions, and session notifications.
package protocol

import (
	"fmt"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

const (
	RequestPropertyUpdate transport.EventCode = iota + 1
	AssetPropertyUpdate
	ClientPropertyUpdated
	RejectPropertyUpdate
	RequestUserToHost
	CancelRequestUserToHost
	AcceptHostRequest
	RejectHostRequest
	PromoteToHost
	RequestStageChange
	StageChanged
	ScenarioStatusChanged
	ClientReady
	HostClosedSession
	SessionRenamed
	SessionSaved
	SessionLocked
	UserKicked
)

var codeNames = map[transport.EventCode]string{
	RequestPropertyUpdate:   "RequestPropertyUpdate",
	AssetPropertyUpdate:     "AssetPropertyUpdate",
	ClientPropertyUpdated:   "ClientPropertyUpdated",
	RejectPropertyUpdate:    "RejectPropertyUpdate",
	RequestUserToHost:       "RequestUserToHost",
	CancelRequestUserToHost: "CancelRequestUserToHost",
	AcceptHostRequest:       "AcceptHostRequest",
	RejectHostRequest:       "RejectHostRequest",
	PromoteToHost:           "PromoteToHost",
	RequestStageChange:      "RequestStageChange",
	StageChanged:            "StageChanged",
	ScenarioStatusChanged:   "ScenarioStatusChanged",
	ClientReady:             "ClientReady",
	HostClosedSession:       "HostClosedSession",
	SessionRenamed:          "SessionRenamed",
	SessionSaved:            "SessionSaved",
	SessionLocked:           "SessionLocked",
	UserKicked:              "UserKicked",
}

func Name(code transport.EventCode) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", code)
}

// Room property keys.
const (
	PropHost          = "host"
	PropHostName      = "host_name"
	PropStage         = "stage"
	PropPathway       = "pathway"
	PropPlayMode      = "play_mode"
	PropScenario      = "scenario"
	PropStartedAt     = "started_at"
	PropElapsed       = "elapsed"
	PropEphemeral     = "ephemeral"
	PropSessionID     = "session"
	PropLocked        = "locked"
	PropSessionName   = "session_name"
	PropSessionStatus = "session_status"
)

type PropertyUpdate struct {
	UserID   string `cbor:"user_id,omitempty"`
	AssetID  string `cbor:"asset_id"`
	Property string `cbor:"property"`
	Value    []byte `cbor:"value,omitempty"`
}

type PropertyKey struct {
	AssetID  string `cbor:"asset_id"`
	Property string `cbor:"property"`
}

// PropertyRejection carries the authoritative value the requester must revert to.
type PropertyRejection struct {
	AssetID   string            `cbor:"asset_id"`
	Property  string            `cbor:"property"`
	Value     []byte            `cbor:"value,omitempty"`
	Requester transport.ActorID `cbor:"requester"`
}

type HostRequest struct {
	Target   transport.ActorID `cbor:"target"`
	HostID   string            `cbor:"host_id"`
	HostName string            `cbor:"host_name"`
}

type HostResponse struct {
	UserID   string `cbor:"user_id"`
	UserName string `cbor:"user_name"`
}

type Promotion struct {
	UserID string `cbor:"user_id"`
}

type StageRequest struct {
	Stage string `cbor:"stage"`
}

type ScenarioStatus string

const (
	ScenarioIdle    ScenarioStatus = ""
	ScenarioRunning ScenarioStatus = "running"
	ScenarioPaused  ScenarioStatus = "paused"
	ScenarioStopped ScenarioStatus = "stopped"
)

// Scenario is the host-owned scenario state. Elapsed accumulates running time up to StartedAt;
// while running, the current elapsed time is Elapsed plus the server time since StartedAt.
type Scenario struct {
	Pathway   string         `cbor:"pathway"`
	PlayMode  string         `cbor:"play_mode"`
	Status    ScenarioStatus `cbor:"status"`
	StartedAt int64          `cbor:"started_at"`
	Elapsed   int64          `cbor:"elapsed"`
}

type SessionNotice struct {
	SessionID string `cbor:"session_id"`
	Name      string `cbor:"name,omitempty"`
	Locked    bool   `cbor:"locked,omitempty"`
	UserID    string `cbor:"user_id,omitempty"`
	// CopyID is set when the scene was saved as a new session instead of into SessionID.
	CopyID string `cbor:"copy_id,omitempty"`
}

func Encode(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func Decode[T any](payload []byte) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := codec.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// Send encodes v and publishes it with code. A nil v sends an empty payload.
func Send(gw transport.Gateway, code transport.EventCode, v any, to transport.Target) error {
	var payload []byte
	if v != nil {
		var err error
		if payload, err = Encode(v); err != nil {
			return err
		}
	}
	if err := gw.Publish(code, payload, to); err != nil {
		return fmt.Errorf("send %s to %s: %w", Name(code), to, err)
	}
	return nil
}

// ReadyNotice tells the host which exported state the client resynchronized from.
type ReadyNotice struct {
	Digest string `cbor:"digest,omitempty"`
}

// ExportedState is the blob the host stores in the ephemeral-data store.
type ExportedState struct {
	Digest   string         `cbor:"digest"`
	Snapshot asset.Snapshot `cbor:"snapshot"`
}

func ScenarioFromProperties(props transport.Properties) Scenario {
	startedAt, _ := strconv.ParseInt(props[PropStartedAt], 10, 64)
	elapsed, _ := strconv.ParseInt(props[PropElapsed], 10, 64)
	return Scenario{
		Pathway:   props[PropPathway],
		PlayMode:  props[PropPlayMode],
		Status:    ScenarioStatus(props[PropScenario]),
		StartedAt: startedAt,
		Elapsed:   elapsed,
	}
}

// Properties renders s as room properties; zero values clear their key.
func (s Scenario) Properties() transport.Properties {
	props := transport.Properties{
		PropPathway:   s.Pathway,
		PropPlayMode:  s.PlayMode,
		PropScenario:  string(s.Status),
		PropStartedAt: "",
		PropElapsed:   "",
	}
	if s.StartedAt != 0 {
		props[PropStartedAt] = strconv.FormatInt(s.StartedAt, 10)
	}
	if s.Elapsed != 0 {
		props[PropElapsed] = strconv.FormatInt(s.Elapsed, 10)
	}
	return props
}

// Transition moves the scenario to status at server time now (unix milliseconds).
func (s Scenario) Transition(status ScenarioStatus, now int64) Scenario {
	next := s
	next.Status = status
	switch status {
	case ScenarioRunning:
		if s.Status == ScenarioStopped || s.Status == ScenarioIdle {
			next.Elapsed = 0
		}
		if s.Status != ScenarioRunning {
			next.StartedAt = now
		}
	case ScenarioPaused, ScenarioStopped:
		if s.Status == ScenarioRunning {
			next.Elapsed += now - s.StartedAt
		}
		next.StartedAt = 0
	case ScenarioIdle:
		next.Elapsed = 0
		next.StartedAt = 0
	}
	return next
}

// ElapsedAt is the scenario running time at server time now (unix milliseconds).
func (s Scenario) ElapsedAt(now int64) time.Duration {
	elapsed := s.Elapsed
	if s.Status == ScenarioRunning && s.StartedAt != 0 && now > s.StartedAt {
		elapsed += now - s.StartedAt
	}
	return time.Duration(elapsed) * time.Millisecond
}
