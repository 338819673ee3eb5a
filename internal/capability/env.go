package capability

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

type EphemeralStore interface {
	PutEphemeralData(ctx context.Context, handle, sessionID string, data []byte) error
	FetchEphemeralData(ctx context.Context, handle string) (*database.EphemeralData, error)
}

type Timing struct {
	TransferTimeout time.Duration
	EchoFlagTTL     time.Duration
	ExportInterval  time.Duration
	// ExportThrottle bounds how often edits trigger an export.
	ExportThrottle time.Duration
	StoreTimeout   time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		TransferTimeout: 30 * time.Second,
		EchoFlagTTL:     2 * time.Second,
		ExportInterval:  30 * time.Second,
		ExportThrottle:  time.Second,
		StoreTimeout:    10 * time.Second,
	}
}

// Env is what every capability of one participant shares. All fields are set before the first
// capability is activated; capabilities only touch them from Exec.
type Env struct {
	Gateway   transport.Gateway
	Scene     asset.Scene
	Store     EphemeralStore
	Exec      scheduler.Executor
	SessionID string
	OwnerID   string
	Timing    Timing
	Notify    func(lifecycle.Notice)
	// Background runs blocking work off the scheduler. Defaults to a new goroutine.
	Background func(fn func())
}

func (e *Env) local() transport.Member {
	return e.Gateway.Local()
}

func (e *Env) notify(n lifecycle.Notice) {
	if n.SessionID == "" {
		n.SessionID = e.SessionID
	}
	if e.Notify != nil {
		e.Notify(n)
	}
}

func (e *Env) background(fn func()) {
	if e.Background != nil {
		e.Background(fn)
		return
	}
	go fn()
}

func (e *Env) storeContext() (context.Context, context.CancelFunc) {
	timeout := e.Timing.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (e *Env) roomProperty(key string) string {
	state, ok := e.Gateway.Room()
	if !ok {
		return ""
	}
	return state.Properties[key]
}

// hostTarget addresses the host. The master is the host whenever replication is not paused.
func (e *Env) hostTarget() transport.Target {
	return transport.ToMaster
}

func (e *Env) send(code transport.EventCode, v any, to transport.Target) {
	if err := protocol.Send(e.Gateway, code, v, to); err != nil {
		logger.WarnF("[%s] %v", e.local().UserID, err)
		return
	}
	metrics.RecordMessage(protocol.Name(code), "sent")
}

func (e *Env) received(msg transport.Message) {
	logger.DebugF("[%s] received %s from %s", e.local().UserID, protocol.Name(msg.Code), msg.Sender.UserID)
	metrics.RecordMessage(protocol.Name(msg.Code), "received")
}

type propertyKey struct {
	assetID  string
	property string
}
