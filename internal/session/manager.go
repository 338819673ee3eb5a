// Package session runs a participant's session lifecycle: starting, joining, leaving and
// stopping sessions, keeping exactly one of the Host and Client capabilities active, and the
// authoritative session mutations.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/capability"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

type State int32

const (
	Idle State = iota
	JoiningOrCreating
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case JoiningOrCreating:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrJoinInFlight = errors.New("a session join is already in progress")
	ErrNotHost      = errors.New("only the host can do this")
	ErrNotInSession = errors.New("not in a session")
	ErrNotOwner     = errors.New("only the session owner can do this")
	ErrSessionEnded = errors.New("session has ended")
	ErrUnknownUser  = errors.New("user is not in the session")
	ErrNotClient    = errors.New("only a client can do this")
)

// Reason explains a failed join. Join failures are expected and returned as values.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonSessionUnavailable Reason = "session data unavailable"
	ReasonSessionLocked      Reason = "session locked"
	ReasonTransportFailure   Reason = "transport failure"
	ReasonJoinInProgress     Reason = "join in progress"
	ReasonCancelled          Reason = "cancelled"
)

type JoinResult struct {
	OK     bool
	Reason Reason
	Err    error
}

// Calibration is wired after construction, once whatever depends on the manager exists.
type Calibration interface {
	SessionStarted(sessionID string, isHost bool)
	SessionEnded(sessionID string)
}

type Dependencies struct {
	Gateway transport.Gateway
	Scene   asset.Scene
	Backend database.Backend
	Exec    scheduler.Executor
}

type Options struct {
	JoinTimeout       time.Duration
	StopTimeout       time.Duration
	KeepAliveInterval time.Duration
	Timing            capability.Timing
	// Background runs snapshot encoding and store calls off the loop. Defaults to a goroutine.
	Background func(fn func())
}

func DefaultOptions() Options {
	return Options{
		JoinTimeout:       30 * time.Second,
		StopTimeout:       15 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		Timing:            capability.DefaultTiming(),
	}
}

func OptionsFromConfig(cfg config.SessionConfig) Options {
	opts := DefaultOptions()
	opts.JoinTimeout = config.Duration(cfg.JoinTimeout, opts.JoinTimeout)
	opts.StopTimeout = config.Duration(cfg.StopTimeout, opts.StopTimeout)
	opts.KeepAliveInterval = config.Duration(cfg.KeepAliveInterval, opts.KeepAliveInterval)
	opts.Timing.TransferTimeout = config.Duration(cfg.TransferTimeout, opts.Timing.TransferTimeout)
	opts.Timing.EchoFlagTTL = config.Duration(cfg.EchoFlagTTL, opts.Timing.EchoFlagTTL)
	opts.Timing.ExportInterval = config.Duration(cfg.ExportInterval, opts.Timing.ExportInterval)
	opts.Timing.ExportThrottle = config.Duration(cfg.ExportThrottle, opts.Timing.ExportThrottle)
	return opts
}

// current is the session the participant is in. Loop-owned.
type current struct {
	record *database.Session
	synced bool
}

// joinAttempt is the single in-flight start or join.
type joinAttempt struct {
	cancel    func()
	creating  bool
	createdID string
	cancelled bool
}

type Manager struct {
	gw      transport.Gateway
	scene   asset.Scene
	backend database.Backend
	exec    scheduler.Executor
	opts    Options
	events  *lifecycle.Bus
	caps    *capability.Set
	env     *capability.Env
	subs    event.Group

	// loop-owned
	current       *current
	pendingHost   string
	knownHost     string
	waiting       bool
	stopKeepAlive func()

	mu          sync.Mutex
	state       State
	isHost      bool
	snapshot    *database.Session
	calibration Calibration

	joinMu sync.Mutex
	join   *joinAttempt

	wg sync.WaitGroup
}

func NewManager(deps Dependencies, opts Options) *Manager {
	m := &Manager{
		gw:      deps.Gateway,
		scene:   deps.Scene,
		backend: deps.Backend,
		exec:    deps.Exec,
		opts:    opts,
		events:  lifecycle.NewBus(),
		caps:    capability.NewSet(),
	}
	m.env = &capability.Env{
		Gateway:    deps.Gateway,
		Scene:      deps.Scene,
		Store:      deps.Backend,
		Exec:       deps.Exec,
		Timing:     opts.Timing,
		Notify:     m.notify,
		Background: opts.Background,
	}

	// Subscribed before any capability so role swaps happen ahead of protocol handlers.
	rooms := m.gw.RoomEvents()
	messages := m.gw.Messages()
	m.subs.Add(
		rooms.Subscribe(transport.Joined, m.onRoomChanged),
		rooms.Subscribe(transport.MemberJoined, m.onRoomChanged),
		rooms.Subscribe(transport.MasterChanged, m.onRoomChanged),
		rooms.Subscribe(transport.PropertiesChanged, m.onRoomChanged),
		rooms.Subscribe(transport.MemberLeft, m.onMemberLeft),
		rooms.Subscribe(transport.Left, m.onLeft),
		messages.Subscribe(protocol.PromoteToHost, m.onPromoteToHost),
		messages.Subscribe(protocol.HostClosedSession, m.onHostClosedSession),
		messages.Subscribe(protocol.SessionRenamed, m.onSessionNotice),
		messages.Subscribe(protocol.SessionSaved, m.onSessionNotice),
		messages.Subscribe(protocol.SessionLocked, m.onSessionNotice),
		messages.Subscribe(protocol.UserKicked, m.onUserKicked),
	)
	return m
}

// BindCalibration wires the late-bound calibration collaborator.
func (m *Manager) BindCalibration(c Calibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibration = c
}

func (m *Manager) Events() *lifecycle.Bus {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// Session returns a copy of the current session record, or nil.
func (m *Manager) Session() *database.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Clone()
}

// Capabilities lists the active capability kinds. Must run on the loop.
func (m *Manager) Capabilities() []capability.Kind {
	return m.caps.Kinds()
}

// Wait blocks until background leaves started by remote notifications are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close detaches the manager from the gateway. Must run on the loop.
func (m *Manager) Close() {
	m.subs.Close()
	m.caps.RemoveAll()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		logger.DebugF("[%s] session state %s -> %s", m.gw.Local().UserID, prev, s)
	}
}

func (m *Manager) setHost(isHost bool) {
	m.mu.Lock()
	m.isHost = isHost
	m.mu.Unlock()
}

func (m *Manager) setRecord(record *database.Session) {
	if m.current != nil {
		m.current.record = record
	}
	m.mu.Lock()
	m.snapshot = record.Clone()
	m.mu.Unlock()
	if record != nil {
		m.env.SessionID = record.ID
		m.env.OwnerID = record.OwnerID
	}
}

func (m *Manager) calibrationTarget() Calibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calibration
}

func (m *Manager) notify(n lifecycle.Notice) {
	if n.SessionID == "" && m.current != nil && m.current.record != nil {
		n.SessionID = m.current.record.ID
	}
	m.events.Publish(n.Kind, n)
}

func (m *Manager) goAsync(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func observe(operation string, start time.Time, err *error) {
	var e error
	if err != nil {
		e = *err
	}
	metrics.RecordSessionOperation(operation, time.Since(start), e)
}

// cleanUp resets the participant to Idle. It is safe to call any number of times; only the
// first call after leaving a session notifies listeners. Must run on the loop.
func (m *Manager) cleanUp(leaving bool, reason string) {
	m.joinMu.Lock()
	if m.join != nil {
		m.join.cancel()
		m.join = nil
	}
	m.joinMu.Unlock()
	m.resetLocal(leaving, reason)
	m.setState(Idle)
}

// resetLocal drops every piece of session state except the join guard.
func (m *Manager) resetLocal(leaving bool, reason string) {
	m.caps.RemoveAll()
	if m.scene.Loaded() {
		m.scene.Unload()
	}
	if m.stopKeepAlive != nil {
		m.stopKeepAlive()
		m.stopKeepAlive = nil
	}

	var sessionID string
	wasActive := m.current != nil
	if wasActive && m.current.record != nil {
		sessionID = m.current.record.ID
	}
	m.current = nil
	m.pendingHost = ""
	m.knownHost = ""
	m.waiting = false
	m.setHost(false)
	m.setRecord(nil)
	m.env.SessionID = ""
	m.env.OwnerID = ""

	if !leaving || !wasActive {
		return
	}
	logger.InfoF("[%s] left session %s (%s)", m.gw.Local().UserID, sessionID, reason)
	if c := m.calibrationTarget(); c != nil {
		c.SessionEnded(sessionID)
	}
	m.notify(lifecycle.Notice{Kind: lifecycle.LeftSession, SessionID: sessionID, Reason: reason})
}

func (m *Manager) storeTimeout() time.Duration {
	if m.opts.Timing.StoreTimeout > 0 {
		return m.opts.Timing.StoreTimeout
	}
	return settleTimeout
}

func (m *Manager) startKeepAlive() {
	interval := m.opts.KeepAliveInterval
	if interval <= 0 || m.stopKeepAlive != nil {
		return
	}
	var tick func()
	tick = func() {
		if m.current == nil {
			return
		}
		m.goAsync(func() {
			ctx, cancel := contextWithTimeout(interval)
			defer cancel()
			if err := m.gw.Ping(ctx); err != nil {
				logger.WarnF("[%s] keep-alive ping failed: %v", m.gw.Local().UserID, err)
			}
		})
		m.stopKeepAlive = m.exec.After(interval, tick)
	}
	m.stopKeepAlive = m.exec.After(interval, tick)
}
