package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/capability"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

const settleTimeout = 10 * time.Second

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// settle runs fn on the loop even when the caller's context is already done.
func (m *Manager) settle(fn func()) {
	ctx, cancel := contextWithTimeout(settleTimeout)
	defer cancel()
	if err := scheduler.Call(ctx, m.exec, fn); err != nil {
		logger.ErrorF("[%s] session cleanup did not run: %v", m.gw.Local().UserID, err)
	}
}

type acquireFunc func(ctx context.Context) (record *database.Session, created bool, err error)

// StartSession opens an existing session as its host. It must not be called from the loop.
func (m *Manager) StartSession(ctx context.Context, sessionID string) (record *database.Session, err error) {
	defer observe("start", time.Now(), &err)
	return m.start(ctx, func(ctx context.Context) (*database.Session, bool, error) {
		record, err := m.backend.FetchSession(ctx, sessionID)
		return record, false, err
	})
}

// StartAdHocSession creates a new session for sceneRef and hosts it.
func (m *Manager) StartAdHocSession(ctx context.Context, name, sceneRef string) (record *database.Session, err error) {
	defer observe("start_ad_hoc", time.Now(), &err)
	return m.start(ctx, func(ctx context.Context) (*database.Session, bool, error) {
		if name == "" {
			name = "Session " + time.Now().Format(time.DateTime)
		}
		record, err := m.backend.CreateSession(ctx, database.NewSession{Name: name, OwnerID: m.gw.Local().UserID, SceneRef: sceneRef})
		return record, err == nil, err
	})
}

// StartSessionFromPlan creates a session from a saved plan and hosts it.
func (m *Manager) StartSessionFromPlan(ctx context.Context, planID string) (record *database.Session, err error) {
	defer observe("start_from_plan", time.Now(), &err)
	return m.start(ctx, func(ctx context.Context) (*database.Session, bool, error) {
		record, err := m.backend.CreateSessionFromPlan(ctx, planID, m.gw.Local().UserID)
		return record, err == nil, err
	})
}

func (m *Manager) start(ctx context.Context, acquire acquireFunc) (*database.Session, error) {
	joinCtx, attempt, err := m.beginJoin(ctx, true)
	if err != nil {
		logger.InfoF("[%s] ignoring start: %v", m.gw.Local().UserID, err)
		return nil, err
	}
	record, err := m.establish(joinCtx, attempt, acquire)
	if err != nil {
		m.abortJoin(attempt)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.ErrorF("[%s] start session failed: %v", m.gw.Local().UserID, err)
		return nil, err
	}
	m.finishJoin(attempt)
	return record, nil
}

func (m *Manager) establish(ctx context.Context, attempt *joinAttempt, acquire acquireFunc) (*database.Session, error) {
	if err := m.leavePrevious(ctx); err != nil {
		return nil, err
	}
	record, created, err := acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	if created && m.recordCreated(attempt, record.ID) {
		return nil, context.Canceled
	}
	if record.Status == database.StatusEnded || record.Status == database.StatusInvalid {
		return nil, fmt.Errorf("session %s: %w", record.ID, ErrSessionEnded)
	}
	if err := m.loadScene(ctx, record); err != nil {
		return nil, err
	}
	if err := scheduler.Call(ctx, m.exec, func() {
		m.current = &current{}
		m.setRecord(record)
	}); err != nil {
		return nil, err
	}

	err = m.gw.CreateRoom(ctx, record.ID, m.roomProperties(record))
	if errors.Is(err, transport.ErrRoomExists) {
		err = m.gw.JoinRoom(ctx, record.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("open room %s: %w", record.ID, err)
	}
	if record, err = m.markInProgress(ctx, record); err != nil {
		return nil, err
	}
	if err := m.activate(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// JoinSession joins a session someone else started. The creator of the session re-enters or
// reopens its room; everyone else waits in the lobby until the room exists.
func (m *Manager) JoinSession(ctx context.Context, sessionID string) (result JoinResult) {
	start := time.Now()
	defer func() { observe("join", start, &result.Err) }()

	joinCtx, attempt, err := m.beginJoin(ctx, false)
	if err != nil {
		return JoinResult{Reason: ReasonJoinInProgress, Err: err}
	}
	result = m.joinExisting(joinCtx, attempt, sessionID)
	if result.OK {
		m.finishJoin(attempt)
		return result
	}
	cancelled := errors.Is(joinCtx.Err(), context.Canceled)
	if m.abortJoin(attempt) || cancelled {
		result.Reason = ReasonCancelled
	}
	logger.WarnF("[%s] join %s failed: %s: %v", m.gw.Local().UserID, sessionID, result.Reason, result.Err)
	return result
}

func fail(reason Reason, err error) JoinResult {
	return JoinResult{Reason: reason, Err: err}
}

func (m *Manager) joinExisting(ctx context.Context, attempt *joinAttempt, sessionID string) JoinResult {
	if err := m.leavePrevious(ctx); err != nil {
		return fail(ReasonTransportFailure, err)
	}
	record, err := m.backend.FetchSession(ctx, sessionID)
	if err != nil {
		return fail(ReasonSessionUnavailable, err)
	}
	if record.Status == database.StatusEnded || record.Status == database.StatusInvalid {
		return fail(ReasonSessionUnavailable, ErrSessionEnded)
	}
	isCreator := record.OwnerID == m.gw.Local().UserID
	if record.Locked && !isCreator {
		return fail(ReasonSessionLocked, nil)
	}
	if err := m.loadScene(ctx, record); err != nil {
		return fail(ReasonSessionUnavailable, err)
	}
	if err := scheduler.Call(ctx, m.exec, func() {
		m.current = &current{}
		m.setRecord(record)
	}); err != nil {
		return fail(ReasonCancelled, err)
	}

	if isCreator {
		err = m.gw.JoinRoom(ctx, record.ID)
		if errors.Is(err, transport.ErrRoomNotFound) {
			err = m.gw.CreateRoom(ctx, record.ID, m.roomProperties(record))
			if err == nil {
				record, err = m.markInProgress(ctx, record)
			}
		}
	} else {
		logger.InfoF("[%s] waiting in the lobby for %s", m.gw.Local().UserID, record.ID)
		if err = m.gw.WaitForRoom(ctx, record.ID); err == nil {
			err = m.gw.JoinRoom(ctx, record.ID)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrRoomNotFound):
		return fail(ReasonSessionUnavailable, err)
	default:
		return fail(ReasonTransportFailure, err)
	}

	locked, err := scheduler.CallValue(ctx, m.exec, func() bool {
		state, _ := m.gw.Room()
		return state.Properties[protocol.PropLocked] == "true"
	})
	if err != nil {
		return fail(ReasonTransportFailure, err)
	}
	if locked && !isCreator {
		return fail(ReasonSessionLocked, nil)
	}
	if err := m.activate(ctx, record); err != nil {
		return fail(ReasonTransportFailure, err)
	}
	return JoinResult{OK: true}
}

// CancelJoiningSession aborts the in-flight start or join. A session record created by that
// attempt is marked ended. Safe to call from any goroutine.
func (m *Manager) CancelJoiningSession(reason string) bool {
	m.joinMu.Lock()
	attempt := m.join
	if attempt == nil {
		m.joinMu.Unlock()
		return false
	}
	attempt.cancelled = true
	createdID := attempt.createdID
	attempt.createdID = ""
	m.join = nil
	m.joinMu.Unlock()

	attempt.cancel()
	if createdID != "" {
		m.goAsync(func() { m.unwind(createdID) })
	}
	logger.InfoF("[%s] join cancelled (creating=%t): %s", m.gw.Local().UserID, attempt.creating, reason)
	m.exec.Post(func() {
		m.joinMu.Lock()
		replaced := m.join != nil
		m.joinMu.Unlock()
		if !replaced {
			m.resetLocal(false, "")
			m.setState(Idle)
		}
		m.notify(lifecycle.Notice{Kind: lifecycle.JoinCancelled, Reason: reason})
	})
	return true
}

func (m *Manager) beginJoin(ctx context.Context, creating bool) (context.Context, *joinAttempt, error) {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()
	if m.join != nil {
		return nil, nil, ErrJoinInFlight
	}
	var joinCtx context.Context
	var cancel context.CancelFunc
	if m.opts.JoinTimeout > 0 {
		joinCtx, cancel = context.WithTimeout(ctx, m.opts.JoinTimeout)
	} else {
		joinCtx, cancel = context.WithCancel(ctx)
	}
	m.join = &joinAttempt{cancel: cancel, creating: creating}
	m.setState(JoiningOrCreating)
	return joinCtx, m.join, nil
}

// recordCreated remembers the record an attempt created and reports whether the attempt was
// cancelled meanwhile, in which case the record is unwound right away.
func (m *Manager) recordCreated(attempt *joinAttempt, id string) bool {
	m.joinMu.Lock()
	cancelled := attempt.cancelled
	if !cancelled {
		attempt.createdID = id
	}
	m.joinMu.Unlock()
	if cancelled {
		m.unwind(id)
	}
	return cancelled
}

func (m *Manager) finishJoin(attempt *joinAttempt) {
	m.joinMu.Lock()
	if m.join == attempt {
		m.join = nil
	}
	m.joinMu.Unlock()
	attempt.cancel()
}

// abortJoin undoes a failed attempt and reports whether it had been cancelled.
func (m *Manager) abortJoin(attempt *joinAttempt) bool {
	m.joinMu.Lock()
	cancelled := attempt.cancelled
	createdID := attempt.createdID
	attempt.createdID = ""
	if m.join == attempt {
		m.join = nil
	}
	m.joinMu.Unlock()
	attempt.cancel()

	ctx, cancel := contextWithTimeout(settleTimeout)
	defer cancel()
	if err := m.gw.LeaveRoom(ctx); err != nil && !errors.Is(err, transport.ErrNotInRoom) {
		logger.WarnF("[%s] leave room after failed join: %v", m.gw.Local().UserID, err)
	}
	if createdID != "" {
		m.unwind(createdID)
	}
	if !cancelled {
		m.settle(func() {
			m.resetLocal(false, "")
			m.setState(Idle)
		})
	}
	return cancelled
}

// unwind ends a session record left behind by an aborted start.
func (m *Manager) unwind(id string) {
	ctx, cancel := contextWithTimeout(m.storeTimeout())
	defer cancel()
	if _, err := m.backend.PatchSession(ctx, id, database.StatusPatch(database.StatusEnded)); err != nil {
		logger.WarnF("[%s] unwind session %s: %v", m.gw.Local().UserID, id, err)
		return
	}
	logger.InfoF("[%s] ended abandoned session %s", m.gw.Local().UserID, id)
}

// leavePrevious drops whatever session the participant was still in.
func (m *Manager) leavePrevious(ctx context.Context) error {
	inRoom, err := scheduler.CallValue(ctx, m.exec, func() bool {
		_, ok := m.gw.Room()
		return ok
	})
	if err != nil {
		return err
	}
	if inRoom {
		if err := m.gw.LeaveRoom(ctx); err != nil && !errors.Is(err, transport.ErrNotInRoom) {
			logger.WarnF("[%s] leave previous room: %v", m.gw.Local().UserID, err)
		}
	}
	return scheduler.Call(ctx, m.exec, func() { m.resetLocal(true, "replaced") })
}

func (m *Manager) loadScene(ctx context.Context, record *database.Session) error {
	if err := m.scene.Load(ctx, record.SceneRef); err != nil {
		return fmt.Errorf("load scene %s: %w", record.SceneRef, err)
	}
	if len(record.Content) == 0 {
		return nil
	}
	var snapshot asset.Snapshot
	if err := codec.Unpack(record.Content, &snapshot); err != nil {
		return fmt.Errorf("saved content of %s: %w", record.ID, err)
	}
	m.scene.ReloadFromSnapshot(snapshot)
	return nil
}

func (m *Manager) roomProperties(record *database.Session) transport.Properties {
	local := m.gw.Local()
	props := transport.Properties{
		protocol.PropHost:        local.UserID,
		protocol.PropHostName:    local.UserName,
		protocol.PropEphemeral:   uuid.NewString(),
		protocol.PropSessionID:   record.ID,
		protocol.PropSessionName: record.Name,
		protocol.PropStage:       m.scene.Stage(),
	}
	if record.Locked {
		props[protocol.PropLocked] = strconv.FormatBool(true)
	}
	return props
}

func (m *Manager) markInProgress(ctx context.Context, record *database.Session) (*database.Session, error) {
	if record.Status == database.StatusInProgress {
		return record, nil
	}
	updated, err := m.backend.PatchSession(ctx, record.ID, database.StatusPatch(database.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("mark %s in progress: %w", record.ID, err)
	}
	return updated, nil
}

// activate finishes a start or join on the loop.
func (m *Manager) activate(ctx context.Context, record *database.Session) error {
	var activateErr error
	err := scheduler.Call(ctx, m.exec, func() {
		if err := ctx.Err(); err != nil {
			activateErr = err
			return
		}
		if _, ok := m.gw.Room(); !ok || m.current == nil {
			activateErr = transport.ErrNotInRoom
			return
		}
		m.setRecord(record)
		m.setState(Active)
		m.reconcile()
		m.startKeepAlive()

		local := m.gw.Local()
		isHost := m.caps.Has(capability.KindHost)
		m.goAsync(func() { m.updateAttendance(record.ID, local, database.AttendanceJoined) })
		if c := m.calibrationTarget(); c != nil {
			c.SessionStarted(record.ID, isHost)
		}
		logger.InfoF("[%s] joined session %s as %s", local.UserID, record.ID, roleName(isHost))
		m.notify(lifecycle.Notice{Kind: lifecycle.JoinedSession, SessionID: record.ID, UserID: local.UserID, UserName: local.UserName, IsHost: isHost})
	})
	if err != nil {
		return err
	}
	return activateErr
}

// updateAttendance is best effort.
func (m *Manager) updateAttendance(sessionID string, member transport.Member, status database.AttendanceStatus) {
	ctx, cancel := contextWithTimeout(m.storeTimeout())
	defer cancel()
	if err := m.backend.UpdateAttendance(ctx, sessionID, member.UserID, member.UserName, status); err != nil {
		logger.WarnF("[%s] attendance %s for %s: %v", m.gw.Local().UserID, status, member.UserID, err)
	}
}

func roleName(isHost bool) string {
	if isHost {
		return "host"
	}
	return "client"
}
