package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/capability"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/database"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

// reasonCopied tags the notice for a scene saved as a new session.
const reasonCopied = "SessionCopied"

// onLoop runs fn on the loop and returns its error.
func (m *Manager) onLoop(ctx context.Context, fn func() error) error {
	var result error
	if err := scheduler.Call(ctx, m.exec, func() { result = fn() }); err != nil {
		return err
	}
	return result
}

func (m *Manager) hostCapability() (*capability.Host, error) {
	if m.current == nil {
		return nil, ErrNotInSession
	}
	h, ok := capability.Lookup[*capability.Host](m.caps, capability.KindHost)
	if !ok {
		return nil, ErrNotHost
	}
	return h, nil
}

// hostView is what the authoritative mutations need from the loop.
type hostView struct {
	record   *database.Session
	local    transport.Member
	members  []transport.Member
	snapshot asset.Snapshot
}

func (m *Manager) viewAsHost(ctx context.Context, withSnapshot bool) (hostView, error) {
	var view hostView
	err := m.onLoop(ctx, func() error {
		if _, err := m.hostCapability(); err != nil {
			return err
		}
		view.record = m.current.record.Clone()
		view.local = m.gw.Local()
		if state, ok := m.gw.Room(); ok {
			view.members = state.Members
		}
		if withSnapshot {
			view.snapshot = m.scene.Export()
		}
		return nil
	})
	return view, err
}

func (m *Manager) send(code transport.EventCode, v any, to transport.Target) {
	if err := protocol.Send(m.gw, code, v, to); err != nil {
		logger.WarnF("[%s] %v", m.gw.Local().UserID, err)
	}
}

// updateRecord stores a fresh backend record if it still belongs to the current session.
func (m *Manager) updateRecord(record *database.Session, reason string) {
	if m.current == nil || m.current.record == nil || m.current.record.ID != record.ID {
		return
	}
	m.setRecord(record)
	m.notify(lifecycle.Notice{Kind: lifecycle.SessionUpdated, Reason: reason})
}

// LeaveSession marks the participant attended and leaves the room. Local cleanup happens
// even when leaving the room fails.
func (m *Manager) LeaveSession(ctx context.Context) (err error) {
	defer observe("leave", time.Now(), &err)
	return m.leave(ctx, true, "left")
}

func (m *Manager) leave(ctx context.Context, markAttended bool, reason string) error {
	var sessionID string
	var local transport.Member
	err := m.onLoop(ctx, func() error {
		if m.current == nil || m.current.record == nil || m.State() != Active {
			return ErrNotInSession
		}
		sessionID = m.current.record.ID
		local = m.gw.Local()
		m.setState(Leaving)
		return nil
	})
	if err != nil {
		return err
	}
	if markAttended {
		m.updateAttendance(sessionID, local, database.AttendanceAttended)
	}
	var leaveErr error
	if err := m.gw.LeaveRoom(ctx); err != nil && !errors.Is(err, transport.ErrNotInRoom) {
		logger.WarnF("[%s] leave room %s: %v", local.UserID, sessionID, err)
		leaveErr = err
	}
	m.settle(func() { m.cleanUp(true, reason) })
	return leaveErr
}

// StopSession ends the session for everyone. Participants are marked attended and told to
// leave; the room is closed once they are gone or the stop timeout passes.
func (m *Manager) StopSession(ctx context.Context) (err error) {
	defer observe("stop", time.Now(), &err)
	view, err := m.viewAsHost(ctx, false)
	if err != nil {
		return err
	}
	if err := m.onLoop(ctx, func() error {
		m.setState(Leaving)
		return nil
	}); err != nil {
		return err
	}
	sessionID := view.record.ID
	logger.InfoF("[%s] stopping session %s with %d participants", view.local.UserID, sessionID, len(view.members))

	for _, member := range view.members {
		m.updateAttendance(sessionID, member, database.AttendanceAttended)
	}
	var errs []error
	if err := m.onLoop(ctx, func() error {
		return protocol.Send(m.gw, protocol.HostClosedSession, protocol.SessionNotice{SessionID: sessionID}, transport.ToOthers)
	}); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.backend.PatchSession(ctx, sessionID, database.StatusPatch(database.StatusEnded)); err != nil {
		logger.WarnF("[%s] end session %s: %v", view.local.UserID, sessionID, err)
		errs = append(errs, fmt.Errorf("end session: %w", err))
	}
	m.waitForOthers(ctx)
	if err := m.gw.CloseRoom(ctx); err != nil && !errors.Is(err, transport.ErrNotInRoom) {
		logger.WarnF("[%s] close room %s: %v", view.local.UserID, sessionID, err)
		errs = append(errs, fmt.Errorf("close room: %w", err))
	}
	m.settle(func() { m.cleanUp(true, "stopped") })
	return errors.Join(errs...)
}

// waitForOthers returns once the local participant is alone in the room, the stop timeout
// passed, or ctx is done.
func (m *Manager) waitForOthers(ctx context.Context) {
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	var sub *event.Subscription
	var cancelTimer func()
	err := scheduler.Call(ctx, m.exec, func() {
		check := func() {
			state, ok := m.gw.Room()
			if !ok || len(state.Members) <= 1 {
				finish()
			}
		}
		sub = m.gw.RoomEvents().Subscribe(transport.MemberLeft, func(transport.RoomEvent) { check() })
		if m.opts.StopTimeout > 0 {
			cancelTimer = m.exec.After(m.opts.StopTimeout, func() {
				logger.WarnF("[%s] participants did not leave in %s, closing anyway", m.gw.Local().UserID, m.opts.StopTimeout)
				finish()
			})
		}
		check()
	})
	if err == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	m.settle(func() {
		sub.Unsubscribe()
		if cancelTimer != nil {
			cancelTimer()
		}
	})
}

func (m *Manager) RenameSession(ctx context.Context, name string) (err error) {
	defer observe("rename", time.Now(), &err)
	if name == "" {
		return errors.New("session name is empty")
	}
	view, err := m.viewAsHost(ctx, false)
	if err != nil {
		return err
	}
	updated, err := m.backend.PatchSession(ctx, view.record.ID, database.SessionPatch{Name: &name})
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return m.onLoop(ctx, func() error {
		if err := m.gw.SetRoomProperties(transport.Properties{protocol.PropSessionName: name}); err != nil {
			logger.WarnF("[%s] record session name: %v", view.local.UserID, err)
		}
		m.send(protocol.SessionRenamed, protocol.SessionNotice{SessionID: updated.ID, Name: name}, transport.ToOthers)
		m.updateRecord(updated, protocol.Name(protocol.SessionRenamed))
		return nil
	})
}

// SaveSession stores the current scene with the session record.
func (m *Manager) SaveSession(ctx context.Context) (err error) {
	defer observe("save", time.Now(), &err)
	view, err := m.viewAsHost(ctx, true)
	if err != nil {
		return err
	}
	content, err := codec.Pack(view.snapshot)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	saved := true
	updated, err := m.backend.PatchSession(ctx, view.record.ID, database.SessionPatch{Saved: &saved, Content: content})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return m.onLoop(ctx, func() error {
		if creator, ok := capability.Lookup[*capability.Creator](m.caps, capability.KindCreator); ok {
			creator.MarkSaved()
		}
		m.send(protocol.SessionSaved, protocol.SessionNotice{SessionID: updated.ID}, transport.ToOthers)
		m.updateRecord(updated, protocol.Name(protocol.SessionSaved))
		return nil
	})
}

// SaveSessionCopy stores the current scene as a new session owned by the caller.
func (m *Manager) SaveSessionCopy(ctx context.Context, name string) (record *database.Session, err error) {
	defer observe("save_copy", time.Now(), &err)
	view, err := m.viewAsHost(ctx, true)
	if err != nil {
		return nil, err
	}
	content, err := codec.Pack(view.snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode scene: %w", err)
	}
	if name == "" {
		name = view.record.Name + " (copy)"
	}
	record, err = m.backend.CreateSession(ctx, database.NewSession{
		Name:     name,
		OwnerID:  view.local.UserID,
		SceneRef: view.record.SceneRef,
		PlanID:   view.record.PlanID,
		Content:  content,
	})
	if err != nil {
		return nil, fmt.Errorf("save session copy: %w", err)
	}
	logger.InfoF("[%s] saved %s as %s", view.local.UserID, view.record.ID, record.ID)
	if err := m.onLoop(ctx, func() error {
		m.send(protocol.SessionSaved, protocol.SessionNotice{SessionID: view.record.ID, Name: record.Name, CopyID: record.ID}, transport.ToOthers)
		m.notify(lifecycle.Notice{Kind: lifecycle.SessionUpdated, Reason: reasonCopied})
		return nil
	}); err != nil {
		logger.WarnF("[%s] announce copy %s: %v", view.local.UserID, record.ID, err)
	}
	return record, nil
}

// KickUser records the user as kicked and tells the room.
func (m *Manager) KickUser(ctx context.Context, userID string) (err error) {
	defer observe("kick", time.Now(), &err)
	view, err := m.viewAsHost(ctx, false)
	if err != nil {
		return err
	}
	if userID == view.local.UserID {
		return fmt.Errorf("kick %s: cannot kick yourself", userID)
	}
	var target transport.Member
	for _, member := range view.members {
		if member.UserID == userID {
			target = member
		}
	}
	if target.UserID == "" {
		return fmt.Errorf("kick %s: %w", userID, ErrUnknownUser)
	}
	if err := m.backend.UpdateAttendance(ctx, view.record.ID, target.UserID, target.UserName, database.AttendanceKicked); err != nil {
		return fmt.Errorf("kick %s: %w", userID, err)
	}
	return m.onLoop(ctx, func() error {
		m.send(protocol.UserKicked, protocol.SessionNotice{SessionID: view.record.ID, UserID: userID}, transport.ToAll)
		return nil
	})
}

// SetSessionLocked locks or unlocks the session for new joiners other than its owner.
func (m *Manager) SetSessionLocked(ctx context.Context, locked bool) (err error) {
	defer observe("lock", time.Now(), &err)
	view, err := m.viewAsHost(ctx, false)
	if err != nil {
		return err
	}
	updated, err := m.backend.PatchSession(ctx, view.record.ID, database.SessionPatch{Locked: &locked})
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	return m.onLoop(ctx, func() error {
		value := ""
		if locked {
			value = strconv.FormatBool(true)
		}
		if err := m.gw.SetRoomProperties(transport.Properties{protocol.PropLocked: value}); err != nil {
			logger.WarnF("[%s] record lock: %v", view.local.UserID, err)
		}
		m.send(protocol.SessionLocked, protocol.SessionNotice{SessionID: updated.ID, Locked: locked}, transport.ToOthers)
		m.updateRecord(updated, protocol.Name(protocol.SessionLocked))
		return nil
	})
}

// RequestUserToHost offers the host role to userID. It reports false when a request is
// already in flight and restart is not set.
func (m *Manager) RequestUserToHost(ctx context.Context, userID string, restart bool) (bool, error) {
	var sent bool
	err := m.onLoop(ctx, func() error {
		h, err := m.hostCapability()
		if err != nil {
			return err
		}
		state, _ := m.gw.Room()
		target, ok := state.MemberByUser(userID)
		if !ok {
			return fmt.Errorf("request %s to host: %w", userID, ErrUnknownUser)
		}
		sent, err = h.RequestUserToHost(target.Actor, restart)
		return err
	})
	return sent, err
}

func (m *Manager) CancelHostRequest(ctx context.Context) (bool, error) {
	var cancelled bool
	err := m.onLoop(ctx, func() error {
		h, err := m.hostCapability()
		if err != nil {
			return err
		}
		cancelled = h.CancelTransfer()
		return nil
	})
	return cancelled, err
}

// RespondToHostRequest answers the host's offer shown to this participant.
func (m *Manager) RespondToHostRequest(ctx context.Context, accept bool) error {
	return m.onLoop(ctx, func() error {
		if m.current == nil {
			return ErrNotInSession
		}
		c, ok := m.client()
		if !ok {
			return ErrNotClient
		}
		return c.RespondToHostRequest(accept)
	})
}

// ReclaimHost lets the session owner take the host role back.
func (m *Manager) ReclaimHost(ctx context.Context) error {
	return m.onLoop(ctx, func() error {
		if m.current == nil {
			return ErrNotInSession
		}
		if !m.caps.Has(capability.KindCreator) {
			return ErrNotOwner
		}
		if m.caps.Has(capability.KindHost) {
			return nil
		}
		local := m.gw.Local()
		m.send(protocol.PromoteToHost, protocol.Promotion{UserID: local.UserID}, transport.ToAll)
		return nil
	})
}

// PromoteUser makes userID the host. The host may always promote; the owner may while the
// session waits for a host.
func (m *Manager) PromoteUser(ctx context.Context, userID string) error {
	return m.onLoop(ctx, func() error {
		if m.current == nil {
			return ErrNotInSession
		}
		isHost := m.caps.Has(capability.KindHost)
		if !isHost && !(m.waiting && m.caps.Has(capability.KindCreator)) {
			return ErrNotHost
		}
		state, _ := m.gw.Room()
		if _, ok := state.MemberByUser(userID); !ok {
			return fmt.Errorf("promote %s: %w", userID, ErrUnknownUser)
		}
		if isHost && userID == m.gw.Local().UserID {
			return nil
		}
		m.send(protocol.PromoteToHost, protocol.Promotion{UserID: userID}, transport.ToAll)
		return nil
	})
}

// RequestStage switches the stage as host, or asks the host to.
func (m *Manager) RequestStage(ctx context.Context, stage string) error {
	return m.onLoop(ctx, func() error {
		if m.current == nil {
			return ErrNotInSession
		}
		if h, err := m.hostCapability(); err == nil {
			return h.ChangeStage(stage)
		}
		c, ok := m.client()
		if !ok {
			return ErrNotInSession
		}
		c.RequestStage(stage)
		return nil
	})
}

func (m *Manager) SetScenarioStatus(ctx context.Context, pathway, playMode string, status protocol.ScenarioStatus) (protocol.Scenario, error) {
	var scenario protocol.Scenario
	err := m.onLoop(ctx, func() error {
		h, err := m.hostCapability()
		if err != nil {
			return err
		}
		scenario, err = h.SetScenarioStatus(pathway, playMode, status)
		return err
	})
	return scenario, err
}
