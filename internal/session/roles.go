package session

import (
	"strconv"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/capability"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

func (m *Manager) onRoomChanged(evt transport.RoomEvent) {
	if evt.Kind == transport.PropertiesChanged {
		m.mirrorRoomProperties(evt.Changed)
	}
	m.reconcile()
}

func (m *Manager) onMemberLeft(evt transport.RoomEvent) {
	if m.pendingHost != "" && evt.Member.UserID == m.pendingHost {
		logger.InfoF("[%s] promoted user %s left before taking over", m.gw.Local().UserID, m.pendingHost)
		m.pendingHost = ""
	}
	m.reconcile()
}

// onLeft handles losing the room while in a session: closed, kicked or disconnected.
func (m *Manager) onLeft(evt transport.RoomEvent) {
	if m.current == nil || m.State() != Active {
		return
	}
	reason := evt.Reason
	if reason == "" {
		reason = "left"
	}
	m.cleanUp(true, reason)
}

// reconcile derives the local role from the room. The expected host is the user being
// promoted, else the recorded host; a master that is not the expected host means the host is
// gone and everyone waits.
func (m *Manager) reconcile() {
	if m.current == nil {
		return
	}
	state, ok := m.gw.Room()
	if !ok {
		return
	}
	recorded := state.Properties[protocol.PropHost]
	if m.pendingHost != "" && recorded == m.pendingHost {
		m.pendingHost = ""
	}
	expected := recorded
	if m.pendingHost != "" {
		expected = m.pendingHost
	}
	local := m.gw.Local()
	master, hasMaster := state.MasterMember()
	genuine := hasMaster && expected != "" && master.UserID == expected

	switch {
	case genuine && master.Actor == local.Actor:
		m.becomeHost(state)
	case genuine:
		m.becomeClient()
		m.leaveWaitingRoom()
	default:
		m.becomeClient()
		m.enterWaitingRoom()
		if hasMaster && master.Actor == local.Actor {
			if target, ok := state.MemberByUser(expected); ok {
				logger.InfoF("[%s] handing authority back to %s", local.UserID, expected)
				if err := m.gw.SetMaster(target.Actor); err != nil {
					logger.WarnF("[%s] hand authority to %s: %v", local.UserID, expected, err)
				}
			}
		}
	}
	if genuine {
		m.observeHost(expected)
	}
	m.ensureCreator()
}

func (m *Manager) becomeHost(state transport.RoomState) {
	local := m.gw.Local()
	if !m.caps.Has(capability.KindHost) {
		host := capability.NewHost(m.env)
		if m.mustAdopt(state) {
			logger.InfoF("[%s] takes over before loading the room state, adopting the last export", local.UserID)
			host = capability.NewAdoptingHost(m.env)
		}
		m.caps.Remove(capability.KindClient)
		if _, err := m.caps.Add(host); err != nil {
			logger.ErrorF("[%s] activate host: %v", local.UserID, err)
			return
		}
		m.current.synced = true
		m.setHost(true)
		logger.InfoF("[%s] is now the host", local.UserID)
		m.notify(lifecycle.Notice{Kind: lifecycle.RoleChanged, UserID: local.UserID, UserName: local.UserName, IsHost: true})
	}
	if state.Properties[protocol.PropHost] != local.UserID {
		props := transport.Properties{protocol.PropHost: local.UserID, protocol.PropHostName: local.UserName}
		if err := m.gw.SetRoomProperties(props); err != nil {
			logger.WarnF("[%s] record host: %v", local.UserID, err)
		}
	}
	var foreign []string
	for _, id := range m.scene.AssetIDs() {
		if state.Owners[id] != local.Actor {
			foreign = append(foreign, id)
		}
	}
	if len(foreign) > 0 {
		if err := m.gw.SetOwner(foreign, local.Actor); err != nil {
			logger.WarnF("[%s] take ownership of %d assets: %v", local.UserID, len(foreign), err)
		}
	}
	m.leaveWaitingRoom()
}

// mustAdopt reports whether the local scene may be behind the room: a participant that never
// finished loading the shared state takes authority over a room with others in it.
func (m *Manager) mustAdopt(state transport.RoomState) bool {
	if c, ok := m.client(); ok {
		return !c.Ready()
	}
	return !m.current.synced && len(state.Members) > 1
}

func (m *Manager) becomeClient() {
	if m.caps.Has(capability.KindClient) {
		return
	}
	local := m.gw.Local()
	wasHost := m.caps.Remove(capability.KindHost)
	needsSync := !wasHost && !m.current.synced
	if _, err := m.caps.Add(capability.NewClient(m.env, needsSync)); err != nil {
		logger.ErrorF("[%s] activate client: %v", local.UserID, err)
		return
	}
	m.current.synced = true
	m.setHost(false)
	if wasHost {
		logger.InfoF("[%s] is no longer the host", local.UserID)
		m.notify(lifecycle.Notice{Kind: lifecycle.RoleChanged, UserID: local.UserID, UserName: local.UserName, IsHost: false})
	}
}

func (m *Manager) client() (*capability.Client, bool) {
	return capability.Lookup[*capability.Client](m.caps, capability.KindClient)
}

func (m *Manager) enterWaitingRoom() {
	if c, ok := m.client(); ok {
		c.Pause()
	}
	if m.waiting {
		return
	}
	m.waiting = true
	logger.InfoF("[%s] host is gone, waiting", m.gw.Local().UserID)
	m.notify(lifecycle.Notice{Kind: lifecycle.EnteredWaitingRoom})
}

func (m *Manager) leaveWaitingRoom() {
	if !m.waiting {
		return
	}
	m.waiting = false
	if c, ok := m.client(); ok {
		c.Resume()
	}
	m.notify(lifecycle.Notice{Kind: lifecycle.LeftWaitingRoom})
}

// Waiting reports the waiting-room sub-state. Must run on the loop.
func (m *Manager) Waiting() bool {
	return m.waiting
}

func (m *Manager) observeHost(userID string) {
	if m.knownHost == userID {
		return
	}
	previous := m.knownHost
	m.knownHost = userID
	if previous == "" {
		return
	}
	state, _ := m.gw.Room()
	member, _ := state.MemberByUser(userID)
	metrics.RecordHostTransfer("completed")
	m.notify(lifecycle.Notice{
		Kind:     lifecycle.HostTransferComplete,
		UserID:   userID,
		UserName: member.UserName,
		IsHost:   userID == m.gw.Local().UserID,
	})
}

func (m *Manager) ensureCreator() {
	if m.current == nil || m.current.record == nil || m.caps.Has(capability.KindCreator) {
		return
	}
	if m.current.record.OwnerID != m.gw.Local().UserID {
		return
	}
	if _, err := m.caps.Add(capability.NewCreator(m.env)); err != nil {
		logger.ErrorF("[%s] activate creator: %v", m.gw.Local().UserID, err)
	}
}

func (m *Manager) onPromoteToHost(msg transport.Message) {
	if m.current == nil {
		return
	}
	promotion, err := protocol.Decode[protocol.Promotion](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad promotion: %v", m.gw.Local().UserID, err)
		return
	}
	state, ok := m.gw.Room()
	if !ok {
		return
	}
	sender := msg.Sender.UserID
	if !m.fromAuthority(msg) {
		logger.WarnF("[%s] ignoring promotion of %s from %s", m.gw.Local().UserID, promotion.UserID, sender)
		return
	}
	target, ok := state.MemberByUser(promotion.UserID)
	if !ok {
		logger.WarnF("[%s] promoted user %s is not in the room", m.gw.Local().UserID, promotion.UserID)
		return
	}
	logger.InfoF("[%s] %s promotes %s to host", m.gw.Local().UserID, sender, promotion.UserID)
	m.pendingHost = promotion.UserID
	switch state.Master {
	case target.Actor:
		m.reconcile()
	case m.gw.Local().Actor:
		if err := m.gw.SetMaster(target.Actor); err != nil {
			logger.WarnF("[%s] hand authority to %s: %v", m.gw.Local().UserID, promotion.UserID, err)
		}
	}
}

// fromAuthority reports whether msg was sent by the recorded host or the session creator.
func (m *Manager) fromAuthority(msg transport.Message) bool {
	state, ok := m.gw.Room()
	if !ok || m.current == nil || m.current.record == nil {
		return false
	}
	sender := msg.Sender.UserID
	return sender != "" && (sender == state.Properties[protocol.PropHost] || sender == m.current.record.OwnerID)
}

func (m *Manager) mirrorRoomProperties(changed transport.Properties) {
	if m.current == nil || m.current.record == nil {
		return
	}
	record := m.current.record.Clone()
	touched := false
	if name, ok := changed[protocol.PropSessionName]; ok && name != "" {
		record.Name = name
		touched = true
	}
	if locked, ok := changed[protocol.PropLocked]; ok {
		record.Locked, _ = strconv.ParseBool(locked)
		touched = true
	}
	if touched {
		m.setRecord(record)
	}
}

func (m *Manager) onHostClosedSession(msg transport.Message) {
	if m.current == nil || m.caps.Has(capability.KindHost) || m.State() != Active {
		return
	}
	if !m.fromAuthority(msg) {
		logger.WarnF("[%s] ignoring session close from %s", m.gw.Local().UserID, msg.Sender.UserID)
		return
	}
	logger.InfoF("[%s] host %s closed the session", m.gw.Local().UserID, msg.Sender.UserID)
	m.notify(lifecycle.Notice{Kind: lifecycle.HostClosedSession, UserID: msg.Sender.UserID, UserName: msg.Sender.UserName})
	m.goAsync(func() {
		ctx, cancel := contextWithTimeout(m.storeTimeout())
		defer cancel()
		if err := m.leave(ctx, true, "host closed the session"); err != nil {
			logger.WarnF("[%s] leave closed session: %v", m.gw.Local().UserID, err)
		}
	})
}

func (m *Manager) onSessionNotice(msg transport.Message) {
	if m.current == nil || m.current.record == nil {
		return
	}
	notice, err := protocol.Decode[protocol.SessionNotice](msg.Payload)
	if err != nil || notice.SessionID != m.current.record.ID {
		return
	}
	if !m.fromAuthority(msg) {
		logger.WarnF("[%s] ignoring %s from %s", m.gw.Local().UserID, protocol.Name(msg.Code), msg.Sender.UserID)
		return
	}
	if notice.CopyID != "" {
		logger.InfoF("[%s] %s saved a copy of the session as %s", m.gw.Local().UserID, msg.Sender.UserID, notice.CopyID)
		m.notify(lifecycle.Notice{Kind: lifecycle.SessionUpdated, UserID: msg.Sender.UserID, UserName: msg.Sender.UserName, Reason: reasonCopied})
		return
	}
	record := m.current.record.Clone()
	switch msg.Code {
	case protocol.SessionRenamed:
		record.Name = notice.Name
	case protocol.SessionLocked:
		record.Locked = notice.Locked
	case protocol.SessionSaved:
		record.Saved = true
	}
	m.setRecord(record)
	m.notify(lifecycle.Notice{Kind: lifecycle.SessionUpdated, Reason: protocol.Name(msg.Code)})
}

func (m *Manager) onUserKicked(msg transport.Message) {
	if m.current == nil {
		return
	}
	notice, err := protocol.Decode[protocol.SessionNotice](msg.Payload)
	if err != nil || notice.UserID != m.gw.Local().UserID {
		return
	}
	if !m.fromAuthority(msg) {
		logger.WarnF("[%s] ignoring kick from %s", m.gw.Local().UserID, msg.Sender.UserID)
		return
	}
	logger.InfoF("[%s] kicked by %s", m.gw.Local().UserID, msg.Sender.UserID)
	m.notify(lifecycle.Notice{Kind: lifecycle.Kicked, UserID: msg.Sender.UserID, UserName: msg.Sender.UserName})
	m.goAsync(func() {
		ctx, cancel := contextWithTimeout(m.storeTimeout())
		defer cancel()
		if err := m.leave(ctx, false, "kicked"); err != nil {
			logger.WarnF("[%s] leave after kick: %v", m.gw.Local().UserID, err)
		}
	})
}
