package capability

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

const recentExports = 8

var (
	ErrTransferToSelf = errors.New("cannot transfer host to self")
	ErrUnknownMember  = errors.New("member is not in the room")
)

type transfer struct {
	inFlight bool
	target   transport.Member
	seq      int
	cancel   func()
}

type export struct {
	digest   string
	snapshot asset.Snapshot
}

// Host arbitrates property writes, owns stage and scenario state, negotiates host handoff and
// keeps the ephemeral snapshot late joiners resync from.
type Host struct {
	env        *Env
	group      event.Group
	active     bool
	transfer   transfer
	stopExport func()
	recent     []export

	// exportHeld is set while the export throttle window is open; exportDirty records a change
	// made during it.
	exportHeld   bool
	exportDirty  bool
	stopThrottle func()

	// A host that adopts the room loads the last export before it serves anyone. Requests
	// arriving meanwhile wait in held and local edits in localEdits.
	adopt      bool
	loading    bool
	loadSeq    int
	held       []transport.Message
	localEdits []asset.PropertyChanged
}

func NewHost(env *Env) *Host {
	return &Host{env: env}
}

// NewAdoptingHost builds a host for a participant taking authority over a room whose state it
// has not loaded yet. It reloads the scene from the room's export before serving requests.
func NewAdoptingHost(env *Env) *Host {
	return &Host{env: env, adopt: true}
}

func (h *Host) Kind() Kind {
	return KindHost
}

func (h *Host) Activate() {
	h.active = true
	messages := h.env.Gateway.Messages()
	events := h.env.Gateway.RoomEvents()
	h.group.Add(
		h.env.Scene.OnPropertyChanged(h.onLocalChange),
		messages.Subscribe(protocol.RequestPropertyUpdate, h.whenLoaded(h.onPropertyRequest)),
		messages.Subscribe(protocol.AcceptHostRequest, h.onAccept),
		messages.Subscribe(protocol.RejectHostRequest, h.onReject),
		messages.Subscribe(protocol.RequestStageChange, h.whenLoaded(h.onStageRequest)),
		messages.Subscribe(protocol.ClientReady, h.whenLoaded(h.onClientReady)),
		events.Subscribe(transport.MemberJoined, h.onMembership),
		events.Subscribe(transport.MemberLeft, h.onMembership),
	)
	if h.adopt {
		h.load()
	} else {
		h.Export()
	}
	h.scheduleExport()
	logger.DebugF("[%s] host capability active, adopt=%t", h.env.local().UserID, h.adopt)
}

func (h *Host) Deactivate() {
	h.active = false
	h.group.Close()
	h.clearTransfer()
	if h.stopExport != nil {
		h.stopExport()
		h.stopExport = nil
	}
	if h.stopThrottle != nil {
		h.stopThrottle()
		h.stopThrottle = nil
	}
	h.exportHeld, h.exportDirty = false, false
	h.loading = false
	h.loadSeq++
	h.held, h.localEdits = nil, nil
	logger.DebugF("[%s] host capability inactive", h.env.local().UserID)
}

func (h *Host) onLocalChange(n asset.PropertyChanged) {
	if h.loading {
		if n.Origin != asset.OriginStageChange {
			h.localEdits = append(h.localEdits, n)
		}
		return
	}
	h.queueExport()
	if n.Origin == asset.OriginStageChange {
		return
	}
	h.env.send(protocol.AssetPropertyUpdate, protocol.PropertyUpdate{
		AssetID:  n.AssetID,
		Property: n.Property,
		Value:    n.Value,
	}, transport.ToOthers)
}

func (h *Host) onPropertyRequest(msg transport.Message) {
	h.env.received(msg)
	req, err := protocol.Decode[protocol.PropertyUpdate](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad property request from %s: %v", h.env.local().UserID, msg.Sender.UserID, err)
		return
	}
	requester := msg.Sender.UserID
	if requester == "" {
		requester = req.UserID
	}

	scene := h.env.Scene
	if asset.CanEdit(scene.Authority(req.AssetID), requester, h.env.local().UserID) {
		err := scene.UpdateAssetProperty(req.AssetID, req.Property, req.Value)
		if err == nil {
			metrics.RecordPropertyRequest(true)
			h.env.send(protocol.ClientPropertyUpdated, protocol.PropertyKey{AssetID: req.AssetID, Property: req.Property}, transport.ToActor(msg.Sender.Actor))
			return
		}
		logger.WarnF("[%s] apply %s.%s for %s failed: %v", h.env.local().UserID, req.AssetID, req.Property, requester, err)
	}

	metrics.RecordPropertyRequest(false)
	current, _ := scene.Property(req.AssetID, req.Property)
	h.env.send(protocol.RejectPropertyUpdate, protocol.PropertyRejection{
		AssetID:   req.AssetID,
		Property:  req.Property,
		Value:     current,
		Requester: msg.Sender.Actor,
	}, transport.ToActor(msg.Sender.Actor))
}

// RequestUserToHost asks target to become host. While a request is in flight further calls
// are ignored and return false, unless restart is set.
func (h *Host) RequestUserToHost(target transport.ActorID, restart bool) (bool, error) {
	if h.transfer.inFlight && !restart {
		logger.InfoF("[%s] host transfer to %s already in flight, ignoring", h.env.local().UserID, h.transfer.target.UserID)
		return false, nil
	}
	local := h.env.local()
	if target == local.Actor {
		return false, ErrTransferToSelf
	}
	state, ok := h.env.Gateway.Room()
	if !ok {
		return false, transport.ErrNotInRoom
	}
	member, ok := state.Member(target)
	if !ok {
		return false, fmt.Errorf("actor %d: %w", target, ErrUnknownMember)
	}
	h.clearTransfer()

	h.env.send(protocol.RequestUserToHost, protocol.HostRequest{Target: target, HostID: local.UserID, HostName: local.UserName}, transport.ToActor(target))
	h.transfer.seq++
	seq := h.transfer.seq
	h.transfer.inFlight = true
	h.transfer.target = member
	h.transfer.cancel = h.env.Exec.After(h.env.Timing.TransferTimeout, func() { h.onTransferTimeout(seq) })

	metrics.RecordHostTransfer("requested")
	h.env.notify(lifecycle.Notice{Kind: lifecycle.HostTransferRequested, UserID: member.UserID, UserName: member.UserName})
	return true, nil
}

// CancelTransfer withdraws the in-flight request, if any.
func (h *Host) CancelTransfer() bool {
	if !h.transfer.inFlight {
		return false
	}
	target := h.transfer.target
	h.clearTransfer()
	h.env.send(protocol.CancelRequestUserToHost, nil, transport.ToActor(target.Actor))
	metrics.RecordHostTransfer("cancelled")
	return true
}

func (h *Host) TransferInFlight() bool {
	return h.transfer.inFlight
}

func (h *Host) TransferTarget() (transport.Member, bool) {
	return h.transfer.target, h.transfer.inFlight
}

func (h *Host) clearTransfer() {
	if h.transfer.cancel != nil {
		h.transfer.cancel()
	}
	h.transfer.inFlight = false
	h.transfer.cancel = nil
	h.transfer.target = transport.Member{}
}

func (h *Host) onAccept(msg transport.Message) {
	h.env.received(msg)
	if !h.transfer.inFlight || msg.Sender.Actor != h.transfer.target.Actor {
		logger.WarnF("[%s] unexpected host acceptance from %s", h.env.local().UserID, msg.Sender.UserID)
		return
	}
	h.clearTransfer()
	metrics.RecordHostTransfer("accepted")
	h.env.send(protocol.PromoteToHost, protocol.Promotion{UserID: msg.Sender.UserID}, transport.ToAll)
}

func (h *Host) onReject(msg transport.Message) {
	h.env.received(msg)
	if !h.transfer.inFlight || msg.Sender.Actor != h.transfer.target.Actor {
		return
	}
	h.clearTransfer()
	metrics.RecordHostTransfer("rejected")
	h.env.notify(lifecycle.Notice{Kind: lifecycle.HostTransferRejected, UserID: msg.Sender.UserID, UserName: msg.Sender.UserName})
}

func (h *Host) onTransferTimeout(seq int) {
	if !h.active || !h.transfer.inFlight || h.transfer.seq != seq {
		return
	}
	target := h.transfer.target
	h.clearTransfer()
	h.env.send(protocol.CancelRequestUserToHost, nil, transport.ToActor(target.Actor))
	metrics.RecordHostTransfer("timed_out")
	h.env.notify(lifecycle.Notice{Kind: lifecycle.HostTransferTimedOut, UserID: target.UserID, UserName: target.UserName})
}

// ChangeStage switches the stage locally, records it in the room and tells everyone else.
func (h *Host) ChangeStage(stage string) error {
	if err := h.env.Scene.SetStage(stage); err != nil {
		return err
	}
	if err := h.env.Gateway.SetRoomProperties(transport.Properties{protocol.PropStage: stage}); err != nil {
		return err
	}
	h.env.send(protocol.StageChanged, protocol.StageRequest{Stage: stage}, transport.ToOthers)
	h.env.notify(lifecycle.Notice{Kind: lifecycle.StageChanged, Stage: stage})
	return nil
}

func (h *Host) onStageRequest(msg transport.Message) {
	h.env.received(msg)
	req, err := protocol.Decode[protocol.StageRequest](msg.Payload)
	if err != nil || req.Stage == "" {
		logger.WarnF("[%s] bad stage request from %s: %v", h.env.local().UserID, msg.Sender.UserID, err)
		return
	}
	if err := h.ChangeStage(req.Stage); err != nil {
		logger.WarnF("[%s] stage change to %s failed: %v", h.env.local().UserID, req.Stage, err)
	}
}

func (h *Host) Scenario() protocol.Scenario {
	state, _ := h.env.Gateway.Room()
	return protocol.ScenarioFromProperties(state.Properties)
}

// SetScenarioStatus records the scenario in the room properties and rebroadcasts it. Empty
// pathway or play mode keep the current value.
func (h *Host) SetScenarioStatus(pathway, playMode string, status protocol.ScenarioStatus) (protocol.Scenario, error) {
	current := h.Scenario()
	next := current.Transition(status, h.env.Gateway.ServerTime().UnixMilli())
	if pathway != "" {
		next.Pathway = pathway
	}
	if playMode != "" {
		next.PlayMode = playMode
	}
	if err := h.env.Gateway.SetRoomProperties(next.Properties()); err != nil {
		return current, err
	}
	h.env.send(protocol.ScenarioStatusChanged, next, transport.ToOthers)
	h.env.notify(lifecycle.Notice{Kind: lifecycle.ScenarioStatusChanged, Reason: string(next.Status)})
	return next, nil
}

// onClientReady brings a resynchronized client up to date: every property that differs from
// the snapshot it loaded, then stage and scenario.
func (h *Host) onClientReady(msg transport.Message) {
	h.env.received(msg)
	ready, err := protocol.Decode[protocol.ReadyNotice](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad ready notice from %s: %v", h.env.local().UserID, msg.Sender.UserID, err)
	}
	to := transport.ToActor(msg.Sender.Actor)

	var base asset.Snapshot
	for _, e := range h.recent {
		if e.digest == ready.Digest && ready.Digest != "" {
			base = e.snapshot
			break
		}
	}
	current := h.env.Scene.Export()
	assetIDs := make([]string, 0, len(current.Assets))
	for id := range current.Assets {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)
	sent := 0
	for _, id := range assetIDs {
		props := current.Assets[id]
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if old, ok := base.Assets[id][name]; ok && bytes.Equal(old, props[name]) {
				continue
			}
			h.env.send(protocol.AssetPropertyUpdate, protocol.PropertyUpdate{AssetID: id, Property: name, Value: props[name]}, to)
			sent++
		}
	}
	logger.DebugF("[%s] caught %s up with %d properties", h.env.local().UserID, msg.Sender.UserID, sent)

	if stage := h.env.Scene.Stage(); stage != "" {
		h.env.send(protocol.StageChanged, protocol.StageRequest{Stage: stage}, to)
	}
	h.env.send(protocol.ScenarioStatusChanged, h.Scenario(), to)
}

func (h *Host) onMembership(evt transport.RoomEvent) {
	if evt.Kind == transport.MemberLeft && h.transfer.inFlight && evt.Member.Actor == h.transfer.target.Actor {
		target := h.transfer.target
		h.clearTransfer()
		metrics.RecordHostTransfer("rejected")
		h.env.notify(lifecycle.Notice{Kind: lifecycle.HostTransferRejected, UserID: target.UserID, UserName: target.UserName, Reason: "left"})
	}
	h.Export()
}

// whenLoaded holds messages for fn until the adopted state is loaded.
func (h *Host) whenLoaded(fn func(transport.Message)) func(transport.Message) {
	return func(msg transport.Message) {
		if h.loading {
			h.held = append(h.held, msg)
			return
		}
		fn(msg)
	}
}

// load fetches the room's export and replaces the local scene with it.
func (h *Host) load() {
	h.loading = true
	h.loadSeq++
	seq := h.loadSeq
	handle := h.env.roomProperty(protocol.PropEphemeral)
	if handle == "" || h.env.Store == nil {
		h.finishLoad(seq, nil)
		return
	}
	env, store := h.env, h.env.Store
	userID := env.local().UserID
	env.background(func() {
		ctx, cancel := env.storeContext()
		defer cancel()
		var state *protocol.ExportedState
		data, err := store.FetchEphemeralData(ctx, handle)
		if err == nil {
			var exported protocol.ExportedState
			if err = codec.Unpack(data.Data, &exported); err == nil {
				state = &exported
			}
		}
		if err != nil {
			logger.WarnF("[%s] fetch exported state %s failed, keeping local scene: %v", userID, handle, err)
		}
		env.Exec.Post(func() { h.finishLoad(seq, state) })
	})
}

func (h *Host) finishLoad(seq int, state *protocol.ExportedState) {
	if !h.active || seq != h.loadSeq {
		return
	}
	if state != nil {
		h.env.Scene.ReloadFromSnapshot(state.Snapshot)
		if state.Digest != "" {
			h.remember(state.Digest, state.Snapshot)
		}
	}
	if stage := h.env.roomProperty(protocol.PropStage); stage != "" && stage != h.env.Scene.Stage() {
		if err := h.env.Scene.SetStage(stage); err != nil {
			logger.WarnF("[%s] switch to stage %s failed: %v", h.env.local().UserID, stage, err)
		}
	}
	h.loading = false
	edits, held := h.localEdits, h.held
	h.localEdits, h.held = nil, nil
	logger.InfoF("[%s] adopted room state, replaying %d edits and %d requests", h.env.local().UserID, len(edits), len(held))

	h.Export()
	for _, e := range edits {
		if err := h.env.Scene.UpdateAssetProperty(e.AssetID, e.Property, e.Value); err != nil {
			logger.WarnF("[%s] reapply %s.%s failed: %v", h.env.local().UserID, e.AssetID, e.Property, err)
		}
	}
	for _, msg := range held {
		if !h.active {
			return
		}
		switch msg.Code {
		case protocol.RequestPropertyUpdate:
			h.onPropertyRequest(msg)
		case protocol.RequestStageChange:
			h.onStageRequest(msg)
		case protocol.ClientReady:
			h.onClientReady(msg)
		}
	}
	h.env.notify(lifecycle.Notice{Kind: lifecycle.Synced})
}

// queueExport exports right away unless an export ran within the throttle window; changes made
// inside the window are exported once when it closes.
func (h *Host) queueExport() {
	if h.exportHeld {
		h.exportDirty = true
		return
	}
	h.Export()
	throttle := h.env.Timing.ExportThrottle
	if throttle <= 0 {
		return
	}
	h.exportHeld = true
	h.stopThrottle = h.env.Exec.After(throttle, h.releaseExport)
}

func (h *Host) releaseExport() {
	h.exportHeld = false
	h.stopThrottle = nil
	if !h.active || !h.exportDirty {
		return
	}
	h.exportDirty = false
	h.queueExport()
}

func (h *Host) scheduleExport() {
	interval := h.env.Timing.ExportInterval
	if interval <= 0 {
		return
	}
	h.stopExport = h.env.Exec.After(interval, func() {
		if !h.active {
			return
		}
		h.Export()
		h.scheduleExport()
	})
}

// Export snapshots the scene and stores it under the room's ephemeral handle. Encoding and
// storing run in the background; failures are logged. Nothing is exported while an adopted
// state is still loading.
func (h *Host) Export() {
	handle := h.env.roomProperty(protocol.PropEphemeral)
	if handle == "" || h.env.Store == nil || h.loading {
		return
	}
	snapshot := h.env.Scene.Export()
	env, store := h.env, h.env.Store
	sessionID, userID := env.SessionID, env.local().UserID
	env.background(func() {
		digest, err := codec.Digest(snapshot)
		if err != nil {
			logger.WarnF("[%s] export digest failed: %v", userID, err)
			metrics.RecordExport(0, err)
			return
		}
		blob, err := codec.Pack(protocol.ExportedState{Digest: digest, Snapshot: snapshot})
		if err != nil {
			logger.WarnF("[%s] export encode failed: %v", userID, err)
			metrics.RecordExport(0, err)
			return
		}
		env.Exec.Post(func() { h.remember(digest, snapshot) })

		ctx, cancel := env.storeContext()
		defer cancel()
		err = store.PutEphemeralData(ctx, handle, sessionID, blob)
		metrics.RecordExport(len(blob), err)
		if err != nil {
			logger.WarnF("[%s] export to %s failed: %v", userID, handle, err)
		}
	})
}

func (h *Host) remember(digest string, snapshot asset.Snapshot) {
	for _, e := range h.recent {
		if e.digest == digest {
			return
		}
	}
	h.recent = append(h.recent, export{digest: digest, snapshot: snapshot})
	if len(h.recent) > recentExports {
		h.recent = h.recent[len(h.recent)-recentExports:]
	}
}
