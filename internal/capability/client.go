package capability

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/codec"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/lifecycle"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/transport"
)

var ErrNoHostRequest = errors.New("no pending host request")

// echoFlag marks a key whose next matching change notification is our own application of a
// host value.
type echoFlag struct {
	value   []byte
	expires time.Time
}

type hostPrompt struct {
	from    transport.Member
	request protocol.HostRequest
}

// Client applies edits optimistically, asks the host to confirm them and applies what the
// host decides.
type Client struct {
	env       *Env
	group     event.Group
	active    bool
	needsSync bool
	ready     bool
	paused    bool
	syncSeq   int
	pending   map[propertyKey][]byte
	flags     map[propertyKey]echoFlag
	prompt    *hostPrompt
	scenario  protocol.Scenario
	// Messages for the host held while paused; only the latest of each is kept.
	heldReady *protocol.ReadyNotice
	heldStage string
}

// NewClient builds a client capability. With needsSync the client pulls the host's exported
// state before it takes part in replication.
func NewClient(env *Env, needsSync bool) *Client {
	return &Client{
		env:       env,
		needsSync: needsSync,
		pending:   make(map[propertyKey][]byte),
		flags:     make(map[propertyKey]echoFlag),
	}
}

func (c *Client) Kind() Kind {
	return KindClient
}

func (c *Client) Activate() {
	c.active = true
	messages := c.env.Gateway.Messages()
	c.group.Add(
		c.env.Scene.OnPropertyChanged(c.onLocalChange),
		messages.Subscribe(protocol.AssetPropertyUpdate, c.onAssetUpdate),
		messages.Subscribe(protocol.RejectPropertyUpdate, c.onReject),
		messages.Subscribe(protocol.ClientPropertyUpdated, c.onAccepted),
		messages.Subscribe(protocol.RequestUserToHost, c.onHostRequest),
		messages.Subscribe(protocol.CancelRequestUserToHost, c.onHostRequestCancelled),
		messages.Subscribe(protocol.StageChanged, c.onStageChanged),
		messages.Subscribe(protocol.ScenarioStatusChanged, c.onScenarioChanged),
	)
	if state, ok := c.env.Gateway.Room(); ok {
		c.scenario = protocol.ScenarioFromProperties(state.Properties)
	}
	if c.needsSync {
		c.Resync()
	} else {
		c.ready = true
	}
	logger.DebugF("[%s] client capability active, sync=%t", c.env.local().UserID, c.needsSync)
}

func (c *Client) Deactivate() {
	c.active = false
	c.ready = false
	c.syncSeq++
	c.group.Close()
	c.pending = make(map[propertyKey][]byte)
	c.flags = make(map[propertyKey]echoFlag)
	c.prompt = nil
	c.heldReady = nil
	c.heldStage = ""
	logger.DebugF("[%s] client capability inactive", c.env.local().UserID)
}

func (c *Client) onLocalChange(n asset.PropertyChanged) {
	if n.Origin == asset.OriginStageChange {
		return
	}
	key := propertyKey{assetID: n.AssetID, property: n.Property}
	if flag, ok := c.flags[key]; ok {
		delete(c.flags, key)
		if bytes.Equal(flag.value, n.Value) && c.env.Exec.Now().Before(flag.expires) {
			metrics.RecordEchoSuppressed()
			return
		}
	}
	if !c.ready {
		return
	}
	c.pending[key] = n.Value
	if c.paused {
		return
	}
	c.request(key, n.Value)
}

func (c *Client) request(key propertyKey, value []byte) {
	c.env.send(protocol.RequestPropertyUpdate, protocol.PropertyUpdate{
		UserID:   c.env.local().UserID,
		AssetID:  key.assetID,
		Property: key.property,
		Value:    value,
	}, c.env.hostTarget())
}

func (c *Client) onAssetUpdate(msg transport.Message) {
	c.env.received(msg)
	if !c.ready {
		return
	}
	update, err := protocol.Decode[protocol.PropertyUpdate](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad property update: %v", c.env.local().UserID, err)
		return
	}
	key := propertyKey{assetID: update.AssetID, property: update.Property}
	if _, ok := c.pending[key]; ok {
		delete(c.pending, key)
		return
	}
	c.applyFromHost(key, update.Value)
}

func (c *Client) onReject(msg transport.Message) {
	c.env.received(msg)
	if !c.ready {
		return
	}
	rejection, err := protocol.Decode[protocol.PropertyRejection](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad property rejection: %v", c.env.local().UserID, err)
		return
	}
	key := propertyKey{assetID: rejection.AssetID, property: rejection.Property}
	delete(c.pending, key)
	c.applyFromHost(key, rejection.Value)
}

func (c *Client) onAccepted(msg transport.Message) {
	c.env.received(msg)
	ack, err := protocol.Decode[protocol.PropertyKey](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad property ack: %v", c.env.local().UserID, err)
		return
	}
	delete(c.pending, propertyKey{assetID: ack.AssetID, property: ack.Property})
}

// applyFromHost writes a host-decided value. A flag is only raised when the scene will
// actually notify.
func (c *Client) applyFromHost(key propertyKey, value []byte) {
	if current, ok := c.env.Scene.Property(key.assetID, key.property); ok && bytes.Equal(current, value) {
		return
	}
	c.flags[key] = echoFlag{value: value, expires: c.env.Exec.Now().Add(c.env.Timing.EchoFlagTTL)}
	if err := c.env.Scene.UpdateAssetProperty(key.assetID, key.property, value); err != nil {
		delete(c.flags, key)
		logger.WarnF("[%s] apply %s.%s from host failed: %v", c.env.local().UserID, key.assetID, key.property, err)
	}
}

func (c *Client) onHostRequest(msg transport.Message) {
	c.env.received(msg)
	req, err := protocol.Decode[protocol.HostRequest](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad host request: %v", c.env.local().UserID, err)
		return
	}
	c.prompt = &hostPrompt{from: msg.Sender, request: req}
	c.env.notify(lifecycle.Notice{Kind: lifecycle.HostRequestReceived, UserID: req.HostID, UserName: req.HostName})
}

func (c *Client) onHostRequestCancelled(msg transport.Message) {
	c.env.received(msg)
	if c.prompt == nil || c.prompt.from.Actor != msg.Sender.Actor {
		return
	}
	c.prompt = nil
	c.env.notify(lifecycle.Notice{Kind: lifecycle.HostRequestCancelled, UserID: msg.Sender.UserID, UserName: msg.Sender.UserName})
}

// RespondToHostRequest answers the pending host prompt.
func (c *Client) RespondToHostRequest(accept bool) error {
	if c.prompt == nil {
		return ErrNoHostRequest
	}
	prompt := c.prompt
	c.prompt = nil
	local := c.env.local()
	code := protocol.RejectHostRequest
	if accept {
		code = protocol.AcceptHostRequest
	}
	c.env.send(code, protocol.HostResponse{UserID: local.UserID, UserName: local.UserName}, transport.ToActor(prompt.from.Actor))
	return nil
}

func (c *Client) PendingHostRequest() (protocol.HostRequest, bool) {
	if c.prompt == nil {
		return protocol.HostRequest{}, false
	}
	return c.prompt.request, true
}

// RequestStage asks the host to switch stage. While paused the request waits for the next host.
func (c *Client) RequestStage(stage string) {
	if c.paused {
		c.heldStage = stage
		return
	}
	c.env.send(protocol.RequestStageChange, protocol.StageRequest{Stage: stage}, c.env.hostTarget())
}

func (c *Client) onStageChanged(msg transport.Message) {
	c.env.received(msg)
	if !c.ready {
		return
	}
	change, err := protocol.Decode[protocol.StageRequest](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad stage change: %v", c.env.local().UserID, err)
		return
	}
	c.switchStage(change.Stage)
}

func (c *Client) switchStage(stage string) {
	if stage == "" || stage == c.env.Scene.Stage() {
		return
	}
	if err := c.env.Scene.SetStage(stage); err != nil {
		logger.WarnF("[%s] switch to stage %s failed: %v", c.env.local().UserID, stage, err)
		return
	}
	c.env.notify(lifecycle.Notice{Kind: lifecycle.StageChanged, Stage: stage})
}

func (c *Client) onScenarioChanged(msg transport.Message) {
	c.env.received(msg)
	if !c.ready {
		return
	}
	scenario, err := protocol.Decode[protocol.Scenario](msg.Payload)
	if err != nil {
		logger.WarnF("[%s] bad scenario status: %v", c.env.local().UserID, err)
		return
	}
	c.scenario = scenario
	c.env.notify(lifecycle.Notice{Kind: lifecycle.ScenarioStatusChanged, Reason: string(scenario.Status)})
}

func (c *Client) Scenario() protocol.Scenario {
	return c.scenario
}

// Elapsed is the scenario running time according to the server clock.
func (c *Client) Elapsed() time.Duration {
	return c.scenario.ElapsedAt(c.env.Gateway.ServerTime().UnixMilli())
}

// Pause holds outgoing requests while there is no host. Local edits keep landing in the
// pending map.
func (c *Client) Pause() {
	c.paused = true
}

// Resume sends what was held to the host: readiness, the last stage request, then the latest
// value of every held edit.
func (c *Client) Resume() {
	if !c.paused {
		return
	}
	c.paused = false
	if ready := c.heldReady; ready != nil {
		c.heldReady = nil
		c.env.send(protocol.ClientReady, *ready, c.env.hostTarget())
	}
	if stage := c.heldStage; stage != "" {
		c.heldStage = ""
		c.env.send(protocol.RequestStageChange, protocol.StageRequest{Stage: stage}, c.env.hostTarget())
	}
	if !c.ready {
		return
	}
	keys := make([]propertyKey, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].assetID == keys[j].assetID {
			return keys[i].property < keys[j].property
		}
		return keys[i].assetID < keys[j].assetID
	})
	for _, key := range keys {
		c.request(key, c.pending[key])
	}
}

// Resync reloads the scene from the host's exported state, then signals readiness. Messages
// that arrive meanwhile are dropped; the host catches the client up after ClientReady.
func (c *Client) Resync() {
	c.ready = false
	c.heldReady = nil
	c.syncSeq++
	seq := c.syncSeq
	handle := c.env.roomProperty(protocol.PropEphemeral)
	if handle == "" || c.env.Store == nil {
		c.finishSync(seq, nil)
		return
	}
	env, store := c.env, c.env.Store
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
			logger.WarnF("[%s] fetch exported state %s failed: %v", userID, handle, err)
		}
		env.Exec.Post(func() { c.finishSync(seq, state) })
	})
}

func (c *Client) finishSync(seq int, state *protocol.ExportedState) {
	if !c.active || seq != c.syncSeq {
		return
	}
	var digest string
	if state != nil {
		c.env.Scene.ReloadFromSnapshot(state.Snapshot)
		digest = state.Digest
	}
	if room, ok := c.env.Gateway.Room(); ok {
		if stage := room.Properties[protocol.PropStage]; stage != "" && stage != c.env.Scene.Stage() {
			if err := c.env.Scene.SetStage(stage); err != nil {
				logger.WarnF("[%s] switch to stage %s failed: %v", c.env.local().UserID, stage, err)
			}
		}
		c.scenario = protocol.ScenarioFromProperties(room.Properties)
	}
	c.pending = make(map[propertyKey][]byte)
	c.flags = make(map[propertyKey]echoFlag)
	ready := protocol.ReadyNotice{Digest: digest}
	if c.paused {
		c.heldReady = &ready
	} else {
		c.env.send(protocol.ClientReady, ready, c.env.hostTarget())
	}
	c.ready = true
	c.needsSync = false
	logger.InfoF("[%s] synchronized with host, digest=%q", c.env.local().UserID, digest)
	c.env.notify(lifecycle.Notice{Kind: lifecycle.Synced})
}

func (c *Client) Ready() bool {
	return c.ready
}

func (c *Client) Paused() bool {
	return c.paused
}

func (c *Client) Pending(assetID, property string) ([]byte, bool) {
	v, ok := c.pending[propertyKey{assetID: assetID, property: property}]
	return v, ok
}

func (c *Client) PendingCount() int {
	return len(c.pending)
}

// HasEchoFlag reports an unexpired echo flag on the key.
func (c *Client) HasEchoFlag(assetID, property string) bool {
	flag, ok := c.flags[propertyKey{assetID: assetID, property: property}]
	return ok && c.env.Exec.Now().Before(flag.expires)
}
