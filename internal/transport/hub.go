package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
)

// Peer receives what a Hub delivers to one connected participant. Deliver is called with the
// hub lock held, in the order the hub applied the transitions, so it must neither block nor
// call back into the Hub.
type Peer interface {
	Deliver(d Delivery)
}

type PeerFunc func(d Delivery)

func (f PeerFunc) Deliver(d Delivery) { f(d) }

type hubPeer struct {
	member Member
	peer   Peer
	room   string
}

type hubRoom struct {
	name    string
	members []ActorID
	master  ActorID
	props   Properties
	owners  map[string]ActorID
}

// Hub is an in-memory room layer. The relay server exposes one over the network; tests and
// single-process deployments attach LocalGateways to it directly.
type Hub struct {
	mu        sync.Mutex
	nextActor ActorID
	peers     map[ActorID]*hubPeer
	rooms     map[string]*hubRoom
	watchers  map[string][]chan struct{}
	clock     func() time.Time
}

func NewHub() *Hub {
	return NewHubWithClock(time.Now)
}

// NewHubWithClock uses clock as the server clock.
func NewHubWithClock(clock func() time.Time) *Hub {
	return &Hub{
		peers:    make(map[ActorID]*hubPeer),
		rooms:    make(map[string]*hubRoom),
		watchers: make(map[string][]chan struct{}),
		clock:    clock,
	}
}

func (h *Hub) Now() time.Time {
	return h.clock()
}

// Connect registers a participant and assigns its actor number.
func (h *Hub) Connect(userID, userName string, peer Peer) Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextActor++
	member := Member{Actor: h.nextActor, UserID: userID, UserName: userName}
	h.peers[member.Actor] = &hubPeer{member: member, peer: peer}
	logger.DebugF("[hub] actor %d connected as %s", member.Actor, userID)
	return member
}

// Disconnect removes the participant, leaving its room first.
func (h *Hub) Disconnect(actor ActorID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[actor]
	if !ok {
		return
	}
	if p.room != "" {
		h.leaveLocked(p, "disconnected", false)
	}
	delete(h.peers, actor)
	logger.DebugF("[hub] actor %d disconnected", actor)
}

func (h *Hub) CreateRoom(actor ActorID, name string, props Properties) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.peerLocked(actor)
	if err != nil {
		return err
	}
	if p.room != "" {
		return ErrAlreadyInRoom
	}
	if _, exists := h.rooms[name]; exists {
		return fmt.Errorf("create %s: %w", name, ErrRoomExists)
	}
	room := &hubRoom{
		name:    name,
		members: []ActorID{actor},
		master:  actor,
		props:   props.Clone(),
		owners:  make(map[string]ActorID),
	}
	h.rooms[name] = room
	p.room = name
	for _, ch := range h.watchers[name] {
		close(ch)
	}
	delete(h.watchers, name)

	logger.DebugF("[hub] room %s created by actor %d", name, actor)
	p.peer.Deliver(Delivery{Event: &RoomEvent{Kind: Joined, Member: p.member, Master: actor, State: h.stateLocked(room)}})
	return nil
}

func (h *Hub) JoinRoom(actor ActorID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.peerLocked(actor)
	if err != nil {
		return err
	}
	if p.room != "" {
		return ErrAlreadyInRoom
	}
	room, ok := h.rooms[name]
	if !ok {
		return fmt.Errorf("join %s: %w", name, ErrRoomNotFound)
	}
	room.members = append(room.members, actor)
	sort.Slice(room.members, func(i, j int) bool { return room.members[i] < room.members[j] })
	p.room = name

	state := h.stateLocked(room)
	p.peer.Deliver(Delivery{Event: &RoomEvent{Kind: Joined, Member: p.member, Master: room.master, State: state}})
	h.broadcastLocked(room, actor, func() Delivery {
		return Delivery{Event: &RoomEvent{Kind: MemberJoined, Member: p.member, Master: room.master, State: h.stateLocked(room)}}
	})
	return nil
}

func (h *Hub) LeaveRoom(actor ActorID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.peerLocked(actor)
	if err != nil {
		return err
	}
	if p.room == "" {
		return ErrNotInRoom
	}
	h.leaveLocked(p, "", true)
	return nil
}

// CloseRoom removes every member and deletes the room. Only the master may close it.
func (h *Hub) CloseRoom(actor ActorID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.peerLocked(actor)
	if err != nil {
		return err
	}
	room, ok := h.rooms[p.room]
	if !ok {
		return ErrNotInRoom
	}
	if room.master != actor {
		return ErrNotMaster
	}
	state := h.stateLocked(room)
	for _, id := range room.members {
		member := h.peers[id]
		member.room = ""
		member.peer.Deliver(Delivery{Event: &RoomEvent{Kind: Left, Member: member.member, Master: room.master, Reason: ReasonRoomClosed, State: state}})
	}
	delete(h.rooms, room.name)
	logger.DebugF("[hub] room %s closed by actor %d", room.name, actor)
	return nil
}

// WatchRoom returns a channel closed once the room exists, and a func releasing the watch.
func (h *Hub) WatchRoom(name string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	if _, ok := h.rooms[name]; ok {
		close(ch)
		return ch, func() {}
	}
	h.watchers[name] = append(h.watchers[name], ch)
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.watchers[name]
		for i, candidate := range list {
			if candidate == ch {
				h.watchers[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(h.watchers[name]) == 0 {
			delete(h.watchers, name)
		}
	}
}

func (h *Hub) Publish(actor ActorID, code EventCode, payload []byte, to Target) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, room, err := h.roomOfLocked(actor)
	if err != nil {
		return err
	}
	msg := Message{Code: code, Sender: p.member, Payload: payload}
	deliver := func(id ActorID) {
		m := msg
		h.peers[id].peer.Deliver(Delivery{Message: &m})
	}
	switch to.Kind {
	case TargetAll:
		for _, id := range room.members {
			deliver(id)
		}
	case TargetOthers:
		for _, id := range room.members {
			if id != actor {
				deliver(id)
			}
		}
	case TargetMaster:
		deliver(room.master)
	case TargetActor:
		if !room.has(to.Actor) {
			return fmt.Errorf("publish to %d: %w", to.Actor, ErrUnknownActor)
		}
		deliver(to.Actor)
	}
	return nil
}

// SetMaster hands the master role to another member. Only the current master may do so.
func (h *Hub) SetMaster(actor, master ActorID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, room, err := h.roomOfLocked(actor)
	if err != nil {
		return err
	}
	if room.master != actor {
		return ErrNotMaster
	}
	if !room.has(master) {
		return fmt.Errorf("set master %d: %w", master, ErrUnknownActor)
	}
	if room.master == master {
		return nil
	}
	room.master = master
	h.announceMasterLocked(room)
	return nil
}

func (h *Hub) SetOwner(actor ActorID, objectIDs []string, owner ActorID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, room, err := h.roomOfLocked(actor)
	if err != nil {
		return err
	}
	if !room.has(owner) {
		return fmt.Errorf("set owner %d: %w", owner, ErrUnknownActor)
	}
	for _, id := range objectIDs {
		room.owners[id] = owner
	}
	h.broadcastLocked(room, 0, func() Delivery {
		return Delivery{Event: &RoomEvent{Kind: OwnershipChanged, Master: room.master, State: h.stateLocked(room)}}
	})
	return nil
}

// SetProperties merges props into the room properties. An empty value deletes the key.
func (h *Hub) SetProperties(actor ActorID, props Properties) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, room, err := h.roomOfLocked(actor)
	if err != nil {
		return err
	}
	for k, v := range props {
		if v == "" {
			delete(room.props, k)
			continue
		}
		room.props[k] = v
	}
	changed := props.Clone()
	h.broadcastLocked(room, 0, func() Delivery {
		return Delivery{Event: &RoomEvent{Kind: PropertiesChanged, Master: room.master, Changed: changed, State: h.stateLocked(room)}}
	})
	return nil
}

func (h *Hub) Room(name string) (RoomState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[name]
	if !ok {
		return RoomState{}, false
	}
	return h.stateLocked(room), true
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) peerLocked(actor ActorID) (*hubPeer, error) {
	p, ok := h.peers[actor]
	if !ok {
		return nil, fmt.Errorf("actor %d: %w", actor, ErrClosed)
	}
	return p, nil
}

func (h *Hub) roomOfLocked(actor ActorID) (*hubPeer, *hubRoom, error) {
	p, err := h.peerLocked(actor)
	if err != nil {
		return nil, nil, err
	}
	room, ok := h.rooms[p.room]
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	return p, room, nil
}

func (h *Hub) leaveLocked(p *hubPeer, reason string, notifySelf bool) {
	room := h.rooms[p.room]
	p.room = ""
	if room == nil {
		return
	}
	before := h.stateLocked(room)
	for i, id := range room.members {
		if id == p.member.Actor {
			room.members = append(room.members[:i:i], room.members[i+1:]...)
			break
		}
	}
	if notifySelf {
		p.peer.Deliver(Delivery{Event: &RoomEvent{Kind: Left, Member: p.member, Master: before.Master, Reason: reason, State: before}})
	}
	if len(room.members) == 0 {
		delete(h.rooms, room.name)
		logger.DebugF("[hub] room %s removed, last member left", room.name)
		return
	}

	masterLeft := room.master == p.member.Actor
	if masterLeft {
		room.master = room.members[0]
	}
	for id, owner := range room.owners {
		if owner == p.member.Actor {
			room.owners[id] = room.master
		}
	}
	h.broadcastLocked(room, 0, func() Delivery {
		return Delivery{Event: &RoomEvent{Kind: MemberLeft, Member: p.member, Master: room.master, Reason: reason, State: h.stateLocked(room)}}
	})
	if masterLeft {
		h.announceMasterLocked(room)
	}
}

func (h *Hub) announceMasterLocked(room *hubRoom) {
	master := h.peers[room.master].member
	h.broadcastLocked(room, 0, func() Delivery {
		return Delivery{Event: &RoomEvent{Kind: MasterChanged, Member: master, Master: room.master, State: h.stateLocked(room)}}
	})
}

// broadcastLocked delivers to every member except skip. Each delivery gets its own copy.
func (h *Hub) broadcastLocked(room *hubRoom, skip ActorID, build func() Delivery) {
	for _, id := range room.members {
		if id == skip {
			continue
		}
		h.peers[id].peer.Deliver(build())
	}
}

func (h *Hub) stateLocked(room *hubRoom) RoomState {
	state := RoomState{
		Name:       room.name,
		Master:     room.master,
		Properties: room.props.Clone(),
		Owners:     make(map[string]ActorID, len(room.owners)),
	}
	for _, id := range room.members {
		state.Members = append(state.Members, h.peers[id].member)
	}
	for k, v := range room.owners {
		state.Owners[k] = v
	}
	state.sortMembers()
	return state
}

func (r *hubRoom) has(actor ActorID) bool {
	for _, id := range r.members {
		if id == actor {
			return true
		}
	}
	return false
}
