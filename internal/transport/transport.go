// Package transport is the real-time room layer participants talk through: room membership,
// a master ("membership authority") per room, per-object ownership, custom room properties
// and typed message delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
)

type ActorID int

type EventCode uint8

type Member struct {
	Actor    ActorID `cbor:"actor"`
	UserID   string  `cbor:"user_id"`
	UserName string  `cbor:"user_name"`
}

type Properties map[string]string

func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type TargetKind uint8

const (
	TargetAll TargetKind = iota
	TargetOthers
	TargetMaster
	TargetActor
)

type Target struct {
	Kind  TargetKind `cbor:"kind"`
	Actor ActorID    `cbor:"actor,omitempty"`
}

var (
	ToAll    = Target{Kind: TargetAll}
	ToOthers = Target{Kind: TargetOthers}
	ToMaster = Target{Kind: TargetMaster}
)

func ToActor(actor ActorID) Target {
	return Target{Kind: TargetActor, Actor: actor}
}

func (t Target) String() string {
	switch t.Kind {
	case TargetAll:
		return "all"
	case TargetOthers:
		return "others"
	case TargetMaster:
		return "master"
	default:
		return fmt.Sprintf("actor(%d)", t.Actor)
	}
}

type RoomState struct {
	Name       string             `cbor:"name"`
	Members    []Member           `cbor:"members"`
	Master     ActorID            `cbor:"master"`
	Properties Properties         `cbor:"properties"`
	Owners     map[string]ActorID `cbor:"owners"`
}

func (s RoomState) Clone() RoomState {
	out := RoomState{
		Name:       s.Name,
		Members:    append([]Member(nil), s.Members...),
		Master:     s.Master,
		Properties: s.Properties.Clone(),
		Owners:     make(map[string]ActorID, len(s.Owners)),
	}
	for k, v := range s.Owners {
		out.Owners[k] = v
	}
	return out
}

func (s RoomState) Member(actor ActorID) (Member, bool) {
	for _, m := range s.Members {
		if m.Actor == actor {
			return m, true
		}
	}
	return Member{}, false
}

// MemberByUser returns the lowest-numbered member connected as userID.
func (s RoomState) MemberByUser(userID string) (Member, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

func (s RoomState) MasterMember() (Member, bool) {
	return s.Member(s.Master)
}

func (s RoomState) sortMembers() {
	sort.Slice(s.Members, func(i, j int) bool { return s.Members[i].Actor < s.Members[j].Actor })
}

type Message struct {
	Code    EventCode `cbor:"code"`
	Sender  Member    `cbor:"sender"`
	Payload []byte    `cbor:"payload"`
}

type RoomEventKind uint8

const (
	Joined RoomEventKind = iota + 1
	Left
	MemberJoined
	MemberLeft
	MasterChanged
	PropertiesChanged
	OwnershipChanged
)

var roomEventNames = map[RoomEventKind]string{
	Joined:            "Joined",
	Left:              "Left",
	MemberJoined:      "MemberJoined",
	MemberLeft:        "MemberLeft",
	MasterChanged:     "MasterChanged",
	PropertiesChanged: "PropertiesChanged",
	OwnershipChanged:  "OwnershipChanged",
}

func (k RoomEventKind) String() string {
	return roomEventNames[k]
}

const ReasonRoomClosed = "room closed"

// RoomEvent reports a room transition. State is the room after the transition; for Left it is
// the room as the local participant last saw it.
type RoomEvent struct {
	Kind    RoomEventKind `cbor:"kind"`
	Member  Member        `cbor:"member"`
	Master  ActorID       `cbor:"master"`
	Changed Properties    `cbor:"changed,omitempty"`
	Reason  string        `cbor:"reason,omitempty"`
	State   RoomState     `cbor:"state"`
}

// Delivery is what a room sends to one connected participant: either a message or a room event.
type Delivery struct {
	Message *Message   `cbor:"message,omitempty"`
	Event   *RoomEvent `cbor:"event,omitempty"`
}

type MessageBus = event.Bus[EventCode, Message]

type RoomEventBus = event.Bus[RoomEventKind, RoomEvent]

// Gateway is the participant-side view of the room layer.
//
// Room operations block until the room layer answered. Publish, SetMaster, SetOwner and
// SetRoomProperties only queue a command; their effect is observed through RoomEvents.
// Room, Messages and RoomEvents belong to the participant's scheduler: handlers run on it and
// Room must only be read from it.
type Gateway interface {
	Local() Member
	CreateRoom(ctx context.Context, name string, props Properties) error
	JoinRoom(ctx context.Context, name string) error
	LeaveRoom(ctx context.Context) error
	CloseRoom(ctx context.Context) error
	// WaitForRoom returns once a room called name exists.
	WaitForRoom(ctx context.Context, name string) error
	Room() (RoomState, bool)
	Publish(code EventCode, payload []byte, to Target) error
	SetMaster(actor ActorID) error
	SetOwner(objectIDs []string, actor ActorID) error
	SetRoomProperties(props Properties) error
	Messages() *MessageBus
	RoomEvents() *RoomEventBus
	ServerTime() time.Time
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomExists    = errors.New("room already exists")
	ErrNotInRoom     = errors.New("not in a room")
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrNotMaster     = errors.New("not the room master")
	ErrUnknownActor  = errors.New("actor is not a member of the room")
	ErrClosed        = errors.New("gateway closed")
)

var errorCodes = map[string]error{
	"room_not_found":  ErrRoomNotFound,
	"room_exists":     ErrRoomExists,
	"not_in_room":     ErrNotInRoom,
	"already_in_room": ErrAlreadyInRoom,
	"not_master":      ErrNotMaster,
	"unknown_actor":   ErrUnknownActor,
	"closed":          ErrClosed,
}

// ErrorCode maps a room error to the code carried on the relay wire.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// ErrorFromCode is the inverse of ErrorCode; the result matches the sentinel with errors.Is.
func ErrorFromCode(code, message string) error {
	if code == "" {
		return nil
	}
	if sentinel, ok := errorCodes[code]; ok {
		if message == "" || message == sentinel.Error() {
			return sentinel
		}
		return fmt.Errorf("%s: %w", message, sentinel)
	}
	return fmt.Errorf("relay error %s: %s", code, message)
}
