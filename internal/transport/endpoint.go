package transport

import (
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/logger"
)

// Endpoint keeps the participant-side mirror of its room and fans deliveries out to the
// message and room-event buses. It is owned by the participant's scheduler.
type Endpoint struct {
	local      Member
	messages   *MessageBus
	roomEvents *RoomEventBus
	room       *RoomState
}

func NewEndpoint(local Member) *Endpoint {
	return &Endpoint{
		local:      local,
		messages:   event.NewBus[EventCode, Message](),
		roomEvents: event.NewBus[RoomEventKind, RoomEvent](),
	}
}

func (e *Endpoint) Local() Member {
	return e.local
}

func (e *Endpoint) SetLocal(member Member) {
	e.local = member
}

func (e *Endpoint) Messages() *MessageBus {
	return e.messages
}

func (e *Endpoint) RoomEvents() *RoomEventBus {
	return e.roomEvents
}

func (e *Endpoint) Room() (RoomState, bool) {
	if e.room == nil {
		return RoomState{}, false
	}
	return *e.room, true
}

// Dispatch applies d to the mirror and publishes it. Must run on the scheduler.
func (e *Endpoint) Dispatch(d Delivery) {
	if d.Event != nil {
		evt := *d.Event
		if evt.Kind == Left {
			e.room = nil
		} else {
			state := evt.State.Clone()
			e.room = &state
		}
		logger.DebugF("[%s] room event %s (member %d, master %d)", e.local.UserID, evt.Kind, evt.Member.Actor, evt.Master)
		e.roomEvents.Publish(evt.Kind, evt)
	}
	if d.Message != nil {
		if e.room == nil {
			logger.DebugF("[%s] dropping message %d outside a room", e.local.UserID, d.Message.Code)
			return
		}
		e.messages.Publish(d.Message.Code, *d.Message)
	}
}
