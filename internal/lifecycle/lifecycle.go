// Package lifecycle defines the notices a participant publishes for its UI layer.
package lifecycle

import (
	"sort"

	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
)

type Kind int

const (
	JoinedSession Kind = iota + 1
	LeftSession
	JoinCancelled
	RoleChanged
	HostTransferRequested
	HostTransferComplete
	HostTransferRejected
	HostTransferTimedOut
	HostRequestReceived
	HostRequestCancelled
	EnteredWaitingRoom
	LeftWaitingRoom
	SessionUpdated
	Kicked
	HostClosedSession
	Synced
	StageChanged
	ScenarioStatusChanged
)

var kindNames = map[Kind]string{
	JoinedSession:         "JoinedSession",
	LeftSession:           "LeftSession",
	JoinCancelled:         "JoinCancelled",
	RoleChanged:           "RoleChanged",
	HostTransferRequested: "HostTransferRequested",
	HostTransferComplete:  "HostTransferComplete",
	HostTransferRejected:  "HostTransferRejected",
	HostTransferTimedOut:  "HostTransferTimedOut",
	HostRequestReceived:   "HostRequestReceived",
	HostRequestCancelled:  "HostRequestCancelled",
	EnteredWaitingRoom:    "EnteredWaitingRoom",
	LeftWaitingRoom:       "LeftWaitingRoom",
	SessionUpdated:        "SessionUpdated",
	Kicked:                "Kicked",
	HostClosedSession:     "HostClosedSession",
	Synced:                "Synced",
	StageChanged:          "StageChanged",
	ScenarioStatusChanged: "ScenarioStatusChanged",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Kinds lists every notice kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for kind := range kindNames {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Notice is one lifecycle event. Fields not relevant to Kind are left empty.
type Notice struct {
	Kind      Kind
	SessionID string
	UserID    string
	UserName  string
	Reason    string
	Stage     string
	IsHost    bool
}

type Bus = event.Bus[Kind, Notice]

func NewBus() *Bus {
	return event.NewBus[Kind, Notice]()
}

// Recorder keeps every notice it sees. Used by listeners that only need history.
type Recorder struct {
	Notices []Notice
	group   event.Group
}

// Record subscribes r to every kind on bus.
func Record(bus *Bus) *Recorder {
	r := &Recorder{}
	for kind := range kindNames {
		r.group.Add(bus.Subscribe(kind, func(n Notice) { r.Notices = append(r.Notices, n) }))
	}
	return r
}

func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, notice := range r.Notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Recorder) Last(kind Kind) (Notice, bool) {
	for i := len(r.Notices) - 1; i >= 0; i-- {
		if r.Notices[i].Kind == kind {
			return r.Notices[i], true
		}
	}
	return Notice{}, false
}

func (r *Recorder) Close() {
	r.group.Close()
}
