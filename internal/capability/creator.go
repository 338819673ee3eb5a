package capability

import (
	"github.com/life-stream-dev/life-stream-go-session-host/internal/asset"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/event"
)

// Creator belongs to the session owner, next to Host or Client. It remembers whether the
// scene has edits that were not saved yet.
type Creator struct {
	env     *Env
	group   event.Group
	unsaved bool
}

func NewCreator(env *Env) *Creator {
	return &Creator{env: env}
}

func (c *Creator) Kind() Kind {
	return KindCreator
}

func (c *Creator) Activate() {
	c.group.Add(c.env.Scene.OnPropertyChanged(func(n asset.PropertyChanged) {
		if n.Origin != asset.OriginStageChange {
			c.unsaved = true
		}
	}))
}

func (c *Creator) Deactivate() {
	c.group.Close()
}

func (c *Creator) Unsaved() bool {
	return c.unsaved
}

func (c *Creator) MarkSaved() {
	c.unsaved = false
}
