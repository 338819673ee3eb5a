package event

import "sync"

type Handler[E any] func(E)

type entry[E any] struct {
	id      uint64
	handler Handler[E]
	removed bool
}

// Bus is a typed publish/subscribe registry. Handlers of a topic run in subscription order.
// A handler unsubscribed while a Publish is running is skipped for the rest of that Publish,
// one subscribed during it first sees the next event.
type Bus[K comparable, E any] struct {
	mu     sync.Mutex
	nextID uint64
	topics map[K][]*entry[E]
}

func NewBus[K comparable, E any]() *Bus[K, E] {
	return &Bus[K, E]{topics: make(map[K][]*entry[E])}
}

func (b *Bus[K, E]) Subscribe(topic K, handler Handler[E]) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e := &entry[E]{id: b.nextID, handler: handler}
	b.topics[topic] = append(b.topics[topic], e)
	return &Subscription{cancel: func() { b.remove(topic, e) }}
}

func (b *Bus[K, E]) remove(topic K, e *entry[E]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.removed = true
	list := b.topics[topic]
	for i, candidate := range list {
		if candidate.id == e.id {
			b.topics[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

func (b *Bus[K, E]) Publish(topic K, evt E) {
	b.mu.Lock()
	list := make([]*entry[E], len(b.topics[topic]))
	copy(list, b.topics[topic])
	b.mu.Unlock()

	for _, e := range list {
		b.mu.Lock()
		removed := e.removed
		b.mu.Unlock()
		if removed {
			continue
		}
		e.handler(evt)
	}
}

// Count returns the number of live handlers on topic.
func (b *Bus[K, E]) Count(topic K) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Group collects subscriptions that share a lifetime, such as everything a capability
// registers while it is active.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, subs...)
}

func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
