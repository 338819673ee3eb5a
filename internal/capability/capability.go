// Package capability holds the role-specific behaviour of a participant. A Set keeps at most
// one capability per Kind and never lets Host and Client be active together; each capability
// subscribes to the room and the scene only while it is active.
package capability

import (
	"errors"
	"fmt"
	"sort"
)

type Kind int

const (
	KindHost Kind = iota + 1
	KindClient
	KindCreator
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindClient:
		return "client"
	case KindCreator:
		return "creator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Capability interface {
	Kind() Kind
	Activate()
	Deactivate()
}

var ErrConflictingRole = errors.New("host and client capabilities are mutually exclusive")

type Set struct {
	caps map[Kind]Capability
}

func NewSet() *Set {
	return &Set{caps: make(map[Kind]Capability)}
}

// Add activates and stores c. It is a no-op returning false when a capability of the same
// kind is already present, and fails when c would sit next to its opposite role.
func (s *Set) Add(c Capability) (bool, error) {
	kind := c.Kind()
	if _, ok := s.caps[kind]; ok {
		return false, nil
	}
	if opposite, ok := oppositeOf(kind); ok {
		if _, present := s.caps[opposite]; present {
			return false, fmt.Errorf("add %s while %s is active: %w", kind, opposite, ErrConflictingRole)
		}
	}
	c.Activate()
	s.caps[kind] = c
	return true, nil
}

func (s *Set) Remove(kind Kind) bool {
	c, ok := s.caps[kind]
	if !ok {
		return false
	}
	c.Deactivate()
	delete(s.caps, kind)
	return true
}

// RemoveAll deactivates everything, host or client first and creator last.
func (s *Set) RemoveAll() {
	for _, kind := range s.Kinds() {
		s.Remove(kind)
	}
}

func (s *Set) Has(kind Kind) bool {
	_, ok := s.caps[kind]
	return ok
}

func (s *Set) Get(kind Kind) (Capability, bool) {
	c, ok := s.caps[kind]
	return c, ok
}

func (s *Set) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.caps))
	for kind := range s.caps {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (s *Set) Len() int {
	return len(s.caps)
}

// Lookup returns the capability of kind as its concrete type.
func Lookup[T Capability](s *Set, kind Kind) (T, bool) {
	var zero T
	c, ok := s.caps[kind]
	if !ok {
		return zero, false
	}
	typed, ok := c.(T)
	return typed, ok
}

func oppositeOf(kind Kind) (Kind, bool) {
	switch kind {
	case KindHost:
		return KindClient, true
	case KindClient:
		return KindHost, true
	}
	return 0, false
}
