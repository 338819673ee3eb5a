package packet

import "sync"

// PacketIDManager hands out request ids. Zero is never used; it marks requests that expect no
// response. Released ids are reused first and ids still in flight are skipped.
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inFlight  map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1,
		released:  make(map[uint16]struct{}),
		inFlight:  make(map[uint16]struct{}),
	}
}

// NextID returns a free id, or false when all 65535 ids are in flight.
func (m *PacketIDManager) NextID() (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.released {
		delete(m.released, id)
		m.inFlight[id] = struct{}{}
		return id, true
	}

	for range 65535 {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 {
			m.currentID = 1
		}
		if _, busy := m.inFlight[id]; !busy {
			m.inFlight[id] = struct{}{}
			return id, true
		}
	}
	return 0, false
}

// ReleaseID makes id available again once its response arrived.
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[id]; !ok {
		return
	}
	delete(m.inFlight, id)
	m.released[id] = struct{}{}
}

func (m *PacketIDManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
