package realtime

import (
	"strings"
	"sync"
)

const defaultMemorySlots = 6

// MemorySlots keeps the most recent finalized caller utterances inside a
// fixed budget. The snapshot seeds retrieval queries so context lookups
// see the whole recent exchange, not just the last sentence.
type MemorySlots struct {
	mutex sync.Mutex
	max   int
	slots []string
}

// NewMemorySlots creates a memory with the given slot budget. A
// non-positive budget falls back to the default.
func NewMemorySlots(max int) *MemorySlots {
	if max <= 0 {
		max = defaultMemorySlots
	}
	return &MemorySlots{max: max}
}

// Add records one utterance, evicting the oldest slot when full. Blank
// utterances are ignored.
func (m *MemorySlots) Add(utterance string) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.slots = append(m.slots, utterance)
	if len(m.slots) > m.max {
		m.slots = m.slots[len(m.slots)-m.max:]
	}
}

// Snapshot returns a copy of the remembered utterances, oldest first.
func (m *MemorySlots) Snapshot() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]string, len(m.slots))
	copy(out, m.slots)
	return out
}

// Query joins the remembered utterances into one retrieval query.
func (m *MemorySlots) Query() string {
	return strings.Join(m.Snapshot(), " ")
}
