// Package signal carries scorer output into the engine: a latest-value hub
// the slot loops read, and a Redis stream source that feeds it.
package signal

import (
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Hub holds the most recent SignalSnapshot per slot. Writers are the stream
// source and the admin injector; readers are the slot loops. Only the latest
// snapshot matters, so the hub overwrites instead of queueing.
type Hub struct {
	mu     sync.RWMutex
	latest map[domain.PosKey]domain.SignalSnapshot
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{latest: make(map[domain.PosKey]domain.SignalSnapshot)}
}

// Put stores the snapshot as the latest for its slot. Snapshots older than
// the one already held are dropped so replayed stream history never rolls a
// slot backwards.
func (h *Hub) Put(snap domain.SignalSnapshot) {
	key := snap.Slot.PosKey()

	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.latest[key]; ok && snap.Timestamp.Before(cur.Timestamp) {
		return
	}
	h.latest[key] = snap
}

// Latest returns the most recent snapshot for the slot, if any.
func (h *Hub) Latest(slot domain.Slot) (domain.SignalSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap, ok := h.latest[slot.PosKey()]
	return snap, ok
}

// All returns a copy of the held snapshots, for the admin status endpoint.
func (h *Hub) All() map[domain.PosKey]domain.SignalSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[domain.PosKey]domain.SignalSnapshot, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// Len returns the number of slots with a snapshot.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.latest)
}
