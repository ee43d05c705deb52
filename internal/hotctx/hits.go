package hotctx

import "sync"

// HitTracker counts how often each entry id was returned as grounding.
// Consolidation prunes rarely used entries first. Counts live in memory
// only and start from zero after a restart.
//
// All methods are safe for concurrent use.
type HitTracker struct {
	mu   sync.RWMutex
	hits map[string]int
}

// NewHitTracker returns an empty tracker.
func NewHitTracker() *HitTracker {
	return &HitTracker{hits: make(map[string]int)}
}

// Record increments the count of every id.
func (h *HitTracker) Record(ids ...string) {
	if len(ids) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.hits[id]++
	}
}

// Hits returns the count for id.
func (h *HitTracker) Hits(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hits[id]
}

// Forget drops the counts of deleted entries.
func (h *HitTracker) Forget(ids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(h.hits, id)
	}
}

// Len returns the number of tracked ids.
func (h *HitTracker) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hits)
}
