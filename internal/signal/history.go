package signal

import "sync"

const defaultHistoryCapacity = 128

// History is a fixed-capacity ring of the most recent aggregated
// signals, kept for the status API. Appending beyond capacity evicts
// the oldest entry.
type History struct {
	mu   sync.Mutex
	buf  []AggregatedSignal
	next int
	full bool
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &History{buf: make([]AggregatedSignal, capacity)}
}

// Append records aggregates in the order given.
func (h *History) Append(ags ...AggregatedSignal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ag := range ags {
		h.buf[h.next] = ag
		h.next++
		if h.next == len(h.buf) {
			h.next = 0
			h.full = true
		}
	}
}

// Len is the number of retained aggregates.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Latest returns up to limit aggregates, newest first. limit <= 0
// returns everything retained.
func (h *History) Latest(limit int) []AggregatedSignal {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AggregatedSignal, 0, limit)
	idx := h.next
	for i := 0; i < limit; i++ {
		idx--
		if idx < 0 {
			idx = len(h.buf) - 1
		}
		out = append(out, h.buf[idx])
	}
	return out
}
