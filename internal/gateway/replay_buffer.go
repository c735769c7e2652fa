package gateway

import (
	"sort"
	"sync"
)

type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the newest envelopes in publish order for reconnect
// catch-up and the run history endpoint. Seqs must be pushed increasing.
type ReplayBuffer struct {
	mu    sync.RWMutex
	ring  []replayEntry
	start int // physical index of the oldest entry
	n     int
}

// NewReplayBuffer creates a buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 64
	}
	return &ReplayBuffer{ring: make([]replayEntry, capacity)}
}

// Push stores a copy of data, evicting the oldest envelope when full.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	e := replayEntry{Seq: seq, Data: append([]byte(nil), data...)}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.n < len(rb.ring) {
		rb.ring[(rb.start+rb.n)%len(rb.ring)] = e
		rb.n++
		return
	}
	rb.ring[rb.start] = e
	rb.start = (rb.start + 1) % len(rb.ring)
}

// Since returns the envelopes with Seq > afterSeq, oldest first.
func (rb *ReplayBuffer) Since(afterSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	first := sort.Search(rb.n, func(i int) bool { return rb.at(i).Seq > afterSeq })
	return rb.slice(first)
}

// Last returns up to n newest envelopes, oldest first. n <= 0 returns all.
func (rb *ReplayBuffer) Last(n int) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if n <= 0 || n > rb.n {
		n = rb.n
	}
	return rb.slice(rb.n - n)
}

// Len returns the number of buffered envelopes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}

func (rb *ReplayBuffer) at(i int) replayEntry {
	return rb.ring[(rb.start+i)%len(rb.ring)]
}

func (rb *ReplayBuffer) slice(from int) []replayEntry {
	if from >= rb.n {
		return nil
	}
	out := make([]replayEntry, 0, rb.n-from)
	for i := from; i < rb.n; i++ {
		out = append(out, rb.at(i))
	}
	return out
}
