package app

import (
	"sync"

	"github.com/MJE43/vision-trainer-go/internal/trial"
)

const subscriberBuffer = 32

// hub fans phase snapshots out to subscribers. Slow subscribers lose
// snapshots rather than stall the trial loop. The hub closes itself after
// delivering the completion snapshot.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan trial.Snapshot
	next   int
	last   *trial.Snapshot
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan trial.Snapshot)}
}

func (h *hub) EmitPhase(s trial.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = &s
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
	if s.Phase == trial.PhaseComplete {
		h.closed = true
		for id, ch := range h.subs {
			close(ch)
			delete(h.subs, id)
		}
	}
}

// subscribe returns a channel of snapshots and a cancel func. Subscribing
// to a finished session yields the final snapshot and a closed channel.
func (h *hub) subscribe() (<-chan trial.Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan trial.Snapshot, subscriberBuffer)
	if h.closed {
		if h.last != nil {
			ch <- *h.last
		}
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
