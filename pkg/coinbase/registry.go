package coinbase

import (
	"sync"
	"time"
)

// pendingWindow bounds how long a match for an unknown order is held in case
// its order turns out to be ours.
const pendingWindow = time.Minute

type heldMatch struct {
	msg *WSMessage
	at  time.Time
}

// registry remembers which order ids this process owns, so the feed can tell
// our fills from self-trades. A match can arrive before the REST response
// that names the order; such matches are held until the id is added.
type registry struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	held map[string][]heldMatch
	now  func() time.Time
}

func newRegistry() *registry {
	return &registry{
		ids:  make(map[string]struct{}),
		held: make(map[string][]heldMatch),
		now:  time.Now,
	}
}

// add registers id and returns the matches held for it, oldest first.
func (r *registry) add(id string) []*WSMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ids[id] = struct{}{}
	held := r.held[id]
	if len(held) == 0 {
		return nil
	}
	delete(r.held, id)

	out := make([]*WSMessage, 0, len(held))
	for _, h := range held {
		out = append(out, h.msg)
		// the same match may also be held under the other order id
		other := h.msg.MakerOrderID
		if other == id {
			other = h.msg.TakerOrderID
		}
		r.dropLocked(other, h.msg)
	}
	return out
}

// hold keeps a match whose orders are both unknown.
func (r *registry) hold(msg *WSMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	for _, id := range []string{msg.MakerOrderID, msg.TakerOrderID} {
		if id != "" {
			r.held[id] = append(r.held[id], heldMatch{msg: msg, at: now})
		}
	}
}

func (r *registry) dropLocked(id string, msg *WSMessage) {
	held := r.held[id]
	for i, h := range held {
		if h.msg == msg {
			held = append(held[:i:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(r.held, id)
		return
	}
	r.held[id] = held
}

func (r *registry) pruneLocked(now time.Time) {
	for id, held := range r.held {
		keep := held[:0]
		for _, h := range held {
			if now.Sub(h.at) < pendingWindow {
				keep = append(keep, h)
			}
		}
		if len(keep) == 0 {
			delete(r.held, id)
			continue
		}
		r.held[id] = keep
	}
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

func (r *registry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
