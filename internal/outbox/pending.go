package outbox

import (
	"slices"
	"sync"

	"github.com/peerhost/transitd/internal/identity"
)

// PendingSenders tracks recipients with outstanding work so a dispatcher
// wakes only for them. Drain hands the current set to one dispatch pass;
// Ack ends that recipient's pass and re-adds it when work remains.
type PendingSenders struct {
	mu       sync.Mutex
	pending  map[identity.Identity]struct{}
	draining map[identity.Identity]struct{}
	wake     chan struct{}
}

// NewPendingSenders creates an empty set.
func NewPendingSenders() *PendingSenders {
	return &PendingSenders{
		pending:  make(map[identity.Identity]struct{}),
		draining: make(map[identity.Identity]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Add marks recipient as having work and wakes a waiting dispatcher.
func (p *PendingSenders) Add(recipient identity.Identity) {
	p.mu.Lock()
	p.pending[recipient] = struct{}{}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Drain returns the pending recipients, sorted, and moves them to draining.
// Recipients already draining are skipped until acked.
func (p *PendingSenders) Drain() []identity.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]identity.Identity, 0, len(p.pending))

	for id := range p.pending {
		if _, busy := p.draining[id]; busy {
			continue
		}

		out = append(out, id)
		p.draining[id] = struct{}{}
		delete(p.pending, id)
	}

	slices.SortFunc(out, func(a, b identity.Identity) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		default:
			return 0
		}
	})

	return out
}

// Ack ends recipient's drain. remaining re-adds it.
func (p *PendingSenders) Ack(recipient identity.Identity, remaining bool) {
	p.mu.Lock()
	delete(p.draining, recipient)
	p.mu.Unlock()

	if remaining {
		p.Add(recipient)
	}
}

// Wake fires after Add. It is buffered by one, so a burst of adds wakes once.
func (p *PendingSenders) Wake() <-chan struct{} {
	return p.wake
}

// Len counts recipients pending or draining.
func (p *PendingSenders) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.draining)

	for id := range p.pending {
		if _, busy := p.draining[id]; !busy {
			n++
		}
	}

	return n
}

// Has reports whether recipient is pending or draining.
func (p *PendingSenders) Has(recipient identity.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, pending := p.pending[recipient]
	_, draining := p.draining[recipient]

	return pending || draining
}
