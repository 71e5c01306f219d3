package repository

import (
	"sync"

	"github.com/luxfi/ouisync/protocol"
)

// Subscription is a handle onto one branch's change notifications
// (spec.md §5.10: "Per-branch event broadcast channels use bounded
// capacity with lag tolerance — a lagged subscriber skips events but
// re-reads authoritative state from the db"), collapsing SPEC_FULL.md
// §9's SubscriptionHandle/TaskHandle ambiguity into one type: this module
// only needs "observe branch changes", not a full FFI task surface.
//
// Events carries only a pulse (struct{}), never a copy of the new state:
// a subscriber that can't keep up drops the pulse rather than queuing
// stale payloads, and is expected to re-read current state (e.g.
// Branch.CurrentRoot) on wake rather than trust the event itself.
type Subscription struct {
	events chan struct{}

	mu     sync.Mutex
	closed bool
	remove func()
}

// Events returns the channel this subscription receives a pulse on each
// time Repository.Finalize runs over the subscribed branch. A pulse does
// not mean that the branch's current root changed.
func (s *Subscription) Events() <-chan struct{} { return s.events }

// Close unsubscribes and closes the Events channel, so a receiver blocked
// on it wakes with ok == false. Idempotent; safe to call more than once
// or concurrently with a pending Events() receive.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.remove()
	close(s.events)
}

// branchBroadcaster fans out one branch's change notifications to every
// live Subscription, each with its own bounded, lossy buffer.
type branchBroadcaster struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newBranchBroadcaster() *branchBroadcaster {
	return &branchBroadcaster{subs: make(map[*Subscription]struct{})}
}

// subscribeCap bounds each Subscription's event buffer (spec.md §5.10's
// "bounded capacity"). One pending pulse is always enough signal — a
// second one arriving before the first is drained means the state already
// changed again, so draining just the one pulse and re-reading is
// correct either way.
const subscribeCap = 1

func (b *branchBroadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{events: make(chan struct{}, subscribeCap)}
	s.remove = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, s)
	}
	b.subs[s] = struct{}{}
	return s
}

// notify pulses every live subscriber. A subscriber whose buffer is
// already full is lagging and the pulse is dropped for it (spec.md
// §5.10's "lag tolerance") rather than blocking the notifier or growing
// the buffer unboundedly.
func (b *branchBroadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.events <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a Subscription pulsed each time Repository.Finalize
// runs over writer's branch; network.Client calls it after each batch of
// received nodes or blocks, and a local write pulses subscribers only
// once something calls Finalize. The broadcaster is created lazily and
// survives for the Repository's lifetime once a branch has had at least
// one subscriber.
func (r *Repository) Subscribe(writer protocol.WriterId) *Subscription {
	r.mu.Lock()
	b, ok := r.broadcasters[writer]
	if !ok {
		b = newBranchBroadcaster()
		r.broadcasters[writer] = b
	}
	r.mu.Unlock()
	return b.subscribe()
}

// notifyBranch pulses writer's subscribers, if any exist. Called from
// Finalize, which network.Client runs after each received batch
// (Repository.Finalize is its post-batch callback); a local write reaches
// subscribers only through a Finalize call.
func (r *Repository) notifyBranch(writer protocol.WriterId) {
	r.mu.Lock()
	b, ok := r.broadcasters[writer]
	r.mu.Unlock()
	if ok {
		b.notify()
	}
}
