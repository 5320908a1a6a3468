// Package waiter implements the test observer of spec.md §4.12 (C11): a
// standing checker attached to C4's action stream that tracks expected
// follow-up signals for a zome function call and reports completion once
// every expectation has been satisfied. Grounded on the same
// condition-variable/channel idiom core/network.go uses for subscriptions
// (a goroutine parked on a channel until a condition holds), here
// generalised into a predicate-countdown latch fed by action.Loop.Subscribe
// instead of a single wakeup channel.
package waiter

import (
	"context"
	"sync"

	"github.com/synnergy-labs/conductor/internal/action"
	"github.com/synnergy-labs/conductor/internal/address"
)

// predicate is one expectation within a checker: it matches some number of
// remaining occurrences of a signal before it is satisfied.
type predicate struct {
	match     func(action.Action) bool
	remaining int
}

// checker accumulates the predicates spawned by one SignalZomeFunctionCall
// and reports done exactly once, when all of them reach zero.
type checker struct {
	mu         sync.Mutex
	predicates []*predicate
	done       chan struct{}
	closed     bool
}

func newChecker() *checker {
	return &checker{done: make(chan struct{})}
}

func (c *checker) add(match func(action.Action) bool, count int) {
	if count <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predicates = append(c.predicates, &predicate{match: match, remaining: count})
}

// apply decrements every predicate a matches by one and reports whether the
// checker is now fully satisfied.
func (c *checker) apply(a action.Action) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.predicates {
		if p.remaining > 0 && p.match(a) {
			p.remaining--
		}
	}
	if len(c.predicates) == 0 {
		return false
	}
	for _, p := range c.predicates {
		if p.remaining > 0 {
			return false
		}
	}
	return true
}

func (c *checker) signalDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// KnownPeers reports the peers currently expected to hold an authored
// aspect, used to size the per-Commit HoldAspect expectation.
type KnownPeers func() []address.Address

// Waiter tracks one checker per in-flight zome function call. It attaches
// itself to an action.Loop as a standing observer; construction is the
// only wiring a caller needs.
type Waiter struct {
	loop       *action.Loop
	knownPeers KnownPeers

	mu       sync.Mutex
	checkers map[CallID]*checker
	pending  map[CallID][]chan *checker
}

// New attaches a Waiter to loop. knownPeers may be nil, in which case every
// Commit signal's HoldAspect expectation is zero (no peers known yet).
func New(loop *action.Loop, knownPeers KnownPeers) *Waiter {
	if knownPeers == nil {
		knownPeers = func() []address.Address { return nil }
	}
	w := &Waiter{
		loop:       loop,
		knownPeers: knownPeers,
		checkers:   make(map[CallID]*checker),
		pending:    make(map[CallID][]chan *checker),
	}
	loop.Subscribe(func(_ action.State, applied action.ActionWrapper, _ *action.Loop) bool {
		w.handle(applied.Action)
		return false // standing observer: never auto-removed
	})
	return w
}

// AwaitCall blocks until the checker spawned by call's
// SignalZomeFunctionCall is fully satisfied, or ctx is cancelled. It is
// safe to call before the SignalZomeFunctionCall itself has been
// dispatched and observed.
func (w *Waiter) AwaitCall(ctx context.Context, call CallID) error {
	ck := w.waitForChecker(ctx, call)
	if ck == nil {
		return ctx.Err()
	}
	select {
	case <-ck.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Waiter) waitForChecker(ctx context.Context, call CallID) *checker {
	w.mu.Lock()
	if ck, ok := w.checkers[call]; ok {
		w.mu.Unlock()
		return ck
	}
	ready := make(chan *checker, 1)
	w.pending[call] = append(w.pending[call], ready)
	w.mu.Unlock()

	select {
	case ck := <-ready:
		return ck
	case <-ctx.Done():
		return nil
	}
}

func (w *Waiter) handle(a action.Action) {
	if sig, ok := a.(SignalZomeFunctionCall); ok {
		w.start(sig.Call)
	}
	if sig, ok := a.(SignalCommit); ok {
		w.onCommit(sig)
	}

	w.mu.Lock()
	if sig, ok := a.(SignalAddPendingValidation); ok {
		for _, ck := range w.checkers {
			ck.add(func(x action.Action) bool {
				r, ok := x.(SignalRemovePendingValidation)
				return ok && r.ID == sig.ID
			}, 1)
		}
	}
	var finished []*checker
	for id, ck := range w.checkers {
		if ck.apply(a) {
			finished = append(finished, ck)
			delete(w.checkers, id)
		}
	}
	w.mu.Unlock()

	for _, ck := range finished {
		ck.signalDone()
	}
}

// start registers the checker for a newly observed call and resolves any
// AwaitCall callers that were already waiting on it.
func (w *Waiter) start(call CallID) *checker {
	ck := newChecker()
	ck.add(func(x action.Action) bool {
		r, ok := x.(SignalReturnZomeFunctionResult)
		return ok && r.Call == call
	}, 1)

	w.mu.Lock()
	w.checkers[call] = ck
	waiting := w.pending[call]
	delete(w.pending, call)
	w.mu.Unlock()

	for _, ready := range waiting {
		ready <- ck
	}
	return ck
}

func (w *Waiter) onCommit(sig SignalCommit) {
	w.mu.Lock()
	ck, ok := w.checkers[sig.Call]
	w.mu.Unlock()
	if !ok {
		return
	}

	peers := w.knownPeers()
	ck.add(func(x action.Action) bool {
		h, ok := x.(SignalHoldAspect)
		return ok && h.EntryAddress == sig.EntryAddress
	}, len(peers))

	switch sig.Kind {
	case CommitLinkAdd:
		ck.add(func(x action.Action) bool {
			s, ok := x.(SignalAddLink)
			return ok && s.EntryAddress == sig.EntryAddress
		}, 1)
	case CommitLinkRemove:
		ck.add(func(x action.Action) bool {
			s, ok := x.(SignalRemoveLink)
			return ok && s.EntryAddress == sig.EntryAddress
		}, 1)
	case CommitUpdate:
		ck.add(func(x action.Action) bool {
			s, ok := x.(SignalUpdateEntry)
			return ok && s.EntryAddress == sig.EntryAddress
		}, 1)
	case CommitDeletion:
		ck.add(func(x action.Action) bool {
			s, ok := x.(SignalRemoveEntry)
			return ok && s.EntryAddress == sig.EntryAddress
		}, 1)
	}
}
