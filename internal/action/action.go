// Package action implements the single-writer reducer core (C4): a
// dedicated actor goroutine reduces ActionWrapper events against shared
// State and fans the new state out to registered observers, the same
// sync.RWMutex-guarded-singleton shape as core/idwallet_registration.go's
// IDRegistry and core/vm_sandbox_management.go's sandbox map, generalised
// to a dedicated actor loop instead of ad hoc lock/unlock call sites.
package action

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the reducible payload. Implementations must be safe to read
// concurrently once returned from a Reducer; the loop never mutates a
// State value after publishing it.
type State interface{}

// Action is a reducer-specific event payload.
type Action interface{}

// ActionWrapper tags an Action with a unique id, per spec.md §4.4.
type ActionWrapper struct {
	ID     string
	Action Action
}

// Reducer computes the next state from the current state and an action.
// A panic inside Reduce is fatal to the Loop (spec.md §4.4's "Failure"
// clause: the state lock would otherwise be left poisoned).
type Reducer func(current State, a ActionWrapper) State

// Observer is notified after every successful state swap, under the
// loop's read lock. It may not mutate state but may enqueue further
// actions via the Loop handle passed in. Observer is a Predicate in
// disguise: it returns true to mean "done, remove me".
type Observer func(s State, applied ActionWrapper, l *Loop) bool

type observerEntry struct {
	id int64
	fn Observer
}

// Loop is the dedicated actor: one goroutine owns State's write path.
type Loop struct {
	reducer Reducer
	logger  *logrus.Logger

	queue chan ActionWrapper
	done  chan struct{}

	mu    sync.RWMutex
	state State

	obsMu     sync.Mutex
	observers []observerEntry
	nextObsID int64

	historyMu sync.Mutex
	history   []string // recently applied action ids, bounded

	fatal atomic.Value // holds error, set once a reducer panics
}

const historyLimit = 4096

// New starts a Loop with the given initial state, reducer and fixed
// queue capacity. Capacity is the backpressure knob from spec.md §4.4:
// producers block on Dispatch once the queue is full.
func New(initial State, reducer Reducer, capacity int, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Loop{
		reducer: reducer,
		logger:  logger,
		queue:   make(chan ActionWrapper, capacity),
		done:    make(chan struct{}),
		state:   initial,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for a := range l.queue {
		if !l.step(a) {
			break // reducer panic: instance is fatally broken, stop the actor
		}
	}
	close(l.done)
}

// step applies one action and returns false if the reducer panicked,
// per spec.md §4.4's Failure clause and the policy in §5: a reducer
// panic stops the instance rather than crashing the process outright.
func (l *Loop) step(a ActionWrapper) bool {
	l.mu.Lock()
	current := l.state
	next, err := l.reduce(current, a)
	if err != nil {
		l.mu.Unlock()
		l.fatal.Store(err)
		return false
	}
	l.state = next
	l.mu.Unlock()

	l.recordHistory(a.ID)

	l.mu.RLock()
	snapshot := l.state

	l.obsMu.Lock()
	fired := append([]observerEntry(nil), l.observers...)
	l.obsMu.Unlock()

	done := make(map[int64]struct{}, len(fired))
	for _, entry := range fired {
		if l.runObserver(entry, snapshot, a) {
			done[entry.id] = struct{}{} // one-shot observer signalled done; drop it
		}
	}
	l.mu.RUnlock()

	// Removing only the ids that fired (rather than overwriting the slice)
	// preserves observers registered concurrently while this step ran.
	l.obsMu.Lock()
	kept := l.observers[:0]
	for _, entry := range l.observers {
		if _, drop := done[entry.id]; !drop {
			kept = append(kept, entry)
		}
	}
	l.observers = kept
	l.obsMu.Unlock()
	return true
}

func (l *Loop) reduce(current State, a ActionWrapper) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{"action_id": a.ID, "panic": r}).
				Error("reducer panicked, instance is now fatally broken")
			err = &PanicError{ActionID: a.ID, Recovered: r}
		}
	}()
	return l.reducer(current, a), nil
}

// PanicError wraps a recovered reducer panic. Loop.FatalErr returns one
// once the actor has stopped because of a panic.
type PanicError struct {
	ActionID  string
	Recovered any
}

func (e *PanicError) Error() string {
	return "action: reducer panic on " + e.ActionID
}

func (l *Loop) runObserver(entry observerEntry, s State, applied ActionWrapper) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{"observer": entry.id, "panic": r}).
				Warn("observer panicked, dropping it")
			done = true
		}
	}()
	return entry.fn(s, applied, l)
}

func (l *Loop) recordHistory(id string) {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()
	l.history = append(l.history, id)
	if len(l.history) > historyLimit {
		l.history = l.history[len(l.history)-historyLimit:]
	}
}

// State returns a snapshot of the current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// FatalErr returns the panic that stopped the actor, if any. Once this is
// non-nil the loop no longer drains its queue; callers should treat the
// instance as stopped and not dispatch further actions to it.
func (l *Loop) FatalErr() error {
	v := l.fatal.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Dispatch enqueues action under a fresh id and returns it immediately;
// it blocks if the queue is full (backpressure).
func (l *Loop) Dispatch(a Action) string {
	id := uuid.NewString()
	l.queue <- ActionWrapper{ID: id, Action: a}
	return id
}

// DispatchAndWait enqueues action and blocks until an observer confirms
// the action's id has appeared in the state's recent history, or ctx is
// cancelled.
func (l *Loop) DispatchAndWait(ctx context.Context, a Action) (string, error) {
	id := uuid.NewString()
	wrapped := ActionWrapper{ID: id, Action: a}

	seen := make(chan struct{})
	l.addObserver(func(_ State, applied ActionWrapper, _ *Loop) bool {
		if applied.ID != wrapped.ID {
			return false
		}
		close(seen)
		return true
	})

	select {
	case l.queue <- wrapped:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case <-seen:
		return id, nil
	case <-ctx.Done():
		return id, ctx.Err()
	}
}

// DispatchWithObserver enqueues action and registers a one-shot observer
// that fires on every subsequent state transition until predicate
// returns true.
func (l *Loop) DispatchWithObserver(a Action, predicate Observer) string {
	id := uuid.NewString()
	l.addObserver(predicate)
	l.queue <- ActionWrapper{ID: id, Action: a}
	return id
}

// Subscribe registers a standing observer that is never auto-removed
// unless predicate itself returns true. Useful for waiter-style checkers
// (C11) that live for the instance's lifetime.
func (l *Loop) Subscribe(observer Observer) {
	l.addObserver(observer)
}

func (l *Loop) addObserver(fn Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.nextObsID++
	l.observers = append(l.observers, observerEntry{id: l.nextObsID, fn: fn})
}

// Stop closes the queue and waits for the actor to drain it.
func (l *Loop) Stop() {
	close(l.queue)
	<-l.done
}
