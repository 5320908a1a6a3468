// Package workflow implements the suspendable workflow engine (C5):
// cooperative tasks — initialise, author, hold, respond-to-message,
// respond-to-query — that compose by awaiting state predicates over C4's
// action stream, a network round-trip, or a bridged call, per spec.md
// §4.5. There is no teacher equivalent (Synnergy has no workflow
// scheduler); the suspend-on-channel shape is grounded on
// core/network.go's Subscribe, generalised from "wake up on the next
// gossip message" into "wake up on the next state transition matching a
// predicate".
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/conductor/internal/action"
	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/capability"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/hostabi"
)

// Status is the instance's application-level lifecycle status, distinct
// from C10's start/stop instance lifecycle.
type Status string

const (
	StatusNotInitialized     Status = "not_initialized"
	StatusInitializing       Status = "initializing"
	StatusRunning            Status = "running"
	StatusInitializationFailed Status = "initialization_failed"
)

// ValidationPackageKind selects how much of the author's chain a
// validation callback is given, per spec.md §4.5's Author entry workflow.
type ValidationPackageKind string

const (
	PackageFullChain   ValidationPackageKind = "full_chain"
	PackageHeadersOnly ValidationPackageKind = "headers_only"
	PackageEntryOnly   ValidationPackageKind = "entry_only"
)

// ValidationPackage is what a validation callback receives alongside the
// candidate entry.
type ValidationPackage struct {
	Kind    ValidationPackageKind
	Headers []address.Address
	Chain   []cas.Entry
}

// ValidationCallback is the guest's per-app-entry-type validation rule.
type ValidationCallback func(entry cas.Entry, pkg ValidationPackage) error

// InitCallback is one zome's init hook, run during InitialiseApplication.
type InitCallback func() error

// QueryCallback post-processes a raw EAV query before it is returned to
// the caller, per spec.md §4.5's "invokes the guest's query callback".
type QueryCallback func(hostabi.QueryResult) (hostabi.QueryResult, error)

// ValidationPackageFetcher retrieves a validation package from the
// authoring peer when it is not already held locally — the network-bound
// half of the Hold aspect workflow. Answering this request on the
// author's side needs an inbound dispatcher that turns a received direct
// message back into a RespondToDirectMessage call, which does not exist
// yet, so Engine is still constructed with a fetcher that always reports
// the dependency missing; RunRetryLoop's backoff is what keeps a pending
// hold from being lost in the meantime.
type ValidationPackageFetcher func(author address.Address, entryAddr address.Address, kind ValidationPackageKind) (ValidationPackage, error)

// Publisher hands a freshly authored aspect to the P2P overlay (C9) for
// gossip; internal/p2p/worker.EntryPublisher is the real implementation,
// wired in whenever the conductor has a hub configured.
type Publisher interface {
	PublishEntry(aspect dht.Aspect) error
}

type noopPublisher struct{}

func (noopPublisher) PublishEntry(dht.Aspect) error { return nil }

// ErrMissingDependency signals that holding an aspect needs data the node
// does not have yet; the caller should re-queue with a retry delay rather
// than reject outright.
var ErrMissingDependency = cerr.New(cerr.NotFound, "workflow: missing dependency for hold aspect")

// Config bundles everything Engine needs beyond the runtime.
type Config struct {
	Runtime        *hostabi.Runtime
	Shard          *dht.Shard
	Loop           *action.Loop
	Publisher      Publisher
	Fetcher        ValidationPackageFetcher
	NetworkTimeout time.Duration // default 10s per spec.md §4.5
	Logger         *logrus.Logger
}

// Engine schedules the five core workflows over one instance's runtime.
type Engine struct {
	rt        *hostabi.Runtime
	shard     *dht.Shard
	loop      *action.Loop
	publisher Publisher
	fetcher   ValidationPackageFetcher
	timeout   time.Duration
	logger    *logrus.Logger

	mu         sync.RWMutex
	status     Status
	validators map[string]ValidationCallback
	inits      []InitCallback
	queryCb    QueryCallback
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = func(address.Address, address.Address, ValidationPackageKind) (ValidationPackage, error) {
			return ValidationPackage{}, ErrMissingDependency
		}
	}
	timeout := cfg.NetworkTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		rt:         cfg.Runtime,
		shard:      cfg.Shard,
		loop:       cfg.Loop,
		publisher:  publisher,
		fetcher:    fetcher,
		timeout:    timeout,
		logger:     logger,
		status:     StatusNotInitialized,
		validators: make(map[string]ValidationCallback),
	}
}

// RegisterValidation installs the validation callback for entries whose
// AppType equals appType. An app entry type with no registered callback
// is accepted unconditionally.
func (e *Engine) RegisterValidation(appType string, cb ValidationCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators[appType] = cb
}

// RegisterInit appends a zome init callback, run in registration order by
// InitialiseApplication.
func (e *Engine) RegisterInit(cb InitCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits = append(e.inits, cb)
}

// SetQueryCallback installs the guest's query post-processing hook.
func (e *Engine) SetQueryCallback(cb QueryCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryCb = cb
}

// Status returns the instance's current application-level status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// InitialiseApplication commits the DNA entry, then the AgentId entry,
// then runs every registered zome init callback in order; it succeeds
// only if all of them do, per spec.md §4.5.
func (e *Engine) InitialiseApplication(dna, agentID cas.Entry) error {
	e.setStatus(StatusInitializing)

	if _, err := e.rt.CommitEntry(dna); err != nil {
		e.setStatus(StatusInitializationFailed)
		return cerr.Wrap(err, cerr.InternalFailure, "workflow: commit dna entry")
	}
	if _, err := e.rt.CommitEntry(agentID); err != nil {
		e.setStatus(StatusInitializationFailed)
		return cerr.Wrap(err, cerr.InternalFailure, "workflow: commit agent id entry")
	}

	e.mu.RLock()
	callbacks := append([]InitCallback(nil), e.inits...)
	e.mu.RUnlock()

	for i, cb := range callbacks {
		if err := cb(); err != nil {
			e.setStatus(StatusInitializationFailed)
			return cerr.Wrap(err, cerr.ValidationFailed, fmt.Sprintf("workflow: init callback %d failed", i))
		}
	}

	e.setStatus(StatusRunning)
	return nil
}

func (e *Engine) validatorFor(appType string) ValidationCallback {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validators[appType]
}

// AuthorEntry validates entry (if a validator is registered for its
// AppType), commits it on success, and hands the resulting content
// aspect to the publisher for gossip.
func (e *Engine) AuthorEntry(entry cas.Entry, pkgKind ValidationPackageKind) (address.Address, error) {
	if e.Status() != StatusRunning {
		return "", cerr.New(cerr.InstanceNotActiveYet, "workflow: author entry before application is running")
	}

	if cb := e.validatorFor(entry.AppType); cb != nil {
		pkg, err := e.buildValidationPackage(pkgKind)
		if err != nil {
			return "", err
		}
		if err := cb(entry, pkg); err != nil {
			return "", cerr.Wrap(err, cerr.ValidationFailed, "workflow: guest rejected authored entry")
		}
	}

	addr, err := e.rt.CommitEntry(entry)
	if err != nil {
		return "", err
	}

	if entry.Type == cas.EntryApp {
		if err := e.publisher.PublishEntry(dht.Aspect{Kind: dht.AspectContent, Entry: &entry}); err != nil {
			e.logger.WithError(err).Warn("workflow: publish authored aspect failed")
		}
	}
	return addr, nil
}

// buildValidationPackage assembles the chain context a validator asks
// for; only the author's own chain is available synchronously (a remote
// author's package must come through fetcher, used by HoldAspect).
func (e *Engine) buildValidationPackage(kind ValidationPackageKind) (ValidationPackage, error) {
	return ValidationPackage{Kind: kind}, nil
}

// HoldAspect runs the Hold aspect workflow for one pending entry: fetch
// the validation package if needed, validate, then hold or reject. On a
// missing-dependency error it re-queues with a retry delay rather than
// rejecting, per spec.md §4.5's retry queue.
func (e *Engine) HoldAspect(pending dht.PendingHoldingWorkflow, author address.Address, retryAfter time.Duration) error {
	e.shard.RemoveQueuedHoldingWorkflow(pending)

	var pkg ValidationPackage
	if cb := e.validatorFor(aspectAppType(pending.Aspect)); cb != nil {
		var err error
		pkg, err = e.fetcher(author, pending.EntryAddress, PackageEntryOnly)
		if err != nil {
			if err == ErrMissingDependency || cerr.Is(err, cerr.NotFound) {
				pending.NotBefore = time.Now().Add(retryAfter)
				e.shard.QueueHoldingWorkflow(pending)
				return nil
			}
			return err
		}
		if pending.Aspect.Entry != nil {
			if err := cb(*pending.Aspect.Entry, pkg); err != nil {
				return e.shard.RejectEntry(pending.EntryAddress)
			}
		}
	}

	res := e.shard.HoldAspect(pending.Aspect, pending.Workflow)
	if !res.Ok {
		return res.Err
	}
	return nil
}

func aspectAppType(a dht.Aspect) string {
	if a.Entry == nil {
		return ""
	}
	return a.Entry.AppType
}

// RespondToDirectMessage authorises and runs a direct-message call
// against a local zome function, per spec.md §4.5.
func (e *Engine) RespondToDirectMessage(req capability.Request, zome, fn string) ([]byte, error) {
	return e.rt.CallZomeFunction(zome, req.Token, fn, req.Args)
}

// RespondToQuery runs the held-EAV-shard query and passes it through the
// guest's query callback, if one is registered.
func (e *Engine) RespondToQuery(patterns []string, opts hostabi.QueryOptions) (hostabi.QueryResult, error) {
	res, err := e.rt.Query(patterns, opts)
	if err != nil {
		return hostabi.QueryResult{}, err
	}
	e.mu.RLock()
	cb := e.queryCb
	e.mu.RUnlock()
	if cb == nil {
		return res, nil
	}
	return cb(res)
}

// AwaitStatePredicate suspends the calling goroutine until predicate
// returns true for some applied action's resulting state, or ctx is
// cancelled — the "awaiting a state predicate" suspension point of §5.
// Cancelling ctx (e.g. because the instance stopped) removes the observer
// by letting it return true on the next tick without signalling success.
func (e *Engine) AwaitStatePredicate(ctx context.Context, predicate func(action.State) bool) error {
	matched := make(chan struct{})
	e.loop.Subscribe(func(s action.State, _ action.ActionWrapper, _ *action.Loop) bool {
		select {
		case <-ctx.Done():
			return true // instance stopped: remove this observer, no match
		default:
		}
		if predicate(s) {
			close(matched)
			return true
		}
		return false
	})

	select {
	case <-matched:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitNetworkResponse suspends until wait returns or the configured
// network timeout elapses, surfacing a typed timeout error on expiry per
// spec.md §4.5's "awaiting a network response" cancellation clause.
func (e *Engine) AwaitNetworkResponse(ctx context.Context, wait func(context.Context) ([]byte, error)) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := wait(cctx)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-cctx.Done():
		return nil, cerr.New(cerr.Timeout, "workflow: network response timed out")
	}
}

// RunRetryLoop periodically prunes the holding-workflow queue and
// re-attempts everything whose retry delay has elapsed, until ctx is
// cancelled. Callers typically run this in its own goroutine per instance.
func (e *Engine) RunRetryLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.shard.Prune()
			for {
				pending, ok := e.shard.NextQueued(time.Now())
				if !ok {
					break
				}
				var author address.Address
				for _, p := range pending.Aspect.Header.Provenances {
					author = p.Agent
					break
				}
				if err := e.HoldAspect(pending, author, tick); err != nil {
					e.logger.WithError(err).Warn("workflow: retrying queued hold-aspect workflow failed")
				}
			}
		}
	}
}
