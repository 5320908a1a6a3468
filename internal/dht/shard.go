// Package dht implements the local DHT shard (C3): the holding map, the
// missing-aspect set and queued holding workflows, following the
// map/mutex idiom of core/kademlia.go's Kademlia. It keeps no peer view.
package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

// CrudStatus is one of the four states in spec.md §3's CRUD lattice.
type CrudStatus string

const (
	StatusLive     CrudStatus = "live"
	StatusRejected CrudStatus = "rejected"
	StatusDeleted  CrudStatus = "deleted"
	StatusModified CrudStatus = "modified"
)

// OriginResult reports hold_aspect's outcome to the peer it came from.
type OriginResult struct {
	OriginID string
	Ok       bool
	Err      error
}

// PendingHoldingWorkflow is a queued "hold aspect" workflow awaiting
// validation, with an optional retry deadline (spec.md §4.5's retry queue).
type PendingHoldingWorkflow struct {
	Workflow     string
	EntryAddress address.Address
	Aspect       Aspect
	NotBefore    time.Time
}

func (p PendingHoldingWorkflow) key() string {
	return p.Workflow + "|" + p.EntryAddress.String()
}

// Shard is one instance's local replica of the overlay: the aspects it has
// authored or accepted, and the aspects it knows it is missing.
type Shard struct {
	entries *cas.Store
	index   *cas.Index

	mu      sync.Mutex
	holding map[address.Address]map[address.Address]Aspect
	missing map[address.Address]map[address.Address]struct{}
	queue   []PendingHoldingWorkflow
}

// New creates a Shard over the given entry store and EAV index (C1).
func New(entries *cas.Store, index *cas.Index) *Shard {
	return &Shard{
		entries: entries,
		index:   index,
		holding: make(map[address.Address]map[address.Address]Aspect),
		missing: make(map[address.Address]map[address.Address]struct{}),
	}
}

// MarkMissing records that the shard knows about aspectAddr for entryAddr
// but does not yet hold it. Per the invariant in spec.md §3, an aspect is
// either held or listed missing — never both; MarkMissing is a no-op if
// the aspect is already held.
func (s *Shard) MarkMissing(entryAddr, aspectAddr address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byAspect, ok := s.holding[entryAddr]; ok {
		if _, held := byAspect[aspectAddr]; held {
			return
		}
	}
	if s.missing[entryAddr] == nil {
		s.missing[entryAddr] = make(map[address.Address]struct{})
	}
	s.missing[entryAddr][aspectAddr] = struct{}{}
}

// HoldAspect applies aspect to CAS+EAV per the table in spec.md §4.3 and
// records it as held, clearing it from the missing set. Per the decision
// in SPEC_FULL.md §9(1), the CAS/EAV writes and the holding-map update run
// under the shard's single mutex, so the two never diverge.
func (s *Shard) HoldAspect(aspect Aspect, originID string) OriginResult {
	entryAddr, err := aspect.EntryAddress()
	if err != nil {
		return OriginResult{OriginID: originID, Ok: false, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.apply(aspect); err != nil {
		return OriginResult{OriginID: originID, Ok: false, Err: err}
	}

	aspectAddr, err := aspect.Address()
	if err != nil {
		return OriginResult{OriginID: originID, Ok: false, Err: err}
	}
	if s.holding[entryAddr] == nil {
		s.holding[entryAddr] = make(map[address.Address]Aspect)
	}
	s.holding[entryAddr][aspectAddr] = aspect
	if byAspect, ok := s.missing[entryAddr]; ok {
		delete(byAspect, aspectAddr)
	}
	return OriginResult{OriginID: originID, Ok: true}
}

func (s *Shard) apply(aspect Aspect) error {
	switch aspect.Kind {
	case AspectContent:
		if aspect.Entry == nil {
			return cerr.New(cerr.ValidationFailed, "dht: content aspect missing entry")
		}
		entryAddr, err := s.entries.Add(*aspect.Entry)
		if err != nil {
			return err
		}
		headerAddr, _, err := aspect.Header.Address()
		if err != nil {
			return err
		}
		return s.index.Add(entryAddr, cas.SystemAttr(cas.SysHeaders), headerAddr)

	case AspectLinkAdd:
		p, err := decodeLinkAdd(aspect.Entry)
		if err != nil {
			return err
		}
		if _, err := s.entries.Add(*aspect.Entry); err != nil {
			return err
		}
		return s.index.Add(p.Base, cas.LinkTagAttr(p.Type, p.Tag), p.Target)

	case AspectLinkRemove:
		p, err := decodeLinkRemove(aspect.Entry)
		if err != nil {
			return err
		}
		for _, target := range p.Targets {
			if err := s.index.Add(p.Base, cas.RemovedLinkAttr(p.Type, p.Tag), target); err != nil {
				return err
			}
		}
		return nil

	case AspectUpdate:
		if aspect.Header.CrudLink == nil {
			return cerr.New(cerr.ValidationFailed, "dht: update aspect requires crud_link")
		}
		if aspect.Entry == nil {
			return cerr.New(cerr.ValidationFailed, "dht: update aspect missing entry")
		}
		newAddr, err := s.entries.Add(*aspect.Entry)
		if err != nil {
			return err
		}
		if err := s.index.Add(*aspect.Header.CrudLink, cas.SystemAttr(cas.SysCrudStatus), address.Address(StatusModified)); err != nil {
			return err
		}
		return s.index.Add(*aspect.Header.CrudLink, cas.SystemAttr(cas.SysCrudLink), newAddr)

	case AspectDeletion:
		if aspect.Header.CrudLink == nil {
			return cerr.New(cerr.ValidationFailed, "dht: deletion aspect requires crud_link")
		}
		return s.index.Add(*aspect.Header.CrudLink, cas.SystemAttr(cas.SysCrudStatus), address.Address(StatusDeleted))

	default:
		return cerr.New(cerr.ValidationFailed, fmt.Sprintf("dht: unknown aspect kind %q", aspect.Kind))
	}
}

// RejectEntry marks entryAddr rejected, per the CRUD lattice's `* →
// rejected` transition (spec.md §3's Invariants) — used by the hold-aspect
// workflow when guest validation of a received aspect fails.
func (s *Shard) RejectEntry(entryAddr address.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Add(entryAddr, cas.SystemAttr(cas.SysCrudStatus), address.Address(StatusRejected))
}

// Status returns the CRUD status of an entry address, defaulting to Live
// when no status triple has been recorded.
func (s *Shard) Status(entryAddr address.Address) CrudStatus {
	rows := s.index.Fetch(cas.Query{
		Entity:    &entryAddr,
		Attribute: cas.ExactAttr(cas.SystemAttr(cas.SysCrudStatus)),
	})
	if len(rows) == 0 {
		return StatusLive
	}
	return CrudStatus(rows[len(rows)-1].Value)
}

// QueueHoldingWorkflow appends pending unless an identical entry already
// exists for the same (workflow, entry_address).
func (s *Shard) QueueHoldingWorkflow(pending PendingHoldingWorkflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pending.key()
	for _, p := range s.queue {
		if p.key() == k {
			return
		}
	}
	s.queue = append(s.queue, pending)
}

// RemoveQueuedHoldingWorkflow removes any queued entry matching (workflow,
// entry_address).
func (s *Shard) RemoveQueuedHoldingWorkflow(pending PendingHoldingWorkflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pending.key()
	out := s.queue[:0]
	for _, p := range s.queue {
		if p.key() != k {
			out = append(out, p)
		}
	}
	s.queue = out
}

// Prune deduplicates the queue by (workflow, entry_address), keeping the
// earliest NotBefore for each key.
func (s *Shard) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]int)
	out := s.queue[:0]
	for _, p := range s.queue {
		if idx, ok := seen[p.key()]; ok {
			if p.NotBefore.Before(out[idx].NotBefore) {
				out[idx] = p
			}
			continue
		}
		seen[p.key()] = len(out)
		out = append(out, p)
	}
	s.queue = out
}

// NextQueued pops the earliest queued workflow whose NotBefore has passed.
func (s *Shard) NextQueued(now time.Time) (PendingHoldingWorkflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.queue {
		if now.Before(p.NotBefore) {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		return p, true
	}
	return PendingHoldingWorkflow{}, false
}

// AllAspects returns a snapshot of everything currently held, grouped by
// entry address.
func (s *Shard) AllAspects() map[address.Address][]Aspect {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[address.Address][]Aspect, len(s.holding))
	for entryAddr, byAspect := range s.holding {
		list := make([]Aspect, 0, len(byAspect))
		for _, a := range byAspect {
			list = append(list, a)
		}
		out[entryAddr] = list
	}
	return out
}
