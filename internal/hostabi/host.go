package hostabi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/conductor/internal/action"
	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/capability"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
	"github.com/synnergy-labs/conductor/internal/chain"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/internal/waiter"
)

// ZomeFunc is a guest-exposed function, registered by instance
// initialisation (the zome init callbacks of spec.md §4.5) and invoked by
// both local "call" and "send" delivery.
type ZomeFunc func(args []byte) ([]byte, error)

// Callable is what a bridged or same-instance callee exposes to Call.
type Callable interface {
	CallZomeFunction(zome string, capToken address.Address, fn string, args []byte) ([]byte, error)
}

// InstanceResolver looks up a bridged instance by the handle the calling
// guest was given when the bridge was registered (C10).
type InstanceResolver interface {
	ResolveInstance(handle string) (Callable, bool)
}

// PeerSender delivers a direct message to another agent and blocks for a
// reply, or until timeout — the "send" host call's contract with the P2P
// overlay (C9). A Runtime built with a nil PeerSender fails every Send at
// once with a Timeout error; internal/p2p/worker.DirectSender is the real
// implementation.
type PeerSender interface {
	SendDirectMessage(to address.Address, payload []byte, timeout time.Duration) ([]byte, error)
}

// Host is the full call table of spec.md §4.6. Every method corresponds
// to exactly one row of the table; the sandbox (sandbox.go) is a thin
// serialisation shim in front of it.
type Host interface {
	InitGlobals() (InitGlobalsResult, error)
	CommitEntry(entry cas.Entry) (address.Address, error)
	GetEntry(addr address.Address, opts GetEntryOptions) (GetEntryResult, error)
	EntryAddress(entry cas.Entry) (address.Address, error)
	UpdateEntry(newEntry cas.Entry, predecessor address.Address) (address.Address, error)
	RemoveEntry(addr address.Address) (address.Address, error)
	LinkEntries(base, target address.Address, linkType, tag string) (address.Address, error)
	RemoveLink(base, target address.Address, linkType, tag string) error
	GetLinks(base address.Address, typeMatcher, tagMatcher Matcher, opts GetLinksOptions) ([]LinkResult, error)
	Query(patterns []string, opts QueryOptions) (QueryResult, error)
	Send(toAgent address.Address, payload []byte, timeout time.Duration) ([]byte, error)
	Call(instanceHandle, zome string, capToken address.Address, fn string, args []byte) ([]byte, error)
	Sign(payload []byte) (string, error)
	VerifySignature(provenance address.Address, payload []byte, signature string) (bool, error)
	KeystoreSign(id string, payload []byte) (string, error)
	KeystoreGetKeybundle(prefix string) (keystore.KeyBundle, error)
	CommitCapabilityGrant(grant cas.CapGrantPayload) (address.Address, error)
	CommitCapabilityClaim(claim cas.CapClaimPayload) (address.Address, error)
	Debug(msg string) error
	Sleep(d time.Duration) error
}

// Identity bundles the agent/app facts init_globals reports to the guest.
type Identity struct {
	AppName      string
	AppAddress   address.Address
	AgentID      string
	AgentAddress address.Address
	PublicToken  address.Address
	Properties   json.RawMessage
}

// Runtime is the direct, synchronous implementation of Host, wired
// against one instance's CAS/chain/shard/capability engine/keystore. It
// is the same logic the workflow engine (C5) schedules as cooperative,
// suspendable tasks; Runtime performs it inline because nothing here
// blocks except Send and (transitively) bridged Call, both of which
// already return a bounded-wait result.
type Runtime struct {
	identity   Identity
	signingKey string // keystore id signing this agent's headers

	entries  *cas.Store
	index    *cas.Index
	chain    *chain.Chain
	shard    *dht.Shard
	capEng   *capability.Engine
	ks       *keystore.Keystore
	logger   *logrus.Logger

	selfHandle string
	resolver   InstanceResolver
	peers      PeerSender
	signals    *action.Loop // optional: drives C11's waiter over commit/call signals

	mu          sync.RWMutex
	zomeFns     map[string]ZomeFunc
	trace       []string
	currentCall waiter.CallID // set for the duration of the in-flight CallZomeFunction
}

// signal dispatches a to the signal loop if one is attached; it is a no-op
// otherwise, so Runtime works standalone in tests that have no waiter.
func (r *Runtime) signal(a action.Action) {
	if r.signals != nil {
		r.signals.Dispatch(a)
	}
}

// callID returns the call correlating the commit currently in flight, per
// spec.md §4.12 — empty outside of CallZomeFunction. Reading it under the
// same mutex CallZomeFunction writes it under is sound because a single
// instance's calls are serialised through its own actor loop (the same
// assumption CallZomeFunction's recursion guard relies on).
func (r *Runtime) callID() waiter.CallID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentCall
}

// Config bundles the wiring Runtime needs beyond the identity.
type Config struct {
	Identity   Identity
	SigningKey string
	Entries    *cas.Store
	Index      *cas.Index
	Chain      *chain.Chain
	Shard      *dht.Shard
	Capability *capability.Engine
	Keystore   *keystore.Keystore
	SelfHandle string
	Resolver   InstanceResolver
	Peers      PeerSender
	Signals    *action.Loop
	Logger     *logrus.Logger
}

func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Runtime{
		identity:   cfg.Identity,
		signingKey: cfg.SigningKey,
		entries:    cfg.Entries,
		index:      cfg.Index,
		chain:      cfg.Chain,
		shard:      cfg.Shard,
		capEng:     cfg.Capability,
		ks:         cfg.Keystore,
		logger:     logger,
		selfHandle: cfg.SelfHandle,
		resolver:   cfg.Resolver,
		peers:      cfg.Peers,
		signals:    cfg.Signals,
		zomeFns:    make(map[string]ZomeFunc),
	}
}

// RegisterZomeFunction exposes a guest-callable function under (zome, fn),
// invoked by both Call and the direct-message responder.
func (r *Runtime) RegisterZomeFunction(zome, fn string, handler ZomeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zomeFns[zomeFnKey(zome, fn)] = handler
}

func zomeFnKey(zome, fn string) string { return zome + "/" + fn }

func (r *Runtime) InitGlobals() (InitGlobalsResult, error) {
	top, ok := r.chain.TopHeader()
	var latest address.Address
	if ok {
		var err error
		latest, _, err = top.Address()
		if err != nil {
			return InitGlobalsResult{}, err
		}
	}
	next := r.chain.IterHeadersByType(cas.EntryAgentID)
	var initial address.Address
	if h, ok := next(); ok {
		var err error
		initial, _, err = h.Address()
		if err != nil {
			return InitGlobalsResult{}, err
		}
	}
	return InitGlobalsResult{
		AppName:                r.identity.AppName,
		AppAddress:             r.identity.AppAddress,
		AgentID:                r.identity.AgentID,
		AgentAddress:           r.identity.AgentAddress,
		AgentInitialHeaderAddr: initial,
		AgentLatestHeaderAddr:  latest,
		PublicToken:            r.identity.PublicToken,
		Properties:             r.identity.Properties,
	}, nil
}

func (r *Runtime) provenance(entryAddr address.Address) (chain.Provenance, error) {
	sigB64, err := r.ks.Sign(r.signingKey, []byte(entryAddr.String()))
	if err != nil {
		return chain.Provenance{}, cerr.Wrap(err, cerr.InternalFailure, "hostabi: sign entry address")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return chain.Provenance{}, cerr.Wrap(err, cerr.InternalFailure, "hostabi: decode signature")
	}
	return chain.Provenance{Agent: r.identity.AgentAddress, Signature: sig}, nil
}

// commitContentAspect commits a header on the local chain and immediately holds
// the corresponding aspect in the local shard, per SPEC_FULL.md §9(1)'s
// decision that authoring always self-holds.
func (r *Runtime) commitContentAspect(entry cas.Entry) (address.Address, error) {
	entryAddr, _, err := entry.Address()
	if err != nil {
		return "", err
	}
	prov, err := r.provenance(entryAddr)
	if err != nil {
		return "", err
	}
	headerAddr, err := r.chain.Commit(entry, []chain.Provenance{prov}, time.Now())
	if err != nil {
		return "", err
	}
	header, _, err := r.chain.GetHeader(headerAddr)
	if err != nil {
		return "", err
	}
	res := r.shard.HoldAspect(dht.Aspect{Kind: dht.AspectContent, Entry: &entry, Header: header}, r.identity.AgentID)
	if !res.Ok {
		return "", res.Err
	}
	r.signal(waiter.SignalCommit{Call: r.callID(), EntryAddress: entryAddr, Kind: waiter.CommitContent})
	return entryAddr, nil
}

func (r *Runtime) CommitEntry(entry cas.Entry) (address.Address, error) {
	return r.commitContentAspect(entry)
}

func (r *Runtime) EntryAddress(entry cas.Entry) (address.Address, error) {
	addr, _, err := entry.Address()
	return addr, err
}

func (r *Runtime) GetEntry(addr address.Address, opts GetEntryOptions) (GetEntryResult, error) {
	status := string(r.shard.Status(addr))
	if len(opts.StatusFilter) > 0 && !statusAllowed(status, opts.StatusFilter) {
		return GetEntryResult{Status: status}, nil
	}

	out := GetEntryResult{Status: status}
	if opts.EntryOrNot {
		entry, ok, err := r.entries.Get(addr)
		if err != nil {
			return GetEntryResult{}, err
		}
		if ok {
			out.Entry = &entry
		}
	}

	if opts.Headers || opts.Sources {
		rows := r.index.Fetch(cas.Query{Entity: &addr, Attribute: cas.ExactAttr(cas.SystemAttr(cas.SysHeaders))})
		for _, row := range rows {
			h, ok, err := r.chain.GetHeader(row.Value)
			if err != nil {
				return GetEntryResult{}, err
			}
			if !ok {
				continue
			}
			if opts.Headers {
				out.Headers = append(out.Headers, h)
			}
			if opts.Sources {
				for _, p := range h.Provenances {
					out.Sources = append(out.Sources, p.Agent)
				}
			}
		}
	}
	return out, nil
}

func statusAllowed(status string, filter []string) bool {
	for _, s := range filter {
		if s == status {
			return true
		}
	}
	return false
}

func (r *Runtime) UpdateEntry(newEntry cas.Entry, predecessor address.Address) (address.Address, error) {
	entryAddr, _, err := newEntry.Address()
	if err != nil {
		return "", err
	}
	prov, err := r.provenance(entryAddr)
	if err != nil {
		return "", err
	}
	headerAddr, err := r.chain.CommitUpdate(newEntry, predecessor, []chain.Provenance{prov}, time.Now())
	if err != nil {
		return "", err
	}
	header, _, err := r.chain.GetHeader(headerAddr)
	if err != nil {
		return "", err
	}
	res := r.shard.HoldAspect(dht.Aspect{Kind: dht.AspectUpdate, Entry: &newEntry, Header: header}, r.identity.AgentID)
	if !res.Ok {
		return "", res.Err
	}
	call := r.callID()
	r.signal(waiter.SignalCommit{Call: call, EntryAddress: entryAddr, Kind: waiter.CommitUpdate})
	r.signal(waiter.SignalUpdateEntry{EntryAddress: entryAddr})
	return entryAddr, nil
}

func (r *Runtime) RemoveEntry(addr address.Address) (address.Address, error) {
	payload, err := json.Marshal(cas.DeletionPayload{Deletes: addr})
	if err != nil {
		return "", err
	}
	entry := cas.Entry{Type: cas.EntryDeletion, Payload: payload}
	entryAddr, _, err := entry.Address()
	if err != nil {
		return "", err
	}
	prov, err := r.provenance(entryAddr)
	if err != nil {
		return "", err
	}
	headerAddr, err := r.chain.CommitDeletion(entry, addr, []chain.Provenance{prov}, time.Now())
	if err != nil {
		return "", err
	}
	header, _, err := r.chain.GetHeader(headerAddr)
	if err != nil {
		return "", err
	}
	res := r.shard.HoldAspect(dht.Aspect{Kind: dht.AspectDeletion, Header: header}, r.identity.AgentID)
	if !res.Ok {
		return "", res.Err
	}
	call := r.callID()
	r.signal(waiter.SignalCommit{Call: call, EntryAddress: entryAddr, Kind: waiter.CommitDeletion})
	r.signal(waiter.SignalRemoveEntry{EntryAddress: entryAddr})
	return entryAddr, nil
}

func (r *Runtime) LinkEntries(base, target address.Address, linkType, tag string) (address.Address, error) {
	payload, err := json.Marshal(cas.LinkAddPayload{Base: base, Target: target, Type: linkType, Tag: tag})
	if err != nil {
		return "", err
	}
	entry := cas.Entry{Type: cas.EntryLinkAdd, Payload: payload}
	entryAddr, _, err := entry.Address()
	if err != nil {
		return "", err
	}
	prov, err := r.provenance(entryAddr)
	if err != nil {
		return "", err
	}
	headerAddr, err := r.chain.Commit(entry, []chain.Provenance{prov}, time.Now())
	if err != nil {
		return "", err
	}
	header, _, err := r.chain.GetHeader(headerAddr)
	if err != nil {
		return "", err
	}
	res := r.shard.HoldAspect(dht.Aspect{Kind: dht.AspectLinkAdd, Entry: &entry, Header: header}, r.identity.AgentID)
	if !res.Ok {
		return "", res.Err
	}
	call := r.callID()
	r.signal(waiter.SignalCommit{Call: call, EntryAddress: entryAddr, Kind: waiter.CommitLinkAdd})
	r.signal(waiter.SignalAddLink{EntryAddress: entryAddr})
	return entryAddr, nil
}

func (r *Runtime) RemoveLink(base, target address.Address, linkType, tag string) error {
	payload, err := json.Marshal(cas.LinkRemovePayload{Base: base, Targets: []address.Address{target}, Type: linkType, Tag: tag})
	if err != nil {
		return err
	}
	entry := cas.Entry{Type: cas.EntryLinkRemove, Payload: payload}
	entryAddr, _, err := entry.Address()
	if err != nil {
		return err
	}
	prov, err := r.provenance(entryAddr)
	if err != nil {
		return err
	}
	headerAddr, err := r.chain.Commit(entry, []chain.Provenance{prov}, time.Now())
	if err != nil {
		return err
	}
	header, _, err := r.chain.GetHeader(headerAddr)
	if err != nil {
		return err
	}
	res := r.shard.HoldAspect(dht.Aspect{Kind: dht.AspectLinkRemove, Entry: &entry, Header: header}, r.identity.AgentID)
	if !res.Ok {
		return res.Err
	}
	call := r.callID()
	r.signal(waiter.SignalCommit{Call: call, EntryAddress: entryAddr, Kind: waiter.CommitLinkRemove})
	r.signal(waiter.SignalRemoveLink{EntryAddress: entryAddr})
	return nil
}

func buildAttrMatcher(typeMatcher, tagMatcher Matcher) (cas.AttrMatcher, error) {
	if tagMatcher.Mode == MatchRegex {
		re, err := regexp.Compile(tagMatcher.Pattern)
		if err != nil {
			return cas.AttrMatcher{}, cerr.Wrap(err, cerr.ValidationFailed, "hostabi: compile tag regex")
		}
		return cas.RegexTagAttr(typeMatcher.Literal, re), nil
	}
	if typeMatcher.Mode == MatchAny && tagMatcher.Mode == MatchAny {
		return cas.AnyAttr(), nil
	}
	return cas.ExactAttr(cas.LinkTagAttr(typeMatcher.Literal, tagMatcher.Literal)), nil
}

func (r *Runtime) GetLinks(base address.Address, typeMatcher, tagMatcher Matcher, opts GetLinksOptions) ([]LinkResult, error) {
	matcher, err := buildAttrMatcher(typeMatcher, tagMatcher)
	if err != nil {
		return nil, err
	}
	rows := r.index.Fetch(cas.Query{Entity: &base, Attribute: matcher})
	out := make([]LinkResult, 0, len(rows))
	for _, row := range rows {
		lr := LinkResult{Target: row.Value, Tag: row.Attribute.Tag, Status: string(r.shard.Status(row.Value))}
		if opts.Headers {
			headerRows := r.index.Fetch(cas.Query{Entity: &row.Value, Attribute: cas.ExactAttr(cas.SystemAttr(cas.SysHeaders))})
			for _, hr := range headerRows {
				h, ok, err := r.chain.GetHeader(hr.Value)
				if err != nil {
					return nil, err
				}
				if ok {
					lr.Headers = append(lr.Headers, h)
				}
			}
		}
		out = append(out, lr)
	}
	return out, nil
}

// Query matches patterns (path.Match globs) against the type name of
// everything the shard currently holds, per spec.md §4.6: the entry's
// app type, or its system type when it has none. Namespaced names are not
// matched; a pattern is compared against that single name only. It is a
// direct scan since the EAV index only tracks links and system
// attributes, not a general type catalogue.
func (r *Runtime) Query(patterns []string, opts QueryOptions) (QueryResult, error) {
	var out QueryResult
	for entryAddr, aspects := range r.shard.AllAspects() {
		for _, a := range aspects {
			if a.Kind != dht.AspectContent && a.Kind != dht.AspectUpdate {
				continue
			}
			if a.Entry == nil {
				continue
			}
			name := string(a.Entry.Type)
			if a.Entry.AppType != "" {
				name = a.Entry.AppType
			}
			if !matchAnyPattern(patterns, name) {
				continue
			}
			row := QueryRow{Address: entryAddr}
			if opts.WantHeaders {
				h := a.Header
				row.Header = &h
			}
			if opts.WantEntries {
				row.Entry = a.Entry
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func matchAnyPattern(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (r *Runtime) Send(toAgent address.Address, payload []byte, timeout time.Duration) ([]byte, error) {
	if r.peers == nil {
		return nil, cerr.New(cerr.Timeout, "hostabi: no overlay attached to send through")
	}
	return r.peers.SendDirectMessage(toAgent, payload, timeout)
}

func (r *Runtime) Call(instanceHandle, zome string, capToken address.Address, fn string, args []byte) ([]byte, error) {
	if instanceHandle == "" || instanceHandle == r.selfHandle {
		return r.CallZomeFunction(zome, capToken, fn, args)
	}
	if r.resolver == nil {
		return nil, cerr.New(cerr.NotFound, fmt.Sprintf("hostabi: no bridge resolver for instance %q", instanceHandle))
	}
	callee, ok := r.resolver.ResolveInstance(instanceHandle)
	if !ok {
		return nil, cerr.New(cerr.NotFound, fmt.Sprintf("hostabi: unknown bridged instance %q", instanceHandle))
	}
	return callee.CallZomeFunction(zome, capToken, fn, args)
}

// CallZomeFunction is Runtime's Callable implementation, used both for
// same-instance Call and as the target of a bridged call from another
// instance. Recursion (an instance calling itself while already inside a
// call dispatched from this same method) is forbidden by spec.md §4.6;
// Runtime enforces it via a per-goroutine-free reentrancy guard since a
// single instance's calls are serialised through its own actor loop.
func (r *Runtime) CallZomeFunction(zome string, capToken address.Address, fn string, args []byte) ([]byte, error) {
	req := capability.Request{Token: capToken, FunctionName: fn, Args: args}
	if err := r.capEng.Validate(req, zome, fn); err != nil {
		return nil, err
	}
	r.mu.RLock()
	handler, ok := r.zomeFns[zomeFnKey(zome, fn)]
	r.mu.RUnlock()
	if !ok {
		return nil, cerr.New(cerr.NotFound, fmt.Sprintf("hostabi: no such zome function %s/%s", zome, fn))
	}

	r.mu.Lock()
	prevCall := r.currentCall
	if prevCall != "" {
		r.mu.Unlock()
		return nil, cerr.New(cerr.RecursiveCallForbidden, fmt.Sprintf("hostabi: %s/%s called while call %s is still in flight", zome, fn, prevCall))
	}
	call := waiter.CallID(uuid.NewString())
	r.currentCall = call
	r.mu.Unlock()
	r.signal(waiter.SignalZomeFunctionCall{Call: call})
	defer func() {
		r.mu.Lock()
		r.currentCall = prevCall
		r.mu.Unlock()
		r.signal(waiter.SignalReturnZomeFunctionResult{Call: call})
	}()

	return handler(args)
}

func (r *Runtime) Sign(payload []byte) (string, error) {
	return r.ks.Sign(r.signingKey, payload)
}

func (r *Runtime) VerifySignature(provenance address.Address, payload []byte, signature string) (bool, error) {
	entry, ok, err := r.entries.Get(provenance)
	if err != nil {
		return false, err
	}
	if !ok || entry.Type != cas.EntryAgentID {
		return false, cerr.New(cerr.NotFound, "hostabi: provenance does not resolve to an agent identity")
	}
	var p cas.AgentIDPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return false, err
	}
	return keystore.Verify(p.PublicKey, payload, signature)
}

func (r *Runtime) KeystoreSign(id string, payload []byte) (string, error) {
	return r.ks.Sign(id, payload)
}

func (r *Runtime) KeystoreGetKeybundle(prefix string) (keystore.KeyBundle, error) {
	return r.ks.GetKeybundle(prefix)
}

func (r *Runtime) CommitCapabilityGrant(grant cas.CapGrantPayload) (address.Address, error) {
	payload, err := json.Marshal(grant)
	if err != nil {
		return "", err
	}
	entry := cas.Entry{Type: cas.EntryCapGrant, Payload: payload}
	return r.commitContentAspect(entry)
}

func (r *Runtime) CommitCapabilityClaim(claim cas.CapClaimPayload) (address.Address, error) {
	payload, err := json.Marshal(claim)
	if err != nil {
		return "", err
	}
	entry := cas.Entry{Type: cas.EntryCapClaim, Payload: payload}
	return r.commitContentAspect(entry)
}

func (r *Runtime) Debug(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, msg)
	r.logger.WithField("instance", r.identity.AgentID).Debug(msg)
	return nil
}

// Trace returns a snapshot of everything Debug has appended.
func (r *Runtime) Trace() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.trace))
	copy(out, r.trace)
	return out
}

func (r *Runtime) Sleep(d time.Duration) error {
	time.Sleep(d)
	return nil
}
