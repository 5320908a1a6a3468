// Package server implements the in-process P2P overlay server (C9a): a
// single named registry that lets every instance in one process join a
// shared fabric and exchange direct messages, published aspects, and
// gossip-list reconciliation, without any of them needing a real network
// transport. Grounded on the teacher's core/network.go package-level
// globals (replicatedMessages plus SetBroadcaster/Broadcast) generalised
// from "one global broadcaster" into "one registry of named servers, each
// holding its own per-space routing table".
package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

type bookKey struct {
	Space Space
	Agent address.Address
}

// book is space x agent -> entry -> set of aspect addresses, per spec.md
// §4.9's `authored`/`stored` shape.
type book map[bookKey]map[address.Address]map[address.Address]struct{}

func (b book) record(space Space, agent address.Address, entry, aspect address.Address) (added bool) {
	key := bookKey{Space: space, Agent: agent}
	byEntry, ok := b[key]
	if !ok {
		byEntry = make(map[address.Address]map[address.Address]struct{})
		b[key] = byEntry
	}
	aspects, ok := byEntry[entry]
	if !ok {
		aspects = make(map[address.Address]struct{})
		byEntry[entry] = aspects
	}
	if _, already := aspects[aspect]; already {
		return false
	}
	aspects[aspect] = struct{}{}
	return true
}

func (b book) has(space Space, agent address.Address, entry, aspect address.Address) bool {
	byEntry, ok := b[bookKey{Space: space, Agent: agent}]
	if !ok {
		return false
	}
	aspects, ok := byEntry[entry]
	if !ok {
		return false
	}
	_, ok = aspects[aspect]
	return ok
}

// Server is one named overlay: a single lock-guarded structure, per
// spec.md §5's resource model ("The P2P server is a single lock-guarded
// structure per named overlay; all mutations serialise on that lock").
type Server struct {
	log *logrus.Logger

	mu              sync.Mutex
	tracked         map[Space]map[address.Address]Inbox
	firstRegistered map[Space]address.Address // first agent to JoinSpace, for QueryEntry's fallback
	authored        book
	stored          book
	requests        map[RequestID]pendingRequest
	nextRequest     uint64
}

type pendingRequest struct {
	space     Space
	requester address.Address
}

// New creates an empty Server. log may be nil, in which case a default
// logrus.Logger is used.
func New(log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		log:             log,
		tracked:         make(map[Space]map[address.Address]Inbox),
		firstRegistered: make(map[Space]address.Address),
		authored:        make(book),
		stored:          make(book),
		requests:        make(map[RequestID]pendingRequest),
	}
}

// NextRequestID returns a fresh, monotonically increasing request id
// scoped to this Server.
func (s *Server) NextRequestID() RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRequest++
	return RequestID(s.nextRequest)
}

func (s *Server) isTracked(space Space, agent address.Address) bool {
	byAgent, ok := s.tracked[space]
	if !ok {
		return false
	}
	_, ok = byAgent[agent]
	return ok
}

func (s *Server) inboxOf(space Space, agent address.Address) (Inbox, bool) {
	byAgent, ok := s.tracked[space]
	if !ok {
		return nil, false
	}
	in, ok := byAgent[agent]
	return in, ok
}

func (s *Server) deliver(in Inbox, f Frame) {
	if in == nil {
		return
	}
	in <- f
}

// fail sends a FailureResult to sender, echoing sender's own request id,
// per spec.md §4.9's liveness-check behaviour.
func (s *Server) fail(space Space, sender address.Address, reqID RequestID, err error) {
	in, ok := s.inboxOf(space, sender)
	if !ok {
		s.log.WithError(err).WithField("agent", sender).Warn("p2p/server: dropping failure result for untracked sender")
		return
	}
	s.deliver(in, FailureResult{
		Envelope: Envelope{Space: space, RequestID: reqID},
		Agent:    sender,
		Err:      err.Error(),
	})
}

// JoinSpace adds msg.Agent to the tracked set and requests its authoring
// and gossiping lists.
func (s *Server) JoinSpace(msg JoinSpace) {
	s.mu.Lock()
	byAgent, ok := s.tracked[msg.Space]
	if !ok {
		byAgent = make(map[address.Address]Inbox)
		s.tracked[msg.Space] = byAgent
	}
	if _, first := s.firstRegistered[msg.Space]; !first {
		s.firstRegistered[msg.Space] = msg.Agent
	}
	byAgent[msg.Agent] = msg.Inbox
	in := msg.Inbox
	s.mu.Unlock()

	s.deliver(in, HandleGetAuthoringEntryList{Envelope: Envelope{Space: msg.Space}, Agent: msg.Agent})
	s.deliver(in, HandleGetGossipingEntryList{Envelope: Envelope{Space: msg.Space}, Agent: msg.Agent})
}

// LeaveSpace removes msg.Agent from the tracked set.
func (s *Server) LeaveSpace(msg LeaveSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAgent, ok := s.tracked[msg.Space]
	if !ok {
		return
	}
	delete(byAgent, msg.Agent)
	if s.firstRegistered[msg.Space] == msg.Agent {
		delete(s.firstRegistered, msg.Space)
		for other := range byAgent {
			s.firstRegistered[msg.Space] = other
			break
		}
	}
}

// SendDirectMessage checks both endpoints are tracked and relays the
// payload to To as HandleSendDirectMessage; otherwise it fails the sender.
func (s *Server) SendDirectMessage(msg SendDirectMessage) {
	s.mu.Lock()
	fromOK := s.isTracked(msg.Space, msg.From)
	toIn, toOK := s.inboxOf(msg.Space, msg.To)
	s.mu.Unlock()

	if !fromOK || !toOK {
		s.fail(msg.Space, msg.From, msg.RequestID, cerr.New(cerr.NotFound, "send_direct_message: endpoint not tracked"))
		return
	}
	s.deliver(toIn, HandleSendDirectMessage{
		Envelope: msg.Envelope,
		From:     msg.From,
		To:       msg.To,
		Payload:  msg.Payload,
	})
}

// HandleSendDirectMessageResult relays the target's reply back to the
// original sender as SendDirectMessageResult.
func (s *Server) HandleSendDirectMessageResult(msg HandleSendDirectMessageResult) {
	s.mu.Lock()
	fromIn, ok := s.inboxOf(msg.Space, msg.From)
	s.mu.Unlock()
	if !ok {
		s.log.WithField("agent", msg.From).Warn("p2p/server: dropping direct message result for untracked sender")
		return
	}
	s.deliver(fromIn, SendDirectMessageResult{
		Envelope: msg.Envelope,
		From:     msg.From,
		To:       msg.To,
		Payload:  msg.Payload,
	})
}

// PublishEntry records each aspect in the authoring book (unless already
// stored) and broadcasts HandleStoreEntryAspect to every tracked peer of
// the space, including the publisher itself.
func (s *Server) PublishEntry(msg PublishEntry) {
	s.mu.Lock()
	if !s.isTracked(msg.Space, msg.Agent) {
		s.mu.Unlock()
		s.fail(msg.Space, msg.Agent, msg.RequestID, cerr.New(cerr.NotFound, "publish_entry: agent not tracked"))
		return
	}
	recipients := make([]Inbox, 0, len(s.tracked[msg.Space]))
	for _, in := range s.tracked[msg.Space] {
		recipients = append(recipients, in)
	}
	for _, a := range msg.Aspects {
		addr, err := a.Address()
		if err != nil {
			continue
		}
		if s.stored.has(msg.Space, msg.Agent, msg.Entry, addr) {
			continue
		}
		s.authored.record(msg.Space, msg.Agent, msg.Entry, addr)
	}
	s.mu.Unlock()

	for _, a := range msg.Aspects {
		for _, in := range recipients {
			s.deliver(in, HandleStoreEntryAspect{
				Envelope: Envelope{Space: msg.Space},
				Entry:    msg.Entry,
				Aspect:   a,
			})
		}
	}
}

// HandleFetchEntryResult treats the result as a republish if it answers a
// request the server itself issued.
func (s *Server) HandleFetchEntryResult(msg HandleFetchEntryResult) {
	s.mu.Lock()
	_, ours := s.requests[msg.RequestID]
	if ours {
		delete(s.requests, msg.RequestID)
	}
	s.mu.Unlock()
	if !ours {
		return
	}
	s.PublishEntry(PublishEntry{
		Envelope: Envelope{Space: msg.Space},
		Agent:    msg.Agent,
		Entry:    msg.Entry,
		Aspects:  msg.Aspects,
	})
}

// QueryEntry forwards the query to the first agent registered in the
// space; if none is registered, the requester gets a FailureResult
// rather than a successful empty answer, so retry logic upstream sees a
// real failure instead of mistaking "no provider" for "nothing found".
func (s *Server) QueryEntry(msg QueryEntry) {
	s.mu.Lock()
	responder, ok := s.firstRegistered[msg.Space]
	var responderIn Inbox
	if ok {
		responderIn, ok = s.inboxOf(msg.Space, responder)
	}
	s.mu.Unlock()

	if !ok {
		s.fail(msg.Space, msg.Agent, msg.RequestID, cerr.New(cerr.NotFound, "query_entry: no_provider"))
		return
	}
	s.deliver(responderIn, HandleQueryEntry{
		Envelope:  msg.Envelope,
		Requester: msg.Agent,
		Entry:     msg.Entry,
		Query:     msg.Query,
	})
}

// HandleQueryEntryResult relays the responder's answer to the original
// requester as QueryEntryResult.
func (s *Server) HandleQueryEntryResult(msg HandleQueryEntryResult) {
	s.mu.Lock()
	in, ok := s.inboxOf(msg.Envelope.Space, msg.Requester)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deliver(in, QueryEntryResult{Envelope: msg.Envelope, Entry: msg.Entry, Result: msg.Result})
}

// HandleGetAuthoringEntryListResult issues a HandleFetchEntry for each
// listed aspect the local node has not authored, so msg.Agent can publish
// it.
func (s *Server) HandleGetAuthoringEntryListResult(msg HandleGetAuthoringEntryListResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inboxOf(msg.Space, msg.Agent)
	if !ok {
		return
	}
	for entry, aspects := range msg.Entries {
		for _, aspect := range aspects {
			if s.authored.has(msg.Space, msg.Agent, entry, aspect) {
				continue
			}
			s.deliver(in, HandleFetchEntry{Envelope: msg.Envelope, Agent: msg.Agent, Entry: entry})
		}
	}
}

// HandleGetGossipingEntryListResult marks each not-already-held aspect as
// stored and fetches it.
func (s *Server) HandleGetGossipingEntryListResult(msg HandleGetGossipingEntryListResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inboxOf(msg.Space, msg.Agent)
	if !ok {
		return
	}
	for entry, aspects := range msg.Entries {
		for _, aspect := range aspects {
			if s.stored.has(msg.Space, msg.Agent, entry, aspect) {
				continue
			}
			s.stored.record(msg.Space, msg.Agent, entry, aspect)
			s.deliver(in, HandleFetchEntry{Envelope: msg.Envelope, Agent: msg.Agent, Entry: entry})
		}
	}
}

// TrackRequest remembers that reqID was issued by the server itself on
// behalf of requester in space, so a later HandleFetchEntryResult carrying
// reqID is recognised as a republish rather than an unsolicited push.
func (s *Server) TrackRequest(reqID RequestID, space Space, requester address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[reqID] = pendingRequest{space: space, requester: requester}
}
