package server_test

import (
	"testing"
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/chain"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/p2p/server"
)

func recvFrame(t *testing.T, ch <-chan server.Frame) server.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a frame")
		return nil
	}
}

func join(t *testing.T, s *server.Server, space server.Space, agent address.Address) chan server.Frame {
	t.Helper()
	ch := make(chan server.Frame, 16)
	s.JoinSpace(server.JoinSpace{Envelope: server.Envelope{Space: space}, Agent: agent, Inbox: ch})
	// drain the two list requests every join triggers
	recvFrame(t, ch)
	recvFrame(t, ch)
	return ch
}

func TestJoinSpaceRequestsAuthoringAndGossipingLists(t *testing.T) {
	s := server.New(nil)
	ch := make(chan server.Frame, 16)
	s.JoinSpace(server.JoinSpace{Envelope: server.Envelope{Space: "space-1"}, Agent: "alice", Inbox: ch})

	first := recvFrame(t, ch)
	if _, ok := first.(server.HandleGetAuthoringEntryList); !ok {
		t.Fatalf("expected HandleGetAuthoringEntryList, got %T", first)
	}
	second := recvFrame(t, ch)
	if _, ok := second.(server.HandleGetGossipingEntryList); !ok {
		t.Fatalf("expected HandleGetGossipingEntryList, got %T", second)
	}
}

func TestSendDirectMessageRelaysToTrackedRecipient(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")
	bobCh := join(t, s, "space-1", "bob")

	s.SendDirectMessage(server.SendDirectMessage{
		Envelope: server.Envelope{Space: "space-1", RequestID: 1},
		From:     "alice", To: "bob", Payload: []byte("hi"),
	})

	f := recvFrame(t, bobCh)
	msg, ok := f.(server.HandleSendDirectMessage)
	if !ok {
		t.Fatalf("expected HandleSendDirectMessage, got %T", f)
	}
	if string(msg.Payload) != "hi" || msg.From != "alice" || msg.To != "bob" {
		t.Fatalf("unexpected relayed message: %+v", msg)
	}
	_ = aliceCh
}

func TestSendDirectMessageFailsWhenRecipientNotTracked(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")

	s.SendDirectMessage(server.SendDirectMessage{
		Envelope: server.Envelope{Space: "space-1", RequestID: 7},
		From:     "alice", To: "ghost", Payload: []byte("hi"),
	})

	f := recvFrame(t, aliceCh)
	fail, ok := f.(server.FailureResult)
	if !ok {
		t.Fatalf("expected FailureResult, got %T", f)
	}
	if fail.RequestID != 7 || fail.Agent != "alice" {
		t.Fatalf("unexpected failure result: %+v", fail)
	}
}

func TestSendDirectMessageResultRoundTrips(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")
	bobCh := join(t, s, "space-1", "bob")

	s.SendDirectMessage(server.SendDirectMessage{
		Envelope: server.Envelope{Space: "space-1", RequestID: 1},
		From:     "alice", To: "bob", Payload: []byte("ping"),
	})
	recvFrame(t, bobCh) // HandleSendDirectMessage

	s.HandleSendDirectMessageResult(server.HandleSendDirectMessageResult{
		Envelope: server.Envelope{Space: "space-1", RequestID: 1},
		From:     "alice", To: "bob", Payload: []byte("pong"),
	})

	f := recvFrame(t, aliceCh)
	res, ok := f.(server.SendDirectMessageResult)
	if !ok {
		t.Fatalf("expected SendDirectMessageResult, got %T", f)
	}
	if string(res.Payload) != "pong" {
		t.Fatalf("unexpected payload: %s", res.Payload)
	}
}

func contentAspect(t *testing.T, entry address.Address) dht.Aspect {
	t.Helper()
	return dht.Aspect{
		Kind:   dht.AspectContent,
		Header: chain.Header{EntryAddress: entry},
	}
}

func TestPublishEntryBroadcastsToEveryTrackedPeerIncludingSelf(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")
	bobCh := join(t, s, "space-1", "bob")

	entry := address.Address("entry-1")
	s.PublishEntry(server.PublishEntry{
		Envelope: server.Envelope{Space: "space-1"},
		Agent:    "alice",
		Entry:    entry,
		Aspects:  []dht.Aspect{contentAspect(t, entry)},
	})

	for _, ch := range []chan server.Frame{aliceCh, bobCh} {
		f := recvFrame(t, ch)
		store, ok := f.(server.HandleStoreEntryAspect)
		if !ok {
			t.Fatalf("expected HandleStoreEntryAspect, got %T", f)
		}
		if store.Entry != entry {
			t.Fatalf("unexpected entry: %v", store.Entry)
		}
	}
}

func TestPublishEntryFailsWhenPublisherNotTracked(t *testing.T) {
	s := server.New(nil)
	aliceCh := make(chan server.Frame, 4)
	// Never joined: manually wire an inbox is not possible from outside,
	// so simulate by joining then leaving.
	s.JoinSpace(server.JoinSpace{Envelope: server.Envelope{Space: "space-1"}, Agent: "alice", Inbox: aliceCh})
	recvFrame(t, aliceCh)
	recvFrame(t, aliceCh)
	s.LeaveSpace(server.LeaveSpace{Envelope: server.Envelope{Space: "space-1"}, Agent: "alice"})

	s.PublishEntry(server.PublishEntry{
		Envelope: server.Envelope{Space: "space-1", RequestID: 3},
		Agent:    "alice",
		Entry:    "entry-1",
	})
	// Untracked sender: the FailureResult itself cannot be delivered either
	// (no inbox), so nothing arrives; this exercises the no-panic path.
	select {
	case f := <-aliceCh:
		t.Fatalf("expected no frame after leaving, got %T", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestQueryEntryForwardsToFirstRegisteredAgent(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")
	bobCh := join(t, s, "space-1", "bob")

	s.QueryEntry(server.QueryEntry{
		Envelope: server.Envelope{Space: "space-1", RequestID: 9},
		Agent:    "bob",
		Entry:    "entry-1",
		Query:    []byte("q"),
	})

	f := recvFrame(t, aliceCh)
	q, ok := f.(server.HandleQueryEntry)
	if !ok {
		t.Fatalf("expected HandleQueryEntry, got %T", f)
	}
	if q.Requester != "bob" {
		t.Fatalf("unexpected requester: %v", q.Requester)
	}

	s.HandleQueryEntryResult(server.HandleQueryEntryResult{
		Envelope:  server.Envelope{Space: "space-1", RequestID: 9},
		Requester: "bob",
		Entry:     "entry-1",
		Result:    []byte("a"),
	})

	f = recvFrame(t, bobCh)
	res, ok := f.(server.QueryEntryResult)
	if !ok {
		t.Fatalf("expected QueryEntryResult, got %T", f)
	}
	if string(res.Result) != "a" {
		t.Fatalf("unexpected result: %s", res.Result)
	}
}

func TestQueryEntrySelfDeliversWhenSoleAgentInSpace(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")

	s.QueryEntry(server.QueryEntry{
		Envelope: server.Envelope{Space: "space-1", RequestID: 11},
		Agent:    "alice",
		Entry:    "entry-1",
		Query:    []byte("q"),
	})

	f := recvFrame(t, aliceCh)
	q, ok := f.(server.HandleQueryEntry)
	if !ok {
		t.Fatalf("expected HandleQueryEntry, got %T", f)
	}
	if q.Requester != "alice" {
		t.Fatalf("unexpected requester: %v", q.Requester)
	}
}

// TestQueryEntryFailsNoProviderWhenSpaceNeverJoined covers QueryEntry's
// no_provider path: firstRegistered is only ever populated by JoinSpace,
// so a space nobody has joined yet has no provider to forward to. The
// requester named in the message hasn't joined that space either, so
// fail's own untracked-sender check drops the FailureResult; this test
// only asserts the call does not panic and leaves other spaces alone.
func TestQueryEntryFailsNoProviderWhenSpaceNeverJoined(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")

	s.QueryEntry(server.QueryEntry{
		Envelope: server.Envelope{Space: "space-2", RequestID: 12},
		Agent:    "ghost",
		Entry:    "entry-1",
	})

	select {
	case f := <-aliceCh:
		t.Fatalf("expected no delivery to an unrelated space's inbox, got %T", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetAuthoringEntryListResultFetchesUnauthoredAspects(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")

	s.HandleGetAuthoringEntryListResult(server.HandleGetAuthoringEntryListResult{
		Envelope: server.Envelope{Space: "space-1"},
		Agent:    "alice",
		Entries:  map[address.Address][]address.Address{"entry-1": {"aspect-1"}},
	})

	f := recvFrame(t, aliceCh)
	fetch, ok := f.(server.HandleFetchEntry)
	if !ok {
		t.Fatalf("expected HandleFetchEntry, got %T", f)
	}
	if fetch.Entry != "entry-1" {
		t.Fatalf("unexpected entry: %v", fetch.Entry)
	}
}

func TestGetGossipingEntryListResultMarksStoredAndFetchesOnce(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")

	list := server.HandleGetGossipingEntryListResult{
		Envelope: server.Envelope{Space: "space-1"},
		Agent:    "alice",
		Entries:  map[address.Address][]address.Address{"entry-1": {"aspect-1"}},
	}
	s.HandleGetGossipingEntryListResult(list)
	f := recvFrame(t, aliceCh)
	if _, ok := f.(server.HandleFetchEntry); !ok {
		t.Fatalf("expected HandleFetchEntry, got %T", f)
	}

	// Second identical result must not re-fetch: already marked stored.
	s.HandleGetGossipingEntryListResult(list)
	select {
	case f := <-aliceCh:
		t.Fatalf("expected no second fetch, got %T", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHandleFetchEntryResultRepublishesOnlyForTrackedRequest(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")

	reqID := s.NextRequestID()
	s.TrackRequest(reqID, "space-1", "alice")

	entry := address.Address("entry-2")
	s.HandleFetchEntryResult(server.HandleFetchEntryResult{
		Envelope: server.Envelope{Space: "space-1", RequestID: reqID},
		Agent:    "alice",
		Entry:    entry,
		Aspects:  []dht.Aspect{contentAspect(t, entry)},
	})

	f := recvFrame(t, aliceCh)
	store, ok := f.(server.HandleStoreEntryAspect)
	if !ok {
		t.Fatalf("expected HandleStoreEntryAspect republish, got %T", f)
	}
	if store.Entry != entry {
		t.Fatalf("unexpected entry: %v", store.Entry)
	}

	// An untracked request id must be ignored entirely.
	s.HandleFetchEntryResult(server.HandleFetchEntryResult{
		Envelope: server.Envelope{Space: "space-1", RequestID: 999999},
		Agent:    "alice",
		Entry:    entry,
	})
	select {
	case f := <-aliceCh:
		t.Fatalf("expected no republish for untracked request, got %T", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLeaveSpaceRemovesFromTrackedSet(t *testing.T) {
	s := server.New(nil)
	aliceCh := join(t, s, "space-1", "alice")
	s.LeaveSpace(server.LeaveSpace{Envelope: server.Envelope{Space: "space-1"}, Agent: "alice"})

	s.SendDirectMessage(server.SendDirectMessage{
		Envelope: server.Envelope{Space: "space-1", RequestID: 1},
		From:     "bob", To: "alice", Payload: []byte("hi"),
	})
	select {
	case f := <-aliceCh:
		t.Fatalf("expected no frame after leaving, got %T", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegistryLookupOrCreateIsStable(t *testing.T) {
	name := "test-overlay-registry"
	defer server.Unregister(name)

	a := server.LookupOrCreate(name)
	b := server.LookupOrCreate(name)
	if a != b {
		t.Fatalf("expected LookupOrCreate to return the same instance")
	}
	if s, ok := server.Lookup(name); !ok || s != a {
		t.Fatalf("expected Lookup to find the registered server")
	}
}
