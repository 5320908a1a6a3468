package worker

import "testing"

func TestOutboundQueueHeadIsRemovedOnlyByMatchingAck(t *testing.T) {
	q := newOutboundQueue()

	first := q.Enqueue("publishEntry", SignedWireMessage{Payload: []byte(`{"a":1}`)})
	second := q.Enqueue("publishEntry", SignedWireMessage{Payload: []byte(`{"a":2}`)})

	if head, ok := q.Head(); !ok || head.Hash != first.Hash {
		t.Fatalf("expected head to be the first enqueued envelope")
	}
	if q.Len() != 2 {
		t.Fatalf("expected queue length 2, got %d", q.Len())
	}

	if q.Ack("not-a-real-hash") {
		t.Fatalf("expected unmatched ack to be a no-op")
	}
	if q.Len() != 2 {
		t.Fatalf("expected length unchanged after unmatched ack")
	}

	if !q.Ack(first.Hash) {
		t.Fatalf("expected ack to remove the first envelope")
	}
	if q.Len() != 1 {
		t.Fatalf("expected length 1 after ack, got %d", q.Len())
	}
	if head, ok := q.Head(); !ok || head.Hash != second.Hash {
		t.Fatalf("expected the second envelope to become the new head")
	}
}

func TestOutboundQueueIDsAreMonotonic(t *testing.T) {
	q := newOutboundQueue()
	a := q.Enqueue("x", SignedWireMessage{})
	b := q.Enqueue("x", SignedWireMessage{})
	if b.ID <= a.ID {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", a.ID, b.ID)
	}
}
