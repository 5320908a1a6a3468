package worker

import (
	"encoding/json"
	"sync"
	"time"
)

// resendInterval is how often the head of the outbound queue is
// retransmitted until it is acknowledged, per spec.md §4.10.
const resendInterval = 10 * time.Second

// outboundQueue is the worker's single-producer (worker goroutine),
// single-consumer (socket write half) resend queue, per spec.md §5's
// resource model. Only the head is ever retransmitted; it is removed once
// its hash is acknowledged, which unblocks the next entry.
type outboundQueue struct {
	mu      sync.Mutex
	items   []*Envelope
	nextSeq uint64
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

// Enqueue assigns a fresh monotonic id and content hash to msg and appends
// it to the queue, returning the Envelope that will be sent.
func (q *outboundQueue) Enqueue(kind string, msg SignedWireMessage) *Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	data, _ := json.Marshal(msg)
	env := &Envelope{ID: q.nextSeq, Hash: hashPayload(data), Kind: kind, Message: msg}
	q.items = append(q.items, env)
	return env
}

// Head returns the envelope due for (re)transmission, if any.
func (q *outboundQueue) Head() (*Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Ack removes the envelope matching hash from the queue, unblocking the
// next head. Reports whether an entry was removed.
func (q *outboundQueue) Ack(hash string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, env := range q.items {
		if env.Hash == hash {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports how many envelopes are still awaiting acknowledgement.
func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
