package worker

import "time"

// initialBackoff and maxBackoff bound the reconnect state machine per
// spec.md §4.10/§5: "initial connect timeout 2s, multiplicatively backed
// off to a 60s ceiling; reset on handshake success".
const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
)

// reconnectBackoff tracks the delay before the next reconnect attempt. It
// is not safe for concurrent use; callers serialise access through the
// Worker's single connect loop.
type reconnectBackoff struct {
	next time.Duration
}

func newReconnectBackoff() *reconnectBackoff {
	return &reconnectBackoff{next: initialBackoff}
}

// Delay returns the delay to wait before the next attempt and advances the
// state machine multiplicatively towards maxBackoff.
func (b *reconnectBackoff) Delay() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > maxBackoff {
		b.next = maxBackoff
	}
	return d
}

// Reset returns the backoff to its initial state after a successful
// handshake.
func (b *reconnectBackoff) Reset() {
	b.next = initialBackoff
}
