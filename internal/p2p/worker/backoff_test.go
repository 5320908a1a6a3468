package worker

import (
	"testing"
	"time"
)

func TestReconnectBackoffEscalatesToCeilingThenResets(t *testing.T) {
	b := newReconnectBackoff()

	got := b.Delay()
	if got != initialBackoff {
		t.Fatalf("expected first delay %v, got %v", initialBackoff, got)
	}
	if got := b.Delay(); got != 2*initialBackoff {
		t.Fatalf("expected second delay %v, got %v", 2*initialBackoff, got)
	}

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Delay()
	}
	if last != maxBackoff {
		t.Fatalf("expected backoff to have reached ceiling %v, got %v", maxBackoff, last)
	}

	b.Reset()
	if got := b.Delay(); got != initialBackoff {
		t.Fatalf("expected reset delay %v, got %v", initialBackoff, got)
	}
}
