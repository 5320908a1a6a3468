package waiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/synnergy-labs/conductor/internal/action"
	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/waiter"
)

func newLoop() *action.Loop {
	reducer := func(current action.State, a action.ActionWrapper) action.State { return a }
	return action.New(nil, reducer, 16, nil)
}

func TestAwaitCallCompletesOnMatchingReturn(t *testing.T) {
	loop := newLoop()
	w := waiter.New(loop, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.AwaitCall(ctx, "call-1") }()

	loop.Dispatch(waiter.SignalZomeFunctionCall{Call: "call-1"})
	loop.Dispatch(waiter.SignalReturnZomeFunctionResult{Call: "call-1"})

	if err := <-done; err != nil {
		t.Fatalf("await call: %v", err)
	}
}

func TestAwaitCallWaitsForPerPeerHoldAspect(t *testing.T) {
	loop := newLoop()
	peers := []address.Address{"alice", "bob"}
	w := waiter.New(loop, func() []address.Address { return peers })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.AwaitCall(ctx, "call-2") }()

	entryAddr := address.Address("entry-1")
	loop.Dispatch(waiter.SignalZomeFunctionCall{Call: "call-2"})
	loop.Dispatch(waiter.SignalCommit{Call: "call-2", EntryAddress: entryAddr, Kind: waiter.CommitContent})
	loop.Dispatch(waiter.SignalReturnZomeFunctionResult{Call: "call-2"})

	select {
	case err := <-done:
		t.Fatalf("expected AwaitCall to still be blocked on pending holds, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	loop.Dispatch(waiter.SignalHoldAspect{EntryAddress: entryAddr, Peer: "alice"})

	select {
	case err := <-done:
		t.Fatalf("expected AwaitCall to still be blocked on bob's hold, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	loop.Dispatch(waiter.SignalHoldAspect{EntryAddress: entryAddr, Peer: "bob"})

	if err := <-done; err != nil {
		t.Fatalf("await call: %v", err)
	}
}

func TestAwaitCallWaitsForLinkAddConfirmation(t *testing.T) {
	loop := newLoop()
	w := waiter.New(loop, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.AwaitCall(ctx, "call-3") }()

	entryAddr := address.Address("link-entry")
	loop.Dispatch(waiter.SignalZomeFunctionCall{Call: "call-3"})
	loop.Dispatch(waiter.SignalCommit{Call: "call-3", EntryAddress: entryAddr, Kind: waiter.CommitLinkAdd})
	loop.Dispatch(waiter.SignalReturnZomeFunctionResult{Call: "call-3"})

	select {
	case err := <-done:
		t.Fatalf("expected AwaitCall to still be blocked on AddLink, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	loop.Dispatch(waiter.SignalAddLink{EntryAddress: entryAddr})

	if err := <-done; err != nil {
		t.Fatalf("await call: %v", err)
	}
}

func TestAwaitCallTimesOutWithoutReturn(t *testing.T) {
	loop := newLoop()
	w := waiter.New(loop, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	loop.Dispatch(waiter.SignalZomeFunctionCall{Call: "call-4"})
	if err := w.AwaitCall(ctx, "call-4"); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestAwaitCallBeforeSignalArrives(t *testing.T) {
	loop := newLoop()
	w := waiter.New(loop, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.AwaitCall(ctx, "call-5") }()

	time.Sleep(20 * time.Millisecond) // AwaitCall registers itself before the call signal exists
	loop.Dispatch(waiter.SignalZomeFunctionCall{Call: "call-5"})
	loop.Dispatch(waiter.SignalReturnZomeFunctionResult{Call: "call-5"})

	if err := <-done; err != nil {
		t.Fatalf("await call: %v", err)
	}
}
