package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/synnergy-labs/conductor/internal/action"
	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/capability"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/chain"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/hostabi"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/internal/workflow"
)

type testRig struct {
	entries *cas.Store
	shard   *dht.Shard
	rt      *hostabi.Runtime
	eng     *workflow.Engine
	loop    *action.Loop
}

func newTestRig(t *testing.T) testRig {
	t.Helper()
	entries := cas.NewStore(cas.NewMemoryBackend())
	index := cas.NewIndex()
	c := chain.New(entries, cas.NewMemoryBackend())
	shard := dht.New(entries, index)

	ks, err := keystore.New("pw")
	if err != nil {
		t.Fatalf("keystore new: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add seed: %v", err)
	}
	pub, err := ks.AddSigningKeyFromSeed("root", "agent", "agent", 0)
	if err != nil {
		t.Fatalf("add signing key: %v", err)
	}
	raw, _ := json.Marshal(cas.AgentIDPayload{Nickname: "a", PublicKey: pub})
	agentAddr, err := entries.Add(cas.Entry{Type: cas.EntryAgentID, Payload: raw})
	if err != nil {
		t.Fatalf("add agent entry: %v", err)
	}

	grantStore := capability.NewChainGrantStore(entries, c)
	pubkeys := capability.NewChainPubKeyResolver(entries)
	capEng := capability.New(grantStore, pubkeys)

	rt := hostabi.New(hostabi.Config{
		Identity:   hostabi.Identity{AppName: "app", AgentAddress: agentAddr, PublicToken: capability.PublicToken},
		SigningKey: "agent",
		Entries:    entries,
		Index:      index,
		Chain:      c,
		Shard:      shard,
		Capability: capEng,
		Keystore:   ks,
		SelfHandle: "self",
	})

	reducer := func(current action.State, a action.ActionWrapper) action.State { return a }
	loop := action.New(nil, reducer, 8, nil)

	eng := workflow.New(workflow.Config{Runtime: rt, Shard: shard, Loop: loop})
	return testRig{entries: entries, shard: shard, rt: rt, eng: eng, loop: loop}
}

func TestInitialiseApplicationRunsCallbacksInOrder(t *testing.T) {
	rig := newTestRig(t)
	var order []int
	rig.eng.RegisterInit(func() error { order = append(order, 1); return nil })
	rig.eng.RegisterInit(func() error { order = append(order, 2); return nil })

	dna := cas.Entry{Type: cas.EntryApp, AppType: "dna", Payload: json.RawMessage(`{}`)}
	agentID := cas.Entry{Type: cas.EntryAgentID, Payload: json.RawMessage(`{}`)}
	if err := rig.eng.InitialiseApplication(dna, agentID); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	if rig.eng.Status() != workflow.StatusRunning {
		t.Fatalf("expected running status, got %q", rig.eng.Status())
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected init callbacks in order, got %v", order)
	}
}

func TestInitialiseApplicationFailsStatusOnCallbackError(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.RegisterInit(func() error { return errors.New("boom") })

	dna := cas.Entry{Type: cas.EntryApp, AppType: "dna", Payload: json.RawMessage(`{}`)}
	agentID := cas.Entry{Type: cas.EntryAgentID, Payload: json.RawMessage(`{}`)}
	if err := rig.eng.InitialiseApplication(dna, agentID); err == nil {
		t.Fatalf("expected init callback failure to propagate")
	}
	if rig.eng.Status() != workflow.StatusInitializationFailed {
		t.Fatalf("expected initialization_failed status, got %q", rig.eng.Status())
	}
}

func TestAuthorEntryRejectedByValidator(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.eng.InitialiseApplication(
		cas.Entry{Type: cas.EntryApp, AppType: "dna"},
		cas.Entry{Type: cas.EntryAgentID},
	); err != nil {
		t.Fatalf("initialise: %v", err)
	}

	rig.eng.RegisterValidation("post", func(entry cas.Entry, _ workflow.ValidationPackage) error {
		return errors.New("too long")
	})

	_, err := rig.eng.AuthorEntry(cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: json.RawMessage(`{}`)}, workflow.PackageEntryOnly)
	if err == nil {
		t.Fatalf("expected validator rejection to propagate")
	}
}

func TestAuthorEntryAcceptedWithoutValidator(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.eng.InitialiseApplication(
		cas.Entry{Type: cas.EntryApp, AppType: "dna"},
		cas.Entry{Type: cas.EntryAgentID},
	); err != nil {
		t.Fatalf("initialise: %v", err)
	}

	addr, err := rig.eng.AuthorEntry(cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: json.RawMessage(`{"body":"hi"}`)}, workflow.PackageEntryOnly)
	if err != nil {
		t.Fatalf("author entry: %v", err)
	}
	if addr.Empty() {
		t.Fatalf("expected a non-empty address")
	}
}

func TestHoldAspectRequeuesOnMissingDependency(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.RegisterValidation("post", func(cas.Entry, workflow.ValidationPackage) error { return nil })

	entry := cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: json.RawMessage(`{}`)}
	entryAddr, _, err := entry.Address()
	if err != nil {
		t.Fatalf("entry address: %v", err)
	}
	header := chain.Header{EntryType: cas.EntryApp, EntryAddress: entryAddr}
	pending := dht.PendingHoldingWorkflow{
		Workflow:     "hold",
		EntryAddress: entryAddr,
		Aspect:       dht.Aspect{Kind: dht.AspectContent, Entry: &entry, Header: header},
	}

	if err := rig.eng.HoldAspect(pending, address.Address("author"), time.Minute); err != nil {
		t.Fatalf("hold aspect: %v", err)
	}

	// No fetcher was configured, so the default always reports the
	// dependency missing: the workflow must have re-queued rather than
	// held or rejected.
	if _, ok := rig.shard.NextQueued(time.Now()); ok {
		t.Fatalf("expected the retry delay to not have elapsed yet")
	}
	if _, ok := rig.shard.NextQueued(time.Now().Add(time.Hour)); !ok {
		t.Fatalf("expected the pending workflow to have been re-queued")
	}
}

func TestHoldAspectHoldsDirectlyWithoutValidator(t *testing.T) {
	rig := newTestRig(t)
	entry := cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: json.RawMessage(`{}`)}
	entryAddr, _, err := entry.Address()
	if err != nil {
		t.Fatalf("entry address: %v", err)
	}
	header := chain.Header{EntryType: cas.EntryApp, EntryAddress: entryAddr}
	pending := dht.PendingHoldingWorkflow{
		Workflow:     "hold",
		EntryAddress: entryAddr,
		Aspect:       dht.Aspect{Kind: dht.AspectContent, Entry: &entry, Header: header},
	}
	if err := rig.eng.HoldAspect(pending, address.Address("author"), time.Second); err != nil {
		t.Fatalf("hold aspect: %v", err)
	}
	if rig.shard.Status(entryAddr) != dht.StatusLive {
		t.Fatalf("expected held entry to be live")
	}
}

func TestRespondToDirectMessageUsesCapabilityEngine(t *testing.T) {
	rig := newTestRig(t)
	rig.rt.RegisterZomeFunction("posts", "create", func(args []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	grant := cas.CapGrantPayload{Variant: cas.GrantPublic, Functions: []cas.ZomeFn{{Zome: "posts", Fn: "create"}}}
	raw, _ := json.Marshal(grant)
	token, _, err := cas.Entry{Type: cas.EntryCapGrant, Payload: raw}.Address()
	if err != nil {
		t.Fatalf("token address: %v", err)
	}
	if _, err := rig.entries.Add(cas.Entry{Type: cas.EntryCapGrant, Payload: raw}); err != nil {
		t.Fatalf("add grant: %v", err)
	}

	out, err := rig.eng.RespondToDirectMessage(capability.Request{Token: token, Args: []byte("x")}, "posts", "create")
	if err != nil {
		t.Fatalf("respond to direct message: %v", err)
	}
	if string(out) != "ok" {
		t.Fatalf("unexpected result: %q", out)
	}
}

func TestRespondToQueryAppliesGuestCallback(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.eng.InitialiseApplication(
		cas.Entry{Type: cas.EntryApp, AppType: "dna"},
		cas.Entry{Type: cas.EntryAgentID},
	); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	if _, err := rig.eng.AuthorEntry(cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: json.RawMessage(`{}`)}, workflow.PackageEntryOnly); err != nil {
		t.Fatalf("author: %v", err)
	}

	called := false
	rig.eng.SetQueryCallback(func(res hostabi.QueryResult) (hostabi.QueryResult, error) {
		called = true
		return res, nil
	})

	res, err := rig.eng.RespondToQuery([]string{"post"}, hostabi.QueryOptions{})
	if err != nil {
		t.Fatalf("respond to query: %v", err)
	}
	if !called {
		t.Fatalf("expected guest query callback to run")
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected one matching row, got %+v", res.Rows)
	}
}

func TestAwaitStatePredicateResolvesOnMatch(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rig.eng.AwaitStatePredicate(ctx, func(s action.State) bool {
			wrapped, ok := s.(action.ActionWrapper)
			return ok && wrapped.Action == "target"
		})
	}()

	rig.loop.Dispatch("not-it")
	rig.loop.Dispatch("target")

	if err := <-done; err != nil {
		t.Fatalf("await state predicate: %v", err)
	}
}

func TestAwaitStatePredicateCancelledByContext(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rig.eng.AwaitStatePredicate(ctx, func(action.State) bool { return false })
	if err == nil {
		t.Fatalf("expected cancellation to surface an error")
	}
}

func TestAwaitNetworkResponseTimesOut(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.eng.AwaitNetworkResponse(context.Background(), func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	// Runs against the default 10s timeout, so this test takes about 10s;
	// TestAwaitNetworkResponseTimeoutIsFast covers the same path with a
	// short Config.NetworkTimeout.
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestAwaitNetworkResponseSucceeds(t *testing.T) {
	rig := newTestRig(t)
	fastEng := workflow.New(workflow.Config{Runtime: rig.rt, Shard: rig.shard, Loop: rig.loop, NetworkTimeout: 50 * time.Millisecond})
	out, err := fastEng.AwaitNetworkResponse(context.Background(), func(context.Context) ([]byte, error) {
		return []byte("pong"), nil
	})
	if err != nil {
		t.Fatalf("await network response: %v", err)
	}
	if string(out) != "pong" {
		t.Fatalf("unexpected reply: %q", out)
	}
}

func TestAwaitNetworkResponseTimeoutIsFast(t *testing.T) {
	rig := newTestRig(t)
	fastEng := workflow.New(workflow.Config{Runtime: rig.rt, Shard: rig.shard, Loop: rig.loop, NetworkTimeout: 20 * time.Millisecond})
	_, err := fastEng.AwaitNetworkResponse(context.Background(), func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
