package worker_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/internal/p2p/server"
	"github.com/synnergy-labs/conductor/internal/p2p/worker"
)

// fakeTransport is an in-memory stand-in for a websocket connection: the
// worker writes to out and reads from in.
type fakeTransport struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{out: make(chan []byte, 32), in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case d := <-f.in:
		return d, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func recvBytes(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a wire message")
		return nil
	}
}

// respondHandshake reads the worker's handshake request off t.out and
// replies with the given version/redundant count.
func respondHandshake(t *testing.T, tr *fakeTransport, version string, redundantCount int) {
	t.Helper()
	recvBytes(t, tr.out) // handshake request
	resp, err := json.Marshal(worker.Handshake{Version: version, RedundantCount: redundantCount})
	if err != nil {
		t.Fatalf("marshal handshake response: %v", err)
	}
	tr.in <- resp
}

func newTestKeystore(t *testing.T) *keystore.Keystore {
	t.Helper()
	ks, err := keystore.New("pw")
	if err != nil {
		t.Fatalf("new keystore: %v", err)
	}
	if _, err := ks.AddRandomSeed("root", 128); err != nil {
		t.Fatalf("add seed: %v", err)
	}
	if _, err := ks.AddSigningKeyFromSeed("root", "agent", "agent", 0); err != nil {
		t.Fatalf("derive signing key: %v", err)
	}
	return ks
}

func TestWorkerStartDialsHub(t *testing.T) {
	// Backoff escalation and reset are covered by
	// TestReconnectBackoffEscalatesToCeilingThenResets. Here every dial
	// fails and the first retry waits 2s, so within the 120ms window only
	// the initial dial happens; the test asserts that it does.
	dialCount := 0
	dial := func(ctx context.Context, url string) (worker.Transport, error) {
		dialCount++
		return nil, io.ErrUnexpectedEOF
	}

	core := server.New(nil)
	w := worker.New(worker.Config{HubURL: "ws://hub", Space: "space-1", AgentAddress: "net", SigningKeyID: "agent"},
		dial, core, nil, newTestKeystore(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	w.Start(ctx)

	<-ctx.Done()
	if dialCount < 1 {
		t.Fatalf("expected at least one dial attempt, got %d", dialCount)
	}
}

func TestWorkerFullSyncReplaysPublishEntryLocally(t *testing.T) {
	tr := newFakeTransport()
	dial := func(ctx context.Context, url string) (worker.Transport, error) { return tr, nil }

	entries := cas.NewStore(cas.NewMemoryBackend())
	index := cas.NewIndex()
	shard := dht.New(entries, index)
	core := server.New(nil)

	w := worker.New(worker.Config{HubURL: "ws://hub", Space: "space-1", AgentAddress: "net", SigningKeyID: "agent"},
		dial, core, shard, newTestKeystore(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	respondHandshake(t, tr, worker.WireProtocolVersion, 0) // redundant_count=0: full-sync

	aliceCh := make(chan server.Frame, 8)
	core.JoinSpace(server.JoinSpace{Envelope: server.Envelope{Space: "space-1"}, Agent: "alice", Inbox: aliceCh})
	<-aliceCh
	<-aliceCh

	time.Sleep(30 * time.Millisecond) // let the handshake response land

	entry := address.Address("entry-1")
	w.PublishEntry(server.PublishEntry{
		Envelope: server.Envelope{Space: "space-1"},
		Agent:    "net",
		Entry:    entry,
		Aspects:  []dht.Aspect{{Kind: dht.AspectContent}},
	})

	select {
	case f := <-aliceCh:
		if _, ok := f.(server.HandleStoreEntryAspect); !ok {
			t.Fatalf("expected HandleStoreEntryAspect replayed locally, got %T", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected full-sync PublishEntry to be replayed into core")
	}

	select {
	case data := <-tr.out:
		t.Fatalf("expected no wire traffic in full-sync mode, got %d bytes", len(data))
	case <-time.After(30 * time.Millisecond):
	}
}

func TestWorkerSendsOverWireWhenNotFullSync(t *testing.T) {
	tr := newFakeTransport()
	dial := func(ctx context.Context, url string) (worker.Transport, error) { return tr, nil }

	core := server.New(nil)
	w := worker.New(worker.Config{HubURL: "ws://hub", Space: "space-1", AgentAddress: "net", SigningKeyID: "agent"},
		dial, core, nil, newTestKeystore(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	respondHandshake(t, tr, worker.WireProtocolVersion, 1) // redundant_count=1: not full-sync
	time.Sleep(30 * time.Millisecond)

	// The reconnect prefix (joinSpace) is the first thing sent after a
	// successful handshake.
	joinData := recvBytes(t, tr.out)
	var env worker.Envelope
	if err := json.Unmarshal(joinData, &env); err != nil {
		t.Fatalf("unmarshal rejoin envelope: %v", err)
	}
	if env.Kind != "joinSpace" {
		t.Fatalf("expected joinSpace rejoin prefix, got %q", env.Kind)
	}

	w.PublishEntry(server.PublishEntry{
		Envelope: server.Envelope{Space: "space-1"},
		Agent:    "net",
		Entry:    "entry-1",
		Aspects:  []dht.Aspect{{Kind: dht.AspectContent}},
	})

	data := recvBytes(t, tr.out)
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal publish envelope: %v", err)
	}
	if env.Kind != "publishEntry" {
		t.Fatalf("expected publishEntry on the wire, got %q", env.Kind)
	}
	if env.Message.Provenance.Agent != "net" || env.Message.Provenance.Signature == "" {
		t.Fatalf("expected a signed provenance, got %+v", env.Message.Provenance)
	}
}

func TestWorkerAckRemovesFromResendQueue(t *testing.T) {
	tr := newFakeTransport()
	dial := func(ctx context.Context, url string) (worker.Transport, error) { return tr, nil }

	core := server.New(nil)
	w := worker.New(worker.Config{HubURL: "ws://hub", Space: "space-1", AgentAddress: "net", SigningKeyID: "agent"},
		dial, core, nil, newTestKeystore(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	respondHandshake(t, tr, worker.WireProtocolVersion, 1)
	time.Sleep(30 * time.Millisecond)
	recvBytes(t, tr.out) // rejoin prefix

	w.SendDirectMessage(server.SendDirectMessage{
		Envelope: server.Envelope{Space: "space-1"}, From: "net", To: "bob", Payload: []byte("hi"),
	})
	data := recvBytes(t, tr.out)
	var env worker.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ack, err := json.Marshal(worker.Envelope{Kind: "ack", Hash: env.Hash})
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	tr.in <- ack

	// After the Ack, the resend ticker should have nothing left to
	// retransmit: wait past one would-be resend without a real 10s sleep
	// by simply checking no further message with the same hash appears on
	// a short window (the real resend interval is far longer than this
	// test's timeout).
	select {
	case extra := <-tr.out:
		var reEnv worker.Envelope
		if json.Unmarshal(extra, &reEnv) == nil && reEnv.Hash == env.Hash {
			t.Fatalf("expected acknowledged envelope not to be retransmitted")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
