// Package worker implements the remote P2P overlay worker (C9b): the
// single stream a conductor instance maintains to a hub, translating
// between the in-process client protocol of internal/p2p/server (C9a) and
// a signed wire protocol. Grounded on core/network.go's NewNode/DialSeed
// (bootstrap-and-reconnect shape) and github.com/gorilla/websocket for the
// hub connection itself, per spec.md §4.10.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cerr"
	"github.com/synnergy-labs/conductor/internal/dht"
	"github.com/synnergy-labs/conductor/internal/keystore"
	"github.com/synnergy-labs/conductor/internal/p2p/server"
)

// Config describes one worker's identity and the hub it connects to.
type Config struct {
	HubURL       string
	Space        server.Space
	AgentAddress address.Address
	SigningKeyID string
}

// Worker bridges one conductor instance's local overlay (core) to a
// remote hub. Client-originated requests arrive through Worker's own
// methods (mirroring Server's), which either replay locally (full-sync)
// or are wrapped, signed, queued and sent to the hub; hub pushes are
// delivered back into core the same way a locally joined agent would
// receive them.
type Worker struct {
	cfg   Config
	dial  Dialer
	core  *server.Server
	shard *dht.Shard
	ks    *keystore.Keystore
	log   *logrus.Logger

	inbox chan server.Frame
	out   *outboundQueue
	back  *reconnectBackoff

	mu             sync.Mutex
	conn           Transport
	redundantCount int

	pendingMu sync.Mutex
	pending   map[server.RequestID]chan server.Frame
}

// New creates a Worker. core is the local in-process server the worker
// joins as a network-relay agent; shard is used to answer the initial
// authoring/gossiping list requests with the instance's self-held
// aspects.
func New(cfg Config, dial Dialer, core *server.Server, shard *dht.Shard, ks *keystore.Keystore, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.New()
	}
	return &Worker{
		cfg:   cfg,
		dial:  dial,
		core:  core,
		shard: shard,
		ks:    ks,
		log:   log,
		inbox:   make(chan server.Frame, 256),
		out:     newOutboundQueue(),
		back:    newReconnectBackoff(),
		pending: make(map[server.RequestID]chan server.Frame),
	}
}

// Start joins the local space as the network-relay agent and launches the
// local pump and the connect/resend loop in background goroutines, which
// run until ctx is cancelled. It returns without waiting for a connection.
func (w *Worker) Start(ctx context.Context) {
	w.core.JoinSpace(server.JoinSpace{
		Envelope: server.Envelope{Space: w.cfg.Space},
		Agent:    w.cfg.AgentAddress,
		Inbox:    w.inbox,
	})

	go w.pumpLocal(ctx)
	go w.connectLoop(ctx)
}

// pumpLocal drains frames core delivers to the worker's inbox (broadcasts
// meant for every tracked peer, plus the two list requests issued at
// join) and relays each one onward, unless full-sync is negotiated, in
// which case there is no remote peer to relay to.
func (w *Worker) pumpLocal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-w.inbox:
			w.handleLocalFrame(f)
		}
	}
}

func (w *Worker) handleLocalFrame(f server.Frame) {
	switch msg := f.(type) {
	case server.HandleGetAuthoringEntryList:
		w.core.HandleGetAuthoringEntryListResult(server.HandleGetAuthoringEntryListResult{
			Envelope: msg.Envelope,
			Agent:    msg.Agent,
			Entries:  w.selfHeldAspects(),
		})
	case server.HandleGetGossipingEntryList:
		w.core.HandleGetGossipingEntryListResult(server.HandleGetGossipingEntryListResult{
			Envelope: msg.Envelope,
			Agent:    msg.Agent,
			Entries:  w.selfHeldAspects(),
		})
	case server.HandleStoreEntryAspect:
		if w.fullSync() {
			return // already local; nothing remote to tell
		}
		w.sendWire("handleStoreEntryAspect", msg)
	case server.SendDirectMessageResult:
		if w.resolvePending(msg.RequestID, msg) {
			return // answers this worker's own SendAndWait, not a relay
		}
		if !w.fullSync() {
			w.sendWire(fmt.Sprintf("%T", msg), msg)
		}
	case server.FailureResult:
		if w.resolvePending(msg.RequestID, msg) {
			return
		}
		if !w.fullSync() {
			w.sendWire(fmt.Sprintf("%T", msg), msg)
		}
	case server.HandleSendDirectMessage, server.HandleQueryEntry,
		server.QueryEntryResult, server.HandleFetchEntry:
		if w.fullSync() {
			return
		}
		w.sendWire(fmt.Sprintf("%T", msg), msg)
	}
}

// selfHeldAspects reports the instance's currently held aspects, keyed by
// entry, for the initial authoring/gossiping list exchange.
func (w *Worker) selfHeldAspects() map[address.Address][]address.Address {
	out := make(map[address.Address][]address.Address)
	if w.shard == nil {
		return out
	}
	for entry, aspects := range w.shard.AllAspects() {
		addrs := make([]address.Address, 0, len(aspects))
		for _, a := range aspects {
			addr, err := a.Address()
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		out[entry] = addrs
	}
	return out
}

// resolvePending delivers f to the channel SendAndWait is blocked on for
// reqID, if any, reporting whether it did so.
func (w *Worker) resolvePending(reqID server.RequestID, f server.Frame) bool {
	w.pendingMu.Lock()
	ch, ok := w.pending[reqID]
	w.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

func (w *Worker) fullSync() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.redundantCount == 0
}

// PublishEntry is the client-facing entry point instances call instead of
// calling core.PublishEntry directly: in full-sync mode it replays
// straight into core (so the node works offline); otherwise it is sent to
// the hub.
func (w *Worker) PublishEntry(msg server.PublishEntry) {
	if w.fullSync() {
		w.core.PublishEntry(msg)
		return
	}
	w.sendWire("publishEntry", msg)
}

// QueryEntry mirrors PublishEntry's full-sync/remote split for queries.
func (w *Worker) QueryEntry(msg server.QueryEntry) {
	if w.fullSync() {
		w.core.QueryEntry(msg)
		return
	}
	w.sendWire("queryEntry", msg)
}

// SendAndWait sends payload to to and blocks for the matching
// SendDirectMessageResult (or FailureResult), timing out after d — the
// "send" host call's actual contract, per spec.md §4.6. Used through
// DirectSender to satisfy hostabi.PeerSender.
func (w *Worker) SendAndWait(to address.Address, payload []byte, d time.Duration) ([]byte, error) {
	reqID := w.core.NextRequestID()
	ch := make(chan server.Frame, 1)
	w.pendingMu.Lock()
	w.pending[reqID] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, reqID)
		w.pendingMu.Unlock()
	}()

	w.SendDirectMessage(server.SendDirectMessage{
		Envelope: server.Envelope{Space: w.cfg.Space, RequestID: reqID},
		From:     w.cfg.AgentAddress,
		To:       to,
		Payload:  payload,
	})

	select {
	case f := <-ch:
		switch msg := f.(type) {
		case server.SendDirectMessageResult:
			return msg.Payload, nil
		case server.FailureResult:
			return nil, cerr.New(cerr.NotFound, msg.Err)
		default:
			return nil, cerr.New(cerr.InternalFailure, fmt.Sprintf("worker: unexpected reply frame %T", f))
		}
	case <-time.After(d):
		return nil, cerr.New(cerr.Timeout, "send_direct_message: timed out waiting for reply")
	}
}

// SendDirectMessage relays a direct message to the hub (there is no
// useful full-sync shortcut for messages addressed to a specific remote
// agent). Fire-and-forget; callers wanting a reply use SendAndWait.
func (w *Worker) SendDirectMessage(msg server.SendDirectMessage) {
	w.sendWire("sendDirectMessage", msg)
}

func (w *Worker) sendWire(kind string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		w.log.WithError(err).Warn("worker: marshal outbound frame")
		return
	}
	sig, err := w.ks.Sign(w.cfg.SigningKeyID, payload)
	if err != nil {
		w.log.WithError(err).Warn("worker: sign outbound frame")
		return
	}
	env := w.out.Enqueue(kind, SignedWireMessage{
		Payload:    payload,
		Provenance: Provenance{Agent: w.cfg.AgentAddress, Signature: sig},
	})
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		w.transmit(conn, env)
	}
}

func (w *Worker) transmit(conn Transport, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		w.log.WithError(err).Warn("worker: write failed, dropping connection")
		w.resetConnection()
	}
}

// connectLoop owns the reconnect state machine: connect, handshake,
// resend-on-interval, read-pump, and on any error or closed connection,
// back off and retry.
func (w *Worker) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := w.dial(ctx, w.cfg.HubURL)
		if err != nil {
			w.log.WithError(err).Warn("worker: dial failed")
			w.sleepBackoff(ctx)
			continue
		}

		if err := w.handshake(conn); err != nil {
			w.log.WithError(err).Warn("worker: handshake failed")
			conn.Close()
			w.sleepBackoff(ctx)
			continue
		}
		w.back.Reset()

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()

		w.rejoin(conn)
		w.runConnection(ctx, conn)

		w.resetConnection()
		w.sleepBackoff(ctx)
	}
}

func (w *Worker) sleepBackoff(ctx context.Context) {
	select {
	case <-time.After(w.back.Delay()):
	case <-ctx.Done():
	}
}

// handshake exchanges Handshake messages and negotiates redundant_count.
// A version mismatch panics: the worker and hub speak exact-match wire
// protocols, per spec.md §4.10.
func (w *Worker) handshake(conn Transport) error {
	req, err := json.Marshal(Handshake{Version: WireProtocolVersion})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(req); err != nil {
		return err
	}
	data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return err
	}
	if hs.Version != WireProtocolVersion {
		panic(fmt.Sprintf("worker: wire protocol version mismatch: hub=%s worker=%s", hs.Version, WireProtocolVersion))
	}
	w.mu.Lock()
	w.redundantCount = hs.RedundantCount
	w.mu.Unlock()
	return nil
}

// rejoin prefixes every (re)connection with the most recent JoinSpace
// before anything else is sent, per spec.md §4.10.
func (w *Worker) rejoin(conn Transport) {
	payload, err := json.Marshal(server.JoinSpace{
		Envelope: server.Envelope{Space: w.cfg.Space},
		Agent:    w.cfg.AgentAddress,
	})
	if err != nil {
		return
	}
	sig, err := w.ks.Sign(w.cfg.SigningKeyID, payload)
	if err != nil {
		return
	}
	env := &Envelope{Kind: "joinSpace", Message: SignedWireMessage{
		Payload:    payload,
		Provenance: Provenance{Agent: w.cfg.AgentAddress, Signature: sig},
	}}
	env.Hash = hashPayload(payload)
	w.transmit(conn, env)
}

// runConnection drives the resend ticker and the read pump until the
// connection fails or ctx is cancelled.
func (w *Worker) runConnection(ctx context.Context, conn Transport) {
	reads := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			reads <- data
		}
	}()

	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			return
		case data := <-reads:
			w.handleWireMessage(data)
		case <-ticker.C:
			if head, ok := w.out.Head(); ok {
				w.transmit(conn, head)
			}
		}
	}
}

func (w *Worker) handleWireMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.log.WithError(err).Warn("worker: malformed wire message")
		return
	}
	if env.Kind == ackKind {
		w.out.Ack(env.Hash)
		return
	}
	w.dispatchInbound(env)
}

// dispatchInbound decodes a hub push and delivers it into core exactly
// as if it had arrived from a locally joined agent.
func (w *Worker) dispatchInbound(env Envelope) {
	payload := env.Message.Payload
	switch env.Kind {
	case "handleStoreEntryAspect":
		var msg server.HandleStoreEntryAspect
		if json.Unmarshal(payload, &msg) == nil {
			w.core.PublishEntry(server.PublishEntry{
				Envelope: msg.Envelope,
				Agent:    w.cfg.AgentAddress,
				Entry:    msg.Entry,
				Aspects:  []dht.Aspect{msg.Aspect},
			})
		}
	case "handleSendDirectMessage":
		var msg server.HandleSendDirectMessage
		if json.Unmarshal(payload, &msg) == nil {
			w.core.SendDirectMessage(server.SendDirectMessage{
				Envelope: msg.Envelope, From: msg.From, To: msg.To, Payload: msg.Payload,
			})
		}
	case "handleQueryEntry":
		var msg server.HandleQueryEntry
		if json.Unmarshal(payload, &msg) == nil {
			w.core.QueryEntry(server.QueryEntry{
				Envelope: msg.Envelope, Agent: msg.Requester, Entry: msg.Entry, Query: msg.Query,
			})
		}
	case "sendDirectMessageResult":
		var msg server.SendDirectMessageResult
		if json.Unmarshal(payload, &msg) == nil {
			if !w.resolvePending(msg.RequestID, msg) {
				w.log.WithField("request_id", msg.RequestID).Warn("worker: sendDirectMessageResult with no matching pending request")
			}
		}
	case "failureResult":
		var msg server.FailureResult
		if json.Unmarshal(payload, &msg) == nil {
			if !w.resolvePending(msg.RequestID, msg) {
				w.log.WithField("request_id", msg.RequestID).Warn("worker: failureResult with no matching pending request")
			}
		}
	default:
		w.log.WithField("kind", env.Kind).Debug("worker: ignoring unrecognised inbound wire kind")
	}
}

func (w *Worker) resetConnection() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
