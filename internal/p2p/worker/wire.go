package worker

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/synnergy-labs/conductor/internal/address"
)

// WireProtocolVersion is this worker's wire-protocol version. Handshakes
// with a hub advertising any other version panic per spec.md §4.10 — the
// worker never attempts to interoperate across versions.
const WireProtocolVersion = "1"

// Handshake is exchanged once per connection before any application
// message. RedundantCount of 0 means "full-sync": see Worker.handshake.
type Handshake struct {
	Version        string `json:"version"`
	RedundantCount int    `json:"redundant_count"`
}

// Provenance identifies the agent that signed a wire message's payload.
type Provenance struct {
	Agent     address.Address `json:"agent"`
	Signature string          `json:"signature"`
}

// SignedWireMessage wraps an outbound payload with the provenance the hub
// uses to verify it, per spec.md §4.10 ("signs every outbound message
// payload with the agent's signing key and wraps it in
// SignedWireMessage{payload, provenance}").
type SignedWireMessage struct {
	Payload    json.RawMessage `json:"payload"`
	Provenance Provenance      `json:"provenance"`
}

// Envelope is the outermost frame on the wire: a monotonic id assigned by
// the outbound queue, the content hash acks are matched on, and the
// signed body.
type Envelope struct {
	ID      uint64            `json:"id"`
	Hash    string            `json:"hash"`
	Kind    string            `json:"kind"`
	Message SignedWireMessage `json:"message"`
}

// ackKind is the reserved Envelope.Kind value for the hub's acknowledgement
// of one outbound Envelope, identified by its Hash. Acks reuse Envelope
// rather than a distinct wire shape so a reader never has to guess which
// type to decode first.
const ackKind = "ack"

// hashPayload returns the stable content hash an Envelope and its Ack
// agree on.
func hashPayload(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
