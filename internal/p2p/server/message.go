package server

import (
	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/dht"
)

// Space names one overlay fabric; instances that JoinSpace with the same
// Space participate in the same gossip/direct-message mesh.
type Space string

// RequestID identifies one pending request/response pair. The zero value
// means "no request is pending" (e.g. a broadcast has nothing to reply to).
type RequestID uint64

// Frame is any protocol message exchanged between an instance and a Server.
// Both the client->server table and the server's effects in spec.md §4.9
// share this umbrella, the same way action.Action covers every C4 action —
// callers type-switch on the concrete struct.
type Frame interface{}

// Envelope carries the fields every protocol message is tagged with.
type Envelope struct {
	Space     Space
	RequestID RequestID
}

// JoinSpace adds agent to the tracked set of Space and asks it for its
// authoring and gossiping entry lists.
type JoinSpace struct {
	Envelope
	Agent address.Address
	Inbox Inbox
}

// LeaveSpace removes agent from the tracked set of Space.
type LeaveSpace struct {
	Envelope
	Agent address.Address
}

// SendDirectMessage asks the server to relay Payload from From to To as a
// HandleSendDirectMessage, provided both endpoints are tracked.
type SendDirectMessage struct {
	Envelope
	From, To address.Address
	Payload  []byte
}

// HandleSendDirectMessage is the server's relay of a SendDirectMessage to
// its recipient's inbox.
type HandleSendDirectMessage struct {
	Envelope
	From, To address.Address
	Payload  []byte
}

// HandleSendDirectMessageResult is To's reply to a HandleSendDirectMessage,
// relayed back to From as SendDirectMessageResult.
type HandleSendDirectMessageResult struct {
	Envelope
	From, To address.Address
	Payload  []byte
}

// SendDirectMessageResult is the relayed reply delivered to the original
// sender.
type SendDirectMessageResult struct {
	Envelope
	From, To address.Address
	Payload  []byte
}

// PublishEntry records each of Aspects in the authoring book (unless
// already stored) and broadcasts HandleStoreEntryAspect to every tracked
// peer of Space, including Agent itself (full-sync).
type PublishEntry struct {
	Envelope
	Agent   address.Address
	Entry   address.Address
	Aspects []dht.Aspect
}

// HandleStoreEntryAspect is the broadcast effect of PublishEntry, delivered
// to every peer tracked in Space.
type HandleStoreEntryAspect struct {
	Envelope
	Entry  address.Address
	Aspect dht.Aspect
}

// HandleFetchEntry asks Agent to republish Entry.
type HandleFetchEntry struct {
	Envelope
	Agent address.Address
	Entry address.Address
}

// HandleFetchEntryResult answers a HandleFetchEntry. When RequestID matches
// a request the server itself issued, the server treats it as a republish
// (re-running PublishEntry's effects for Aspects).
type HandleFetchEntryResult struct {
	Envelope
	Agent   address.Address
	Entry   address.Address
	Aspects []dht.Aspect
}

// QueryEntry forwards a query for Entry to the first agent registered in
// Space, as HandleQueryEntry. If no agent is registered, the requester
// gets a FailureResult (no_provider) rather than a successful empty
// QueryEntryResult.
type QueryEntry struct {
	Envelope
	Agent address.Address
	Entry address.Address
	Query []byte
}

// HandleQueryEntry is the forwarded query delivered to the responding
// agent.
type HandleQueryEntry struct {
	Envelope
	Requester address.Address
	Entry     address.Address
	Query     []byte
}

// HandleQueryEntryResult is the responder's answer, relayed to the original
// requester as QueryEntryResult.
type HandleQueryEntryResult struct {
	Envelope
	Requester address.Address
	Entry     address.Address
	Result    []byte
}

// QueryEntryResult is the relayed answer delivered to the requester; a
// no-responder space produces a FailureResult instead of this type.
type QueryEntryResult struct {
	Envelope
	Entry  address.Address
	Result []byte
}

// HandleGetAuthoringEntryList asks the newly-joined agent which aspects it
// has authored, keyed by entry.
type HandleGetAuthoringEntryList struct {
	Envelope
	Agent address.Address
}

// HandleGetAuthoringEntryListResult answers HandleGetAuthoringEntryList.
// For every listed aspect the local node has not authored, the server
// issues a HandleFetchEntry so the agent can publish it.
type HandleGetAuthoringEntryListResult struct {
	Envelope
	Agent   address.Address
	Entries map[address.Address][]address.Address // entry -> aspect addresses
}

// HandleGetGossipingEntryList asks the newly-joined agent which aspects it
// is willing to gossip, keyed by entry.
type HandleGetGossipingEntryList struct {
	Envelope
	Agent address.Address
}

// HandleGetGossipingEntryListResult answers HandleGetGossipingEntryList.
// For each aspect not already held, the server marks it stored and fetches
// it.
type HandleGetGossipingEntryListResult struct {
	Envelope
	Agent   address.Address
	Entries map[address.Address][]address.Address // entry -> aspect addresses
}

// FailureResult is sent to a sender whose outbound operation failed a
// liveness check, echoing the sender's own request id.
type FailureResult struct {
	Envelope
	Agent address.Address
	Err   string
}

// Inbox is how a Server delivers Frames to a joined instance: the
// instance's own receive loop reads from the other end of this channel.
// This is the per-(space,agent) "channel" spec.md §4.9 names as `senders`.
type Inbox chan<- Frame
