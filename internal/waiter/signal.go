package waiter

import "github.com/synnergy-labs/conductor/internal/address"

// CallID correlates the signals emitted over the lifetime of one
// CallZomeFunction invocation, per spec.md §4.12.
type CallID string

// CommitKind distinguishes the aspect a Commit signal produced, so the
// waiter knows which matching signal (AddLink/RemoveLink/UpdateEntry/
// RemoveEntry) to expect in addition to the per-peer HoldAspect signals.
type CommitKind string

const (
	CommitContent    CommitKind = "content"
	CommitLinkAdd    CommitKind = "link_add"
	CommitLinkRemove CommitKind = "link_remove"
	CommitUpdate     CommitKind = "update"
	CommitDeletion   CommitKind = "deletion"
)

// SignalZomeFunctionCall marks the start of a guest call; the waiter
// auto-adds a matching ReturnZomeFunctionResult expectation for Call.
type SignalZomeFunctionCall struct{ Call CallID }

// SignalReturnZomeFunctionResult marks a guest call's completion.
type SignalReturnZomeFunctionResult struct{ Call CallID }

// SignalCommit reports one entry committed during Call, triggering the
// waiter's per-peer HoldAspect and kind-specific expectations.
type SignalCommit struct {
	Call         CallID
	EntryAddress address.Address
	Kind         CommitKind
}

// SignalHoldAspect reports that Peer has held the aspect at EntryAddress.
// Nothing in this module dispatches it: internal/p2p/worker does not feed
// remote holds back into the action loop, so with a non-empty KnownPeers a
// Commit's per-peer expectation is met only by SignalHoldAspect values the
// caller dispatches itself (waiter_test.go does this).
type SignalHoldAspect struct {
	EntryAddress address.Address
	Peer         address.Address
}

// SignalAddLink / SignalRemoveLink / SignalUpdateEntry / SignalRemoveEntry
// confirm that a link-add, link-remove, update, or deletion commit's
// aspect has actually been applied (as opposed to merely queued).
type SignalAddLink struct{ EntryAddress address.Address }
type SignalRemoveLink struct{ EntryAddress address.Address }
type SignalUpdateEntry struct{ EntryAddress address.Address }
type SignalRemoveEntry struct{ EntryAddress address.Address }

// SignalAddPendingValidation / SignalRemovePendingValidation bracket one
// pending validation: for every SignalAddPendingValidation it observes, the
// Waiter makes each in-flight call also wait for a
// SignalRemovePendingValidation with the same ID. Nothing in this module
// dispatches them; internal/workflow's HoldAspect requeue emits no signal.
type SignalAddPendingValidation struct{ ID string }
type SignalRemovePendingValidation struct{ ID string }
