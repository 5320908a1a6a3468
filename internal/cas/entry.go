package cas

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/synnergy-labs/conductor/internal/address"
)

// EntryType tags the variant of an Entry, per spec.md §3.
type EntryType string

const (
	EntryApp           EntryType = "app"
	EntryAgentID       EntryType = "agent_id"
	EntryAppBundle     EntryType = "app_bundle"
	EntryCapGrant      EntryType = "cap_grant"
	EntryCapClaim      EntryType = "cap_claim"
	EntryLinkAdd       EntryType = "link_add"
	EntryLinkRemove    EntryType = "link_remove"
	EntryDeletion      EntryType = "deletion"
)

// Entry is a tagged value addressed by the hash of its canonical
// serialisation. AppType distinguishes application entry payload shapes;
// it is empty for the non-app variants.
type Entry struct {
	Type    EntryType       `json:"type"`
	AppType string          `json:"app_type,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// AgentIDPayload is the Payload shape for EntryAgentID: the agent's
// nickname and the signing public key its requests/headers are verified
// against.
type AgentIDPayload struct {
	Nickname  string            `json:"nickname"`
	PublicKey ed25519.PublicKey `json:"public_key"`
}

// LinkAddPayload is the Payload shape for EntryLinkAdd.
type LinkAddPayload struct {
	Base   address.Address `json:"base"`
	Target address.Address `json:"target"`
	Type   string          `json:"link_type"`
	Tag    string          `json:"tag"`
}

// LinkRemovePayload is the Payload shape for EntryLinkRemove.
type LinkRemovePayload struct {
	Base    address.Address   `json:"base"`
	Targets []address.Address `json:"targets"`
	Type    string            `json:"link_type"`
	Tag     string            `json:"tag"`
}

// DeletionPayload is the Payload shape for EntryDeletion.
type DeletionPayload struct {
	Deletes address.Address `json:"deletes"`
}

// CapGrantVariant enumerates §3's capability grant variants.
type CapGrantVariant string

const (
	GrantPublic      CapGrantVariant = "public"
	GrantTransferable CapGrantVariant = "transferable"
	GrantAssigned    CapGrantVariant = "assigned"
)

// ZomeFn names one exposed (zome, function) pair.
type ZomeFn struct {
	Zome string `json:"zome"`
	Fn   string `json:"fn"`
}

// CapGrantPayload is the Payload shape for EntryCapGrant.
type CapGrantPayload struct {
	Variant   CapGrantVariant   `json:"variant"`
	Assignees []address.Address `json:"assignees,omitempty"`
	Functions []ZomeFn          `json:"functions"`
}

// CapClaimPayload is the Payload shape for EntryCapClaim.
type CapClaimPayload struct {
	Token  address.Address `json:"token"`
	Grant  address.Address `json:"grant_header"`
	Issuer address.Address `json:"issuer"`
}

// Address returns the content address of the entry (hash of its
// canonical JSON serialisation), mirroring core/storage.go's Pin.
func (e Entry) Address() (address.Address, []byte, error) {
	return address.OfJSON(e)
}

func unmarshalEntry(data []byte, e *Entry) error {
	return json.Unmarshal(data, e)
}
