package dht

import (
	"encoding/json"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/chain"
)

// AspectKind is one of the five gossipable aspect variants of spec.md §3.
type AspectKind string

const (
	AspectContent    AspectKind = "content"
	AspectLinkAdd    AspectKind = "link_add"
	AspectLinkRemove AspectKind = "link_remove"
	AspectUpdate     AspectKind = "update"
	AspectDeletion   AspectKind = "deletion"
)

// Aspect is the smallest unit of content gossiped by the overlay.
type Aspect struct {
	Kind   AspectKind  `json:"kind"`
	Entry  *cas.Entry  `json:"entry,omitempty"`
	Header chain.Header `json:"header"`
}

// Address is the content address of the aspect.
func (a Aspect) Address() (address.Address, error) {
	addr, _, err := address.OfJSON(a)
	return addr, err
}

// EntryAddress is the entry address this aspect is attached to — either
// the header's own entry reference, or (for link aspects) the link
// payload's base address, which is how the holding map and missing set are
// keyed.
func (a Aspect) EntryAddress() (address.Address, error) {
	switch a.Kind {
	case AspectLinkAdd:
		p, err := decodeLinkAdd(a.Entry)
		if err != nil {
			return "", err
		}
		return p.Base, nil
	case AspectLinkRemove:
		p, err := decodeLinkRemove(a.Entry)
		if err != nil {
			return "", err
		}
		return p.Base, nil
	default:
		return a.Header.EntryAddress, nil
	}
}

func decodeLinkAdd(e *cas.Entry) (cas.LinkAddPayload, error) {
	var p cas.LinkAddPayload
	if e == nil {
		return p, errNilEntry("link_add")
	}
	return p, json.Unmarshal(e.Payload, &p)
}

func decodeLinkRemove(e *cas.Entry) (cas.LinkRemovePayload, error) {
	var p cas.LinkRemovePayload
	if e == nil {
		return p, errNilEntry("link_remove")
	}
	return p, json.Unmarshal(e.Payload, &p)
}

type missingEntryErr string

func (m missingEntryErr) Error() string { return "dht: aspect " + string(m) + " missing its entry" }

func errNilEntry(kind string) error { return missingEntryErr(kind) }
