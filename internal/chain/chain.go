// Package chain implements the per-agent append-only source chain (C2):
// headers chained by two back-links, referencing entries held in the CAS.
package chain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
)

// Provenance witnesses an entry or call payload with an agent's signature,
// the same shape core/wallet.go's SignTx produces (signature + signer).
type Provenance struct {
	Agent     address.Address `json:"agent"`
	Signature []byte          `json:"sig"`
}

// Header is one link of the source chain.
type Header struct {
	EntryType          cas.EntryType    `json:"entry_type"`
	EntryAddress       address.Address  `json:"entry_address"`
	Provenances        []Provenance     `json:"provenances"`
	PrevHeader         *address.Address `json:"prev_header,omitempty"`
	PrevHeaderSameType *address.Address `json:"prev_header_same_type,omitempty"`
	CrudLink           *address.Address `json:"crud_link,omitempty"`
	Timestamp          int64            `json:"timestamp"`
}

// Address is the content address of the header's serialisation.
func (h Header) Address() (address.Address, []byte, error) {
	return address.OfJSON(h)
}

// Chain is one agent's append-only header sequence.
type Chain struct {
	entries *cas.Store
	headers cas.Backend

	mu      sync.Mutex
	history []Header // append-only, in commit order
}

// New creates a Chain backed by entries (the CAS store owning entry bytes)
// and headerBackend (a CAS-style blob backend used to persist headers by
// their own address, independent of entry storage).
func New(entries *cas.Store, headerBackend cas.Backend) *Chain {
	return &Chain{entries: entries, headers: headerBackend}
}

// Commit appends a new header referencing entry, signed by the given
// provenances. Per the invariant in spec.md §4.2, provenances must include
// at least the committing agent's signature over the entry's address; that
// is the caller's responsibility (built by the author workflow using the
// keystore).
func (c *Chain) Commit(entry cas.Entry, provenances []Provenance, now time.Time) (address.Address, error) {
	entryAddr, err := c.entries.Add(entry)
	if err != nil {
		return "", fmt.Errorf("chain: commit entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := Header{
		EntryType:    entry.Type,
		EntryAddress: entryAddr,
		Provenances:  provenances,
		Timestamp:    now.UnixMilli(),
	}
	if len(c.history) > 0 {
		prevAddr, _, err := c.history[len(c.history)-1].Address()
		if err != nil {
			return "", fmt.Errorf("chain: hash previous header: %w", err)
		}
		h.PrevHeader = &prevAddr
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].EntryType == entry.Type {
			sameTypeAddr, _, err := c.history[i].Address()
			if err != nil {
				return "", fmt.Errorf("chain: hash same-type previous header: %w", err)
			}
			h.PrevHeaderSameType = &sameTypeAddr
			break
		}
	}

	headerAddr, data, err := h.Address()
	if err != nil {
		return "", fmt.Errorf("chain: hash header: %w", err)
	}
	if err := c.headers.Put(headerAddr.String(), data); err != nil {
		return "", fmt.Errorf("chain: persist header: %w", err)
	}
	c.history = append(c.history, h)
	return headerAddr, nil
}

// CommitUpdate commits a new entry as an update of predecessor, setting the
// header's CRUD-link to predecessor's address.
func (c *Chain) CommitUpdate(entry cas.Entry, predecessor address.Address, provenances []Provenance, now time.Time) (address.Address, error) {
	return c.commitWithCrudLink(entry, &predecessor, provenances, now)
}

// CommitDeletion commits a deletion header whose CRUD-link points at the
// deleted entry's address. The entry payload carries the deleted address
// (cas.DeletionPayload).
func (c *Chain) CommitDeletion(entry cas.Entry, deleted address.Address, provenances []Provenance, now time.Time) (address.Address, error) {
	return c.commitWithCrudLink(entry, &deleted, provenances, now)
}

func (c *Chain) commitWithCrudLink(entry cas.Entry, crudLink *address.Address, provenances []Provenance, now time.Time) (address.Address, error) {
	entryAddr, err := c.entries.Add(entry)
	if err != nil {
		return "", fmt.Errorf("chain: commit entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := Header{
		EntryType:    entry.Type,
		EntryAddress: entryAddr,
		Provenances:  provenances,
		CrudLink:     crudLink,
		Timestamp:    now.UnixMilli(),
	}
	if len(c.history) > 0 {
		prevAddr, _, err := c.history[len(c.history)-1].Address()
		if err != nil {
			return "", err
		}
		h.PrevHeader = &prevAddr
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].EntryType == entry.Type {
			sameTypeAddr, _, err := c.history[i].Address()
			if err != nil {
				return "", err
			}
			h.PrevHeaderSameType = &sameTypeAddr
			break
		}
	}

	headerAddr, data, err := h.Address()
	if err != nil {
		return "", err
	}
	if err := c.headers.Put(headerAddr.String(), data); err != nil {
		return "", err
	}
	c.history = append(c.history, h)
	return headerAddr, nil
}

// TopHeader returns the most recently committed header, if any.
func (c *Chain) TopHeader() (Header, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return Header{}, false
	}
	return c.history[len(c.history)-1], true
}

// IterHeadersByType returns a lazy iterator (newest-first) over headers of
// the given type.
func (c *Chain) IterHeadersByType(t cas.EntryType) func() (Header, bool) {
	c.mu.Lock()
	snapshot := make([]Header, len(c.history))
	copy(snapshot, c.history)
	c.mu.Unlock()

	i := len(snapshot) - 1
	return func() (Header, bool) {
		for i >= 0 {
			h := snapshot[i]
			i--
			if h.EntryType == t {
				return h, true
			}
		}
		return Header{}, false
	}
}

// GetEntryForHeader resolves the entry a header references.
func (c *Chain) GetEntryForHeader(h Header) (cas.Entry, bool, error) {
	return c.entries.Get(h.EntryAddress)
}

// GetHeader looks a header up by its own address.
func (c *Chain) GetHeader(addr address.Address) (Header, bool, error) {
	data, ok, err := c.headers.Get(addr.String())
	if err != nil || !ok {
		return Header{}, ok, err
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, false, err
	}
	return h, true, nil
}
