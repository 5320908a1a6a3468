// Package cas implements the content-addressed store and EAV index (C1).
package cas

import (
	"fmt"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cerr"
)

// Store is the immutable blob store keyed by content address. Add is
// idempotent: adding equal bytes twice returns the same address and does
// not error.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Add serialises entry, computes its address, and persists it. Re-adding
// a structurally equal entry is a no-op that returns the same address.
func (s *Store) Add(entry Entry) (address.Address, error) {
	addr, data, err := entry.Address()
	if err != nil {
		return "", cerr.Wrap(err, cerr.SerializationFailed, "cas: compute entry address")
	}
	if err := s.backend.Put(addr.String(), data); err != nil {
		return "", fmt.Errorf("cas: add: %w", err)
	}
	return addr, nil
}

// Get returns the entry for addr, or ok=false if it is not present. A
// missing entry is not an error (per spec.md §4.1).
func (s *Store) Get(addr address.Address) (Entry, bool, error) {
	data, ok, err := s.backend.Get(addr.String())
	if err != nil {
		return Entry{}, false, fmt.Errorf("cas: get: %w", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := unmarshalEntry(data, &e); err != nil {
		return Entry{}, false, cerr.Wrap(err, cerr.SerializationFailed, "cas: decode entry")
	}
	return e, true, nil
}

// Contains reports whether addr is present without decoding the entry.
func (s *Store) Contains(addr address.Address) (bool, error) {
	_, ok, err := s.backend.Get(addr.String())
	return ok, err
}
