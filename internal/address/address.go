// Package address computes content addresses the same way
// core/storage.go's Pin did in the teacher repo: a SHA-256 multihash
// wrapped in a raw CIDv1, base32-encoded.
package address

import (
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Address is the content address of a serialised value.
type Address string

// String returns the address as a plain string.
func (a Address) String() string { return string(a) }

// Empty reports whether the address is the zero value.
func (a Address) Empty() bool { return a == "" }

// Of hashes an already-serialised byte slice into an Address.
func Of(data []byte) (Address, error) {
	encodedMH, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("address: hash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, encodedMH)
	return Address(c.String()), nil
}

// OfJSON canonically serialises v (sorted map keys via encoding/json's
// deterministic struct-field ordering) and returns its Address.
func OfJSON(v any) (Address, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("address: marshal: %w", err)
	}
	addr, err := Of(data)
	return addr, data, err
}
