package capability

import (
	"encoding/json"

	"crypto/ed25519"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/chain"
)

// ChainGrantStore resolves grants by looking them up directly in the CAS
// (a grant's token is its entry's own content address) and finds public
// grants by scanning the responder's cap_grant headers, mirroring
// core/access_control.go's ListRoles prefix scan generalised from a
// ledger-prefix iterator to a header-type iterator.
type ChainGrantStore struct {
	entries *cas.Store
	chain   *chain.Chain
}

func NewChainGrantStore(entries *cas.Store, c *chain.Chain) *ChainGrantStore {
	return &ChainGrantStore{entries: entries, chain: c}
}

func (s *ChainGrantStore) ResolveGrant(token address.Address) (cas.CapGrantPayload, bool, error) {
	entry, ok, err := s.entries.Get(token)
	if err != nil || !ok {
		return cas.CapGrantPayload{}, ok, err
	}
	if entry.Type != cas.EntryCapGrant {
		return cas.CapGrantPayload{}, false, nil
	}
	var p cas.CapGrantPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return cas.CapGrantPayload{}, false, err
	}
	return p, true, nil
}

func (s *ChainGrantStore) FindPublicGrant(zome, fn string) (cas.CapGrantPayload, bool, error) {
	next := s.chain.IterHeadersByType(cas.EntryCapGrant)
	for {
		h, ok := next()
		if !ok {
			return cas.CapGrantPayload{}, false, nil
		}
		entry, found, err := s.chain.GetEntryForHeader(h)
		if err != nil {
			return cas.CapGrantPayload{}, false, err
		}
		if !found {
			continue
		}
		var p cas.CapGrantPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return cas.CapGrantPayload{}, false, err
		}
		if p.Variant == cas.GrantPublic && functionListed(p, zome, fn) {
			return p, true, nil
		}
	}
}

// ChainPubKeyResolver resolves an agent's signing public key from its
// committed agent_id entry.
type ChainPubKeyResolver struct {
	entries *cas.Store
}

func NewChainPubKeyResolver(entries *cas.Store) *ChainPubKeyResolver {
	return &ChainPubKeyResolver{entries: entries}
}

func (r *ChainPubKeyResolver) ResolvePublicKey(agent address.Address) (ed25519.PublicKey, bool, error) {
	entry, ok, err := r.entries.Get(agent)
	if err != nil || !ok {
		return nil, ok, err
	}
	if entry.Type != cas.EntryAgentID {
		return nil, false, nil
	}
	var p cas.AgentIDPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return nil, false, err
	}
	return p.PublicKey, true, nil
}
