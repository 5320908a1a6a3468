// Package capability implements the grant/claim/request model (C7):
// whether an incoming call is authorised to invoke a given (zome,
// function) pair, generalising core/access_control.go's AccessController
// (role grants cached over a ledger lookup) from role strings into the
// token-scoped grant variants of spec.md §4.7.
package capability

import (
	"crypto/ed25519"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/cerr"
	"github.com/synnergy-labs/conductor/internal/keystore"
)

// PublicToken is the sentinel token a caller presents to mean "I am not
// claiming a specific grant; check whether a public grant already covers
// this function", per spec.md §4.7 rule 1.
const PublicToken address.Address = "cap:public"

// Request is the triple validated against a (zome, function) call.
type Request struct {
	Token        address.Address
	Caller       address.Address
	FunctionName string
	Args         []byte
	Signature    string // base64, over FunctionName||Args
}

// SignedPayload is what a caller's signature must cover.
func (r Request) SignedPayload() []byte {
	return append([]byte(r.FunctionName), r.Args...)
}

// GrantStore resolves capability grants committed on the responder's
// chain. A grant's token is the content address of its committed entry.
type GrantStore interface {
	ResolveGrant(token address.Address) (cas.CapGrantPayload, bool, error)
	FindPublicGrant(zome, fn string) (cas.CapGrantPayload, bool, error)
}

// PubKeyResolver maps an agent address to its signing public key, via a
// committed agent-identity entry (resolved by C2/C8 upstream of this
// package; capability itself stays agnostic of how that lookup happens).
type PubKeyResolver interface {
	ResolvePublicKey(agent address.Address) (ed25519.PublicKey, bool, error)
}

// Engine validates requests against grants, per the six-step algorithm
// in spec.md §4.7.
type Engine struct {
	grants  GrantStore
	pubkeys PubKeyResolver
}

func New(grants GrantStore, pubkeys PubKeyResolver) *Engine {
	return &Engine{grants: grants, pubkeys: pubkeys}
}

func functionListed(grant cas.CapGrantPayload, zome, fn string) bool {
	for _, zf := range grant.Functions {
		if zf.Zome == zome && zf.Fn == fn {
			return true
		}
	}
	return false
}

func assigneeListed(grant cas.CapGrantPayload, caller address.Address) bool {
	for _, a := range grant.Assignees {
		if a == caller {
			return true
		}
	}
	return false
}

// Validate runs spec.md §4.7's six-step algorithm for req against the
// target (zome, function).
func (e *Engine) Validate(req Request, zome, fn string) error {
	if req.Token == PublicToken {
		grant, ok, err := e.grants.FindPublicGrant(zome, fn)
		if err != nil {
			return err
		}
		if !ok || grant.Variant != cas.GrantPublic {
			return cerr.New(cerr.CapabilityCheckFailed, "capability: no public grant for "+zome+"/"+fn)
		}
		return nil
	}

	grant, ok, err := e.grants.ResolveGrant(req.Token)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.New(cerr.CapabilityCheckFailed, "capability: token does not resolve to a committed grant")
	}

	switch grant.Variant {
	case cas.GrantPublic:
		// accept regardless of caller/signature

	case cas.GrantTransferable:
		if err := e.verifySignature(req); err != nil {
			return err
		}

	case cas.GrantAssigned:
		if err := e.verifySignature(req); err != nil {
			return err
		}
		if !assigneeListed(grant, req.Caller) {
			return cerr.New(cerr.CapabilityCheckFailed, "capability: caller not in grant's assignees")
		}

	default:
		return cerr.New(cerr.ValidationFailed, "capability: unknown grant variant")
	}

	if !functionListed(grant, zome, fn) {
		return cerr.New(cerr.CapabilityCheckFailed, "capability: function not covered by grant")
	}
	return nil
}

func (e *Engine) verifySignature(req Request) error {
	pub, ok, err := e.pubkeys.ResolvePublicKey(req.Caller)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.New(cerr.CapabilityCheckFailed, "capability: caller's public key not found")
	}
	valid, err := keystore.Verify(pub, req.SignedPayload(), req.Signature)
	if err != nil {
		return cerr.Wrap(err, cerr.CapabilityCheckFailed, "capability: malformed signature")
	}
	if !valid {
		return cerr.New(cerr.CapabilityCheckFailed, "capability: signature does not verify")
	}
	return nil
}
