// Package hostabi implements the guest host interface (C6): the narrow,
// serialised-buffer-in/serialised-buffer-out call table a sandboxed guest
// invokes, wired against the CAS, source chain, DHT shard, capability
// engine and keystore built by C1/C2/C3/C7/C8. The sandboxing shape
// (engine/store/module/instance, host functions registered under an "env"
// import namespace) is grounded on core/virtual_machine.go's HeavyVM; the
// call table itself replaces that file's opcode interpreter entirely.
package hostabi

import (
	"encoding/json"
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/chain"
)

// MatcherMode selects how GetLinks matches a link's type/tag, per
// spec.md §4.6 ("Matchers: exact / regex / any").
type MatcherMode int

const (
	MatchAny MatcherMode = iota
	MatchExact
	MatchRegex
)

// Matcher is the guest-facing counterpart of cas.AttrMatcher: it carries
// enough information for the Runtime to build one, without leaking the
// cas package's internal representation across the host boundary.
type Matcher struct {
	Mode    MatcherMode
	Literal string // exact type or tag
	Pattern string // regex source, for MatchRegex
}

// GetEntryOptions selects what GetEntry returns alongside the status.
type GetEntryOptions struct {
	Headers      bool
	Sources      bool
	EntryOrNot   bool
	StatusFilter []string // empty means "accept any status"
}

// GetEntryResult is get_entry's output shape.
type GetEntryResult struct {
	Status  string          `json:"status"`
	Entry   *cas.Entry      `json:"entry,omitempty"`
	Headers []chain.Header  `json:"headers,omitempty"`
	Sources []address.Address `json:"sources,omitempty"`
}

// GetLinksOptions selects what accompanies each GetLinks result.
type GetLinksOptions struct {
	Headers bool
}

// LinkResult is one entry of get_links' result sequence.
type LinkResult struct {
	Target  address.Address `json:"target"`
	Tag     string          `json:"tag"`
	Status  string          `json:"status"`
	Headers []chain.Header  `json:"headers,omitempty"`
}

// QueryOptions selects query's result shape (spec.md §4.6: "addresses *or*
// headers *or* entries *or* (header,entry) pairs").
type QueryOptions struct {
	WantHeaders bool
	WantEntries bool
}

// QueryRow is one matched item; which fields are populated depends on
// QueryOptions.
type QueryRow struct {
	Address address.Address `json:"address"`
	Header  *chain.Header   `json:"header,omitempty"`
	Entry   *cas.Entry      `json:"entry,omitempty"`
}

// QueryResult is query's output.
type QueryResult struct {
	Rows []QueryRow `json:"rows"`
}

// InitGlobalsResult is init_globals' output, per spec.md §4.6's table.
type InitGlobalsResult struct {
	AppName                string          `json:"app_name"`
	AppAddress             address.Address `json:"app_address"`
	AgentID                string          `json:"agent_id"`
	AgentAddress           address.Address `json:"agent_address"`
	AgentInitialHeaderAddr address.Address `json:"agent_initial_header_addr"`
	AgentLatestHeaderAddr  address.Address `json:"agent_latest_header_addr"`
	PublicToken            address.Address `json:"public_token"`
	CapRequest             json.RawMessage `json:"cap_request,omitempty"`
	Properties             json.RawMessage `json:"properties,omitempty"`
}

// timeoutFromMillis turns a wire millisecond count into a time.Duration,
// per send's {to_agent, payload, timeout_ms} input shape.
func timeoutFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
