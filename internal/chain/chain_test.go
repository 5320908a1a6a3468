package chain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
	"github.com/synnergy-labs/conductor/internal/chain"
)

func TestCommitChainsHeaders(t *testing.T) {
	entries := cas.NewStore(cas.NewMemoryBackend())
	c := chain.New(entries, cas.NewMemoryBackend())

	raw, _ := json.Marshal(map[string]string{"content": "hi"})
	e1 := cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: raw}
	prov := []chain.Provenance{{Agent: address.Address("agent1"), Signature: []byte("sig")}}

	h1Addr, err := c.Commit(e1, prov, time.Now())
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	h2Addr, err := c.Commit(e1, prov, time.Now())
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	if h1Addr == h2Addr {
		t.Fatalf("expected distinct header addresses for sequential commits")
	}

	top, ok := c.TopHeader()
	if !ok {
		t.Fatalf("expected a top header")
	}
	if top.PrevHeader == nil {
		t.Fatalf("expected second header to reference the first")
	}
	if *top.PrevHeader != h1Addr {
		t.Fatalf("expected prev header %s, got %s", h1Addr, *top.PrevHeader)
	}
}

func TestCommitUpdateSetsCrudLink(t *testing.T) {
	entries := cas.NewStore(cas.NewMemoryBackend())
	c := chain.New(entries, cas.NewMemoryBackend())

	raw1, _ := json.Marshal(map[string]string{"content": "v1"})
	e1 := cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: raw1}
	prov := []chain.Provenance{{Agent: address.Address("agent1"), Signature: []byte("sig")}}

	_, err := c.Commit(e1, prov, time.Now())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	entryAddr, _, err := e1.Address()
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	raw2, _ := json.Marshal(map[string]string{"content": "v2"})
	e2 := cas.Entry{Type: cas.EntryApp, AppType: "post", Payload: raw2}
	_, err = c.CommitUpdate(e2, entryAddr, prov, time.Now())
	if err != nil {
		t.Fatalf("commit update: %v", err)
	}

	top, _ := c.TopHeader()
	if top.CrudLink == nil || *top.CrudLink != entryAddr {
		t.Fatalf("expected crud link to point at predecessor")
	}
}
