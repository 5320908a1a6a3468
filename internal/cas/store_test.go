package cas_test

import (
	"encoding/json"
	"testing"

	"github.com/synnergy-labs/conductor/internal/address"
	"github.com/synnergy-labs/conductor/internal/cas"
)

func mustEntry(t *testing.T, appType string, payload any) cas.Entry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return cas.Entry{Type: cas.EntryApp, AppType: appType, Payload: raw}
}

func TestStoreAddIsIdempotent(t *testing.T) {
	s := cas.NewStore(cas.NewMemoryBackend())
	e := mustEntry(t, "post", map[string]string{"content": "hi"})

	a1, err := s.Add(e)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a2, err := s.Add(e)
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("expected idempotent address, got %s != %s", a1, a2)
	}
}

func TestStoreGetMissingIsNotError(t *testing.T) {
	s := cas.NewStore(cas.NewMemoryBackend())
	_, ok, err := s.Get("bogus")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing address")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := cas.NewStore(cas.NewMemoryBackend())
	e := mustEntry(t, "post", map[string]string{"content": "hi"})
	addr, err := s.Add(e)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, ok, err := s.Get(addr)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["content"] != "hi" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestLinkAddAndTombstone(t *testing.T) {
	ix := cas.NewIndex()
	base := mkaddr("a")
	b := mkaddr("b")
	c := mkaddr("c")

	if err := ix.Add(base, cas.LinkTagAttr("rel", "t1"), b); err != nil {
		t.Fatalf("add link b: %v", err)
	}
	if err := ix.Add(base, cas.LinkTagAttr("rel", "t1"), c); err != nil {
		t.Fatalf("add link c: %v", err)
	}

	rows := ix.Fetch(cas.Query{Entity: &base, Attribute: cas.ExactAttr(cas.LinkTagAttr("rel", "t1"))})
	if len(rows) != 2 {
		t.Fatalf("expected 2 links before tombstone, got %d", len(rows))
	}

	if err := ix.Add(base, cas.RemovedLinkAttr("rel", "t1"), b); err != nil {
		t.Fatalf("add tombstone: %v", err)
	}

	rows = ix.Fetch(cas.Query{Entity: &base, Attribute: cas.ExactAttr(cas.LinkTagAttr("rel", "t1"))})
	if len(rows) != 1 || rows[0].Value != c {
		t.Fatalf("expected only c to remain, got %+v", rows)
	}
}

func mkaddr(s string) address.Address { return address.Address(s) }
