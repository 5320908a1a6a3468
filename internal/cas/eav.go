package cas

import (
	"regexp"
	"sync"

	"github.com/synnergy-labs/conductor/internal/address"
)

// AttrKind distinguishes the three attribute shapes of spec.md §3.
type AttrKind string

const (
	AttrLinkTag     AttrKind = "link_tag"
	AttrRemovedLink AttrKind = "removed_link"
	AttrSystem      AttrKind = "system"
)

// System attribute names.
const (
	SysCrudStatus = "crud-status"
	SysCrudLink   = "crud-link"
	SysHeaders    = "headers"
)

// Attribute is the middle position of an EAV triple.
type Attribute struct {
	Kind   AttrKind
	LType  string // link type, for AttrLinkTag / AttrRemovedLink
	Tag    string // link tag, for AttrLinkTag / AttrRemovedLink
	System string // system attribute name, for AttrSystem
}

func LinkTagAttr(linkType, tag string) Attribute {
	return Attribute{Kind: AttrLinkTag, LType: linkType, Tag: tag}
}

func RemovedLinkAttr(linkType, tag string) Attribute {
	return Attribute{Kind: AttrRemovedLink, LType: linkType, Tag: tag}
}

func SystemAttr(name string) Attribute {
	return Attribute{Kind: AttrSystem, System: name}
}

// Triple is one (entity, attribute, value) row of the EAV index.
type Triple struct {
	Entity    address.Address
	Attribute Attribute
	Value     address.Address
}

// AttrMatcher selects which attributes a query is interested in.
type AttrMatcher struct {
	mode  int // 0 = any, 1 = exact, 2 = regex-on-tag
	exact Attribute
	ltype string
	re    *regexp.Regexp
}

func AnyAttr() AttrMatcher { return AttrMatcher{mode: 0} }

func ExactAttr(a Attribute) AttrMatcher { return AttrMatcher{mode: 1, exact: a} }

// RegexTagAttr matches AttrLinkTag rows of the given link type whose tag
// matches pattern.
func RegexTagAttr(linkType string, pattern *regexp.Regexp) AttrMatcher {
	return AttrMatcher{mode: 2, ltype: linkType, re: pattern}
}

func (m AttrMatcher) matches(a Attribute) bool {
	switch m.mode {
	case 0:
		return true
	case 1:
		return a == m.exact
	case 2:
		return a.Kind == AttrLinkTag && a.LType == m.ltype && m.re.MatchString(a.Tag)
	}
	return false
}

// Query selects a subset of the EAV index; nil Entity/Value mean
// unconstrained.
type Query struct {
	Entity    *address.Address
	Attribute AttrMatcher
	Value     *address.Address
}

// Index is the entity-attribute-value triple store (part of C1). It is
// safe for concurrent use; fetch_eav observes all adds that happened
// before it on the same goroutine (a single RWMutex serialises both).
type Index struct {
	mu   sync.RWMutex
	rows []Triple
}

func NewIndex() *Index {
	return &Index{}
}

// Add inserts a new triple. Duplicate inserts are harmless (both are kept
// and observed identically by queries, since rows are a set in spirit but
// tombstone resolution is idempotent over duplicates).
func (ix *Index) Add(e address.Address, a Attribute, v address.Address) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rows = append(ix.rows, Triple{Entity: e, Attribute: a, Value: v})
	return nil
}

// Fetch returns the triples matching q, applying tombstone resolution for
// link-tag queries per spec.md §4.1: an add whose value is dominated by a
// removed-link tombstone for the same (entity, type, tag) is suppressed.
func (ix *Index) Fetch(q Query) []Triple {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var adds, tombstones []Triple
	for _, t := range ix.rows {
		if q.Entity != nil && t.Entity != *q.Entity {
			continue
		}
		if q.Value != nil && t.Value != *q.Value {
			continue
		}
		switch t.Attribute.Kind {
		case AttrRemovedLink:
			tombstones = append(tombstones, t)
		default:
			if q.Attribute.matches(t.Attribute) {
				adds = append(adds, t)
			}
		}
	}

	out := make([]Triple, 0, len(adds))
	for _, add := range adds {
		if add.Attribute.Kind != AttrLinkTag {
			out = append(out, add)
			continue
		}
		dominated := false
		for _, ts := range tombstones {
			if ts.Entity != add.Entity {
				continue
			}
			if ts.Attribute.LType == add.Attribute.LType && ts.Attribute.Tag == add.Attribute.Tag && ts.Value == add.Value {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, add)
		}
	}
	return out
}
