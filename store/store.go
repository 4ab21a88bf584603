// Package store indexes component manifests in a byte-wise prefix trie.
//
// Each node carries its own read-write lock. Readers descend hand over hand,
// holding at most one node's read lock at a time; writers lock only the node
// they mutate. Nodes are never removed, so a pointer obtained under a parent's
// lock stays valid after that lock is released.
package store

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/version"
)

// Record is a registered manifest with its provenance.
type Record struct {
	Manifest     manifest.Manifest
	Source       manifest.Source
	RegisteredAt time.Time
	seq          uint64
}

// Sequence orders registrations; later registrations have larger values.
func (r Record) Sequence() uint64 { return r.seq }

type node struct {
	mu       sync.RWMutex
	children map[byte]*node
	records  []Record
}

func (n *node) child(b byte) *node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[b]
}

func (n *node) childOrCreate(b byte) *node {
	if c := n.child(b); c != nil {
		return c
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.children[b]; ok {
		return c
	}
	if n.children == nil {
		n.children = make(map[byte]*node)
	}
	c := &node{}
	n.children[b] = c
	return c
}

// Store is a concurrent manifest registry keyed by component id.
type Store struct {
	root  node
	count atomic.Int64
	seq   atomic.Uint64
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) find(id string) *node {
	n := &s.root
	for i := 0; i < len(id) && n != nil; i++ {
		n = n.child(id[i])
	}
	return n
}

// Register adds m under its component id. A second manifest with the same
// version key is rejected.
func (s *Store) Register(m manifest.Manifest, src manifest.Source) error {
	if err := manifest.ValidateID(m.ComponentID); err != nil {
		return errors.Wrap(err, "Store", "Register", "validate id")
	}
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, "Store", "Register", "validate manifest")
	}

	n := &s.root
	for i := 0; i < len(m.ComponentID); i++ {
		n = n.childOrCreate(m.ComponentID[i])
	}

	key := m.Version.Key()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.records {
		if r.Manifest.Version.Key() == key {
			return errors.WrapInvalid(fmt.Errorf("%w: %s@%s", errors.ErrAlreadyRegistered, m.ComponentID, key),
				"Store", "Register", "check duplicate")
		}
	}
	n.records = append(n.records, Record{
		Manifest:     m,
		Source:       src,
		RegisteredAt: s.now(),
		seq:          s.seq.Add(1),
	})
	s.count.Add(1)
	return nil
}

// Unregister removes one version of a component. The trie path stays.
func (s *Store) Unregister(id, versionKey string) bool {
	n := s.find(id)
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.records {
		if r.Manifest.Version.Key() == versionKey {
			n.records = slices.Delete(n.records, i, i+1)
			s.count.Add(-1)
			return true
		}
	}
	return false
}

// Records returns the registrations of id, newest version first. Records
// with equal versions are ordered by registration, latest first.
func (s *Store) Records(id string) ([]Record, bool) {
	n := s.find(id)
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	recs := slices.Clone(n.records)
	n.mu.RUnlock()
	if len(recs) == 0 {
		return nil, false
	}
	slices.SortFunc(recs, newestFirst)
	return recs, true
}

func newestFirst(a, b Record) int {
	return cmp.Or(
		-int(version.Compare(a.Manifest.Version, b.Manifest.Version)),
		-cmp.Compare(a.seq, b.seq),
	)
}

// Lookup returns every manifest registered under id, newest version first.
func (s *Store) Lookup(id string) ([]manifest.Manifest, bool) {
	recs, ok := s.Records(id)
	if !ok {
		return nil, false
	}
	out := make([]manifest.Manifest, len(recs))
	for i, r := range recs {
		out[i] = r.Manifest
	}
	return out, true
}

// Len returns the number of registered manifests.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// IDs returns every component id with at least one manifest, in ascending
// byte order.
func (s *Store) IDs() []string {
	var ids []string
	walk(&s.root, nil, func(path []byte, recs []Record) bool {
		if len(recs) > 0 {
			ids = append(ids, string(path))
		}
		return true
	})
	return ids
}

// SearchByPrefix yields manifests whose id starts with prefix and whose
// taxonomy class matches filter, depth first in ascending byte order. Within
// one id, newer versions come first. maxResults <= 0 means no limit. Each
// iteration walks the tree as it is at that time.
func (s *Store) SearchByPrefix(prefix, filter string, maxResults int) iter.Seq[manifest.Manifest] {
	return func(yield func(manifest.Manifest) bool) {
		start := s.find(prefix)
		if start == nil {
			return
		}
		emitted := 0
		walk(start, []byte(prefix), func(_ []byte, recs []Record) bool {
			slices.SortFunc(recs, newestFirst)
			for _, r := range recs {
				if !r.Manifest.MatchesTaxonomy(filter) {
					continue
				}
				if !yield(r.Manifest) {
					return false
				}
				emitted++
				if maxResults > 0 && emitted >= maxResults {
					return false
				}
			}
			return true
		})
	}
}

// walk visits n and its descendants depth first. visit receives a private
// copy of each node's records and returns false to stop.
func walk(n *node, path []byte, visit func(path []byte, recs []Record) bool) bool {
	n.mu.RLock()
	recs := slices.Clone(n.records)
	keys := make([]byte, 0, len(n.children))
	for b := range n.children {
		keys = append(keys, b)
	}
	children := make([]*node, len(keys))
	slices.Sort(keys)
	for i, b := range keys {
		children[i] = n.children[b]
	}
	n.mu.RUnlock()

	if !visit(path, recs) {
		return false
	}
	for i, c := range children {
		if !walk(c, append(path, keys[i]), visit) {
			return false
		}
	}
	return true
}
