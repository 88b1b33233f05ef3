package pool

import (
	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

// member adapts a worker id to the consistent-hash member interface.
type member string

func (m member) String() string { return string(m) }

// xxHasher feeds xxhash into the ring.
type xxHasher struct{}

func (xxHasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// Ring maps symbols to worker ids via consistent hashing. Worker ids are
// stable across crashes, so respawning a worker never moves symbols; only
// membership changes redistribute keys, and then only a small fraction.
type Ring struct {
	c *consistent.Consistent
}

// NewRing builds a ring over the given worker ids with ~127 virtual nodes
// per worker.
func NewRing(workerIDs []string) *Ring {
	members := make([]consistent.Member, len(workerIDs))
	for i, id := range workerIDs {
		members[i] = member(id)
	}
	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 127,
		Load:              1.25,
		Hasher:            xxHasher{},
	}
	return &Ring{c: consistent.New(members, cfg)}
}

// Route returns the worker id owning symbol. Deterministic for a fixed
// membership set.
func (r *Ring) Route(symbol string) string {
	m := r.c.LocateKey([]byte(symbol))
	if m == nil {
		return ""
	}
	return m.String()
}

// Add inserts a worker into the ring.
func (r *Ring) Add(workerID string) { r.c.Add(member(workerID)) }

// Remove deletes a worker from the ring.
func (r *Ring) Remove(workerID string) { r.c.Remove(workerID) }

// Members returns the current worker ids.
func (r *Ring) Members() []string {
	ms := r.c.GetMembers()
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.String()
	}
	return out
}
