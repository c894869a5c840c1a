// Package router maps concept ids to shards with a consistent-hash ring.
//
// Every shard owns VirtualNodes points on a 64-bit xxhash ring; an id belongs to the
// first point clockwise from its own hash. Routing is pure: a Router is immutable
// after construction and safe for concurrent use, so any goroutine (request handlers,
// reconcilers, the coordinator) can call ShardFor freely.
package router

import (
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// DefaultVirtualNodes is the number of ring points per shard.
const DefaultVirtualNodes = 64

type point struct {
	hash  uint64
	shard int
}

// Router is an immutable consistent-hash ring.
type Router struct {
	shards int
	vnodes int
	ring   []point
}

// Option configures a Router.
type Option func(*Router)

// WithVirtualNodes sets the number of ring points per shard.
func WithVirtualNodes(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.vnodes = n
		}
	}
}

// New builds a ring for the given shard count.
func New(shards int, opts ...Option) (*Router, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("%w: shard count must be positive, got %d", core.ErrInvalidArgument, shards)
	}
	r := &Router{shards: shards, vnodes: DefaultVirtualNodes}
	for _, opt := range opts {
		opt(r)
	}

	r.ring = make([]point, 0, shards*r.vnodes)
	for s := 0; s < shards; s++ {
		for v := 0; v < r.vnodes; v++ {
			key := "shard-" + strconv.Itoa(s) + "#" + strconv.Itoa(v)
			r.ring = append(r.ring, point{hash: xxhash.Sum64String(key), shard: s})
		}
	}
	slices.SortFunc(r.ring, func(a, b point) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		}
		return a.shard - b.shard
	})
	return r, nil
}

// Shards returns the shard count the ring was built for.
func (r *Router) Shards() int {
	return r.shards
}

// ShardFor returns the shard index owning id. Deterministic for a fixed shard count.
func (r *Router) ShardFor(id string) int {
	if r.shards == 1 {
		return 0
	}
	h := xxhash.Sum64String(id)
	i := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= h })
	if i == len(r.ring) {
		i = 0
	}
	return r.ring[i].shard
}

// SameShard reports whether a and b route to the same shard.
func (r *Router) SameShard(a, b string) bool {
	return r.ShardFor(a) == r.ShardFor(b)
}

// Distribution counts how many of ids land on each shard.
func (r *Router) Distribution(ids []string) []int {
	counts := make([]int, r.shards)
	for _, id := range ids {
		counts[r.ShardFor(id)]++
	}
	return counts
}

// Migration describes an id whose owner changes during a resize.
type Migration struct {
	ID   string
	From int
	To   int
}

// RehashPlan lists the ids that move when the shard count goes from oldShards to
// newShards. It only computes the plan; moving data is left to the caller.
func RehashPlan(oldShards, newShards int, ids []string, opts ...Option) ([]Migration, error) {
	before, err := New(oldShards, opts...)
	if err != nil {
		return nil, err
	}
	after, err := New(newShards, opts...)
	if err != nil {
		return nil, err
	}

	var plan []Migration
	for _, id := range ids {
		from, to := before.ShardFor(id), after.ShardFor(id)
		if from != to {
			plan = append(plan, Migration{ID: id, From: from, To: to})
		}
	}
	return plan, nil
}
