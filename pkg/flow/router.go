package flow

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Router maps flow keys to shards. It is immutable after construction and
// safe for concurrent use by every producer.
type Router struct {
	shards uint64
}

// NewRouter returns a router over n shards.
func NewRouter(n int) (*Router, error) {
	if n < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", n)
	}
	return &Router{shards: uint64(n)}, nil
}

// Shards returns the shard count the router was built with.
func (r *Router) Shards() int { return int(r.shards) }

// ShardFor returns the shard owning k. Install and remove requests for the
// same key always resolve to the same shard.
func (r *Router) ShardFor(k Key) int {
	b := k.Bytes()
	return int(xxhash.Sum64(b[:]) % r.shards)
}
