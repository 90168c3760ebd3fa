// Package cache provides the keyed byte store used for query-result
// caching, embedding caching, and the token revocation set. All cache
// failures are non-fatal: reads degrade to a miss, writes are logged and
// dropped.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key prefixes. The user id is part of the query prefix so that a worker
// can evict one owner's results without touching anyone else's.
const (
	queryPrefix   = "query:"
	embedPrefix   = "embed:"
	revokedPrefix = "revoked:"
)

// Cache is a keyed byte store with TTL semantics.
type Cache interface {
	// Get returns the value for key, or ok=false on miss, expiry, or error.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key for ttl. Errors are swallowed (logged by
	// the implementation); a failed write is indistinguishable from an
	// immediate expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes keys. Deletion is idempotent.
	Delete(ctx context.Context, keys ...string)

	// DeleteByPrefix removes every key with the given prefix and reports
	// how many were deleted.
	DeleteByPrefix(ctx context.Context, prefix string) int

	// Stats returns the hit/miss counters accumulated by this process.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}

// Stats holds cache counters. Counters are process-local and owned by the
// cache component.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// counters is the atomic counter block embedded in both backends.
type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// QueryKey builds the deterministic cache key for a search request.
// The hash covers everything that changes the result set; the user id sits
// in the prefix so UserPrefix can target invalidation.
func QueryKey(userID int64, query string, k int, mode string, alpha float64) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%d|%s|%g", query, k, mode, alpha)
	return UserPrefix(userID) + strconv.FormatUint(h.Sum64(), 16)
}

// UserPrefix returns the query-cache key prefix for one owner.
func UserPrefix(userID int64) string {
	return queryPrefix + strconv.FormatInt(userID, 10) + ":"
}

// EmbeddingKey builds the cache key for a text's embedding.
func EmbeddingKey(text string) string {
	return embedPrefix + strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// RevokedTokenKey builds the key for a revoked token id. Entries are
// append-only with a TTL matching the token expiry.
func RevokedTokenKey(jti string) string {
	return revokedPrefix + jti
}
