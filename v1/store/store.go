// Package store defines the conditional-write key-value contract that
// backs ward's distributed locks and circuit breakers. Items are keyed
// by a composite (partition key, sort key) pair, carry a flat string
// attribute map and an optional absolute expiry honoured by every
// backend. All mutating operations can be conditioned on a single
// attribute equality check; a failed condition is the expected
// contention signal and is reported as ErrConditionFailed.
package store

import (
	"context"
	"errors"
	"net/url"
)

// DefaultSortKey pads single-key items into the composite key space.
const DefaultSortKey = "-"

// ErrConditionFailed is returned by conditional writes whose predicate
// did not hold. Callers treat it as contention, not as a failure of the
// backend itself.
var ErrConditionFailed = errors.New("ward: conditional check failed")

// Item is one record in the store.
type Item struct {
	PartitionKey string
	SortKey      string
	// Attributes holds the record payload as flat string pairs.
	Attributes map[string]string
	// ExpiresAt is an epoch-seconds timestamp after which the backend
	// may garbage-collect the item. Zero means no expiry.
	ExpiresAt int64
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	attrs := make(map[string]string, len(it.Attributes))
	for k, v := range it.Attributes {
		attrs[k] = v
	}
	out := it
	out.Attributes = attrs
	return out
}

// Cond is a single-attribute equality predicate for conditional writes.
type Cond struct {
	Attribute string
	Equals    string
}

// Conditional abstracts a strongly consistent key-value store that
// supports equality-conditioned writes and per-item expiry.
type Conditional interface {
	// Get retrieves a live item. Expired items read as absent.
	Get(ctx context.Context, partitionKey, sortKey string) (Item, bool, error)
	// Insert stores the item only if no live item exists under its key.
	Insert(ctx context.Context, item Item) error
	// Replace overwrites the whole item iff cond holds on the current one.
	Replace(ctx context.Context, item Item, cond Cond) error
	// Update sets the given attributes and expiry iff cond holds.
	Update(ctx context.Context, partitionKey, sortKey string, set map[string]string, expiresAt int64, cond Cond) error
	// Delete removes the item iff cond holds.
	Delete(ctx context.Context, partitionKey, sortKey string, cond Cond) error
	// Put unconditionally upserts the item.
	Put(ctx context.Context, item Item) error
}

// itemKey flattens the composite identity. Both components are escaped
// so a separator character inside a key cannot make two distinct
// identities collide.
func itemKey(partitionKey, sortKey string) string {
	return url.QueryEscape(partitionKey) + "|" + url.QueryEscape(sortKey)
}
