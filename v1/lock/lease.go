package lock

import (
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mirkobrombin/go-ward/v1/store"
)

// Status is the local lifecycle state of a lease. It is never persisted.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusLocked   Status = "LOCKED"
	StatusInDanger Status = "IN_DANGER"
	StatusReleased Status = "RELEASED"
	StatusInvalid  Status = "INVALID"
)

// EventCode identifies a lease lifecycle notification.
type EventCode string

const (
	// EventLockInDanger fires when a lease's last successful renewal is
	// old enough that it risks expiring before the next one succeeds.
	EventLockInDanger EventCode = "LOCK_IN_DANGER"
	// EventLockStolen fires when another instance took the lease over;
	// the owner must abort any in-flight work under it.
	EventLockStolen EventCode = "LOCK_STOLEN"
)

// Callback receives lease lifecycle notifications. It is invoked on a
// worker goroutine, never on the heartbeat loops.
type Callback func(code EventCode, l *Lease)

// Persisted attribute names, shared by every store backend.
const (
	attrOwnerName     = "owner_name"
	attrLeaseDuration = "lease_duration"
	attrToken         = "record_version_number"
)

// Lease is a time-bounded, renewable claim of exclusive ownership over
// a composite (partition key, sort key) identity. The freshness token
// changes on every successful heartbeat; its change is the sole
// liveness signal observed by competitors.
type Lease struct {
	partitionKey  string
	sortKey       string
	ownerName     string
	leaseDuration time.Duration
	attributes    map[string]string
	callback      Callback

	mu          sync.Mutex
	token       string
	expiresAt   int64
	status      Status
	lastRenewed time.Time
}

// Key returns the composite identity of the lease.
func (l *Lease) Key() (partitionKey, sortKey string) {
	return l.partitionKey, l.sortKey
}

// Owner returns the owner name recorded on the lease. It identifies the
// holder for diagnostics only; ownership checks are token-based.
func (l *Lease) Owner() string {
	return l.ownerName
}

// Duration returns the declared lease duration.
func (l *Lease) Duration() time.Duration {
	return l.leaseDuration
}

// Status returns the current local state of the lease.
func (l *Lease) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Token returns the current freshness token.
func (l *Lease) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// ExpiresAt returns the epoch-seconds store-side expiry last written.
func (l *Lease) ExpiresAt() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Attributes returns a copy of the application metadata stored with the
// lease record.
func (l *Lease) Attributes() map[string]string {
	out := make(map[string]string, len(l.attributes))
	for k, v := range l.attributes {
		out[k] = v
	}
	return out
}

func leaseUID(partitionKey, sortKey string) string {
	return url.QueryEscape(partitionKey) + "|" + url.QueryEscape(sortKey)
}

func (l *Lease) uid() string {
	return leaseUID(l.partitionKey, l.sortKey)
}

// item serializes the lease into its store record. Callers must hold l.mu.
func (l *Lease) item() store.Item {
	attrs := make(map[string]string, len(l.attributes)+3)
	for k, v := range l.attributes {
		attrs[k] = v
	}
	attrs[attrOwnerName] = l.ownerName
	attrs[attrLeaseDuration] = strconv.FormatFloat(l.leaseDuration.Seconds(), 'f', -1, 64)
	attrs[attrToken] = l.token
	return store.Item{
		PartitionKey: l.partitionKey,
		SortKey:      l.sortKey,
		Attributes:   attrs,
		ExpiresAt:    l.expiresAt,
	}
}

// remoteLease is the competitor's view of a lock record read back from
// the store: just enough to judge liveness.
type remoteLease struct {
	owner         string
	token         string
	leaseDuration time.Duration
}

func remoteFromItem(it store.Item) remoteLease {
	seconds, err := strconv.ParseFloat(it.Attributes[attrLeaseDuration], 64)
	if err != nil {
		seconds = 0
	}
	return remoteLease{
		owner:         it.Attributes[attrOwnerName],
		token:         it.Attributes[attrToken],
		leaseDuration: time.Duration(seconds * float64(time.Second)),
	}
}
