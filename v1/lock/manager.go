package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-ward/v1/metrics"
	"github.com/mirkobrombin/go-ward/v1/store"
)

// Default tuning, chosen so the heartbeat runs several times within the
// safe period and the store-side expiry comfortably outlives the lease
// even under clock skew.
const (
	DefaultHeartbeatPeriod  = 5 * time.Second
	DefaultSafePeriod       = 20 * time.Second
	DefaultLeaseDuration    = 30 * time.Second
	DefaultExpiryPeriod     = time.Hour
	DefaultCallbackWorkers  = 5
	defaultCallbackQueueLen = 128
)

type event struct {
	code  EventCode
	lease *Lease
}

// Manager grants, renews and revokes leases over a shared
// conditional-write store. It runs two background loops for the
// lifetime of the manager: the heartbeat sender, which renews every
// held lease, and the heartbeat checker, which flags leases whose last
// renewal is older than the safe period.
type Manager struct {
	store           store.Conditional
	owner           string
	id              string
	heartbeatPeriod time.Duration
	safePeriod      time.Duration
	leaseDuration   time.Duration
	expiryPeriod    time.Duration
	releaseOnClose  bool
	workerCount     int
	logger          *zap.Logger

	mu           sync.Mutex
	leases       map[string]*Lease
	shuttingDown bool

	done    chan struct{}
	loops   *errgroup.Group
	events  chan event
	workers sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeartbeatPeriod sets how often held leases are renewed. It should
// be at least four times smaller than the lease duration.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatPeriod = d }
}

// WithSafePeriod sets how long a lease may go without a successful
// renewal before it is flagged as in danger. Must be strictly less than
// the lease duration.
func WithSafePeriod(d time.Duration) Option {
	return func(m *Manager) { m.safePeriod = d }
}

// WithLeaseDuration sets how long an unrenewed lease is considered
// valid by competitors.
func WithLeaseDuration(d time.Duration) Option {
	return func(m *Manager) { m.leaseDuration = d }
}

// WithExpiryPeriod sets the store-side TTL written on every record. It
// should be significantly larger than the lease duration so clock skew
// and missed renewals never expire a live lock.
func WithExpiryPeriod(d time.Duration) Option {
	return func(m *Manager) { m.expiryPeriod = d }
}

// WithLogger sets the logger used by the manager and its loops.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCallbackWorkers sets how many goroutines drain the notification
// queue.
func WithCallbackWorkers(n int) Option {
	return func(m *Manager) { m.workerCount = n }
}

// WithReleaseOnClose makes Close release every held lease. Disabled by
// default: releasing while business logic still assumes ownership is
// unsafe, and unreleased records self-expire via their TTL.
func WithReleaseOnClose() Option {
	return func(m *Manager) { m.releaseOnClose = true }
}

// New creates a Manager and starts its background loops.
func New(st store.Conditional, owner string, opts ...Option) (*Manager, error) {
	id, err := hashiuuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:           st,
		owner:           owner,
		id:              id,
		heartbeatPeriod: DefaultHeartbeatPeriod,
		safePeriod:      DefaultSafePeriod,
		leaseDuration:   DefaultLeaseDuration,
		expiryPeriod:    DefaultExpiryPeriod,
		workerCount:     DefaultCallbackWorkers,
		logger:          zap.NewNop(),
		leases:          make(map[string]*Lease),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.heartbeatPeriod <= 0 {
		return nil, errors.New("ward: heartbeat period must be positive")
	}
	if m.safePeriod >= m.leaseDuration {
		return nil, errors.New("ward: safe period must be strictly less than the lease duration")
	}
	if m.expiryPeriod < m.leaseDuration {
		return nil, errors.New("ward: expiry period must not be shorter than the lease duration")
	}
	m.events = make(chan event, defaultCallbackQueueLen)
	m.workers.Add(m.workerCount)
	for i := 0; i < m.workerCount; i++ {
		go m.callbackWorker()
	}
	g := new(errgroup.Group)
	g.Go(m.sendHeartbeatLoop)
	g.Go(m.checkHeartbeatLoop)
	m.loops = g
	m.logger.Info("lock manager started",
		zap.String("owner", owner),
		zap.String("id", id),
		zap.Duration("heartbeat_period", m.heartbeatPeriod),
		zap.Duration("lease_duration", m.leaseDuration))
	return m, nil
}

// AcquireOption configures a single Acquire call.
type AcquireOption func(*acquireConfig)

type acquireConfig struct {
	sortKey      string
	retryPeriod  time.Duration
	retryTimeout time.Duration
	metadata     map[string]string
	callback     Callback
}

// WithSortKey sets the sort key of the composite identity.
func WithSortKey(sortKey string) AcquireOption {
	return func(c *acquireConfig) { c.sortKey = sortKey }
}

// WithRetryPeriod sets how long to wait between acquisition retries.
// Defaults to the heartbeat period.
func WithRetryPeriod(d time.Duration) AcquireOption {
	return func(c *acquireConfig) { c.retryPeriod = d }
}

// WithRetryTimeout sets how long to keep retrying before giving up with
// ErrAcquireTimeout. Defaults to lease duration + heartbeat period.
func WithRetryTimeout(d time.Duration) AcquireOption {
	return func(c *acquireConfig) { c.retryTimeout = d }
}

// WithMetadata attaches arbitrary application metadata to the record.
func WithMetadata(metadata map[string]string) AcquireOption {
	return func(c *acquireConfig) { c.metadata = metadata }
}

// WithCallback registers the lifecycle notification callback for the
// acquired lease.
func WithCallback(cb Callback) AcquireOption {
	return func(c *acquireConfig) { c.callback = cb }
}

// Acquire obtains a lease for the given key, polling until it succeeds,
// the retry budget runs out (ErrAcquireTimeout), the context ends, or
// the manager shuts down (ErrShutdown).
//
// Contention is resolved purely by store-level conditional writes: a
// losing conditional insert or takeover is a normal signal and just
// schedules another retry.
func (m *Manager) Acquire(ctx context.Context, partitionKey string, opts ...AcquireOption) (*Lease, error) {
	cfg := acquireConfig{
		sortKey:      store.DefaultSortKey,
		retryPeriod:  m.heartbeatPeriod,
		retryTimeout: m.leaseDuration + m.heartbeatPeriod,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	attrs := make(map[string]string, len(cfg.metadata))
	for k, v := range cfg.metadata {
		attrs[k] = v
	}
	l := &Lease{
		partitionKey:  partitionKey,
		sortKey:       cfg.sortKey,
		ownerName:     m.owner,
		leaseDuration: m.leaseDuration,
		attributes:    attrs,
		callback:      cfg.callback,
		token:         uuid.NewString(),
		status:        StatusPending,
	}
	m.logger.Info("trying to acquire lock", zap.String("lease", l.uid()))

	start := time.Now()
	deadline := start.Add(cfg.retryTimeout)
	var lastToken string
	var lastSeen time.Time
	retries := 0
	for {
		if m.closing() {
			return nil, ErrShutdown
		}
		l.mu.Lock()
		l.expiresAt = time.Now().Add(m.expiryPeriod).Unix()
		l.lastRenewed = time.Now()
		candidate := l.item()
		l.mu.Unlock()

		existing, ok, err := m.store.Get(ctx, partitionKey, cfg.sortKey)
		if err != nil {
			return nil, &StoreError{Op: "get", Err: err}
		}
		if !ok {
			err := m.store.Insert(ctx, candidate)
			if err == nil {
				m.register(l)
				return l, nil
			}
			if !errors.Is(err, store.ErrConditionFailed) {
				return nil, &StoreError{Op: "insert", Err: err}
			}
			// another instance won the insert race
			m.logger.Info("lost the insert race, retrying", zap.String("lease", l.uid()))
		} else {
			remote := remoteFromItem(existing)
			if remote.token == lastToken && !lastSeen.IsZero() {
				if time.Since(lastSeen) > remote.leaseDuration {
					// the holder went a full lease duration without
					// renewing; take over keyed on its stale token
					err := m.store.Replace(ctx, candidate, store.Cond{Attribute: attrToken, Equals: lastToken})
					if err == nil {
						m.logger.Warn("took over an expired lease",
							zap.String("lease", l.uid()),
							zap.String("previous_owner", remote.owner))
						m.register(l)
						return l, nil
					}
					if !errors.Is(err, store.ErrConditionFailed) {
						return nil, &StoreError{Op: "replace", Err: err}
					}
					m.logger.Info("lost the takeover race, retrying", zap.String("lease", l.uid()))
				}
			} else {
				lastToken = remote.token
				lastSeen = time.Now()
			}
		}

		retries++
		next := start.Add(time.Duration(retries) * cfg.retryPeriod)
		if next.After(deadline) {
			metrics.LockAcquireTimeoutCounter.Inc()
			return nil, fmt.Errorf("%w: %s", ErrAcquireTimeout, l.uid())
		}
		if wait := time.Until(next); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.done:
				return nil, ErrShutdown
			case <-time.After(wait):
			}
		}
	}
}

func (m *Manager) register(l *Lease) {
	l.mu.Lock()
	l.status = StatusLocked
	l.lastRenewed = time.Now()
	l.mu.Unlock()
	m.mu.Lock()
	m.leases[l.uid()] = l
	m.mu.Unlock()
	metrics.LockAcquireCounter.Inc()
	metrics.ActiveLeaseGauge.Inc()
	m.logger.Info("acquired lock", zap.String("lease", l.uid()))
}

// ReleaseOption configures a single Release call.
type ReleaseOption func(*releaseConfig)

type releaseConfig struct {
	bestEffort bool
}

// Strict surfaces store failures instead of leaving the record to
// self-expire: a lost conditional delete returns ErrLockStolen, any
// other failure returns a StoreError.
func Strict() ReleaseOption {
	return func(c *releaseConfig) { c.bestEffort = false }
}

// Release revokes the lease and deletes its record, conditioned on the
// freshness token this instance last wrote. Releasing a lease that is
// no longer held is a no-op. By default store failures are logged and
// swallowed; the record self-expires via its TTL.
func (m *Manager) Release(ctx context.Context, l *Lease, opts ...ReleaseOption) error {
	cfg := releaseConfig{bestEffort: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusLocked && l.status != StatusInDanger {
		m.logger.Info("skipping release, lease is not held", zap.String("lease", l.uid()), zap.String("status", string(l.status)))
		return nil
	}
	l.status = StatusReleased
	m.untrack(l)

	err := m.store.Delete(ctx, l.partitionKey, l.sortKey, store.Cond{Attribute: attrToken, Equals: l.token})
	if err != nil {
		if cfg.bestEffort {
			m.logger.Warn("release delete failed, record will expire via ttl",
				zap.String("lease", l.uid()), zap.Error(err))
			return nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			return ErrLockStolen
		}
		return &StoreError{Op: "delete", Err: err}
	}
	m.logger.Info("released lock", zap.String("lease", l.uid()))
	return nil
}

// Status reports the local state of the lease held under the given key,
// if any.
func (m *Manager) Status(partitionKey, sortKey string) (Status, bool) {
	m.mu.Lock()
	l, ok := m.leases[leaseUID(partitionKey, sortKey)]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return l.Status(), true
}

// Close stops the background loops and the notification workers. Held
// leases are left to self-expire unless WithReleaseOnClose was set.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.mu.Unlock()

	close(m.done)
	_ = m.loops.Wait()
	if m.releaseOnClose {
		for _, l := range m.snapshot() {
			_ = m.Release(ctx, l)
		}
	}
	close(m.events)
	m.workers.Wait()
	m.logger.Info("lock manager closed")
	return nil
}

func (m *Manager) closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) snapshot() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	return out
}

// tracked reports whether the lease is still in the active set. Callers
// hold l.mu; the lock order is always lease before manager.
func (m *Manager) tracked(l *Lease) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[l.uid()]
	return ok
}

// untrack removes the lease from the active set, stopping future
// heartbeats. Callers hold l.mu.
func (m *Manager) untrack(l *Lease) {
	m.mu.Lock()
	if _, ok := m.leases[l.uid()]; ok {
		delete(m.leases, l.uid())
		metrics.ActiveLeaseGauge.Dec()
	}
	m.mu.Unlock()
}

func (m *Manager) callbackWorker() {
	defer m.workers.Done()
	for ev := range m.events {
		ev.lease.callback(ev.code, ev.lease)
	}
}

// dispatch enqueues a notification for the callback workers. The queue
// is bounded so the heartbeat loops never block on a slow callback; an
// overflowing event is dropped with a warning.
func (m *Manager) dispatch(code EventCode, l *Lease) {
	if l.callback == nil {
		return
	}
	select {
	case m.events <- event{code: code, lease: l}:
	default:
		m.logger.Warn("callback queue full, dropping event",
			zap.String("code", string(code)), zap.String("lease", l.uid()))
	}
}

// sleepUntil waits until t or until shutdown; it returns false on
// shutdown.
func (m *Manager) sleepUntil(t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		select {
		case <-m.done:
			return false
		default:
			return true
		}
	}
	select {
	case <-m.done:
		return false
	case <-time.After(d):
		return true
	}
}

// sendHeartbeatLoop renews every held lease once per heartbeat period,
// spreading the renewal writes evenly across the period to bound write
// throughput regardless of how many leases are held.
func (m *Manager) sendHeartbeatLoop() error {
	for {
		select {
		case <-m.done:
			return nil
		default:
		}
		start := time.Now()
		leases := m.snapshot()
		var spread time.Duration
		if len(leases) > 0 {
			spread = m.heartbeatPeriod / time.Duration(len(leases))
		}
		for i, l := range leases {
			m.sendHeartbeat(l)
			if !m.sleepUntil(start.Add(time.Duration(i+1) * spread)) {
				return nil
			}
		}
		nextStart := start.Add(m.heartbeatPeriod)
		if time.Now().After(nextStart.Add(spread)) {
			m.logger.Warn("heartbeat cycle took longer than the heartbeat period")
		}
		if !m.sleepUntil(nextStart) {
			return nil
		}
	}
}

// sendHeartbeat swaps in a new freshness token and a refreshed expiry,
// conditioned on the token this instance last wrote. A conditional
// failure means another instance took the lease over.
func (m *Manager) sendHeartbeat(l *Lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// the lease might have been released while waiting for its mutex
	if !m.tracked(l) {
		return
	}
	if l.status != StatusLocked && l.status != StatusInDanger {
		return
	}

	newToken := uuid.NewString()
	newExpiry := time.Now().Add(m.expiryPeriod).Unix()
	err := m.store.Update(context.Background(), l.partitionKey, l.sortKey,
		map[string]string{attrToken: newToken}, newExpiry,
		store.Cond{Attribute: attrToken, Equals: l.token})
	if err == nil {
		l.token = newToken
		l.expiresAt = newExpiry
		l.lastRenewed = time.Now()
		l.status = StatusLocked
		metrics.LockHeartbeatCounter.Inc()
		return
	}
	if errors.Is(err, store.ErrConditionFailed) {
		m.logger.Warn("lease stolen during renewal", zap.String("lease", l.uid()))
		l.status = StatusInvalid
		m.untrack(l)
		metrics.LockStolenCounter.Inc()
		m.dispatch(EventLockStolen, l)
		return
	}
	// transient store failure: keep the lease and retry next cycle
	m.logger.Warn("heartbeat update failed", zap.String("lease", l.uid()), zap.Error(err))
}

// checkHeartbeatLoop flags held leases whose last successful renewal is
// older than the safe period. The notification is advisory: the owner
// should expedite completion or release voluntarily.
func (m *Manager) checkHeartbeatLoop() error {
	for {
		select {
		case <-m.done:
			return nil
		default:
		}
		start := time.Now()
		for _, l := range m.snapshot() {
			m.checkHeartbeat(l)
		}
		if !m.sleepUntil(start.Add(m.heartbeatPeriod)) {
			return nil
		}
	}
}

func (m *Manager) checkHeartbeat(l *Lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !m.tracked(l) || l.status != StatusLocked {
		return
	}
	if time.Since(l.lastRenewed) < m.safePeriod {
		return
	}
	m.logger.Warn("lease is in danger", zap.String("lease", l.uid()),
		zap.Duration("since_last_renewal", time.Since(l.lastRenewed)))
	l.status = StatusInDanger
	metrics.LockDangerCounter.Inc()
	m.dispatch(EventLockInDanger, l)
}
