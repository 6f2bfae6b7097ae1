package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/url"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
)

const defaultEtcdOpTimeout = 5 * time.Second

// Etcd implements Conditional on top of an etcd cluster. The item body
// lives as JSON under the item key, and every attribute is mirrored
// into a shadow key so transactions can compare a single attribute.
// Expiry maps onto an etcd lease granted per write; shadow keys
// orphaned by a Replace keep their previous lease and fall out on
// their own.
type Etcd struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// EtcdOption configures an Etcd store.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	prefix  string
	timeout time.Duration
}

// WithEtcdTimeout sets the operation timeout for etcd calls.
func WithEtcdTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) {
		o.timeout = d
	}
}

// WithEtcdPrefix namespaces every key written by the store.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(o *etcdOptions) {
		o.prefix = prefix
	}
}

// NewEtcd returns a new Etcd store using the provided client.
func NewEtcd(client *clientv3.Client, opts ...EtcdOption) *Etcd {
	o := etcdOptions{prefix: "ward", timeout: defaultEtcdOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Etcd{client: client, prefix: o.prefix, timeout: o.timeout}
}

type etcdItem struct {
	Attributes map[string]string `json:"attributes"`
	ExpiresAt  int64             `json:"expires_at"`
}

// key components are escaped so a "/" inside a key or a "#" inside a
// sort key cannot collide with another identity's key or shadow space.
func (s *Etcd) key(partitionKey, sortKey string) string {
	return s.prefix + "/" + url.QueryEscape(partitionKey) + "/" + url.QueryEscape(sortKey)
}

func shadowKey(itemKey, attribute string) string {
	return itemKey + "#" + url.QueryEscape(attribute)
}

func mapEtcdError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warderrors.ErrTimeout
	}
	return err
}

// grantLease returns the put options carrying the item's TTL lease, or
// no options when the item does not expire.
func (s *Etcd) grantLease(ctx context.Context, expiresAt int64) ([]clientv3.OpOption, error) {
	if expiresAt <= 0 {
		return nil, nil
	}
	ttl := expiresAt - time.Now().Unix()
	if ttl < 1 {
		ttl = 1
	}
	resp, err := s.client.Grant(ctx, ttl)
	if err != nil {
		return nil, mapEtcdError(err)
	}
	return []clientv3.OpOption{clientv3.WithLease(resp.ID)}, nil
}

// putOps builds the operations writing the item body and its shadow keys.
func (s *Etcd) putOps(item Item, opts []clientv3.OpOption) ([]clientv3.Op, error) {
	body, err := json.Marshal(etcdItem{Attributes: item.Attributes, ExpiresAt: item.ExpiresAt})
	if err != nil {
		return nil, err
	}
	key := s.key(item.PartitionKey, item.SortKey)
	ops := make([]clientv3.Op, 0, 1+len(item.Attributes))
	ops = append(ops, clientv3.OpPut(key, string(body), opts...))
	for k, v := range item.Attributes {
		ops = append(ops, clientv3.OpPut(shadowKey(key, k), v, opts...))
	}
	return ops, nil
}

func (s *Etcd) commit(ctx context.Context, cmps []clientv3.Cmp, ops []clientv3.Op) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Txn(cctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return mapEtcdError(err)
	}
	if !resp.Succeeded {
		return ErrConditionFailed
	}
	return nil
}

// Get implements Conditional.Get.
func (s *Etcd) Get(ctx context.Context, partitionKey, sortKey string) (Item, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Get(cctx, s.key(partitionKey, sortKey))
	if err != nil {
		return Item{}, false, mapEtcdError(err)
	}
	if len(resp.Kvs) == 0 {
		return Item{}, false, nil
	}
	var stored etcdItem
	if err := json.Unmarshal(resp.Kvs[0].Value, &stored); err != nil {
		return Item{}, false, err
	}
	// the lease may lag the declared expiry slightly
	if stored.ExpiresAt > 0 && stored.ExpiresAt <= time.Now().Unix() {
		return Item{}, false, nil
	}
	return Item{
		PartitionKey: partitionKey,
		SortKey:      sortKey,
		Attributes:   stored.Attributes,
		ExpiresAt:    stored.ExpiresAt,
	}, true, nil
}

// Insert implements Conditional.Insert.
func (s *Etcd) Insert(ctx context.Context, item Item) error {
	opts, err := s.grantLease(ctx, item.ExpiresAt)
	if err != nil {
		return err
	}
	ops, err := s.putOps(item, opts)
	if err != nil {
		return err
	}
	key := s.key(item.PartitionKey, item.SortKey)
	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	return s.commit(ctx, []clientv3.Cmp{cmp}, ops)
}

// Replace implements Conditional.Replace.
func (s *Etcd) Replace(ctx context.Context, item Item, cond Cond) error {
	opts, err := s.grantLease(ctx, item.ExpiresAt)
	if err != nil {
		return err
	}
	ops, err := s.putOps(item, opts)
	if err != nil {
		return err
	}
	key := s.key(item.PartitionKey, item.SortKey)
	cmp := clientv3.Compare(clientv3.Value(shadowKey(key, cond.Attribute)), "=", cond.Equals)
	return s.commit(ctx, []clientv3.Cmp{cmp}, ops)
}

// Update implements Conditional.Update. The merge happens client-side;
// the transaction still compares the conditioned attribute, so a
// concurrent writer that changed it loses nothing.
func (s *Etcd) Update(ctx context.Context, partitionKey, sortKey string, set map[string]string, expiresAt int64, cond Cond) error {
	cur, ok, err := s.Get(ctx, partitionKey, sortKey)
	if err != nil {
		return err
	}
	if !ok || cur.Attributes[cond.Attribute] != cond.Equals {
		return ErrConditionFailed
	}
	next := cur.Clone()
	for k, v := range set {
		next.Attributes[k] = v
	}
	if expiresAt > 0 {
		next.ExpiresAt = expiresAt
	}
	return s.Replace(ctx, next, cond)
}

// Delete implements Conditional.Delete.
func (s *Etcd) Delete(ctx context.Context, partitionKey, sortKey string, cond Cond) error {
	key := s.key(partitionKey, sortKey)
	cmp := clientv3.Compare(clientv3.Value(shadowKey(key, cond.Attribute)), "=", cond.Equals)
	ops := []clientv3.Op{
		clientv3.OpDelete(key),
		clientv3.OpDelete(key+"#", clientv3.WithPrefix()),
	}
	return s.commit(ctx, []clientv3.Cmp{cmp}, ops)
}

// Put implements Conditional.Put.
func (s *Etcd) Put(ctx context.Context, item Item) error {
	opts, err := s.grantLease(ctx, item.ExpiresAt)
	if err != nil {
		return err
	}
	ops, err := s.putOps(item, opts)
	if err != nil {
		return err
	}
	return s.commit(ctx, nil, ops)
}
