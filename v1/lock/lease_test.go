package lock

import (
	"testing"
	"time"

	"github.com/mirkobrombin/go-ward/v1/store"
)

func TestLeaseItemRoundTrip(t *testing.T) {
	l := &Lease{
		partitionKey:  "orders",
		sortKey:       store.DefaultSortKey,
		ownerName:     "worker-1",
		leaseDuration: 1500 * time.Millisecond,
		attributes:    map[string]string{"tenant": "acme"},
		token:         "t1",
		expiresAt:     4200,
	}

	it := l.item()
	if it.PartitionKey != "orders" || it.SortKey != store.DefaultSortKey {
		t.Fatalf("unexpected item key: %q %q", it.PartitionKey, it.SortKey)
	}
	if it.ExpiresAt != 4200 {
		t.Fatalf("unexpected expiry: %d", it.ExpiresAt)
	}
	if it.Attributes["tenant"] != "acme" {
		t.Fatalf("metadata not serialized: %v", it.Attributes)
	}

	remote := remoteFromItem(it)
	if remote.owner != "worker-1" {
		t.Fatalf("unexpected owner: %q", remote.owner)
	}
	if remote.token != "t1" {
		t.Fatalf("unexpected token: %q", remote.token)
	}
	if remote.leaseDuration != 1500*time.Millisecond {
		t.Fatalf("lease duration did not round-trip: %v", remote.leaseDuration)
	}
}

func TestRemoteFromItemMissingDuration(t *testing.T) {
	remote := remoteFromItem(store.Item{Attributes: map[string]string{"record_version_number": "t1"}})
	if remote.leaseDuration != 0 {
		t.Fatalf("missing lease duration should parse as zero, got %v", remote.leaseDuration)
	}
}

func TestLeaseUIDEscapesSeparator(t *testing.T) {
	plain := leaseUID("a", "b")
	tricky := leaseUID("a|b", "")
	if plain == tricky {
		t.Fatalf("distinct identities collided: %q", plain)
	}
	if leaseUID("a", "b|c") == leaseUID("a|b", "c") {
		t.Fatalf("separator characters in keys must not produce the same uid")
	}
}

func TestLeaseAttributesReturnsCopy(t *testing.T) {
	l := &Lease{attributes: map[string]string{"tenant": "acme"}}
	got := l.Attributes()
	got["tenant"] = "mutated"
	if l.attributes["tenant"] != "acme" {
		t.Fatalf("lease metadata was mutated through the returned copy")
	}
}
