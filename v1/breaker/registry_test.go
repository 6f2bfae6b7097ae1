package breaker

import (
	"context"
	"testing"
	"time"
)

func TestRegistryTracksBreakers(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	healthy := mustBreaker[string](t, "healthy", NewMemoryStore(), WithRegistry[string](reg))
	broken := mustBreaker[string](t, "broken", NewMemoryStore(),
		WithRegistry[string](reg),
		WithFailureThreshold[string](1),
		WithRecoveryTimeout[string](time.Minute))

	if got, ok := reg.Get("healthy"); !ok || got.Name() != healthy.Name() {
		t.Fatalf("registered breaker not found: ok=%v", ok)
	}
	if len(reg.Breakers()) != 2 {
		t.Fatalf("expected 2 registered breakers, got %d", len(reg.Breakers()))
	}

	if allClosed, err := reg.AllClosed(ctx); err != nil || !allClosed {
		t.Fatalf("expected all breakers closed: allClosed=%v err=%v", allClosed, err)
	}

	_, _ = broken.Do(ctx, failing)

	open, err := reg.Open(ctx)
	if err != nil {
		t.Fatalf("open listing failed: %v", err)
	}
	if len(open) != 1 || open[0].Name() != "broken" {
		t.Fatalf("unexpected open listing: %v", open)
	}
	closed, err := reg.Closed(ctx)
	if err != nil {
		t.Fatalf("closed listing failed: %v", err)
	}
	if len(closed) != 1 || closed[0].Name() != "healthy" {
		t.Fatalf("unexpected closed listing: %v", closed)
	}
	if allClosed, _ := reg.AllClosed(ctx); allClosed {
		t.Fatalf("AllClosed must report the open breaker")
	}
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	first := mustBreaker[string](t, "orders", NewMemoryStore(), WithRegistry[string](reg))
	second := mustBreaker[int](t, "orders", NewMemoryStore(), WithRegistry[int](reg))

	got, ok := reg.Get("orders")
	if !ok {
		t.Fatalf("breaker not registered")
	}
	if got == Instance(first) {
		t.Fatalf("expected the later registration to win")
	}
	if got != Instance(second) {
		t.Fatalf("unexpected instance registered")
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get("missing"); ok {
		t.Fatalf("unknown name must not resolve")
	}
}
