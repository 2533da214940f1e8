package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/menudeck/menudeck/internal/apperr"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemory(0)
	ctx := context.Background()

	if _, err := store.Get(ctx, "k1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found for fresh key, got %v", err)
	}

	if err := store.Put(ctx, "k1", "restaurant-42"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "restaurant-42" {
		t.Fatalf("expected stored result back, got %q", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemory(time.Millisecond)
	ctx := context.Background()

	if err := store.Put(ctx, "k1", "r1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := store.Get(ctx, "k1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected expired key to read as not found, got %v", err)
	}
}
