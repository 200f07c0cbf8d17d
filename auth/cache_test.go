package auth

import (
	"testing"
	"time"

	"github.com/clarinet-dicom/clarinet/store"
)

func TestIdentityCacheExpiry(t *testing.T) {
	c := newIdentityCache(time.Minute, 10)
	now := time.Now()
	c.put("tok", identity{user: &store.User{ID: "u1"}}, now)

	if _, ok := c.get("tok", now.Add(30*time.Second)); !ok {
		t.Fatal("expected hit before ttl")
	}
	if _, ok := c.get("tok", now.Add(2*time.Minute)); ok {
		t.Fatal("expected miss after ttl")
	}
	if c.len() != 0 {
		t.Fatalf("expired entry not evicted, len = %d", c.len())
	}
}

func TestIdentityCacheLRUEviction(t *testing.T) {
	c := newIdentityCache(time.Hour, 2)
	now := time.Now()
	c.put("a", identity{}, now)
	c.put("b", identity{}, now)

	// Touch a so b becomes the eviction candidate.
	c.get("a", now)
	c.put("c", identity{}, now)

	if _, ok := c.get("b", now); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.get("a", now); !ok {
		t.Fatal("expected a to survive")
	}
	if _, ok := c.get("c", now); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestIdentityCacheReplace(t *testing.T) {
	c := newIdentityCache(time.Hour, 2)
	now := time.Now()
	c.put("tok", identity{user: &store.User{ID: "old"}}, now)
	c.put("tok", identity{user: &store.User{ID: "new"}}, now)

	if c.len() != 1 {
		t.Fatalf("len = %d, want 1", c.len())
	}
	id, ok := c.get("tok", now)
	if !ok || id.user.ID != "new" {
		t.Fatalf("got %+v, want replaced identity", id)
	}
}

func TestIdentityCacheRemove(t *testing.T) {
	c := newIdentityCache(time.Hour, 2)
	now := time.Now()
	c.put("tok", identity{}, now)
	c.remove("tok")
	c.remove("missing")

	if _, ok := c.get("tok", now); ok {
		t.Fatal("expected miss after remove")
	}
}
