package groupcache

import (
	"testing"
	"time"

	"wacast/internal/transport"
)

func TestGetBeforeSetReturnsNil(t *testing.T) {
	t.Parallel()
	c := New(time.Minute)
	if got := c.Get("g1"); got != nil {
		t.Fatalf("expected nil before first populate, got %+v", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	c := New(time.Minute)
	base := time.Unix(1000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Set("g1", &transport.GroupMetadata{ID: "g1", Subject: "ops"})

	now = base.Add(59 * time.Second)
	if got := c.Get("g1"); got == nil || got.Subject != "ops" {
		t.Fatalf("expected live entry, got %+v", got)
	}

	now = base.Add(61 * time.Second)
	if got := c.Get("g1"); got != nil {
		t.Fatalf("expected entry expired, got %+v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry dropped on access, len=%d", c.Len())
	}
}

func TestSetResetsTTL(t *testing.T) {
	t.Parallel()
	c := New(time.Minute)
	base := time.Unix(1000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Set("g1", &transport.GroupMetadata{ID: "g1"})
	now = base.Add(50 * time.Second)
	c.Set("g1", &transport.GroupMetadata{ID: "g1", Subject: "renamed"})

	now = base.Add(90 * time.Second) // past the first deadline, not the second
	got := c.Get("g1")
	if got == nil || got.Subject != "renamed" {
		t.Fatalf("expected refreshed entry, got %+v", got)
	}
}

func TestEntriesAreIndependent(t *testing.T) {
	t.Parallel()
	c := New(time.Minute)
	base := time.Unix(1000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Set("g1", &transport.GroupMetadata{ID: "g1"})
	now = base.Add(30 * time.Second)
	c.Set("g2", &transport.GroupMetadata{ID: "g2"})

	now = base.Add(70 * time.Second)
	if got := c.Get("g1"); got != nil {
		t.Fatalf("g1 should be expired, got %+v", got)
	}
	if got := c.Get("g2"); got == nil {
		t.Fatal("g2 should still be live")
	}
}

func TestEvict(t *testing.T) {
	t.Parallel()
	c := New(time.Minute)
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }

	c.Set("g1", &transport.GroupMetadata{ID: "g1"})
	c.Set("g2", &transport.GroupMetadata{ID: "g2"})

	if n := c.Evict(base.Add(30 * time.Second)); n != 0 {
		t.Fatalf("expected nothing evicted, got %d", n)
	}
	if n := c.Evict(base.Add(2 * time.Minute)); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
}
