package cache

import (
	"testing"
	"time"

	"github.com/hemlock-io/relay/event"
)

func TestEntityPutGet(t *testing.T) {
	c := New(time.Minute, time.Minute)

	c.PutEntity(event.KindDevice, "dev-1", []byte(`{"id":"dev-1"}`))

	body, ok := c.GetEntity(event.KindDevice, "dev-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(body) != `{"id":"dev-1"}` {
		t.Fatalf("unexpected cached body %q", body)
	}

	if _, ok := c.GetEntity(event.KindDevice, "dev-2"); ok {
		t.Fatal("expected miss for unknown id")
	}
	if _, ok := c.GetEntity(event.KindAsset, "dev-1"); ok {
		t.Fatal("entries must be keyed by kind and id together")
	}
}

func TestEntityExpiry(t *testing.T) {
	c := New(10*time.Millisecond, time.Minute)

	c.PutEntity(event.KindDevice, "dev-1", []byte(`{}`))
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.GetEntity(event.KindDevice, "dev-1"); ok {
		t.Fatal("entry older than TTL must not be served")
	}
}

func TestListInvalidationIsPerKind(t *testing.T) {
	c := New(time.Minute, time.Minute)

	c.PutList(event.KindDevice, []byte("type=thermostat"), []byte(`{"data":[]}`))
	c.PutList(event.KindDevice, []byte("type=gateway"), []byte(`{"data":[]}`))
	c.PutList(event.KindAsset, []byte(""), []byte(`{"data":[]}`))

	c.InvalidateLists(event.KindDevice)

	if _, ok := c.GetList(event.KindDevice, []byte("type=thermostat")); ok {
		t.Fatal("device lists must be invalidated")
	}
	if _, ok := c.GetList(event.KindDevice, []byte("type=gateway")); ok {
		t.Fatal("all device lists must be invalidated, not just one")
	}
	if _, ok := c.GetList(event.KindAsset, []byte("")); !ok {
		t.Fatal("asset lists must survive a device invalidation")
	}
}

func TestInvalidateEntity(t *testing.T) {
	c := New(time.Minute, time.Minute)

	c.PutEntity(event.KindDevice, "dev-1", []byte(`{}`))
	c.InvalidateEntity(event.KindDevice, "dev-1")

	if _, ok := c.GetEntity(event.KindDevice, "dev-1"); ok {
		t.Fatal("invalidated entity must not be served")
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	c := New(5*time.Millisecond, time.Minute)

	c.PutEntity(event.KindDevice, "dev-1", []byte(`{}`))
	c.PutList(event.KindDevice, []byte("q"), []byte(`{}`))
	time.Sleep(15 * time.Millisecond)

	c.sweep()

	stats := c.Stats()
	if stats.Entities != 0 || stats.Lists != 0 {
		t.Fatalf("sweep must evict expired entries, got %+v", stats)
	}
}

func TestStatsCountHitsAndMisses(t *testing.T) {
	c := New(time.Minute, time.Minute)

	c.PutEntity(event.KindDevice, "dev-1", []byte(`{}`))
	c.GetEntity(event.KindDevice, "dev-1")
	c.GetEntity(event.KindDevice, "dev-2")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
}
