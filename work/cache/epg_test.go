package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"xtream-gate/work/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func payload(titles ...string) types.EPGPayload {
	p := types.EPGPayload{Listings: []types.Listing{}}
	for _, t := range titles {
		p.Listings = append(p.Listings, types.Listing{Title: t})
	}
	return p
}

func TestSetThenGet(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewEPGCache(6*time.Hour, time.Minute, WithClock(clock.Now))

	key := Key("http://tv.example.com", "42")
	stored := c.Set(key, payload("NOVA"))
	if !stored.ExpiresAt.Equal(clock.Now().Add(6 * time.Hour)) {
		t.Errorf("unexpected expiry %v", stored.ExpiresAt)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected a hit")
	}
	if got.Payload.Listings[0].Title != "NOVA" {
		t.Errorf("wrong payload %+v", got.Payload)
	}

	if _, ok := c.Get(Key("http://other.example.com", "42")); ok {
		t.Error("entries must not be shared across origins")
	}
}

func TestExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewEPGCache(6*time.Hour, time.Minute, WithClock(clock.Now))
	key := Key("http://tv.example.com", "42")
	c.Set(key, payload("NOVA"))

	clock.Advance(6*time.Hour - time.Second)
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry expired too early")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get(key); ok {
		t.Fatal("entry at its expiry instant must be a miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed on lookup, len=%d", c.Len())
	}
}

func TestSetReplacesAndResetsWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewEPGCache(time.Hour, time.Minute, WithClock(clock.Now))
	key := Key("http://tv.example.com", "1")

	c.Set(key, payload("old"))
	clock.Advance(50 * time.Minute)
	c.Set(key, payload("new", "newer"))
	clock.Advance(50 * time.Minute)

	got, ok := c.Get(key)
	if !ok || len(got.Payload.Listings) != 2 || got.Payload.Listings[0].Title != "new" {
		t.Fatalf("refresh did not overwrite: %+v ok=%v", got, ok)
	}
}

func TestSweepAndStats(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewEPGCache(6*time.Hour, time.Minute, WithClock(clock.Now))

	c.Set(Key("http://a", "1"), payload("x"))
	clock.Advance(3 * time.Hour)
	c.Set(Key("http://a", "2"), payload("y", "z"))
	clock.Advance(3 * time.Hour)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}

	st := c.Stats()
	if st.Size != 1 || st.TTL != "360 minutes" {
		t.Errorf("unexpected stats header %+v", st)
	}
	if len(st.Entries) != 1 || st.Entries[0].Key != "http://a:2" || st.Entries[0].ListingsCount != 2 {
		t.Errorf("unexpected entries %+v", st.Entries)
	}

	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	for _, field := range []string{"epgCacheSize", "epgCacheTTL", "entries"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing %s in %s", field, raw)
		}
	}
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := NewEPGCache(time.Millisecond, 5*time.Millisecond, WithClock(clock.Now))
	c.Set(Key("http://a", "1"), payload("x"))
	clock.Advance(time.Second)

	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	c.Stop()

	if c.Len() != 0 {
		t.Fatal("sweep task did not run")
	}
}

func TestStopBeforeStart(t *testing.T) {
	c := NewEPGCache(time.Minute, time.Millisecond)
	c.Stop()
	c.Start(context.Background())
	c.Start(context.Background())
	c.Stop()
}
