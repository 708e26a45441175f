package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryStoreTTLExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemoryStore().WithClock(clk.now)
	ctx := context.Background()
	if err := m.Set(ctx, "driver:online:d1", "1", 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := m.Get(ctx, "driver:online:d1"); err != nil || v != "1" {
		t.Fatalf("expected value, got %q err=%v", v, err)
	}
	clk.t = clk.t.Add(10 * time.Second)
	if _, err := m.Get(ctx, "driver:online:d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestMemoryStoreSetIfAbsent(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemoryStore().WithClock(clk.now)
	ctx := context.Background()
	ok, _ := m.SetIfAbsent(ctx, "ride:lock:r1", "d1", 10*time.Second)
	if !ok {
		t.Fatal("first SetIfAbsent should win")
	}
	ok, _ = m.SetIfAbsent(ctx, "ride:lock:r1", "d2", 10*time.Second)
	if ok {
		t.Fatal("second SetIfAbsent should lose while key is live")
	}
	if v, _ := m.Get(ctx, "ride:lock:r1"); v != "d1" {
		t.Fatalf("holder changed to %q", v)
	}
	clk.t = clk.t.Add(11 * time.Second)
	ok, _ = m.SetIfAbsent(ctx, "ride:lock:r1", "d2", 10*time.Second)
	if !ok {
		t.Fatal("expired lock should be acquirable")
	}
}

func TestMemoryStoreKeysWithPrefix(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemoryStore().WithClock(clk.now)
	ctx := context.Background()
	_ = m.Set(ctx, "driver:online:b", "1", time.Minute)
	_ = m.Set(ctx, "driver:online:a", "1", time.Minute)
	_ = m.Set(ctx, "driver:online:old", "1", time.Second)
	_ = m.Set(ctx, "driver:location:a", "{}", time.Minute)
	clk.t = clk.t.Add(2 * time.Second)

	keys, err := m.KeysWithPrefix(ctx, "driver:online:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "driver:online:a" || keys[1] != "driver:online:b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
