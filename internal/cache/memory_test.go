package cache

import (
	"context"
	"testing"

	"github.com/driftline/driftline/internal/clock"
)

func TestMemoryExpiresAgainstClock(t *testing.T) {
	clk := clock.NewFakeMs(1_000)
	m := NewMemory(clk)
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 500); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, found, _ := m.Get(ctx, "k"); !found {
		t.Fatal("expected hit before expiry")
	}

	clk.AdvanceMs(499)
	if _, found, _ := m.Get(ctx, "k"); !found {
		t.Fatal("expected hit one tick before expiry")
	}

	clk.AdvanceMs(1)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("expected miss at expiry")
	}
	if m.ItemCount() != 0 {
		t.Errorf("expired entry not swept, count = %d", m.ItemCount())
	}
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	clk := clock.NewFakeMs(0)
	m := NewMemory(clk)
	ctx := context.Background()

	m.Set(ctx, "forever", []byte("v"), 0)
	clk.AdvanceMs(1 << 40)

	if _, found, _ := m.Get(ctx, "forever"); !found {
		t.Fatal("zero-TTL entry should not expire")
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	clk := clock.NewFakeMs(0)
	m := NewMemory(clk)
	ctx := context.Background()

	original := []byte("abc")
	m.Set(ctx, "k", original, 0)
	original[0] = 'x'

	got, _, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %s", got)
	}

	got[0] = 'y'
	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned value aliased cache buffer: %s", again)
	}
}

func TestMemoryFlush(t *testing.T) {
	clk := clock.NewFakeMs(0)
	m := NewMemory(clk)
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), 100)
	m.Set(ctx, "b", []byte("2"), 200)
	m.Set(ctx, "c", []byte("3"), 0)

	clk.AdvanceMs(150)
	if dropped := m.Flush(); dropped != 1 {
		t.Errorf("Flush dropped %d entries, want 1", dropped)
	}
	if m.ItemCount() != 2 {
		t.Errorf("ItemCount = %d, want 2", m.ItemCount())
	}
}
