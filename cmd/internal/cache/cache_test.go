package cache

import (
	"testing"
	"time"
)

func TestChain_SetGetDrop(t *testing.T) {
	c := NewChain[string](10, time.Minute)

	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v; want 1, true", v, ok)
	}

	c.Set("a", "2")
	if v, _ := c.Get("a"); v != "2" {
		t.Fatalf("Get(a) after replace = %q; want 2", v)
	}

	c.Drop("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("Get(a) after Drop: want miss")
	}
}

func TestChain_SizeBoundEvictsOldest(t *testing.T) {
	c := NewChain[int](3, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("entry %q missing", k)
		}
	}
	if n := c.Len(); n != 3 {
		t.Fatalf("Len = %d; want 3", n)
	}
}

func TestChain_ReplaceRefreshesChainPosition(t *testing.T) {
	c := NewChain[int](2, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3) // moves "a" to the back
	c.Set("c", 4) // evicts "b", not "a"

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 3 {
		t.Fatalf("Get(a) = %d, %v; want 3, true", v, ok)
	}
}

func TestChain_TimeoutExpires(t *testing.T) {
	c := NewChain[int](10, time.Minute)

	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }
	c.Set("a", 1)

	c.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("entry expired early")
	}

	c.now = func() time.Time { return base.Add(time.Minute) }
	if _, ok := c.Get("a"); ok {
		t.Fatalf("entry should have expired")
	}
}
