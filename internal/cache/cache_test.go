package cache

import (
	"strconv"
	"sync"
	"testing"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := New[string, int](2, func(k string, _ int) { evicted = append(evicted, k) })

	c.Set("a", 1)
	c.Set("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a missing")
	}
	c.Set("c", 3)

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b still present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCacheSetReplacesAndEvictsOld(t *testing.T) {
	var evicted []int
	c := New[string, int](0, func(_ string, v int) { evicted = append(evicted, v) })
	c.Set("a", 1)
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("Get = %d, want 2", v)
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("evicted = %v, want [1]", evicted)
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := New[int, string](0, nil)
	calls := 0
	create := func() string { calls++; return "v" }
	for range 3 {
		if got := c.GetOrCreate(7, create); got != "v" {
			t.Fatalf("GetOrCreate = %q", got)
		}
	}
	if calls != 1 {
		t.Errorf("create called %d times", calls)
	}
	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestCacheFind(t *testing.T) {
	c := New[int, int](3, nil)
	for i := range 3 {
		c.Set(i, i*10)
	}
	v, ok := c.Find(func(_, v int) bool { return v == 0 })
	if !ok || v != 0 {
		t.Fatalf("Find = %d, %v", v, ok)
	}
	// Find refreshed key 0, so key 1 is now the oldest.
	c.Set(3, 30)
	if _, ok := c.Get(1); ok {
		t.Error("key 1 should have been evicted")
	}
	if _, ok := c.Get(0); !ok {
		t.Error("key 0 should survive")
	}
}

func TestCacheDeleteAndPurge(t *testing.T) {
	n := 0
	c := New[int, int](0, func(int, int) { n++ })
	for i := range 5 {
		c.Set(i, i)
	}
	if !c.Delete(2) || c.Delete(2) {
		t.Error("Delete result mismatch")
	}
	c.Purge()
	if n != 5 || c.Len() != 0 {
		t.Errorf("evictions = %d, len = %d", n, c.Len())
	}
}

func TestCacheConcurrent(t *testing.T) {
	c := New[string, int](64, nil)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				k := strconv.Itoa((g*31 + i) % 100)
				c.GetOrCreate(k, func() int { return i })
				c.Get(k)
			}
		}()
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Errorf("Len = %d exceeds limit", c.Len())
	}
}

func BenchmarkCacheGet(b *testing.B) {
	c := New[string, int](1000, nil)
	for i := range 100 {
		c.Set(strconv.Itoa(i), i)
	}
	for b.Loop() {
		c.Get("50")
	}
}
