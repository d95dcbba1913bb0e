package zgraph

import (
	"fmt"
	"sync"
	"testing"
)

func TestStmtCache_LeaseAndMiss(t *testing.T) {
	cache := NewStmtCache(4)

	if stmt, release := cache.Get("SELECT 1"); stmt != nil || release != nil {
		t.Fatal("expected a miss on an empty cache")
	}

	// sql.Stmt is opaque; nil statements exercise the bookkeeping only.
	_, release := cache.PutAndGet("SELECT 1", nil)
	if release == nil {
		t.Fatal("expected a release func")
	}
	release()
	release() // a second call is a no-op

	_, release = cache.Get("SELECT 1")
	if release == nil {
		t.Fatal("expected a hit after PutAndGet")
	}
	release()

	if cache.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", cache.Len())
	}
}

func TestStmtCache_LRUEviction(t *testing.T) {
	cache := NewStmtCache(3)
	for _, q := range []string{"q0", "q1", "q2"} {
		cache.Put(q, nil)
	}

	// Touch q0 so q1 becomes the least recently used.
	if _, release := cache.Get("q0"); release != nil {
		release()
	}
	cache.Put("q3", nil)
	cache.Put("q4", nil)

	tests := []struct {
		query  string
		cached bool
	}{
		{"q0", true},
		{"q1", false},
		{"q2", false},
		{"q3", true},
		{"q4", true},
	}
	for _, tt := range tests {
		_, release := cache.Get(tt.query)
		if (release != nil) != tt.cached {
			t.Errorf("%s: cached = %v, want %v", tt.query, release != nil, tt.cached)
		}
		if release != nil {
			release()
		}
	}
	if got := cache.Evictions(); got != 2 {
		t.Errorf("expected 2 evictions, got %d", got)
	}
}

func TestStmtCache_ReplaceAndClear(t *testing.T) {
	cache := NewStmtCache(10)
	cache.Put("q", nil)
	cache.Put("q", nil)
	if cache.Len() != 1 {
		t.Errorf("expected the replacement to keep one entry, got %d", cache.Len())
	}

	cache.Put("r", nil)
	_ = cache.Close()
	if cache.Len() != 0 {
		t.Errorf("expected an empty cache after Close, got %d", cache.Len())
	}
	if got := cache.Evictions(); got != 3 {
		t.Errorf("expected 3 evictions, got %d", got)
	}
}

func TestStmtCache_ConcurrentLeases(t *testing.T) {
	cache := NewStmtCache(64)
	var wg sync.WaitGroup

	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			query := fmt.Sprintf("SELECT * FROM animals WHERE owner_id IN (%s)", placeholders(id%100+1))
			if _, release := cache.Get(query); release != nil {
				release()
				return
			}
			_, release := cache.PutAndGet(query, nil)
			release()
		}(i)
	}
	wg.Wait()

	if cache.Len() > 64 {
		t.Errorf("capacity exceeded: %d entries", cache.Len())
	}
}

func TestStmtCache_DefaultCapacity(t *testing.T) {
	for _, n := range []int{0, -5} {
		if got := NewStmtCache(n).Capacity(); got != 100 {
			t.Errorf("NewStmtCache(%d): expected capacity 100, got %d", n, got)
		}
	}
}
