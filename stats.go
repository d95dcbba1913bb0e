package zgraph

import (
	"fmt"
	"sync/atomic"
	"time"
)

// QueryStats holds statement counters for a client and every transaction
// bound from it.
type QueryStats struct {
	TotalQueries  atomic.Int64
	TotalExecs    atomic.Int64
	TotalDuration atomic.Int64 // nanoseconds
	SlowQueries   atomic.Int64
	Errors        atomic.Int64
	CacheHits     atomic.Int64
	CacheMisses   atomic.Int64
}

// Stats returns a snapshot of the current statistics.
func (s *QueryStats) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.TotalQueries.Load(),
		TotalExecs:    s.TotalExecs.Load(),
		TotalDuration: time.Duration(s.TotalDuration.Load()),
		SlowQueries:   s.SlowQueries.Load(),
		Errors:        s.Errors.Load(),
		CacheHits:     s.CacheHits.Load(),
		CacheMisses:   s.CacheMisses.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *QueryStats) Reset() {
	s.TotalQueries.Store(0)
	s.TotalExecs.Store(0)
	s.TotalDuration.Store(0)
	s.SlowQueries.Store(0)
	s.Errors.Store(0)
	s.CacheHits.Store(0)
	s.CacheMisses.Store(0)
}

// StatsSnapshot is a point-in-time snapshot of query statistics. Writes
// with RETURNING count as execs.
type StatsSnapshot struct {
	TotalQueries  int64
	TotalExecs    int64
	TotalDuration time.Duration
	SlowQueries   int64
	Errors        int64
	CacheHits     int64
	CacheMisses   int64
}

// Statements returns queries plus execs.
func (s StatsSnapshot) Statements() int64 {
	return s.TotalQueries + s.TotalExecs
}

// AvgQueryDuration returns the average statement duration.
func (s StatsSnapshot) AvgQueryDuration() time.Duration {
	total := s.Statements()
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

// Sub returns the difference s - o, for measuring one call.
func (s StatsSnapshot) Sub(o StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.TotalQueries - o.TotalQueries,
		TotalExecs:    s.TotalExecs - o.TotalExecs,
		TotalDuration: s.TotalDuration - o.TotalDuration,
		SlowQueries:   s.SlowQueries - o.SlowQueries,
		Errors:        s.Errors - o.Errors,
		CacheHits:     s.CacheHits - o.CacheHits,
		CacheMisses:   s.CacheMisses - o.CacheMisses,
	}
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf(
		"queries=%d execs=%d duration=%s avg=%s slow=%d errors=%d cache_hits=%d cache_misses=%d",
		s.TotalQueries, s.TotalExecs, s.TotalDuration, s.AvgQueryDuration(),
		s.SlowQueries, s.Errors, s.CacheHits, s.CacheMisses,
	)
}
