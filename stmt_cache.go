package zgraph

import (
	"container/list"
	"database/sql"
	"sync"
)

const defaultStmtCacheSize = 100

// StmtCache keeps prepared statements keyed by their rebound SQL, evicting
// the least recently used beyond its capacity. Fetch plans render the same
// text for the same expression and key count, so repeated graph fetches
// reuse their statements.
//
// Statements are leased: Get and PutAndGet return a release func the
// caller must call once. A statement evicted while leased is closed by its
// last release.
type StmtCache struct {
	mu        sync.Mutex
	capacity  int
	byQuery   map[string]*list.Element
	order     *list.List // front is most recently used
	evictions int64
}

type cachedStmt struct {
	query   string
	stmt    *sql.Stmt
	leases  int
	dropped bool
}

// NewStmtCache returns a cache holding up to capacity statements. A
// non-positive capacity selects 100.
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = defaultStmtCacheSize
	}
	return &StmtCache{
		capacity: capacity,
		byQuery:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get leases the statement cached for query. Both results are nil on a
// miss.
func (c *StmtCache) Get(query string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byQuery[query]
	if !ok {
		return nil, nil
	}
	c.order.MoveToFront(el)
	return c.lease(el.Value.(*cachedStmt))
}

// Put caches stmt for query, replacing any previous statement.
func (c *StmtCache) Put(query string, stmt *sql.Stmt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(query, stmt)
}

// PutAndGet caches stmt and leases it under one lock, so the statement
// cannot be evicted between the two steps.
func (c *StmtCache) PutAndGet(query string, stmt *sql.Stmt) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease(c.insert(query, stmt))
}

func (c *StmtCache) insert(query string, stmt *sql.Stmt) *cachedStmt {
	if el, ok := c.byQuery[query]; ok {
		c.drop(el)
	}
	for c.order.Len() >= c.capacity {
		c.drop(c.order.Back())
	}
	cs := &cachedStmt{query: query, stmt: stmt}
	c.byQuery[query] = c.order.PushFront(cs)
	return cs
}

func (c *StmtCache) lease(cs *cachedStmt) (*sql.Stmt, func()) {
	cs.leases++
	var once sync.Once
	return cs.stmt, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			cs.leases--
			if cs.dropped && cs.leases == 0 {
				closeStmt(cs)
			}
		})
	}
}

// drop removes el; its statement closes now or at its last release.
func (c *StmtCache) drop(el *list.Element) {
	cs := c.order.Remove(el).(*cachedStmt)
	delete(c.byQuery, cs.query)
	cs.dropped = true
	c.evictions++
	if cs.leases == 0 {
		closeStmt(cs)
	}
}

func closeStmt(cs *cachedStmt) {
	if cs.stmt != nil {
		_ = cs.stmt.Close()
	}
}

// Clear drops every statement.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.Len() > 0 {
		c.drop(c.order.Back())
	}
}

// Close clears the cache. It always returns nil.
func (c *StmtCache) Close() error {
	c.Clear()
	return nil
}

// Capacity returns the maximum number of cached statements.
func (c *StmtCache) Capacity() int {
	return c.capacity
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Evictions counts statements dropped for capacity, replacement or Clear.
func (c *StmtCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
