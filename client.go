package zgraph

import (
	"database/sql"
	"log/slog"
	"time"
)

// Config configures a Client. Zero values select the defaults of
// DefaultConfig.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// FetchStrategy is the default for Fetch calls without WithStrategy.
	FetchStrategy Strategy `mapstructure:"fetch_strategy"`
	// FetchConcurrency bounds the sibling relation queries run in parallel.
	// 1 disables parallel fetches.
	FetchConcurrency int `mapstructure:"fetch_concurrency"`
	// StatementCacheSize is the prepared statement LRU capacity. 0 disables
	// the cache.
	StatementCacheSize int `mapstructure:"statement_cache_size"`
	// SlowQueryThreshold logs statements slower than this at warn level.
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`

	Logger *slog.Logger `mapstructure:"-"`

	replicaDBs []*sql.DB
	lb         LoadBalancer
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		FetchStrategy:      SeparateQueries,
		FetchConcurrency:   4,
		SlowQueryThreshold: 100 * time.Millisecond,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithLogger sets the structured logger. Statements log at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithFetchStrategy sets the default fetch strategy.
func WithFetchStrategy(s Strategy) Option {
	return func(c *Config) { c.FetchStrategy = s }
}

// WithFetchConcurrency bounds parallel sibling fetches.
func WithFetchConcurrency(n int) Option {
	return func(c *Config) { c.FetchConcurrency = n }
}

// WithStatementCache enables a prepared statement cache of the given size.
func WithStatementCache(size int) Option {
	return func(c *Config) { c.StatementCacheSize = size }
}

// WithSlowQueryThreshold sets the slow statement threshold.
func WithSlowQueryThreshold(d time.Duration) Option {
	return func(c *Config) { c.SlowQueryThreshold = d }
}

// WithReplicaDBs routes fetches outside transactions to replicas.
func WithReplicaDBs(dbs ...*sql.DB) Option {
	return func(c *Config) { c.replicaDBs = append(c.replicaDBs, dbs...) }
}

// WithReplicaLoadBalancer selects how replicas are picked.
func WithReplicaLoadBalancer(lb LoadBalancer) Option {
	return func(c *Config) { c.lb = lb }
}

// Client runs graph fetches and writes against one database. It is safe
// for concurrent use. A Client bound to a transaction (see WithTx and Tx)
// runs every statement on that transaction.
type Client struct {
	cfg      Config
	registry *Registry
	db       *sql.DB
	dialect  *Dialect
	resolver *DBResolver
	stmts    *StmtCache
	stats    *QueryStats
	logger   *slog.Logger
	tx       *Tx
	owned    bool
}

// NewClient wraps an open database. The registry is frozen on first use.
func NewClient(db *sql.DB, d *Dialect, reg *Registry, opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newClient(db, d, reg, cfg)
}

func newClient(db *sql.DB, d *Dialect, reg *Registry, cfg *Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}

	c := &Client{
		cfg:      *cfg,
		registry: reg,
		db:       db,
		dialect:  d,
		stats:    &QueryStats{},
		logger:   logger,
	}
	if cfg.StatementCacheSize > 0 {
		c.stmts = NewStmtCache(cfg.StatementCacheSize)
	}
	if len(cfg.replicaDBs) > 0 {
		opts := []ResolverOption{WithPrimary(db), WithReplicas(cfg.replicaDBs...)}
		if cfg.lb != nil {
			opts = append(opts, WithLoadBalancer(cfg.lb))
		}
		c.resolver = NewDBResolver(opts...)
	}
	return c
}

// Registry returns the entity registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Dialect returns the SQL dialect.
func (c *Client) Dialect() *Dialect {
	return c.dialect
}

// DB returns the primary database.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Stats returns the statement counters shared by the client and every
// transaction bound from it.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Stats()
}

// QueryStats exposes the live counters, for example to Reset them.
func (c *Client) QueryStats() *QueryStats {
	return c.stats
}

// Close releases cached statements. Databases opened by Open are closed
// too; databases passed to NewClient stay open.
func (c *Client) Close() error {
	if c.stmts != nil {
		_ = c.stmts.Close()
	}
	if !c.owned {
		return nil
	}
	if c.resolver != nil {
		_ = c.resolver.Close()
	}
	return c.db.Close()
}

// entity freezes the registry on first use and resolves name.
func (c *Client) entity(name string) (*EntityType, error) {
	if err := c.registry.Freeze(); err != nil {
		return nil, err
	}
	return c.registry.Resolve(name)
}

func (c *Client) newConn(q queryer) *conn {
	return &conn{
		q:       q,
		dialect: c.dialect,
		stats:   c.stats,
		logger:  c.logger,
		slow:    c.cfg.SlowQueryThreshold,
		stmts:   c.stmts,
		inTx:    c.tx != nil,
	}
}

// readConn is used for fetches: the bound transaction, else a replica,
// else the primary.
func (c *Client) readConn() *conn {
	if c.tx != nil {
		return c.newConn(c.tx.tx)
	}
	if c.resolver != nil {
		return c.newConn(c.resolver.Replica())
	}
	return c.newConn(c.db)
}
