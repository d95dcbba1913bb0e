package zgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/go-viper/mapstructure/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, as in
// ZGRAPH_DSN or ZGRAPH_FETCH_STRATEGY.
const EnvPrefix = "ZGRAPH"

const (
	cfgKeyDriver             = "driver"
	cfgKeyDSN                = "dsn"
	cfgKeyReplicas           = "replicas"
	cfgKeyMaxOpenConns       = "max_open_conns"
	cfgKeyMaxIdleConns       = "max_idle_conns"
	cfgKeyConnMaxLifetime    = "conn_max_lifetime"
	cfgKeyConnMaxIdleTime    = "conn_max_idle_time"
	cfgKeyFetchStrategy      = "fetch_strategy"
	cfgKeyFetchConcurrency   = "fetch_concurrency"
	cfgKeyStatementCacheSize = "statement_cache_size"
	cfgKeySlowQuery          = "slow_query_threshold"
)

// LoadConfig reads a Config from a YAML, JSON or TOML file and from
// ZGRAPH_* environment variables, which take precedence. An empty path
// reads the environment only.
func LoadConfig(path string) (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetDefault(cfgKeyDriver, "")
	v.SetDefault(cfgKeyDSN, "")
	v.SetDefault(cfgKeyReplicas, []string{})
	v.SetDefault(cfgKeyMaxOpenConns, 0)
	v.SetDefault(cfgKeyMaxIdleConns, 0)
	v.SetDefault(cfgKeyConnMaxLifetime, time.Duration(0))
	v.SetDefault(cfgKeyConnMaxIdleTime, time.Duration(0))
	v.SetDefault(cfgKeyFetchStrategy, def.FetchStrategy.String())
	v.SetDefault(cfgKeyFetchConcurrency, def.FetchConcurrency)
	v.SetDefault(cfgKeyStatementCacheSize, 0)
	v.SetDefault(cfgKeySlowQuery, def.SlowQueryThreshold)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("zgraph: read config: %w", err)
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("zgraph: decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Driver == "" {
		errs = append(errs, errors.New("zgraph: config: driver is required"))
	} else if _, err := DialectFor(c.Driver); err != nil {
		errs = append(errs, fmt.Errorf("zgraph: config: %w", err))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("zgraph: config: dsn is required"))
	}
	if c.FetchConcurrency < 0 {
		errs = append(errs, errors.New("zgraph: config: fetch_concurrency must not be negative"))
	}
	if c.StatementCacheSize < 0 {
		errs = append(errs, errors.New("zgraph: config: statement_cache_size must not be negative"))
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		errs = append(errs, errors.New("zgraph: config: connection limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Open connects to the database and replicas described by cfg and returns a
// Client that owns them. opts are applied on top of cfg.
func Open(ctx context.Context, cfg *Config, reg *Registry, opts ...Option) (*Client, error) {
	c := *cfg
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d, _ := DialectFor(c.Driver)

	db, err := openDB(ctx, d, c.DSN, &c)
	if err != nil {
		return nil, err
	}

	var replicas []*sql.DB
	for _, dsn := range c.Replicas {
		r, err := openDB(ctx, d, dsn, &c)
		if err != nil {
			for _, opened := range replicas {
				_ = opened.Close()
			}
			_ = db.Close()
			return nil, fmt.Errorf("zgraph: replica: %w", err)
		}
		replicas = append(replicas, r)
	}
	c.replicaDBs = append(c.replicaDBs, replicas...)

	client := newClient(db, d, reg, &c)
	client.owned = true
	return client, nil
}

func openDB(ctx context.Context, d *Dialect, dsn string, cfg *Config) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch d {
	case Postgres:
		pc, perr := pgx.ParseConfig(dsn)
		if perr != nil {
			return nil, fmt.Errorf("zgraph: parse dsn: %w", perr)
		}
		db = stdlib.OpenDB(*pc)
	case MySQL:
		mc, perr := mysql.ParseDSN(dsn)
		if perr != nil {
			return nil, fmt.Errorf("zgraph: parse dsn: %w", perr)
		}
		mc.ParseTime = true
		// Rows matched, not rows changed, so a no-op update still finds its row.
		mc.ClientFoundRows = true
		connector, cerr := mysql.NewConnector(mc)
		if cerr != nil {
			return nil, cerr
		}
		db = sql.OpenDB(connector)
	default:
		db, err = sql.Open(d.DriverName, dsn)
		if err != nil {
			return nil, err
		}
	}

	maxOpen := cfg.MaxOpenConns
	if d == SQLite && maxOpen == 0 && strings.Contains(dsn, ":memory:") {
		// Each connection to :memory: is a separate database.
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapDBError("PING", "", nil, err)
	}
	return db, nil
}
