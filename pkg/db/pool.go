package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
)

// PoolConfig configures the database connection pool
type PoolConfig struct {
	// DSN is the database connection string
	DSN string

	// DriverName is one of the registered drivers: "sqlite3", "pgx", "postgres"
	DriverName string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused (0 = forever)
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle (0 = forever)
	ConnMaxIdleTime time.Duration

	// PingTimeout bounds the connectivity check done by NewPool
	PingTimeout time.Duration

	// OnQuery, when set, observes the duration of every query/exec/begin
	OnQuery func(operation string, d time.Duration)
}

// DefaultPoolConfig returns defaults for the given driver.
// sqlite gets a single connection that is never recycled so an in-memory
// database lives as long as the pool.
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	if driverName == DriverSQLite {
		return PoolConfig{
			DSN:          dsn,
			DriverName:   driverName,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			PingTimeout:  5 * time.Second,
		}
	}
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Pool represents a database connection pool
type Pool struct {
	db      *sql.DB
	config  PoolConfig
	dialect Dialect
}

func invalidConfig(msg string) error {
	return &core.Error{Code: core.CodeInvalidConfig, Message: msg}
}

func invalidState(msg string) error {
	return &core.Error{Code: "INVALID_STATE", Message: msg}
}

func invalidInput(msg string) error {
	return &core.Error{Code: core.CodeInvalidInput, Message: msg}
}

// NewPool creates a new database connection pool.
// Fail-fast: validates configuration and pings the database before returning.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, invalidConfig("DSN cannot be empty")
	}
	if config.DriverName == "" {
		return nil, invalidConfig("DriverName cannot be empty")
	}
	dialect, ok := LookupDialect(config.DriverName)
	if !ok {
		return nil, invalidConfig(fmt.Sprintf("unsupported driver %q", config.DriverName))
	}
	if config.MaxOpenConns <= 0 {
		return nil, invalidConfig("MaxOpenConns must be positive")
	}
	if config.MaxIdleConns < 0 {
		return nil, invalidConfig("MaxIdleConns cannot be negative")
	}
	if config.MaxIdleConns > config.MaxOpenConns {
		return nil, invalidConfig("MaxIdleConns cannot exceed MaxOpenConns")
	}
	if config.ConnMaxLifetime < 0 {
		return nil, invalidConfig("ConnMaxLifetime cannot be negative")
	}
	if config.ConnMaxIdleTime < 0 {
		return nil, invalidConfig("ConnMaxIdleTime cannot be negative")
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 5 * time.Second
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, core.Wrap(core.ErrInitialization, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Wrap(core.ErrInitialization, err)
	}

	return &Pool{
		db:      db,
		config:  config,
		dialect: dialect,
	}, nil
}

// DB returns the underlying *sql.DB
// Fail-fast: Panics if pool is nil (invalid state)
func (p *Pool) DB() *sql.DB {
	if p == nil {
		panic("pool cannot be nil")
	}
	if p.db == nil {
		panic("pool.db cannot be nil - pool not initialized")
	}
	return p.db
}

// Dialect returns the SQL dialect of the configured driver
func (p *Pool) Dialect() Dialect {
	return p.dialect
}

// Rebind rewrites '?' placeholders for the pool's driver
func (p *Pool) Rebind(query string) string {
	return p.dialect.Rebind(query)
}

// Close closes the connection pool
func (p *Pool) Close() error {
	if p == nil {
		return invalidState("pool cannot be nil")
	}
	if p.db == nil {
		return invalidState("pool already closed")
	}
	return p.db.Close()
}

// Ping tests the connection
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil {
		return invalidState("pool cannot be nil")
	}
	if p.db == nil {
		return invalidState("pool not initialized")
	}
	if ctx == nil {
		return invalidInput("context cannot be nil")
	}
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

func (p *Pool) observe(operation string, start time.Time) {
	if p.config.OnQuery != nil {
		p.config.OnQuery(operation, time.Since(start))
	}
}

func (p *Pool) check(ctx context.Context) error {
	if p == nil {
		return invalidState("pool cannot be nil")
	}
	if p.db == nil {
		return invalidState("pool not initialized")
	}
	if ctx == nil {
		return invalidInput("context cannot be nil")
	}
	return nil
}

// Query executes a query that returns rows. Placeholders are written as '?'.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, invalidInput("query cannot be empty")
	}
	defer p.observe("query", time.Now())
	return p.db.QueryContext(ctx, p.Rebind(query), args...)
}

// QueryRow executes a query that returns a single row
// Fail-fast: Panics on invalid state or input
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if p == nil {
		panic("pool cannot be nil")
	}
	if p.db == nil {
		panic("pool not initialized")
	}
	if ctx == nil {
		panic("context cannot be nil")
	}
	if query == "" {
		panic("query cannot be empty")
	}
	defer p.observe("query", time.Now())
	return p.db.QueryRowContext(ctx, p.Rebind(query), args...)
}

// Exec executes a command
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, invalidInput("query cannot be empty")
	}
	defer p.observe("exec", time.Now())
	return p.db.ExecContext(ctx, p.Rebind(query), args...)
}

// Begin starts a transaction
func (p *Pool) Begin(ctx context.Context) (*Tx, error) {
	return p.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	defer p.observe("begin", time.Now())
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, dialect: p.dialect}, nil
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise (including on panic, which is re-raised).
func (p *Pool) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// Tx wraps *sql.Tx so statements inside a transaction use the same placeholder style
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Exec executes a command inside the transaction
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// Prepare creates a prepared statement bound to the transaction
func (t *Tx) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return t.tx.PrepareContext(ctx, t.dialect.Rebind(query))
}

// QueryRow executes a single-row query inside the transaction
func (t *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// Commit commits the transaction
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
