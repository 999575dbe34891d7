// Package sink manages the connection pool of the relational (PostgreSQL) sink, including the
// one-time schema bootstrap performed at engine start.
package sink

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/teltech/logger"
)

const DriverName = "pgx"

var (
	ErrPoolExhausted = errors.New("no sink connection available within acquire timeout")
	ErrBootstrap     = errors.New("sink bootstrap failed")
	ErrPoolClosed    = errors.New("sink pool closed")
)

var log *logger.Log

func init() {
	log = logger.New()
}

type Config struct {
	MaxConns        int           // Upper bound of concurrently checked out connections
	MaxIdleConns    int           // Connections kept open when idle
	ConnMaxLifetime time.Duration // Zero means connections are reused forever
	ConnectTimeout  time.Duration // Bounds the initial ping in Open
	AcquireTimeout  time.Duration // Zero means Acquire waits until ctx is done
}

// Pool is a bounded set of sink connections shared by all concurrently processed records.
type Pool struct {
	db       *sql.DB
	config   Config
	slots    chan struct{}
	acquired int64
	closed   atomic.Bool
}

// Stats combines the database/sql pool statistics with the number of connections currently
// checked out through Acquire.
type Stats struct {
	sql.DBStats
	Acquired int64
}

// Open creates a pool towards the sink with the provided connection string and verifies
// the sink is reachable.
func Open(ctx context.Context, uri string, config Config) (*Pool, error) {

	db, err := sql.Open(DriverName, uri)
	if err != nil {
		return nil, errors.Wrap(err, "opening sink")
	}

	p := NewPool(db, config)

	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(describe(err), "connecting to sink")
	}

	log.Infof(lgprfx()+"sink pool opened, max conns: %d", p.config.MaxConns)
	return p, nil
}

// NewPool creates a pool on top of an existing handle.
func NewPool(db *sql.DB, config Config) *Pool {

	if config.MaxConns <= 0 {
		config.MaxConns = 1
	}
	if config.MaxIdleConns <= 0 || config.MaxIdleConns > config.MaxConns {
		config.MaxIdleConns = config.MaxConns
	}

	db.SetMaxOpenConns(config.MaxConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	return &Pool{
		db:     db,
		config: config,
		slots:  make(chan struct{}, config.MaxConns),
	}
}

// Acquire checks out a connection, waiting for one to become available if all are in use.
// The returned Conn must always be released.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	waitCtx := ctx
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	select {
	case p.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrPoolExhausted, "waited %v, max conns: %d", p.config.AcquireTimeout, p.config.MaxConns)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.slots
		return nil, errors.Wrap(describe(err), "acquiring sink connection")
	}

	atomic.AddInt64(&p.acquired, 1)
	return &Conn{Conn: conn, pool: p}, nil
}

// Bootstrap executes the record type's schema statement once, through a dedicated
// connection. An empty statement is a no-op.
func (p *Pool) Bootstrap(ctx context.Context, stmt string) error {

	if stmt == "" {
		return nil
	}

	conn, err := p.Acquire(ctx)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "bootstrap"), ErrBootstrap)
	}
	defer conn.Release()

	if _, err = conn.ExecContext(ctx, stmt); err != nil {
		return errors.Mark(errors.Wrapf(describe(err), "bootstrap statement %q", abbreviate(stmt)), ErrBootstrap)
	}

	log.Infof(lgprfx()+"sink bootstrap executed: %s", abbreviate(stmt))
	return nil
}

func (p *Pool) Stats() Stats {
	return Stats{
		DBStats:  p.db.Stats(),
		Acquired: atomic.LoadInt64(&p.acquired),
	}
}

func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Infof(lgprfx()+"closing sink pool, stats: %+v", p.db.Stats())
	return p.db.Close()
}

// Conn is a checked out sink connection. It satisfies entity.SinkConn.
type Conn struct {
	*sql.Conn
	pool *Pool
	once sync.Once
}

// Release returns the connection to the pool. Safe to call more than once.
func (c *Conn) Release() {
	c.once.Do(func() {
		if err := c.Conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			log.Warnf(lgprfx()+"error releasing sink connection: %v", err)
		}
		atomic.AddInt64(&c.pool.acquired, -1)
		<-c.pool.slots
	})
}

// ExecStatements executes the statements in order, each on its own (no enclosing transaction),
// stopping at the first failure. The number of statements applied is always returned.
func (c *Conn) ExecStatements(ctx context.Context, stmts []string) (int, error) {
	for i, stmt := range stmts {
		if _, err := c.ExecContext(ctx, stmt); err != nil {
			return i, errors.Wrapf(describe(err), "statement %d of %d failed (%d applied)", i+1, len(stmts), i)
		}
	}
	return len(stmts), nil
}

// describe adds the SQLSTATE code to errors originating in PostgreSQL.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errors.Wrapf(err, "sqlstate %s", pgErr.Code)
	}
	return err
}

func abbreviate(stmt string) string {
	const maxLen = 120
	if len(stmt) <= maxLen {
		return stmt
	}
	return stmt[:maxLen] + "..."
}

func lgprfx() string {
	return "[sink.pool] "
}
