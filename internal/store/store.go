// Package store provides the local durable buffer for captured telemetry.
//
// Every captured row is appended here before anything else happens to it.
// The relay coordinator later reads pending rows back in line order and
// advances their uploaded and confirmed flags. Rows are never deleted.
//
// Two embedded engines are supported behind one portable schema: SQLite
// (modernc.org/sqlite, the default) and DuckDB.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/logging"
)

var log = logging.Component("store")

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Driver selects the engine: "sqlite" or "duckdb".
	Driver string

	// Path is the database file.
	Path string

	// BusyTimeout is how long sqlite waits for a lock before failing.
	BusyTimeout time.Duration

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// QueryTimeout bounds each store operation. Zero disables the bound.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:       config.DefaultStoreDriver,
		Path:         config.DefaultStorePath,
		BusyTimeout:  config.DefaultBusyTimeoutMs * time.Millisecond,
		MaxOpenConns: 8,
		MaxIdleConns: 2,
		QueryTimeout: config.DefaultQueryTimeout,
	}
}

func (c Config) dsn() (string, error) {
	switch c.Driver {
	case DriverSQLite:
		q := url.Values{}
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(FULL)")
		q.Set("_txlock", "immediate")
		return "file:" + c.Path + "?" + q.Encode(), nil
	case DriverDuckDB:
		return c.Path, nil
	default:
		return "", errors.NewValidation("store.driver", fmt.Sprintf("unsupported driver %q", c.Driver))
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is the local durable buffer.
//
// Store is safe for concurrent use. Writes are serialized; reads run in
// parallel with them and only ever observe committed rows.
type Store struct {
	db     *sql.DB
	config Config

	// writeMu serializes write transactions so line numbers are assigned
	// without gaps on every engine.
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// New opens the database named by cfg and creates the schema if needed.
// Failure to reach the database is reported as ErrStoreUnavailable.
func New(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = config.DefaultStoreDriver
	}
	if cfg.Path == "" {
		return nil, errors.NewMissingField("store.path")
	}

	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("open database: %w", err), errors.ErrStoreUnavailable)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Mark(fmt.Errorf("ping database: %w", err), errors.ErrStoreUnavailable)
	}

	s := &Store{
		db:     db,
		config: cfg,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Mark(err, errors.ErrStoreUnavailable)
	}

	log.Info("store opened", "driver", cfg.Driver, "path", cfg.Path)
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Driver returns the engine in use.
func (s *Store) Driver() string {
	return s.config.Driver
}

// =============================================================================
// Transaction Support
// =============================================================================

// writeTx runs fn in a write transaction. Write transactions are serialized.
//
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (s *Store) writeTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// begin checks that the store is open and applies the query timeout.
// The returned release func must be called when the operation is done.
func (s *Store) begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, nil, errors.ErrStoreClosed
	}

	cancel := func() {}
	if s.config.QueryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
	}

	return ctx, func() {
		cancel()
		s.mu.RUnlock()
	}, nil
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.PingContext(ctx); err != nil {
		return errors.Mark(err, errors.ErrStoreUnavailable)
	}
	return nil
}
