package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ engine.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("database opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// Get returns the value of key, or a NotFound error when absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, engine.NewNotFoundError("key not found", nil).
			WithResource(key).WithOperation("get")
	}
	return value, nil
}

// GetIndexed returns the value of key and its modify index. An absent key
// returns nil, 0.
func (s *SQLiteStore) GetIndexed(ctx context.Context, key string) ([]byte, uint64, error) {
	return s.get(ctx, key)
}

func (s *SQLiteStore) get(ctx context.Context, key string) ([]byte, uint64, error) {
	var (
		value []byte
		index int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, modify_index FROM kv WHERE key = ?`, key,
	).Scan(&value, &index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, transient("get", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, uint64(index), nil
}

// List returns every key under prefix with its value.
func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	entries, err := s.scan(ctx, prefix, true)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		out[e.key] = e.value
	}
	return out, nil
}

// scan reads the rows under prefix ordered by key. Values are only loaded
// when withValues is set.
func (s *SQLiteStore) scan(ctx context.Context, prefix string, withValues bool) ([]entry, error) {
	query := `SELECT key, modify_index FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`
	if withValues {
		query = `SELECT key, modify_index, value FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`
	}

	rows, err := s.db.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, transient("list", prefix, err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var (
			e     entry
			index int64
		)
		if withValues {
			err = rows.Scan(&e.key, &index, &e.value)
		} else {
			err = rows.Scan(&e.key, &index)
		}
		if err != nil {
			return nil, transient("list", prefix, err)
		}
		e.index = uint64(index)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("list", prefix, err)
	}
	return entries, nil
}

// Put writes key unconditionally.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	return s.withTx(ctx, "put", key, func(tx *sql.Tx) error {
		return upsert(ctx, tx, key, value)
	})
}

// CompareAndSwap writes key only while its modify index equals index.
// Index 0 requires the key to be absent.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	swapped := false
	err := s.withTx(ctx, "cas", key, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT modify_index FROM kv WHERE key = ?`, key).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if uint64(current) != index {
			return nil
		}
		if err := upsert(ctx, tx, key, value); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return transient("delete", key, err)
	}
	return nil
}

// Keys returns the keys under prefix, sorted.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := s.scan(ctx, prefix, false)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, op, key string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(op, key, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return transient(op, key, err)
	}
	if err := tx.Commit(); err != nil {
		return transient(op, key, err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	var index int64
	err := tx.QueryRowContext(ctx,
		`UPDATE kv_index SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&index)
	if err != nil {
		return fmt.Errorf("failed to bump modify index: %w", err)
	}
	if value == nil {
		value = []byte{}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, modify_index) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, modify_index = excluded.modify_index
	`, key, value, index)
	if err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

func transient(op, key string, err error) error {
	return engine.NewTransientError("sqlite store failure", err).
		WithResource(key).WithOperation(op)
}
