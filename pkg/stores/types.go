package stores

import "time"

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// PollInterval is how often Watch checks a prefix for changes.
	PollInterval time.Duration
}

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPollInterval    = 500 * time.Millisecond
	defaultEventLimit      = 100
)

// EventQuery filters journal reads. Empty fields match everything.
type EventQuery struct {
	UserID string
	Type   string
	Level  string
	Limit  int
	Offset int
}

// entry is one kv row.
type entry struct {
	key   string
	value []byte
	index uint64
}
