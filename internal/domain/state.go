package domain

import (
	"context"
	"time"
)

// HistorySize is the bounded depth of the per-user timestamp history.
const HistorySize = 5

// UserState is the rolling per-user state the heuristics evaluate against.
// It is a value type: evaluation produces a new state rather than mutating
// the prior one.
type UserState struct {
	// RecentTimestamps holds the instants of the last HistorySize
	// transactions, most recent first.
	RecentTimestamps []time.Time `json:"recentTimestamps"`

	// LastLocation is the most recently observed location token, or empty
	// if the user has never been seen.
	LastLocation string `json:"lastLocation"`
}

// Clone returns a deep copy so callers can derive a new state without
// aliasing the prior one's history slice.
func (s UserState) Clone() UserState {
	out := UserState{LastLocation: s.LastLocation}
	if len(s.RecentTimestamps) > 0 {
		out.RecentTimestamps = make([]time.Time, len(s.RecentTimestamps))
		copy(out.RecentTimestamps, s.RecentTimestamps)
	}
	return out
}

// StateStore provides typed access to per-user rolling state.
//
// Get returns the zero UserState (not an error) for users that have never
// been seen. Put is a total overwrite of the prior record, which keeps
// redelivery reasoning simple: replaying an event against the same prior
// state always converges on the same stored state.
//
// Implementations must support concurrent access for distinct users.
// Writes for the SAME user are never concurrent: the stream routes all of a
// user's events to one ordered partition, so there is a single writer per
// key. Stores rely on that precondition instead of serializing per key.
type StateStore interface {
	Get(ctx context.Context, userID string) (UserState, error)
	Put(ctx context.Context, userID string, state UserState) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TransactionLog keeps a short per-user history of accepted transactions for
// the ingress API. It is bookkeeping only; the heuristics never read it.
type TransactionLog interface {
	// Append records a transaction, keeping at most limit entries,
	// newest first.
	Append(ctx context.Context, userID string, tx *Transaction, limit int) error

	// Recent returns the retained transactions, newest first.
	Recent(ctx context.Context, userID string) ([]*Transaction, error)
}

// StateConfig holds configuration for state store initialization.
type StateConfig struct {
	// Backend is the store backend: "memory", "redis", "sqlite" or "postgres"
	Backend string `yaml:"backend"`

	// Redis settings
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDB"`
	PostgresSSLMode  string `yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
