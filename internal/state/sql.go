package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLStore implements domain.StateStore using database/sql.
// Works with both the SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the configured database and runs migrations.
func NewSQLStore(cfg domain.StateConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Backend {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Backend,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a user's state. Unseen users get the zero state.
func (s *SQLStore) Get(ctx context.Context, userID string) (domain.UserState, error) {
	query := `
		SELECT last_location, recent_timestamps
		FROM user_states
		WHERE user_id = ?
	`

	var st domain.UserState
	var timestamps string

	err := s.db.QueryRowContext(ctx, s.rebind(query), userID).Scan(&st.LastLocation, &timestamps)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserState{}, nil
	}
	if err != nil {
		return domain.UserState{}, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}

	if err := json.Unmarshal([]byte(timestamps), &st.RecentTimestamps); err != nil {
		return domain.UserState{}, fmt.Errorf("corrupt timestamp history for %s: %w", userID, err)
	}

	return st, nil
}

// Put overwrites a user's state as one row upsert.
func (s *SQLStore) Put(ctx context.Context, userID string, state domain.UserState) error {
	timestamps, err := json.Marshal(state.RecentTimestamps)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO user_states (user_id, last_location, recent_timestamps, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			last_location = excluded.last_location,
			recent_timestamps = excluded.recent_timestamps,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		userID, state.LastLocation, string(timestamps), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist state for %s: %w", userID, err)
	}
	return nil
}

// Append records a transaction in the user's recent history and prunes
// entries beyond the limit.
func (s *SQLStore) Append(ctx context.Context, userID string, tx *domain.Transaction, limit int) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	insert := `
		INSERT INTO recent_transactions (user_id, tx_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, tx_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, s.rebind(insert),
		userID, tx.ID, string(payload), tx.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("failed to record transaction %s: %w", tx.ID, err)
	}

	prune := `
		DELETE FROM recent_transactions
		WHERE user_id = ? AND tx_id NOT IN (
			SELECT tx_id FROM recent_transactions
			WHERE user_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`
	if _, err := s.db.ExecContext(ctx, s.rebind(prune), userID, userID, limit); err != nil {
		return fmt.Errorf("failed to prune history for %s: %w", userID, err)
	}
	return nil
}

// Recent returns the retained transactions, newest first.
func (s *SQLStore) Recent(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	query := `
		SELECT payload FROM recent_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(payload), &tx); err != nil {
			return nil, fmt.Errorf("corrupt history entry for %s: %w", userID, err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for _, r := range query {
		if r == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
