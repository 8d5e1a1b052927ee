package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RedisStore keeps per-user state in Redis under the original two-record
// layout: a bounded timestamp list and a scalar location. Put rewrites both
// records in one MULTI/EXEC pipeline so the stored state is always the full
// overwrite the processor expects, never a partial delta.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func timestampsKey(userID string) string {
	return "user:" + userID + ":transactionTimestamps"
}

func locationKey(userID string) string {
	return "user:" + userID + ":location"
}

func historyKey(userID string) string {
	return "user:" + userID + ":transactions"
}

// Get loads both sub-records. Missing keys yield the zero state.
func (s *RedisStore) Get(ctx context.Context, userID string) (domain.UserState, error) {
	pipe := s.client.Pipeline()
	tsCmd := pipe.LRange(ctx, timestampsKey(userID), 0, -1)
	locCmd := pipe.Get(ctx, locationKey(userID))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.UserState{}, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}

	var st domain.UserState

	for _, raw := range tsCmd.Val() {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.UserState{}, fmt.Errorf("corrupt timestamp %q for %s: %w", raw, userID, err)
		}
		st.RecentTimestamps = append(st.RecentTimestamps, ts)
	}

	loc, err := locCmd.Result()
	if err != nil && err != redis.Nil {
		return domain.UserState{}, err
	}
	st.LastLocation = loc

	return st, nil
}

// Put overwrites both sub-records atomically.
func (s *RedisStore) Put(ctx context.Context, userID string, state domain.UserState) error {
	pipe := s.client.TxPipeline()

	tsKey := timestampsKey(userID)
	pipe.Del(ctx, tsKey)
	if len(state.RecentTimestamps) > 0 {
		vals := make([]interface{}, len(state.RecentTimestamps))
		for i, ts := range state.RecentTimestamps {
			vals[i] = ts.UTC().Format(time.RFC3339Nano)
		}
		// RPUSH preserves slice order, keeping the newest entry at index 0.
		pipe.RPush(ctx, tsKey, vals...)
	}

	if state.LastLocation != "" {
		pipe.Set(ctx, locationKey(userID), state.LastLocation, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist state for %s: %w", userID, err)
	}
	return nil
}

// Append records a transaction in the user's recent history.
func (s *RedisStore) Append(ctx context.Context, userID string, tx *domain.Transaction, limit int) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	key := historyKey(userID)
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(limit)-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns the retained transactions, newest first.
func (s *RedisStore) Recent(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	raw, err := s.client.LRange(ctx, historyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Transaction, 0, len(raw))
	for _, item := range raw {
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			return nil, fmt.Errorf("corrupt history entry for %s: %w", userID, err)
		}
		out = append(out, &tx)
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
