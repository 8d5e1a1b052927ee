// Package state provides per-user rolling state persistence.
package state

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a state store based on configuration.
// Community tier: memory or sqlite. Pro tier: redis or postgres.
func New(cfg domain.StateConfig) (domain.StateStore, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	case "sqlite", "postgres":
		return NewSQLStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}
