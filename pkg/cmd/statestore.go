// Package cmd provides common initialization functions for the pipeline's
// command-line entrypoints.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crisislens/pipeline/pkg/statestore"
)

// NewStateStore builds a store from its connection URL. Supported schemes:
// redis://, postgres:// (and postgresql://), plus "memory" for tests and
// single-process runs.
func NewStateStore(ctx context.Context, logger *slog.Logger, storeURL string, ttl time.Duration) (statestore.Store, error) {
	if ttl <= 0 {
		ttl = statestore.DefaultTTL
	}

	switch parseStoreProvider(storeURL) {
	case "redis":
		return statestore.NewRedisStore(ctx, logger, storeURL, ttl)
	case "postgres", "postgresql":
		return statestore.NewPostgresStore(ctx, logger, storeURL, ttl)
	case "memory":
		return statestore.NewMemoryStore(ttl), nil
	default:
		return nil, fmt.Errorf("unsupported state store URL: %s", storeURL)
	}
}

func parseStoreProvider(storeURL string) string {
	if storeURL == "memory" {
		return "memory"
	}

	provider, _, found := strings.Cut(storeURL, "://")
	if !found {
		return ""
	}

	return provider
}
