// Package docstore picks the document store driver a node runs on.
package docstore

import (
	"context"
	"fmt"

	"meshcall/internal/core/ports"
	fsstore "meshcall/internal/infrastructure/docstore/firestore"
	"meshcall/internal/infrastructure/docstore/memory"
	redisstore "meshcall/internal/infrastructure/docstore/redis"
	"meshcall/pkg/config"

	"go.uber.org/zap"
)

// NewFactory opens the store named by cfg.Store.Driver. An unreachable
// Redis falls back to the in-memory store, which only reaches sessions in
// the same process; Firestore failures are returned.
func NewFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ports.DocumentStore, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		logger.Info("using memory document store")
		return memory.NewStore(), nil

	case "redis":
		client, err := redisstore.NewClient(redisstore.ClientConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory document store",
				"error", err,
			)
			return memory.NewStore(), nil
		}
		logger.Info("using Redis document store")
		return redisstore.NewStore(client, cfg.Redis.KeyPrefix, logger), nil

	case "firestore":
		client, err := fsstore.NewClient(ctx, fsstore.ClientConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsPath: cfg.Firestore.CredentialsPath,
			EmulatorHost:    cfg.Firestore.EmulatorHost,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using Firestore document store")
		return fsstore.NewStore(client, logger), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
