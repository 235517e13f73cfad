package redis

import (
	"context"
	"fmt"
	"time"

	"meshcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	currentSchemaVersion = 1
	migrationLockTTL     = 30 * time.Second
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

// Migrate runs every migration newer than the version recorded under
// prefix. Nodes starting together serialize on a lock so each migration
// runs once.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	key := prefix + "schema:version"
	if v, err := client.Get(ctx, key).Int(); err == nil && v >= currentSchemaVersion {
		return nil
	}

	lock := distributed.NewLock(client, prefix+"schema:lock", migrationLockTTL)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to lock schema: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && logger != nil {
			logger.Warnw("schema lock release failed", "error", err)
		}
	}()

	currentVersion, err := client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, key, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Drop index members whose document is gone, left behind by
			// processes that died between writes of older layouts.
			Version: 1,
			Up:      pruneIndexes,
		},
	}
}

func pruneIndexes(ctx context.Context, client *redis.Client, prefix string) error {
	iter := client.Scan(ctx, 0, prefix+"idx:*", 100).Iterator()
	for iter.Next(ctx) {
		idxKey := iter.Val()
		collection := idxKey[len(prefix+"idx:"):]
		ids, err := client.ZRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := client.Exists(ctx, prefix+"doc:"+collection+"/"+id).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				if err := client.ZRem(ctx, idxKey, id).Err(); err != nil {
					return err
				}
			}
		}
	}
	return iter.Err()
}
