package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/common/infra/db"
	"coach_msg/server/tenantHub/repository"
	tenantHub "coach_msg/server/tenantHub/service"
)

// OpenRepository selects the registry backend. The returned close func
// releases whatever the backend opened beyond rdb.
func OpenRepository(ctx context.Context, kind string, rdb *redis.Client, postgresDSN string) (tenantHub.Repository, func(), error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", StoreRedis:
		return repository.NewRedisRepository(rdb), func() {}, nil
	case StorePostgres:
		pool, err := db.NewPool(ctx, postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewPostgresRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate tenant schema: %w", err)
		}
		return repo, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown TENANT_STORE %q", kind)
	}
}
