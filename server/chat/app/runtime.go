package app

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/store"
	"coach_msg/server/common/infra/cache"
	"coach_msg/server/common/infra/kafka"
	"coach_msg/server/common/infra/mq"
	commonlog "coach_msg/server/common/log"
	tenantapp "coach_msg/server/tenantHub/app"
	tenantHub "coach_msg/server/tenantHub/service"
)

// runtime holds the dependencies shared by the gateway and the log
// consumers: Redis, the tenant registry with its cache, and the optional
// integration event bus.
type runtime struct {
	redis     *redis.Client
	closeRepo func()
	mqConn    *amqp.Connection
	publisher *mq.Publisher
	router    *cache.TenantRedisRouter
	tenants   *tenantHub.Cache
	stats     *tenantHub.Service
	store     *store.Store
	cancel    context.CancelFunc
}

func openRuntime(ctx context.Context, cfg Config) (*runtime, error) {
	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	repo, closeRepo, err := tenantapp.OpenRepository(ctx, cfg.TenantStore, redisClient, cfg.PostgresDSN)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("open tenant repository: %w", err)
	}
	rt := &runtime{redis: redisClient, closeRepo: closeRepo}

	rt.stats = tenantHub.NewService(repo, nil)
	rt.tenants = tenantHub.NewCache(rt.stats, tenantHub.DefaultCacheTTL)
	rt.router = cache.NewTenantRedisRouter(redisClient, rt.tenants)
	rt.store = store.New(rt.router, cfg.Retention, cfg.PresenceTTL)

	if cfg.UseMQ {
		rt.mqConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			rt.release()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		rt.publisher, err = mq.NewPublisher(rt.mqConn, mq.EventsExchange)
		if err != nil {
			rt.release()
			return nil, fmt.Errorf("initialize event publisher: %w", err)
		}
		var consumeCtx context.Context
		consumeCtx, rt.cancel = context.WithCancel(context.Background())
		// The cache is cleared first so the router re-resolves fresh placement.
		handler := tenantHub.InvalidationHandler(rt.tenants, rt.router)
		go func() {
			err := mq.Consume(consumeCtx, rt.mqConn, mq.EventsExchange, mq.AnyTenant(mq.EventTenantUpdated), handler)
			if err != nil {
				commonlog.Errorf("event=tenant_invalidation action=consume status=failed error=%v", err)
			}
		}()
	}
	return rt, nil
}

// events returns the integration publisher, or nil when the bus is off.
func (rt *runtime) events() broker.EventPublisher {
	if rt.publisher == nil {
		return nil
	}
	return rt.publisher
}

func (rt *runtime) processor() *broker.Processor {
	return broker.NewProcessor(rt.store, rt.stats, rt.events())
}

func (rt *runtime) release() {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.publisher != nil {
		rt.publisher.Close()
	}
	if rt.mqConn != nil {
		_ = rt.mqConn.Close()
	}
	if rt.router != nil {
		rt.router.Close()
	}
	if rt.closeRepo != nil {
		rt.closeRepo()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}

// ensureTopics creates the per-type log topics and their dead-letter topics.
func ensureTopics(cfg kafka.Config) error {
	admin, err := kafka.NewClusterAdmin(cfg)
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer func() { _ = admin.Close() }()

	topics := broker.Topics()
	for _, t := range broker.Topics() {
		topics = append(topics, broker.DeadLetterTopic(t))
	}
	return kafka.EnsureTopics(admin, topics, cfg)
}
