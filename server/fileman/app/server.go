package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "coach_msg/server/common/auth"
	"coach_msg/server/common/infra/cache"
	"coach_msg/server/common/infra/identity"
	"coach_msg/server/common/infra/mq"
	"coach_msg/server/common/infra/object"
	commonlog "coach_msg/server/common/log"
	fileapi "coach_msg/server/fileman/api"
	"coach_msg/server/fileman/service"
	tenantapp "coach_msg/server/tenantHub/app"
	tenantHub "coach_msg/server/tenantHub/service"
)

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	MQConn     *amqp.Connection
	closeRepo  func()
	cancel     context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	minioClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}
	if err := object.EnsureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
		return nil, fmt.Errorf("ensure minio bucket: %w", err)
	}

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	repo, closeRepo, err := tenantapp.OpenRepository(ctx, cfg.TenantStore, redisClient, cfg.PostgresDSN)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("open tenant repository: %w", err)
	}
	s := &Server{Redis: redisClient, closeRepo: closeRepo}

	tenants := tenantHub.NewCache(tenantHub.NewService(repo, nil), tenantHub.DefaultCacheTTL)
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		var consumeCtx context.Context
		consumeCtx, s.cancel = context.WithCancel(context.Background())
		go func() {
			err := mq.Consume(consumeCtx, s.MQConn, mq.EventsExchange, mq.AnyTenant(mq.EventTenantUpdated), tenantHub.InvalidationHandler(tenants))
			if err != nil {
				commonlog.Errorf("event=tenant_invalidation action=consume status=failed error=%v", err)
			}
		}()
	}

	media := service.NewMediaService(object.NewBucket(minioClient, cfg.MinioBucket), tenants, int64(cfg.MaxUploadMB)<<20, service.DefaultURLTTL)
	verifier := identity.NewVerifier(cfg.IdentityEndpoints, commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes))

	h := fileapi.NewHandler(media, verifier)
	r := gin.Default()
	r.MaxMultipartMemory = 8 << 20
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.release()
	return err
}

func (s *Server) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.closeRepo != nil {
		s.closeRepo()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
