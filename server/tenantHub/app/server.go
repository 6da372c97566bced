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
	tenantapi "coach_msg/server/tenantHub/api"
	tenantHub "coach_msg/server/tenantHub/service"
)

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *mq.Publisher
	closeRepo  func()
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	repo, closeRepo, err := OpenRepository(ctx, cfg.TenantStore, redisClient, cfg.PostgresDSN)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("open tenant repository: %w", err)
	}

	s := &Server{Redis: redisClient, closeRepo: closeRepo}
	var events tenantHub.EventPublisher
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.Publisher, err = mq.NewPublisher(s.MQConn, mq.EventsExchange)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		events = s.Publisher
	}

	tenantSvc := tenantHub.NewService(repo, events)
	verifier := identity.NewVerifier(cfg.IdentityEndpoints, commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes))
	h := tenantapi.NewHandler(tenantSvc, verifier)

	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
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
	if s.Publisher != nil {
		s.Publisher.Close()
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
