package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Shopify/sarama"
	"github.com/gin-gonic/gin"

	"coach_msg/server/chat/api"
	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/gateway"
	commonauth "coach_msg/server/common/auth"
	"coach_msg/server/common/infra/identity"
	"coach_msg/server/common/infra/kafka"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

// Server is the connection gateway: websocket sessions plus the message
// REST routes, appending sends to the durable log.
type Server struct {
	HTTPServer *http.Server
	Gateway    *gateway.Gateway
	rt         *runtime
	producer   sarama.SyncProducer
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{rt: rt}

	var appender broker.Appender
	if cfg.UseKafka {
		if err := ensureTopics(cfg.Kafka); err != nil {
			s.release()
			return nil, fmt.Errorf("ensure kafka topics: %w", err)
		}
		s.producer, err = kafka.NewSyncProducer(cfg.Kafka, kafka.NewKeyPartitioner(tenantdomain.Partition))
		if err != nil {
			s.release()
			return nil, fmt.Errorf("initialize kafka producer: %w", err)
		}
		appender = broker.NewKafkaAppender(s.producer)
	} else {
		appender = broker.NewInlineAppender(rt.processor())
	}

	b := broker.New(rt.tenants, rt.store, appender, rt.stats, rt.events(), cfg.Broker)
	verifier := identity.NewVerifier(cfg.IdentityEndpoints, commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes))
	s.Gateway = gateway.New(b, verifier, cfg.Gateway)

	h := api.NewHandler(b, s.Gateway.HandleWS, verifier)
	r := gin.Default()
	h.RegisterRoutes(r)

	// No WriteTimeout: websocket writes carry their own deadlines.
	s.HTTPServer = &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Hijacked websockets are not tracked by http.Server.
	s.Gateway.Close()
	err := s.HTTPServer.Shutdown(ctx)
	s.release()
	return err
}

func (s *Server) release() {
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.producer != nil {
		_ = s.producer.Close()
	}
	s.rt.release()
}
