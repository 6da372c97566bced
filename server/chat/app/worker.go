package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/gin-gonic/gin"

	"coach_msg/server/chat/broker"
	"coach_msg/server/chat/domain"
	"coach_msg/server/common/infra/kafka"
	commonlog "coach_msg/server/common/log"
	"coach_msg/server/common/transport/httpresp"
)

// WorkerServer consumes the message log: one consumer group per message
// type, each persisting and fanning out its records.
type WorkerServer struct {
	HTTPServer *http.Server
	Workers    []*broker.Worker
	rt         *runtime
	producer   sarama.SyncProducer
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

func NewWorkerServer(cfg Config) (*WorkerServer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &WorkerServer{rt: rt}

	if err := ensureTopics(cfg.Kafka); err != nil {
		s.release()
		return nil, fmt.Errorf("ensure kafka topics: %w", err)
	}
	s.producer, err = kafka.NewSyncProducer(cfg.Kafka, nil)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("initialize dead-letter producer: %w", err)
	}

	proc := rt.processor()
	dlq := broker.NewKafkaDeadLetter(s.producer)
	for _, t := range domain.MessageTypes {
		group, err := kafka.NewConsumerGroup(cfg.Kafka, cfg.Kafka.GroupID+"."+string(t))
		if err != nil {
			s.release()
			return nil, fmt.Errorf("join consumer group for %s: %w", t, err)
		}
		handler := broker.NewConsumerHandler(proc, dlq, cfg.Consumer)
		s.Workers = append(s.Workers, broker.NewWorker(group, []string{broker.TopicFor(t)}, handler))
	}

	r := gin.Default()
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok")) })
	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.WorkerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start runs every consumer group in the background until Shutdown.
func (s *WorkerServer) Start() {
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	for _, w := range s.Workers {
		s.wg.Add(1)
		go func(w *broker.Worker) {
			defer s.wg.Done()
			if err := w.Run(ctx); err != nil {
				commonlog.EventError("chat_consumer", err, "action", "run", "status", "failed")
			}
		}(w)
	}
}

func (s *WorkerServer) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.HTTPServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.release()
	return err
}

func (s *WorkerServer) release() {
	for _, w := range s.Workers {
		_ = w.Close()
	}
	if s.producer != nil {
		_ = s.producer.Close()
	}
	s.rt.release()
}
