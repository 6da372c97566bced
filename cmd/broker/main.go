package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chatapp "coach_msg/server/chat/app"
	commonlog "coach_msg/server/common/log"
)

func main() {
	cfg := chatapp.LoadConfig()
	server, err := chatapp.NewWorkerServer(cfg)
	if err != nil {
		log.Fatalf("initialize broker workers: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Start()
	go func() {
		commonlog.Infof("start broker health server on :%s groups=%d", cfg.WorkerPort, len(server.Workers))
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run broker health server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown broker workers gracefully: %v", err)
	}
}
