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
	server, err := chatapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize gateway server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start gateway http server on :%s gateway_id=%s kafka=%t", cfg.Port, server.Gateway.ID(), cfg.UseKafka)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run gateway http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown gateway server gracefully: %v", err)
	}
}
