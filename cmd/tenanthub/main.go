package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	commonlog "coach_msg/server/common/log"
	tenantapp "coach_msg/server/tenantHub/app"
)

func main() {
	cfg := tenantapp.LoadConfig()
	server, err := tenantapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize tenanthub server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start tenanthub http server on :%s store=%s", cfg.Port, cfg.TenantStore)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run tenanthub http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown tenanthub server gracefully: %v", err)
	}
}
