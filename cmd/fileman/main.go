package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	commonlog "coach_msg/server/common/log"
	filemanapp "coach_msg/server/fileman/app"
)

func main() {
	cfg := filemanapp.LoadConfig()
	server, err := filemanapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize fileman server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start fileman http server on :%s bucket=%s", cfg.Port, cfg.MinioBucket)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run fileman http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown fileman server gracefully: %v", err)
	}
}
