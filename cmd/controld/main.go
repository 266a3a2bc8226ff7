package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/labcoord/internal/api"
	"github.com/example/labcoord/internal/bootstrap"
	"github.com/example/labcoord/internal/observability"
)

func main() {
	port := strings.TrimSpace(os.Getenv("LABCOORD_PORT"))
	if port == "" {
		port = "8080"
	}

	shutdownTrace, err := observability.InitTracingFromEnv("labcoord-controld")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp, err := bootstrap.NewControlPlaneFromEnv(ctx)
	if err != nil {
		log.Fatalf("bootstrap control plane: %v", err)
	}

	go cp.Sweeper.Run(ctx)

	server := api.NewServer(cp.Store, cp.Runs, cp.Sessions, cp.Directory, cp.Planner, cp.Pipeline, cp.Templates, cp.Commands)
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("labcoord controld listening on :%s", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("controld failed: %v", err)
	}
	log.Printf("controld stopped")
}
