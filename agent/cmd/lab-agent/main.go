package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/labcoord/agent/internal/config"
	"github.com/example/labcoord/agent/internal/heartbeat"
	"github.com/example/labcoord/agent/internal/notebook"
	"github.com/example/labcoord/agent/internal/registration"
	"github.com/example/labcoord/agent/internal/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	reg, err := registration.Register(ctx, cfg)
	if err != nil {
		log.Fatalf("register agent: %v", err)
	}
	log.Printf("registered device %s as agent %s", cfg.DeviceID, reg.AgentID)

	interval := cfg.HeartbeatInterval
	if reg.HeartbeatIntervalSeconds > 0 {
		interval = time.Duration(reg.HeartbeatIntervalSeconds) * time.Second
	}

	hb := heartbeat.New(cfg.ControlPlaneBaseURL, reg.AgentID, cfg.APIToken, interval)
	runner := notebook.New(cfg.NotebookCells, cfg.CellDuration)
	rt := runtime.New(cfg, reg.AgentID, hb, runner)

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("runtime stopped with error: %v", err)
	}
}
