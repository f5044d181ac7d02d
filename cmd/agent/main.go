package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/imn-project/imn/agent"
	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/dbos/rpcserver"
	"github.com/imn-project/imn/dbos/store"
)

func main() {
	log.Println("IMN AGENT BOOTING")

	cfg := agent.LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agent received shutdown signal")
		cancel()
	}()

	router, err := connectBus(cfg.BusURL)
	if err != nil {
		log.Fatalf("❌ agent could not connect to bus: %v", err)
	}
	defer router.Close()

	var dbosAPI store.API
	if cfg.DBOSAddress != "" {
		dbosAPI = rpcserver.NewClient(cfg.DBOSAddress)
	}

	rt := agent.NewRuntime(cfg, router, dbosAPI)
	if err := rt.LoadAll(ctx); err != nil {
		log.Fatalf("❌ agent could not load modules: %v", err)
	}

	go rt.RunHeartbeat(ctx)

	if cfg.HotReload {
		go func() {
			if err := rt.WatchReload(ctx); err != nil {
				log.Printf("⚠️  reload watcher exited: %v", err)
			}
		}()
	}

	log.Printf("✅ agent %s ready", cfg.AgentID)
	<-ctx.Done()
	log.Println("agent shutting down")
}

func connectBus(url string) (bus.Router, error) {
	if url == "" {
		log.Println("NATS_URL not set, using in-memory local router")
		return bus.NewLocalRouter(), nil
	}
	return bus.DialNATS(url)
}
