package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/coordinator"
	"github.com/imn-project/imn/dbos/kv"
	"github.com/imn-project/imn/dbos/rpcserver"
	"github.com/imn-project/imn/dbos/store"
)

func main() {
	log.Println("IMN COORDINATOR BOOTING")

	cfg := coordinator.LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("coordinator received shutdown signal")
		cancel()
	}()

	router, err := connectBus(cfg.BusURL)
	if err != nil {
		log.Fatalf("❌ coordinator could not connect to bus: %v", err)
	}
	defer router.Close()

	dbosAPI, embeddedStore, engine, err := connectDBOS(cfg)
	if err != nil {
		log.Fatalf("❌ coordinator could not connect to DBOS: %v", err)
	}
	defer dbosAPI.Close()

	// Embedded mode: this process owns the state store and also exposes it
	// over rpcserver so agents (and other coordinator pods) configured with
	// DBOS_ADDRESS can reach it split-process. Split mode: DBOS_ADDRESS was
	// already set, so dbosAPI is an rpcserver.Client and there's nothing to
	// serve here.
	if embeddedStore != nil {
		rpcAddr := getenvDefault("DBOS_LISTEN_ADDR", ":9090")
		srv := rpcserver.NewServer(embeddedStore)
		go func() {
			if err := srv.Serve(ctx, rpcAddr); err != nil && ctx.Err() == nil {
				log.Printf("⚠️  dbos rpcserver exited: %v", err)
			}
		}()
	}

	coord := coordinator.New(cfg, dbosAPI, router)

	if err := coord.StartHeartbeatConsumer(ctx); err != nil {
		log.Fatalf("❌ coordinator could not start heartbeat consumer: %v", err)
	}

	if err := coord.RecoverOnStartup(ctx); err != nil {
		log.Printf("⚠️  startup recovery failed: %v", err)
	}

	// Leader election only makes sense when every replica shares the same
	// kv.Engine (embedded mode against a shared Redis/Bolt backend). In
	// split-process mode the sweep already runs against a single DBOS
	// process, so there is nothing to elect.
	var elector *coordinator.LeaderElector
	if engine != nil {
		nodeID := getenvDefault("POD_NAME", fmt.Sprintf("pod-%d", cfg.PodIndex))
		elector = coordinator.NewLeaderElector(engine, nodeID, 15*time.Second)
		go elector.Run(ctx)
	}
	go coord.RunRecoverySweep(ctx, 30*time.Second, elector)

	api := coordinator.NewAPI(coord, dbosAPI, cfg)
	hub := coordinator.NewDashboardHub(api)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("/dashboard/stream", hub.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("✅ coordinator ready, listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ coordinator http server: %v", err)
	}
	log.Println("coordinator shut down")
}

func connectBus(url string) (bus.Router, error) {
	if url == "" {
		log.Println("NATS_URL not set, using in-memory local router")
		return bus.NewLocalRouter(), nil
	}
	return bus.DialNATS(url)
}

// connectDBOS picks embedded-or-split mode per §4.3's DBOS_ADDRESS switch.
// In embedded mode it also returns the concrete *store.Store (so main can
// serve it over rpcserver for other processes) and the underlying kv.Engine
// (so main can run leader election against it); in split mode both are nil.
func connectDBOS(cfg *coordinator.Config) (store.API, *store.Store, kv.Engine, error) {
	if cfg.DBOSAddress != "" {
		log.Printf("DBOS_ADDRESS=%s set, running in split-process mode", cfg.DBOSAddress)
		return rpcserver.NewClient(cfg.DBOSAddress), nil, nil, nil
	}

	engine, err := openEngine(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	if dsn := os.Getenv("ARCHIVE_DSN"); dsn != "" {
		archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer archiveCancel()
		writer, err := kv.NewPGArchiveWriter(archiveCtx, dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting archive writer: %w", err)
		}
		log.Println("ARCHIVE_DSN set, mirroring writes to Postgres")
		engine = kv.NewArchivingEngine(engine, writer)
	}

	st := store.New(engine)
	log.Println("running in embedded DBOS mode")
	return st, st, engine, nil
}

func openEngine(cfg *coordinator.Config) (kv.Engine, error) {
	switch {
	case cfg.RedisAddr != "":
		log.Printf("using Redis KV engine at %s", cfg.RedisAddr)
		return kv.NewRedisEngine(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	case cfg.BoltPath != "":
		log.Printf("using bbolt KV engine at %s", cfg.BoltPath)
		return kv.OpenBoltEngine(cfg.BoltPath)
	default:
		log.Println("using in-memory KV engine (non-durable)")
		return kv.NewMemoryEngine(), nil
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
