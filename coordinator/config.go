package coordinator

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Config is the coordinator's boot configuration, read from the
// environment exactly like control_plane/main.go reads POD_INDEX and
// SCHEDULER_CONCURRENCY: os.Getenv plus a small parsing helper, no config
// file layer.
type Config struct {
	PodIndex               int
	PodCount               int
	ListenAddr             string
	BusURL                 string
	DBOSAddress            string
	KVAddr                 string
	BoltPath               string
	RedisAddr              string
	MaxOutstandingPerAgent int
	RequestTimeout         time.Duration
	VisibilityTimeout      time.Duration
	LivenessWindow         time.Duration
	HeartbeatIntervalHint  time.Duration
	IdempotencyTTL         time.Duration
	RecoveryWindow         time.Duration
}

// LoadConfig reads the environment keys from spec §6 plus the teacher's
// sharding additions (POD_INDEX/POD_COUNT), used by RecoverOnStartup to
// shard its stale module-state scan over the agent list across replicas.
func LoadConfig() *Config {
	cfg := &Config{
		PodIndex:               envInt("POD_INDEX", 0),
		PodCount:               envInt("POD_COUNT", 1),
		ListenAddr:             getenvDefault("LISTEN_ADDR", ":8080"),
		BusURL:                 os.Getenv("NATS_URL"),
		DBOSAddress:            os.Getenv("DBOS_ADDRESS"),
		KVAddr:                 os.Getenv("KV_ADDR"),
		BoltPath:               getenvDefault("BOLT_PATH", "imn.bolt"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		MaxOutstandingPerAgent: envInt("MAX_OUTSTANDING_PER_AGENT", 32),
		RequestTimeout:         envMillis("REQUEST_TIMEOUT_MS", 30000),
		VisibilityTimeout:      envSeconds("VISIBILITY_TIMEOUT_S", 300),
		LivenessWindow:         envMillis("LIVENESS_WINDOW_MS", 10000),
		HeartbeatIntervalHint:  envMillis("HEARTBEAT_INTERVAL_MS", 2000),
		IdempotencyTTL:         envSeconds("IDEMPOTENCY_TTL_S", 86400),
		RecoveryWindow:         envSeconds("RECOVERY_WINDOW_S", 120),
	}

	log.Printf("coordinator config: pod=%d/%d listen=%s bus=%q dbos=%q kv=%q",
		cfg.PodIndex, cfg.PodCount, cfg.ListenAddr, cfg.BusURL, cfg.DBOSAddress, cfg.KVAddr)
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		log.Printf("⚠️  invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

func envSeconds(key string, defS int) time.Duration {
	return time.Duration(envInt(key, defS)) * time.Second
}
