package agent

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Config is the agent's boot configuration, read entirely from the
// environment per spec §6's configuration table.
type Config struct {
	AgentID           string
	Hostname          string
	BusURL            string
	ModulesPath       string
	DBOSAddress       string
	HeartbeatInterval time.Duration
	HotReload         bool
}

// LoadConfig reads the environment the way control_plane/main.go reads
// POD_INDEX / SCHEDULER_CONCURRENCY: os.Getenv with a hand-rolled default,
// no config-file layer.
func LoadConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("⚠️  could not determine hostname: %v", err)
		hostname = "unknown"
	}

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = uuid.NewString()
	}

	cfg := &Config{
		AgentID:           agentID,
		Hostname:          hostname,
		BusURL:            os.Getenv("NATS_URL"),
		ModulesPath:       getenvDefault("MODULES_PATH", "./modules.d"),
		DBOSAddress:       os.Getenv("DBOS_ADDRESS"),
		HeartbeatInterval: envMillis("HEARTBEAT_INTERVAL_MS", 2000),
		HotReload:         os.Getenv("MODULE_HOT_RELOAD") == "1",
	}

	log.Printf("agent config: id=%s os=%s arch=%s bus=%q dbos=%q modules_path=%s hot_reload=%v",
		cfg.AgentID, runtime.GOOS, runtime.GOARCH, cfg.BusURL, cfg.DBOSAddress, cfg.ModulesPath, cfg.HotReload)
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envMillis(key string, defMs int) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMs) * time.Millisecond
	}
	var ms int
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
		log.Printf("⚠️  invalid %s=%q, using default %dms", key, v, defMs)
		return time.Duration(defMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}
