package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/imn-project/imn/bus"
)

// heartbeatConfig is the subset of agent configuration surfaced in each
// heartbeat record's config map, matching §6's heartbeat schema.
func (r *Runtime) heartbeatConfig() map[string]string {
	return map[string]string{
		"modules_path": r.cfg.ModulesPath,
		"hot_reload":   fmt.Sprint(r.cfg.HotReload),
	}
}

// RunHeartbeat publishes a heartbeat record on agent.heartbeat_module
// every cfg.HeartbeatInterval until ctx is cancelled.
func (r *Runtime) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("agent heartbeat loop stopping")
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.mu.Lock()
	r.heartbeats++
	count := r.heartbeats
	r.mu.Unlock()

	payload := map[string]interface{}{
		"agent_id":         r.cfg.AgentID,
		"hostname":         r.cfg.Hostname,
		"first_seen":       float64(r.firstSeen.Unix()),
		"total_heartbeats": count,
		"config":           r.heartbeatConfig(),
		"timestamp":        float64(time.Now().Unix()),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("agent: encode heartbeat: %v", err)
		return
	}
	if err := r.router.Publish(ctx, bus.SubjectHeartbeatModule, data, nil); err != nil {
		log.Printf("agent: publish heartbeat: %v", err)
	}
}
