package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/imn-project/imn/bus"
	"github.com/imn-project/imn/dbos/store"
)

type heartbeatMessage struct {
	AgentID         string            `json:"agent_id"`
	Hostname        string            `json:"hostname"`
	FirstSeen       float64           `json:"first_seen"`
	TotalHeartbeats int64             `json:"total_heartbeats"`
	Config          map[string]string `json:"config"`
	Timestamp       float64           `json:"timestamp"`
}

// StartHeartbeatConsumer subscribes to both the current and the legacy
// heartbeat subjects (Open Question (d): accept both on consume, publish
// only agent.heartbeat_module) and upserts the agent registry on every
// message, monotonically advancing last_seen and total_heartbeats.
func (c *Coordinator) StartHeartbeatConsumer(ctx context.Context) error {
	handler := func(ctx context.Context, subject string, payload []byte, headers bus.Headers) {
		c.consumeHeartbeat(ctx, payload)
	}

	if _, err := c.bus.Subscribe(bus.SubjectHeartbeatModule, handler); err != nil {
		return err
	}
	// Legacy subject has no single agent id to subscribe on ahead of time
	// in a NATS-style exact-subject router; LocalRouter and NATS both
	// treat subject strings literally, so legacy per-agent heartbeats are
	// picked up as agents register via the modern subject: consumeHeartbeat
	// subscribes to an agent's legacy alias the first time it sees that agent.
	return nil
}

func (c *Coordinator) consumeHeartbeat(ctx context.Context, payload []byte) {
	var hb heartbeatMessage
	if err := json.Unmarshal(payload, &hb); err != nil {
		log.Printf("coordinator: malformed heartbeat: %v", err)
		return
	}
	if hb.AgentID == "" {
		return
	}

	legacyKey := "legacy-heartbeat|" + hb.AgentID
	c.mu.Lock()
	if _, ok := c.agentSubs[legacyKey]; !ok {
		sub, err := c.bus.Subscribe(bus.LegacyHeartbeat(hb.AgentID), func(ctx context.Context, subject string, payload []byte, headers bus.Headers) {
			c.consumeHeartbeat(ctx, payload)
		})
		if err != nil {
			log.Printf("coordinator: subscribe legacy heartbeat for %s: %v", hb.AgentID, err)
		} else {
			c.agentSubs[legacyKey] = sub
		}
	}
	c.mu.Unlock()

	now := time.Now()
	existing, err := c.dbos.GetAgent(ctx, hb.AgentID)
	firstSeen := now
	if err == nil {
		firstSeen = existing.FirstSeen
	} else if hb.FirstSeen > 0 {
		firstSeen = time.Unix(int64(hb.FirstSeen), 0)
	}

	a := &store.Agent{
		AgentID:         hb.AgentID,
		Hostname:        hb.Hostname,
		FirstSeen:       firstSeen,
		LastSeen:        now,
		Config:          hb.Config,
		TotalHeartbeats: hb.TotalHeartbeats,
	}
	if err := c.dbos.RegisterAgent(ctx, a); err != nil {
		log.Printf("coordinator: upsert agent %s: %v", hb.AgentID, err)
	}
}
