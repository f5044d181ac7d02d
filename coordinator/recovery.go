package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/imn-project/imn/dbos/store"
	"github.com/imn-project/imn/modules"
)

// RecoverOnStartup implements §4.6's failure recovery: scan DBOS for
// module-states stuck in {started, running} whose age exceeds the
// recovery window and mark them failed, then requeue any orphaned
// in-flight tasks. Sharded by POD_INDEX/POD_COUNT over the agent list so
// multiple coordinator replicas split the scan rather than racing each
// other on every agent.
func (c *Coordinator) RecoverOnStartup(ctx context.Context) error {
	agents, err := c.dbos.ListAgents(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	recovered := 0
	for i, a := range agents {
		if c.cfg.PodCount > 1 && i%c.cfg.PodCount != c.cfg.PodIndex {
			continue
		}
		for _, module := range modules.Names() {
			states, err := c.dbos.ListModuleStates(ctx, a.AgentID, module)
			if err != nil {
				continue
			}
			for _, ms := range states {
				if ms.State != store.StateStarted && ms.State != store.StateRunning {
					continue
				}
				if now.Sub(ms.Timestamp) <= c.cfg.RecoveryWindow {
					continue
				}
				ms.State = store.StateFailed
				ms.Error = "coordinator restart: stale workflow recovered"
				if err := c.dbos.SetModuleState(ctx, ms); err != nil {
					log.Printf("coordinator: recovery write for %s: %v", ms.RequestID, err)
					continue
				}
				recovered++
				recoveredWorkflows.Inc()
				c.logWorkflowEvent(ctx, "workflow_recovered", ms.RequestID, ms.AgentID, ms.Module, ms.Error)
			}
		}
	}
	if recovered > 0 {
		log.Printf("⚠️  coordinator recovery marked %d stale workflow(s) failed", recovered)
	}

	n, err := c.dbos.RequeueExpiredTasks(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		requeuedTasks.Add(float64(n))
		log.Printf("coordinator recovery requeued %d expired task(s)", n)
	}
	return nil
}

// RunRecoverySweep periodically re-runs the task-recovery half of startup
// recovery (the orphaned-task sweep, §Task-recovery) for the lifetime of
// the process, not just once at boot. If elector is non-nil only the
// elected leader performs the sweep, since unlike RecoverOnStartup's
// POD_INDEX sharding this runs forever and every replica would otherwise
// race the same expired tasks.
func (c *Coordinator) RunRecoverySweep(ctx context.Context, interval time.Duration, elector *LeaderElector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if elector != nil && !elector.IsLeader() {
				continue
			}
			n, err := c.dbos.RequeueExpiredTasks(ctx, time.Now())
			if err != nil {
				log.Printf("coordinator: recovery sweep: %v", err)
				continue
			}
			if n > 0 {
				requeuedTasks.Add(float64(n))
			}
		}
	}
}
