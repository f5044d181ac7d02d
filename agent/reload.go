package agent

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/imn-project/imn/bus"
)

// reloadTriggerFile is the marker file an operator touches under
// MODULES_PATH to request a reload; Go has no safe in-process code
// unload, so unlike a dynamic-library loader this does not pick up new
// code — it unsubscribes and re-subscribes every loaded module of the
// existing compiled-in ModuleSpec table, which satisfies the observable "drain, reload,
// resubscribe" contract of §4.5 without plugin.Open's unsafety.
const reloadTriggerFile = "reload.trigger"

// WatchReload is optional (Open Question (c)); callers only start it when
// cfg.HotReload is set. It blocks until ctx is cancelled.
func (r *Runtime) WatchReload(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.ModulesPath, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.cfg.ModulesPath); err != nil {
		return err
	}

	log.Printf("agent %s watching %s for reload triggers", r.cfg.AgentID, r.cfg.ModulesPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != reloadTriggerFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.reloadAll(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("agent: reload watcher error: %v", err)
		}
	}
}

// reloadAll drains and resubscribes every loaded module, serialized under
// r.mu so no message is handled concurrently by an old and new
// subscription during the swap.
func (r *Runtime) reloadAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, lm := range r.loaded {
		for _, sub := range lm.subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("agent: reload %s: unsubscribe: %v", name, err)
			}
		}

		newSub, err := r.router.Subscribe(bus.ModuleIn(r.cfg.AgentID, name), r.handlerFor(lm.spec))
		if err != nil {
			log.Printf("agent: reload %s: resubscribe: %v", name, err)
			continue
		}
		lm.subs = []bus.Subscription{newSub}
		log.Printf("agent %s reloaded module %s", r.cfg.AgentID, name)
	}
}
