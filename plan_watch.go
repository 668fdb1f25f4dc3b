package planloop

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPlan watches cfg.PlanFile for writes and calls ReloadPlan whenever
// one is observed, in addition to Tick's own unconditional reload. This
// is the "edit PLAN.md by hand and see it pick up" path; Run's ticker
// reload already covers the case where no editor notification arrives.
// It blocks until ctx is cancelled or the watcher fails to start.
func (o *Orchestrator) WatchPlan(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(o.cfg.PlanFile)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(o.cfg.PlanFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := o.ReloadPlan(); err != nil {
				o.logger.Warn("plan file changed but failed to reload", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("plan file watcher error", "error", err)
		}
	}
}
