package runner

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/lock"
)

// reconcileConcurrency bounds parallel record checks during startup.
const reconcileConcurrency = 4

// ReconcileReport summarizes a startup reconciliation.
type ReconcileReport struct {
	Restarted int
	Cleared   int
	Skipped   int
}

// Reconcile restores loops after a process restart. Runner records left by
// a dead process are cleared, or their loop is restarted when the execution
// is still running. Active running executions with no live runner are
// adopted as well.
func (r *Runner) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var restarted, cleared, skipped atomic.Int64
	log := r.deps.Logger

	records, err := r.deps.Runners.List()
	if err != nil {
		return ReconcileReport{}, err
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ProjectID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			if rec.ExecutionID != "" && !rec.Owned() && rec.Alive() {
				log.Debug("runner record held by a live process", "project_id", rec.ProjectID, "pid", rec.PID)
				skipped.Add(1)
				return nil
			}
			if r.Running(rec.ExecutionID) {
				skipped.Add(1)
				return nil
			}

			exec, err := r.loadForReconcile(gctx, rec)
			if err != nil {
				return err
			}
			if exec != nil && exec.Status == core.StatusRunning {
				if err := r.StartLoop(gctx, exec.ID); err != nil {
					return err
				}
				log.Info("runner loop restarted", "execution_id", string(exec.ID), "project_id", rec.ProjectID)
				restarted.Add(1)
				return nil
			}

			if err := r.deps.Runners.Remove(rec.ProjectID); err != nil {
				return err
			}
			log.Info("stale runner record cleared", "project_id", rec.ProjectID)
			cleared.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	active, err := r.deps.State.Store().ListActive(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	for projectID, id := range active {
		if seen[projectID] || r.Running(id) {
			continue
		}
		exec, err := r.deps.State.Get(ctx, id)
		if err != nil || exec == nil || exec.Status != core.StatusRunning {
			continue
		}
		if err := r.StartLoop(ctx, id); err != nil {
			log.Warn("adopting active execution failed", "execution_id", string(id), "error", err)
			continue
		}
		log.Info("runner loop adopted", "execution_id", string(id), "project_id", projectID)
		restarted.Add(1)
	}

	return ReconcileReport{
		Restarted: int(restarted.Load()),
		Cleared:   int(cleared.Load()),
		Skipped:   int(skipped.Load()),
	}, nil
}

// loadForReconcile returns the execution of a record. Unreadable records
// and corrupted executions count as not running.
func (r *Runner) loadForReconcile(ctx context.Context, rec lock.RunnerRecord) (*core.OrchestrationExecution, error) {
	if rec.ExecutionID == "" {
		return nil, nil
	}
	exec, err := r.deps.State.Get(ctx, rec.ExecutionID)
	if err != nil {
		var de *core.DomainError
		if errors.As(err, &de) && de.Category == core.ErrCatState {
			return nil, nil
		}
		return nil, err
	}
	return exec, nil
}
