package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/decision"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/diagnostics"
)

// maxFollowUps bounds back-to-back evaluations within one iteration.
const maxFollowUps = 8

// step is the outcome of one evaluation.
type step struct {
	// stop ends the loop.
	stop bool
	// immediate re-evaluates without sleeping, after state-only actions.
	immediate bool
	// delay overrides the poll interval, for backoff.
	delay time.Duration
	// action is the decision that was executed, for tests and logs.
	action decision.Kind
}

func (r *Runner) run(ctx context.Context, l *loop) {
	log := r.logger(l)
	defer func() {
		r.mu.Lock()
		delete(r.loops, l.id)
		r.mu.Unlock()

		if err := r.deps.Runners.Remove(l.projectID); err != nil {
			log.Warn("removing runner record failed", "error", err)
		}
		r.deps.Metrics.LoopStopped()
		close(l.done)
		r.wg.Done()
	}()

	log.Info("runner loop started", "poll_interval", r.cfg.PollInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("runner loop stopped")
			return
		case <-timer.C:
		case <-l.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Immediate follow-ups count as one iteration so a bounded loop
		// never stops halfway through a transition.
		var res step
		for n := 0; n < maxFollowUps; n++ {
			res = r.safeEvaluate(ctx, l)
			if res.stop || !res.immediate || ctx.Err() != nil {
				break
			}
		}
		iterations++

		if res.stop {
			log.Info("runner loop finished", "iterations", iterations)
			return
		}
		if r.cfg.MaxIterations > 0 && iterations >= r.cfg.MaxIterations {
			log.Info("runner loop reached max iterations", "iterations", iterations)
			return
		}

		delay := r.cfg.PollInterval
		if res.delay > 0 {
			delay = res.delay
		}
		timer.Reset(delay)
	}
}

// safeEvaluate runs one evaluation. A panic fails the execution, is written
// to a crash dump when a writer is configured, and stops the loop.
func (r *Runner) safeEvaluate(ctx context.Context, l *loop) (res step) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		log := r.logger(l)
		bg := context.WithoutCancel(ctx)
		dump := ""
		if r.deps.Crashes != nil {
			dc := diagnostics.DumpContext{ExecutionID: string(l.id), ProjectID: l.projectID}
			if exec, err := r.deps.State.Get(bg, l.id); err == nil && exec != nil {
				dc.Step = string(exec.Step.Current)
				dc.Batch = exec.Batches.Current
			}
			var err error
			dump, err = r.deps.Crashes.Write(p, dc)
			if err != nil {
				log.Error("writing crash dump failed", "error", err)
			}
		}
		log.Error("runner evaluation panicked", "panic", p, "crash_dump", dump)

		if _, err := r.deps.State.Fail(bg, l.id, fmt.Sprintf("runner panic: %v", p)); err != nil {
			log.Error("failing execution after panic failed", "error", err)
		}
		res = step{stop: true}
	}()
	return r.evaluate(ctx, l)
}
