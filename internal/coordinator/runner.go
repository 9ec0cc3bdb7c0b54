package coordinator

import (
	"context"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/machine"
)

// idle reports whether a session in phase has nothing for a runner to do.
// Paused sessions get a new runner when they resume.
func idle(phase machine.Phase) bool {
	return phase.IsTerminal() || phase == machine.PhasePaused
}

// ensureRunner starts the session's runner unless one is already running,
// in which case it is woken to re-read the session state.
func (c *Coordinator) ensureRunner(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if r, ok := c.runners[id]; ok {
		r.signal()
		return
	}
	r := &runner{id: id, wake: make(chan struct{}, 1)}
	c.runners[id] = r
	c.wg.Go(func() { c.run(c.ctx, r) })
}

func (c *Coordinator) wake(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runners[id]; ok {
		r.signal()
	}
}

func (r *runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// retire removes the runner if its session still has nothing to do. It
// re-reads the phase under c.mu so that a concurrent resume either sees
// this runner still registered or finds none and starts a new one.
func (c *Coordinator) retire(r *runner) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	phase, err := c.machine.Phase(r.id)
	if err == nil && !idle(phase) {
		return false
	}
	delete(c.runners, r.id)
	return true
}

// run drives one session until it completes, fails, pauses or the
// coordinator stops. Only one stage of a session executes at a time.
func (c *Coordinator) run(ctx context.Context, r *runner) {
	log := c.logger.WithSession(r.id)
	log.Debug("runner started")
	defer log.Debug("runner stopped")

	for ctx.Err() == nil {
		phase, err := c.machine.Phase(r.id)
		if err != nil || idle(phase) {
			if c.retire(r) {
				return
			}
			continue
		}

		if phase == machine.PhaseCreated {
			if err := c.start(r.id); err != nil {
				log.Debug("start skipped", "error", err)
			}
			continue
		}

		inv, ok := c.machine.Pending(r.id)
		if !ok {
			if !r.sleep(ctx, 0) {
				return
			}
			continue
		}

		if inv.Attempt > 1 {
			delay := c.cfg.RetryBackoff.Delay(inv.Attempt)
			log.Debug("waiting before retry", "stage", string(inv.Stage), "attempt", inv.Attempt, "delay", delay.String())
			if !r.sleep(ctx, delay) {
				return
			}
			if !c.machine.IsCurrent(inv) {
				continue
			}
		}

		_, err = c.exec.Execute(ctx, inv)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errors.ErrPaused):
			// Sections kept at the pause are only in memory until now.
			c.checkpoint(r.id)
			continue
		case err != nil:
			log.Error("stage execution failed", "stage", string(inv.Stage), "error", err)
		}

		// The gate refused a result for the invocation the session is still
		// waiting on. Wait for a control operation rather than re-running it.
		if c.machine.IsCurrent(inv) {
			log.Warn("stage result not applied, waiting", "stage", string(inv.Stage), "sequence", inv.Sequence)
			if !r.sleep(ctx, 0) {
				return
			}
		}
	}
}

// sleep waits for d, a wake signal or ctx. A zero d waits for a wake
// signal or ctx only. It returns false if ctx ended.
func (r *runner) sleep(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
	case <-timer:
	}
	return true
}

func (c *Coordinator) start(id string) error {
	return c.router.Apply(id, func() ([]contract.Message, error) {
		t, err := c.machine.Start(id)
		if err != nil {
			return nil, err
		}
		c.checkpoint(id)
		return c.announce(t), nil
	})
}
