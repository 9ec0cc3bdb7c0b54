// Package coordinator wires the session state machine, the message bus,
// the document assembler, the stage executor and the session store into
// the running service.
//
// Every session gets one runner goroutine that executes the invocation the
// state machine is waiting on, one at a time. Results flow back through the
// bus: the bus gate applies them to the state machine and persists them,
// the assembler sink turns drafting results into document versions, and
// subscribers see every accepted message in order. Control operations
// (pause, resume, restart, intervene) run under the same per-session bus
// lock, so they never interleave with a result being applied.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/autowriter/internal/assembler"
	"github.com/Iron-Ham/autowriter/internal/bus"
	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/machine"
	"github.com/Iron-Ham/autowriter/internal/retry"
	"github.com/Iron-Ham/autowriter/internal/stage"
	"github.com/Iron-Ham/autowriter/internal/store"
	"github.com/Iron-Ham/autowriter/internal/transport"
)

// Config holds the coordinator's tunables.
type Config struct {
	Policy       machine.Policy
	StageTimeout time.Duration
	RetryBackoff retry.Backoff
	BufferSize   int
	Overflow     bus.OverflowPolicy
	ReplayWindow int
}

// ConfigFrom derives a coordinator Config from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	policy := machine.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Retryable:   make(map[contract.StageID]bool),
	}
	for _, s := range cfg.Pipeline.RetryableStages {
		policy.Retryable[contract.StageID(s)] = true
	}
	return Config{
		Policy:       policy,
		StageTimeout: cfg.Pipeline.StageTimeout,
		RetryBackoff: retry.Backoff{Base: cfg.Pipeline.RetryBackoffBase, Max: cfg.Pipeline.RetryBackoffMax},
		BufferSize:   cfg.Transport.BufferSize,
		Overflow:     bus.OverflowPolicy(cfg.Transport.OverflowPolicy),
		ReplayWindow: cfg.Transport.ReplayWindow,
	}
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Generator stage.Generator
	Store     *store.Store
	Logger    *logging.Logger
	Now       func() time.Time
}

// Coordinator runs sessions. It is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	machine *machine.Machine
	router  *bus.Router
	docs    *assembler.Assembler
	store   *store.Store
	exec    *stage.Executor
	logger  *logging.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	runners map[string]*runner
	stopped bool
}

type runner struct {
	id   string
	wake chan struct{}
}

// New creates a Coordinator. Call Start to restore persisted sessions.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Generator == nil {
		return nil, errors.NewValidationError("a generator is required").WithField("generator")
	}
	if deps.Store == nil {
		return nil, errors.NewValidationError("a session store is required").WithField("store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = machine.DefaultPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		machine: machine.New(cfg.Policy, machine.WithClock(now)),
		store:   deps.Store,
		logger:  logger.WithComponent("coordinator"),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
		runners: make(map[string]*runner),
	}
	c.router = bus.New(bus.Config{
		BufferSize:   cfg.BufferSize,
		Overflow:     cfg.Overflow,
		ReplayWindow: cfg.ReplayWindow,
		Journal:      deps.Store,
		Logger:       logger,
		Now:          now,
	})
	c.docs = assembler.New(deps.Store, logger)
	c.exec = stage.New(stage.Config{
		Generator: deps.Generator,
		Publisher: c.router,
		Controls:  c.machine,
		Timeout:   cfg.StageTimeout,
		Logger:    logger,
		Now:       now,
	})

	c.router.SetGate(c.gate, contract.KindStageCompleted, contract.KindStageFailed)
	c.router.AddSink(bus.Sink{Name: "assembler", Filter: c.docs.Filter, Handle: c.docs.Handle})
	return c, nil
}

// Start restores every persisted session and starts runners for those
// with a stage to run. Runners stop when ctx ends or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	context.AfterFunc(ctx, c.cancel)

	infos, err := c.store.ListSessions()
	if err != nil {
		return err
	}
	restored := 0
	for _, info := range infos {
		if err := c.restore(info.ID); err != nil {
			c.logger.WithSession(info.ID).Error("session not restored", "error", err)
			continue
		}
		restored++
	}
	c.logger.Info("coordinator started", "sessions", len(infos), "restored", restored)
	return nil
}

func (c *Coordinator) restore(id string) error {
	meta, err := c.store.LoadMeta(id)
	if err != nil {
		return err
	}
	cp, err := c.store.LoadCheckpoint(id)
	if err != nil && !errors.Is(err, &errors.NotFoundError{}) {
		return err
	}
	history, err := c.store.ReadResults(id)
	if err != nil {
		return err
	}
	if err := c.router.Recover(id); err != nil {
		return err
	}

	if doc, err := c.store.LatestDocument(id); err == nil {
		c.docs.Load(doc)
	} else if _, err := c.docs.Create(id, meta.Objective); err != nil {
		return err
	}

	if _, err := c.machine.Restore(meta, cp, history); err != nil {
		c.docs.Remove(id)
		c.router.Drop(id)
		return err
	}
	c.checkpoint(id)

	phase, _ := c.machine.Phase(id)
	c.logger.WithSession(id).Info("session restored", "phase", string(phase), "results", len(history))
	if !idle(phase) {
		c.ensureRunner(id)
	}
	return nil
}

// Stop cancels every runner and waits for them to exit, then closes all
// subscriptions. In-flight stages are abandoned; their sessions resume
// from the last checkpoint on the next Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.router.Close()
	c.logger.Info("coordinator stopped")
}

// CreateSession registers a new session and starts its pipeline.
func (c *Coordinator) CreateSession(ctx context.Context, objective, reference string) (machine.Snapshot, error) {
	meta := machine.Meta{
		ID:                uuid.NewString(),
		Objective:         strings.TrimSpace(objective),
		ReferenceMaterial: strings.TrimSpace(reference),
		CreatedAt:         c.now(),
	}
	if err := c.machine.Create(meta); err != nil {
		return machine.Snapshot{}, err
	}
	if err := c.store.SaveMeta(meta); err != nil {
		c.machine.Remove(meta.ID)
		return machine.Snapshot{}, errors.Wrap(err, "persist session")
	}
	if _, err := c.docs.Create(meta.ID, meta.Objective); err != nil {
		c.machine.Remove(meta.ID)
		return machine.Snapshot{}, err
	}
	c.checkpoint(meta.ID)

	c.logger.WithSession(meta.ID).Info("session created", "objective_len", len(meta.Objective))
	c.ensureRunner(meta.ID)
	return c.machine.Get(meta.ID)
}

// Pause holds a session at its next checkpoint.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	err := c.control(id, func() ([]contract.Message, error) {
		t, err := c.machine.Pause(id)
		if err != nil {
			return nil, err
		}
		return c.announce(t), nil
	})
	if err == nil {
		c.wake(id)
	}
	return err
}

// Resume continues a paused session, or restarts a failed one.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	err := c.control(id, func() ([]contract.Message, error) {
		t, err := c.machine.Resume(id)
		if err != nil {
			return nil, err
		}
		if t.From == machine.PhaseFailed {
			return c.restarted(t)
		}
		return c.announce(t), nil
	})
	if err == nil {
		c.ensureRunner(id)
	}
	return err
}

// Restart re-runs a failed session from research with an empty document.
func (c *Coordinator) Restart(ctx context.Context, id string) error {
	err := c.control(id, func() ([]contract.Message, error) {
		t, err := c.machine.Restart(id)
		if err != nil {
			return nil, err
		}
		return c.restarted(t)
	})
	if err == nil {
		c.ensureRunner(id)
	}
	return err
}

func (c *Coordinator) restarted(t machine.Transition) ([]contract.Message, error) {
	reset, err := c.docs.Reset(t.SessionID)
	if err != nil {
		return nil, err
	}
	return append([]contract.Message{reset}, c.announce(t)...), nil
}

// Intervene queues user guidance for the session and publishes it as a
// user_intervention message naming the stage that will read it.
func (c *Coordinator) Intervene(ctx context.Context, id, content string) error {
	return c.control(id, func() ([]contract.Message, error) {
		stageID, err := c.machine.Intervene(id, content)
		if err != nil {
			return nil, err
		}
		msg, err := contract.NewMessage(id, contract.KindUserIntervention, contract.UserIntervention{
			Content: content,
			Stage:   stageID,
		})
		if err != nil {
			return nil, err
		}
		return []contract.Message{msg}, nil
	})
}

// control runs a state change under the session's bus lock, checkpoints
// it and publishes the messages it returns.
func (c *Coordinator) control(id string, fn func() ([]contract.Message, error)) error {
	if _, err := c.machine.Phase(id); err != nil {
		return err
	}
	return c.router.Apply(id, func() ([]contract.Message, error) {
		msgs, err := fn()
		if err != nil {
			return nil, err
		}
		c.checkpoint(id)
		return msgs, nil
	})
}

// Status returns a snapshot of one session.
func (c *Coordinator) Status(id string) (machine.Snapshot, error) {
	return c.machine.Get(id)
}

// List returns every live session ordered by creation time.
func (c *Coordinator) List() []machine.Snapshot {
	return c.machine.List()
}

// Document returns the session's current document, or the given version.
func (c *Coordinator) Document(id string, version *uint64) (contract.Document, error) {
	if _, err := c.machine.Phase(id); err != nil {
		return contract.Document{}, err
	}
	if version == nil {
		return c.docs.Snapshot(id)
	}
	return c.docs.SnapshotAt(id, *version)
}

// Subscribe follows a session from offset since.
func (c *Coordinator) Subscribe(id, subscriberID string, since uint64) ([]contract.Message, *bus.Subscription, error) {
	if _, err := c.machine.Phase(id); err != nil {
		return nil, nil, err
	}
	return c.router.Subscribe(id, subscriberID, since)
}

// Unsubscribe ends a subscription.
func (c *Coordinator) Unsubscribe(sub *bus.Subscription) {
	c.router.Unsubscribe(sub)
}

// Attach implements transport.Backend.
func (c *Coordinator) Attach(id, subscriberID string, since uint64) (transport.Attachment, error) {
	phase, err := c.machine.Phase(id)
	if err != nil {
		return transport.Attachment{}, err
	}
	replay, sub, err := c.router.Subscribe(id, subscriberID, since)
	if err != nil {
		return transport.Attachment{}, err
	}
	return transport.Attachment{Phase: string(phase), Replay: replay, Sub: sub}, nil
}

// Detach implements transport.Backend.
func (c *Coordinator) Detach(sub *bus.Subscription) {
	c.router.Unsubscribe(sub)
}

// Head returns the offset of the session's latest message.
func (c *Coordinator) Head(id string) uint64 {
	return c.router.Head(id)
}

// gate applies stage results to the state machine. A refused result is
// dropped by the bus and never reaches subscribers.
func (c *Coordinator) gate(msg contract.Message) ([]contract.Message, error) {
	res, err := msg.Result()
	if err != nil {
		return nil, err
	}
	if res.SessionID == "" {
		res.SessionID = msg.SessionID
	}
	t, err := c.machine.Advance(res)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithSession(res.SessionID).WithStage(string(res.Stage))
	if err := c.store.AppendResult(res); err != nil {
		log.Error("persist stage result failed", "error", err)
	}
	c.checkpoint(res.SessionID)

	switch {
	case t.Retry:
		var reason string
		if res.Failure != nil {
			reason = res.Failure.Message
		}
		log.Info("stage will be retried", "attempt", t.Attempt, "error", reason)
	case t.To == machine.PhaseFailed:
		log.Warn("session failed", "attempt", t.Attempt, "error", t.Failure.Message)
	case t.To == machine.PhaseCompleted:
		log.Info("session completed")
	}
	return c.announce(t), nil
}

// announce renders a phase change as a workflow_status message.
func (c *Coordinator) announce(t machine.Transition) []contract.Message {
	if !t.Changed() {
		return nil
	}
	msg, err := contract.NewMessage(t.SessionID, contract.KindWorkflowStatus, t.Status())
	if err != nil {
		c.logger.WithSession(t.SessionID).Error("encode workflow status failed", "error", err)
		return nil
	}
	return []contract.Message{msg}
}

func (c *Coordinator) checkpoint(id string) {
	cp, err := c.machine.Checkpoint(id)
	if err != nil {
		return
	}
	if err := c.store.SaveCheckpoint(cp); err != nil {
		c.logger.WithSession(id).Error("persist checkpoint failed", "error", err)
	}
}
