// Package stage runs a single pipeline stage for a single session.
//
// The Executor wraps a text generator with everything a stage needs to be
// a well-behaved unit of work: a per-stage timeout, panic isolation, output
// decoding and validation, and publication of stage_started followed by
// exactly one stage_completed or stage_failed message. Any failure inside
// the stage becomes a failed StageResult with a failure class; only pause
// and coordinator shutdown end an invocation without a result.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
)

// Generator produces raw output text for one generation call.
type Generator interface {
	Invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error)
}

// Publisher accepts messages for the bus. A returned error means the
// message was dropped, usually because the session no longer expects it.
type Publisher interface {
	Publish(msg contract.Message) error
}

// Controls exposes the session controls a running stage observes at its
// checkpoints.
type Controls interface {
	IsPaused(sessionID string) bool
	TakeInterventions(sessionID string) []string
	// KeepDrafts hands over the sections a paused drafting invocation
	// finished, so the resumed invocation can start after them.
	KeepDrafts(sessionID string, sequence uint64, drafts []contract.SectionDraft)
}

// Config holds Executor dependencies.
type Config struct {
	Generator Generator
	Publisher Publisher
	Controls  Controls
	// Timeout bounds one stage invocation. Zero means no timeout.
	Timeout time.Duration
	Logger  *logging.Logger
	Now     func() time.Time
}

// Executor runs stage invocations.
type Executor struct {
	gen      Generator
	pub      Publisher
	controls Controls
	timeout  time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// New creates an Executor.
func New(cfg Config) *Executor {
	e := &Executor{
		gen:      cfg.Generator,
		pub:      cfg.Publisher,
		controls: cfg.Controls,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if e.logger == nil {
		e.logger = logging.NopLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Execute runs inv and publishes its outcome. It returns the published
// result. It returns ErrPaused if the session was paused at a checkpoint
// and the context error if ctx ended; in both cases nothing but
// stage_started has been published.
func (e *Executor) Execute(ctx context.Context, inv contract.StageInvocation) (contract.StageResult, error) {
	log := e.logger.WithSession(inv.SessionID).WithStage(string(inv.Stage)).
		With("attempt", inv.Attempt, "sequence", inv.Sequence)

	if e.paused(inv.SessionID) {
		return contract.StageResult{}, errors.ErrPaused
	}

	started, err := contract.NewMessage(inv.SessionID, contract.KindStageStarted, contract.StageStarted{
		Stage:    inv.Stage,
		Attempt:  inv.Attempt,
		Sequence: inv.Sequence,
	})
	if err != nil {
		return contract.StageResult{}, err
	}
	if err := e.pub.Publish(started); err != nil {
		log.Warn("stage_started not published", "error", err)
	}

	begin := e.now()
	payload, runErr := e.run(ctx, inv)

	switch {
	case errors.Is(runErr, errors.ErrPaused):
		log.Info("stage stopped at pause checkpoint")
		return contract.StageResult{}, errors.ErrPaused
	case ctx.Err() != nil:
		log.Info("stage abandoned", "error", ctx.Err())
		return contract.StageResult{}, ctx.Err()
	case e.paused(inv.SessionID):
		log.Info("stage outcome discarded, session paused")
		return contract.StageResult{}, errors.ErrPaused
	}

	var result contract.StageResult
	kind := contract.KindStageCompleted
	if runErr != nil {
		result = contract.Failed(inv, runErr, e.now())
		kind = contract.KindStageFailed
		log.Warn("stage failed",
			"class", result.Failure.Class,
			"error", runErr,
			"duration", e.now().Sub(begin).String())
	} else {
		result = contract.Succeeded(inv, payload, e.now())
		log.Info("stage completed", "duration", e.now().Sub(begin).String())
	}

	msg, err := contract.NewMessage(inv.SessionID, kind, result)
	if err != nil {
		return result, err
	}
	if err := e.pub.Publish(msg); err != nil {
		log.Debug("stage result dropped", "error", err)
	}
	return result, nil
}

func (e *Executor) paused(sessionID string) bool {
	return e.controls != nil && e.controls.IsPaused(sessionID)
}

// run produces the stage payload under the stage timeout, converting
// panics and deadline expiry into stage errors.
func (e *Executor) run(ctx context.Context, inv contract.StageInvocation) (payload contract.Payload, err error) {
	stageCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var catcher panics.Catcher
	catcher.Try(func() {
		if inv.Stage == contract.StageDrafting {
			payload, err = e.draft(stageCtx, inv)
			return
		}
		payload, err = e.single(stageCtx, inv)
	})
	if r := catcher.Recovered(); r != nil {
		return nil, errors.NewStageError(fmt.Sprintf("stage panicked: %v", r.Value), errors.ErrStagePanic).
			WithStage(string(inv.Stage)).WithAttempt(inv.Attempt)
	}

	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return nil, errors.NewStageError(fmt.Sprintf("exceeded %s timeout", e.timeout), errors.ErrStageTimeout).
			WithStage(string(inv.Stage)).WithAttempt(inv.Attempt)
	}
	return payload, err
}

// single runs a stage that is one generation call.
func (e *Executor) single(ctx context.Context, inv contract.StageInvocation) (contract.Payload, error) {
	text, err := e.invoke(ctx, inv.Stage, inv.Input)
	if err != nil {
		return nil, err
	}
	return contract.DecodeStageOutput(inv.Stage, text)
}

// draft writes one section per task, checking for pause and picking up new
// guidance between sections. Sections carried in the input from an earlier
// paused invocation are reused as written.
func (e *Executor) draft(ctx context.Context, inv contract.StageInvocation) (contract.Payload, error) {
	var in contract.DraftingInput
	if err := json.Unmarshal(inv.Input, &in); err != nil {
		return nil, errors.NewStageError("decode drafting input", err).WithClass(errors.ClassUpstream)
	}

	guidance := append([]string(nil), in.Interventions...)
	var drafts contract.SectionDrafts
	var written []string
	done := make(map[int]contract.SectionDraft, len(in.Completed))
	for _, d := range in.Completed {
		done[d.TaskID] = d
	}

	for _, task := range in.Tasks {
		if d, ok := done[task.TaskID]; ok {
			drafts.Drafts = append(drafts.Drafts, d)
			written = append(written, task.SectionTitle)
			continue
		}
		if e.paused(inv.SessionID) {
			if len(drafts.Drafts) > 0 {
				e.controls.KeepDrafts(inv.SessionID, inv.Sequence, drafts.Drafts)
			}
			return nil, errors.ErrPaused
		}
		if e.controls != nil {
			guidance = append(guidance, e.controls.TakeInterventions(inv.SessionID)...)
		}

		input, err := json.Marshal(contract.DraftTaskInput{
			Objective:       in.Objective,
			Brief:           in.Brief,
			Title:           in.Title,
			Task:            task,
			WrittenSections: written,
			Interventions:   guidance,
		})
		if err != nil {
			return nil, err
		}

		text, err := e.invoke(ctx, contract.StageDrafting, input)
		if err != nil {
			return nil, err
		}
		content, err := contract.DecodeDraftContent(text)
		if err != nil {
			return nil, err
		}

		drafts.Drafts = append(drafts.Drafts, contract.SectionDraft{
			TaskID:       task.TaskID,
			SectionTitle: task.SectionTitle,
			Content:      content,
		})
		written = append(written, task.SectionTitle)
	}

	if err := drafts.Validate(); err != nil {
		return nil, err
	}
	return drafts, nil
}

// invoke calls the generator and returns as soon as ctx ends, even if the
// generator itself ignores ctx. A panic in the generator is recovered on
// the calling goroutine's behalf.
func (e *Executor) invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error) {
	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)

	go func() {
		var r reply
		var catcher panics.Catcher
		catcher.Try(func() {
			r.text, r.err = e.gen.Invoke(ctx, stage, input)
		})
		if rec := catcher.Recovered(); rec != nil {
			r.err = errors.NewStageError(fmt.Sprintf("generator panicked: %v", rec.Value), errors.ErrStagePanic).
				WithStage(string(stage))
		}
		done <- r
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}
