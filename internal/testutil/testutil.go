// Package testutil provides testing utilities for autowriter tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/generate"
)

// Step is one scripted response of a ScriptedGenerator.
type Step func(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error)

// Reply returns text verbatim.
func Reply(text string) Step {
	return func(context.Context, contract.StageID, json.RawMessage) (string, error) {
		return text, nil
	}
}

// ReplyJSON returns v encoded as JSON.
func ReplyJSON(v any) Step {
	return func(context.Context, contract.StageID, json.RawMessage) (string, error) {
		raw, err := json.Marshal(v)
		return string(raw), err
	}
}

// Fail returns err.
func Fail(err error) Step {
	return func(context.Context, contract.StageID, json.RawMessage) (string, error) {
		return "", err
	}
}

// Hang blocks until the call's context is done, simulating a generation
// call that never returns on its own.
func Hang() Step {
	return func(ctx context.Context, _ contract.StageID, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// Panic panics with v.
func Panic(v any) Step {
	return func(context.Context, contract.StageID, json.RawMessage) (string, error) {
		panic(v)
	}
}

// Gate blocks until release is closed, then runs next.
func Gate(release <-chan struct{}, next Step) Step {
	return func(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return next(ctx, stage, input)
	}
}

// Call records one generation call.
type Call struct {
	Stage contract.StageID
	Input json.RawMessage
}

// ScriptedGenerator replays queued Steps per stage and falls back to the
// deterministic mock generator once a stage's script runs out.
type ScriptedGenerator struct {
	mu       sync.Mutex
	scripts  map[contract.StageID][]Step
	calls    []Call
	fallback generate.Generator
}

// NewScriptedGenerator creates a generator with empty scripts.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{
		scripts:  make(map[contract.StageID][]Step),
		fallback: generate.NewMock(0),
	}
}

// On queues steps for stage. Each call consumes one step.
func (g *ScriptedGenerator) On(stage contract.StageID, steps ...Step) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[stage] = append(g.scripts[stage], steps...)
	return g
}

// Name implements generate.Generator.
func (g *ScriptedGenerator) Name() string {
	return "scripted"
}

// Invoke implements generate.Generator.
func (g *ScriptedGenerator) Invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Stage: stage, Input: append(json.RawMessage(nil), input...)})
	var step Step
	if queue := g.scripts[stage]; len(queue) > 0 {
		step = queue[0]
		g.scripts[stage] = queue[1:]
	}
	g.mu.Unlock()

	if step == nil {
		return g.fallback.Invoke(ctx, stage, input)
	}
	return step(ctx, stage, input)
}

// Calls returns the recorded calls for stage, or every call if stage is
// empty.
func (g *ScriptedGenerator) Calls(stage contract.StageID) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Call
	for _, c := range g.calls {
		if stage == "" || c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// Brief returns a valid research payload.
func Brief() contract.ResearchBrief {
	return contract.ResearchBrief{
		Brief:       "Electric delivery vans cut operating cost per mile.",
		KeyFindings: []string{"charging is the bottleneck", "maintenance drops by a third"},
		Sources:     []string{"fleet telemetry"},
	}
}

// Plan returns a valid structure payload with three sections.
func Plan() contract.StructurePlan {
	return contract.StructurePlan{
		Title: "Fleet Electrification",
		Sections: []contract.SectionOutline{
			{SectionTitle: "Overview", DescriptionPrompt: "Summarize the opportunity."},
			{SectionTitle: "Costs", DescriptionPrompt: "Compare operating costs."},
			{SectionTitle: "Rollout", DescriptionPrompt: "Propose a rollout plan."},
		},
	}
}

// Tasks returns a valid planning payload matching Plan.
func Tasks() contract.TaskList {
	var list contract.TaskList
	for i, s := range Plan().Sections {
		list.Tasks = append(list.Tasks, contract.Task{
			TaskID:       i + 1,
			SectionTitle: s.SectionTitle,
			Instruction:  s.DescriptionPrompt,
		})
	}
	return list
}

// Drafts returns a valid drafting payload matching Tasks.
func Drafts() contract.SectionDrafts {
	var d contract.SectionDrafts
	for _, t := range Tasks().Tasks {
		d.Drafts = append(d.Drafts, contract.SectionDraft{
			TaskID:       t.TaskID,
			SectionTitle: t.SectionTitle,
			Content:      "Draft of " + t.SectionTitle + ".",
		})
	}
	return d
}

// PayloadFor returns the fixture payload of stage.
func PayloadFor(stage contract.StageID) contract.Payload {
	switch stage {
	case contract.StageResearch:
		return Brief()
	case contract.StageStructure:
		return Plan()
	case contract.StagePlanning:
		return Tasks()
	default:
		return Drafts()
	}
}

// OK builds a successful result for inv carrying the fixture payload.
func OK(inv contract.StageInvocation) contract.StageResult {
	return contract.Succeeded(inv, PayloadFor(inv.Stage), time.Now())
}

// Transient builds a retryable failed result for inv.
func Transient(inv contract.StageInvocation) contract.StageResult {
	return contract.StageResult{
		SessionID:   inv.SessionID,
		Stage:       inv.Stage,
		Status:      contract.StatusFailed,
		Failure:     &contract.Failure{Class: contract.FailureTransient, Message: "stage timed out"},
		Attempt:     inv.Attempt,
		Sequence:    inv.Sequence,
		CompletedAt: time.Now(),
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
