package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Iron-Ham/autowriter/internal/contract"
)

// Mock produces deterministic, schema-valid output derived from the stage
// input. It makes the whole pipeline runnable without a provider account.
type Mock struct {
	latency time.Duration
}

// NewMock creates a Mock that waits latency before answering each call.
func NewMock(latency time.Duration) *Mock {
	return &Mock{latency: latency}
}

// Name implements Generator.
func (m *Mock) Name() string {
	return "mock"
}

// Invoke implements Generator.
func (m *Mock) Invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	in := gjson.ParseBytes(input)
	objective := in.Get("objective").String()

	var out any
	switch stage {
	case contract.StageResearch:
		findings := []string{"Scope: " + objective}
		for _, g := range in.Get("interventions").Array() {
			findings = append(findings, "Guidance: "+g.String())
		}
		out = contract.ResearchBrief{
			Brief:       fmt.Sprintf("Background research for %q.", objective),
			KeyFindings: findings,
			Sources:     []string{"reference material"},
		}
		// Fenced like real model output so the tolerant decoder is exercised.
		raw, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return "", err
		}
		return "Here is the research brief:\n\n```json\n" + string(raw) + "\n```\n", nil

	case contract.StageStructure:
		titles := []string{"Overview", "Findings", "Recommendations"}
		plan := contract.StructurePlan{Title: objective}
		for _, t := range titles {
			plan.Sections = append(plan.Sections, contract.SectionOutline{
				SectionTitle:      t,
				DescriptionPrompt: fmt.Sprintf("Cover the %s of %s.", strings.ToLower(t), objective),
			})
		}
		out = plan

	case contract.StagePlanning:
		var list contract.TaskList
		for i, s := range in.Get("structure.sections").Array() {
			list.Tasks = append(list.Tasks, contract.Task{
				TaskID:       i + 1,
				SectionTitle: s.Get("section_title").String(),
				Instruction:  s.Get("description_prompt").String(),
			})
		}
		out = list

	case contract.StageDrafting:
		title := in.Get("task.section_title").String()
		out = map[string]string{
			"content": fmt.Sprintf("%s\n\n%s", in.Get("task.instruction").String(),
				"This section of "+in.Get("title").String()+" covers "+strings.ToLower(title)+"."),
		}

	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
