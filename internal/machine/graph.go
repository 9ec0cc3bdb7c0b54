package machine

import (
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

// dependencies is the stage dependency table. A stage is runnable only
// when every stage it lists has an accepted ok result.
var dependencies = map[contract.StageID][]contract.StageID{
	contract.StageResearch:  nil,
	contract.StageStructure: {contract.StageResearch},
	contract.StagePlanning:  {contract.StageStructure},
	contract.StageDrafting:  {contract.StageResearch, contract.StageStructure, contract.StagePlanning},
}

// Dependencies returns the stages whose output stage consumes.
func Dependencies(stage contract.StageID) []contract.StageID {
	return append([]contract.StageID(nil), dependencies[stage]...)
}

// buildInput projects the fields stage needs out of the accepted upstream
// results. It fails with ErrDependencyMissing if any dependency has no ok
// result, which keeps a stage from ever running ahead of its inputs.
func buildInput(s *session, stage contract.StageID, interventions []string) (json.RawMessage, error) {
	for _, dep := range dependencies[stage] {
		if r, ok := s.results[dep]; !ok || !r.OK() || r.Payload == nil {
			return nil, errors.Wrapf(errors.ErrDependencyMissing, "%s needs %s", stage, dep)
		}
	}

	var input any
	switch stage {
	case contract.StageResearch:
		input = contract.ResearchInput{
			Objective:         s.meta.Objective,
			ReferenceMaterial: s.meta.ReferenceMaterial,
			Interventions:     interventions,
		}
	case contract.StageStructure:
		input = contract.StructureInput{
			Objective:     s.meta.Objective,
			Research:      s.results[contract.StageResearch].Payload.(contract.ResearchBrief),
			Interventions: interventions,
		}
	case contract.StagePlanning:
		input = contract.PlanningInput{
			Objective:     s.meta.Objective,
			Structure:     s.results[contract.StageStructure].Payload.(contract.StructurePlan),
			Interventions: interventions,
		}
	case contract.StageDrafting:
		input = contract.DraftingInput{
			Objective:     s.meta.Objective,
			Brief:         s.results[contract.StageResearch].Payload.(contract.ResearchBrief).Brief,
			Title:         s.results[contract.StageStructure].Payload.(contract.StructurePlan).Title,
			Tasks:         s.results[contract.StagePlanning].Payload.(contract.TaskList).Tasks,
			Interventions: interventions,
			Completed:     s.partial,
		}
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", stage, err)
	}
	return raw, nil
}
