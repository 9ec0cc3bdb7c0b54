package machine

import "github.com/Iron-Ham/autowriter/internal/contract"

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseCreated     Phase = "created"
	PhaseResearching Phase = "researching"
	PhaseStructuring Phase = "structuring"
	PhasePlanning    Phase = "planning"
	PhaseDrafting    Phase = "drafting"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhasePaused      Phase = "paused"
)

var stagePhases = map[contract.StageID]Phase{
	contract.StageResearch:  PhaseResearching,
	contract.StageStructure: PhaseStructuring,
	contract.StagePlanning:  PhasePlanning,
	contract.StageDrafting:  PhaseDrafting,
}

var phaseProgress = map[Phase]int{
	PhaseCreated:     0,
	PhaseResearching: 10,
	PhaseStructuring: 35,
	PhasePlanning:    55,
	PhaseDrafting:    75,
	PhaseCompleted:   100,
}

// IsTerminal reports whether no further stage will run without a manual
// restart.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Stage returns the stage that runs in an active phase.
func (p Phase) Stage() (contract.StageID, bool) {
	for s, ph := range stagePhases {
		if ph == p {
			return s, true
		}
	}
	return "", false
}

// PhaseOf returns the phase in which stage runs.
func PhaseOf(stage contract.StageID) Phase {
	return stagePhases[stage]
}

// Progress is a coarse completion percentage for status reporting.
func (p Phase) Progress() int {
	return phaseProgress[p]
}

// next returns the phase that follows a successful stage.
func next(stage contract.StageID) Phase {
	stages := contract.Stages()
	i := stage.Index()
	if i < 0 || i == len(stages)-1 {
		return PhaseCompleted
	}
	return stagePhases[stages[i+1]]
}
