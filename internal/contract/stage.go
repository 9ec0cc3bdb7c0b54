package contract

import "encoding/json"

// StageID names one of the fixed pipeline stages.
type StageID string

// Pipeline stages in execution order.
const (
	StageResearch  StageID = "research"
	StageStructure StageID = "structure"
	StagePlanning  StageID = "planning"
	StageDrafting  StageID = "drafting"
)

// Stages returns the pipeline stages in execution order.
func Stages() []StageID {
	return []StageID{StageResearch, StageStructure, StagePlanning, StageDrafting}
}

// Valid reports whether s is one of the pipeline stages.
func (s StageID) Valid() bool {
	switch s {
	case StageResearch, StageStructure, StagePlanning, StageDrafting:
		return true
	}
	return false
}

// Index returns the stage's position in the pipeline, or -1.
func (s StageID) Index() int {
	for i, st := range Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

// StageInvocation is a request to run one stage for one session. It is
// built by the state machine from the session's accumulated results and
// carries the sequence number the resulting StageResult must echo.
type StageInvocation struct {
	SessionID string          `json:"session_id"`
	Stage     StageID         `json:"stage"`
	Attempt   int             `json:"attempt"`
	Sequence  uint64          `json:"sequence"`
	Input     json.RawMessage `json:"input"`
}

// ResearchInput is the input of the research stage.
type ResearchInput struct {
	Objective         string   `json:"objective"`
	ReferenceMaterial string   `json:"reference_material,omitempty"`
	Interventions     []string `json:"interventions,omitempty"`
}

// StructureInput is the input of the structure stage.
type StructureInput struct {
	Objective     string        `json:"objective"`
	Research      ResearchBrief `json:"research"`
	Interventions []string      `json:"interventions,omitempty"`
}

// PlanningInput is the input of the planning stage.
type PlanningInput struct {
	Objective     string        `json:"objective"`
	Structure     StructurePlan `json:"structure"`
	Interventions []string      `json:"interventions,omitempty"`
}

// DraftingInput is the input of the drafting stage. It projects the
// fields drafting needs from every upstream stage.
type DraftingInput struct {
	Objective     string   `json:"objective"`
	Brief         string   `json:"brief"`
	Title         string   `json:"title"`
	Tasks         []Task   `json:"tasks"`
	Interventions []string `json:"interventions,omitempty"`
	// Completed holds sections written before the stage was paused.
	// Drafting resumes with the first task not among them.
	Completed []SectionDraft `json:"completed,omitempty"`
}

// DraftTaskInput is the input of a single drafting generation call. The
// drafting stage issues one call per task so it can stop between sections.
type DraftTaskInput struct {
	Objective       string   `json:"objective"`
	Brief           string   `json:"brief"`
	Title           string   `json:"title"`
	Task            Task     `json:"task"`
	WrittenSections []string `json:"written_sections,omitempty"`
	Interventions   []string `json:"interventions,omitempty"`
}
