package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Iron-Ham/autowriter/internal/errors"
)

// Payload is the typed output of a stage.
type Payload interface {
	Stage() StageID
	Validate() error
}

// SectionSource is implemented by payloads that contribute sections to the
// session's document.
type SectionSource interface {
	Sections() []Section
}

// Section is one titled block of the assembled document.
type Section struct {
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
	TaskID  int    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
}

func schemaError(field string, value any, format string, args ...any) error {
	return errors.NewValidationError(fmt.Sprintf(format, args...)).
		WithField(field).
		WithValue(value).
		WithCause(errors.ErrSchemaValidation)
}

// ResearchBrief is the research stage output.
type ResearchBrief struct {
	Brief       string   `json:"brief"`
	KeyFindings []string `json:"key_findings,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

func (ResearchBrief) Stage() StageID { return StageResearch }

// Validate checks the brief is present.
func (r ResearchBrief) Validate() error {
	if strings.TrimSpace(r.Brief) == "" {
		return schemaError("brief", r.Brief, "research brief is empty")
	}
	return nil
}

// SectionOutline is one planned section of the document.
type SectionOutline struct {
	SectionTitle      string `json:"section_title"`
	DescriptionPrompt string `json:"description_prompt"`
}

// StructurePlan is the structure stage output.
type StructurePlan struct {
	Title    string           `json:"title"`
	Sections []SectionOutline `json:"sections"`
}

func (StructurePlan) Stage() StageID { return StageStructure }

// Validate checks the plan has a title and uniquely titled sections.
func (p StructurePlan) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return schemaError("title", p.Title, "structure plan has no title")
	}
	if len(p.Sections) == 0 {
		return schemaError("sections", len(p.Sections), "structure plan has no sections")
	}
	seen := make(map[string]bool, len(p.Sections))
	for i, s := range p.Sections {
		title := strings.TrimSpace(s.SectionTitle)
		if title == "" {
			return schemaError(fmt.Sprintf("sections[%d].section_title", i), s.SectionTitle, "section title is empty")
		}
		if seen[title] {
			return schemaError(fmt.Sprintf("sections[%d].section_title", i), s.SectionTitle, "duplicate section title")
		}
		seen[title] = true
	}
	return nil
}

// Task is one writing instruction produced by planning.
type Task struct {
	TaskID       int      `json:"task_id"`
	SectionTitle string   `json:"section_title"`
	Instruction  string   `json:"instruction"`
	MetricIDs    []string `json:"metric_ids,omitempty"`
}

// TaskList is the planning stage output.
type TaskList struct {
	Tasks []Task `json:"tasks"`
}

func (TaskList) Stage() StageID { return StagePlanning }

// Validate checks there is at least one task, ids are positive and unique,
// and every task names a section and an instruction.
func (l TaskList) Validate() error {
	if len(l.Tasks) == 0 {
		return schemaError("tasks", 0, "task list is empty")
	}
	seen := make(map[int]bool, len(l.Tasks))
	for i, t := range l.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if t.TaskID <= 0 {
			return schemaError(field+".task_id", t.TaskID, "task id must be positive")
		}
		if seen[t.TaskID] {
			return schemaError(field+".task_id", t.TaskID, "duplicate task id")
		}
		seen[t.TaskID] = true
		if strings.TrimSpace(t.SectionTitle) == "" {
			return schemaError(field+".section_title", t.SectionTitle, "task has no section title")
		}
		if strings.TrimSpace(t.Instruction) == "" {
			return schemaError(field+".instruction", t.Instruction, "task has no instruction")
		}
	}
	return nil
}

// SectionDraft is the written content for one task.
type SectionDraft struct {
	TaskID       int    `json:"task_id"`
	SectionTitle string `json:"section_title"`
	Content      string `json:"content"`
}

// SectionDrafts is the drafting stage output, ordered by task list order.
type SectionDrafts struct {
	Drafts []SectionDraft `json:"drafts"`
}

func (SectionDrafts) Stage() StageID { return StageDrafting }

// Validate checks every draft has content.
func (d SectionDrafts) Validate() error {
	if len(d.Drafts) == 0 {
		return schemaError("drafts", 0, "no section drafts")
	}
	for i, s := range d.Drafts {
		if strings.TrimSpace(s.Content) == "" {
			return schemaError(fmt.Sprintf("drafts[%d].content", i), s.TaskID, "section draft is empty")
		}
	}
	return nil
}

// Sections returns the drafts as document sections in order.
func (d SectionDrafts) Sections() []Section {
	out := make([]Section, len(d.Drafts))
	for i, s := range d.Drafts {
		out[i] = Section{Title: s.SectionTitle, Content: s.Content, TaskID: s.TaskID}
	}
	return out
}

// NewPayload returns an empty payload value for stage.
func NewPayload(stage StageID) (Payload, error) {
	switch stage {
	case StageResearch:
		return &ResearchBrief{}, nil
	case StageStructure:
		return &StructurePlan{}, nil
	case StagePlanning:
		return &TaskList{}, nil
	case StageDrafting:
		return &SectionDrafts{}, nil
	}
	return nil, errors.NewValidationError("unknown stage").WithField("stage").WithValue(string(stage))
}

// DecodePayload decodes raw into the payload type of stage and validates
// it. Unknown fields are tolerated; missing required fields are not.
func DecodePayload(stage StageID, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.NewValidationError("payload does not match stage schema").
			WithField(string(stage)).
			WithCause(errors.Join(errors.ErrSchemaValidation, err))
	}
	p = deref(p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// deref turns the pointer returned by NewPayload into the value type so
// that payloads compare and type-switch as values everywhere else.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ResearchBrief:
		return *v
	case *StructurePlan:
		return *v
	case *TaskList:
		return *v
	case *SectionDrafts:
		return *v
	}
	return p
}
