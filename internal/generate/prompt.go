package generate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/Iron-Ham/autowriter/internal/contract"
)

// Prompt is a rendered system and user prompt pair.
type Prompt struct {
	System string
	User   string
}

const systemPrompt = `You are one stage of a document-writing pipeline. Respond with a single JSON value matching the schema you are given. Do not add commentary outside the JSON.`

const researchTemplate = `## Objective

{{.Objective}}
{{if .ReferenceMaterial}}
## Reference Material

{{.ReferenceMaterial}}
{{end}}{{template "interventions" .Interventions}}
## Task

Research the objective. Summarize what a writer needs to know in a brief, list the key findings and name the sources you relied on.

## Output Schema

{"brief": "string", "key_findings": ["string"], "sources": ["string"]}
`

const structureTemplate = `## Objective

{{.Objective}}

## Research Brief

{{.Research.Brief}}
{{range .Research.KeyFindings}}- {{.}}
{{end}}{{template "interventions" .Interventions}}
## Task

Design the structure of the document: give it a title and an ordered list of uniquely titled sections, each with a prompt describing what the section should cover.

## Output Schema

{"title": "string", "sections": [{"section_title": "string", "description_prompt": "string"}]}
`

const planningTemplate = `## Objective

{{.Objective}}

## Document Structure

Title: {{.Structure.Title}}
{{range .Structure.Sections}}- {{.SectionTitle}}: {{.DescriptionPrompt}}
{{end}}{{template "interventions" .Interventions}}
## Task

Turn the structure into writing tasks, one per section, in document order. Task ids are positive integers starting at 1.

## Output Schema

{"tasks": [{"task_id": 1, "section_title": "string", "instruction": "string", "metric_ids": ["string"]}]}
`

const draftingTemplate = `## Objective

{{.Objective}}

## Document

Title: {{.Title}}

Research brief: {{.Brief}}
{{if .WrittenSections}}
Sections already written: {{join .WrittenSections ", "}}
{{end}}{{template "interventions" .Interventions}}
## Task

Write the section "{{.Task.SectionTitle}}" (task {{.Task.TaskID}}).

{{.Task.Instruction}}

## Output Schema

{"content": "markdown text of the section"}
`

const interventionsTemplate = `{{define "interventions"}}{{if .}}
## User Guidance

{{range .}}- {{.}}
{{end}}{{end}}{{end}}`

var templates = func() map[contract.StageID]*template.Template {
	funcs := template.FuncMap{"join": strings.Join}
	parse := func(name, text string) *template.Template {
		t := template.Must(template.New(name).Funcs(funcs).Parse(interventionsTemplate))
		return template.Must(t.Parse(text))
	}
	return map[contract.StageID]*template.Template{
		contract.StageResearch:  parse("research", researchTemplate),
		contract.StageStructure: parse("structure", structureTemplate),
		contract.StagePlanning:  parse("planning", planningTemplate),
		contract.StageDrafting:  parse("drafting", draftingTemplate),
	}
}()

// inputFor returns the input type a stage's prompt is rendered from. The
// drafting prompt covers a single task.
func inputFor(stage contract.StageID) (any, error) {
	switch stage {
	case contract.StageResearch:
		return &contract.ResearchInput{}, nil
	case contract.StageStructure:
		return &contract.StructureInput{}, nil
	case contract.StagePlanning:
		return &contract.PlanningInput{}, nil
	case contract.StageDrafting:
		return &contract.DraftTaskInput{}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// BuildPrompt renders the prompt for one generation call of stage.
func BuildPrompt(stage contract.StageID, input json.RawMessage) (Prompt, error) {
	data, err := inputFor(stage)
	if err != nil {
		return Prompt{}, err
	}
	if err := json.Unmarshal(input, data); err != nil {
		return Prompt{}, fmt.Errorf("decode %s input: %w", stage, err)
	}

	var buf bytes.Buffer
	if err := templates[stage].Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("render %s prompt: %w", stage, err)
	}
	return Prompt{System: systemPrompt, User: buf.String()}, nil
}
