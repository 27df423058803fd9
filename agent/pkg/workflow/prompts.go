package workflow

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/agent/pkg/workflow/prompts"
)

// Prompts contains the workflow prompts loaded from embedded files.
type Prompts struct {
	Scope        string // scope classification: is the question answerable with warehouse SQL
	QuestionType string // SUMMARY_QUESTION vs NEW_QUERY classification
	Generate     string // SQL generation with {{SCHEMA}} and {{HISTORY}} placeholders
	Summary      string // answer summary questions from history, with {{HISTORY}} placeholder
	Respond      string // render a query result into a natural-language answer
}

// LoadPrompts loads all workflow prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}
	var err error
	if p.Scope, err = loadPrompt("SCOPE.md"); err != nil {
		return nil, err
	}
	if p.QuestionType, err = loadPrompt("QUESTION_TYPE.md"); err != nil {
		return nil, err
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, err
	}
	if p.Summary, err = loadPrompt("SUMMARY.md"); err != nil {
		return nil, err
	}
	if p.Respond, err = loadPrompt("RESPOND.md"); err != nil {
		return nil, err
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// buildGeneratePrompt substitutes the schema and conversation history into
// the SQL generation prompt.
func (p *Prompts) buildGeneratePrompt(schema, history string) string {
	out := strings.ReplaceAll(p.Generate, "{{SCHEMA}}", schema)
	return strings.ReplaceAll(out, "{{HISTORY}}", history)
}

// buildSummaryPrompt substitutes the conversation history into the summary
// prompt.
func (p *Prompts) buildSummaryPrompt(history string) string {
	return strings.ReplaceAll(p.Summary, "{{HISTORY}}", history)
}
