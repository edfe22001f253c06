package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agentsession"
)

const emitStatusUpdateToolName = "emit_status_update"

// statusGenerator implements agentsession.Generator (§4.8 step 3) over a
// summarizer model, resolved per call from settings.Summarizer the same way
// turnEnricher resolves models.summarizer for artifact enrichment.
type statusGenerator struct {
	models ModelResolver
}

// NewStatusGenerator constructs the production agentsession.Generator: it
// forces the summarizer model to emit a single value from the strict union
// {no_relevant_updates} ∪ one branch per configured StatusComponent, and
// translates a non-empty, non-no_relevant_updates result into a StatusBranch.
func NewStatusGenerator(models ModelResolver) agentsession.Generator {
	return &statusGenerator{models: models}
}

func (g *statusGenerator) Generate(ctx context.Context, events []agentsession.Event, history string, priorSummaries []string, settings agentsession.Settings) ([]agentsession.StatusBranch, error) {
	if settings.Summarizer == "" || len(settings.StatusComponents) == 0 {
		return nil, nil
	}
	client, modelID, err := g.models.Resolve(ctx, settings.Summarizer)
	if err != nil {
		return nil, fmt.Errorf("statusgen: resolving summarizer model: %w", err)
	}

	schema := buildStatusUnionSchema(settings.StatusComponents)
	prompt := statusPrompt(events, history, priorSummaries, settings.Prompt)
	req := &model.Request{
		Model:    modelID,
		Messages: []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}}},
		Tools: []*model.ToolDefinition{{
			Name:        emitStatusUpdateToolName,
			Description: "Emit the turn's status update, or no_relevant_updates if nothing worth surfacing happened.",
			InputSchema: schema,
		}},
		ToolChoice: &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: emitStatusUpdateToolName},
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("statusgen: summarizer call failed: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		return nil, nil
	}

	var out struct {
		Type    string         `json:"type"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(resp.ToolCalls[0].Payload, &out); err != nil {
		return nil, fmt.Errorf("statusgen: decoding summarizer payload: %w", err)
	}
	if out.Type == "" || out.Type == "no_relevant_updates" {
		return nil, nil
	}

	label := out.Type
	for _, sc := range settings.StatusComponents {
		if sc.Name == out.Type {
			label = sc.Label
			break
		}
	}
	return []agentsession.StatusBranch{{Type: out.Type, Label: label, Details: out.Details}}, nil
}

// buildStatusUnionSchema builds the strict union §4.8 step 3 requires: a
// no_relevant_updates branch plus one discriminated branch per configured
// StatusComponent, each with an optional "details" shape translated from the
// component's declared JSON Schema.
func buildStatusUnionSchema(components []agentsession.StatusComponent) map[string]any {
	branches := []map[string]any{{
		"type":       "object",
		"required":   []string{"type"},
		"properties": map[string]any{"type": map[string]any{"const": "no_relevant_updates"}},
	}}
	for _, sc := range components {
		props := map[string]any{"type": map[string]any{"const": sc.Name}}
		if sc.Detail != nil {
			props["details"] = sc.Detail
		}
		branches = append(branches, map[string]any{
			"type":       "object",
			"required":   []string{"type"},
			"properties": props,
		})
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"type"},
		"oneOf":    branches,
	}
}

func statusPrompt(events []agentsession.Event, history string, priorSummaries []string, extra string) string {
	var b strings.Builder
	b.WriteString("Summarize the turn's recent progress as a single status update, or no_relevant_updates if nothing worth surfacing happened.\n\n")
	if extra != "" {
		b.WriteString(extra)
		b.WriteString("\n\n")
	}
	if history != "" {
		b.WriteString("Conversation history:\n")
		b.WriteString(history)
		b.WriteString("\n\n")
	}
	if len(priorSummaries) > 0 {
		b.WriteString("Already-reported summaries (do not repeat these):\n")
		for _, s := range priorSummaries {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("New events since the last update:\n")
	for _, e := range events {
		b.WriteString(fmt.Sprintf("- %s: %v\n", e.Kind, e.Data))
	}
	return b.String()
}
