package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/toolsession"
)

const enrichToolName = "emit_artifact_metadata"

// turnEnricher implements artifacts.Enricher (§4.6's async enrichment) over
// one turn's summarizer model, resolved once and reused for every artifact
// extracted during the turn.
type turnEnricher struct {
	agent *Agent
	sa    *domain.SubAgent
}

// summarizerEnricher binds an artifacts.Enricher to sa for the duration of
// one Generate call.
func (a *Agent) summarizerEnricher(sa *domain.SubAgent) *turnEnricher {
	return &turnEnricher{agent: a, sa: sa}
}

// Enrich calls the summarizer model, forced to emit {name, description} via
// a single tool call, producing the short name/description §4.6 persists
// alongside the artifact. On any failure it falls back to deterministic
// ids-derived metadata so persistence is never blocked.
func (e *turnEnricher) Enrich(ctx context.Context, artifact *domain.Artifact, toolResult toolsession.Result) (string, string, error) {
	if e.sa == nil || e.sa.Models.Summarizer == "" {
		return fallbackMetadata(artifact)
	}
	client, modelID, err := e.agent.deps.Models.Resolve(ctx, e.sa.Models.Summarizer)
	if err != nil {
		return fallbackMetadata(artifact)
	}

	prompt := fmt.Sprintf(
		"Summarize the artifact of type %q produced by tool %q. Respond with a name (<=%d chars) and a description (<=%d chars).\n\nArtifact summary: %v\nTool result: %v",
		artifact.Type, toolResult.ToolName, nameMaxLenForPrompt, descriptionMaxLenForPrompt, artifact.Summary, toolResult.Result,
	)
	schema := map[string]any{
		"type":     "object",
		"required": []string{"name", "description"},
		"properties": map[string]any{
			"name":        map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
		},
	}
	req := &model.Request{
		Model:    modelID,
		Messages: []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}}},
		Tools: []*model.ToolDefinition{{
			Name:        enrichToolName,
			Description: "Emit the artifact's short name and description.",
			InputSchema: schema,
		}},
		ToolChoice: &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: enrichToolName},
	}

	resp, err := client.Complete(ctx, req)
	if err != nil || len(resp.ToolCalls) == 0 {
		return fallbackMetadata(artifact)
	}
	var out struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(resp.ToolCalls[0].Payload, &out); err != nil {
		return fallbackMetadata(artifact)
	}
	return truncate(out.Name, nameMaxLenForPrompt), truncate(out.Description, descriptionMaxLenForPrompt), nil
}

const (
	nameMaxLenForPrompt        = 50
	descriptionMaxLenForPrompt = 150
)

func fallbackMetadata(artifact *domain.Artifact) (string, string, error) {
	return fmt.Sprintf("%s artifact", artifact.Type), fmt.Sprintf("Artifact %s (%s)", artifact.ArtifactID, artifact.Type), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
