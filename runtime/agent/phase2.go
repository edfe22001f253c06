package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/transcript"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/streamparser"
)

// structuredToolName is the synthetic single-tool Phase 2 is forced to call;
// its input schema is the dataComponents union built from the sub-agent's
// DataComponents/ArtifactComponents.
const structuredToolName = "emit_structured_output"

// runPhase2 drives §4.9's structured-output generation: it seeds the
// reasoning flow from Phase 1's tool calls/results, forces the model to call
// structuredToolName, and routes the resulting dataComponents entries
// through extract (ArtifactCreate_* entries) or straight into data parts.
func (a *Agent) runPhase2(
	ctx context.Context,
	req GenerateRequest,
	sa *domain.SubAgent,
	client model.Client,
	modelID string,
	systemPrompt string,
	baseMessages []*model.Message,
	phase1 *phase1Result,
	extract func(component map[string]any) []streamparser.Part,
	streamingEnabled bool,
) ([]streamparser.Part, error) {
	schema := buildDataComponentUnionSchema(sa.DataComponents, sa.ArtifactComponents)
	toolDef := &model.ToolDefinition{
		Name:        structuredToolName,
		Description: "Emit the turn's structured response as an array of dataComponents.",
		InputSchema: schema,
	}

	messages := append([]*model.Message(nil), baseMessages...)
	messages = append(messages, transcript.BuildReasoningFlow(phase1.Calls, phase1.Results)...)

	timeout := phaseTimeout(sa, false)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	all := append([]*model.Message{system(systemPrompt)}, messages...)
	areq := &model.Request{
		Model:      modelID,
		Messages:   all,
		Tools:      []*model.ToolDefinition{toolDef},
		ToolChoice: &model.ToolChoice{Mode: model.ToolChoiceModeTool, Name: structuredToolName},
		Stream:     streamingEnabled,
	}

	var parts []streamparser.Part
	if streamingEnabled {
		p, err := a.streamPhase2(stepCtx, client, areq, req, extract)
		if err != nil {
			return nil, err
		}
		parts = p
	} else {
		resp, err := client.Complete(stepCtx, areq)
		if err != nil {
			return nil, classifyModelError(stepCtx, err)
		}
		p, err := decodeStructuredCall(resp, extract)
		if err != nil {
			return nil, fmt.Errorf("phase2: %w", err)
		}
		parts = p
	}

	req.Session.RecordEvent(ctx, agentsession.EventAgentReasoning, map[string]any{"phase": "structured_output"})
	return parts, nil
}

func (a *Agent) streamPhase2(ctx context.Context, client model.Client, areq *model.Request, req GenerateRequest, extract func(map[string]any) []streamparser.Part) ([]streamparser.Part, error) {
	strm, err := client.Stream(ctx, areq)
	if err != nil {
		return nil, classifyModelError(ctx, err)
	}
	defer strm.Close()

	adapter := streamparser.NewObjectAdapter()
	var parts []streamparser.Part
	for {
		chunk, err := strm.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, classifyModelError(ctx, err)
		}
		switch chunk.Type {
		case model.ChunkTypeToolCallDelta:
			if chunk.ToolCallDelta == nil {
				continue
			}
			newParts := adapter.Feed(chunk.ToolCallDelta.Delta, extract)
			parts = append(parts, newParts...)
			if req.TextEmit != nil {
				for _, p := range newParts {
					req.TextEmit(p)
				}
			}
		case model.ChunkTypeStop:
			// The final ChunkTypeToolCall (if emitted) carries the same
			// payload the deltas already stabilized; nothing further to do.
		}
	}
	return parts, nil
}

// decodeStructuredCall parses the non-streaming structured tool call's
// complete payload and routes each dataComponents entry through extract.
func decodeStructuredCall(resp *model.Response, extract func(map[string]any) []streamparser.Part) ([]streamparser.Part, error) {
	if len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("structured output call returned no tool call")
	}
	var payload struct {
		DataComponents []map[string]any `json:"dataComponents"`
	}
	if err := json.Unmarshal(resp.ToolCalls[0].Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding structured output payload: %w", err)
	}

	var parts []streamparser.Part
	for _, entry := range payload.DataComponents {
		typeName, _ := entry["type"].(string)
		if isArtifactEntry(typeName) {
			parts = append(parts, extract(entry)...)
			continue
		}
		parts = append(parts, streamparser.Part{Kind: streamparser.PartData, Data: entry})
	}
	return parts, nil
}

// isArtifactEntry reports whether a dataComponents entry's discriminator
// routes through the ArtifactExtractor: either an ArtifactCreate_<Type>
// creation branch or the Artifact reference branch.
func isArtifactEntry(typeName string) bool {
	return typeName == artifactReferenceType || hasPrefix(typeName, "ArtifactCreate_")
}

// artifactReferenceType is the "type" discriminator for the structured-mode
// equivalent of an inline <artifact:ref> directive.
const artifactReferenceType = "Artifact"

// buildDataComponentUnionSchema builds the {dataComponents: array<oneOf>}
// schema Phase 2's forced tool call is validated against: one branch per
// DataComponent (discriminated by a "type" const equal to its Name), plus
// (if ArtifactComponents exist) one ArtifactCreate_<Type> branch per
// ArtifactComponent and a single Artifact reference branch letting the model
// cite a previously created artifact instead of creating a new one.
func buildDataComponentUnionSchema(dataComponents []domain.DataComponent, artifactComponents []domain.ArtifactComponent) map[string]any {
	var branches []map[string]any
	for _, dc := range dataComponents {
		branches = append(branches, discriminatedBranch(dc.Name, dc.Schema))
	}
	for _, ac := range artifactComponents {
		branches = append(branches, artifactCreateBranch(ac))
	}
	if len(artifactComponents) > 0 {
		branches = append(branches, artifactReferenceBranch())
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"dataComponents"},
		"properties": map[string]any{
			"dataComponents": map[string]any{
				"type":  "array",
				"items": map[string]any{"oneOf": branches},
			},
		},
	}
}

func discriminatedBranch(name string, schema map[string]any) map[string]any {
	props := map[string]any{
		"type": map[string]any{"const": name},
	}
	for k, v := range schema {
		if k == "type" || k == "required" {
			continue
		}
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"required":   []string{"type"},
		"properties": props,
	}
}

// artifactCreateBranch mirrors the attributes artifacts.Extractor.ExtractStructured
// reads off a structured ArtifactCreate_<Type> entry: id, tool, base, and the
// summary/full selector maps.
func artifactCreateBranch(ac domain.ArtifactComponent) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"type", "id", "tool"},
		"properties": map[string]any{
			"type":    map[string]any{"const": fmt.Sprintf("ArtifactCreate_%s", ac.Type)},
			"id":      map[string]any{"type": "string"},
			"tool":    map[string]any{"type": "string"},
			"base":    map[string]any{"type": "string"},
			"summary": map[string]any{"type": "object"},
			"full":    map[string]any{"type": "object"},
		},
	}
}

// artifactReferenceBranch mirrors the attributes artifacts.Extractor's ref
// lookup reads off a structured Artifact entry: the artifact id and the
// tool-call that originally created it. This is the structured-mode
// equivalent of an inline <artifact:ref id=".." tool=".."/> directive.
func artifactReferenceBranch() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"type", "id", "tool"},
		"properties": map[string]any{
			"type": map[string]any{"const": artifactReferenceType},
			"id":   map[string]any{"type": "string"},
			"tool": map[string]any{"type": "string"},
		},
	}
}
