package agent

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/artifacts"
	"goa.design/agentcore/runtime/contextresolver"
	"goa.design/agentcore/runtime/credentials"
	"goa.design/agentcore/runtime/streamparser"
	"goa.design/agentcore/runtime/toolregistry"
)

// Generate runs the full §4.9 two-phase generation for one turn: it
// resolves the sub-agent's models, context, and tools, builds the planning
// and structured system prompts, runs Phase 1, short-circuits on transfer,
// otherwise runs Phase 2, and records the agent_generate event.
func (a *Agent) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	sa, err := a.deps.Repo.GetSubAgent(ctx, req.TenantID, req.ProjectID, req.SubAgentID)
	if err != nil {
		return nil, errs.Internal("agent: loading sub-agent", err)
	}
	if sa == nil {
		return nil, errs.NotFound(fmt.Sprintf("sub-agent %q not found", req.SubAgentID))
	}

	baseClient, baseModel, err := a.resolveModel(ctx, sa.Models.Base)
	if err != nil {
		return nil, err
	}

	resolvedContext, err := a.deps.Context.Resolve(ctx, req.TenantID, req.ProjectID, req.ConversationID, sa.ContextConfigID, contextresolver.Options{})
	if err != nil {
		return nil, errs.Internal("agent: resolving context config", err)
	}
	renderedPrompt := renderPrompt(sa.Prompt, resolvedContext)

	relations, err := a.deps.Repo.GetRelatedAgents(ctx, req.TenantID, req.ProjectID, sa.ID)
	if err != nil {
		return nil, errs.Internal("agent: loading related agents", err)
	}
	remoteTools, err := a.deps.Repo.GetToolsForSubAgent(ctx, req.TenantID, req.ProjectID, sa.ID)
	if err != nil {
		return nil, errs.Internal("agent: loading remote tools", err)
	}
	functionTools, err := a.deps.Repo.GetFunctionToolsForSubAgent(ctx, req.TenantID, req.ProjectID, sa.ID)
	if err != nil {
		return nil, errs.Internal("agent: loading function tools", err)
	}

	credParams := credentials.Params{TenantID: req.TenantID, ProjectID: req.ProjectID, ResolvedContext: resolvedContext}
	tools, err := a.deps.Tools.BuildSet(
		ctx,
		toolregistry.Params{TenantID: req.TenantID, ProjectID: req.ProjectID, TaskID: req.TaskID, CredentialCtx: credParams},
		remoteTools, functionTools, relations, a.deps.Credentials, true, len(sa.ArtifactComponents) > 0,
	)
	if err != nil {
		return nil, errs.Internal("agent: building tool set", err)
	}

	a.deps.ToolSess.Ensure(req.StreamRequestID, req.TenantID, req.ProjectID, req.ContextID, req.TaskID)

	history, scopedArts, err := a.loadHistory(ctx, req, sa)
	if err != nil {
		return nil, errs.Internal("agent: loading conversation history", err)
	}

	structured := len(sa.DataComponents) > 0
	planningPrompt := buildPlanningPrompt(renderedPrompt, tools, scopedArts, sa, structured, req.RelationNotes)
	structuredPrompt := buildStructuredPrompt(renderedPrompt, scopedArts, sa)

	baseMessages := []*model.Message{}
	if history != "" {
		baseMessages = append(baseMessages, &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: history}}})
	}
	baseMessages = append(baseMessages, &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: req.UserMessage}}})

	extractor := artifacts.New(req.StreamRequestID, req.TaskID, a.deps.ToolSess, a.deps.Repo, a.summarizerEnricher(sa), sessionEventRecorder{req.Session}, sa.ArtifactComponents, a.logf)
	defer extractor.End()

	streamingEnabled := req.TextEmit != nil && !req.IsDelegation

	p1, err := a.runPhase1(
		ctx, req, sa, baseClient, baseModel, planningPrompt, baseMessages, tools,
		func(text string) []streamparser.Part { return extractor.ExtractText(ctx, text) },
		structured, streamingEnabled,
	)
	if err != nil {
		req.Session.RecordEvent(ctx, agentsession.EventError, map[string]any{"error": err.Error()})
		return nil, err
	}

	if p1.Transfer != nil {
		req.Session.RecordEvent(ctx, agentsession.EventTransfer, map[string]any{
			"targetSubAgentId": p1.Transfer.TargetSubAgentID, "fromSubAgentId": p1.Transfer.FromSubAgentID,
		})
		result := &GenerateResult{
			Parts: []streamparser.Part{{Kind: streamparser.PartData, Data: map[string]any{
				"type":               "transfer",
				"target_subagent_id": p1.Transfer.TargetSubAgentID,
				"task_id":            req.TaskID,
				"reason":             p1.Transfer.Reason,
				"original_message":   p1.Transfer.OriginalMessage,
			}}},
			GenerationType: GenerationTypeText,
			Transfer:       p1.Transfer,
		}
		req.Session.RecordEvent(ctx, agentsession.EventAgentGenerate, map[string]any{"generationType": result.GenerationType})
		return result, nil
	}

	parts := append([]streamparser.Part(nil), p1.Parts...)
	generationType := GenerationTypeText

	if structured {
		structClient, structModel := baseClient, baseModel
		if sa.Models.StructuredOutput != "" {
			structClient, structModel, err = a.resolveModel(ctx, sa.Models.StructuredOutput)
			if err != nil {
				return nil, err
			}
		}
		p2, err := a.runPhase2(
			ctx, req, sa, structClient, structModel, structuredPrompt, baseMessages, p1,
			func(component map[string]any) []streamparser.Part { return extractor.ExtractStructured(ctx, component) },
			streamingEnabled,
		)
		if err != nil {
			req.Session.RecordEvent(ctx, agentsession.EventError, map[string]any{"error": err.Error()})
			return nil, err
		}
		parts = append(parts, p2...)
		generationType = GenerationTypeObject
	}

	req.Session.RecordEvent(ctx, agentsession.EventAgentGenerate, map[string]any{"generationType": generationType})
	return &GenerateResult{Parts: parts, GenerationType: generationType}, nil
}

// resolveModel resolves a model settings reference (e.g. "anthropic:claude-sonnet-4-5")
// to a client and model id, failing fast per §4.9 step 1 when ref is empty.
func (a *Agent) resolveModel(ctx context.Context, ref string) (model.Client, string, error) {
	if ref == "" {
		return nil, "", errs.BadRequest("agent: no base model configured for sub-agent")
	}
	client, modelID, err := a.deps.Models.Resolve(ctx, ref)
	if err != nil {
		return nil, "", errs.BadRequest(fmt.Sprintf("agent: resolving model %q: %v", ref, err))
	}
	return client, modelID, nil
}

func renderPrompt(body string, resolved map[string]any) string {
	if body == "" {
		return ""
	}
	tpl, err := template.New("prompt").Option("missingkey=default").Parse(body)
	if err != nil {
		return body
	}
	var b strings.Builder
	if err := tpl.Execute(&b, resolved); err != nil {
		return body
	}
	return b.String()
}

// buildPlanningPrompt assembles §4.9 step 5's Phase 1 system prompt: core
// prompt, tool catalog, scoped artifacts, data/artifact components, and a
// tool-calls-only directive when structured output is configured.
func buildPlanningPrompt(core string, tools toolregistry.Set, arts []*domain.Artifact, sa *domain.SubAgent, structured bool, relationNotes map[string]string) string {
	var b strings.Builder
	b.WriteString(core)
	b.WriteString("\n\n<tools>\n")
	for _, d := range tools {
		fmt.Fprintf(&b, "- %s: %s\n  input: %v\n", d.Name, d.Description, d.InputSchema)
	}
	b.WriteString("</tools>")

	if len(relationNotes) > 0 {
		b.WriteString("\n\n<related_agents>\n")
		for target, note := range relationNotes {
			fmt.Fprintf(&b, "- %s: %s\n", target, note)
		}
		b.WriteString("</related_agents>")
	}

	if list := formatArtifactList(arts); list != "" {
		b.WriteString("\n\n")
		b.WriteString(list)
	}

	if len(sa.DataComponents) > 0 {
		b.WriteString("\n\n<data_components>\n")
		for _, dc := range sa.DataComponents {
			fmt.Fprintf(&b, "- %s\n", dc.Name)
		}
		b.WriteString("</data_components>")
	}
	if len(sa.ArtifactComponents) > 0 {
		b.WriteString("\n\n<artifact_components>\n")
		for _, ac := range sa.ArtifactComponents {
			fmt.Fprintf(&b, "- ArtifactCreate_%s\n", ac.Type)
		}
		b.WriteString("</artifact_components>")
	}

	if structured {
		b.WriteString("\n\nRespond only via tool calls; never emit prose. Terminate your final step with thinking_complete.")
	}
	return b.String()
}

// buildStructuredPrompt assembles §4.9 step 5's Phase 2 system prompt: core
// prompt + data/artifact schemas + scoped artifacts. No tool catalog.
func buildStructuredPrompt(core string, arts []*domain.Artifact, sa *domain.SubAgent) string {
	var b strings.Builder
	b.WriteString(core)
	if list := formatArtifactList(arts); list != "" {
		b.WriteString("\n\n")
		b.WriteString(list)
	}
	b.WriteString("\n\nEmit the turn's response as a single call to ")
	b.WriteString(structuredToolName)
	b.WriteString(" carrying the dataComponents array.")
	return b.String()
}

func (a *Agent) logf(format string, args ...any) {
	a.deps.Log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

// sessionEventRecorder adapts agentsession.Session to artifacts.EventRecorder.
type sessionEventRecorder struct{ s *agentsession.Session }

func (s sessionEventRecorder) RecordArtifactSaved(artifactID, toolCallID string, pending bool) {
	s.s.RecordEvent(context.Background(), agentsession.EventArtifactSaved, map[string]any{
		"artifactId": artifactID, "toolCallId": toolCallID, "pending": pending,
	})
}
