package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"goa.design/agentcore/runtime/a2a/types"
	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/streamparser"
)

// TaskHandler is the entry point A2AHandler calls into (C10). It derives the
// target sub-agent's configuration, enriches its relation descriptions,
// resolves the turn's effective contextId, and drives one Agent.Generate
// call to completion.
type TaskHandler struct {
	agent *Agent
}

// NewTaskHandler constructs a TaskHandler over agent.
func NewTaskHandler(agent *Agent) *TaskHandler {
	return &TaskHandler{agent: agent}
}

// taskIDPattern matches the task.id convention "task_<conversation>-<n>-…"
// TaskHandler falls back to when no explicit contextId is supplied.
var taskIDPattern = regexp.MustCompile(`^task_([^-]+)-`)

// Handle implements §4.10. tenantID/projectID scope the sub-agent lookup;
// textEmit is nil for blocking (non-streaming) calls.
func (h *TaskHandler) Handle(
	ctx context.Context,
	tenantID, projectID string,
	task types.A2ATask,
	sess *agentsession.Session,
	textEmit func(streamparser.Part),
) (*types.A2ATaskResult, error) {
	if task.SubAgentID == "" {
		return nil, errs.BadRequest("task: missing subAgentId")
	}

	isDelegation, _ := task.Metadata["isDelegation"].(bool)

	contextID := effectiveContextID(task)

	notes, err := h.relationNotes(ctx, tenantID, projectID, task.SubAgentID)
	if err != nil {
		return nil, err
	}

	userText := firstTextPart(task.Message)
	h.agent.deps.ToolSess.Ensure(task.ID, tenantID, projectID, contextID, task.ID)

	req := GenerateRequest{
		TenantID:        tenantID,
		ProjectID:       projectID,
		SubAgentID:      task.SubAgentID,
		ConversationID:  conversationIDFor(task, contextID),
		TaskID:          task.ID,
		StreamRequestID: task.ID,
		ContextID:       contextID,
		UserMessage:     userText,
		IsDelegation:    isDelegation,
		Session:         sess,
		TextEmit:        textEmit,
		RelationNotes:   notes,
	}

	result, err := h.agent.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &types.A2ATaskResult{TaskID: task.ID, Status: types.TaskStateCompleted}

	if result.Transfer != nil {
		out.Transfer = &types.TransferData{
			Type:             "transfer",
			TargetSubAgentID: result.Transfer.TargetSubAgentID,
			FromSubAgentID:   result.Transfer.FromSubAgentID,
			TaskID:           task.ID,
			Reason:           result.Transfer.Reason,
			OriginalMessage:  result.Transfer.OriginalMessage,
		}
		return out, nil
	}

	out.Artifacts = []types.Artifact{partsToArtifact(result.Parts)}
	if text := textOnly(result.Parts); text != "" {
		out.Message = &types.Message{Role: "agent", Parts: []types.Part{types.TextPart(text)}}
	}
	return out, nil
}

// effectiveContextID resolves §4.10's contextId precedence: explicit
// task.ConversationID, else Metadata["conversationId"], else parsed from
// task.id, else the literal default.
func effectiveContextID(task types.A2ATask) string {
	if task.ConversationID != "" {
		return task.ConversationID
	}
	if v, _ := task.Metadata["conversationId"].(string); v != "" {
		return v
	}
	if m := taskIDPattern.FindStringSubmatch(task.ID); len(m) == 2 {
		return m[1]
	}
	return "default"
}

func conversationIDFor(task types.A2ATask, contextID string) string {
	if task.ConversationID != "" {
		return task.ConversationID
	}
	return contextID
}

func firstTextPart(msg types.Message) string {
	for _, p := range msg.Parts {
		if p.Kind == "text" {
			return p.Text
		}
	}
	return ""
}

// relationNotes implements §4.10's one-hop description enhancement: for
// every sub-agent subAgentID can transfer/delegate to, summarize that
// target's own one-hop relations (never following a second hop).
func (h *TaskHandler) relationNotes(ctx context.Context, tenantID, projectID, subAgentID string) (map[string]string, error) {
	relations, err := h.agent.deps.Repo.GetRelatedAgents(ctx, tenantID, projectID, subAgentID)
	if err != nil {
		return nil, errs.Internal("taskhandler: loading related agents", err)
	}
	notes := make(map[string]string)
	for _, rel := range append(append([]domain.Relation{}, relations.Internal...), relations.External...) {
		inner, err := h.agent.deps.Repo.GetRelatedAgents(ctx, tenantID, projectID, rel.TargetSubAgentID)
		if err != nil {
			continue
		}
		notes[rel.TargetSubAgentID] = oneHopSummary(inner)
	}
	return notes, nil
}

func oneHopSummary(rel domain.RelatedAgents) string {
	var names []string
	for _, r := range rel.Internal {
		names = append(names, fmt.Sprintf("transfer_to_%s", r.TargetSubAgentID))
	}
	for _, r := range rel.External {
		names = append(names, fmt.Sprintf("delegate_to_%s", r.TargetSubAgentID))
	}
	if len(names) == 0 {
		return "no further transfer/delegate capabilities"
	}
	return "can itself " + strings.Join(names, ", ")
}

// partsToArtifact wraps the turn's ordered parts in a single result
// artifact, translating streamparser.Part{Kind} to the wire Part{Kind}.
func partsToArtifact(parts []streamparser.Part) types.Artifact {
	art := types.Artifact{Name: "result"}
	for _, p := range parts {
		switch p.Kind {
		case streamparser.PartText:
			art.Parts = append(art.Parts, types.TextPart(p.Text))
		case streamparser.PartData:
			art.Parts = append(art.Parts, types.DataPart(p.Data))
		}
	}
	return art
}

func textOnly(parts []streamparser.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == streamparser.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
