package agent

import (
	"context"
	"fmt"
	"strings"

	"goa.design/agentcore/runtime/agent/domain"
)

// loadHistory assembles §4.11 conversation history for one turn: it applies
// the sub-agent's ConversationHistoryConfig, renders the formatted
// transcript, and collects the scoped artifact list.
func (a *Agent) loadHistory(ctx context.Context, req GenerateRequest, sa *domain.SubAgent) (string, []*domain.Artifact, error) {
	cfg := sa.ConversationHistoryConfig
	if cfg.Mode == domain.HistoryModeNone || cfg.Mode == "" {
		return "", nil, nil
	}

	q := domain.HistoryQuery{
		Config:     cfg,
		SubAgentID: sa.ID,
		TaskID:     req.TaskID,
	}
	msgs, err := a.deps.Repo.GetConversationHistory(ctx, req.ConversationID, q)
	if err != nil {
		return "", nil, err
	}

	formatted := formatHistory(msgs)

	var arts []*domain.Artifact
	if cfg.Mode == domain.HistoryModeScoped {
		arts, err = a.scopedArtifacts(ctx, msgs)
		if err != nil {
			return "", nil, err
		}
	}
	return formatted, arts, nil
}

// formatHistory renders messages as "<role-label>: \"\"\"text\"\"\"" lines,
// wrapped in <conversation_history>, per §4.11.
func formatHistory(msgs []*domain.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<conversation_history>\n")
	for _, m := range msgs {
		b.WriteString(roleLabel(m))
		b.WriteString(`: """`)
		b.WriteString(m.Content.Text)
		b.WriteString("\"\"\"\n")
	}
	b.WriteString("</conversation_history>")
	return b.String()
}

// roleLabel encodes sender->recipient for a2a-request/a2a-response, "agent
// to User" for chat, and "agent tool: <toolName>" for tool-result.
func roleLabel(m *domain.Message) string {
	switch m.MessageType {
	case domain.MessageTypeA2ARequest:
		return fmt.Sprintf("%s to %s", nonEmpty(m.FromSubAgentID, "agent"), nonEmpty(m.ToSubAgentID, m.ToExternalAgentID))
	case domain.MessageTypeA2AResponse:
		return fmt.Sprintf("%s to %s", nonEmpty(m.FromSubAgentID, m.FromExternalAgentID), nonEmpty(m.ToSubAgentID, "agent"))
	case domain.MessageTypeToolResult:
		toolName, _ := m.Metadata["toolName"].(string)
		return fmt.Sprintf("agent tool: %s", toolName)
	case domain.MessageTypeChat:
		if m.Role == domain.RoleUser {
			return "User"
		}
		return "agent to User"
	default:
		return string(m.Role)
	}
}

func nonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// scopedArtifacts collects every distinct taskId referenced by msgs and
// loads the ledger artifacts persisted for each.
func (a *Agent) scopedArtifacts(ctx context.Context, msgs []*domain.Message) ([]*domain.Artifact, error) {
	seen := make(map[string]bool)
	var taskIDs []string
	for _, m := range msgs {
		if m.TaskID == "" || seen[m.TaskID] {
			continue
		}
		seen[m.TaskID] = true
		taskIDs = append(taskIDs, m.TaskID)
	}
	var out []*domain.Artifact
	for _, id := range taskIDs {
		arts, err := a.deps.Repo.GetLedgerArtifacts(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, arts...)
	}
	return out, nil
}

// formatArtifactList renders a compact list of scoped artifacts for the
// planning/structured prompt: names and ids only, never embedded payloads.
func formatArtifactList(arts []*domain.Artifact) string {
	if len(arts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<artifacts>\n")
	for _, art := range arts {
		fmt.Fprintf(&b, "- %s (%s): %s\n", art.ArtifactID, art.Type, art.Name)
	}
	b.WriteString("</artifacts>")
	return b.String()
}

// applyHistoryTokenBudget keeps only the last maxTokens*4 bytes of a
// formatted history string (about 4 characters per token, the same heuristic
// the teacher's prompt budgeting uses), dropping the oldest text; the cut can
// fall inside a message rather than on a message boundary.
func applyHistoryTokenBudget(formatted string, maxTokens int) string {
	if maxTokens <= 0 {
		return formatted
	}
	maxChars := maxTokens * 4
	if len(formatted) <= maxChars {
		return formatted
	}
	return formatted[len(formatted)-maxChars:]
}
