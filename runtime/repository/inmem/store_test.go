package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/domain"
)

func TestStore_SubAgentNotFoundReturnsNilNoError(t *testing.T) {
	s := New()
	sa, err := s.GetSubAgent(context.Background(), "t1", "p1", "missing")
	require.NoError(t, err)
	require.Nil(t, sa)
}

func TestStore_SeedAndGetSubAgent(t *testing.T) {
	s := New()
	s.SeedSubAgent("t1", "p1", &domain.SubAgent{ID: "router", Name: "Router"})

	sa, err := s.GetSubAgent(context.Background(), "t1", "p1", "router")
	require.NoError(t, err)
	require.NotNil(t, sa)
	require.Equal(t, "Router", sa.Name)

	// Different project scope never sees it.
	other, err := s.GetSubAgent(context.Background(), "t1", "p2", "router")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestStore_CreateTaskIsIdempotentByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &domain.Task{ID: "task-1", ConversationID: "c1", Status: domain.TaskWorking}
	require.NoError(t, s.CreateTask(ctx, task))

	// A second create with the same id must not overwrite the first.
	require.NoError(t, s.CreateTask(ctx, &domain.Task{ID: "task-1", ConversationID: "c1", Status: domain.TaskFailed}))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskWorking, got.Status)
}

func TestStore_UpdateTaskMissingReturnsNotFound(t *testing.T) {
	s := New()
	err := s.UpdateTask(context.Background(), &domain.Task{ID: "ghost"})
	require.Error(t, err)
}

func TestStore_PutArtifactIdempotentByArtifactAndToolCallID(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := &domain.Artifact{
		ArtifactID: "art-1",
		TaskID:     "task-1",
		Name:       "first",
		Metadata:   domain.ArtifactMetadata{ToolCallID: "tc-1"},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.PutArtifact(ctx, a))
	require.NoError(t, s.PutArtifact(ctx, &domain.Artifact{
		ArtifactID: "art-1",
		TaskID:     "task-1",
		Name:       "second",
		Metadata:   domain.ArtifactMetadata{ToolCallID: "tc-1"},
	}))

	got, err := s.GetLedgerArtifacts(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "first", got[0].Name)
}

func TestStore_ConversationHistoryScopedFiltersByTaskAndSubAgent(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := "c1"
	require.NoError(t, s.CreateMessage(ctx, &domain.Message{
		ID: "m1", ConversationID: conv, Role: domain.RoleUser,
		MessageType: domain.MessageTypeChat, Visibility: domain.VisibilityUserFacing,
		TaskID: "task-1",
	}))
	require.NoError(t, s.CreateMessage(ctx, &domain.Message{
		ID: "m2", ConversationID: conv, Role: domain.RoleAgent,
		MessageType: domain.MessageTypeChat, Visibility: domain.VisibilityUserFacing,
		TaskID: "task-2", FromSubAgentID: "other",
	}))

	msgs, err := s.GetConversationHistory(ctx, conv, domain.HistoryQuery{
		Config: domain.ConversationHistoryConfig{
			Mode:         domain.HistoryModeScoped,
			MessageTypes: []domain.MessageType{domain.MessageTypeChat},
		},
		TaskID:     "task-1",
		SubAgentID: "router",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
}

func TestStore_ConversationHistoryNoneModeIsEmpty(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateMessage(ctx, &domain.Message{ID: "m1", ConversationID: "c1"}))

	msgs, err := s.GetConversationHistory(ctx, "c1", domain.HistoryQuery{
		Config: domain.ConversationHistoryConfig{Mode: domain.HistoryModeNone},
	})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestStore_SetActiveSubAgentForThread(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, &domain.Conversation{ID: "c1", ActiveSubAgentID: "router"}))
	require.NoError(t, s.SetActiveSubAgentForThread(ctx, "c1", "billing"))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "billing", conv.ActiveSubAgentID)
}
