package agent

import (
	"context"
	"testing"

	"goa.design/agentcore/runtime/a2a/types"
	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/repository/inmem"
	"goa.design/agentcore/runtime/streamparser"
)

func TestEffectiveContextIDPrecedence(t *testing.T) {
	cases := []struct {
		name string
		task types.A2ATask
		want string
	}{
		{"explicit conversationId wins", types.A2ATask{ID: "task_conv-1-x", ConversationID: "explicit"}, "explicit"},
		{"metadata fallback", types.A2ATask{ID: "task_conv-1-x", Metadata: map[string]any{"conversationId": "from-metadata"}}, "from-metadata"},
		{"parsed from task id", types.A2ATask{ID: "task_conv-1-x"}, "conv"},
		{"default literal", types.A2ATask{ID: "not-a-task-id"}, "default"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := effectiveContextID(c.task); got != c.want {
				t.Fatalf("effectiveContextID() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestConversationIDForPrefersExplicitThenContext(t *testing.T) {
	task := types.A2ATask{ConversationID: "explicit"}
	if got := conversationIDFor(task, "ctx"); got != "explicit" {
		t.Fatalf("got %q, want explicit", got)
	}
	task2 := types.A2ATask{}
	if got := conversationIDFor(task2, "ctx"); got != "ctx" {
		t.Fatalf("got %q, want ctx", got)
	}
}

func TestFirstTextPartSkipsNonText(t *testing.T) {
	msg := types.Message{Parts: []types.Part{types.DataPart(map[string]any{"x": 1}), types.TextPart("hello")}}
	if got := firstTextPart(msg); got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
	if got := firstTextPart(types.Message{}); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestOneHopSummaryListsTransferAndDelegateTargets(t *testing.T) {
	rel := domain.RelatedAgents{
		Internal: []domain.Relation{{TargetSubAgentID: "billing"}},
		External: []domain.Relation{{TargetSubAgentID: "partner"}},
	}
	got := oneHopSummary(rel)
	if got == "no further transfer/delegate capabilities" {
		t.Fatalf("expected a populated summary, got %q", got)
	}

	if got := oneHopSummary(domain.RelatedAgents{}); got != "no further transfer/delegate capabilities" {
		t.Fatalf("got %q, want the no-capabilities sentinel", got)
	}
}

func TestPartsToArtifactTranslatesKinds(t *testing.T) {
	art := partsToArtifact([]streamparser.Part{
		{Kind: streamparser.PartText, Text: "hi"},
		{Kind: streamparser.PartData, Data: map[string]any{"k": "v"}},
	})
	if len(art.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(art.Parts))
	}
	if art.Parts[0].Kind != "text" || art.Parts[1].Kind != "data" {
		t.Fatalf("unexpected part kinds: %+v", art.Parts)
	}
}

func TestTextOnlyConcatenatesTextParts(t *testing.T) {
	got := textOnly([]streamparser.Part{
		{Kind: streamparser.PartText, Text: "a"},
		{Kind: streamparser.PartData, Data: map[string]any{}},
		{Kind: streamparser.PartText, Text: "b"},
	})
	if got != "ab" {
		t.Fatalf("got %q, want ab", got)
	}
}

func TestRelationNotesStopsAtOneHop(t *testing.T) {
	repo := inmem.New()
	repo.SeedRelations("t", "p", "router", domain.RelatedAgents{
		Internal: []domain.Relation{{TargetSubAgentID: "billing"}},
	})
	repo.SeedRelations("t", "p", "billing", domain.RelatedAgents{
		Internal: []domain.Relation{{TargetSubAgentID: "router"}},
	})
	repo.SeedRelations("t", "p", "router", domain.RelatedAgents{
		Internal: []domain.Relation{{TargetSubAgentID: "billing"}},
	})

	a := New(Deps{Repo: repo})
	h := NewTaskHandler(a)

	notes, err := h.relationNotes(context.Background(), "t", "p", "router")
	if err != nil {
		t.Fatalf("relationNotes: %v", err)
	}
	note, ok := notes["billing"]
	if !ok {
		t.Fatalf("expected a note for billing, got %+v", notes)
	}
	if note == "no further transfer/delegate capabilities" {
		t.Fatalf("expected billing's own relation (router) to surface, got %q", note)
	}
}

func TestHandleRejectsMissingSubAgentID(t *testing.T) {
	repo := inmem.New()
	a := New(Deps{Repo: repo})
	h := NewTaskHandler(a)

	_, err := h.Handle(context.Background(), "t", "p", types.A2ATask{ID: "task_1"}, nil, nil)
	if err == nil {
		t.Fatal("expected an error for a task with no subAgentId")
	}
}
