package agent

import (
	"context"
	"encoding/json"
	"testing"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agentsession"
)

type fakeStatusClient struct {
	payload string
}

func (f *fakeStatusClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{ToolCalls: []model.ToolCall{{Name: "emit_status_update", Payload: json.RawMessage(f.payload)}}}, nil
}

func (f *fakeStatusClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	panic("not used")
}

type fakeStatusResolver struct{ client model.Client }

func (f fakeStatusResolver) Resolve(ctx context.Context, ref string) (model.Client, string, error) {
	return f.client, ref, nil
}

func TestStatusGenerator_NoSummarizerConfiguredIsNoop(t *testing.T) {
	gen := NewStatusGenerator(fakeStatusResolver{})
	branches, err := gen.Generate(context.Background(), nil, "", nil, agentsession.Settings{
		StatusComponents: []agentsession.StatusComponent{{Name: "progress", Label: "Progress"}},
	})
	if err != nil || branches != nil {
		t.Fatalf("expected a no-op with no summarizer configured, got %v, %v", branches, err)
	}
}

func TestStatusGenerator_NoRelevantUpdatesYieldsNoBranches(t *testing.T) {
	client := &fakeStatusClient{payload: `{"type":"no_relevant_updates"}`}
	gen := NewStatusGenerator(fakeStatusResolver{client: client})

	branches, err := gen.Generate(context.Background(), []agentsession.Event{{Kind: agentsession.EventToolCall}}, "", nil, agentsession.Settings{
		Summarizer:       "anthropic:claude-haiku",
		StatusComponents: []agentsession.StatusComponent{{Name: "progress", Label: "Progress"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(branches) != 0 {
		t.Fatalf("expected no branches for no_relevant_updates, got %+v", branches)
	}
}

func TestStatusGenerator_EmitsConfiguredBranch(t *testing.T) {
	client := &fakeStatusClient{payload: `{"type":"progress","details":{"step":"fetching data"}}`}
	gen := NewStatusGenerator(fakeStatusResolver{client: client})

	branches, err := gen.Generate(context.Background(), []agentsession.Event{{Kind: agentsession.EventToolCall}}, "history", []string{"prior"}, agentsession.Settings{
		Summarizer:       "anthropic:claude-haiku",
		StatusComponents: []agentsession.StatusComponent{{Name: "progress", Label: "Progress update"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("expected exactly one branch, got %+v", branches)
	}
	got := branches[0]
	if got.Type != "progress" || got.Label != "Progress update" {
		t.Fatalf("unexpected branch: %+v", got)
	}
	if got.Details["step"] != "fetching data" {
		t.Fatalf("unexpected details: %+v", got.Details)
	}
}
