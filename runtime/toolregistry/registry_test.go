package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/mcp"
)

func TestSanitize_RestrictsCharsetAndLength(t *testing.T) {
	require.Equal(t, "a_b_c", Sanitize("a b/c"))
	require.Equal(t, "unnamed_tool", Sanitize(""))
	require.Equal(t, "unnamed_tool", Sanitize(string(make([]byte, 500))))
	require.Equal(t, "a_b", Sanitize("__a___b__"))
	require.LessOrEqual(t, len(Sanitize(strings.Repeat("a", 150))), 100)
}

func TestSanitize_Idempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("sanitize is idempotent", prop.ForAll(
		func(s string) bool {
			return Sanitize(Sanitize(s)) == Sanitize(s)
		},
		gen.AnyString(),
	))

	result := properties.Run(gopter.ConsoleReporter(false))
	require.True(t, result)
}

func TestBuildSet_MergesRelationToolsAndBuiltins(t *testing.T) {
	r := New(nil, nil, nil)
	set, err := r.BuildSet(context.Background(), Params{}, nil, nil, domain.RelatedAgents{
		Internal: []domain.Relation{{TargetSubAgentID: "billing"}},
		External: []domain.Relation{{TargetSubAgentID: "partner"}},
	}, nil, true, false)
	require.NoError(t, err)

	require.Contains(t, set, "transfer_to_billing")
	require.Contains(t, set, "delegate_to_partner")
	require.Contains(t, set, ToolThinkingComplete)
	require.Contains(t, set, ToolGetReferenceArtifact)
}

func TestBuildSet_FunctionTool(t *testing.T) {
	backend := fakeBackendFn(func(ctx context.Context, fn domain.FunctionTool, args json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	r := New(nil, backend, nil)
	set, err := r.BuildSet(context.Background(), Params{}, nil, []domain.FunctionTool{{ID: "f1", Name: "my func"}}, domain.RelatedAgents{}, nil, false, false)
	require.NoError(t, err)
	require.Contains(t, set, "my_func")

	out, isErr, err := set["my_func"].Invoke(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.False(t, isErr)
	require.Equal(t, map[string]any{"ok": true}, out)
}

type fakeBackendFn func(ctx context.Context, fn domain.FunctionTool, args json.RawMessage) (any, error)

func (f fakeBackendFn) Execute(ctx context.Context, fn domain.FunctionTool, args json.RawMessage) (any, error) {
	return f(ctx, fn, args)
}

func TestBindGetReferenceArtifact(t *testing.T) {
	set := builtins()
	BindGetReferenceArtifact(set, func(ctx context.Context, artifactID string) (any, error) {
		return map[string]any{"id": artifactID}, nil
	})

	out, isErr, err := set[ToolGetReferenceArtifact].Invoke(context.Background(), json.RawMessage(`{"artifactId":"a1"}`))
	require.NoError(t, err)
	require.False(t, isErr)
	require.Equal(t, map[string]any{"id": "a1"}, out)
}

type fakeNotifier struct{ notes []any }

func (f *fakeNotifier) Subscribe(ctx context.Context) (mcp.Subscription, error) { return nil, nil }
func (f *fakeNotifier) Publish(ev any)                                         { f.notes = append(f.notes, ev) }
func (f *fakeNotifier) Close() error                                           { return nil }

// TestBuildSet_EvictsUnhealthyConnectionAfterRepeatedFailures verifies
// §4.5's dead/unhealthy-connection eviction: a pooled remote tool connection
// that fails repeatedly is dropped from the pool and a notification is
// published, so the next call reconnects via the caller factory.
func TestBuildSet_EvictsUnhealthyConnectionAfterRepeatedFailures(t *testing.T) {
	var constructs int
	failer := &fakeCaller{err: errors.New("connection reset")}
	newCaller := func(ctx context.Context, cfg domain.ToolConfig, creds map[string]string) (mcp.Caller, error) {
		constructs++
		return failer, nil
	}
	notifier := &fakeNotifier{}
	r := New(newCaller, nil, nil)
	r.Notifier = notifier

	cfg := domain.ToolConfig{ID: "remote1", Name: "remote_tool"}
	set, err := r.BuildSet(context.Background(), Params{}, []domain.ToolConfig{cfg}, nil, domain.RelatedAgents{}, nil, false, false)
	require.NoError(t, err)

	for i := 0; i < evictAfterFailures; i++ {
		_, isErr, err := set["remote_tool"].Invoke(context.Background(), json.RawMessage(`{}`))
		require.Error(t, err)
		require.True(t, isErr)
	}
	require.Equal(t, 1, constructs)

	// One more call after eviction reconnects via the factory.
	_, _, _ = set["remote_tool"].Invoke(context.Background(), json.RawMessage(`{}`))
	require.Equal(t, 2, constructs)
	require.NotEmpty(t, notifier.notes)
}

type fakeCaller struct{ err error }

func (f *fakeCaller) CallTool(ctx context.Context, req mcp.CallRequest) (mcp.CallResponse, error) {
	return mcp.CallResponse{}, f.err
}

func TestStructureHintsFor_ListsArrayPaths(t *testing.T) {
	data := map[string]any{
		"items": []any{
			map[string]any{"id": 1, "title": "a"},
		},
	}
	hints := structureHintsFor(data)
	require.Contains(t, hints["arrayPaths"], "items[]")
}
