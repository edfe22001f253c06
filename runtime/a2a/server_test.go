package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/agentcore/runtime/a2a/types"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/streamparser"
)

// fakeDispatcher is a TaskDispatcher test double recording every call and
// returning a scripted result or error.
type fakeDispatcher struct {
	result *types.A2ATaskResult
	err    error

	mu    sync.Mutex
	calls []types.A2ATask
}

func (f *fakeDispatcher) Handle(_ context.Context, _, _ string, task types.A2ATask, _ *agentsession.Session, textEmit func(streamparser.Part)) (*types.A2ATaskResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task)
	f.mu.Unlock()
	if textEmit != nil {
		textEmit(streamparser.Part{Kind: streamparser.PartText, Text: "streamed"})
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func sendParams(text string) json.RawMessage {
	raw, _ := json.Marshal(types.MessageSendParams{
		Message: types.Message{MessageID: "msg-1", Role: "user", Parts: []types.Part{types.TextPart(text)}},
	})
	return raw
}

// TestMessageSendResponseProperty verifies message/send always returns a
// Task whose status reflects the dispatcher's outcome.
func TestMessageSendResponseProperty(t *testing.T) {
	t.Helper()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("message/send returns a completed or failed task", prop.ForAll(
		func(text string, fail bool) bool {
			var dispErr error
			result := &types.A2ATaskResult{Status: types.TaskStateCompleted}
			if fail {
				dispErr = errors.New("boom")
			}

			disp := &fakeDispatcher{result: result, err: dispErr}
			srv := NewServer(disp, "http://example.com/a2a", ServerConfig{AgentName: "agent", SubAgentID: "sub-1"})

			resp := srv.HandleEnvelope(context.Background(), marshalEnvelope("message/send", sendParams(text)))
			if resp.Error != nil {
				return fail
			}
			if fail {
				return false
			}
			task, ok := resp.Result.(*types.Task)
			return ok && task.Status.State == types.TaskStateCompleted
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestMessageStreamEventSequenceProperty verifies message/stream emits an
// initial working Task, any intermediate text frames, and a final Task or
// error frame.
func TestMessageStreamEventSequenceProperty(t *testing.T) {
	t.Helper()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("message/stream emits working then final frames", prop.ForAll(
		func(text string, fail bool) bool {
			var dispErr error
			result := &types.A2ATaskResult{Status: types.TaskStateCompleted}
			if fail {
				dispErr = errors.New("boom")
			}

			disp := &fakeDispatcher{result: result, err: dispErr}
			srv := NewServer(disp, "http://example.com/a2a", ServerConfig{AgentName: "agent", SubAgentID: "sub-1"})

			var frames []*types.ResponseEnvelope
			emit := func(e *types.ResponseEnvelope) error {
				frames = append(frames, e)
				return nil
			}

			err := srv.HandleStream(context.Background(), marshalEnvelope("message/stream", sendParams(text)), emit)
			if err != nil {
				return false
			}
			if len(frames) < 2 {
				return false
			}
			first, ok := frames[0].Result.(*types.Task)
			if !ok || first.Status.State != types.TaskStateWorking {
				return false
			}
			last := frames[len(frames)-1]
			if fail {
				return last.Error != nil
			}
			lastTask, ok := last.Result.(*types.Task)
			return ok && lastTask.Status.State == types.TaskStateCompleted
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestTaskStateConcurrencySafetyProperty verifies that concurrent
// tasks/get and tasks/cancel calls on the same task id never observe torn
// state.
func TestTaskStateConcurrencySafetyProperty(t *testing.T) {
	t.Helper()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent tasks/get and tasks/cancel are safe", prop.ForAll(
		func(ops int) bool {
			if ops < 1 {
				ops = 1
			}
			if ops > 32 {
				ops = 32
			}

			disp := &fakeDispatcher{result: &types.A2ATaskResult{Status: types.TaskStateCompleted}}
			srv := NewServer(disp, "http://example.com/a2a", ServerConfig{AgentName: "agent"})

			taskID := "task-1"
			if err := srv.store.Store(taskID, &TaskState{
				Task:   &types.Task{ID: taskID, Status: types.TaskStatus{State: types.TaskStateWorking}},
				Cancel: func() {},
			}); err != nil {
				return false
			}

			var wg sync.WaitGroup
			for i := 0; i < ops; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if i%2 == 0 {
						srv.HandleEnvelope(context.Background(), marshalEnvelope("tasks/get", mustMarshal(types.GetTaskParams{ID: taskID})))
					} else {
						srv.HandleEnvelope(context.Background(), marshalEnvelope("tasks/cancel", mustMarshal(types.CancelTaskParams{ID: taskID})))
					}
				}(i)
			}
			wg.Wait()

			final, ok := srv.store.Load(taskID)
			if !ok || final == nil || final.Task == nil {
				return false
			}
			switch final.Task.Status.State {
			case types.TaskStateWorking, types.TaskStateCanceled:
				return true
			default:
				return false
			}
		},
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

// TestAgentCardFromServerConfigProperty verifies the agent card always
// reflects ServerConfig's skills verbatim.
func TestAgentCardFromServerConfigProperty(t *testing.T) {
	t.Helper()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("AgentCard reflects ServerConfig", prop.ForAll(
		func(agentName, agentDesc, version, baseURL string, skillIDs []string) bool {
			if agentName == "" {
				agentName = "agent"
			}
			if version == "" {
				version = "1.0.0"
			}
			if baseURL == "" {
				baseURL = "http://example.com/a2a"
			}

			skills := make([]SkillConfig, 0, len(skillIDs))
			for _, id := range skillIDs {
				if id == "" {
					id = "toolset.tool"
				}
				skills = append(skills, SkillConfig{ID: id, Name: id, Description: agentDesc})
			}

			disp := &fakeDispatcher{}
			cfg := ServerConfig{
				AgentName:        agentName,
				AgentDescription: agentDesc,
				Version:          version,
				Skills:           skills,
			}
			srv := NewServer(disp, baseURL, cfg)

			card := srv.AgentCard()
			if card.Name != cfg.AgentName || card.Description != cfg.AgentDescription {
				return false
			}
			if card.URL != baseURL || card.Version != cfg.Version {
				return false
			}
			if len(card.Skills) != len(cfg.Skills) {
				return false
			}
			for i, sc := range cfg.Skills {
				cs := card.Skills[i]
				if cs.ID != sc.ID || cs.Description != sc.Description {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestUnknownMethodReturnsMethodNotFound verifies §6's error-code contract
// for an unrecognized JSON-RPC method.
func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	disp := &fakeDispatcher{}
	srv := NewServer(disp, "http://example.com/a2a", ServerConfig{AgentName: "agent"})

	resp := srv.HandleEnvelope(context.Background(), marshalEnvelope("bogus/method", nil))
	if resp.Error == nil || resp.Error.Code != types.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

// TestTransferEnvelopeShape verifies a transfer result from the dispatcher
// is rendered as a Task whose artifacts[0].parts[0] carries the transfer
// data shape described in §6.
func TestTransferEnvelopeShape(t *testing.T) {
	disp := &fakeDispatcher{result: &types.A2ATaskResult{
		Status: types.TaskStateCompleted,
		Transfer: &types.TransferData{
			Type: "transfer", TargetSubAgentID: "billing", TaskID: "task-1", Reason: "needs billing", OriginalMessage: "refund please",
		},
	}}
	srv := NewServer(disp, "http://example.com/a2a", ServerConfig{AgentName: "agent", SubAgentID: "sub-1"})

	resp := srv.HandleEnvelope(context.Background(), marshalEnvelope("message/send", sendParams("hi")))
	task, ok := resp.Result.(*types.Task)
	if !ok {
		t.Fatalf("expected *types.Task result, got %T", resp.Result)
	}
	if len(task.Artifacts) != 1 || len(task.Artifacts[0].Parts) != 1 {
		t.Fatalf("expected a single transfer artifact part, got %+v", task.Artifacts)
	}
	var data types.TransferData
	if err := json.Unmarshal(task.Artifacts[0].Parts[0].Data, &data); err != nil {
		t.Fatalf("decoding transfer data: %v", err)
	}
	if data.TargetSubAgentID != "billing" || data.Type != "transfer" {
		t.Fatalf("unexpected transfer payload: %+v", data)
	}
}

func marshalEnvelope(method string, params json.RawMessage) []byte {
	raw, _ := json.Marshal(types.Envelope{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: params})
	return raw
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
