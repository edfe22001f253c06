package agentsession

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	out   []StatusBranch
}

func (f *fakeGenerator) Generate(_ context.Context, _ []Event, _ string, _ []string, _ Settings) ([]StatusBranch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSession_RecordEventOrdering(t *testing.T) {
	s := New(context.Background(), "s1", Settings{}, nil, nil, nil, nil)
	defer s.End()
	s.RecordEvent(context.Background(), EventToolCall, map[string]any{"n": 1})
	s.RecordEvent(context.Background(), EventToolResult, map[string]any{"n": 2})

	events := s.Events()
	require.Len(t, events, 2)
	require.Equal(t, EventToolCall, events[0].Kind)
	require.Equal(t, EventToolResult, events[1].Kind)
	require.Equal(t, 1, events[0].Seq)
	require.Equal(t, 2, events[1].Seq)
}

func TestSession_DropsEventsAfterEnd(t *testing.T) {
	s := New(context.Background(), "s1", Settings{}, nil, nil, nil, nil)
	s.End()
	s.RecordEvent(context.Background(), EventError, nil)
	require.Len(t, s.Events(), 0)
}

func TestSession_EventCountTriggersGeneration(t *testing.T) {
	gen := &fakeGenerator{out: []StatusBranch{{Type: "progress", Label: "working"}}}
	var emitted []StatusBranch
	emit := func(b StatusBranch) { emitted = append(emitted, b) }
	s := New(context.Background(), "s1", Settings{NumEvents: 2}, gen, emit, nil, nil)
	defer s.End()

	s.RecordEvent(context.Background(), EventToolCall, nil)
	require.Equal(t, 0, gen.callCount())
	s.RecordEvent(context.Background(), EventToolResult, nil)
	require.Equal(t, 1, gen.callCount())
	require.Len(t, emitted, 1)
	require.Equal(t, "progress", emitted[0].Type)
}

func TestSession_TextStreamingSuppressesGeneration(t *testing.T) {
	gen := &fakeGenerator{out: []StatusBranch{{Type: "progress", Label: "working"}}}
	s := New(context.Background(), "s1", Settings{NumEvents: 1}, gen, nil, nil, nil)
	defer s.End()

	s.SetTextStreaming(true)
	s.RecordEvent(context.Background(), EventToolCall, nil)
	require.Equal(t, 0, gen.callCount())

	s.SetTextStreaming(false)
	s.RecordEvent(context.Background(), EventToolCall, nil)
	require.Equal(t, 1, gen.callCount())
}

func TestSession_NoRelevantUpdatesBranchNotEmitted(t *testing.T) {
	gen := &fakeGenerator{out: []StatusBranch{{Type: "no_relevant_updates"}}}
	var emitted []StatusBranch
	s := New(context.Background(), "s1", Settings{NumEvents: 1}, gen, func(b StatusBranch) { emitted = append(emitted, b) }, nil, nil)
	defer s.End()

	s.RecordEvent(context.Background(), EventToolCall, nil)
	require.Len(t, emitted, 0)
}
