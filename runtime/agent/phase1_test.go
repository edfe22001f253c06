package agent

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/streamparser"
)

type fakeStreamer struct {
	chunks []model.Chunk
	idx    int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.idx >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func (f *fakeStreamer) Close() error { return nil }

func (f *fakeStreamer) Metadata() map[string]any { return nil }

type fakeStreamClient struct{ chunks []model.Chunk }

func (f *fakeStreamClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	panic("not used")
}

func (f *fakeStreamClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return &fakeStreamer{chunks: f.chunks}, nil
}

func textChunk(s string) model.Chunk {
	return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: s}}}}
}

// TestCallPhase1Step_StreamingWithholdsPartialDirective verifies §4.7's
// safe-boundary guarantee survives a directive split across two model text
// chunks: the opening tag fragment must never reach req.TextEmit on its own.
func TestCallPhase1Step_StreamingWithholdsPartialDirective(t *testing.T) {
	client := &fakeStreamClient{chunks: []model.Chunk{
		textChunk(`before <artifact:cre`),
		textChunk(`ate id="x" tool="t"/> after`),
		{Type: model.ChunkTypeStop, StopReason: "stop"},
	}}

	var emitted []streamparser.Part
	req := GenerateRequest{
		Session: agentsession.New(context.Background(), "s1", agentsession.Settings{}, nil, nil, nil, nil),
		TextEmit: func(p streamparser.Part) {
			emitted = append(emitted, p)
		},
	}
	defer req.Session.End()

	var extractCalls int
	extract := func(text string) []streamparser.Part {
		extractCalls++
		return []streamparser.Part{{Kind: streamparser.PartText, Text: text}}
	}

	a := New(Deps{})
	result := &phase1Result{}
	_, err := a.callPhase1Step(context.Background(), client, "m1", "sys", nil, nil, false, true, req, result, extract)
	require.NoError(t, err)
	require.NotEmpty(t, emitted)

	// The first chunk's trailing "<artifact:cre" fragment must be withheld
	// until the second chunk closes the tag, never emitted on its own.
	require.Equal(t, "before ", emitted[0].Text)

	var full strings.Builder
	for _, p := range emitted {
		full.WriteString(p.Text)
	}
	require.Equal(t, `before <artifact:create id="x" tool="t"/> after`, full.String())
	require.Equal(t, result.Parts, emitted)
	require.GreaterOrEqual(t, extractCalls, 1)
}
