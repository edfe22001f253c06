package artifacts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/streamparser"
	"goa.design/agentcore/runtime/toolsession"
)

type fakeTools struct {
	results map[string]toolsession.Result
}

func (f *fakeTools) GetResult(_, toolCallID string) (toolsession.Result, bool) {
	r, ok := f.results[toolCallID]
	return r, ok
}

type fakePersister struct {
	mu    sync.Mutex
	saved []*domain.Artifact
}

func (f *fakePersister) PutArtifact(_ context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return nil
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) RecordArtifactSaved(artifactID, toolCallID string, pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, artifactID)
}

func newTestExtractor(tools *fakeTools, persist *fakePersister, events *fakeEvents) *Extractor {
	return New("sess1", "task1", tools, persist, nil, events, nil, nil)
}

func TestExtractText_CreateThenRefEmitSameSummary(t *testing.T) {
	tools := &fakeTools{results: map[string]toolsession.Result{
		"tc1": {ToolName: "search", Result: map[string]any{
			"items": []any{map[string]any{"id": float64(1), "title": "A", "url": "/a"}},
		}},
	}}
	persist := &fakePersister{}
	events := &fakeEvents{}
	e := newTestExtractor(tools, persist, events)

	text := `see <artifact:create id="x" tool="tc1" type="Document" base="items | [?id==` + "`1`" + `] | [0]" summary="{title:title,url:url}"/> then <artifact:ref id="x" tool="tc1"/>`
	parts := e.ExtractText(context.Background(), text)

	var dataParts []streamparser.Part
	for _, p := range parts {
		if p.Kind == streamparser.PartData {
			dataParts = append(dataParts, p)
		}
	}
	require.Len(t, dataParts, 2)
	first := dataParts[0].Data.(map[string]any)
	second := dataParts[1].Data.(map[string]any)
	require.Equal(t, "x", first["artifactId"])
	require.Equal(t, "x", second["artifactId"])
	require.Equal(t, first["artifactSummary"], second["artifactSummary"])
	summary := first["artifactSummary"].(map[string]any)
	require.Equal(t, "A", summary["title"])
	require.Equal(t, "/a", summary["url"])

	require.Eventually(t, func() bool { return persist.count() == 1 }, time.Second, time.Millisecond)
}

func TestExtractText_UnknownToolCallDropsDirective(t *testing.T) {
	tools := &fakeTools{results: map[string]toolsession.Result{}}
	e := newTestExtractor(tools, &fakePersister{}, &fakeEvents{})

	parts := e.ExtractText(context.Background(), `before <artifact:create id="x" tool="missing" type="Doc" base="" summary="{}"/> after`)
	var text string
	for _, p := range parts {
		require.NotEqual(t, streamparser.PartData, p.Kind)
		text += p.Text
	}
	require.Equal(t, "before  after", text)
}

func TestExtractText_MalformedDirectiveMissingIDDropped(t *testing.T) {
	e := newTestExtractor(&fakeTools{}, &fakePersister{}, &fakeEvents{})
	parts := e.ExtractText(context.Background(), `<artifact:create tool="tc1" type="Doc"/>`)
	require.Len(t, parts, 0)
}

func TestExtractStructured_RoutesArtifactCreateType(t *testing.T) {
	tools := &fakeTools{results: map[string]toolsession.Result{
		"tc1": {Result: map[string]any{"title": "A"}},
	}}
	e := newTestExtractor(tools, &fakePersister{}, &fakeEvents{})

	component := map[string]any{
		"type": "ArtifactCreate_Report",
		"id":   "r1",
		"tool": "tc1",
		"summary": map[string]any{
			"title": "title",
		},
	}
	parts := e.ExtractStructured(context.Background(), component)
	require.Len(t, parts, 1)
	data := parts[0].Data.(map[string]any)
	require.Equal(t, "Report", data["type"])
}

func TestExtractStructured_RoutesArtifactReferenceType(t *testing.T) {
	tools := &fakeTools{results: map[string]toolsession.Result{
		"tc1": {Result: map[string]any{"title": "A"}},
	}}
	e := newTestExtractor(tools, &fakePersister{}, &fakeEvents{})

	create := e.ExtractStructured(context.Background(), map[string]any{
		"type": "ArtifactCreate_Report", "id": "r1", "tool": "tc1",
		"summary": map[string]any{"title": "title"},
	})
	require.Len(t, create, 1)

	ref := e.ExtractStructured(context.Background(), map[string]any{
		"type": "Artifact", "id": "r1", "tool": "tc1",
	})
	require.Len(t, ref, 1)
	data := ref[0].Data.(map[string]any)
	require.Equal(t, "r1", data["artifactId"])
	require.Equal(t, "Report", data["type"])
}

func TestExtractStructured_UnknownReferenceDropped(t *testing.T) {
	e := newTestExtractor(&fakeTools{}, &fakePersister{}, &fakeEvents{})
	parts := e.ExtractStructured(context.Background(), map[string]any{"type": "Artifact", "id": "missing", "tool": "tc1"})
	require.Len(t, parts, 0)
}

func TestCreateArtifact_PendingOverflowDropsNew(t *testing.T) {
	tools := &fakeTools{results: map[string]toolsession.Result{
		"tc1": {Result: map[string]any{}},
	}}
	e := newTestExtractor(tools, &fakePersister{}, &fakeEvents{})
	e.maxPending = 1
	e.pending["already-pending"] = struct{}{}

	_, ok := e.createArtifact(context.Background(), "new", "tc1", "Doc", "", nil, nil)
	require.False(t, ok)
}

func TestSanitizeSelector_NormalizesDoubleQuoteLiteral(t *testing.T) {
	require.Equal(t, "id==`1`", sanitizeSelector(`id=="1"`))
}

func TestParseProjectionPairs(t *testing.T) {
	pairs := parseProjectionPairs("{title:title,url:url}")
	require.Equal(t, map[string]string{"title": "title", "url": "url"}, pairs)
}
