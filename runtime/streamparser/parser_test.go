package streamparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindSafeTextBoundary_NoAngleBracket(t *testing.T) {
	require.Equal(t, len("hello world"), FindSafeTextBoundary("hello world"))
}

func TestFindSafeTextBoundary_CompleteTag(t *testing.T) {
	buf := "hello <b>world</b>"
	require.Equal(t, len(buf), FindSafeTextBoundary(buf))
}

func TestFindSafeTextBoundary_PartialArtifactTag(t *testing.T) {
	buf := "Hello <artifact:ref id="
	require.Equal(t, 6, FindSafeTextBoundary(buf))
}

func TestFindSafeTextBoundary_PartialPrefixOfArtifact(t *testing.T) {
	buf := "done, here <art"
	require.Equal(t, 11, FindSafeTextBoundary(buf))
}

func TestFindSafeTextBoundary_UnterminatedNonArtifactTag(t *testing.T) {
	buf := "value is <b"
	require.Equal(t, len(buf), FindSafeTextBoundary(buf))
}

func TestParser_WithholdsPartialDirective(t *testing.T) {
	p := New(nil)
	parts := p.FeedText("Hello <artifact:ref id=")
	require.Len(t, parts, 1)
	require.Equal(t, "Hello ", parts[0].Text)

	parts = p.FeedText("\"a1\"/> world")
	require.Len(t, parts, 1)
	require.Equal(t, "<artifact:ref id=\"a1\"/> world", parts[0].Text)
}

func TestParser_FlushEmitsRemainderEvenIfIncomplete(t *testing.T) {
	p := New(nil)
	p.FeedText("trailing <art")
	parts := p.Flush()
	require.Len(t, parts, 1)
	require.Equal(t, "<art", parts[0].Text)
}

func TestParser_UsesExtractor(t *testing.T) {
	var seen string
	p := New(func(text string) []Part {
		seen = text
		return []Part{{Kind: PartText, Text: "cleaned"}, {Kind: PartData, Data: map[string]any{"id": "a1"}}}
	})
	parts := p.FeedText("plain text, no tags")
	require.Equal(t, "plain text, no tags", seen)
	require.Len(t, parts, 2)
	require.Equal(t, PartText, parts[0].Kind)
	require.Equal(t, PartData, parts[1].Kind)
}

func TestObjectAdapter_EmitsNewEntriesOnlyOnce(t *testing.T) {
	a := NewObjectAdapter()
	parts := a.Feed(`{"dataComponents":[`, nil)
	require.Nil(t, parts)

	parts = a.Feed(`{"type":"Summary","text":"hi"}]}`, nil)
	require.Len(t, parts, 1)
	require.Equal(t, PartData, parts[0].Kind)

	parts = a.Feed("", nil)
	require.Nil(t, parts)
}

func TestObjectAdapter_RoutesArtifactCreateThroughStructuredExtractor(t *testing.T) {
	a := NewObjectAdapter()
	var captured map[string]any
	extract := func(component map[string]any) []Part {
		captured = component
		return []Part{{Kind: PartData, Data: "artifact-ref"}}
	}
	parts := a.Feed(`{"dataComponents":[{"type":"ArtifactCreate_Report","title":"t"}]}`, extract)
	require.Len(t, parts, 1)
	require.Equal(t, "ArtifactCreate_Report", captured["type"])
}

func TestObjectAdapter_RoutesArtifactReferenceThroughStructuredExtractor(t *testing.T) {
	a := NewObjectAdapter()
	var captured map[string]any
	extract := func(component map[string]any) []Part {
		captured = component
		return []Part{{Kind: PartData, Data: "artifact-ref"}}
	}
	parts := a.Feed(`{"dataComponents":[{"type":"Artifact","id":"r1","tool":"tc1"}]}`, extract)
	require.Len(t, parts, 1)
	require.Equal(t, "Artifact", captured["type"])
}
