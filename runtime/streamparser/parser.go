// Package streamparser implements StreamParser (C7): an incremental parser
// that consumes text or partial-object deltas and emits an ordered sequence
// of text/data parts, withholding any buffer tail that might still complete
// an inline artifact directive.
package streamparser

import (
	"encoding/json"
	"strings"
)

// PartKind distinguishes a StreamParser output part.
type PartKind string

const (
	PartText PartKind = "text"
	PartData PartKind = "data"
)

// Part is one ordered unit of parser output.
type Part struct {
	Kind PartKind
	Text string
	Data any
}

// DirectiveExtractor converts a safe-to-process text segment into an
// ordered sequence of text/data parts, routing any inline artifact
// directives it finds through the artifact pipeline (C6) and removing
// invalid ones from the emitted text. A nil extractor passes text through
// unchanged as a single text Part.
type DirectiveExtractor func(text string) []Part

// artifactPrefixes are the tag openers FindSafeTextBoundary must recognize
// as potentially-incomplete directives.
var artifactPrefixes = []string{"<artifact:create", "<artifact:ref"}

// FindSafeTextBoundary returns the largest index of buf before which no
// partial artifact directive could be hiding. Text up to the returned index
// is safe to flush immediately; the remainder must wait for more input.
func FindSafeTextBoundary(buf string) int {
	idx := strings.LastIndexByte(buf, '<')
	if idx == -1 {
		return len(buf)
	}
	// A '<' followed somewhere later by a '>' closes whatever tag started
	// there (or is plain text containing stray angle brackets); either way
	// nothing after idx can still be an in-progress directive.
	if strings.IndexByte(buf[idx:], '>') != -1 {
		return len(buf)
	}
	candidate := buf[idx:]
	for _, prefix := range artifactPrefixes {
		if strings.HasPrefix(candidate, prefix) || strings.HasPrefix(prefix, candidate) {
			return idx
		}
	}
	return len(buf)
}

// Parser implements the text/data incremental parsing state machine
// described by §4.7: Idle / Buffering, flushing on a safe boundary or on an
// explicit Flush (tool-call and stream-end boundaries).
type Parser struct {
	buffer    strings.Builder
	extractor DirectiveExtractor
}

// New constructs a Parser. extractor may be nil for callers that only need
// ordering/boundary behavior (e.g. tests).
func New(extractor DirectiveExtractor) *Parser {
	return &Parser{extractor: extractor}
}

// FeedText appends a text delta and returns any parts now safe to emit.
func (p *Parser) FeedText(delta string) []Part {
	p.buffer.WriteString(delta)
	return p.drain(false)
}

// Flush forces emission of the entire buffered tail. Callers invoke this at
// tool-call/finish boundaries and at stream end, where no further text can
// arrive to complete a pending directive.
func (p *Parser) Flush() []Part {
	return p.drain(true)
}

func (p *Parser) drain(force bool) []Part {
	buf := p.buffer.String()
	boundary := len(buf)
	if !force {
		boundary = FindSafeTextBoundary(buf)
	}
	if boundary <= 0 {
		return nil
	}

	safe := buf[:boundary]
	rest := buf[boundary:]
	p.buffer.Reset()
	p.buffer.WriteString(rest)

	if safe == "" {
		return nil
	}
	if p.extractor == nil {
		return []Part{{Kind: PartText, Text: safe}}
	}
	return p.extractor(safe)
}

// StructuredExtractor converts one stabilized ArtifactCreate_<Type>
// dataComponents entry into an ordered sequence of parts, per §4.6's
// "translate the object form to the same directive schema and run the same
// pipeline" rule.
type StructuredExtractor func(component map[string]any) []Part

// ObjectAdapter buffers Phase 2's streamed partial object and emits its
// top-level dataComponents[] entries once the buffered JSON parses as a
// complete value; no entry is emitted before the whole object has arrived.
// Entries named ArtifactCreate_<Type> or Artifact (reference) route through
// a StructuredExtractor, the rest become verbatim data Parts.
type ObjectAdapter struct {
	buffer  strings.Builder
	emitted int
}

// NewObjectAdapter constructs an empty ObjectAdapter.
func NewObjectAdapter() *ObjectAdapter {
	return &ObjectAdapter{}
}

// Feed appends a partial-object JSON delta and returns newly stabilized
// entries. It returns nil while the buffered JSON is not yet a complete,
// parseable value.
func (a *ObjectAdapter) Feed(delta string, extract StructuredExtractor) []Part {
	a.buffer.WriteString(delta)

	var probe struct {
		DataComponents []json.RawMessage `json:"dataComponents"`
	}
	if err := json.Unmarshal([]byte(a.buffer.String()), &probe); err != nil {
		return nil
	}
	if len(probe.DataComponents) <= a.emitted {
		return nil
	}

	var out []Part
	for _, raw := range probe.DataComponents[a.emitted:] {
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if name, _ := entry["type"].(string); (name == "Artifact" || strings.HasPrefix(name, "ArtifactCreate_")) && extract != nil {
			out = append(out, extract(entry)...)
			continue
		}
		out = append(out, Part{Kind: PartData, Data: entry})
	}
	a.emitted = len(probe.DataComponents)
	return out
}
