// Package artifacts implements ArtifactExtractor (C6): it parses inline and
// structured artifact-creation directives out of model output, projects a
// recorded tool result through JMESPath selectors, and schedules
// asynchronous name/description enrichment before persisting through the
// Repository.
package artifacts

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/streamparser"
	"goa.design/agentcore/runtime/toolsession"
)

// ToolResults resolves a prior tool call's recorded result, used to source
// data for <artifact:create> directives.
type ToolResults interface {
	GetResult(sessionID, toolCallID string) (toolsession.Result, bool)
}

// Persister durably stores a finished artifact. repository.Repository
// satisfies this in production.
type Persister interface {
	PutArtifact(ctx context.Context, artifact *domain.Artifact) error
}

// Enricher produces a short name/description for a freshly extracted
// artifact, backed by the summarizer model.
type Enricher interface {
	Enrich(ctx context.Context, artifact *domain.Artifact, toolResult toolsession.Result) (name, description string, err error)
}

// EventRecorder records the artifact_saved ledger event AgentSession owns.
// pending is true for the immediate placeholder event, false once
// enrichment and persistence complete.
type EventRecorder interface {
	RecordArtifactSaved(artifactID, toolCallID string, pending bool)
}

const (
	defaultMaxPending = 256
	maxEnrichAttempts = 5
	nameMaxLen        = 50
	descriptionMaxLen = 150
)

type cacheKey struct{ artifactID, scope string }

type cachedArtifact struct {
	artifact *domain.Artifact
	summary  map[string]any
}

// Extractor is scoped to one turn (sessionID) and one task (taskID); the
// cache and pending set it owns are released by End.
type Extractor struct {
	sessionID  string
	taskID     string
	tools      ToolResults
	persist    Persister
	enrich     Enricher
	events     EventRecorder
	components map[string]domain.ArtifactComponent
	logf       func(format string, args ...any)

	mu         sync.Mutex
	cache      map[cacheKey]*cachedArtifact
	pending    map[string]struct{}
	maxPending int
}

// New constructs an Extractor. logf may be nil to discard diagnostics.
func New(sessionID, taskID string, tools ToolResults, persist Persister, enrich Enricher, events EventRecorder, components []domain.ArtifactComponent, logf func(string, ...any)) *Extractor {
	byType := make(map[string]domain.ArtifactComponent, len(components))
	for _, c := range components {
		byType[c.Type] = c
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Extractor{
		sessionID:  sessionID,
		taskID:     taskID,
		tools:      tools,
		persist:    persist,
		enrich:     enrich,
		events:     events,
		components: byType,
		cache:      make(map[cacheKey]*cachedArtifact),
		pending:    make(map[string]struct{}),
		maxPending: defaultMaxPending,
		logf:       logf,
	}
}

// End clears the pending set and cache, matching session cleanup.
func (e *Extractor) End() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[cacheKey]*cachedArtifact)
	e.pending = make(map[string]struct{})
}

var directiveRe = regexp.MustCompile(`<artifact:(create|ref)\s+([^>]*?)/>`)

// ExtractText implements streamparser.DirectiveExtractor once bound to a
// context via closure at wiring time: it splits text around inline
// directives, translating each into a data Part and dropping (with a log
// line) any directive it cannot resolve.
func (e *Extractor) ExtractText(ctx context.Context, text string) []streamparser.Part {
	matches := directiveRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []streamparser.Part{{Kind: streamparser.PartText, Text: text}}
	}

	var out []streamparser.Part
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start > last {
			out = append(out, streamparser.Part{Kind: streamparser.PartText, Text: text[last:start]})
		}
		kind := text[m[2]:m[3]]
		attrStr := text[m[4]:m[5]]
		if part, ok := e.handleTextDirective(ctx, kind, attrStr); ok {
			out = append(out, part)
		}
		last = end
	}
	if last < len(text) {
		out = append(out, streamparser.Part{Kind: streamparser.PartText, Text: text[last:]})
	}
	return out
}

// ExtractStructured implements streamparser.StructuredExtractor once bound
// to a context via closure: it translates an ArtifactCreate_<Type> or
// Artifact (reference) dataComponents entry into the same directive schema
// ExtractText uses.
func (e *Extractor) ExtractStructured(ctx context.Context, component map[string]any) []streamparser.Part {
	typeName, _ := component["type"].(string)
	id, _ := component["id"].(string)
	toolCallID, _ := component["tool"].(string)
	if id == "" || toolCallID == "" {
		e.logf("structured artifact directive missing id/tool: %+v", component)
		return nil
	}

	if typeName == "Artifact" {
		part, ok := e.handleRef(id, toolCallID)
		if !ok {
			return nil
		}
		return []streamparser.Part{part}
	}

	artifactType := strings.TrimPrefix(typeName, "ArtifactCreate_")
	base, _ := component["base"].(string)
	part, ok := e.createArtifact(ctx, id, toolCallID, artifactType, sanitizeSelector(base), stringMap(component["summary"]), stringMap(component["full"]))
	if !ok {
		return nil
	}
	return []streamparser.Part{part}
}

var attrRe = regexp.MustCompile(`(\w+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

func parseAttrs(s string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		val := m[2]
		if val == "" && m[3] != "" {
			val = m[3]
		}
		out[m[1]] = val
	}
	return out
}

func (e *Extractor) handleTextDirective(ctx context.Context, kind, attrStr string) (streamparser.Part, bool) {
	attrs := parseAttrs(attrStr)
	id := attrs["id"]
	toolCallID := attrs["tool"]
	if id == "" || toolCallID == "" {
		e.logf("artifact directive missing id/tool, dropping: %q", attrStr)
		return streamparser.Part{}, false
	}

	if kind == "ref" {
		return e.handleRef(id, toolCallID)
	}
	return e.createArtifact(ctx, id, toolCallID, attrs["type"], sanitizeSelector(attrs["base"]), parseProjectionPairs(attrs["summary"]), parseProjectionPairs(attrs["full"]))
}

func (e *Extractor) handleRef(id, toolCallID string) (streamparser.Part, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cached, ok := e.cache[cacheKey{id, toolCallID}]
	if !ok {
		cached, ok = e.cache[cacheKey{id, e.taskID}]
	}
	if !ok {
		e.logf("artifact ref %q not found, dropping", id)
		return streamparser.Part{}, false
	}
	return streamparser.Part{Kind: streamparser.PartData, Data: map[string]any{
		"artifactId":      cached.artifact.ArtifactID,
		"toolCallId":      toolCallID,
		"name":            cached.artifact.Name,
		"description":     cached.artifact.Description,
		"type":            cached.artifact.Type,
		"artifactSummary": cached.summary,
	}}, true
}

func (e *Extractor) createArtifact(ctx context.Context, id, toolCallID, artifactType, base string, summarySelectors, fullSelectors map[string]string) (streamparser.Part, bool) {
	result, ok := e.tools.GetResult(e.sessionID, toolCallID)
	if !ok {
		e.logf("artifact create %q references unknown tool call %q, dropping", id, toolCallID)
		return streamparser.Part{}, false
	}

	root := projectBase(result.Result, base)
	summary := applyProjection(root, summarySelectors)
	full := applyProjection(root, fullSelectors)
	if comp, ok := e.components[artifactType]; ok {
		summary = validateAgainstSchema(summary, comp.SummarySchema)
	}

	e.mu.Lock()
	if len(e.pending) >= e.maxPending {
		e.mu.Unlock()
		e.logf("pendingArtifacts overflow, dropping artifact %q", id)
		return streamparser.Part{}, false
	}
	e.pending[id] = struct{}{}
	artifact := &domain.Artifact{
		ArtifactID:  id,
		TaskID:      e.taskID,
		Type:        artifactType,
		Name:        "Processing…",
		Description: "",
		Summary:     summary,
		Full:        full,
		Metadata:    domain.ArtifactMetadata{ToolCallID: toolCallID, ArtifactType: artifactType, BaseSelector: base},
		CreatedAt:   time.Now(),
	}
	cached := &cachedArtifact{artifact: artifact, summary: summary}
	e.cache[cacheKey{id, toolCallID}] = cached
	e.cache[cacheKey{id, e.taskID}] = cached
	e.mu.Unlock()

	if e.events != nil {
		e.events.RecordArtifactSaved(id, toolCallID, true)
	}
	go e.enrichAndPersist(ctx, artifact, result)

	return streamparser.Part{Kind: streamparser.PartData, Data: map[string]any{
		"artifactId":      id,
		"toolCallId":      toolCallID,
		"name":            artifact.Name,
		"description":     artifact.Description,
		"type":            artifactType,
		"artifactSummary": summary,
	}}, true
}

func (e *Extractor) enrichAndPersist(ctx context.Context, artifact *domain.Artifact, result toolsession.Result) {
	name, description := fallbackNameDescription(artifact)
	if e.enrich != nil {
		if n, d, err := e.enrich.Enrich(ctx, artifact, result); err == nil {
			name, description = truncate(n, nameMaxLen), truncate(d, descriptionMaxLen)
		}
	}
	artifact.Name = name
	artifact.Description = description

	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxEnrichAttempts; attempt++ {
		if err := e.persist.PutArtifact(ctx, artifact); err == nil {
			break
		} else if attempt == maxEnrichAttempts-1 {
			e.logf("artifact %q persist failed after %d attempts: %v", artifact.ArtifactID, maxEnrichAttempts, err)
		} else {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	e.mu.Lock()
	delete(e.pending, artifact.ArtifactID)
	if cached, ok := e.cache[cacheKey{artifact.ArtifactID, artifact.Metadata.ToolCallID}]; ok {
		cached.artifact = artifact
	}
	e.mu.Unlock()

	if e.events != nil {
		e.events.RecordArtifactSaved(artifact.ArtifactID, artifact.Metadata.ToolCallID, false)
	}
}

func fallbackNameDescription(a *domain.Artifact) (string, string) {
	return fmt.Sprintf("%s artifact", a.Type), fmt.Sprintf("Artifact %s from tool call %s", a.ArtifactID, a.Metadata.ToolCallID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var doubleQuoteLiteral = regexp.MustCompile(`==\s*"([^"]*)"`)

// sanitizeSelector normalizes a user-authored selector before it reaches
// jmespath: double-quoted comparison literals become backtick JSON
// literals, and the `~`/`@` operators this dialect does not support are
// stripped.
func sanitizeSelector(sel string) string {
	sel = doubleQuoteLiteral.ReplaceAllString(sel, "==`$1`")
	sel = strings.ReplaceAll(sel, "~", "")
	sel = strings.ReplaceAll(sel, "@", "")
	return strings.TrimSpace(sel)
}

func projectBase(result any, base string) any {
	if base == "" {
		return result
	}
	val, err := jmespath.Search(base, result)
	if err != nil || val == nil {
		return map[string]any{}
	}
	if arr, ok := val.([]any); ok {
		if len(arr) == 0 {
			return map[string]any{}
		}
		return arr[0]
	}
	return val
}

func applyProjection(root any, selectors map[string]string) map[string]any {
	out := make(map[string]any, len(selectors))
	for key, selector := range selectors {
		val, err := jmespath.Search(sanitizeSelector(selector), root)
		if err != nil {
			continue
		}
		out[key] = val
	}
	return out
}

// parseProjectionPairs parses the inline-directive mini-DSL, e.g.
// `{title:title,url:url}`, into a selector map.
func parseProjectionPairs(proj string) map[string]string {
	proj = strings.TrimSpace(proj)
	proj = strings.TrimPrefix(proj, "{")
	proj = strings.TrimSuffix(proj, "}")
	if proj == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range splitTopLevel(proj, ',') {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(kv[1])
	}
	return out
}

func splitTopLevel(s string, sep rune) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func validateAgainstSchema(summary map[string]any, schema map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return summary
	}
	out := make(map[string]any, len(summary))
	for k, v := range summary {
		if _, declared := props[k]; declared {
			out[k] = v
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
