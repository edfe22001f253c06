// Package toolregistry implements ToolRegistry (C5): it merges remote
// MCP-style tools, sandboxed function tools, relation tools
// (transfer_to_*/delegate_to_*), and built-ins into a single sanitized tool
// set presented to a sub-agent's Phase 1 generation.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/credentials"
	"goa.design/agentcore/runtime/mcp"
)

const (
	ToolThinkingComplete    = "thinking_complete"
	ToolGetReferenceArtifact = "get_reference_artifact"
	hintMaxDepth            = 4
	hintMaxCount            = 25

	// evictAfterFailures is the number of consecutive CallTool failures a
	// pooled remote connection tolerates before §4.5's "dead/unhealthy
	// connections are evicted" takes effect.
	evictAfterFailures = 3
)

// Descriptor is one tool presented to the model.
type Descriptor struct {
	Name        string
	Description string
	InputSchema any
	// Invoke executes the tool. result is the JSON-compatible payload to
	// surface to the model (already post-processed); isError marks a tool
	// error envelope the caller should record but not treat as a turn
	// failure.
	Invoke func(ctx context.Context, args json.RawMessage) (result any, isError bool, err error)
}

// Set is the sanitized tool catalog for one sub-agent invocation.
type Set map[string]Descriptor

// FunctionBackend executes a sandboxed function tool.
type FunctionBackend interface {
	Execute(ctx context.Context, fn domain.FunctionTool, args json.RawMessage) (any, error)
}

// CallerFactory constructs a pooled mcp.Caller for one remote tool
// connection, given its resolved credential headers.
type CallerFactory func(ctx context.Context, cfg domain.ToolConfig, credentials map[string]string) (mcp.Caller, error)

// CredentialResolver resolves the headers a remote tool connection
// authenticates with. runtime/credentials.Resolver satisfies this.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID string, params credentials.Params) (map[string]string, error)
}

// Registry builds a Set for a sub-agent, pooling remote-tool connections
// per (tenantId, projectId, toolId, credentialRef) with single-flight
// construction and per-connection rate limiting.
type Registry struct {
	log telemetry.Logger

	newCaller CallerFactory
	backend   FunctionBackend

	mu       sync.Mutex
	pool     map[string]mcp.Caller
	limit    map[string]*rate.Limiter
	failures map[string]int
	group    singleflight.Group

	// Notifier, if set, is published a mcp.Notification whenever a pooled
	// connection is evicted for being dead/unhealthy.
	Notifier mcp.Broadcaster

	// RatePerSecond bounds calls issued through a pooled remote connection.
	// Zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// New constructs a Registry. newCaller/backend may be nil if the caller
// never registers remote/function tools (e.g. built-ins-only tests).
func New(newCaller CallerFactory, backend FunctionBackend, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Registry{
		log:       log,
		newCaller: newCaller,
		backend:   backend,
		pool:      make(map[string]mcp.Caller),
		limit:     make(map[string]*rate.Limiter),
		failures:  make(map[string]int),
	}
}

// sanitizeRe replaces illegal characters; sanitizeRunsRe collapses the
// resulting runs of underscores.
var (
	sanitizeRe     = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	sanitizeRunsRe = regexp.MustCompile(`_+`)
)

// Sanitize maps an arbitrary tool name to a legal identifier: illegal
// characters become "_", runs of "_" collapse to one, leading/trailing "_"
// are trimmed, the result is truncated to 100 characters, and an empty
// result defaults to "unnamed_tool". It is idempotent:
// Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	out := sanitizeRe.ReplaceAllString(name, "_")
	out = sanitizeRunsRe.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if len(out) > 100 {
		out = strings.TrimRight(out[:100], "_")
	}
	if out == "" {
		return "unnamed_tool"
	}
	return out
}

// Params bundles the tenant/project/credential scope a remote-tool
// connection is pooled and resolved under.
type Params struct {
	TenantID      string
	ProjectID     string
	TaskID        string
	CredentialCtx credentials.Params
}

// BuildSet merges every tool source for one sub-agent invocation into a
// single sanitized Set. relations carries the transfer/delegate edges to
// expose as relation tools, already scoped to the sub-agent's one-hop
// relations.
func (r *Registry) BuildSet(
	ctx context.Context,
	params Params,
	remoteTools []domain.ToolConfig,
	functionTools []domain.FunctionTool,
	relations domain.RelatedAgents,
	creds CredentialResolver,
	includeBuiltins bool,
	structureHints bool,
) (Set, error) {
	set := make(Set)

	for _, cfg := range remoteTools {
		d, err := r.buildRemoteDescriptor(ctx, params, cfg, creds, structureHints)
		if err != nil {
			r.log.Warn(ctx, "toolregistry: skipping remote tool", "tool", cfg.ID, "error", err)
			continue
		}
		set[Sanitize(d.Name)] = d
	}

	for _, fn := range functionTools {
		d := r.buildFunctionDescriptor(fn, structureHints)
		set[Sanitize(d.Name)] = d
	}

	for _, rel := range relations.Internal {
		d := buildRelationDescriptor(rel, "transfer")
		set[Sanitize(d.Name)] = d
	}
	for _, rel := range relations.External {
		d := buildRelationDescriptor(rel, "delegate")
		set[Sanitize(d.Name)] = d
	}

	if includeBuiltins {
		for name, d := range builtins() {
			set[name] = d
		}
	}

	return set, nil
}

func (r *Registry) buildFunctionDescriptor(fn domain.FunctionTool, structureHints bool) Descriptor {
	return Descriptor{
		Name:        fn.Name,
		Description: fn.Description,
		InputSchema: fn.InputSchema,
		Invoke: func(ctx context.Context, args json.RawMessage) (any, bool, error) {
			if r.backend == nil {
				return nil, false, errs.Internal("toolregistry: no function backend configured", nil)
			}
			out, err := r.backend.Execute(ctx, fn, args)
			if err != nil {
				return nil, true, errs.ToolFailed(fmt.Sprintf("function %s failed", fn.ID), err)
			}
			var hints any
			if structureHints {
				hints = structureHintsFor(out)
			}
			return postProcess(out, hints), false, nil
		},
	}
}

func buildRelationDescriptor(rel domain.Relation, verb string) Descriptor {
	name := fmt.Sprintf("%s_to_%s", verb, rel.TargetSubAgentID)
	return Descriptor{
		Name:        name,
		Description: fmt.Sprintf("%s control to sub-agent %q", capitalize(verb), rel.TargetSubAgentID),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string"},
			},
		},
		Invoke: func(ctx context.Context, args json.RawMessage) (any, bool, error) {
			var parsed struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(args, &parsed)
			kind := "transfer"
			if verb == "delegate" {
				kind = "delegate"
			}
			return map[string]any{
				"type":             kind,
				"targetSubAgentId": rel.TargetSubAgentID,
				"reason":           parsed.Reason,
			}, false, nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}

// builtins returns the fixed built-in tools every sub-agent receives.
func builtins() Set {
	return Set{
		ToolThinkingComplete: {
			Name:        ToolThinkingComplete,
			Description: "Signal that Phase 1 planning is complete and the turn should proceed to its final response.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Invoke: func(ctx context.Context, args json.RawMessage) (any, bool, error) {
				return map[string]any{"done": true}, false, nil
			},
		},
		ToolGetReferenceArtifact: {
			Name:        ToolGetReferenceArtifact,
			Description: "Fetch the full payload of a previously created artifact by id.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"artifactId": map[string]any{"type": "string"}},
				"required":   []string{"artifactId"},
			},
			// Invoke is bound by the caller (TaskHandler/Agent) which has
			// access to the Repository; the registry only declares the
			// shape here. Callers must overwrite Invoke before use.
			Invoke: func(ctx context.Context, args json.RawMessage) (any, bool, error) {
				return nil, true, errs.Internal("get_reference_artifact not bound to a repository", nil)
			},
		},
	}
}

// BindGetReferenceArtifact installs the repository-backed implementation of
// the get_reference_artifact built-in into set, replacing its placeholder.
func BindGetReferenceArtifact(set Set, fetch func(ctx context.Context, artifactID string) (any, error)) {
	d, ok := set[ToolGetReferenceArtifact]
	if !ok {
		return
	}
	d.Invoke = func(ctx context.Context, args json.RawMessage) (any, bool, error) {
		var parsed struct {
			ArtifactID string `json:"artifactId"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, true, errs.BadRequest("invalid get_reference_artifact arguments")
		}
		out, err := fetch(ctx, parsed.ArtifactID)
		if err != nil {
			return nil, true, errs.ToolFailed("get_reference_artifact failed", err)
		}
		return out, false, nil
	}
	set[ToolGetReferenceArtifact] = d
}

func (r *Registry) buildRemoteDescriptor(ctx context.Context, params Params, cfg domain.ToolConfig, creds CredentialResolver, structureHints bool) (Descriptor, error) {
	poolKey := fmt.Sprintf("%s/%s/%s/%s", params.TenantID, params.ProjectID, cfg.ID, cfg.CredentialRef)

	return Descriptor{
		Name:        cfg.Name,
		Description: cfg.Description,
		InputSchema: map[string]any{"type": "object"},
		Invoke: func(ctx context.Context, args json.RawMessage) (any, bool, error) {
			caller, err := r.connection(ctx, poolKey, params, cfg, creds)
			if err != nil {
				return nil, true, err
			}
			if err := r.wait(ctx, poolKey); err != nil {
				return nil, true, errs.ToolFailed("rate limit wait canceled", err)
			}

			resp, err := caller.CallTool(ctx, mcp.CallRequest{Suite: cfg.Suite, Tool: cfg.Name, Payload: args})
			if err != nil {
				r.recordFailure(ctx, poolKey, cfg, err)
				return nil, true, errs.ToolFailed(fmt.Sprintf("remote tool %s failed", cfg.Name), err)
			}
			r.recordSuccess(poolKey)

			var decoded any
			if err := json.Unmarshal(resp.Result, &decoded); err != nil {
				decoded = string(resp.Result)
			}
			decoded = parseEmbeddedJSON(decoded)

			var hints any
			if structureHints {
				hints = structureHintsFor(decoded)
			}
			return postProcess(decoded, hints), false, nil
		},
	}, nil
}

// connection returns the pooled Caller for poolKey, constructing it
// single-flight on first use.
func (r *Registry) connection(ctx context.Context, poolKey string, params Params, cfg domain.ToolConfig, creds CredentialResolver) (mcp.Caller, error) {
	r.mu.Lock()
	if c, ok := r.pool[poolKey]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(poolKey, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.pool[poolKey]; ok {
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		var credentials map[string]string
		if creds != nil && cfg.CredentialRef != "" {
			resolved, err := creds.Resolve(ctx, cfg.CredentialRef, params.CredentialCtx)
			if err != nil {
				return nil, errs.CredentialUnavailable(fmt.Sprintf("resolving credential %q", cfg.CredentialRef), err)
			}
			credentials = resolved
		}
		if r.newCaller == nil {
			return nil, errs.Internal("toolregistry: no remote caller factory configured", nil)
		}
		caller, err := r.newCaller(ctx, cfg, credentials)
		if err != nil {
			return nil, errs.ToolFailed(fmt.Sprintf("connecting to tool %s", cfg.ID), err)
		}

		r.mu.Lock()
		r.pool[poolKey] = caller
		if r.RatePerSecond > 0 {
			burst := r.RateBurst
			if burst < 1 {
				burst = 1
			}
			r.limit[poolKey] = rate.NewLimiter(rate.Limit(r.RatePerSecond), burst)
		}
		r.mu.Unlock()
		return caller, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(mcp.Caller), nil
}

// recordFailure counts a CallTool failure against poolKey's pooled
// connection and evicts it once evictAfterFailures consecutive failures
// accumulate, per §4.5's dead/unhealthy-connection eviction requirement.
// A future BuildSet for the same (tenant, project, tool, credential) scope
// reconnects via newCaller on next use.
func (r *Registry) recordFailure(ctx context.Context, poolKey string, cfg domain.ToolConfig, cause error) {
	r.mu.Lock()
	r.failures[poolKey]++
	count := r.failures[poolKey]
	var evicted bool
	if count >= evictAfterFailures {
		delete(r.pool, poolKey)
		delete(r.limit, poolKey)
		delete(r.failures, poolKey)
		evicted = true
	}
	r.mu.Unlock()

	if !evicted {
		return
	}
	r.log.Warn(ctx, "toolregistry: evicting unhealthy remote tool connection", "tool", cfg.ID, "error", cause)
	if r.Notifier != nil {
		msg := cause.Error()
		r.Notifier.Publish(mcp.Notification{
			Type:    "tool_connection_evicted",
			Message: &msg,
			Data:    map[string]any{"toolId": cfg.ID, "credentialRef": cfg.CredentialRef},
		})
	}
}

// recordSuccess clears poolKey's failure streak after a successful call.
func (r *Registry) recordSuccess(poolKey string) {
	r.mu.Lock()
	delete(r.failures, poolKey)
	r.mu.Unlock()
}

func (r *Registry) wait(ctx context.Context, poolKey string) error {
	r.mu.Lock()
	lim := r.limit[poolKey]
	r.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// parseEmbeddedJSON recursively decodes any string values that are
// themselves JSON, a common remote-tool response shape.
func parseEmbeddedJSON(v any) any {
	switch t := v.(type) {
	case string:
		var nested any
		if err := json.Unmarshal([]byte(t), &nested); err == nil {
			switch nested.(type) {
			case map[string]any, []any:
				return parseEmbeddedJSON(nested)
			}
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = parseEmbeddedJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = parseEmbeddedJSON(val)
		}
		return out
	default:
		return v
	}
}

func postProcess(result any, hints any) any {
	if hints == nil {
		return result
	}
	obj, ok := result.(map[string]any)
	if !ok {
		return map[string]any{"value": result, "_structureHints": hints}
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out["_structureHints"] = hints
	return out
}

// structureHintsFor walks result to fixed depth/count and lists its terminal,
// array, and object paths, setting "truncated" when the budget is exceeded.
// It produces no example selectors.
func structureHintsFor(result any) map[string]any {
	hints := map[string]any{
		"terminalPaths": []string{},
		"arrayPaths":    []string{},
		"objectPaths":   []string{},
		"truncated":     false,
	}
	var terminal, arrays, objects []string
	var walk func(path string, v any, depth int)
	walk = func(path string, v any, depth int) {
		if len(terminal)+len(arrays)+len(objects) >= hintMaxCount {
			hints["truncated"] = true
			return
		}
		if depth > hintMaxDepth {
			hints["truncated"] = true
			return
		}
		switch t := v.(type) {
		case map[string]any:
			if path != "" {
				objects = append(objects, path)
			}
			for k, val := range t {
				child := k
				if path != "" {
					child = path + "." + k
				}
				walk(child, val, depth+1)
			}
		case []any:
			arrPath := path + "[]"
			arrays = append(arrays, arrPath)
			if len(t) > 0 {
				walk(arrPath, t[0], depth+1)
			}
		default:
			if path != "" {
				terminal = append(terminal, path)
			}
		}
	}
	walk("", result, 0)
	hints["terminalPaths"] = terminal
	hints["arrayPaths"] = arrays
	hints["objectPaths"] = objects
	return hints
}
