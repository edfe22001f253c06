// Package contextresolver implements the ContextResolver (C3): evaluating a
// declarative ContextConfig DAG into a resolved key->value map, cached per
// (conversationId, configId).
package contextresolver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/credentials"
)

// ConfigStore is the subset of repository.Repository the resolver needs.
type ConfigStore interface {
	GetContextConfigByID(ctx context.Context, tenantID, projectID, configID string) (*domain.ContextConfig, error)
}

// HeaderSource supplies inbound request header values for "header"
// definitions. Implementations typically wrap an *http.Request's Header.
type HeaderSource func(name string) (string, bool)

// InvalidationEvent names why a cache entry must be recomputed.
type InvalidationEvent string

const (
	// EventInvocation names a new turn as the reason for invalidation.
	EventInvocation InvalidationEvent = "invocation"
	// EventHeadersChanged names a change in the inbound request headers the
	// context was derived from. Resolve does not compare headers itself; a
	// cached entry is reused until Invalidate drops it.
	EventHeadersChanged InvalidationEvent = "headers_changed"
)

// Tier is the optional cross-replica cache backing (go-redis). A nil Tier
// means the Resolver only uses its in-process cache.
type Tier interface {
	// Get returns a previously stored resolution for key, or ok=false.
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	// Set stores a resolution for key.
	Set(ctx context.Context, key string, value map[string]any) error
	// Invalidate removes a previously stored resolution and, if the tier is
	// backed by pub/sub, notifies other replicas.
	Invalidate(ctx context.Context, key string) error
}

// Options configures a single Resolve call.
type Options struct {
	// Strict makes unresolved references an error instead of being
	// tolerated (left absent from the resolved map).
	Strict bool
	// Headers supplies inbound request header values for "header"
	// definitions.
	Headers HeaderSource
}

type cacheEntry struct {
	value   map[string]any
	headers map[string]string // not populated by Resolve
}

// Resolver evaluates ContextConfigs and caches the result.
type Resolver struct {
	store ConfigStore
	creds *credentials.Resolver
	tier  Tier

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New constructs a Resolver. tier may be nil to disable the shared cache.
func New(store ConfigStore, creds *credentials.Resolver, tier Tier) *Resolver {
	return &Resolver{
		store: store,
		creds: creds,
		tier:  tier,
		cache: make(map[string]cacheEntry),
	}
}

func cacheKey(conversationID, configID string) string {
	return conversationID + "/" + configID
}

// Invalidate drops the cached resolution for (conversationID, configID).
// The event is not inspected: every event drops the entry.
func (r *Resolver) Invalidate(ctx context.Context, conversationID, configID string, _ InvalidationEvent) {
	key := cacheKey(conversationID, configID)
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	if r.tier != nil {
		_ = r.tier.Invalidate(ctx, key)
	}
}

// Resolve evaluates configID's DAG for conversationID, returning the
// resolved map augmented with "$env".
func (r *Resolver) Resolve(ctx context.Context, tenantID, projectID, conversationID, configID string, opts Options) (map[string]any, error) {
	key := cacheKey(conversationID, configID)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return entry.value, nil
	}

	if r.tier != nil {
		if val, found, err := r.tier.Get(ctx, key); err == nil && found {
			r.mu.Lock()
			r.cache[key] = cacheEntry{value: val}
			r.mu.Unlock()
			return val, nil
		}
	}

	cfg, err := r.store.GetContextConfigByID(ctx, tenantID, projectID, configID)
	if err != nil {
		return nil, errs.Internal("context config lookup failed: "+configID, err)
	}
	if cfg == nil {
		return nil, errs.NotFound("context config not found: " + configID)
	}

	resolved, err := r.evaluate(ctx, tenantID, projectID, *cfg, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: resolved}
	r.mu.Unlock()
	if r.tier != nil {
		_ = r.tier.Set(ctx, key, resolved)
	}
	return resolved, nil
}

func (r *Resolver) evaluate(ctx context.Context, tenantID, projectID string, cfg domain.ContextConfig, opts Options) (map[string]any, error) {
	resolved := make(map[string]any, len(cfg.Definitions)+1)
	resolved["$env"] = envMap()

	// Evaluate in declaration order; "derived" definitions may reference any
	// already-resolved name plus $env, so a single forward pass is
	// sufficient as long as the config author orders the DAG topologically
	// (spec does not require cycle handling beyond that).
	for _, def := range cfg.Definitions {
		val, err := r.evaluateDefinition(ctx, tenantID, projectID, def, resolved, opts)
		if err != nil {
			if opts.Strict {
				return nil, err
			}
			continue
		}
		resolved[def.Name] = val
	}
	return resolved, nil
}

func (r *Resolver) evaluateDefinition(ctx context.Context, tenantID, projectID string, def domain.ContextDefinition, resolved map[string]any, opts Options) (any, error) {
	switch def.Kind {
	case domain.ContextKindConstant:
		return def.Value, nil

	case domain.ContextKindHeader:
		if opts.Headers == nil {
			if opts.Strict {
				return nil, errs.BadRequest("no header source configured for: " + def.Name)
			}
			return nil, fmt.Errorf("no header source for %q", def.Name)
		}
		val, ok := opts.Headers(def.HeaderName)
		if !ok {
			return nil, fmt.Errorf("header not present: %s", def.HeaderName)
		}
		return val, nil

	case domain.ContextKindCredential:
		if r.creds == nil {
			return nil, fmt.Errorf("no credential resolver configured for: %s", def.Name)
		}
		headers, err := r.creds.Resolve(ctx, def.CredentialRef, credentials.Params{
			TenantID: tenantID, ProjectID: projectID, ResolvedContext: resolved,
		})
		if err != nil {
			return nil, err
		}
		return headers, nil

	case domain.ContextKindDerived:
		tpl, err := template.New(def.Name).Option("missingkey=default").Parse(def.Template)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, resolved); err != nil {
			return nil, err
		}
		return buf.String(), nil

	default:
		return nil, fmt.Errorf("unknown context definition kind: %s", def.Kind)
	}
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, val, ok := strings.Cut(kv, "="); ok {
			out[name] = val
		}
	}
	return out
}
