package agent

import (
	"context"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/contextresolver"
	"goa.design/agentcore/runtime/credentials"
	"goa.design/agentcore/runtime/repository"
	"goa.design/agentcore/runtime/streamparser"
	"goa.design/agentcore/runtime/toolregistry"
	"goa.design/agentcore/runtime/toolsession"
)

// ModelResolver resolves a domain.ModelSettings field (e.g. "base",
// "structuredOutput", "summarizer") to a concrete model.Client plus the
// model identifier to request. Sub-agents name a provider+model pair
// (e.g. "anthropic:claude-sonnet-4-5"); resolution fails fast when the
// provider is unrecognized, matching §4.9 step 1.
type ModelResolver interface {
	Resolve(ctx context.Context, ref string) (model.Client, string, error)
}

// Deps bundles every collaborator the two-phase generator (C9) depends on.
// A single Deps is shared by every Agent invocation in a process; per-turn
// state lives in GenerateRequest and in locals of Agent.Generate, not here.
type Deps struct {
	Repo        repository.Repository
	Credentials *credentials.Resolver
	Context     *contextresolver.Resolver
	Tools       *toolregistry.Registry
	ToolSess    *toolsession.Manager
	Models      ModelResolver

	Log     telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	// DefaultStepCount bounds Phase 1 when a sub-agent leaves StopWhen.StepCountIs
	// unset. Per §4.9, the spec default is 20.
	DefaultStepCount int
}

// Agent is the two-phase generation engine (C9). It is safe for concurrent
// use by multiple turns; all per-turn state is local to Generate.
type Agent struct {
	deps Deps
}

// New constructs an Agent over deps, filling unset optional fields with
// their documented defaults.
func New(deps Deps) *Agent {
	if deps.Log == nil {
		deps.Log = telemetry.NewNoopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.DefaultStepCount <= 0 {
		deps.DefaultStepCount = 20
	}
	return &Agent{deps: deps}
}

// GenerateRequest carries one turn's inputs to Agent.Generate. ConversationID,
// TaskID, and StreamRequestID are supplied by the caller (TaskHandler); the
// Agent never invents identifiers for state it does not own.
type GenerateRequest struct {
	TenantID       string
	ProjectID      string
	SubAgentID     string
	ConversationID string
	TaskID         string
	// StreamRequestID names the turn; ToolSession and AgentSession are both
	// keyed by this id and may be shared across delegated sub-agents of the
	// same turn.
	StreamRequestID string
	ContextID       string
	UserMessage     string
	// IsDelegation suppresses client-facing streaming per §4.10.
	IsDelegation bool

	// Session is the turn's shared AgentSession. The caller owns its
	// lifecycle (created once per top-level turn, ended after delegation
	// round-trips complete).
	Session *agentsession.Session
	// TextEmit receives ordered text/data parts as they are produced, for
	// callers that stream to a client. May be nil for non-streaming callers.
	TextEmit func(streamparser.Part)

	// RelationNotes carries, per related sub-agent id, a one-line summary of
	// that sub-agent's own one-hop transfer/delegate capabilities. TaskHandler
	// populates this per §4.10's "enhance each related sub-agent's
	// description" step; the planning prompt surfaces it alongside the
	// relation tool catalog.
	RelationNotes map[string]string
}

// GenerateResult is Agent.Generate's return value.
type GenerateResult struct {
	Parts          []streamparser.Part
	GenerationType string
	Transfer       *TransferResult
}

// TransferResult carries the transfer envelope payload per §4.9's
// "Transfer short-circuit".
type TransferResult struct {
	TargetSubAgentID string
	FromSubAgentID   string
	Reason           string
	OriginalMessage  string
}

const (
	GenerationTypeText   = "text_generation"
	GenerationTypeObject = "object_generation"
)

// History assembly lives in history.go; Phase 1/Phase 2 mechanics live in
// phase1.go/phase2.go; orchestration lives in agent.go.
