// Package repository defines the storage abstraction (C1) the Agent
// Execution Core reads and writes conversations, messages, tasks, artifacts,
// and declarative agent configuration through. The on-disk format behind it
// is opaque to the core; concrete implementations live in sibling packages
// (inmem for tests and the quickstart binary, mongorepo for persisted
// deployments).
package repository

import (
	"context"

	"goa.design/agentcore/runtime/agent/domain"
)

// Repository is the single interface every core component depends on for
// persistence. Read operations return (nil, nil) for "not found" rather than
// an error; write operations are idempotent by primary key where
// applicable (createMessage is append-only and never collides; createTask
// and artifact persistence are the idempotent ones).
type Repository interface {
	// GetSubAgent returns the sub-agent definition, or nil if it does not
	// exist.
	GetSubAgent(ctx context.Context, tenantID, projectID, subAgentID string) (*domain.SubAgent, error)

	// GetAgentWithSubAgents returns every sub-agent belonging to the named
	// agent (project-scoped).
	GetAgentWithSubAgents(ctx context.Context, tenantID, projectID, agentID string) ([]*domain.SubAgent, error)

	// GetRelatedAgents returns the transfer/delegate relations declared by
	// subAgentID, split into internal (same-process) and external/team
	// (remote A2A) groups.
	GetRelatedAgents(ctx context.Context, tenantID, projectID, subAgentID string) (domain.RelatedAgents, error)

	// GetToolsForSubAgent returns the remote (MCP-style) tool bindings
	// configured for subAgentID.
	GetToolsForSubAgent(ctx context.Context, tenantID, projectID, subAgentID string) ([]domain.ToolConfig, error)

	// GetFunctionToolsForSubAgent returns the sandboxed function tool ids
	// bound to subAgentID.
	GetFunctionToolsForSubAgent(ctx context.Context, tenantID, projectID, subAgentID string) ([]domain.FunctionTool, error)

	// GetFunction returns a single sandboxed function tool by id, or nil.
	GetFunction(ctx context.Context, tenantID, projectID, functionID string) (*domain.FunctionTool, error)

	// GetCredentialReference returns a named credential reference, or nil.
	GetCredentialReference(ctx context.Context, tenantID, projectID, credentialID string) (*domain.CredentialReference, error)

	// GetContextConfigByID returns a named ContextConfig, or nil.
	GetContextConfigByID(ctx context.Context, tenantID, projectID, configID string) (*domain.ContextConfig, error)

	// GetConversationHistory loads messages for a conversation per §4.11.
	GetConversationHistory(ctx context.Context, conversationID string, q domain.HistoryQuery) ([]*domain.Message, error)

	// CreateMessage appends a message to its conversation. Messages are
	// never updated or deleted.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// CreateTask creates a new task row.
	CreateTask(ctx context.Context, task *domain.Task) error

	// UpdateTask persists status/metadata changes to an existing task.
	// Updating a task that does not exist returns NotFound.
	UpdateTask(ctx context.Context, task *domain.Task) error

	// GetTask returns a single task by id, or nil.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTaskIDsByContext returns every task id sharing a contextId.
	ListTaskIDsByContext(ctx context.Context, contextID string) ([]string, error)

	// GetLedgerArtifacts returns every artifact persisted for a task.
	GetLedgerArtifacts(ctx context.Context, taskID string) ([]*domain.Artifact, error)

	// PutArtifact persists an artifact, keyed by (ArtifactID, ToolCallID).
	// A duplicate write (matching primary key) is a no-op success, not an
	// error — artifact enrichment retries rely on this.
	PutArtifact(ctx context.Context, artifact *domain.Artifact) error

	// SetActiveSubAgentForThread updates a conversation's active sub-agent,
	// the only mutation Transfer performs on Conversation state.
	SetActiveSubAgentForThread(ctx context.Context, conversationID, subAgentID string) error

	// GetConversation returns a conversation by id, or nil.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// CreateConversation creates a new conversation row, used on first user
	// message.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
}
