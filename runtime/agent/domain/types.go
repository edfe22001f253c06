// Package domain defines the data model shared by every component of the
// Agent Execution Core: conversations, messages, tasks, artifacts, and the
// declarative sub-agent configuration the Repository serves.
package domain

import "time"

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAgent     MessageRole = "agent"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageType classifies a Message's place in the protocol.
type MessageType string

const (
	MessageTypeChat         MessageType = "chat"
	MessageTypeA2ARequest   MessageType = "a2a-request"
	MessageTypeA2AResponse  MessageType = "a2a-response"
	MessageTypeToolResult   MessageType = "tool-result"
	MessageTypeSystem       MessageType = "system"
)

// MessageVisibility controls whether a Message is ever shown to an end user.
type MessageVisibility string

const (
	VisibilityUserFacing MessageVisibility = "user-facing"
	VisibilityInternal   MessageVisibility = "internal"
	VisibilityExternal   MessageVisibility = "external"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Conversation is the top-level thread a user and the agent graph share.
// Exactly one sub-agent is active at any time; Transfer changes it.
type Conversation struct {
	ID               string    `bson:"_id"`
	TenantID         string    `bson:"tenantId"`
	ProjectID        string    `bson:"projectId"`
	ActiveSubAgentID string    `bson:"activeSubAgentId"`
	CreatedAt        time.Time `bson:"createdAt"`
}

// Message is an append-only record in a Conversation.
type Message struct {
	ID                  string         `bson:"id"`
	ConversationID      string         `bson:"conversationId"`
	Role                MessageRole    `bson:"role"`
	MessageType         MessageType    `bson:"messageType"`
	Visibility          MessageVisibility `bson:"visibility"`
	Content             MessageContent `bson:"content"`
	FromSubAgentID      string         `bson:"fromSubAgentId,omitempty"`
	ToSubAgentID        string         `bson:"toSubAgentId,omitempty"`
	FromExternalAgentID string         `bson:"fromExternalAgentId,omitempty"`
	ToExternalAgentID   string         `bson:"toExternalAgentId,omitempty"`
	TaskID              string         `bson:"taskId,omitempty"`
	A2ATaskID           string         `bson:"a2aTaskId,omitempty"`
	Metadata            map[string]any `bson:"metadata,omitempty"`
	CreatedAt           time.Time      `bson:"createdAt"`
}

// MessageContent carries the textual body of a Message.
type MessageContent struct {
	Text string `bson:"text"`
}

// Task represents one top-level user turn, or a delegated child turn sharing
// the parent's ConversationID.
type Task struct {
	ID             string         `bson:"_id"`
	ConversationID string         `bson:"conversationId"`
	SubAgentID     string         `bson:"subAgentId"`
	Status         TaskStatus     `bson:"status"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	CreatedAt      time.Time      `bson:"createdAt"`
	UpdatedAt      time.Time      `bson:"updatedAt"`
}

// Artifact is a structured payload derived from a tool result, keyed for
// dedup by (ArtifactID, ToolCallID).
type Artifact struct {
	ArtifactID  string           `bson:"artifactId"`
	TaskID      string           `bson:"taskId"`
	Name        string           `bson:"name,omitempty"`
	Description string           `bson:"description,omitempty"`
	Type        string           `bson:"type"`
	Summary     map[string]any   `bson:"summary,omitempty"`
	Full        map[string]any   `bson:"full,omitempty"`
	Metadata    ArtifactMetadata `bson:"metadata"`
	CreatedAt   time.Time        `bson:"createdAt"`
}

// ArtifactMetadata records where an Artifact came from.
type ArtifactMetadata struct {
	ToolCallID   string `bson:"toolCallId"`
	ArtifactType string `bson:"artifactType"`
	BaseSelector string `bson:"baseSelector,omitempty"`
}

// RelationKind distinguishes how a related sub-agent is reached.
type RelationKind string

const (
	RelationInternal RelationKind = "internal"
	RelationExternal RelationKind = "external"
	RelationTeam     RelationKind = "team"
)

// Relation is an edge in the sub-agent graph: either a Transfer (hand off
// control) or a Delegate (request a bounded sub-task, control returns).
type Relation struct {
	TargetSubAgentID string       `bson:"targetSubAgentId"`
	Kind             RelationKind `bson:"kind"`
	// Endpoint is the remote A2A URL for external/team relations; empty for
	// internal relations, which are resolved same-process.
	Endpoint string `bson:"endpoint,omitempty"`
	// CredentialRef names the CredentialResolver reference used to attach
	// headers for external/team relations.
	CredentialRef string `bson:"credentialRef,omitempty"`
}

// ModelSettings names the model identifiers a SubAgent resolves to for each
// generation phase. Agent.Generate reads them from the SubAgent alone; no
// Agent- or project-level settings are consulted. An empty StructuredOutput
// falls back to Base.
type ModelSettings struct {
	Base             string `bson:"base,omitempty"`
	StructuredOutput string `bson:"structuredOutput,omitempty"`
	Summarizer       string `bson:"summarizer,omitempty"`
	// MaxDurationMS overrides the default Phase 1 timeout, in milliseconds.
	MaxDurationMS int `bson:"maxDurationMs,omitempty"`
}

// StopWhen bounds Phase 1's planning loop.
type StopWhen struct {
	// StepCountIs is the maximum number of Phase 1 steps. Zero means the
	// default of 20 applies.
	StepCountIs int `bson:"stepCountIs,omitempty"`
}

// ConversationHistoryMode selects how much history C9 loads per turn.
type ConversationHistoryMode string

const (
	HistoryModeFull   ConversationHistoryMode = "full"
	HistoryModeScoped ConversationHistoryMode = "scoped"
	HistoryModeNone   ConversationHistoryMode = "none"
)

// ConversationHistoryConfig configures §4.11 history assembly.
type ConversationHistoryConfig struct {
	Mode            ConversationHistoryMode `bson:"mode,omitempty"`
	Limit           int                     `bson:"limit,omitempty"`
	IncludeInternal bool                    `bson:"includeInternal,omitempty"`
	MessageTypes    []MessageType           `bson:"messageTypes,omitempty"`
	MaxOutputTokens int                     `bson:"maxOutputTokens,omitempty"`
}

// StatusUpdateSettings configures C8's throttled status-update generation.
type StatusUpdateSettings struct {
	NumEvents        int               `bson:"numEvents,omitempty"`
	TimeInSeconds    int               `bson:"timeInSeconds,omitempty"`
	Prompt           string            `bson:"prompt,omitempty"`
	StatusComponents []StatusComponent `bson:"statusComponents,omitempty"`
}

// StatusComponent is one branch of the status-update union schema.
type StatusComponent struct {
	Name   string         `bson:"name"`
	Label  string         `bson:"label"`
	Detail map[string]any `bson:"detail,omitempty"` // JSON-Schema-like shape, optional
}

// DataComponent declares a structured Phase 2 response field.
type DataComponent struct {
	Name   string         `bson:"name"`
	Schema map[string]any `bson:"schema"`
}

// ArtifactComponent declares an artifact's summary/full projections and its
// creation-directive schema.
type ArtifactComponent struct {
	Type          string         `bson:"type"`
	SummarySchema map[string]any `bson:"summarySchema"`
	FullSchema    map[string]any `bson:"fullSchema"`
}

// SubAgent is one node in the agent graph.
type SubAgent struct {
	// ID is the plain sub-agent identifier; the Mongo "_id" a mongorepo
	// document is keyed by is tenant/project-scoped and set independently by
	// whatever loads configuration into the collection.
	ID                        string                    `bson:"id"`
	Name                      string                    `bson:"name"`
	Description               string                    `bson:"description,omitempty"`
	Prompt                    string                    `bson:"prompt"`
	Models                    ModelSettings             `bson:"models"`
	StopWhen                  StopWhen                  `bson:"stopWhen,omitempty"`
	ConversationHistoryConfig ConversationHistoryConfig `bson:"conversationHistoryConfig,omitempty"`
	ContextConfigID           string                    `bson:"contextConfigId,omitempty"`
	DataComponents            []DataComponent           `bson:"dataComponents,omitempty"`
	ArtifactComponents        []ArtifactComponent       `bson:"artifactComponents,omitempty"`
}

// RelatedAgents groups a SubAgent's relations by reachability.
type RelatedAgents struct {
	Internal []Relation `bson:"internal,omitempty"`
	External []Relation `bson:"external,omitempty"`
}

// CredentialKind distinguishes how a CredentialReference is resolved.
type CredentialKind string

const (
	CredentialKindStatic    CredentialKind = "static"
	CredentialKindEnv       CredentialKind = "env"
	CredentialKindTemplated CredentialKind = "templated"
)

// CredentialReference names a credential the CredentialResolver can turn
// into HTTP headers.
type CredentialReference struct {
	ID   string         `bson:"id"`
	Kind CredentialKind `bson:"kind"`
	// Headers holds literal name->value pairs for CredentialKindStatic.
	Headers map[string]string `bson:"headers,omitempty"`
	// EnvVar names the environment variable for CredentialKindEnv.
	EnvVar string `bson:"envVar,omitempty"`
	// HeaderName is the header the resolved value is attached to for Env and
	// Templated kinds.
	HeaderName string `bson:"headerName,omitempty"`
	// Template is a text/template body rendered against the resolved
	// ContextResolver output for CredentialKindTemplated.
	Template string `bson:"template,omitempty"`
}

// ContextDefinitionKind distinguishes a ContextConfig node's evaluation rule.
type ContextDefinitionKind string

const (
	ContextKindConstant   ContextDefinitionKind = "constant"
	ContextKindHeader     ContextDefinitionKind = "header"
	ContextKindCredential ContextDefinitionKind = "credential"
	ContextKindDerived    ContextDefinitionKind = "derived"
)

// ContextDefinition is one node in a ContextConfig's DAG.
type ContextDefinition struct {
	Name string                `bson:"name"`
	Kind ContextDefinitionKind `bson:"kind"`
	// Value holds the literal for ContextKindConstant.
	Value any `bson:"value,omitempty"`
	// HeaderName names the inbound request header for ContextKindHeader.
	HeaderName string `bson:"headerName,omitempty"`
	// CredentialRef names the CredentialReference for ContextKindCredential.
	CredentialRef string `bson:"credentialRef,omitempty"`
	// Template is a text/template body rendered against already-resolved
	// values plus $env for ContextKindDerived.
	Template string `bson:"template,omitempty"`
}

// ContextConfig is a declarative, named DAG of ContextDefinitions.
type ContextConfig struct {
	ID          string               `bson:"id"`
	Definitions []ContextDefinition `bson:"definitions"`
}

// FunctionTool is a sandboxed function tool definition.
type FunctionTool struct {
	ID          string         `bson:"id"`
	Name        string         `bson:"name"`
	Description string         `bson:"description,omitempty"`
	InputSchema map[string]any `bson:"inputSchema,omitempty"`
	// Code is the sandboxed function's source, interpreted by the configured
	// executor Backend.
	Code      string `bson:"code"`
	TimeoutMS int    `bson:"timeoutMs,omitempty"`
	VCPUs     int    `bson:"vcpus,omitempty"`
}

// ToolConfig describes a remote (MCP-style) tool binding for a SubAgent.
type ToolConfig struct {
	ID            string `bson:"id"`
	Name          string `bson:"name"`
	Description   string `bson:"description,omitempty"`
	Suite         string `bson:"suite,omitempty"`
	CredentialRef string `bson:"credentialRef,omitempty"`
	// Endpoint is the remote tool server's connection URL.
	Endpoint  string `bson:"endpoint"`
	Transport string `bson:"transport"` // "http", "sse", or "stdio"
}

// HistoryQuery parameterizes GetConversationHistory.
type HistoryQuery struct {
	Config ConversationHistoryConfig
	// SubAgentID scopes a "scoped" query to the requesting sub-agent.
	SubAgentID string
	// TaskID scopes a "scoped" query to the current task.
	TaskID string
}
