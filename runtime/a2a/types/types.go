// Package types defines the A2A protocol data types used for task
// management, message exchange, and agent discovery. Field names use
// camelCase JSON tags to conform to the A2A JSON-RPC 2.0 protocol
// specification.
//
//nolint:tagliatelle // A2A protocol specification requires camelCase JSON field names
package types

import "encoding/json"

// JSON-RPC 2.0 error codes per §6.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInternalError        = -32603
	CodeStreamingUnsupported = -32604
)

// Envelope is the JSON-RPC 2.0 request envelope every A2A method is
// dispatched through: {jsonrpc, id, method, params}.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ResponseEnvelope is the JSON-RPC 2.0 response envelope. Exactly one of
// Result or Error is populated.
type ResponseEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// NewRPCError constructs an RPCError carrying one of the Code* constants.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Success wraps result in a ResponseEnvelope matching the request id.
func Success(id json.RawMessage, result any) *ResponseEnvelope {
	return &ResponseEnvelope{JSONRPC: "2.0", ID: id, Result: result}
}

// Failure wraps err in a ResponseEnvelope matching the request id.
func Failure(id json.RawMessage, err *RPCError) *ResponseEnvelope {
	return &ResponseEnvelope{JSONRPC: "2.0", ID: id, Error: err}
}

// Part is one content block of a Message or Artifact: either {kind:"text",
// text} or {kind:"data", data}.
type Part struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TextPart constructs a {kind:"text"} Part.
func TextPart(text string) Part { return Part{Kind: "text", Text: text} }

// DataPart constructs a {kind:"data"} Part, marshaling data to JSON.
func DataPart(data any) Part {
	raw, _ := json.Marshal(data)
	return Part{Kind: "data", Data: raw}
}

// Message is an A2A chat message: message/send's input shape and the shape
// returned for non-task (blocking, text-only) responses.
type Message struct {
	MessageID string         `json:"messageId"`
	ContextID string         `json:"contextId,omitempty"`
	Role      string         `json:"role,omitempty"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendConfiguration controls message/send and message/stream behavior.
type SendConfiguration struct {
	// Blocking requests a synchronous Message result instead of a Task when
	// true; nil defaults to non-blocking (Task).
	Blocking *bool `json:"blocking,omitempty"`
}

// MessageSendParams is the params object for message/send and
// message/stream.
type MessageSendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// IsBlocking reports whether the caller requested a blocking Message result.
func (p MessageSendParams) IsBlocking() bool {
	return p.Configuration != nil && p.Configuration.Blocking != nil && *p.Configuration.Blocking
}

// TaskStatus is a task's status snapshot.
type TaskStatus struct {
	State     string   `json:"state"`
	Message   *Message `json:"message,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Task states.
const (
	TaskStateSubmitted = "submitted"
	TaskStateWorking   = "working"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
	TaskStateCanceled  = "canceled"
)

// Artifact is a task output artifact.
type Artifact struct {
	ArtifactID  string         `json:"artifactId,omitempty"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task is the A2A task resource returned by message/send (non-blocking),
// message/stream, and tasks/get.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TransferData is the payload carried by a transfer envelope's single data
// part, per §6 "Transfer envelope".
type TransferData struct {
	Type             string `json:"type"`
	TargetSubAgentID string `json:"targetSubAgentId"`
	FromSubAgentID   string `json:"fromSubAgentId,omitempty"`
	TaskID           string `json:"task_id"`
	Reason           string `json:"reason"`
	OriginalMessage  string `json:"original_message"`
}

// GetTaskParams is the params object for tasks/get.
type GetTaskParams struct {
	ID string `json:"id"`
}

// CancelTaskParams is the params object for tasks/cancel.
type CancelTaskParams struct {
	ID string `json:"id"`
}

// CancelTaskResult is the result object for tasks/cancel.
type CancelTaskResult struct {
	Success bool `json:"success"`
}

// ResubscribeParams is the params object for tasks/resubscribe.
type ResubscribeParams struct {
	TaskID string `json:"taskId"`
}

// A2ATask is the raw task envelope agent.invoke accepts, used for
// same-process internal delegation (TaskHandler calling itself for a
// related sub-agent) as well as inbound delegate_to_* relation calls.
type A2ATask struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId,omitempty"`
	SubAgentID     string         `json:"subAgentId"`
	Message        Message        `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// A2ATaskResult is agent.invoke's result: the terminal outcome of one
// TaskHandler.Handle call.
type A2ATaskResult struct {
	TaskID    string         `json:"taskId"`
	Status    string         `json:"status"`
	Message   *Message       `json:"message,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Transfer  *TransferData  `json:"transfer,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// GetStatusResult is the result object for agent.getStatus.
type GetStatusResult struct {
	Status     string `json:"status"`
	SubAgentID string `json:"subAgentId"`
}

// AgentCapabilities declares the protocol features an agent supports.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentCard is the discovery document returned by GET
// /.well-known/agent.json.
type AgentCard struct {
	Name               string                     `json:"name"`
	Description        string                     `json:"description,omitempty"`
	URL                string                     `json:"url"`
	Version            string                     `json:"version"`
	Capabilities       AgentCapabilities          `json:"capabilities"`
	DefaultInputModes  []string                   `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string                   `json:"defaultOutputModes,omitempty"`
	Skills             []Skill                    `json:"skills"`
	Provider           map[string]any             `json:"provider,omitempty"`
	SecuritySchemes    map[string]*SecurityScheme `json:"securitySchemes,omitempty"`
	Security           any                        `json:"security,omitempty"`
}

// Skill describes one capability an agent exposes.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// SecurityScheme represents a single security scheme definition in the
// AgentCard. It is intentionally minimal and closely aligned with the A2A
// security profile.
type SecurityScheme struct {
	Type   string          `json:"type"`
	Scheme string          `json:"scheme,omitempty"`
	In     string          `json:"in,omitempty"`
	Name   string          `json:"name,omitempty"`
	Flows  json.RawMessage `json:"flows,omitempty"`
}
