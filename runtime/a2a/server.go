package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/runtime/a2a/types"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/streamparser"
)

// TaskDispatcher is the interface Server dispatches every task through.
// *agent.TaskHandler satisfies it; tests substitute fakes.
type TaskDispatcher interface {
	Handle(ctx context.Context, tenantID, projectID string, task types.A2ATask, sess *agentsession.Session, textEmit func(streamparser.Part)) (*types.A2ATaskResult, error)
}

type (
	// ServerConfig contains static configuration for an A2A server. It is
	// generated from the agent design and remains constant for the lifetime
	// of the server.
	ServerConfig struct {
		// TenantID/ProjectID scope every task this server dispatches.
		TenantID  string
		ProjectID string
		// SubAgentID is the sub-agent every message/send and message/stream
		// task is dispatched to; a message cannot name a different target.
		SubAgentID string

		AgentName        string
		AgentDescription string
		Version          string

		DefaultInputModes  []string
		DefaultOutputModes []string
		Capabilities       types.AgentCapabilities
		Skills             []SkillConfig
		Security           SecurityConfig

		// StatusSettings configures the turn's AgentSession throttled
		// status-update generation (§4.8). Zero value disables it.
		// StatusSettings.Summarizer should carry the serving sub-agent's
		// models.summarizer reference.
		StatusSettings agentsession.Settings
		// StatusGen invokes the summarizer model per §4.8 step 3. Production
		// callers construct this with agent.NewStatusGenerator(modelResolver).
		StatusGen agentsession.Generator
	}

	// SkillConfig describes one A2A skill surfaced on the agent card.
	SkillConfig struct {
		ID          string
		Name        string
		Description string
		Tags        []string
		InputModes  []string
		OutputModes []string
	}

	// SecurityConfig captures security schemes and requirements for the A2A
	// agent card.
	SecurityConfig struct {
		Schemes      map[string]*types.SecurityScheme
		Requirements []map[string][]string
	}

	// TaskStore abstracts task state management for pluggability. The
	// default implementation is in-memory and process-bound.
	TaskStore interface {
		Store(id string, state *TaskState) error
		Load(id string) (*TaskState, bool)
		Delete(id string)
	}

	// TaskState is the live state of one in-flight or completed task. It is
	// safe for concurrent use.
	TaskState struct {
		mu     sync.RWMutex
		Task   *types.Task
		Cancel context.CancelFunc
	}

	// Server implements the A2A JSON-RPC 2.0 surface (§6) by dispatching
	// every task through a TaskHandler and tracking task state in a
	// TaskStore.
	Server struct {
		handler TaskDispatcher
		baseURL string
		config  ServerConfig
		store   TaskStore
		log     telemetry.Logger
	}

	// ServerOption configures optional aspects of the Server.
	ServerOption func(*Server)

	inMemoryTaskStore struct {
		mu    sync.RWMutex
		tasks map[string]*TaskState
	}
)

// NewServer creates an A2A server dispatching through handler.
func NewServer(handler TaskDispatcher, baseURL string, cfg ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		baseURL: baseURL,
		config:  cfg,
		store:   newInMemoryTaskStore(),
		log:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithTaskStore configures the server to use store instead of the default
// in-memory implementation.
func WithTaskStore(store TaskStore) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithLogger configures the server's telemetry logger.
func WithLogger(log telemetry.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// HandleEnvelope dispatches one non-streaming JSON-RPC request (§6):
// message/send (blocking or non-blocking), tasks/get, tasks/cancel,
// agent.invoke, agent.getCapabilities, agent.getStatus. message/stream and
// tasks/resubscribe are handled separately by HandleStream since they
// require an SSE emitter.
func (s *Server) HandleEnvelope(ctx context.Context, raw []byte) *types.ResponseEnvelope {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.Failure(nil, types.NewRPCError(types.CodeParseError, "invalid JSON-RPC envelope"))
	}
	if env.JSONRPC != "2.0" || env.Method == "" {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "jsonrpc must be \"2.0\" and method is required"))
	}

	switch env.Method {
	case "message/send":
		return s.handleMessageSend(ctx, env)
	case "tasks/get":
		return s.handleTasksGet(env)
	case "tasks/cancel":
		return s.handleTasksCancel(env)
	case "agent.invoke":
		return s.handleAgentInvoke(ctx, env)
	case "agent.getCapabilities":
		return types.Success(env.ID, s.config.Capabilities)
	case "agent.getStatus":
		return types.Success(env.ID, types.GetStatusResult{Status: "ready", SubAgentID: s.config.SubAgentID})
	case "message/stream", "tasks/resubscribe":
		return types.Failure(env.ID, types.NewRPCError(types.CodeStreamingUnsupported, "method requires a streaming transport"))
	default:
		return types.Failure(env.ID, types.NewRPCError(types.CodeMethodNotFound, fmt.Sprintf("unknown method %q", env.Method)))
	}
}

// StreamEmitter publishes one JSON-RPC response envelope as an SSE frame:
// "data: <json>\n\n".
type StreamEmitter func(*types.ResponseEnvelope) error

// HandleStream dispatches message/stream and tasks/resubscribe (§6), both of
// which emit a sequence of envelopes via emit rather than returning a single
// result.
func (s *Server) HandleStream(ctx context.Context, raw []byte, emit StreamEmitter) error {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return emit(types.Failure(nil, types.NewRPCError(types.CodeParseError, "invalid JSON-RPC envelope")))
	}
	switch env.Method {
	case "message/stream":
		return s.handleMessageStream(ctx, env, emit)
	case "tasks/resubscribe":
		return s.handleResubscribe(env, emit)
	default:
		return emit(types.Failure(env.ID, types.NewRPCError(types.CodeMethodNotFound, fmt.Sprintf("%q does not support streaming", env.Method))))
	}
}

func (s *Server) handleMessageSend(ctx context.Context, env types.Envelope) *types.ResponseEnvelope {
	var params types.MessageSendParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "invalid message/send params"))
	}

	task := s.newA2ATask(params.Message)
	sess := s.newSession(ctx, task.ID)
	defer sess.End()

	result, err := s.handler.Handle(ctx, s.config.TenantID, s.config.ProjectID, task, sess, nil)
	if err != nil {
		return types.Failure(env.ID, rpcErrorFor(err))
	}

	t := taskFromResult(task, result)
	s.store.Store(task.ID, &TaskState{Task: t})

	if params.IsBlocking() {
		if t.Status.Message != nil {
			return types.Success(env.ID, t.Status.Message)
		}
		return types.Success(env.ID, types.Message{Role: "agent", Parts: []types.Part{}})
	}
	return types.Success(env.ID, t)
}

func (s *Server) handleMessageStream(ctx context.Context, env types.Envelope, emit StreamEmitter) error {
	var params types.MessageSendParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return emit(types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "invalid message/stream params")))
	}

	task := s.newA2ATask(params.Message)
	working := &types.Task{ID: task.ID, ContextID: task.ConversationID, Status: types.TaskStatus{State: types.TaskStateWorking, Timestamp: nowRFC3339()}}
	if err := emit(types.Success(env.ID, working)); err != nil {
		return err
	}

	sess := s.newStreamingSession(ctx, task.ID, env.ID, emit)
	defer sess.End()

	result, err := s.handler.Handle(ctx, s.config.TenantID, s.config.ProjectID, task, sess, textEmitter(env.ID, emit))
	if err != nil {
		return emit(types.Failure(env.ID, rpcErrorFor(err)))
	}

	t := taskFromResult(task, result)
	s.store.Store(task.ID, &TaskState{Task: t})
	return emit(types.Success(env.ID, t))
}

func (s *Server) handleTasksGet(env types.Envelope) *types.ResponseEnvelope {
	var params types.GetTaskParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "invalid tasks/get params"))
	}
	state, ok := s.store.Load(params.ID)
	if !ok {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInternalError, "task not found"))
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return types.Success(env.ID, state.Task)
}

func (s *Server) handleTasksCancel(env types.Envelope) *types.ResponseEnvelope {
	var params types.CancelTaskParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "invalid tasks/cancel params"))
	}
	state, ok := s.store.Load(params.ID)
	if !ok {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInternalError, "task not found"))
	}
	state.mu.Lock()
	if state.Cancel != nil {
		state.Cancel()
	}
	if state.Task != nil {
		state.Task.Status = types.TaskStatus{State: types.TaskStateCanceled, Timestamp: nowRFC3339()}
	}
	state.mu.Unlock()
	return types.Success(env.ID, types.CancelTaskResult{Success: true})
}

func (s *Server) handleResubscribe(env types.Envelope, emit StreamEmitter) error {
	var params types.ResubscribeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return emit(types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "invalid tasks/resubscribe params")))
	}
	state, ok := s.store.Load(params.TaskID)
	if !ok {
		return emit(types.Failure(env.ID, types.NewRPCError(types.CodeInternalError, "task not found")))
	}
	state.mu.RLock()
	t := state.Task
	state.mu.RUnlock()
	return emit(types.Success(env.ID, t))
}

// handleAgentInvoke implements agent.invoke: the raw A2ATask carries its own
// subAgentId, so (unlike message/send) it may target any sub-agent this
// server's Repository scope can resolve — used for same-process delegation
// and inbound delegate_to_* calls.
func (s *Server) handleAgentInvoke(ctx context.Context, env types.Envelope) *types.ResponseEnvelope {
	var task types.A2ATask
	if err := json.Unmarshal(env.Params, &task); err != nil {
		return types.Failure(env.ID, types.NewRPCError(types.CodeInvalidRequest, "invalid agent.invoke params"))
	}
	if task.ID == "" {
		task.ID = "task_" + uuid.New().String()
	}

	sess := s.newSession(ctx, task.ID)
	defer sess.End()

	result, err := s.handler.Handle(ctx, s.config.TenantID, s.config.ProjectID, task, sess, nil)
	if err != nil {
		return types.Failure(env.ID, rpcErrorFor(err))
	}
	return types.Success(env.ID, result)
}

// AgentCard implements the GET /.well-known/agent.json discovery document.
func (s *Server) AgentCard() *types.AgentCard {
	skills := make([]types.Skill, 0, len(s.config.Skills))
	for _, sk := range s.config.Skills {
		skills = append(skills, types.Skill{
			ID:          sk.ID,
			Name:        sk.Name,
			Description: sk.Description,
			Tags:        sk.Tags,
			InputModes:  sk.InputModes,
			OutputModes: sk.OutputModes,
		})
	}
	return &types.AgentCard{
		Name:               s.config.AgentName,
		Description:        s.config.AgentDescription,
		URL:                s.baseURL,
		Version:            s.config.Version,
		Capabilities:       s.config.Capabilities,
		DefaultInputModes:  s.config.DefaultInputModes,
		DefaultOutputModes: s.config.DefaultOutputModes,
		Skills:             skills,
		SecuritySchemes:    s.config.Security.Schemes,
		Security:           s.config.Security.Requirements,
	}
}

func (s *Server) newA2ATask(msg types.Message) types.A2ATask {
	id := msg.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	taskID := "task_" + firstNonEmptyStr(msg.ContextID, id) + "-" + uuid.New().String()[:8]
	return types.A2ATask{
		ID:             taskID,
		ConversationID: msg.ContextID,
		SubAgentID:     s.config.SubAgentID,
		Message:        msg,
	}
}

func (s *Server) newSession(ctx context.Context, id string) *agentsession.Session {
	return agentsession.New(ctx, id, s.config.StatusSettings, s.config.StatusGen, nil, nil, s.log)
}

func (s *Server) newStreamingSession(ctx context.Context, id string, rpcID json.RawMessage, emit StreamEmitter) *agentsession.Session {
	emitFn := func(b agentsession.StatusBranch) {
		_ = emit(types.Success(rpcID, map[string]any{"type": "summary", "label": b.Label, "details": b.Details}))
	}
	return agentsession.New(ctx, id, s.config.StatusSettings, s.config.StatusGen, emitFn, nil, s.log)
}

// textEmitter adapts a streamparser.Part stream into SSE Message frames.
func textEmitter(rpcID json.RawMessage, emit StreamEmitter) func(streamparser.Part) {
	return func(p streamparser.Part) {
		var part types.Part
		switch p.Kind {
		case streamparser.PartText:
			part = types.TextPart(p.Text)
		case streamparser.PartData:
			part = types.DataPart(p.Data)
		default:
			return
		}
		_ = emit(types.Success(rpcID, types.Message{Role: "agent", Parts: []types.Part{part}}))
	}
}

// taskFromResult renders a TaskHandler result as the Task shape §6 returns
// from message/send and message/stream, including the transfer-envelope
// special case.
func taskFromResult(task types.A2ATask, result *types.A2ATaskResult) *types.Task {
	t := &types.Task{
		ID:        task.ID,
		ContextID: task.ConversationID,
		Status:    types.TaskStatus{State: result.Status, Message: result.Message, Timestamp: nowRFC3339()},
		Artifacts: result.Artifacts,
	}
	if result.Transfer != nil {
		raw, _ := json.Marshal(result.Transfer)
		t.Artifacts = []types.Artifact{{
			Name:  "transfer",
			Parts: []types.Part{{Kind: "data", Data: raw}},
		}}
	}
	return t
}

func rpcErrorFor(err error) *types.RPCError {
	return types.NewRPCError(types.CodeInternalError, err.Error())
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newInMemoryTaskStore() *inMemoryTaskStore {
	return &inMemoryTaskStore{tasks: make(map[string]*TaskState)}
}

func (s *inMemoryTaskStore) Store(id string, state *TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = state
	return nil
}

func (s *inMemoryTaskStore) Load(id string) (*TaskState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.tasks[id]
	return state, ok
}

func (s *inMemoryTaskStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}
