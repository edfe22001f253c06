// Package inmem implements repository.Repository over in-process maps. It
// backs the package tests; it is not durable.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/repository"
)

// Store is an in-memory repository.Repository. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.RWMutex

	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.Message // by conversationID, append-order
	tasks         map[string]*domain.Task
	tasksByCtx    map[string][]string // contextID -> taskIDs
	artifacts     map[string]*domain.Artifact // key: artifactID + "/" + toolCallID

	subAgents        map[string]*domain.SubAgent // key: tenant/project/subAgentID
	agentIndex       map[string][]string         // key: tenant/project/agentID -> subAgentIDs
	related          map[string]domain.RelatedAgents
	tools            map[string][]domain.ToolConfig
	functions        map[string]*domain.FunctionTool
	functionBindings map[string][]string // key: tenant/project/subAgentID -> functionIDs
	credentials      map[string]*domain.CredentialReference
	contexts         map[string]*domain.ContextConfig
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
		tasks:         make(map[string]*domain.Task),
		tasksByCtx:    make(map[string][]string),
		artifacts:     make(map[string]*domain.Artifact),
		subAgents:        make(map[string]*domain.SubAgent),
		agentIndex:       make(map[string][]string),
		related:          make(map[string]domain.RelatedAgents),
		tools:            make(map[string][]domain.ToolConfig),
		functions:        make(map[string]*domain.FunctionTool),
		functionBindings: make(map[string][]string),
		credentials:      make(map[string]*domain.CredentialReference),
		contexts:         make(map[string]*domain.ContextConfig),
	}
}

var _ repository.Repository = (*Store)(nil)

func subAgentKey(tenantID, projectID, subAgentID string) string {
	return tenantID + "/" + projectID + "/" + subAgentID
}

func artifactKey(artifactID, toolCallID string) string {
	return artifactID + "/" + toolCallID
}

// Seed* helpers let tests populate configuration
// that in a real deployment would be loaded from YAML (§ Ambient Stack) or a
// durable store.

// SeedSubAgent registers a sub-agent definition.
func (s *Store) SeedSubAgent(tenantID, projectID string, sa *domain.SubAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subAgents[subAgentKey(tenantID, projectID, sa.ID)] = sa
}

// SeedAgent associates a set of sub-agent ids with an agent id.
func (s *Store) SeedAgent(tenantID, projectID, agentID string, subAgentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentIndex[subAgentKey(tenantID, projectID, agentID)] = subAgentIDs
}

// SeedRelations registers subAgentID's transfer/delegate relations.
func (s *Store) SeedRelations(tenantID, projectID, subAgentID string, rel domain.RelatedAgents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.related[subAgentKey(tenantID, projectID, subAgentID)] = rel
}

// SeedTools registers subAgentID's remote tool bindings.
func (s *Store) SeedTools(tenantID, projectID, subAgentID string, tools []domain.ToolConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[subAgentKey(tenantID, projectID, subAgentID)] = tools
}

// SeedFunction registers a sandboxed function tool.
func (s *Store) SeedFunction(tenantID, projectID string, fn *domain.FunctionTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functions[subAgentKey(tenantID, projectID, fn.ID)] = fn
}

// SeedFunctionBinding associates sandboxed function ids with a sub-agent.
func (s *Store) SeedFunctionBinding(tenantID, projectID, subAgentID string, functionIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionBindings[subAgentKey(tenantID, projectID, subAgentID)] = functionIDs
}

// SeedCredential registers a credential reference.
func (s *Store) SeedCredential(tenantID, projectID string, cred *domain.CredentialReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[subAgentKey(tenantID, projectID, cred.ID)] = cred
}

// SeedContextConfig registers a context config.
func (s *Store) SeedContextConfig(tenantID, projectID string, cfg *domain.ContextConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[subAgentKey(tenantID, projectID, cfg.ID)] = cfg
}

func (s *Store) GetSubAgent(_ context.Context, tenantID, projectID, subAgentID string) (*domain.SubAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subAgents[subAgentKey(tenantID, projectID, subAgentID)], nil
}

func (s *Store) GetAgentWithSubAgents(_ context.Context, tenantID, projectID, agentID string) ([]*domain.SubAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.agentIndex[subAgentKey(tenantID, projectID, agentID)]
	out := make([]*domain.SubAgent, 0, len(ids))
	for _, id := range ids {
		if sa := s.subAgents[subAgentKey(tenantID, projectID, id)]; sa != nil {
			out = append(out, sa)
		}
	}
	return out, nil
}

func (s *Store) GetRelatedAgents(_ context.Context, tenantID, projectID, subAgentID string) (domain.RelatedAgents, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.related[subAgentKey(tenantID, projectID, subAgentID)], nil
}

func (s *Store) GetToolsForSubAgent(_ context.Context, tenantID, projectID, subAgentID string) ([]domain.ToolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools[subAgentKey(tenantID, projectID, subAgentID)], nil
}

func (s *Store) GetFunctionToolsForSubAgent(_ context.Context, tenantID, projectID, subAgentID string) ([]domain.FunctionTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.functionBindings[subAgentKey(tenantID, projectID, subAgentID)]
	out := make([]domain.FunctionTool, 0, len(ids))
	for _, id := range ids {
		if fn := s.functions[subAgentKey(tenantID, projectID, id)]; fn != nil {
			out = append(out, *fn)
		}
	}
	return out, nil
}

func (s *Store) GetFunction(_ context.Context, tenantID, projectID, functionID string) (*domain.FunctionTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.functions[subAgentKey(tenantID, projectID, functionID)], nil
}

func (s *Store) GetCredentialReference(_ context.Context, tenantID, projectID, credentialID string) (*domain.CredentialReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[subAgentKey(tenantID, projectID, credentialID)], nil
}

func (s *Store) GetContextConfigByID(_ context.Context, tenantID, projectID, configID string) (*domain.ContextConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[subAgentKey(tenantID, projectID, configID)], nil
}

func (s *Store) GetConversationHistory(_ context.Context, conversationID string, q domain.HistoryQuery) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.Config.Mode == domain.HistoryModeNone {
		return nil, nil
	}

	all := s.messages[conversationID]
	typeSet := make(map[domain.MessageType]bool, len(q.Config.MessageTypes))
	for _, t := range q.Config.MessageTypes {
		typeSet[t] = true
	}

	var out []*domain.Message
	for _, m := range all {
		if len(typeSet) > 0 && !typeSet[m.MessageType] {
			continue
		}
		if !q.Config.IncludeInternal && m.Visibility != domain.VisibilityUserFacing {
			continue
		}
		if q.Config.Mode == domain.HistoryModeScoped {
			if q.TaskID != "" && m.TaskID != q.TaskID {
				continue
			}
			if q.SubAgentID != "" &&
				m.FromSubAgentID != q.SubAgentID &&
				m.ToSubAgentID != q.SubAgentID &&
				m.Role != domain.RoleUser {
				continue
			}
		}
		out = append(out, m)
	}

	if q.Config.Limit > 0 && len(out) > q.Config.Limit {
		out = out[len(out)-q.Config.Limit:]
	}
	return out, nil
}

func (s *Store) CreateMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *Store) CreateTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return nil // idempotent by primary key
	}
	s.tasks[task.ID] = task
	ctxID := contextIDFromMetadata(task.Metadata)
	if ctxID != "" {
		s.tasksByCtx[ctxID] = append(s.tasksByCtx[ctxID], task.ID)
	}
	return nil
}

func (s *Store) UpdateTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		return errs.NotFound("task not found: " + task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID], nil
}

func (s *Store) ListTaskIDsByContext(_ context.Context, contextID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := append([]string(nil), s.tasksByCtx[contextID]...)
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetLedgerArtifacts(_ context.Context, taskID string) ([]*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Artifact
	for _, a := range s.artifacts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PutArtifact(_ context.Context, artifact *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := artifactKey(artifact.ArtifactID, artifact.Metadata.ToolCallID)
	if _, exists := s.artifacts[key]; exists {
		return nil // idempotent by (artifactId, toolCallId)
	}
	s.artifacts[key] = artifact
	return nil
}

func (s *Store) SetActiveSubAgentForThread(_ context.Context, conversationID, subAgentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errs.NotFound("conversation not found: " + conversationID)
	}
	conv.ActiveSubAgentID = subAgentID
	return nil
}

func (s *Store) GetConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[conversationID], nil
}

func (s *Store) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return nil
	}
	s.conversations[conv.ID] = conv
	return nil
}

func contextIDFromMetadata(md map[string]any) string {
	if md == nil {
		return ""
	}
	if v, ok := md["contextId"].(string); ok {
		return v
	}
	return ""
}
