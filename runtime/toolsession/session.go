// Package toolsession implements ToolSession (C4): a per-turn scratchpad
// mapping toolCallId to the tool invocation's name, arguments, and result.
// A session survives across Phase 1 generation steps and is shared by every
// sub-agent participating in a turn, including delegated ones; it never
// spans user turns.
package toolsession

import (
	"sync"
	"time"
)

// Result records one tool invocation outcome.
type Result struct {
	ToolName  string
	Args      map[string]any
	Result    any
	IsError   bool
	Timestamp time.Time
}

type session struct {
	mu        sync.Mutex
	tenantID  string
	projectID string
	contextID string
	taskID    string
	results   map[string]Result
}

// Manager owns every live ToolSession, keyed by session id (the turn's
// stream-request id).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// Ensure creates the session if absent and returns regardless. Calling
// Ensure on an existing session id is a no-op besides returning success,
// matching the "shared by all sub-agents in a turn" contract.
func (m *Manager) Ensure(sessionID, tenantID, projectID, contextID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	m.sessions[sessionID] = &session{
		tenantID:  tenantID,
		projectID: projectID,
		contextID: contextID,
		taskID:    taskID,
		results:   make(map[string]Result),
	}
}

// RecordResult records the outcome of toolCallID within sessionID. It is
// safe to call concurrently for distinct tool calls within the same
// session; recording for an unknown session is a no-op (the session already
// ended or was never created).
func (m *Manager) RecordResult(sessionID, toolCallID, toolName string, args map[string]any, result any, isError bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[toolCallID] = Result{
		ToolName:  toolName,
		Args:      args,
		Result:    result,
		IsError:   isError,
		Timestamp: time.Now(),
	}
}

// GetResult returns the recorded result for toolCallID, or ok=false if no
// session or no such call exists.
func (m *Manager) GetResult(sessionID, toolCallID string) (Result, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[toolCallID]
	return r, ok
}

// TaskID returns the task id a session was created for, or "" if unknown.
func (m *Manager) TaskID(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ""
	}
	return s.taskID
}

// End destroys sessionID and releases all recorded results. Destroying an
// unknown session is a no-op.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
