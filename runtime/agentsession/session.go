// Package agentsession implements AgentSession (C8): a per-turn event
// ledger plus throttled, single-flight status-update generation. Text
// streaming and status-update generation on a session are mutually
// exclusive.
package agentsession

import (
	"context"
	"sync"
	"time"

	"goa.design/agentcore/runtime/agent/telemetry"
)

// EventKind enumerates the nine ledger event kinds.
type EventKind string

const (
	EventAgentGenerate    EventKind = "agent_generate"
	EventAgentReasoning   EventKind = "agent_reasoning"
	EventTransfer         EventKind = "transfer"
	EventDelegationSent   EventKind = "delegation_sent"
	EventDelegationReturn EventKind = "delegation_returned"
	EventArtifactSaved    EventKind = "artifact_saved"
	EventToolCall         EventKind = "tool_call"
	EventToolResult       EventKind = "tool_result"
	EventError            EventKind = "error"
)

// Event is one recorded ledger entry.
type Event struct {
	Seq       int
	Kind      EventKind
	Data      map[string]any
	Timestamp time.Time
}

// StatusComponent mirrors domain.StatusComponent without importing it,
// keeping this package reusable by any caller that can supply a label and
// an already-JSON-Schema-shaped detail.
type StatusComponent struct {
	Name   string
	Label  string
	Detail map[string]any
}

// Settings configures throttled status-update generation.
type Settings struct {
	NumEvents        int
	TimeInSeconds    int
	Prompt           string
	StatusComponents []StatusComponent
	// Summarizer names the model reference (e.g. "anthropic:claude-haiku")
	// the Generator resolves and calls. It is used as given; no SubAgent ->
	// Agent -> project inheritance is applied to it.
	// Empty means no summarizer model is configured for this turn; the
	// Generator should report nothing rather than fail the turn.
	Summarizer string
}

// StatusBranch is one non-empty, non-"no_relevant_updates" branch the
// summarizer model chose to emit.
type StatusBranch struct {
	Type    string
	Label   string
	Details map[string]any
}

// Generator invokes the summarizer model to produce zero or more
// StatusBranch values from the events recorded since the last emission.
// Implementations own the "strict union schema" construction described by
// §4.8; this package only owns the throttling and mutual-exclusion
// mechanics around calling it.
type Generator interface {
	Generate(ctx context.Context, events []Event, history string, priorSummaries []string, settings Settings) ([]StatusBranch, error)
}

// Emitter publishes a status branch to the client's SSE channel.
type Emitter func(branch StatusBranch)

// HistoryLoader loads the recent conversation history text a status update
// generation call is grounded on.
type HistoryLoader func(ctx context.Context) (string, error)

const maxPriorSummaries = 10

// Session is scoped to exactly one turn. Create with New, and always call
// End when the turn completes to release its timer and background work.
type Session struct {
	id       string
	log      telemetry.Logger
	settings Settings
	generate Generator
	emit     Emitter
	loadHist HistoryLoader

	mu                  sync.Mutex
	events              []Event
	lastEmittedSeq      int
	textStreaming       bool
	updateInFlight      bool
	priorSummaries      []string
	ended               bool
	lastStatusEventTime time.Time

	timer  *time.Timer
	cancel context.CancelFunc
}

// New constructs a Session and starts its periodic status-update timer when
// settings.TimeInSeconds > 0.
func New(ctx context.Context, id string, settings Settings, generate Generator, emit Emitter, loadHist HistoryLoader, log telemetry.Logger) *Session {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	s := &Session{
		id:       id,
		log:      log,
		settings: settings,
		generate: generate,
		emit:     emit,
		loadHist: loadHist,
	}
	if settings.TimeInSeconds > 0 && generate != nil {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.startTimer(runCtx)
	}
	return s
}

func (s *Session) startTimer(ctx context.Context) {
	interval := time.Duration(s.settings.TimeInSeconds) * time.Second
	s.timer = time.AfterFunc(interval, func() {
		s.maybeGenerate(ctx)
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if !ended {
			s.startTimer(ctx)
		}
	})
}

// RecordEvent appends kind to the ledger. It is synchronous and idempotent
// w.r.t. ledger ordering; events recorded after End are dropped with a debug
// log.
func (s *Session) RecordEvent(ctx context.Context, kind EventKind, data map[string]any) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.log.Debug(ctx, "agentsession: event recorded after end, dropping", "session", s.id, "kind", string(kind))
		return
	}
	seq := len(s.events) + 1
	s.events = append(s.events, Event{Seq: seq, Kind: kind, Data: data, Timestamp: time.Now()})
	numEvents := s.settings.NumEvents
	eventCount := len(s.events)
	lastEmitted := s.lastEmittedSeq
	s.mu.Unlock()

	if numEvents > 0 && eventCount-lastEmitted >= numEvents {
		s.maybeGenerate(ctx)
	}
}

// SetTextStreaming marks whether client-visible text is currently
// streaming. While true, status-update generation is suppressed.
func (s *Session) SetTextStreaming(streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textStreaming = streaming
}

// maybeGenerate attempts a single-flight status-update generation pass. A
// concurrent or in-progress attempt returns immediately.
func (s *Session) maybeGenerate(ctx context.Context) {
	s.mu.Lock()
	if s.ended || s.textStreaming || s.updateInFlight || s.generate == nil {
		s.mu.Unlock()
		return
	}
	newEvents := append([]Event(nil), s.events[s.lastEmittedSeq:]...)
	if len(newEvents) == 0 {
		s.mu.Unlock()
		return
	}
	s.updateInFlight = true
	settings := s.settings
	priorSummaries := append([]string(nil), s.priorSummaries...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.updateInFlight = false
		s.mu.Unlock()
	}()

	var history string
	if s.loadHist != nil {
		h, err := s.loadHist(ctx)
		if err != nil {
			s.log.Warn(ctx, "agentsession: history load failed", "session", s.id, "error", err)
		} else {
			history = h
		}
	}

	branches, err := s.generate.Generate(ctx, newEvents, history, priorSummaries, settings)
	if err != nil {
		s.log.Warn(ctx, "agentsession: status update generation failed", "session", s.id, "error", err)
		return
	}

	s.mu.Lock()
	s.lastEmittedSeq = len(s.events)
	for _, b := range branches {
		if b.Type == "" || b.Type == "no_relevant_updates" {
			continue
		}
		s.priorSummaries = append(s.priorSummaries, b.Label)
		if len(s.priorSummaries) > maxPriorSummaries {
			s.priorSummaries = s.priorSummaries[len(s.priorSummaries)-maxPriorSummaries:]
		}
	}
	s.mu.Unlock()

	if s.emit == nil {
		return
	}
	for _, b := range branches {
		if b.Type == "" || b.Type == "no_relevant_updates" {
			continue
		}
		s.emit(b)
	}
}

// Events returns a snapshot of the full ledger, in recorded order.
func (s *Session) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// End cancels the periodic timer and marks the session ended; events
// recorded afterward are dropped. Callers are responsible for separately
// ending the ToolSession and artifact extractor scoped to the same turn.
func (s *Session) End() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
}
