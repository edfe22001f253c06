package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/errs"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/transcript"
	"goa.design/agentcore/runtime/agent/validation"
	"goa.design/agentcore/runtime/agentsession"
	"goa.design/agentcore/runtime/streamparser"
	"goa.design/agentcore/runtime/toolregistry"
)

const (
	defaultStreamingTimeout    = 120 * time.Second
	defaultNonStreamingTimeout = 300 * time.Second
	hardMaxTimeout             = 600 * time.Second
)

// phase1Result carries everything Phase 2 needs from a completed Phase 1
// run: the ordered emitted parts, the reasoning flow to replay, and a
// transfer short-circuit when one fired.
type phase1Result struct {
	Parts    []streamparser.Part
	Calls    []transcript.ToolUsePart
	Results  []transcript.ToolResultSpec
	Transfer *TransferResult
	// ThinkingCompleted reports whether thinking_complete landed before the
	// step budget ran out.
	ThinkingCompleted bool
}

// runPhase1 drives the planning-with-tools loop. streamingEnabled selects
// between the streaming and non-streaming call modes per §4.9; tool-choice
// is forced to "required" in non-streaming mode when structuredOutput is
// true, and left "auto" otherwise.
func (a *Agent) runPhase1(
	ctx context.Context,
	req GenerateRequest,
	sa *domain.SubAgent,
	client model.Client,
	modelID string,
	systemPrompt string,
	baseMessages []*model.Message,
	tools toolregistry.Set,
	extract func(text string) []streamparser.Part,
	structuredOutput bool,
	streamingEnabled bool,
) (*phase1Result, error) {
	maxSteps := sa.StopWhen.StepCountIs
	if maxSteps <= 0 {
		maxSteps = a.deps.DefaultStepCount
	}

	toolDefs := toolDefinitions(tools)
	messages := append([]*model.Message(nil), baseMessages...)

	result := &phase1Result{}
	streaming := streamingEnabled && !structuredOutput

	timeout := phaseTimeout(sa, streaming)

	for step := 0; step < maxSteps; step++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := a.callPhase1Step(stepCtx, client, modelID, systemPrompt, messages, toolDefs, structuredOutput, streaming, req, result, extract)
		cancel()
		if err != nil {
			return nil, err
		}

		if text := responseText(resp); text != "" {
			req.Session.RecordEvent(ctx, agentsession.EventAgentReasoning, map[string]any{"text": text})
			// Streaming mode already ran text through the StreamParser
			// chunk-by-chunk inside callPhase1Step (appending to result.Parts
			// and emitting there); running extract(text) again over the full
			// accumulated text here would re-run directive side effects
			// (duplicate artifact creation) for the same text, so only
			// non-streaming extracts here.
			if !streaming {
				parts := extract(text)
				result.Parts = append(result.Parts, parts...)
				if req.TextEmit != nil {
					for _, p := range parts {
						req.TextEmit(p)
					}
				}
			}
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		stop, err := a.executeToolCalls(ctx, req, tools, resp.ToolCalls, result)
		if err != nil {
			return nil, err
		}
		messages = append(messages, toolCallMessages(resp.ToolCalls, lastResultsFor(result, resp.ToolCalls))...)
		if stop {
			break
		}
	}

	return result, nil
}

// callPhase1Step performs one Phase 1 model call, using the streaming or
// non-streaming client method per the streaming flag.
func (a *Agent) callPhase1Step(
	ctx context.Context,
	client model.Client,
	modelID string,
	systemPrompt string,
	messages []*model.Message,
	toolDefs []*model.ToolDefinition,
	structuredOutput bool,
	streaming bool,
	req GenerateRequest,
	result *phase1Result,
	extract func(text string) []streamparser.Part,
) (*model.Response, error) {
	choice := &model.ToolChoice{Mode: model.ToolChoiceModeAuto}
	if !streaming && structuredOutput {
		choice = &model.ToolChoice{Mode: model.ToolChoiceModeAny}
	}

	all := append([]*model.Message{system(systemPrompt)}, messages...)
	areq := &model.Request{
		Model:      modelID,
		Messages:   all,
		Tools:      toolDefs,
		ToolChoice: choice,
		Stream:     streaming,
	}

	if !streaming {
		resp, err := client.Complete(ctx, areq)
		if err != nil {
			return nil, classifyModelError(ctx, err)
		}
		return resp, nil
	}

	strm, err := client.Stream(ctx, areq)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		areq.Stream = false
		resp, err := client.Complete(ctx, areq)
		if err != nil {
			return nil, classifyModelError(ctx, err)
		}
		if text := responseText(resp); text != "" {
			for _, p := range extract(text) {
				result.Parts = append(result.Parts, p)
				if req.TextEmit != nil {
					req.TextEmit(p)
				}
			}
		}
		return resp, nil
	}
	if err != nil {
		return nil, classifyModelError(ctx, err)
	}
	defer strm.Close()

	req.Session.SetTextStreaming(true)
	defer req.Session.SetTextStreaming(false)

	resp := &model.Response{}
	var textBuf string
	parser := streamparser.New(extract)
	emit := func(parts []streamparser.Part) {
		result.Parts = append(result.Parts, parts...)
		if req.TextEmit == nil {
			return
		}
		for _, p := range parts {
			req.TextEmit(p)
		}
	}
	for {
		chunk, err := strm.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, classifyModelError(ctx, err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Message != nil {
				for _, p := range chunk.Message.Parts {
					if tp, ok := p.(model.TextPart); ok {
						textBuf += tp.Text
						emit(parser.FeedText(tp.Text))
					}
				}
			}
		case model.ChunkTypeToolCall:
			// A tool call is a parser boundary (§4.7): nothing after it can
			// still complete a pending directive in the buffered tail.
			emit(parser.Flush())
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeStop:
			resp.StopReason = chunk.StopReason
		}
	}
	emit(parser.Flush())
	if textBuf != "" {
		resp.Content = []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: textBuf}}}}
	}
	return resp, nil
}

// executeToolCalls runs every requested tool call, recording events into
// the AgentSession and results into the ToolSession, and detects the
// transfer and thinking_complete stop conditions. It returns stop=true when
// Phase 1 must not run another step.
func (a *Agent) executeToolCalls(ctx context.Context, req GenerateRequest, tools toolregistry.Set, calls []model.ToolCall, result *phase1Result) (bool, error) {
	stop := false
	for _, call := range calls {
		id := call.ID
		if id == "" {
			id = uuid.New().String()
		}
		name := string(call.Name)

		var args map[string]any
		_ = json.Unmarshal(call.Payload, &args)

		req.Session.RecordEvent(ctx, agentsession.EventToolCall, map[string]any{
			"toolCallId": id, "name": name, "args": args, "internal": isInternalTool(name),
		})

		d, ok := tools[name]
		if !ok {
			a.recordToolResult(ctx, req, result, id, name, args, fmt.Sprintf("unknown tool %q", name), true)
			continue
		}
		if err := validation.Validate(asSchemaMap(d.InputSchema), args); err != nil {
			a.recordToolResult(ctx, req, result, id, name, args, err.Error(), true)
			continue
		}

		out, isError, err := d.Invoke(ctx, call.Payload)
		if err != nil {
			out = errs.ToolFailed(fmt.Sprintf("tool %s failed", name), err).Error()
			isError = true
		}
		a.recordToolResult(ctx, req, result, id, name, args, out, isError)

		if !isError {
			if kind, targetID, reason := transferPayload(out); kind == "transfer" {
				result.Transfer = &TransferResult{
					TargetSubAgentID: targetID,
					FromSubAgentID:   req.SubAgentID,
					Reason:           firstNonEmpty(reason, req.UserMessage),
					OriginalMessage:  req.UserMessage,
				}
				return true, nil
			}
			if name == toolregistry.ToolThinkingComplete {
				result.ThinkingCompleted = true
				stop = true
			}
		}
	}
	return stop, nil
}

func (a *Agent) recordToolResult(ctx context.Context, req GenerateRequest, result *phase1Result, id, name string, args map[string]any, out any, isError bool) {
	a.deps.ToolSess.RecordResult(req.StreamRequestID, id, name, args, out, isError)
	req.Session.RecordEvent(ctx, agentsession.EventToolResult, map[string]any{
		"toolCallId": id, "name": name, "result": out, "isError": isError, "internal": isInternalTool(name),
	})
	result.Calls = append(result.Calls, transcript.ToolUsePart{ID: id, Name: name, Args: args})
	result.Results = append(result.Results, transcript.ToolResultSpec{ToolUseID: id, Content: out, IsError: isError})
}

// isInternalTool classifies the built-in/relation tools §4.5(b) marks
// internal (never shown to the end user as a distinct step).
func isInternalTool(name string) bool {
	if name == toolregistry.ToolThinkingComplete || name == toolregistry.ToolGetReferenceArtifact {
		return true
	}
	return hasPrefix(name, "transfer_to_") || hasPrefix(name, "delegate_to_")
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

func transferPayload(out any) (kind, targetID, reason string) {
	m, ok := out.(map[string]any)
	if !ok {
		return "", "", ""
	}
	k, _ := m["type"].(string)
	t, _ := m["targetSubAgentId"].(string)
	r, _ := m["reason"].(string)
	return k, t, r
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func toolDefinitions(tools toolregistry.Set) []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(tools))
	for _, d := range tools {
		defs = append(defs, &model.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return defs
}

func asSchemaMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func responseText(resp *model.Response) string {
	var out string
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if tp, ok := p.(model.TextPart); ok {
				out += tp.Text
			}
		}
	}
	return out
}

func system(text string) *model.Message {
	return &model.Message{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: text}}}
}

// toolCallMessages builds the assistant tool_use + user tool_result message
// pair appended to the transcript for the next Phase 1 step, via the
// provider-precise transcript ledger.
func toolCallMessages(calls []model.ToolCall, results []transcript.ToolResultSpec) []*model.Message {
	ledgerCalls := make([]transcript.ToolUsePart, 0, len(calls))
	for _, c := range calls {
		var args any
		_ = json.Unmarshal(c.Payload, &args)
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		ledgerCalls = append(ledgerCalls, transcript.ToolUsePart{ID: id, Name: string(c.Name), Args: args})
	}
	return transcript.BuildReasoningFlow(ledgerCalls, results)
}

// lastResultsFor returns the ToolResultSpec entries matching calls, in
// call order, from the accumulated phase1Result.
func lastResultsFor(result *phase1Result, calls []model.ToolCall) []transcript.ToolResultSpec {
	byID := make(map[string]transcript.ToolResultSpec, len(result.Results))
	for _, r := range result.Results {
		byID[r.ToolUseID] = r
	}
	out := make([]transcript.ToolResultSpec, 0, len(calls))
	for _, c := range calls {
		if c.ID != "" {
			if r, ok := byID[c.ID]; ok {
				out = append(out, r)
				continue
			}
		}
	}
	return out
}

func phaseTimeout(sa *domain.SubAgent, streaming bool) time.Duration {
	if sa.Models.MaxDurationMS > 0 {
		d := time.Duration(sa.Models.MaxDurationMS) * time.Millisecond
		if d > hardMaxTimeout {
			return hardMaxTimeout
		}
		return d
	}
	if streaming {
		return defaultStreamingTimeout
	}
	return defaultNonStreamingTimeout
}

func classifyModelError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errs.ModelTimeout("model call timed out")
	}
	return errs.ModelError("model call failed", err)
}
