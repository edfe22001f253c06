// Package openai adapts the Chat Completions API to model.Client, giving
// C9 a second selectable provider alongside anthropic and bedrock.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/tools"
)

// ChatClient is the subset of the official SDK's chat completions service
// used by Client; tests supply a fake instead of a live SDK client.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures model selection for a Client.
type Options struct {
	DefaultModel string
	Temperature  float64
	MaxTokens    int
}

// Client implements model.Client via OpenAI's Chat Completions API. It does
// not support streaming; Stream returns model.ErrStreamingUnsupported so C9
// falls back to non-streaming planning for sub-agents pinned to this
// provider.
type Client struct {
	chat         ChatClient
	defaultModel string
	temp         float64
	maxTok       int
}

// New builds a Client from an already-constructed chat completions service.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, temp: opts.Temperature, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey builds a Client against the real OpenAI API.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return translateResponse(resp), nil
}

// Stream is unsupported by this adapter; C9 must fall back to non-streaming
// planning mode for sub-agents pinned to an OpenAI model.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if maxTokens := req.MaxTokens; maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	} else if c.maxTok > 0 {
		params.MaxTokens = sdk.Int(int64(c.maxTok))
	}
	if temp := req.Temperature; temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if tools, err := encodeTools(req.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		text := flattenText(m.Parts)
		switch m.Role {
		case model.ConversationRoleSystem:
			if text != "" {
				out = append(out, sdk.SystemMessage(text))
			}
		case model.ConversationRoleUser:
			out = append(out, encodeUserMessage(m, text))
		case model.ConversationRoleAssistant:
			out = append(out, encodeAssistantMessage(m, text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func flattenText(parts []model.Part) string {
	var b []byte
	for _, p := range parts {
		if v, ok := p.(model.TextPart); ok {
			b = append(b, v.Text...)
		}
	}
	return string(b)
}

func encodeUserMessage(m *model.Message, text string) sdk.ChatCompletionMessageParamUnion {
	for _, p := range m.Parts {
		if v, ok := p.(model.ToolResultPart); ok {
			content := ""
			switch c := v.Content.(type) {
			case string:
				content = c
			default:
				if data, err := json.Marshal(c); err == nil {
					content = string(data)
				}
			}
			return sdk.ToolMessage(content, v.ToolUseID)
		}
	}
	return sdk.UserMessage(text)
}

func encodeAssistantMessage(m *model.Message, text string) sdk.ChatCompletionMessageParamUnion {
	msg := sdk.AssistantMessage(text)
	for _, p := range m.Parts {
		if v, ok := p.(model.ToolUsePart); ok {
			payload, _ := json.Marshal(v.Input)
			if msg.OfAssistant != nil {
				msg.OfAssistant.ToolCalls = append(msg.OfAssistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID:   v.ID,
					Type: "function",
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      v.Name,
						Arguments: string(payload),
					},
				})
			}
		}
	}
	return msg
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		data, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		var params map[string]any
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Type: "function",
			Function: sdk.FunctionDefinitionParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func translateResponse(resp *sdk.ChatCompletion) *model.Response {
	out := &model.Response{}
	for _, choice := range resp.Choices {
		if choice.Message.Content != "" {
			out.Content = append(out.Content, model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: choice.Message.Content}},
			})
		}
		for _, call := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    tools.Ident(call.Function.Name),
				Payload: json.RawMessage(call.Function.Arguments),
				ID:      call.ID,
			})
		}
		if out.StopReason == "" {
			out.StopReason = string(choice.FinishReason)
		}
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out
}
