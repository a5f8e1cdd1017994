package ai

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flitsinc/toolbridge/internal/schema"
)

type Config struct {
	Model   string
	APIKey  string
	BaseURL string
}

// ChatCompleter is the slice of the OpenAI SDK the client needs; tests
// substitute fakes.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements Provider on the OpenAI chat completions API with tools.
type Client struct {
	chat  ChatCompleter
	model string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Client{chat: openai.NewClientWithConfig(clientCfg), model: cfg.Model}, nil
}

// NewClientWithCompleter builds a client around a custom completer, for tests.
func NewClientWithCompleter(model string, chat ChatCompleter) *Client {
	return &Client{chat: chat, model: model}
}

func (c *Client) NextStep(ctx context.Context, turns []Turn, actions []schema.ActionSchema) (Step, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: buildMessages(turns),
		Tools:    buildTools(actions),
	}

	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return Step{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Step{}, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return Step{Answer: msg.Content}, nil
	}

	step := Step{Answer: msg.Content}
	for _, call := range msg.ToolCalls {
		step.Invocations = append(step.Invocations, InvocationRequest{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: decodeArguments(call.Function.Arguments),
		})
	}
	return step, nil
}

func buildMessages(turns []Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: SystemInstructions})
	for _, turn := range turns {
		switch turn.Role {
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.Content}
			for _, call := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: encodeArguments(call.Arguments),
					},
				})
			}
			out = append(out, msg)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    turn.Content,
				Name:       turn.ToolName,
				ToolCallID: turn.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Content})
		}
	}
	return out
}

var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

func buildTools(actions []schema.ActionSchema) []openai.Tool {
	if len(actions) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(actions))
	for _, action := range actions {
		params := json.RawMessage(action.Parameters)
		if len(params) == 0 {
			params = emptyParameters
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        action.Name,
				Description: action.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		// Let the action implementation decide what to do with it.
		return map[string]any{"raw": raw}
	}
	return args
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
