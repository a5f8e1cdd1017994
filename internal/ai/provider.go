package ai

import (
	"context"

	"github.com/flitsinc/toolbridge/internal/schema"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one entry of a session's conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls records the invocations an assistant turn requested.
	ToolCalls []InvocationRequest `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result turns and echo the
	// provider-issued call id of the assistant turn they answer.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// InvocationRequest is one action execution the model asked for. ID is the
// provider's call id, used only to thread tool results back into history;
// the dispatch correlation id is assigned later by the router.
type InvocationRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Step is the model's next move for a turn: either a final answer or a
// batch of invocations to execute before asking again.
type Step struct {
	Answer      string
	Invocations []InvocationRequest
}

func (s Step) IsFinal() bool {
	return len(s.Invocations) == 0
}

// Provider is the model collaborator: one call per orchestrator round trip.
// It is treated as opaque, slow, and fallible; the orchestrator does not
// retry it.
type Provider interface {
	NextStep(ctx context.Context, turns []Turn, actions []schema.ActionSchema) (Step, error)
}
