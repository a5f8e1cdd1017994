package schema

import (
	"encoding/json"
	"time"
)

// ActionSchema describes one model-invocable action. Identity is Name;
// a schema is immutable once registered.
type ActionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Invocation is one request to execute a named action. CorrelationID is
// assigned by the dispatch router, not by the model, and is never reused.
type Invocation struct {
	Name          string         `json:"name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Outcome is the settled result of one invocation. Exactly one of Result
// and Err is set once CompletedAt is non-zero.
type Outcome struct {
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Result      string         `json:"result,omitempty"`
	Err         string         `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

func (o Outcome) Failed() bool {
	return o.Err != ""
}

// ResultOutcome settles an invocation with a success payload.
func ResultOutcome(inv Invocation, result string) Outcome {
	return Outcome{
		Name:        inv.Name,
		Arguments:   inv.Arguments,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	}
}

// ErrorOutcome settles an invocation with an error message.
func ErrorOutcome(inv Invocation, msg string) Outcome {
	return Outcome{
		Name:        inv.Name,
		Arguments:   inv.Arguments,
		Err:         msg,
		CompletedAt: time.Now().UTC(),
	}
}
