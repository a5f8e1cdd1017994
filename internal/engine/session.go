package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/flitsinc/toolbridge/internal/ai"
	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/idgen"
	"github.com/flitsinc/toolbridge/internal/schema"
	"github.com/flitsinc/toolbridge/internal/state"
)

// Session drives the model / action loop for one connected peer. One query
// runs at a time; a second query arriving mid-turn is rejected with an error
// event.
type Session struct {
	id  string
	mgr *Manager

	mu      sync.Mutex
	busy    bool
	history []ai.Turn
}

func (s *Session) ID() string { return s.id }

func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) appendTurns(turns ...ai.Turn) {
	s.mu.Lock()
	s.history = append(s.history, turns...)
	s.mu.Unlock()
}

func (s *Session) snapshotHistory() []ai.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ai.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// HandleQuery runs one full query turn: model calls interleaved with action
// dispatch until the model produces a final answer or the round-trip budget
// runs out. All progress reaches the peer as events; the returned error is
// for the caller's log only.
func (s *Session) HandleQuery(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		s.emitError(ctx, "query text is empty")
		return fmt.Errorf("empty query")
	}
	if !s.begin() {
		s.emitError(ctx, "a query is already in progress")
		return fmt.Errorf("session %s busy", s.id)
	}
	defer s.end()

	if s.mgr.Provider == nil {
		s.emitError(ctx, "no model provider configured")
		return fmt.Errorf("no model provider configured")
	}

	s.appendTurns(ai.Turn{Role: ai.RoleUser, Content: text})
	if _, err := s.mgr.Store.SaveTurn(ctx, s.id, "user", text); err != nil {
		log.Printf("session %s: save user turn: %v", s.id, err)
	}
	s.progress(ctx, "thinking")

	budget := 1 + s.mgr.maxRoundTrips()
	var outcomes []schema.Outcome

	for modelCalls := 0; modelCalls < budget; modelCalls++ {
		if err := ctx.Err(); err != nil {
			log.Printf("session %s: turn abandoned: %v", s.id, err)
			return fmt.Errorf("turn abandoned: %w", err)
		}

		step, err := s.mgr.Provider.NextStep(ctx, s.snapshotHistory(), s.mgr.Registry.MergedSchemas(s.id))
		if err != nil {
			s.emitError(ctx, fmt.Sprintf("model request failed: %v", err))
			return fmt.Errorf("model request: %w", err)
		}

		if step.IsFinal() {
			s.finishTurn(ctx, step.Answer, outcomes, false)
			return nil
		}

		s.appendTurns(ai.Turn{Role: ai.RoleAssistant, Content: step.Answer, ToolCalls: step.Invocations})
		s.progress(ctx, fmt.Sprintf("executing %d actions", len(step.Invocations)))

		batch := s.dispatchBatch(ctx, step.Invocations)
		outcomes = append(outcomes, batch...)
		if err := ctx.Err(); err != nil {
			log.Printf("session %s: turn abandoned mid-batch: %v", s.id, err)
			return fmt.Errorf("turn abandoned: %w", err)
		}
		for i, out := range batch {
			content := out.Result
			if out.Failed() {
				content = fmt.Sprintf("error: %s", out.Err)
			}
			s.appendTurns(ai.Turn{
				Role:       ai.RoleTool,
				Content:    content,
				ToolCallID: step.Invocations[i].ID,
				ToolName:   out.Name,
			})
		}
	}

	// Budget spent with actions still pending on the model's side. Compose
	// a best-effort answer from what we have.
	s.finishTurn(ctx, synthesizeAnswer(outcomes), outcomes, true)
	return nil
}

// dispatchBatch runs one invocation batch sequentially in request order,
// emitting per-step progress and recording each call in the audit log.
func (s *Session) dispatchBatch(ctx context.Context, reqs []ai.InvocationRequest) []schema.Outcome {
	outcomes := make([]schema.Outcome, 0, len(reqs))
	for _, req := range reqs {
		// The peer is gone or the turn was abandoned. Remaining actions in
		// the batch must not run.
		if ctx.Err() != nil {
			break
		}
		inv := schema.Invocation{
			Name:          req.Name,
			Arguments:     req.Arguments,
			CorrelationID: idgen.New(),
		}
		site := s.mgr.Router.Site(s.id, inv.Name)

		s.mgr.emit(ctx, s.id, "invocation_started", map[string]any{
			"name":           inv.Name,
			"arguments":      inv.Arguments,
			"site":           site.String(),
			"correlation_id": inv.CorrelationID,
		})
		s.mgr.publish(ctx, eventbus.EventInput{
			Stream:    schema.StreamInvocations,
			SessionID: s.id,
			Subject:   inv.Name,
			Body:      fmt.Sprintf("dispatch %s (%s)", inv.Name, site),
			Metadata: map[string]any{
				schema.MetaCorrelationID: inv.CorrelationID,
				schema.MetaActionName:    inv.Name,
				schema.MetaSite:          site.String(),
				schema.MetaStage:         "started",
			},
		})
		if err := s.mgr.Store.RecordInvocation(ctx, state.InvocationRecord{
			CorrelationID: inv.CorrelationID,
			SessionID:     s.id,
			Action:        inv.Name,
			Site:          site.String(),
			Arguments:     inv.Arguments,
			Status:        state.InvocationPending,
		}); err != nil {
			log.Printf("session %s: record invocation %s: %v", s.id, inv.CorrelationID, err)
		}

		out := s.mgr.Router.Dispatch(ctx, s.id, inv)
		outcomes = append(outcomes, out)

		if err := s.mgr.Store.SettleInvocation(ctx, inv.CorrelationID, out.Result, out.Err); err != nil {
			log.Printf("session %s: settle invocation %s: %v", s.id, inv.CorrelationID, err)
		}
		s.mgr.emit(ctx, s.id, "invocation_result", map[string]any{
			"name":           out.Name,
			"result":         out.Result,
			"error":          out.Err,
			"correlation_id": inv.CorrelationID,
		})
		s.mgr.publish(ctx, eventbus.EventInput{
			Stream:    schema.StreamInvocations,
			SessionID: s.id,
			Subject:   out.Name,
			Body:      outcomeBody(out),
			Metadata: map[string]any{
				schema.MetaCorrelationID: inv.CorrelationID,
				schema.MetaActionName:    out.Name,
				schema.MetaSite:          site.String(),
				schema.MetaStage:         "settled",
			},
		})
	}
	return outcomes
}

func (s *Session) finishTurn(ctx context.Context, answer string, outcomes []schema.Outcome, boundExceeded bool) {
	s.appendTurns(ai.Turn{Role: ai.RoleAssistant, Content: answer})
	if _, err := s.mgr.Store.SaveTurn(ctx, s.id, "assistant", answer); err != nil {
		log.Printf("session %s: save assistant turn: %v", s.id, err)
	}

	encoded := make([]map[string]any, 0, len(outcomes))
	for _, out := range outcomes {
		encoded = append(encoded, map[string]any{
			"name":         out.Name,
			"arguments":    out.Arguments,
			"result":       out.Result,
			"error":        out.Err,
			"completed_at": out.CompletedAt,
		})
	}
	s.mgr.emit(ctx, s.id, "complete", map[string]any{
		"answer":         answer,
		"outcomes":       encoded,
		"bound_exceeded": boundExceeded,
	})
	s.mgr.publish(ctx, eventbus.EventInput{
		Stream:    schema.StreamAnswers,
		SessionID: s.id,
		Subject:   "complete",
		Body:      answer,
		Metadata:  map[string]any{"bound_exceeded": boundExceeded},
	})
}

// Reset clears conversation history and settles every open remote call with
// a cancellation error.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()

	cancelled := s.mgr.Pending.CancelAll(s.id)
	if err := s.mgr.Store.ClearTurns(ctx, s.id); err != nil {
		log.Printf("session %s: clear turns: %v", s.id, err)
	}
	s.mgr.emit(ctx, s.id, "reset_complete", map[string]any{
		"cancelled_calls": cancelled,
	})
	s.mgr.publish(ctx, eventbus.EventInput{
		Stream:    schema.StreamProgress,
		SessionID: s.id,
		Subject:   "reset",
		Body:      fmt.Sprintf("session reset, %d open calls cancelled", cancelled),
	})
}

func (s *Session) progress(ctx context.Context, stage string) {
	s.mgr.emit(ctx, s.id, "progress", map[string]any{"stage": stage, "message": stage})
	s.mgr.publish(ctx, eventbus.EventInput{
		Stream:    schema.StreamProgress,
		SessionID: s.id,
		Subject:   stage,
		Body:      stage,
		Metadata:  map[string]any{schema.MetaStage: stage},
	})
}

func (s *Session) emitError(ctx context.Context, msg string) {
	s.mgr.emit(ctx, s.id, "error", map[string]any{"message": msg})
	s.mgr.publish(ctx, eventbus.EventInput{
		Stream:    schema.StreamErrors,
		SessionID: s.id,
		Subject:   "error",
		Body:      msg,
	})
}

func outcomeBody(out schema.Outcome) string {
	if out.Failed() {
		return fmt.Sprintf("%s failed: %s", out.Name, out.Err)
	}
	return fmt.Sprintf("%s ok", out.Name)
}

func synthesizeAnswer(outcomes []schema.Outcome) string {
	if len(outcomes) == 0 {
		return "I was unable to finish answering within the allowed number of steps."
	}
	var b strings.Builder
	b.WriteString("I ran out of steps before composing a full answer. Action results so far:")
	for _, out := range outcomes {
		if out.Failed() {
			fmt.Fprintf(&b, "\n- %s: error: %s", out.Name, out.Err)
		} else {
			fmt.Fprintf(&b, "\n- %s: %s", out.Name, out.Result)
		}
	}
	return b.String()
}
