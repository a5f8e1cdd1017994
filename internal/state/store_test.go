package state_test

import (
	"context"
	"testing"

	"github.com/flitsinc/toolbridge/internal/state"
	"github.com/flitsinc/toolbridge/internal/testutil"
)

func TestTurnsRoundTrip(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := state.NewStore(db)
	ctx := context.Background()

	if _, err := store.SaveTurn(ctx, "s1", "user", "hello"); err != nil {
		t.Fatalf("save user turn: %v", err)
	}
	if _, err := store.SaveTurn(ctx, "s1", "assistant", "hi there"); err != nil {
		t.Fatalf("save assistant turn: %v", err)
	}
	if _, err := store.SaveTurn(ctx, "s2", "user", "other session"); err != nil {
		t.Fatalf("save other turn: %v", err)
	}

	turns, err := store.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("unexpected turn order: %s, %s", turns[0].Role, turns[1].Role)
	}

	if err := store.ClearTurns(ctx, "s1"); err != nil {
		t.Fatalf("clear turns: %v", err)
	}
	turns, err = store.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected no turns after clear, got %d", len(turns))
	}
}

func TestInvocationAudit(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := state.NewStore(db)
	ctx := context.Background()

	rec := state.InvocationRecord{
		CorrelationID: "corr-1",
		SessionID:     "s1",
		Action:        "multiply",
		Site:          "local",
		Arguments:     map[string]any{"expression": "3*4"},
	}
	if err := store.RecordInvocation(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := store.GetInvocation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != state.InvocationPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}

	if err := store.SettleInvocation(ctx, "corr-1", "12", ""); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, err = store.GetInvocation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("get settled: %v", err)
	}
	if got.Status != state.InvocationCompleted || got.Result != "12" {
		t.Fatalf("unexpected settled record: %+v", got)
	}

	// Second settle must not overwrite the first.
	if err := store.SettleInvocation(ctx, "corr-1", "", "late timeout"); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	got, err = store.GetInvocation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("get after second settle: %v", err)
	}
	if got.Result != "12" || got.Error != "" {
		t.Fatalf("first settle was overwritten: %+v", got)
	}
}
