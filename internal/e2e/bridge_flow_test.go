package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/toolbridge/internal/actions"
	"github.com/flitsinc/toolbridge/internal/ai"
	"github.com/flitsinc/toolbridge/internal/api"
	"github.com/flitsinc/toolbridge/internal/dispatch"
	"github.com/flitsinc/toolbridge/internal/engine"
	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/peer"
	"github.com/flitsinc/toolbridge/internal/pending"
	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/schema"
	"github.com/flitsinc/toolbridge/internal/state"
	"github.com/flitsinc/toolbridge/internal/testutil"
)

// scriptProvider plays the model: first a mixed local/remote batch, then a
// final answer.
type scriptProvider struct {
	mu    sync.Mutex
	steps []ai.Step
	calls int
}

func (p *scriptProvider) NextStep(_ context.Context, _ []ai.Turn, _ []schema.ActionSchema) (ai.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	return p.steps[idx], nil
}

func startServer(t *testing.T, provider ai.Provider) *httptest.Server {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	store := state.NewStore(db)
	bus := eventbus.NewBus(db)

	reg := registry.New()
	if err := actions.RegisterAll(reg, nil); err != nil {
		t.Fatalf("register local actions: %v", err)
	}

	srv := api.NewServer()
	tracker := pending.NewTracker()
	router := &dispatch.Router{Registry: reg, Pending: tracker, Peers: srv, RemoteTimeout: time.Second}

	mgr := engine.NewManager()
	mgr.Registry = reg
	mgr.Router = router
	mgr.Pending = tracker
	mgr.Bus = bus
	mgr.Store = store
	mgr.Provider = provider
	mgr.Peers = srv

	srv.Engine = mgr
	srv.Registry = reg
	srv.Bus = bus
	srv.Store = store

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestQuerySpanningBothSites(t *testing.T) {
	provider := &scriptProvider{steps: []ai.Step{
		{Invocations: []ai.InvocationRequest{
			{ID: "c1", Name: "calculator", Arguments: map[string]any{"expression": "3*4"}},
			{ID: "c2", Name: "change_theme_color", Arguments: map[string]any{"color": "blue"}},
		}},
		{Answer: "The result is 12 and the theme is now blue."},
	}}
	ts := startServer(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := peer.NewClient("ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/browser")
	uiState := &peer.UIState{}
	if err := peer.RegisterUIActions(client, uiState); err != nil {
		t.Fatalf("register ui actions: %v", err)
	}

	type outcome struct {
		Name   string `json:"name"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	var (
		mu       sync.Mutex
		started  []string
		complete *struct {
			Answer        string    `json:"answer"`
			Outcomes      []outcome `json:"outcomes"`
			BoundExceeded bool      `json:"bound_exceeded"`
		}
	)
	client.OnEvent = func(msgType string, data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		switch msgType {
		case "invocation_started":
			var inv struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(data, &inv)
			started = append(started, inv.Name)
		case "complete":
			var c struct {
				Answer        string    `json:"answer"`
				Outcomes      []outcome `json:"outcomes"`
				BoundExceeded bool      `json:"bound_exceeded"`
			}
			_ = json.Unmarshal(data, &c)
			complete = &c
		}
	}

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	go func() { _ = client.Run(ctx) }()

	// Let the registration round-trip land before querying.
	time.Sleep(100 * time.Millisecond)
	if err := client.Query(ctx, "multiply 3 by 4 and make the theme blue"); err != nil {
		t.Fatalf("query: %v", err)
	}

	deadline := time.After(4 * time.Second)
	for {
		mu.Lock()
		done := complete != nil
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no complete event arrived")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if complete.BoundExceeded {
		t.Fatal("bound_exceeded should be false")
	}
	if len(complete.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", complete.Outcomes)
	}
	// Outcomes arrive in request order: the local calculation first, then
	// the action executed inside this very client.
	if complete.Outcomes[0].Name != "calculator" || complete.Outcomes[0].Error != "" {
		t.Fatalf("first outcome = %+v", complete.Outcomes[0])
	}
	if !strings.Contains(complete.Outcomes[0].Result, "12") {
		t.Fatalf("calculator result = %q", complete.Outcomes[0].Result)
	}
	if complete.Outcomes[1].Name != "change_theme_color" {
		t.Fatalf("second outcome = %+v", complete.Outcomes[1])
	}
	if len(started) != 2 || started[0] != "calculator" || started[1] != "change_theme_color" {
		t.Fatalf("invocation order = %v", started)
	}

	color, _ := uiState.Snapshot()
	if color != "#1e88e5" {
		t.Fatalf("theme color = %q", color)
	}
	if !strings.Contains(complete.Answer, "12") {
		t.Fatalf("answer = %q", complete.Answer)
	}
}
