package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/flitsinc/toolbridge/internal/ai"
	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/schema"
	"github.com/flitsinc/toolbridge/internal/testutil"
)

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t, &scriptProvider{steps: []ai.Step{{Answer: "hi"}}})
	client := testutil.NewInProcessClient(stack.srv.Handler())

	resp, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/health", nil))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	body, _ := testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	stack := newTestStack(t, &scriptProvider{steps: []ai.Step{{Answer: "hi"}}})
	if _, err := stack.mgr.Connect("alpha"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client := testutil.NewInProcessClient(stack.srv.Handler())

	resp, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/sessions", nil))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	body, _ := testutil.ReadAll(resp)
	var sessions []map[string]any
	if err := json.Unmarshal(body, &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 || sessions[0]["session_id"] != "alpha" {
		t.Fatalf("sessions = %v", sessions)
	}

	resp, err = client.Do(testutil.NewRequest(http.MethodGet, "/api/sessions/alpha", nil))
	if err != nil {
		t.Fatalf("session item: %v", err)
	}
	body, _ = testutil.ReadAll(resp)
	var detail map[string]any
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail["busy"] != false {
		t.Fatalf("detail = %v", detail)
	}

	resp, err = client.Do(testutil.NewRequest(http.MethodGet, "/api/sessions/missing", nil))
	if err != nil {
		t.Fatalf("missing session: %v", err)
	}
	_, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	stack := newTestStack(t, &scriptProvider{steps: []ai.Step{{Answer: "hi"}}})
	stack.srv.Info = DiagnosticsInfo{HTTPAddr: "127.0.0.1:0", LLMModel: "test-model"}
	client := testutil.NewInProcessClient(stack.srv.Handler())

	resp, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/diagnostics", nil))
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	body, _ := testutil.ReadAll(resp)
	var diag DiagnosticsResponse
	if err := json.Unmarshal(body, &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !diag.LLMConfigured {
		t.Fatal("expected llm_configured")
	}
	if diag.GoVersion == "" {
		t.Fatal("expected go version")
	}
}

func TestRestartEndpointToken(t *testing.T) {
	stack := newTestStack(t, &scriptProvider{steps: []ai.Step{{Answer: "hi"}}})
	restarted := false
	stack.srv.Restart = func() error {
		restarted = true
		return nil
	}
	stack.srv.RestartToken = "secret"
	client := testutil.NewInProcessClient(stack.srv.Handler())

	resp, err := client.Do(testutil.NewRequest(http.MethodPost, "/api/admin/restart", nil))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	_, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}
	if restarted {
		t.Fatal("restart ran without token")
	}

	req := testutil.NewRequest(http.MethodPost, "/api/admin/restart", nil)
	req.Header.Set("X-Restart-Token", "secret")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	_, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status with token = %d", resp.StatusCode)
	}
	if !restarted {
		t.Fatal("restart did not run")
	}
}

func TestRestartEndpointFailure(t *testing.T) {
	stack := newTestStack(t, &scriptProvider{steps: []ai.Step{{Answer: "hi"}}})
	stack.srv.Restart = func() error { return errors.New("boom") }
	client := testutil.NewInProcessClient(stack.srv.Handler())

	resp, err := client.Do(testutil.NewRequest(http.MethodPost, "/api/admin/restart", nil))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	_, _ = testutil.ReadAll(resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStreamSubscribeSSE(t *testing.T) {
	stack := newTestStack(t, &scriptProvider{steps: []ai.Step{{Answer: "hi"}}})
	mux := stack.srv.Handler()

	req := testutil.NewRequest(http.MethodGet, "/api/streams/subscribe?streams=invocations&correlation_id=corr-1", nil)
	rec := testutil.NewStreamRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	go func() {
		mux.ServeHTTP(rec, req)
		_ = rec.Close()
	}()
	defer rec.Body.Close()

	got := make(chan []byte, 1)
	go func() {
		reader := bufio.NewReader(rec.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			if bytes.HasPrefix(line, []byte("data:")) {
				got <- bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	// The first event carries a foreign correlation id and must be filtered.
	_, _ = stack.srv.Bus.Push(context.Background(), eventbus.EventInput{
		Stream:    schema.StreamInvocations,
		SessionID: "alpha",
		Body:      "dispatch multiply (local)",
		Metadata:  map[string]any{schema.MetaCorrelationID: "corr-other"},
	})
	_, _ = stack.srv.Bus.Push(context.Background(), eventbus.EventInput{
		Stream:    schema.StreamInvocations,
		SessionID: "alpha",
		Body:      "dispatch change_theme_color (remote)",
		Metadata:  map[string]any{schema.MetaCorrelationID: "corr-1"},
	})

	select {
	case data := <-got:
		var evt eventbus.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if schema.GetMetaString(evt.Metadata, schema.MetaCorrelationID) != "corr-1" {
			t.Fatalf("filter let through %v", evt.Metadata)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for sse event")
	}
}
