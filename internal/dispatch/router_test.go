package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/toolbridge/internal/pending"
	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/schema"
)

type fakePeer struct {
	mu       sync.Mutex
	messages []peerMessage
	failWith error
}

type peerMessage struct {
	sessionID string
	msgType   string
	data      map[string]any
}

func (f *fakePeer) EmitToPeer(_ context.Context, sessionID, msgType string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.messages = append(f.messages, peerMessage{sessionID: sessionID, msgType: msgType, data: data})
	return nil
}

func (f *fakePeer) last(t *testing.T) peerMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		t.Fatalf("no peer messages emitted")
	}
	return f.messages[len(f.messages)-1]
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *pending.Tracker, *fakePeer) {
	t.Helper()
	reg := registry.New()
	tracker := pending.NewTracker()
	peer := &fakePeer{}
	router := &Router{Registry: reg, Pending: tracker, Peers: peer}
	return router, reg, tracker, peer
}

func TestDispatchUnknownActionNeverSuspends(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	start := time.Now()
	out := router.Dispatch(context.Background(), "s1", schema.Invocation{Name: "nope"})
	if time.Since(start) > time.Second {
		t.Fatalf("unknown dispatch suspended")
	}
	if out.Err != "unknown action nope" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestDispatchLocalSuccess(t *testing.T) {
	router, reg, _, _ := newTestRouter(t)
	err := reg.RegisterLocal(schema.ActionSchema{Name: "multiply"}, func(_ context.Context, args map[string]any) (string, error) {
		return "12", nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out := router.Dispatch(context.Background(), "s1", schema.Invocation{Name: "multiply", Arguments: map[string]any{"expression": "3*4"}})
	if out.Result != "12" || out.Err != "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.CompletedAt.IsZero() {
		t.Fatalf("expected completion timestamp")
	}
}

func TestDispatchLocalFaultIsData(t *testing.T) {
	router, reg, _, _ := newTestRouter(t)
	_ = reg.RegisterLocal(schema.ActionSchema{Name: "broken"}, func(_ context.Context, _ map[string]any) (string, error) {
		return "", fmt.Errorf("division by zero")
	})
	_ = reg.RegisterLocal(schema.ActionSchema{Name: "panicky"}, func(_ context.Context, _ map[string]any) (string, error) {
		panic("boom")
	})

	out := router.Dispatch(context.Background(), "s1", schema.Invocation{Name: "broken"})
	if out.Err != "division by zero" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	out = router.Dispatch(context.Background(), "s1", schema.Invocation{Name: "panicky"})
	if out.Err == "" {
		t.Fatalf("panic must convert to error outcome, got %+v", out)
	}
}

func TestDispatchRemoteResolvesFromPeer(t *testing.T) {
	router, reg, tracker, peer := newTestRouter(t)
	reg.RegisterRemote("s1", []schema.ActionSchema{{Name: "change_theme_color"}})

	results := make(chan schema.Outcome, 1)
	go func() {
		results <- router.Dispatch(context.Background(), "s1", schema.Invocation{
			Name:      "change_theme_color",
			Arguments: map[string]any{"color": "purple"},
		})
	}()

	// Wait for the execute_remote_action message, then answer it.
	var correlationID string
	deadline := time.After(2 * time.Second)
	for correlationID == "" {
		select {
		case <-deadline:
			t.Fatalf("execute_remote_action never emitted")
		default:
			peer.mu.Lock()
			if len(peer.messages) > 0 {
				correlationID, _ = peer.messages[0].data["correlation_id"].(string)
			}
			peer.mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}

	if stale := tracker.Resolve("s1", correlationID, schema.Outcome{Result: "ok"}); stale {
		t.Fatalf("resolution must not be stale")
	}

	select {
	case out := <-results:
		if out.Result != "ok" || out.Err != "" {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if out.Name != "change_theme_color" {
			t.Fatalf("outcome should carry action name, got %q", out.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch never returned")
	}

	msg := peer.last(t)
	if msg.msgType != "execute_remote_action" || msg.sessionID != "s1" {
		t.Fatalf("unexpected peer message: %+v", msg)
	}
}

func TestDispatchRemoteTimesOut(t *testing.T) {
	router, reg, _, _ := newTestRouter(t)
	router.RemoteTimeout = 50 * time.Millisecond
	reg.RegisterRemote("s1", []schema.ActionSchema{{Name: "flag_external"}})

	start := time.Now()
	out := router.Dispatch(context.Background(), "s1", schema.Invocation{Name: "flag_external"})
	if out.Err != pending.ErrTimeout {
		t.Fatalf("expected timeout outcome, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestDispatchRemoteEmitFailureSettlesImmediately(t *testing.T) {
	router, reg, _, peer := newTestRouter(t)
	peer.failWith = fmt.Errorf("socket gone")
	reg.RegisterRemote("s1", []schema.ActionSchema{{Name: "flag_external"}})

	out := router.Dispatch(context.Background(), "s1", schema.Invocation{Name: "flag_external"})
	if out.Err == "" {
		t.Fatalf("expected delivery error outcome, got %+v", out)
	}
}

func TestDispatchRemoteCancelledByContext(t *testing.T) {
	router, reg, _, _ := newTestRouter(t)
	reg.RegisterRemote("s1", []schema.ActionSchema{{Name: "flag_external"}})

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan schema.Outcome, 1)
	go func() {
		results <- router.Dispatch(ctx, "s1", schema.Invocation{Name: "flag_external"})
	}()
	cancel()

	select {
	case out := <-results:
		if out.Err != pending.ErrSessionClosed {
			t.Fatalf("expected session closed outcome, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled dispatch never returned")
	}
}
