package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/flitsinc/toolbridge/internal/pending"
	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/schema"
)

const DefaultRemoteTimeout = 10 * time.Second

// PeerEmitter delivers a boundary message to the remote peer of a session.
// The websocket transport implements it; tests substitute fakes.
type PeerEmitter interface {
	EmitToPeer(ctx context.Context, sessionID, msgType string, data map[string]any) error
}

// Router decides the execution site for each invocation and produces exactly
// one Outcome per request, suspending only for remote calls.
type Router struct {
	Registry *registry.Registry
	Pending  *pending.Tracker
	Peers    PeerEmitter

	// RemoteTimeout bounds how long a remote dispatch waits for the peer.
	// Zero means DefaultRemoteTimeout.
	RemoteTimeout time.Duration
}

func (r *Router) timeout() time.Duration {
	if r.RemoteTimeout > 0 {
		return r.RemoteTimeout
	}
	return DefaultRemoteTimeout
}

// Dispatch routes one invocation. Unknown names settle immediately with an
// error outcome; local implementations run inline with panics converted to
// error outcomes; remote invocations register a pending call, notify the
// peer, and block until the call settles by result, error, timeout, or
// session teardown.
func (r *Router) Dispatch(ctx context.Context, sessionID string, inv schema.Invocation) schema.Outcome {
	res := r.Registry.Resolve(sessionID, inv.Name)
	switch res.Site {
	case registry.SiteLocal:
		return r.runLocal(ctx, inv, res.Impl)
	case registry.SiteRemote:
		return r.runRemote(ctx, sessionID, inv)
	default:
		return schema.ErrorOutcome(inv, fmt.Sprintf("unknown action %s", inv.Name))
	}
}

// Site reports where an invocation would execute, for audit records.
func (r *Router) Site(sessionID, name string) registry.Site {
	return r.Registry.Resolve(sessionID, name).Site
}

func (r *Router) runLocal(ctx context.Context, inv schema.Invocation, impl registry.Impl) (out schema.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = schema.ErrorOutcome(inv, fmt.Sprintf("action %s panicked: %v", inv.Name, rec))
		}
	}()
	result, err := impl(ctx, inv.Arguments)
	if err != nil {
		return schema.ErrorOutcome(inv, err.Error())
	}
	return schema.ResultOutcome(inv, result)
}

func (r *Router) runRemote(ctx context.Context, sessionID string, inv schema.Invocation) schema.Outcome {
	correlationID, done := r.Pending.Create(sessionID, inv, r.timeout())
	inv.CorrelationID = correlationID

	err := r.Peers.EmitToPeer(ctx, sessionID, "execute_remote_action", map[string]any{
		"correlation_id": correlationID,
		"name":           inv.Name,
		"arguments":      inv.Arguments,
	})
	if err != nil {
		// The claim settles the call if the timer has not already won.
		r.Pending.Resolve(sessionID, correlationID, schema.ErrorOutcome(inv, fmt.Sprintf("deliver to peer: %v", err)))
		return <-done
	}

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		r.Pending.Resolve(sessionID, correlationID, schema.ErrorOutcome(inv, pending.ErrSessionClosed))
		return <-done
	}
}
