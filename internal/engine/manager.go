// Package engine owns the per-session orchestrator that drives the
// model / action loop for each connected peer.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/flitsinc/toolbridge/internal/ai"
	"github.com/flitsinc/toolbridge/internal/dispatch"
	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/pending"
	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/state"
)

// DefaultMaxRoundTrips is the number of extra model calls allowed after the
// first one within a single query.
const DefaultMaxRoundTrips = 1

// Manager tracks live sessions and holds the shared collaborators each
// session orchestrator needs.
type Manager struct {
	Registry *registry.Registry
	Router   *dispatch.Router
	Pending  *pending.Tracker
	Bus      *eventbus.Bus
	Store    *state.Store
	Provider ai.Provider

	// Peers delivers outbound events to a session's websocket. Set at
	// wire-up, after the transport exists.
	Peers dispatch.PeerEmitter

	// MaxRoundTrips bounds extra model calls per query. Zero means
	// DefaultMaxRoundTrips.
	MaxRoundTrips int

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

// Connect creates the orchestrator for a newly attached peer. A second
// connection with the same session id is rejected.
func (m *Manager) Connect(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return nil, fmt.Errorf("session %s already connected", sessionID)
	}
	s := &Session{id: sessionID, mgr: m}
	m.sessions[sessionID] = s
	return s, nil
}

// Disconnect tears a session down: every open remote call settles with a
// session-closed error, the session's remote actions are dropped, and the
// orchestrator is removed.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if n := m.Pending.CancelAll(sessionID); n > 0 {
		log.Printf("session %s disconnected with %d open calls", sessionID, n)
	}
	m.Registry.DropSession(sessionID)
}

func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) maxRoundTrips() int {
	if m.MaxRoundTrips > 0 {
		return m.MaxRoundTrips
	}
	return DefaultMaxRoundTrips
}

func (m *Manager) emit(ctx context.Context, sessionID, msgType string, data map[string]any) {
	if m.Peers == nil {
		return
	}
	if err := m.Peers.EmitToPeer(ctx, sessionID, msgType, data); err != nil {
		log.Printf("emit %s to session %s: %v", msgType, sessionID, err)
	}
}

func (m *Manager) publish(ctx context.Context, input eventbus.EventInput) {
	if m.Bus == nil {
		return
	}
	if _, err := m.Bus.Push(ctx, input); err != nil {
		log.Printf("publish %s event: %v", input.Stream, err)
	}
}
