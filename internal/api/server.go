// Package api exposes the HTTP surface: the per-session websocket that
// carries the duplex tool protocol, the observer stream socket, and a few
// JSON endpoints for inspection and administration.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/toolbridge/internal/engine"
	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/schema"
	"github.com/flitsinc/toolbridge/internal/state"
)

type Server struct {
	Engine       *engine.Manager
	Registry     *registry.Registry
	Bus          *eventbus.Bus
	Store        *state.Store
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Info         DiagnosticsInfo

	mu    sync.RWMutex
	peers map[string]*peerConn
}

func NewServer() *Server {
	return &Server{peers: map[string]*peerConn{}}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/", s.handleStreams)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/ws/", s.handleSessionWS)
	mux.HandleFunc("/ws", s.handleSessionWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ids := s.Engine.SessionIDs()
	sessions := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry := map[string]any{
			"session_id":     id,
			"remote_actions": s.Registry.RemoteNames(id),
		}
		if session, ok := s.Engine.Session(id); ok {
			entry["busy"] = session.Busy()
		}
		sessions = append(sessions, entry)
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]

	if len(segments) > 1 {
		switch segments[1] {
		case "turns":
			limit := parseInt(r.URL.Query().Get("limit"), 100)
			turns, err := s.Store.ListTurns(r.Context(), sessionID, limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, turns)
		case "invocations":
			limit := parseInt(r.URL.Query().Get("limit"), 100)
			records, err := s.Store.ListInvocations(r.Context(), sessionID, limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, records)
		default:
			writeError(w, http.StatusNotFound, errNotFound("session resource"))
		}
		return
	}

	session, ok := s.Engine.Session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     sessionID,
		"busy":           session.Busy(),
		"local_actions":  s.Registry.LocalNames(),
		"remote_actions": s.Registry.RemoteNames(sessionID),
		"open_calls":     s.Engine.Pending.OpenCount(sessionID),
	})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stream := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	if stream == "" {
		writeError(w, http.StatusNotFound, errNotFound("stream"))
		return
	}
	items, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     parseInt(r.URL.Query().Get("limit"), 50),
		Order:     r.URL.Query().Get("order"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleStreamSubscribe is the SSE twin of the observer websocket, for
// clients that cannot speak websocket. Optional session_id and
// correlation_id query params narrow the feed to one session or one
// in-flight call.
func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	streamList := schema.ObserverStreams
	if param := r.URL.Query().Get("streams"); param != "" {
		streamList = splitComma(param)
	}
	sessionFilter := r.URL.Query().Get("session_id")
	correlationFilter := r.URL.Query().Get("correlation_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, streamList)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if sessionFilter != "" && evt.SessionID != sessionFilter {
				continue
			}
			if correlationFilter != "" && schema.GetMetaString(evt.Metadata, schema.MetaCorrelationID) != correlationFilter {
				continue
			}
			payload, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		if r.Header.Get("X-Restart-Token") != token {
			writeError(w, http.StatusUnauthorized, errNotFound("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
