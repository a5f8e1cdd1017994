package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/toolbridge/internal/idgen"
	"github.com/flitsinc/toolbridge/internal/schema"
)

// envelope is the wire frame for every message in both directions.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func newEnvelope(msgType string, data map[string]any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", msgType, err)
	}
	return json.Marshal(envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// peerConn is one attached peer. The mutex serializes writes; reads happen
// on a single goroutine so they need no lock.
type peerConn struct {
	sessionID string
	conn      *websocket.Conn

	writeMu sync.Mutex
}

func (p *peerConn) send(ctx context.Context, msgType string, data map[string]any) error {
	frame, err := newEnvelope(msgType, data)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Write(ctx, websocket.MessageText, frame)
}

// EmitToPeer delivers an outbound event to the session's websocket. It is
// the dispatch router's path to the remote side.
func (s *Server) EmitToPeer(ctx context.Context, sessionID, msgType string, data map[string]any) error {
	s.mu.RLock()
	peer, ok := s.peers[sessionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s has no attached peer", sessionID)
	}
	return peer.send(ctx, msgType, data)
}

func (s *Server) addPeer(peer *peerConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers == nil {
		s.peers = map[string]*peerConn{}
	}
	if _, ok := s.peers[peer.sessionID]; ok {
		return fmt.Errorf("session %s already attached", peer.sessionID)
	}
	s.peers[peer.sessionID] = peer
	return nil
}

func (s *Server) removePeer(sessionID string) {
	s.mu.Lock()
	delete(s.peers, sessionID)
	s.mu.Unlock()
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if sessionID == "" {
		sessionID = idgen.New()
	} else if err := idgen.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	session, err := s.Engine.Connect(sessionID)
	if err != nil {
		frame, encErr := newEnvelope("error", map[string]any{"message": err.Error()})
		if encErr == nil {
			_ = conn.Write(r.Context(), websocket.MessageText, frame)
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "session already connected")
		return
	}

	peer := &peerConn{sessionID: sessionID, conn: conn}
	if err := s.addPeer(peer); err != nil {
		s.Engine.Disconnect(sessionID)
		_ = conn.Close(websocket.StatusPolicyViolation, "session already attached")
		return
	}

	defer func() {
		s.removePeer(sessionID)
		s.Engine.Disconnect(sessionID)
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}()

	ctx := r.Context()
	if err := s.sendConnected(ctx, peer); err != nil {
		return
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = peer.send(ctx, "error", map[string]any{"message": "malformed envelope"})
			continue
		}
		s.handlePeerMessage(ctx, peer, session, env)
	}
}

func (s *Server) sendConnected(ctx context.Context, peer *peerConn) error {
	return peer.send(ctx, "connected", map[string]any{
		"session_id": peer.sessionID,
		"available_actions": map[string]any{
			"local":  s.Registry.LocalNames(),
			"remote": s.Registry.RemoteNames(peer.sessionID),
		},
	})
}

func (s *Server) handlePeerMessage(ctx context.Context, peer *peerConn, session sessionHandle, env envelope) {
	switch env.Type {
	case "register_actions":
		s.handleRegisterActions(ctx, peer, env.Data)
	case "query":
		s.handleQuery(ctx, peer, session, env.Data)
	case "action_result":
		s.handleActionResult(peer.sessionID, env.Data, false)
	case "action_error":
		s.handleActionResult(peer.sessionID, env.Data, true)
	case "reset":
		session.Reset(ctx)
	case "ping":
		_ = peer.send(ctx, "pong", map[string]any{})
	default:
		_ = peer.send(ctx, "error", map[string]any{
			"message": fmt.Sprintf("unknown message type %q", env.Type),
		})
	}
}

// sessionHandle is the slice of the orchestrator the transport drives.
type sessionHandle interface {
	HandleQuery(ctx context.Context, text string) error
	Reset(ctx context.Context)
}

func (s *Server) handleRegisterActions(ctx context.Context, peer *peerConn, data json.RawMessage) {
	var payload struct {
		Actions []schema.ActionSchema `json:"actions"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = peer.send(ctx, "error", map[string]any{"message": "malformed register_actions payload"})
		return
	}
	accepted, rejected := s.Registry.RegisterRemote(peer.sessionID, payload.Actions)

	rejectedOut := make([]map[string]any, 0, len(rejected))
	for _, rej := range rejected {
		log.Printf("session %s: rejected remote action %s: %s", peer.sessionID, rej.Name, rej.Reason)
		rejectedOut = append(rejectedOut, map[string]any{"name": rej.Name, "reason": rej.Reason})
	}
	_ = peer.send(ctx, "actions_registered", map[string]any{
		"accepted": accepted,
		"rejected": rejectedOut,
	})
	// Re-announce the merged action list so the peer sees the final state.
	_ = s.sendConnected(ctx, peer)
}

func (s *Server) handleQuery(ctx context.Context, peer *peerConn, session sessionHandle, data json.RawMessage) {
	var payload struct {
		Text  string `json:"text"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = peer.send(ctx, "error", map[string]any{"message": "malformed query payload"})
		return
	}
	text := payload.Text
	if text == "" {
		text = payload.Query
	}
	// The read loop must stay free to receive action_result messages while
	// the turn is running, so the query runs on its own goroutine.
	go func() {
		if err := session.HandleQuery(ctx, text); err != nil {
			log.Printf("session %s: query: %v", peer.sessionID, err)
		}
	}()
}

func (s *Server) handleActionResult(sessionID string, data json.RawMessage, isError bool) {
	var payload struct {
		CorrelationID string          `json:"correlation_id"`
		Result        json.RawMessage `json:"result"`
		Error         string          `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.CorrelationID == "" {
		log.Printf("session %s: malformed action reply", sessionID)
		return
	}

	var out schema.Outcome
	if isError {
		msg := payload.Error
		if msg == "" {
			msg = "remote action failed"
		}
		out = schema.Outcome{Err: msg, CompletedAt: time.Now().UTC()}
	} else {
		out = schema.Outcome{Result: decodeResultString(payload.Result), CompletedAt: time.Now().UTC()}
	}
	if stale := s.Engine.Pending.Resolve(sessionID, payload.CorrelationID, out); stale {
		log.Printf("session %s: stale reply for call %s", sessionID, payload.CorrelationID)
	}
}

// decodeResultString flattens the peer's result payload to a string: JSON
// strings lose their quotes, everything else stays as raw JSON text.
func decodeResultString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}
