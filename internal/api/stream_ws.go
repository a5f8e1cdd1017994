package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/schema"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS is the read-only observer socket: it mirrors eventbus
// streams to dashboards without taking part in the session protocol.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream bus"))
		return
	}

	streamsParam := r.URL.Query().Get("streams")
	var streamList []string
	if streamsParam == "" {
		streamList = schema.ObserverStreams
	} else {
		streamList = splitComma(streamsParam)
	}
	sessionFilter := r.URL.Query().Get("session_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamEvents(ctx, s.Bus, streamList, sessionFilter, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEvents(ctx context.Context, bus *eventbus.Bus, streamList []string, sessionFilter string, writer wsWriter) error {
	sub := bus.Subscribe(ctx, streamList)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			if sessionFilter != "" && !strings.EqualFold(evt.SessionID, sessionFilter) {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
