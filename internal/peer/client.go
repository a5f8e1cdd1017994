// Package peer is a reference client for the session protocol: it attaches
// to a bridge server, offers actions the model can run on the client side,
// and executes them when the server asks.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/toolbridge/internal/schema"
)

// Handler executes one client-side action. The returned value is serialized
// into the action_result reply.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Client is one peer connection. Register the offered actions before
// calling Connect; the schema list is announced right after the handshake.
type Client struct {
	URL string

	// OnEvent observes every inbound envelope after protocol handling.
	// Optional.
	OnEvent func(msgType string, data json.RawMessage)

	mu       sync.Mutex
	conn     *websocket.Conn
	schemas  []schema.ActionSchema
	handlers map[string]Handler
	writeMu  sync.Mutex
}

func NewClient(url string) *Client {
	return &Client{URL: url, handlers: map[string]Handler{}}
}

// Register offers one action to the server. Calling it after Connect has
// no effect until the next connection.
func (c *Client) Register(actionSchema schema.ActionSchema, handler Handler) error {
	if actionSchema.Name == "" {
		return fmt.Errorf("action name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[actionSchema.Name]; ok {
		return fmt.Errorf("action %s already registered", actionSchema.Name)
	}
	c.handlers[actionSchema.Name] = handler
	c.schemas = append(c.schemas, actionSchema)
	return nil
}

// Connect dials the server, waits for the connected handshake, and
// announces the registered actions.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	schemas := append([]schema.ActionSchema(nil), c.schemas...)
	c.mu.Unlock()

	env, err := c.readEnvelope(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no handshake")
		return fmt.Errorf("handshake: %w", err)
	}
	if env.Type != "connected" {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected handshake")
		return fmt.Errorf("handshake: got %q, want connected", env.Type)
	}

	if len(schemas) > 0 {
		if err := c.send(ctx, "register_actions", map[string]any{"actions": schemas}); err != nil {
			return err
		}
	}
	return nil
}

// Run processes inbound messages until the context ends or the connection
// drops. Remote action requests are executed and answered inline.
func (c *Client) Run(ctx context.Context) error {
	for {
		env, err := c.readEnvelope(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env.Type == "execute_remote_action" {
			c.executeAction(ctx, env.Data)
		}
		if c.OnEvent != nil {
			c.OnEvent(env.Type, env.Data)
		}
	}
}

func (c *Client) executeAction(ctx context.Context, data json.RawMessage) {
	var req struct {
		CorrelationID string         `json:"correlation_id"`
		Name          string         `json:"name"`
		Arguments     map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.CorrelationID == "" {
		log.Printf("peer: malformed execute_remote_action")
		return
	}

	c.mu.Lock()
	handler, ok := c.handlers[req.Name]
	c.mu.Unlock()
	if !ok {
		c.reply(ctx, "action_error", req.CorrelationID, nil, fmt.Sprintf("no handler for %s", req.Name))
		return
	}

	result, err := handler(ctx, req.Arguments)
	if err != nil {
		c.reply(ctx, "action_error", req.CorrelationID, nil, err.Error())
		return
	}
	c.reply(ctx, "action_result", req.CorrelationID, result, "")
}

func (c *Client) reply(ctx context.Context, msgType, correlationID string, result any, errMsg string) {
	data := map[string]any{"correlation_id": correlationID}
	if msgType == "action_error" {
		data["error"] = errMsg
	} else {
		data["result"] = result
	}
	if err := c.send(ctx, msgType, data); err != nil {
		log.Printf("peer: reply %s for call %s: %v", msgType, correlationID, err)
	}
}

// Query sends one user query. Responses arrive through Run.
func (c *Client) Query(ctx context.Context, text string) error {
	return c.send(ctx, "query", map[string]any{"text": text})
}

func (c *Client) Reset(ctx context.Context) error {
	return c.send(ctx, "reset", map[string]any{})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, "ping", map[string]any{})
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closed")
}

func (c *Client) send(ctx context.Context, msgType string, data map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s data: %w", msgType, err)
	}
	frame, err := json.Marshal(envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (c *Client) readEnvelope(ctx context.Context) (envelope, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return envelope{}, fmt.Errorf("not connected")
	}
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
