package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flitsinc/toolbridge/internal/schema"
)

// UIState is the client-side state the reference actions mutate. It stands
// in for whatever surface a real client controls.
type UIState struct {
	mu           sync.Mutex
	themeColor   string
	highContrast bool
}

func (u *UIState) Snapshot() (color string, highContrast bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.themeColor, u.highContrast
}

var themeColors = map[string]string{
	"red":    "#e53935",
	"green":  "#43a047",
	"blue":   "#1e88e5",
	"purple": "#8e24aa",
	"orange": "#fb8c00",
	"teal":   "#00897b",
}

// RegisterUIActions offers the reference client-side actions on c, bound
// to the given state.
func RegisterUIActions(c *Client, state *UIState) error {
	changeTheme := schema.ActionSchema{
		Name:        "change_theme_color",
		Description: "Change the interface theme color",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"color": {"type": "string", "description": "Color name, e.g. red, green, blue"}
			},
			"required": ["color"]
		}`),
	}
	if err := c.Register(changeTheme, func(_ context.Context, args map[string]any) (any, error) {
		name, _ := args["color"].(string)
		hex, ok := themeColors[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown color %q", name)
		}
		state.mu.Lock()
		state.themeColor = hex
		state.mu.Unlock()
		return map[string]any{"color": name, "hex": hex}, nil
	}); err != nil {
		return err
	}

	highContrast := schema.ActionSchema{
		Name:        "enable_high_contrast",
		Description: "Toggle high contrast mode on the interface",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"}
			}
		}`),
	}
	return c.Register(highContrast, func(_ context.Context, args map[string]any) (any, error) {
		enabled := true
		if v, ok := args["enabled"].(bool); ok {
			enabled = v
		}
		state.mu.Lock()
		state.highContrast = enabled
		state.mu.Unlock()
		return map[string]any{"enabled": enabled}, nil
	})
}
