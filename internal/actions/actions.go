// Package actions holds the server-side action implementations and their
// parameter specs. Remote actions are registered per session over the wire;
// these are the ones every session gets.
package actions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/schema"
)

// RegisterAll installs the built-in local actions into reg.
func RegisterAll(reg *registry.Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	entries := []struct {
		schema schema.ActionSchema
		impl   registry.Impl
	}{
		{calculatorSchema, runCalculator},
		{searchKnowledgeSchema, runSearchKnowledge},
		{currentDateSchema, currentDateImpl(now)},
	}
	for _, e := range entries {
		if err := reg.RegisterLocal(e.schema, e.impl); err != nil {
			return fmt.Errorf("register %s: %w", e.schema.Name, err)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
