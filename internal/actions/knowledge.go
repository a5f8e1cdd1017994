package actions

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/flitsinc/toolbridge/internal/schema"
)

var searchKnowledgeSchema = schema.ActionSchema{
	Name:        "search_knowledge",
	Description: "Look up a topic in the built-in knowledge base",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Topic to look up"}
		},
		"required": ["query"]
	}`),
}

var knowledgeBase = map[string]string{
	"websocket": "WebSocket is a protocol providing full-duplex communication over a single TCP connection, standardized in RFC 6455.",
	"json-rpc":  "JSON-RPC is a stateless remote procedure call protocol encoded in JSON, with request, response, and notification message types.",
	"golang":    "Go is a statically typed, compiled language designed at Google, known for goroutines, channels, and a strong standard library.",
	"sqlite":    "SQLite is a self-contained, serverless SQL database engine embedded directly into the application process.",
	"llm":       "Large language models generate text token by token and can call developer-defined tools when asked in a structured format.",
}

func runSearchKnowledge(_ context.Context, args map[string]any) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	if entry, ok := knowledgeBase[needle]; ok {
		return encodeResult(map[string]any{"query": query, "found": true, "entry": entry})
	}
	// Fall back to substring matches so near-miss queries still land.
	var hits []string
	for topic, entry := range knowledgeBase {
		if strings.Contains(needle, topic) || strings.Contains(strings.ToLower(entry), needle) {
			hits = append(hits, entry)
		}
	}
	sort.Strings(hits)
	if len(hits) > 0 {
		return encodeResult(map[string]any{"query": query, "found": true, "entry": hits[0]})
	}
	return encodeResult(map[string]any{"query": query, "found": false, "entry": "No entry found for that topic."})
}
