// Package protocol talks to seller agents over two transports: a
// session-based direct tool-call protocol (MCP) and a conversational
// natural-language protocol (A2A). Both normalize into Result.
package protocol

import (
	"fmt"
	"strings"
)

// Transport selects how a tool call reaches the seller.
type Transport string

const (
	TransportMCP Transport = "mcp"
	TransportA2A Transport = "a2a"
)

// ParseTransport accepts "mcp" or "a2a" in any case. An empty string is
// returned unchanged so callers can fall back to their default.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TransportMCP, TransportA2A:
		return t, nil
	default:
		return "", fmt.Errorf("unknown transport %q: use 'mcp' or 'a2a'", s)
	}
}

// Result is the transport-independent outcome of a tool call.
type Result struct {
	Success       bool      `json:"success"`
	Data          any       `json:"data,omitempty"`
	Error         string    `json:"error,omitempty"`
	TransportUsed Transport `json:"transport_used"`
	// Raw is the unparsed reply text, kept for display.
	Raw string `json:"raw,omitempty"`
}

func failed(t Transport, err error) Result {
	return Result{Success: false, Error: err.Error(), TransportUsed: t}
}

// Map returns Data as a JSON object, or nil.
func (r Result) Map() map[string]any {
	m, _ := r.Data.(map[string]any)
	return m
}

// Items returns Data as a list of JSON objects. A single object is treated as
// a one-element list, and an object wrapping a list under one of keys is
// unwrapped (e.g. {"products": [...]}).
func (r Result) Items(keys ...string) []map[string]any {
	switch v := r.Data.(type) {
	case []any:
		return objects(v)
	case []map[string]any:
		return v
	case map[string]any:
		for _, k := range keys {
			if list, ok := v[k].([]any); ok {
				return objects(list)
			}
		}
		return []map[string]any{v}
	}
	return nil
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
