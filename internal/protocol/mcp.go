package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// clientImplementation identifies the buyer to seller MCP servers.
var clientImplementation = &mcp.Implementation{Name: "openadbuyer", Version: "1.0.0"}

// MCPSession is a connected direct-call session with a cached tool catalog.
type MCPSession struct {
	client  *mcp.Client
	logger  *zap.Logger
	mu      sync.RWMutex
	session *mcp.ClientSession
	tools   map[string]*mcp.Tool
}

// NewMCPSession returns an unconnected session.
func NewMCPSession(logger *zap.Logger) *MCPSession {
	return &MCPSession{
		client: mcp.NewClient(clientImplementation, nil),
		logger: observability.OrNop(logger),
	}
}

// Connect opens the session over t and caches the seller's tool list.
// Connecting an already connected session is a no-op.
func (s *MCPSession) Connect(ctx context.Context, t mcp.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return nil
	}

	cs, err := s.client.Connect(ctx, t, nil)
	if err != nil {
		return &models.TransportError{Transport: string(TransportMCP), Op: "connect", Err: err}
	}
	tools := make(map[string]*mcp.Tool)
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			_ = cs.Close()
			return &models.TransportError{Transport: string(TransportMCP), Op: "list tools", Err: err}
		}
		tools[tool.Name] = tool
	}
	s.session = cs
	s.tools = tools
	s.logger.Info("MCP session connected", zap.Int("tools", len(tools)))
	return nil
}

// Connected reports whether Connect has succeeded.
func (s *MCPSession) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// Tools returns the cached tool names, sorted.
func (s *MCPSession) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a tool. Structured content wins; otherwise the text content
// is parsed as JSON when possible and returned verbatim when not.
func (s *MCPSession) Call(ctx context.Context, name string, args map[string]any) Result {
	s.mu.RLock()
	cs := s.session
	_, known := s.tools[name]
	s.mu.RUnlock()
	if cs == nil {
		return failed(TransportMCP, models.ErrNotConnected)
	}
	if !known {
		s.logger.Debug("calling tool absent from catalog", zap.String("tool", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return failed(TransportMCP, &models.TransportError{Transport: string(TransportMCP), Op: name, Err: err})
	}

	text := joinText(res.Content)
	out := Result{Success: !res.IsError, TransportUsed: TransportMCP, Raw: text}
	if res.IsError {
		out.Error = text
		if out.Error == "" {
			out.Error = fmt.Sprintf("tool %s failed", name)
		}
		return out
	}
	switch {
	case res.StructuredContent != nil:
		out.Data = res.StructuredContent
	case text != "":
		out.Data = parseLoose(text)
	}
	return out
}

// Close ends the session.
func (s *MCPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	s.tools = nil
	return err
}

func joinText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseLoose decodes text as JSON, falling back to the text itself.
func parseLoose(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}
