package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// Options configures a unified Client.
type Options struct {
	BaseURL          string // seller root, e.g. http://localhost:8000
	MCPEndpoint      string // full URL of the streamable MCP endpoint
	AgentType        string // A2A agent path segment
	DefaultTransport Transport
	Timeout          time.Duration
	Identity         models.BuyerIdentity
	// HTTPClient overrides the instrumented client used by both transports.
	HTTPClient *http.Client
}

// OptionsFromConfig builds client options for the configured seller.
// agentType overrides the A2A agent path when non-empty.
func OptionsFromConfig(cfg config.Config, agentType string) Options {
	if agentType == "" {
		agentType = cfg.A2AAgentType
	}
	return Options{
		BaseURL:          cfg.SellerBaseURL,
		MCPEndpoint:      cfg.MCPEndpoint(),
		AgentType:        agentType,
		DefaultTransport: Transport(cfg.DefaultTransport),
		Timeout:          cfg.ProtocolTimeout,
		Identity:         cfg.Buyer,
	}
}

// Client routes tool calls to the seller over MCP or A2A. Each transport is
// connected lazily on first use and both may be open at once.
type Client struct {
	opts    Options
	http    *http.Client
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	mu  sync.Mutex
	mcp *MCPSession
	a2a *A2AClient
}

// NewClient builds a client; nothing is dialed until the first call.
func NewClient(opts Options, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	if opts.DefaultTransport == "" {
		opts.DefaultTransport = TransportMCP
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &identityTransport{
				identity: opts.Identity,
				base:     otelhttp.NewTransport(http.DefaultTransport),
			},
		}
	}
	logger = observability.OrNop(logger)
	return &Client{
		opts:    opts,
		http:    hc,
		logger:  logger,
		metrics: observability.OrNoOp(metrics),
	}
}

// identityTransport stamps buyer identity headers on every request.
type identityTransport struct {
	identity models.BuyerIdentity
	base     http.RoundTripper
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	h := t.identity.Headers()
	if len(h) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range h {
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// DefaultTransport is the transport used when a call names none.
func (c *Client) DefaultTransport() Transport { return c.opts.DefaultTransport }

// Identity is the buyer identity presented to sellers.
func (c *Client) Identity() models.BuyerIdentity { return c.opts.Identity }

// ConnectMCP opens the direct-call session over t. Use it to supply a
// transport other than streamable HTTP, such as an in-process pipe.
func (c *Client) ConnectMCP(ctx context.Context, t mcp.Transport) error {
	return c.mcpSession().Connect(ctx, t)
}

func (c *Client) mcpSession() *MCPSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mcp == nil {
		c.mcp = NewMCPSession(c.logger)
	}
	return c.mcp
}

// A2A returns the conversational client, creating it on first use.
func (c *Client) A2A() *A2AClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.a2a == nil {
		c.a2a = NewA2AClient(c.opts.BaseURL, c.opts.AgentType, c.opts.Identity, c.http, c.logger)
	}
	return c.a2a
}

// Tools lists the cached MCP tool names, or nil before the session exists.
func (c *Client) Tools() []string {
	c.mu.Lock()
	s := c.mcp
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Tools()
}

func (c *Client) ensureMCP(ctx context.Context) (*MCPSession, error) {
	s := c.mcpSession()
	if s.Connected() {
		return s, nil
	}
	if c.opts.MCPEndpoint == "" {
		return nil, fmt.Errorf("%w: no MCP endpoint configured", models.ErrNotConnected)
	}
	err := s.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   c.opts.MCPEndpoint,
		HTTPClient: c.http,
		MaxRetries: -1,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CallTool invokes name with args. An empty via uses the default transport.
// Over A2A the call is rendered to a sentence with ToNaturalLanguage. Errors
// and timeouts come back as Success=false, never as a Go error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, via Transport) Result {
	if via == "" {
		via = c.opts.DefaultTransport
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	ctx, span := observability.GetTracer("protocol").Start(ctx, "protocol.call_tool")
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("protocol.transport", string(via)),
	)
	start := time.Now()

	var res Result
	switch via {
	case TransportMCP:
		res = c.callMCP(ctx, name, args)
	case TransportA2A:
		res = c.send(ctx, ToNaturalLanguage(name, args))
	default:
		res = failed(via, fmt.Errorf("unknown transport %q", via))
	}
	res = c.timeoutAware(ctx, res)

	c.record(via, start, res)
	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	observability.EndSpan(span, spanErr)
	return res
}

// SendNaturalLanguage sends free text over A2A.
func (c *Client) SendNaturalLanguage(ctx context.Context, text string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	start := time.Now()
	res := c.timeoutAware(ctx, c.send(ctx, text))
	c.record(TransportA2A, start, res)
	return res
}

func (c *Client) callMCP(ctx context.Context, name string, args map[string]any) Result {
	s, err := c.ensureMCP(ctx)
	if err != nil {
		return failed(TransportMCP, err)
	}
	return s.Call(ctx, name, args)
}

func (c *Client) send(ctx context.Context, text string) Result {
	resp, err := c.A2A().Send(ctx, text)
	if err != nil {
		return failed(TransportA2A, &models.TransportError{Transport: string(TransportA2A), Op: "message/send", Err: err})
	}
	return Result{
		Success:       true,
		Data:          normalizeA2A(resp),
		TransportUsed: TransportA2A,
		Raw:           resp.Text,
	}
}

func (c *Client) timeoutAware(ctx context.Context, res Result) Result {
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Error = fmt.Sprintf("timed out after %s: %s", c.opts.Timeout, res.Error)
	}
	return res
}

func (c *Client) record(t Transport, start time.Time, res Result) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
		c.logger.Warn("tool call failed", zap.String("transport", string(t)), zap.String("error", res.Error))
	}
	c.metrics.IncrementToolCalls(string(t), outcome)
	c.metrics.RecordToolCallLatency(string(t), time.Since(start))
}

// Close ends the MCP session if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.mcp
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
