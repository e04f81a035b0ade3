package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// AgentCard describes a seller agent and its skills.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	ProtocolVersion    string       `json:"protocolVersion,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string     `json:"defaultOutputModes,omitempty"`
	Skills             []Skill      `json:"skills"`
}

// Capabilities represents agent capabilities
type Capabilities struct {
	Streaming              bool `json:"streaming,omitempty"`
	PushNotifications      bool `json:"pushNotifications,omitempty"`
	StateTransitionHistory bool `json:"stateTransitionHistory,omitempty"`
}

// Skill represents an agent skill/capability
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// A2AResponse is a parsed message/send reply.
type A2AResponse struct {
	TaskID    string
	ContextID string
	Text      string
	Data      []any
	Raw       json.RawMessage
}

// A2AClient sends natural-language messages to one seller agent and threads
// the server-assigned context id through subsequent turns.
type A2AClient struct {
	baseURL    string
	agentType  string
	identity   models.BuyerIdentity
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	contextID string
}

// NewA2AClient creates a client for {baseURL}/a2a/{agentType}.
func NewA2AClient(baseURL, agentType string, identity models.BuyerIdentity, httpClient *http.Client, logger *zap.Logger) *A2AClient {
	if agentType == "" {
		agentType = "buyer"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &A2AClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		agentType:  agentType,
		identity:   identity,
		httpClient: httpClient,
		logger:     observability.OrNop(logger),
	}
}

// JSONRPCURL is the message endpoint.
func (c *A2AClient) JSONRPCURL() string {
	return fmt.Sprintf("%s/a2a/%s/jsonrpc", c.baseURL, c.agentType)
}

// AgentCardURL is the well-known card location.
func (c *A2AClient) AgentCardURL() string {
	return fmt.Sprintf("%s/a2a/%s/.well-known/agent-card.json", c.baseURL, c.agentType)
}

// ContextID returns the conversation context currently in use.
func (c *A2AClient) ContextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextID
}

// ResetContext starts a new conversation on the next Send.
func (c *A2AClient) ResetContext() {
	c.mu.Lock()
	c.contextID = ""
	c.mu.Unlock()
}

type a2aPart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type a2aMessage struct {
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Parts     []a2aPart `json:"parts"`
}

type a2aParams struct {
	Message   a2aMessage `json:"message"`
	ContextID string     `json:"contextId,omitempty"`
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  a2aParams `json:"params"`
	ID      string    `json:"id"`
}

// Send posts text as a user message. A JSON-RPC error member is returned as
// an error; a returned contextId replaces the stored one.
func (c *A2AClient) Send(ctx context.Context, text string) (*A2AResponse, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "message/send",
		Params: a2aParams{
			Message: a2aMessage{
				MessageID: uuid.NewString(),
				Role:      "user",
				Parts:     []a2aPart{{Kind: "text", Text: text}},
			},
			ContextID: c.ContextID(),
		},
		ID: uuid.NewString(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.JSONRPCURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	resp, err := parseA2A(data)
	if err != nil {
		return nil, err
	}
	if resp.ContextID != "" {
		c.mu.Lock()
		c.contextID = resp.ContextID
		c.mu.Unlock()
	}
	return resp, nil
}

func parseA2A(data []byte) (*A2AResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("decode response: invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if e := doc.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, errors.New(msg)
	}

	result := doc.Get("result")
	resp := &A2AResponse{
		TaskID:    result.Get("taskId").String(),
		ContextID: result.Get("contextId").String(),
		Raw:       json.RawMessage(data),
	}
	var texts []string
	result.Get("parts").ForEach(func(_, part gjson.Result) bool {
		switch part.Get("kind").String() {
		case "text":
			texts = append(texts, part.Get("text").String())
		case "data":
			resp.Data = append(resp.Data, part.Get("data").Value())
		}
		return true
	})
	resp.Text = strings.Join(texts, "\n")
	return resp, nil
}

// GetAgentCard fetches the seller's agent card.
func (c *A2AClient) GetAgentCard(ctx context.Context) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AgentCardURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var card AgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &card, nil
}

// GetMCPInfo fetches the seller's tool summary from {base}/mcp/info.
func (c *A2AClient) GetMCPInfo(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mcp/info", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return info, nil
}

func (c *A2AClient) do(req *http.Request) ([]byte, error) {
	for k, v := range c.identity.Headers() {
		req.Header[k] = v
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// normalizeA2A picks the payload a caller most likely wants: the single data
// part, else every data part, else the text.
func normalizeA2A(resp *A2AResponse) any {
	switch {
	case len(resp.Data) == 1:
		return resp.Data[0]
	case len(resp.Data) > 1:
		return resp.Data
	case resp.Text != "":
		return resp.Text
	}
	return nil
}
