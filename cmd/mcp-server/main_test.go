package main

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/audience"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

type fakeProducts map[string]map[string]any

func (f fakeProducts) GetProduct(ctx context.Context, id string, via protocol.Transport) protocol.Result {
	p, ok := f[id]
	if !ok {
		return protocol.Result{Error: "no such product"}
	}
	return protocol.Result{Success: true, Data: p}
}

func connect(t *testing.T, identity models.BuyerIdentity) *protocol.MCPSession {
	t.Helper()
	ctx := context.Background()
	tools := &BuyerTools{
		identity:   identity,
		products:   fakeProducts{"ctv-1": {"id": "ctv-1", "name": "News CTV", "basePrice": 20.0}},
		negotiator: pricing.NewNegotiator(nil, zap.NewNop(), nil),
		planner:    audience.NewPlanner(),
		ucp:        ucp.NewClient(time.Second, 16, zap.NewNop(), nil),
		logger:     zap.NewNop(),
	}

	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := newMCPServer(tools).Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	s := protocol.NewMCPSession(zap.NewNop())
	require.NoError(t, s.Connect(ctx, clientT))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestToolCatalog(t *testing.T) {
	s := connect(t, models.BuyerIdentity{})
	assert.Equal(t, []string{"get_pricing", "plan_audience", "request_deal", "validate_audience"}, s.Tools())
}

func TestGetPricing(t *testing.T) {
	s := connect(t, models.BuyerIdentity{SeatID: "ttd-1", AgencyID: "omnicom"})
	res := s.Call(context.Background(), "get_pricing", map[string]any{"product_id": "ctv-1"})
	require.True(t, res.Success, res.Error)

	quote, ok := res.Map()["quote"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 18.0, quote["tiered_price"], 1e-9)
	assert.Equal(t, true, res.Map()["can_negotiate"])

	res = s.Call(context.Background(), "get_pricing", map[string]any{"product_id": "missing"})
	assert.False(t, res.Success)
}

func TestRequestDeal(t *testing.T) {
	s := connect(t, models.BuyerIdentity{SeatID: "ttd-1"})
	res := s.Call(context.Background(), "request_deal", map[string]any{"product_id": "ctv-1", "deal_type": "PD"})
	require.True(t, res.Success, res.Error)
	deal, ok := res.Map()["deal"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ctv-1", deal["product_id"])
	assert.Contains(t, res.Map()["summary"], "DEAL CREATED")

	res = s.Call(context.Background(), "request_deal", map[string]any{"product_id": "ctv-1", "target_cpm": 10.0})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Price negotiation requires")
}

func TestAudienceTools(t *testing.T) {
	s := connect(t, models.BuyerIdentity{})
	res := s.Call(context.Background(), "plan_audience", map[string]any{
		"target_audience": map[string]any{"interests": []any{"sports"}},
	})
	require.True(t, res.Success, res.Error)
	plan, ok := res.Map()["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"sports"}, plan["interests"])

	res = s.Call(context.Background(), "validate_audience", map[string]any{
		"target_audience": map[string]any{"interests": []any{"sports"}},
		"endpoint":        "http://127.0.0.1:1",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, ucp.StatusInvalid, res.Map()["validation_status"])

	res = s.Call(context.Background(), "validate_audience", map[string]any{
		"target_audience": map[string]any{"interests": []any{"sports"}},
	})
	assert.False(t, res.Success)
}
