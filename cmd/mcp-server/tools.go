package main

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/audience"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

// ProductSource looks up seller products.
type ProductSource interface {
	GetProduct(ctx context.Context, id string, via protocol.Transport) protocol.Result
}

type PricingInput struct {
	ProductID   string `json:"product_id" jsonschema:"seller product id"`
	Impressions *int64 `json:"impressions,omitempty" jsonschema:"planned impressions, used for volume discounts"`
}

type PricingOutput struct {
	Quote        pricing.Quote `json:"quote"`
	CanNegotiate bool          `json:"can_negotiate"`
	Summary      string        `json:"summary"`
}

type DealInput struct {
	ProductID   string   `json:"product_id" jsonschema:"seller product id"`
	DealType    string   `json:"deal_type,omitempty" jsonschema:"PG, PD or PA; defaults to PD"`
	Impressions *int64   `json:"impressions,omitempty" jsonschema:"required for PG deals"`
	FlightStart string   `json:"flight_start,omitempty" jsonschema:"YYYY-MM-DD"`
	FlightEnd   string   `json:"flight_end,omitempty" jsonschema:"YYYY-MM-DD"`
	TargetCPM   *float64 `json:"target_cpm,omitempty" jsonschema:"proposed price, agency and advertiser tiers only"`
	Notes       string   `json:"notes,omitempty"`
}

type DealOutput struct {
	Deal    models.DealResponse `json:"deal"`
	Summary string              `json:"summary"`
}

type AudienceInput struct {
	TargetAudience map[string]any `json:"target_audience" jsonschema:"demographics, interests and behaviors to reach"`
}

type AudienceOutput struct {
	Plan *models.AudiencePlan `json:"plan"`
}

type ValidateInput struct {
	TargetAudience map[string]any `json:"target_audience" jsonschema:"demographics, interests and behaviors to reach"`
	Endpoint       string         `json:"endpoint,omitempty" jsonschema:"seller signal exchange URL; defaults to the configured one"`
}

// BuyerTools exposes pricing, deals and audience planning as MCP tools on
// behalf of one buyer identity.
type BuyerTools struct {
	identity   models.BuyerIdentity
	products   ProductSource
	via        protocol.Transport
	negotiator *pricing.Negotiator
	planner    *audience.Planner
	ucp        *ucp.Client
	endpoint   string
	logger     *zap.Logger
}

func (b *BuyerTools) product(ctx context.Context, id string) (models.Product, error) {
	if id == "" {
		return models.Product{}, &models.MissingRequiredField{Field: "product_id"}
	}
	res := b.products.GetProduct(ctx, id, b.via)
	m := res.Map()
	if !res.Success || m == nil {
		return models.Product{}, fmt.Errorf("product %s not found: %s", id, res.Error)
	}
	p := models.ProductFromMap(m)
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

// GetPricing implements the get_pricing tool.
func (b *BuyerTools) GetPricing(ctx context.Context, req *mcp.CallToolRequest, in PricingInput) (*mcp.CallToolResult, PricingOutput, error) {
	p, err := b.product(ctx, in.ProductID)
	if err != nil {
		return nil, PricingOutput{}, err
	}
	buyer := models.NewBuyerContext(b.identity)
	q := b.negotiator.Engine.Quote(b.identity, p, in.Impressions)
	return nil, PricingOutput{
		Quote:        q,
		CanNegotiate: buyer.CanNegotiate(),
		Summary:      pricing.FormatQuote(p, q, in.Impressions, buyer.CanNegotiate()),
	}, nil
}

// RequestDeal implements the request_deal tool.
func (b *BuyerTools) RequestDeal(ctx context.Context, req *mcp.CallToolRequest, in DealInput) (*mcp.CallToolResult, DealOutput, error) {
	p, err := b.product(ctx, in.ProductID)
	if err != nil {
		return nil, DealOutput{}, err
	}
	deal, err := b.negotiator.RequestDeal(models.NewBuyerContext(b.identity), p, models.DealRequest{
		ProductID:   in.ProductID,
		DealType:    models.DealType(in.DealType),
		Impressions: in.Impressions,
		FlightStart: in.FlightStart,
		FlightEnd:   in.FlightEnd,
		TargetCPM:   in.TargetCPM,
		Notes:       in.Notes,
	})
	if err != nil {
		return nil, DealOutput{}, err
	}
	b.logger.Info("deal issued",
		zap.String("deal_id", deal.DealID),
		zap.String("product_id", deal.ProductID),
		zap.String("tier", string(deal.AccessTier)))
	return nil, DealOutput{Deal: deal, Summary: pricing.FormatDealResponse(deal)}, nil
}

// PlanAudience implements the plan_audience tool.
func (b *BuyerTools) PlanAudience(ctx context.Context, req *mcp.CallToolRequest, in AudienceInput) (*mcp.CallToolResult, AudienceOutput, error) {
	plan, err := b.planner.Plan(in.TargetAudience)
	if err != nil {
		return nil, AudienceOutput{}, err
	}
	return nil, AudienceOutput{Plan: plan}, nil
}

// ValidateAudience implements the validate_audience tool.
func (b *BuyerTools) ValidateAudience(ctx context.Context, req *mcp.CallToolRequest, in ValidateInput) (*mcp.CallToolResult, ucp.AudienceValidationResult, error) {
	endpoint := in.Endpoint
	if endpoint == "" {
		endpoint = b.endpoint
	}
	if endpoint == "" {
		return nil, ucp.AudienceValidationResult{}, &models.MissingRequiredField{Field: "endpoint"}
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return nil, b.ucp.ValidateAudience(ctx, in.TargetAudience, endpoint, nil), nil
}

// newMCPServer registers the buyer tools on a fresh server.
func newMCPServer(b *BuyerTools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "openadbuyer",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_pricing",
		Description: "Price a seller product for this buyer's access tier",
	}, b.GetPricing)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "request_deal",
		Description: "Request a Deal ID for a product, optionally proposing a target CPM",
	}, b.RequestDeal)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "plan_audience",
		Description: "Derive required signals, coverage estimates and gaps for a target audience",
	}, b.PlanAudience)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "validate_audience",
		Description: "Check a target audience against a seller's signal capabilities",
	}, b.ValidateAudience)
	return server
}
