package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

// DSPStatus is the state of a DSP deal flow.
type DSPStatus string

const (
	DSPInitialized          DSPStatus = "initialized"
	DSPRequestReceived      DSPStatus = "request_received"
	DSPDiscoveringInventory DSPStatus = "discovering_inventory"
	DSPEvaluatingPricing    DSPStatus = "evaluating_pricing"
	DSPRequestingDeal       DSPStatus = "requesting_deal"
	DSPDealCreated          DSPStatus = "deal_created"
	DSPFailed               DSPStatus = "failed"
)

// DSPRequest is what a DSP asks for in natural language plus structured
// constraints.
type DSPRequest struct {
	Request     string          `json:"request"`
	DealType    models.DealType `json:"deal_type,omitempty"`
	Impressions *int64          `json:"impressions,omitempty"`
	MaxCPM      *float64        `json:"max_cpm,omitempty"`
	FlightStart string          `json:"flight_start,omitempty"`
	FlightEnd   string          `json:"flight_end,omitempty"`
	TargetCPM   *float64        `json:"target_cpm,omitempty"`
}

// DSPDeps are the collaborators of a DSP deal flow.
type DSPDeps struct {
	Catalog    advisor.Catalog
	Advisor    advisor.Advisor
	Negotiator *pricing.Negotiator
	Sink       EventSink
	Via        protocol.Transport
	Logger     *zap.Logger
	Metrics    observability.MetricsRegistry
	Now        func() time.Time
}

// DSPStatusReport is the projection returned by DSPDealFlow.GetStatus.
type DSPStatusReport struct {
	FlowID            string               `json:"flow_id"`
	Status            DSPStatus            `json:"status"`
	Request           string               `json:"request"`
	DiscoveredCount   int                  `json:"discovered_products"`
	SelectedProductID string               `json:"selected_product_id,omitempty"`
	Quote             *pricing.Quote       `json:"quote,omitempty"`
	Deal              *models.DealResponse `json:"deal,omitempty"`
	Errors            []string             `json:"errors"`
}

// DSPDealFlow is the linear deal pipeline: receive, discover, evaluate and
// select, then request the deal. Any stage failure ends the flow in failed.
type DSPDealFlow struct {
	deps  DSPDeps
	buyer models.BuyerContext
	req   DSPRequest

	mu         sync.Mutex
	id         string
	status     DSPStatus
	discovered []models.Product
	selected   *models.Product
	quote      *pricing.Quote
	deal       *models.DealResponse
	errors     []string
}

// NewDSPDealFlow builds a flow for one request on behalf of buyer.
func NewDSPDealFlow(deps DSPDeps, buyer models.BuyerContext, req DSPRequest) *DSPDealFlow {
	deps.Logger = observability.OrNop(deps.Logger)
	deps.Metrics = observability.OrNoOp(deps.Metrics)
	if deps.Negotiator == nil {
		deps.Negotiator = pricing.NewNegotiator(nil, deps.Logger, deps.Metrics)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &DSPDealFlow{
		deps:   deps,
		buyer:  buyer,
		req:    req,
		id:     uuid.NewString(),
		status: DSPInitialized,
	}
}

// Run executes the pipeline and returns the issued deal.
func (f *DSPDealFlow) Run(ctx context.Context) (resp *models.DealResponse, err error) {
	ctx, span := observability.GetTracer("flow").Start(ctx, "dsp.run")
	span.SetAttributes(
		attribute.String("flow.id", f.id),
		attribute.String("tier", string(f.buyer.AccessTier())),
	)
	defer func() {
		if err != nil {
			f.failWith(ctx, err)
		}
		observability.EndSpan(span, err)
	}()

	if strings.TrimSpace(f.req.Request) == "" {
		return nil, models.ErrNoRequest
	}
	f.setStatus(ctx, DSPRequestReceived, "")

	products, err := f.discover(ctx)
	if err != nil {
		return nil, err
	}
	product, err := f.evaluate(ctx, products)
	if err != nil {
		return nil, err
	}

	f.setStatus(ctx, DSPRequestingDeal, product.ID)
	deal, err := f.deps.Negotiator.RequestDeal(f.buyer, product, models.DealRequest{
		ProductID:   product.ID,
		DealType:    f.req.DealType,
		Impressions: f.req.Impressions,
		FlightStart: f.req.FlightStart,
		FlightEnd:   f.req.FlightEnd,
		TargetCPM:   f.req.TargetCPM,
		Notes:       f.req.Request,
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.deal = &deal
	f.mu.Unlock()
	f.setStatus(ctx, DSPDealCreated, deal.DealID)
	return &deal, nil
}

// discover searches the seller with the buyer's identity context and the
// request's constraints as filters.
func (f *DSPDealFlow) discover(ctx context.Context) ([]models.Product, error) {
	f.setStatus(ctx, DSPDiscoveringInventory, "")
	if f.deps.Catalog == nil {
		return nil, fmt.Errorf("discover inventory: no seller catalog configured")
	}

	filters := map[string]any{"buyer_context": f.buyer.Identity.ContextMap()}
	if f.req.MaxCPM != nil {
		filters["maxPrice"] = *f.req.MaxCPM
	}
	if f.req.Impressions != nil {
		filters["minImpressions"] = *f.req.Impressions
	}

	res := f.deps.Catalog.SearchProducts(ctx, f.req.Request, filters, f.deps.Via)
	if !res.Success {
		return nil, fmt.Errorf("discover inventory: %s", res.Error)
	}
	var products []models.Product
	for _, m := range res.Items("products", "results", "items") {
		products = append(products, models.ProductFromMap(m))
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("discover inventory: no products match %q", f.req.Request)
	}

	f.mu.Lock()
	f.discovered = products
	f.mu.Unlock()
	f.deps.Logger.Info("inventory discovered", zap.String("flow_id", f.id), zap.Int("products", len(products)))
	return products, nil
}

// evaluate asks the advisor to pick one candidate and quotes it for the buyer.
func (f *DSPDealFlow) evaluate(ctx context.Context, products []models.Product) (models.Product, error) {
	f.setStatus(ctx, DSPEvaluatingPricing, "")
	if f.deps.Advisor == nil {
		return models.Product{}, fmt.Errorf("evaluate pricing: no advisor configured")
	}

	text, err := f.deps.Advisor.Select(ctx, advisor.SelectionRequest{
		Request:     f.req.Request,
		DealType:    f.req.DealType,
		MaxCPM:      f.req.MaxCPM,
		Impressions: f.req.Impressions,
		Candidates:  products,
		Tier:        f.buyer.AccessTier(),
	})
	if err != nil {
		return models.Product{}, &models.AdvisoryFailure{Stage: "select", Err: err}
	}
	id := advisor.ExtractProductID(text)
	if id == "" {
		return models.Product{}, models.ErrNoProduct
	}

	var product *models.Product
	for i := range products {
		if products[i].ID == id {
			product = &products[i]
			break
		}
	}
	if product == nil {
		return models.Product{}, fmt.Errorf("%w: %q was not among the discovered products", models.ErrNoProduct, id)
	}

	q := f.deps.Negotiator.Engine.Quote(f.buyer.Identity, *product, f.req.Impressions)
	f.mu.Lock()
	f.selected = product
	f.quote = &q
	f.mu.Unlock()
	return *product, nil
}

// GetStatus returns a copy of the flow's progress.
func (f *DSPDealFlow) GetStatus() DSPStatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := DSPStatusReport{
		FlowID:          f.id,
		Status:          f.status,
		Request:         f.req.Request,
		DiscoveredCount: len(f.discovered),
		Errors:          append([]string{}, f.errors...),
	}
	if f.selected != nil {
		r.SelectedProductID = f.selected.ID
	}
	if f.quote != nil {
		q := *f.quote
		r.Quote = &q
	}
	if f.deal != nil {
		d := *f.deal
		r.Deal = &d
	}
	return r
}

func (f *DSPDealFlow) failWith(ctx context.Context, err error) {
	f.mu.Lock()
	f.errors = append(f.errors, err.Error())
	f.mu.Unlock()
	f.deps.Logger.Warn("dsp deal flow failed", zap.String("flow_id", f.id), zap.Error(err))
	f.setStatus(ctx, DSPFailed, err.Error())
}

func (f *DSPDealFlow) setStatus(ctx context.Context, to DSPStatus, reason string) {
	f.mu.Lock()
	from := f.status
	f.status = to
	f.mu.Unlock()

	f.deps.Metrics.IncrementFlowTransitions("dsp_" + string(to))
	if f.deps.Sink == nil {
		return
	}
	ev := models.StatusEvent{
		ID:       uuid.NewString(),
		FlowID:   f.id,
		Entity:   models.EntityDeal,
		EntityID: f.id,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		At:       f.deps.Now(),
	}
	if err := f.deps.Sink.RecordEvent(ctx, ev); err != nil {
		f.deps.Logger.Warn("failed to record deal event", zap.Error(err))
	}
}
