package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/middleware"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
)

func identityOf(r *http.Request) models.BuyerIdentity {
	if id, ok := middleware.IdentityFromContext(r.Context()); ok {
		return id
	}
	return models.IdentityFromHeaders(r.Header)
}

// product fetches one product from the seller. ok is false when the seller
// has no such product or the call failed.
func (s *Server) product(r *http.Request, id string) (models.Product, bool) {
	if s.Catalog == nil || id == "" {
		return models.Product{}, false
	}
	res := s.Catalog.GetProduct(r.Context(), id, s.Via)
	m := res.Map()
	if !res.Success || m == nil {
		middleware.LoggerFromRequest(r, s.Logger).Debug("product lookup failed",
			zap.String("product_id", id), zap.String("error", res.Error))
		return models.Product{}, false
	}
	p := models.ProductFromMap(m)
	if p.ID == "" {
		p.ID = id
	}
	return p, true
}

// dealStatus maps deal errors to HTTP statuses.
func dealStatus(err error) int {
	var tier *models.TierViolation
	var missing *models.MissingRequiredField
	switch {
	case errors.As(err, &tier):
		return http.StatusForbidden
	case errors.As(err, &missing), errors.Is(err, models.ErrUnknownDealType), errors.Is(err, models.ErrNoRequest):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

// RequestDealHandler issues a deal on one product for the caller's identity.
func (s *Server) RequestDealHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "deals_request"
	status := http.StatusCreated
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	var req models.DealRequest
	if err := decodeBody(w, r, &req); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "invalid request body")
		return
	}
	if req.ProductID == "" {
		status = http.StatusBadRequest
		writeError(w, status, (&models.MissingRequiredField{Field: "product_id"}).Error())
		return
	}
	p, ok := s.product(r, req.ProductID)
	if !ok {
		status = http.StatusNotFound
		writeError(w, status, "product not found: "+req.ProductID)
		return
	}

	deal, err := s.Negotiator.RequestDeal(models.NewBuyerContext(identityOf(r)), p, req)
	if err != nil {
		status = dealStatus(err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, deal)
}

type quoteRequest struct {
	ProductID   string `json:"product_id"`
	Impressions *int64 `json:"impressions,omitempty"`
}

type quoteResponse struct {
	Product      models.Product `json:"product"`
	Quote        pricing.Quote  `json:"quote"`
	CanNegotiate bool           `json:"can_negotiate"`
	Summary      string         `json:"summary"`
}

// QuoteHandler prices a product for the caller's tier without issuing a deal.
func (s *Server) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "deals_quote"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	var req quoteRequest
	if err := decodeBody(w, r, &req); err != nil || req.ProductID == "" {
		status = http.StatusBadRequest
		writeError(w, status, "product_id is required")
		return
	}
	p, ok := s.product(r, req.ProductID)
	if !ok {
		status = http.StatusNotFound
		writeError(w, status, "product not found: "+req.ProductID)
		return
	}

	buyer := models.NewBuyerContext(identityOf(r))
	q := s.Negotiator.Engine.Quote(buyer.Identity, p, req.Impressions)
	writeJSON(w, status, quoteResponse{
		Product:      p,
		Quote:        q,
		CanNegotiate: buyer.CanNegotiate(),
		Summary:      pricing.FormatQuote(p, q, req.Impressions, buyer.CanNegotiate()),
	})
}

// DiscoverDealHandler runs the DSP deal flow: discover products for a
// natural-language request, pick one and issue the deal.
func (s *Server) DiscoverDealHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "deals_discover"
	status := http.StatusCreated
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	var req flow.DSPRequest
	if err := decodeBody(w, r, &req); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "invalid request body")
		return
	}
	if s.Catalog == nil {
		status = http.StatusServiceUnavailable
		writeError(w, status, "seller catalog unavailable")
		return
	}

	f := flow.NewDSPDealFlow(flow.DSPDeps{
		Catalog:    s.Catalog,
		Advisor:    s.Advisor,
		Negotiator: s.Negotiator,
		Sink:       s.Sink,
		Via:        s.Via,
		Logger:     middleware.LoggerFromRequest(r, s.Logger),
		Metrics:    s.Metrics,
	}, models.NewBuyerContext(identityOf(r)), req)

	if _, err := f.Run(r.Context()); err != nil {
		status = dealStatus(err)
		writeJSON(w, status, f.GetStatus())
		return
	}
	writeJSON(w, status, f.GetStatus())
}
