package pricing

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

const (
	// DealExpiry is how long an issued deal stays valid.
	DealExpiry = 7 * 24 * time.Hour
	// DefaultFlight is used when a request omits the end date.
	DefaultFlight = 30 * 24 * time.Hour

	dateLayout = "2006-01-02"
)

// activationTemplates maps DSP platform keys to instruction templates.
var activationTemplates = []struct {
	Platform string
	Format   string
}{
	{"ttd", "The Trade Desk > Inventory > Private Marketplace > Add Deal ID: %s"},
	{"dv360", "Display & Video 360 > Inventory > My Inventory > New > Deal ID: %s"},
	{"amazon", "Amazon DSP > Private Marketplace > Deals > Add Deal: %s"},
	{"xandr", "Xandr > Inventory > Deals > Create Deal with ID: %s"},
	{"yahoo", "Yahoo DSP > Inventory > Private Marketplace > Enter Deal ID: %s"},
}

// ActivationPlatforms lists the platform keys in display order.
func ActivationPlatforms() []string {
	out := make([]string, len(activationTemplates))
	for i, t := range activationTemplates {
		out[i] = t.Platform
	}
	return out
}

// Negotiator issues Deal IDs for priced products.
type Negotiator struct {
	Engine  *Engine
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry
	Now     func() time.Time
}

// NewNegotiator wires a negotiator with the wall clock.
func NewNegotiator(engine *Engine, logger *zap.Logger, metrics observability.MetricsRegistry) *Negotiator {
	if engine == nil {
		engine = NewEngine()
	}
	return &Negotiator{
		Engine:  engine,
		Logger:  observability.OrNop(logger),
		Metrics: observability.OrNoOp(metrics),
		Now:     time.Now,
	}
}

// RequestDeal validates the request, prices the product for the buyer,
// applies any negotiation and returns the issued deal. Validation failures
// happen before pricing, so a rejected request has no side effects.
func (n *Negotiator) RequestDeal(buyer models.BuyerContext, product models.Product, req models.DealRequest) (models.DealResponse, error) {
	tier := buyer.AccessTier()

	dealType := models.DealTypePD
	if req.DealType != "" {
		dt, err := models.ParseDealType(string(req.DealType))
		if err != nil {
			n.Metrics.IncrementDeals(string(tier), string(req.DealType), "invalid")
			return models.DealResponse{}, err
		}
		dealType = dt
	}

	if dealType.RequiresImpressions() && (req.Impressions == nil || *req.Impressions <= 0) {
		n.Metrics.IncrementDeals(string(tier), string(dealType), "missing_field")
		return models.DealResponse{}, &models.MissingRequiredField{
			Field:   "impressions",
			Context: "Programmatic Guaranteed (PG) deals",
		}
	}

	negotiate := req.TargetCPM != nil && *req.TargetCPM > 0
	if negotiate && !buyer.CanNegotiate() {
		n.Metrics.IncrementNegotiations("rejected")
		n.Metrics.IncrementDeals(string(tier), string(dealType), "tier_violation")
		return models.DealResponse{}, &models.TierViolation{
			Tier:     tier,
			Required: []models.AccessTier{models.TierAgency, models.TierAdvertiser},
		}
	}

	quote := n.Engine.Quote(buyer.Identity, product, req.Impressions)
	now := n.Now()

	resp := models.DealResponse{
		ProductID:       product.ID,
		ProductName:     product.Name,
		DealType:        dealType,
		Price:           quote.TieredPrice,
		OriginalPrice:   quote.BasePrice,
		DiscountApplied: quote.TierDiscountPct,
		VolumeDiscount:  quote.VolumeDiscountPct,
		AccessTier:      tier,
		Impressions:     req.Impressions,
		FlightStart:     req.FlightStart,
		FlightEnd:       req.FlightEnd,
		ExpiresAt:       now.Add(DealExpiry).Format(dateLayout),
	}

	if negotiate {
		outcome, err := n.Engine.Negotiate(buyer, quote.TieredPrice, *req.TargetCPM)
		if err != nil {
			return models.DealResponse{}, err
		}
		resp.Price = outcome.Price
		resp.Negotiation = &outcome
		if outcome.Accepted {
			n.Metrics.IncrementNegotiations("accepted")
		} else {
			n.Metrics.IncrementNegotiations("countered")
		}
	}

	resp.DealID = GenerateDealID(product.ID, buyer.Identity, now)
	if resp.FlightStart == "" {
		resp.FlightStart = now.Format(dateLayout)
	}
	if resp.FlightEnd == "" {
		resp.FlightEnd = now.Add(DefaultFlight).Format(dateLayout)
	}
	resp.ActivationInstructions = make(map[string]string, len(activationTemplates))
	for _, t := range activationTemplates {
		resp.ActivationInstructions[t.Platform] = fmt.Sprintf(t.Format, resp.DealID)
	}

	n.Metrics.IncrementDeals(string(tier), string(dealType), "created")
	n.Logger.Info("deal created",
		zap.String("deal_id", resp.DealID),
		zap.String("product_id", product.ID),
		zap.String("tier", string(tier)),
		zap.String("deal_type", string(dealType)),
		zap.Float64("price", resp.Price),
	)
	return resp, nil
}

// GenerateDealID derives DEAL-XXXXXXXX from the product, the identity seed and
// the minute-resolution timestamp. It is an opaque handle, not a secret.
func GenerateDealID(productID string, identity models.BuyerIdentity, at time.Time) string {
	seed := fmt.Sprintf("%s-%s-%s", productID, identity.DealSeed(), at.Format("200601021504"))
	sum := md5.Sum([]byte(seed))
	return "DEAL-" + strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}

// FormatDealResponse renders the deal sheet shown to humans.
func FormatDealResponse(d models.DealResponse) string {
	rule := strings.Repeat("=", 60)
	sub := strings.Repeat("-", 30)
	lines := []string{
		rule,
		"DEAL CREATED SUCCESSFULLY",
		rule,
		"",
		"Deal ID: " + d.DealID,
		"",
		"Deal Details",
		sub,
		"Product: " + d.ProductName,
		"Product ID: " + d.ProductID,
		"Deal Type: " + d.DealType.DisplayName(),
		fmt.Sprintf("Flight: %s to %s", d.FlightStart, d.FlightEnd),
	}
	if d.Impressions != nil && *d.Impressions > 0 {
		lines = append(lines, "Impressions: "+models.FormatCount(*d.Impressions))
	}
	lines = append(lines,
		"",
		"Pricing",
		sub,
		fmt.Sprintf("Original CPM: $%.2f", d.OriginalPrice),
		fmt.Sprintf("Your Tier: %s (%g%% discount)", strings.ToUpper(string(d.AccessTier)), d.DiscountApplied),
		fmt.Sprintf("Final CPM: $%.2f", d.Price),
	)
	if d.Negotiation != nil {
		lines = append(lines, "Negotiation: "+d.Negotiation.Message)
	}
	if d.Impressions != nil && *d.Impressions > 0 {
		lines = append(lines, "Estimated Total: $"+models.FormatMoney(d.EstimatedTotal()))
	}
	lines = append(lines, "", "Activation Instructions", sub)
	for _, p := range ActivationPlatforms() {
		if s, ok := d.ActivationInstructions[p]; ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", strings.ToUpper(p), s))
		}
	}
	lines = append(lines,
		"",
		sub,
		"Deal expires: "+d.ExpiresAt,
		"",
		"Copy the Deal ID above and enter it in your DSP's",
		"Private Marketplace or Inventory section.",
		rule,
	)
	return strings.Join(lines, "\n")
}

// FormatQuote renders a pricing breakdown for one product.
func FormatQuote(p models.Product, q Quote, impressions *int64, canNegotiate bool) string {
	rateType := p.RateType
	if rateType == "" {
		rateType = "CPM"
	}
	publisher := p.Publisher
	if publisher == "" {
		publisher = "Unknown"
	}
	rule := strings.Repeat("=", 50)
	sub := strings.Repeat("-", 20)
	lines := []string{
		"Pricing for: " + p.Name,
		"Product ID: " + p.ID,
		"Publisher: " + publisher,
		rule,
		"",
		"Your Access Tier",
		sub,
		"Tier: " + strings.ToUpper(string(q.Tier)),
		fmt.Sprintf("Tier Discount: %g%%", q.TierDiscountPct),
	}
	if q.VolumeDiscountPct > 0 {
		lines = append(lines, fmt.Sprintf("Volume Discount: %g%%", q.VolumeDiscountPct))
	}
	lines = append(lines, "", "Pricing Breakdown", sub, fmt.Sprintf("Base %s: $%.2f", rateType, q.BasePrice))
	lines = append(lines, "", fmt.Sprintf("Final %s: $%.2f", rateType, q.TieredPrice))
	if impressions != nil && *impressions > 0 {
		total := q.TieredPrice / 1000 * float64(*impressions)
		lines = append(lines,
			"",
			"Cost Projection",
			sub,
			"Impressions: "+models.FormatCount(*impressions),
			"Estimated Cost: $"+models.FormatMoney(total),
		)
	}
	if canNegotiate {
		lines = append(lines,
			"",
			"Negotiation",
			sub,
			"Price negotiation is available at your tier.",
			"Use request_deal with target_cpm to propose a price.",
		)
	}
	return strings.Join(lines, "\n")
}
