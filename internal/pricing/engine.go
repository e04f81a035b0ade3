// Package pricing computes tier and volume discounted prices and issues deals.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

// Volume thresholds and the extra discount each unlocks.
const (
	HighVolumeImpressions int64 = 10_000_000
	MidVolumeImpressions  int64 = 5_000_000
	HighVolumeDiscountPct       = 10.0
	MidVolumeDiscountPct        = 5.0

	// FloorRatio bounds how far below the tiered price a negotiation may go.
	FloorRatio = 0.90
)

// Quote is a priced product for one buyer.
type Quote struct {
	ProductID         string            `json:"product_id"`
	BasePrice         float64           `json:"base_price"`
	Tier              models.AccessTier `json:"tier"`
	TierDiscountPct   float64           `json:"tier_discount_pct"`
	VolumeDiscountPct float64           `json:"volume_discount_pct"`
	TieredPrice       float64           `json:"tiered_price"` // After tier and volume discounts.
}

// Engine applies the fixed tier discount table and volume discounts.
type Engine struct{}

// NewEngine returns a pricing engine. It has no configuration: tier discounts
// are fixed by identity.
func NewEngine() *Engine { return &Engine{} }

// Quote computes price = base × (1 − tier) × (1 − volume). Volume discounts
// apply only to agency and advertiser tiers.
func (e *Engine) Quote(identity models.BuyerIdentity, product models.Product, impressions *int64) Quote {
	tier := identity.AccessTier()
	base := product.BasePrice
	if base <= 0 {
		base = models.DefaultBasePrice
	}
	q := Quote{
		ProductID:       product.ID,
		BasePrice:       base,
		Tier:            tier,
		TierDiscountPct: tier.DiscountPercent(),
	}
	if impressions != nil {
		q.VolumeDiscountPct = VolumeDiscount(tier, *impressions)
	}

	price := decimal.NewFromFloat(base).
		Mul(factor(q.TierDiscountPct)).
		Mul(factor(q.VolumeDiscountPct))
	q.TieredPrice = price.Round(2).InexactFloat64()
	return q
}

// VolumeDiscount returns the extra percentage for the requested volume.
func VolumeDiscount(tier models.AccessTier, impressions int64) float64 {
	if tier != models.TierAgency && tier != models.TierAdvertiser {
		return 0
	}
	switch {
	case impressions >= HighVolumeImpressions:
		return HighVolumeDiscountPct
	case impressions >= MidVolumeImpressions:
		return MidVolumeDiscountPct
	}
	return 0
}

// Negotiate evaluates a target CPM against the tiered price. Buyers below the
// agency tier get a TierViolation and the price is left unchanged.
func (e *Engine) Negotiate(buyer models.BuyerContext, tieredPrice, targetCPM float64) (models.NegotiationOutcome, error) {
	out := models.NegotiationOutcome{TargetCPM: targetCPM, Price: tieredPrice}
	if !buyer.CanNegotiate() {
		err := &models.TierViolation{
			Tier:     buyer.AccessTier(),
			Required: []models.AccessTier{models.TierAgency, models.TierAdvertiser},
		}
		out.Message = err.Error()
		return out, err
	}

	floor := decimal.NewFromFloat(tieredPrice).Mul(decimal.NewFromFloat(FloorRatio)).Round(2)
	out.Floor = floor.InexactFloat64()
	if decimal.NewFromFloat(targetCPM).GreaterThanOrEqual(floor) {
		out.Accepted = true
		out.Price = targetCPM
		out.Message = fmt.Sprintf("Target CPM $%.2f accepted", targetCPM)
		return out, nil
	}
	out.Countered = true
	out.Price = out.Floor
	out.Message = fmt.Sprintf("Target CPM $%.2f is below the floor; countered at $%.2f", targetCPM, out.Floor)
	return out, nil
}

func factor(pct float64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))
}
