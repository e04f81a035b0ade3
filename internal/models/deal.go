package models

import (
	"fmt"
	"strings"
)

// DealType identifies the programmatic deal structure requested from a seller.
type DealType string

// Deal types with decreasing price and delivery certainty.
const (
	DealTypePG DealType = "PG" // Programmatic Guaranteed: fixed price, guaranteed impressions.
	DealTypePD DealType = "PD" // Preferred Deal: fixed price, non-guaranteed first look.
	DealTypePA DealType = "PA" // Private Auction: floor price auction among invited buyers.
)

// ParseDealType accepts PG, PD or PA in any case.
func ParseDealType(s string) (DealType, error) {
	switch DealType(strings.ToUpper(strings.TrimSpace(s))) {
	case DealTypePG:
		return DealTypePG, nil
	case DealTypePD:
		return DealTypePD, nil
	case DealTypePA:
		return DealTypePA, nil
	}
	return "", fmt.Errorf("%w '%s': use 'PG', 'PD', or 'PA'", ErrUnknownDealType, s)
}

// RequiresImpressions reports whether requests for this deal type must carry a volume.
func (d DealType) RequiresImpressions() bool {
	return d == DealTypePG
}

// DisplayName is the long human-readable form, e.g. "Preferred Deal (PD)".
func (d DealType) DisplayName() string {
	switch d {
	case DealTypePG:
		return "Programmatic Guaranteed (PG)"
	case DealTypePD:
		return "Preferred Deal (PD)"
	case DealTypePA:
		return "Private Auction (PA)"
	}
	return string(d)
}

// DealRequest asks a seller for a Deal ID on one product.
type DealRequest struct {
	ProductID   string   `json:"product_id"`
	DealType    DealType `json:"deal_type"`
	Impressions *int64   `json:"impressions,omitempty"`  // Mandatory for PG.
	FlightStart string   `json:"flight_start,omitempty"` // YYYY-MM-DD
	FlightEnd   string   `json:"flight_end,omitempty"`   // YYYY-MM-DD
	TargetCPM   *float64 `json:"target_cpm,omitempty"`   // Agency/advertiser tiers only.
	Notes       string   `json:"notes,omitempty"`
}

// NegotiationOutcome records what happened to a buyer-proposed target price.
type NegotiationOutcome struct {
	TargetCPM float64 `json:"target_cpm"`
	Floor     float64 `json:"floor"`
	Price     float64 `json:"price"`
	Accepted  bool    `json:"accepted"`
	Countered bool    `json:"countered"`
	Message   string  `json:"message"`
}

// DealResponse is the issued deal with pricing and activation metadata.
type DealResponse struct {
	DealID                 string              `json:"deal_id"`
	ProductID              string              `json:"product_id"`
	ProductName            string              `json:"product_name"`
	DealType               DealType            `json:"deal_type"`
	Price                  float64             `json:"price"`          // Final CPM.
	OriginalPrice          float64             `json:"original_price"` // Base CPM before discounts.
	DiscountApplied        float64             `json:"discount_applied"`
	VolumeDiscount         float64             `json:"volume_discount,omitempty"`
	AccessTier             AccessTier          `json:"access_tier"`
	Impressions            *int64              `json:"impressions,omitempty"`
	FlightStart            string              `json:"flight_start"`
	FlightEnd              string              `json:"flight_end"`
	ActivationInstructions map[string]string   `json:"activation_instructions"`
	ExpiresAt              string              `json:"expires_at"`
	Negotiation            *NegotiationOutcome `json:"negotiation,omitempty"`
}

// ActivationFor returns the instructions for a DSP platform key, or a generic
// instruction when the platform is not one of the known templates.
func (d DealResponse) ActivationFor(platform string) string {
	if s, ok := d.ActivationInstructions[strings.ToLower(platform)]; ok {
		return s
	}
	return fmt.Sprintf("Enter Deal ID '%s' in %s > Inventory > Private Marketplace", d.DealID, platform)
}

// EstimatedTotal is price per mille times the requested impressions, or 0.
func (d DealResponse) EstimatedTotal() float64 {
	if d.Impressions == nil {
		return 0
	}
	return d.Price / 1000 * float64(*d.Impressions)
}
