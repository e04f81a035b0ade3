package models

import (
	"net/http"
)

// AccessTier is the pricing privilege level a buyer unlocks by revealing identity.
// Sellers publish ranges to anonymous buyers and progressively better fixed prices
// as seat, agency and advertiser identifiers are disclosed.
type AccessTier string

// Access tiers, lowest privilege first.
const (
	TierPublic     AccessTier = "public"     // No identity: price ranges only.
	TierSeat       AccessTier = "seat"       // DSP seat ID revealed.
	TierAgency     AccessTier = "agency"     // Agency ID revealed, negotiation allowed.
	TierAdvertiser AccessTier = "advertiser" // Advertiser ID revealed, volume discounts.
)

// tierDiscounts holds the fixed discount percentage per tier. It is deliberately
// not configurable: the tier alone determines the discount.
var tierDiscounts = map[AccessTier]float64{
	TierPublic:     0,
	TierSeat:       5,
	TierAgency:     10,
	TierAdvertiser: 15,
}

// DiscountPercent returns the tier's discount as a percentage (0-15).
func (t AccessTier) DiscountPercent() float64 {
	return tierDiscounts[t]
}

// Rank orders tiers from public (0) to advertiser (3).
func (t AccessTier) Rank() int {
	switch t {
	case TierSeat:
		return 1
	case TierAgency:
		return 2
	case TierAdvertiser:
		return 3
	default:
		return 0
	}
}

// Identity header names sent to sellers alongside every request.
const (
	HeaderSeatID               = "X-DSP-Seat-ID"
	HeaderSeatName             = "X-DSP-Seat-Name"
	HeaderAgencyID             = "X-Agency-ID"
	HeaderAgencyName           = "X-Agency-Name"
	HeaderAgencyHoldingCompany = "X-Agency-Holding-Company"
	HeaderAdvertiserID         = "X-Advertiser-ID"
	HeaderAdvertiserName       = "X-Advertiser-Name"
	HeaderAdvertiserIndustry   = "X-Advertiser-Industry"
)

// BuyerIdentity carries the identity fields a buyer chooses to reveal on a request.
// The access tier is derived from which IDs are present and is never stored.
// A buyer may hold several identities over time but each request carries one.
type BuyerIdentity struct {
	SeatID               string `json:"seat_id,omitempty"`                // DSP seat identifier (e.g. "ttd-seat-123").
	SeatName             string `json:"seat_name,omitempty"`              // DSP platform name (e.g. "The Trade Desk").
	AgencyID             string `json:"agency_id,omitempty"`              // Agency identifier (e.g. "omnicom-456").
	AgencyName           string `json:"agency_name,omitempty"`            // Agency display name.
	AgencyHoldingCompany string `json:"agency_holding_company,omitempty"` // Holding company (e.g. "WPP").
	AdvertiserID         string `json:"advertiser_id,omitempty"`          // Advertiser identifier.
	AdvertiserName       string `json:"advertiser_name,omitempty"`        // Advertiser display name.
	AdvertiserIndustry   string `json:"advertiser_industry,omitempty"`    // Industry vertical (e.g. "CPG").
}

// AccessTier derives the tier: advertiser if an advertiser ID is set, else agency,
// else seat, else public.
func (b BuyerIdentity) AccessTier() AccessTier {
	switch {
	case b.AdvertiserID != "":
		return TierAdvertiser
	case b.AgencyID != "":
		return TierAgency
	case b.SeatID != "":
		return TierSeat
	default:
		return TierPublic
	}
}

// DiscountPercent is shorthand for AccessTier().DiscountPercent().
func (b BuyerIdentity) DiscountPercent() float64 {
	return b.AccessTier().DiscountPercent()
}

// DealSeed returns the identity component of a Deal ID seed: the agency ID,
// else the seat ID, else "public".
func (b BuyerIdentity) DealSeed() string {
	if b.AgencyID != "" {
		return b.AgencyID
	}
	if b.SeatID != "" {
		return b.SeatID
	}
	return "public"
}

// Headers returns the identity headers for populated fields only.
func (b BuyerIdentity) Headers() http.Header {
	h := http.Header{}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(HeaderSeatID, b.SeatID)
	set(HeaderSeatName, b.SeatName)
	set(HeaderAgencyID, b.AgencyID)
	set(HeaderAgencyName, b.AgencyName)
	set(HeaderAgencyHoldingCompany, b.AgencyHoldingCompany)
	set(HeaderAdvertiserID, b.AdvertiserID)
	set(HeaderAdvertiserName, b.AdvertiserName)
	set(HeaderAdvertiserIndustry, b.AdvertiserIndustry)
	return h
}

// ContextMap returns every identity field plus the derived access tier, for
// inclusion in tool arguments sent to sellers.
func (b BuyerIdentity) ContextMap() map[string]any {
	return map[string]any{
		"seat_id":                b.SeatID,
		"seat_name":              b.SeatName,
		"agency_id":              b.AgencyID,
		"agency_name":            b.AgencyName,
		"agency_holding_company": b.AgencyHoldingCompany,
		"advertiser_id":          b.AdvertiserID,
		"advertiser_name":        b.AdvertiserName,
		"advertiser_industry":    b.AdvertiserIndustry,
		"access_tier":            string(b.AccessTier()),
	}
}

// IdentityFromHeaders is the inverse of Headers.
func IdentityFromHeaders(h http.Header) BuyerIdentity {
	return BuyerIdentity{
		SeatID:               h.Get(HeaderSeatID),
		SeatName:             h.Get(HeaderSeatName),
		AgencyID:             h.Get(HeaderAgencyID),
		AgencyName:           h.Get(HeaderAgencyName),
		AgencyHoldingCompany: h.Get(HeaderAgencyHoldingCompany),
		AdvertiserID:         h.Get(HeaderAdvertiserID),
		AdvertiserName:       h.Get(HeaderAdvertiserName),
		AdvertiserIndustry:   h.Get(HeaderAdvertiserIndustry),
	}
}

// BuyerContext wraps an identity with session details used when talking to sellers.
type BuyerContext struct {
	Identity           BuyerIdentity `json:"identity"`
	Authenticated      bool          `json:"is_authenticated"`
	SessionID          string        `json:"session_id,omitempty"`
	PreferredDealTypes []DealType    `json:"preferred_deal_types,omitempty"`
}

// NewBuyerContext returns a context for the identity with PD as the preferred deal type.
func NewBuyerContext(identity BuyerIdentity) BuyerContext {
	return BuyerContext{
		Identity:           identity,
		PreferredDealTypes: []DealType{DealTypePD},
	}
}

// AccessTier returns the tier of the wrapped identity.
func (c BuyerContext) AccessTier() AccessTier {
	return c.Identity.AccessTier()
}

// CanNegotiate reports whether the buyer may propose a target price.
// Only agency and advertiser tiers can negotiate.
func (c BuyerContext) CanNegotiate() bool {
	t := c.AccessTier()
	return t == TierAgency || t == TierAdvertiser
}

// CanAccessPremiumInventory uses the same predicate as CanNegotiate.
func (c BuyerContext) CanAccessPremiumInventory() bool {
	return c.CanNegotiate()
}
