package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

// Catalog is the slice of the protocol client the rules engine reads from.
type Catalog interface {
	SearchProducts(ctx context.Context, query string, filters map[string]any, via protocol.Transport) protocol.Result
	ListProducts(ctx context.Context, via protocol.Transport) protocol.Result
}

// baseWeights is the default split used by the rules engine.
var baseWeights = map[string]float64{
	"branding":    40,
	"performance": 40,
	"ctv":         20,
	"mobile_app":  0,
}

// channelFormats maps a budget channel to the seller channels that serve it.
// The lists are disjoint so a product lands in at most one budget channel.
var channelFormats = map[string][]string{
	"branding":    {"display", "video", "branding"},
	"ctv":         {"ctv", "ott", "streaming"},
	"mobile_app":  {"mobile", "app", "mobile_app", "in-app"},
	"performance": {"native", "performance", "search"},
}

// defaultChannel takes products whose seller channel is unset.
const defaultChannel = "branding"

// maxPicks bounds recommendations per channel.
const maxPicks = 3

// RuleAdvisor is a deterministic advisor. It splits budgets by fixed weights,
// searches the seller catalog per channel and ranks products by tiered price.
type RuleAdvisor struct {
	catalog  Catalog
	engine   *pricing.Engine
	identity models.BuyerIdentity
	via      protocol.Transport
	logger   *zap.Logger
}

// NewRuleAdvisor builds a rules engine over catalog. Prices are quoted for identity.
func NewRuleAdvisor(catalog Catalog, engine *pricing.Engine, identity models.BuyerIdentity, via protocol.Transport, logger *zap.Logger) *RuleAdvisor {
	if engine == nil {
		engine = pricing.NewEngine()
	}
	return &RuleAdvisor{
		catalog:  catalog,
		engine:   engine,
		identity: identity,
		via:      via,
		logger:   observability.OrNop(logger),
	}
}

type allocationJSON struct {
	Budget     float64 `json:"budget"`
	Percentage float64 `json:"percentage"`
	Rationale  string  `json:"rationale"`
}

// Allocate applies the default weights. When the brief restricts channels,
// only those receive budget; a listed channel with no default weight gets 20.
func (a *RuleAdvisor) Allocate(ctx context.Context, brief models.CampaignBrief) (string, error) {
	weights := map[string]float64{}
	if len(brief.Channels) == 0 {
		for ch, w := range baseWeights {
			weights[ch] = w
		}
	} else {
		for ch := range baseWeights {
			weights[ch] = 0
		}
		for _, ch := range brief.Channels {
			w := baseWeights[ch]
			if w == 0 {
				w = 20
			}
			weights[ch] = w
		}
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return "", errors.New("no channel can receive budget")
	}

	out := map[string]allocationJSON{}
	budget := decimal.NewFromFloat(brief.Budget)
	for ch, w := range weights {
		pct := decimal.NewFromFloat(w * 100 / total).Round(2)
		entry := allocationJSON{
			Budget:     budget.Mul(pct).Div(decimal.NewFromInt(100)).Round(2).InexactFloat64(),
			Percentage: pct.InexactFloat64(),
			Rationale:  "Rule-based allocation",
		}
		if w == 0 {
			entry.Rationale = "Not allocated"
		}
		out[ch] = entry
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type recommendationJSON struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Publisher   string  `json:"publisher"`
	Format      string  `json:"format,omitempty"`
	Impressions int64   `json:"impressions"`
	CPM         float64 `json:"cpm"`
	Cost        float64 `json:"cost"`
	Priority    int     `json:"priority"`
	Rationale   string  `json:"rationale"`
}

// Research searches for the channel's inventory, drops products above the
// CPM ceiling (kpis.max_cpm) and spreads the budget over the cheapest few.
func (a *RuleAdvisor) Research(ctx context.Context, brief models.ChannelBrief) (string, error) {
	filters := map[string]any{"channel": brief.Channel}
	ceiling, hasCeiling := numberField(brief.KPIs, "max_cpm", "maxCpm", "target_cpm")
	if hasCeiling {
		filters["maxPrice"] = ceiling
	}
	query := strings.TrimSpace(brief.Channel + " " + strings.Join(brief.Objectives, " "))
	res := a.catalog.SearchProducts(ctx, query, filters, a.via)
	if !res.Success {
		return "", fmt.Errorf("search %s inventory: %s", brief.Channel, res.Error)
	}

	type candidate struct {
		product models.Product
		cpm     float64
	}
	var cands []candidate
	for _, item := range res.Items("products", "results") {
		p := models.ProductFromMap(item)
		if !servesChannel(p, brief.Channel) {
			continue
		}
		q := a.engine.Quote(a.identity, p, nil)
		if hasCeiling && q.TieredPrice > ceiling {
			continue
		}
		cands = append(cands, candidate{product: p, cpm: q.TieredPrice})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].cpm < cands[j].cpm })
	if len(cands) > maxPicks {
		cands = cands[:maxPicks]
	}

	recs := make([]recommendationJSON, 0, len(cands))
	if len(cands) > 0 {
		share := brief.Budget / float64(len(cands))
		for i, c := range cands {
			imps := int64(math.Floor(share / c.cpm * 1000))
			if c.product.AvailableImpressions > 0 && imps > c.product.AvailableImpressions {
				imps = c.product.AvailableImpressions
			}
			cost := decimal.NewFromInt(imps).Mul(decimal.NewFromFloat(c.cpm)).Div(decimal.NewFromInt(1000)).Round(2)
			recs = append(recs, recommendationJSON{
				ProductID:   c.product.ID,
				ProductName: c.product.Name,
				Publisher:   c.product.Publisher,
				Format:      c.product.Format,
				Impressions: imps,
				CPM:         c.cpm,
				Cost:        cost.InexactFloat64(),
				Priority:    i + 1,
				Rationale:   fmt.Sprintf("Rank %d by %s-tier CPM $%.2f", i+1, a.identity.AccessTier(), c.cpm),
			})
		}
	}
	a.logger.Debug("rule research complete",
		zap.String("channel", brief.Channel),
		zap.Int("candidates", len(recs)))

	b, err := json.Marshal(recs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Select picks the cheapest candidate under the CPM cap that can deliver the
// requested volume.
func (a *RuleAdvisor) Select(ctx context.Context, req SelectionRequest) (string, error) {
	var best *models.Product
	var bestCPM float64
	for i := range req.Candidates {
		p := req.Candidates[i]
		q := a.engine.Quote(a.identity, p, req.Impressions)
		if req.MaxCPM != nil && q.TieredPrice > *req.MaxCPM {
			continue
		}
		if req.Impressions != nil && p.AvailableImpressions > 0 && p.AvailableImpressions < *req.Impressions {
			continue
		}
		if best == nil || q.TieredPrice < bestCPM {
			best, bestCPM = &req.Candidates[i], q.TieredPrice
		}
	}
	if best == nil {
		return "", fmt.Errorf("none of %d products fit the request", len(req.Candidates))
	}
	b, err := json.Marshal(map[string]any{
		"product_id": best.ID,
		"rationale":  fmt.Sprintf("Lowest %s-tier CPM ($%.2f) within constraints", req.Tier, bestCPM),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func servesChannel(p models.Product, channel string) bool {
	if p.Channel == "" {
		return channel == defaultChannel
	}
	pc := strings.ToLower(p.Channel)
	for _, f := range channelFormats[channel] {
		if pc == f {
			return true
		}
	}
	return pc == channel
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}
