// Package advisor defines the external advisory capability that allocates
// budgets, researches channels and selects products. Outputs are free text;
// callers parse them defensively with the helpers in parse.go.
package advisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

// Advisor makes the judgement calls of a booking. Implementations may be a
// rules engine, a remote planning agent or a person; the flows depend only on
// the text contract.
type Advisor interface {
	// Allocate returns text containing a JSON object of
	// channel -> {budget, percentage, rationale}.
	Allocate(ctx context.Context, brief models.CampaignBrief) (string, error)
	// Research returns text containing a JSON array of recommendations.
	Research(ctx context.Context, brief models.ChannelBrief) (string, error)
	// Select returns text naming the chosen product id.
	Select(ctx context.Context, req SelectionRequest) (string, error)
}

// SelectionRequest asks the advisor to pick one product for a deal.
type SelectionRequest struct {
	Request     string
	DealType    models.DealType
	MaxCPM      *float64
	Impressions *int64
	Candidates  []models.Product
	Tier        models.AccessTier
}

// Advisor modes accepted by FromMode.
const (
	ModeRules          = "rules"
	ModeConversational = "conversational"
)

// FromMode returns the advisor named by mode. The rules engine reads catalog;
// the conversational advisor talks to sender.
func FromMode(mode string, catalog Catalog, sender Sender, identity models.BuyerIdentity, via protocol.Transport, logger *zap.Logger) (Advisor, error) {
	switch mode {
	case "", ModeRules:
		return NewRuleAdvisor(catalog, nil, identity, via, logger), nil
	case ModeConversational:
		if sender == nil {
			return nil, fmt.Errorf("advisor mode %q needs a planning agent", mode)
		}
		return NewConversationalAdvisor(sender), nil
	default:
		return nil, fmt.Errorf("unknown advisor mode %q", mode)
	}
}
