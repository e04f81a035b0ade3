package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

// Sender delivers a natural-language message to a planning agent.
type Sender interface {
	SendNaturalLanguage(ctx context.Context, text string) protocol.Result
}

// ConversationalAdvisor forwards each request to a remote planning agent as
// natural language and returns the reply text unparsed.
type ConversationalAdvisor struct {
	sender Sender
}

func NewConversationalAdvisor(sender Sender) *ConversationalAdvisor {
	return &ConversationalAdvisor{sender: sender}
}

func (a *ConversationalAdvisor) Allocate(ctx context.Context, brief models.CampaignBrief) (string, error) {
	b, err := json.Marshal(brief)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf(`Allocate the campaign budget across the channels %s.
Campaign brief:
%s

Respond with a JSON object mapping each channel to {"budget", "percentage", "rationale"}.`,
		strings.Join(models.KnownChannels, ", "), b)
	return a.ask(ctx, msg)
}

func (a *ConversationalAdvisor) Research(ctx context.Context, brief models.ChannelBrief) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research %s inventory for a budget of $%s from %s to %s.\n",
		brief.Channel, models.FormatMoney(brief.Budget), brief.StartDate, brief.EndDate)
	if len(brief.Objectives) > 0 {
		fmt.Fprintf(&sb, "Objectives: %s\n", strings.Join(brief.Objectives, ", "))
	}
	if aud, err := json.Marshal(brief.TargetAudience); err == nil && len(brief.TargetAudience) > 0 {
		fmt.Fprintf(&sb, "Target audience: %s\n", aud)
	}
	if len(brief.KPIs) > 0 {
		if kpis, err := json.Marshal(brief.KPIs); err == nil {
			fmt.Fprintf(&sb, "KPIs: %s\n", kpis)
		}
	}
	if brief.AudienceContext != "" {
		fmt.Fprintf(&sb, "Audience plan:\n%s\n", brief.AudienceContext)
	}
	sb.WriteString(`Respond with a JSON array of recommendations, each with "product_id", "product_name", "publisher", "format", "impressions", "cpm", "cost" and "rationale".`)
	return a.ask(ctx, sb.String())
}

func (a *ConversationalAdvisor) Select(ctx context.Context, req SelectionRequest) (string, error) {
	maxCPM, volume := "No limit", "Flexible"
	if req.MaxCPM != nil {
		maxCPM = "$" + models.FormatMoney(*req.MaxCPM)
	}
	if req.Impressions != nil {
		volume = models.FormatCount(*req.Impressions)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Select the best product for the following request: %s\n\nCandidates:\n", req.Request)
	for _, p := range req.Candidates {
		fmt.Fprintf(&sb, "- %s: %s (%s) $%.2f CPM\n", p.ID, p.Name, p.Publisher, p.BasePrice)
	}
	fmt.Fprintf(&sb, "\nCriteria:\n- Deal type: %s\n- Max CPM: %s\n- Volume: %s\n\nReturn the product_id of the best matching product and explain why.",
		req.DealType, maxCPM, volume)
	return a.ask(ctx, sb.String())
}

func (a *ConversationalAdvisor) ask(ctx context.Context, msg string) (string, error) {
	res := a.sender.SendNaturalLanguage(ctx, msg)
	if !res.Success {
		return "", errors.New(res.Error)
	}
	if s, ok := res.Data.(string); ok {
		return s, nil
	}
	if res.Data != nil {
		b, err := json.Marshal(res.Data)
		if err == nil {
			return string(b), nil
		}
	}
	return res.Raw, nil
}
