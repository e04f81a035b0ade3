package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Channels the budget allocator knows about, in display order.
var KnownChannels = []string{"branding", "ctv", "mobile_app", "performance"}

// CampaignBrief is the buyer's campaign input.
type CampaignBrief struct {
	Name           string         `json:"name"`
	Objectives     []string       `json:"objectives"`
	Budget         float64        `json:"budget"`
	StartDate      string         `json:"start_date"`
	EndDate        string         `json:"end_date"`
	TargetAudience map[string]any `json:"target_audience"`
	KPIs           map[string]any `json:"kpis,omitempty"`
	Channels       []string       `json:"channels,omitempty"`    // Optional channel restriction.
	Constraints    map[string]any `json:"constraints,omitempty"` // Free-form buyer constraints.
}

// RequiredBriefFields must all be present for a brief to be accepted.
var RequiredBriefFields = []string{"objectives", "budget", "start_date", "end_date", "target_audience"}

// camelCase aliases accepted in incoming briefs.
var briefAliases = map[string]string{
	"startDate":      "start_date",
	"endDate":        "end_date",
	"targetAudience": "target_audience",
}

// ParseCampaignBrief decodes raw brief JSON, accepting camelCase aliases, and
// validates required fields. Malformed JSON is returned as a plain error; a
// structurally valid brief with missing fields or budget <= 0 yields *ValidationError.
func ParseCampaignBrief(raw []byte) (CampaignBrief, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return CampaignBrief{}, fmt.Errorf("decode brief: %w", err)
	}
	return BriefFromMap(m)
}

// BriefFromMap is ParseCampaignBrief for an already decoded object.
func BriefFromMap(m map[string]any) (CampaignBrief, error) {
	norm := make(map[string]any, len(m))
	for k, v := range m {
		if alias, ok := briefAliases[k]; ok {
			k = alias
		}
		norm[k] = v
	}

	var missing []string
	for _, f := range RequiredBriefFields {
		if v, ok := norm[f]; !ok || isEmptyValue(v) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return CampaignBrief{}, &ValidationError{Fields: missing, Reason: "Missing required fields"}
	}

	b, err := json.Marshal(norm)
	if err != nil {
		return CampaignBrief{}, fmt.Errorf("encode brief: %w", err)
	}
	var brief CampaignBrief
	if err := json.Unmarshal(b, &brief); err != nil {
		return CampaignBrief{}, &ValidationError{Reason: fmt.Sprintf("invalid brief: %v", err)}
	}
	if err := brief.Validate(); err != nil {
		return CampaignBrief{}, err
	}
	return brief, nil
}

// Validate checks the typed brief. It mirrors the raw-JSON checks for callers
// that construct briefs directly.
func (b CampaignBrief) Validate() error {
	var missing []string
	if len(b.Objectives) == 0 {
		missing = append(missing, "objectives")
	}
	if b.StartDate == "" {
		missing = append(missing, "start_date")
	}
	if b.EndDate == "" {
		missing = append(missing, "end_date")
	}
	if len(b.TargetAudience) == 0 {
		missing = append(missing, "target_audience")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "Missing required fields"}
	}
	if b.Budget <= 0 {
		return &ValidationError{Fields: []string{"budget"}, Reason: "Budget must be greater than 0"}
	}
	return nil
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// ChannelAllocation is one channel's share of the campaign budget.
type ChannelAllocation struct {
	Channel    string  `json:"channel"`
	Budget     float64 `json:"budget"`
	Percentage float64 `json:"percentage"`
	Rationale  string  `json:"rationale"`
}

// Active reports whether the channel receives research.
func (a ChannelAllocation) Active() bool { return a.Budget > 0 }

// ChannelBrief is the input handed to a channel research unit.
type ChannelBrief struct {
	Channel         string         `json:"channel"`
	Budget          float64        `json:"budget"`
	StartDate       string         `json:"start_date"`
	EndDate         string         `json:"end_date"`
	TargetAudience  map[string]any `json:"target_audience"`
	Objectives      []string       `json:"objectives,omitempty"`
	KPIs            map[string]any `json:"kpis,omitempty"`
	AudienceContext string         `json:"audience_context,omitempty"`
}

// ProductRecommendation is a candidate line produced by channel research.
type ProductRecommendation struct {
	ProductID   string               `json:"product_id"`
	ProductName string               `json:"product_name"`
	Publisher   string               `json:"publisher"`
	Channel     string               `json:"channel"`
	Format      string               `json:"format,omitempty"`
	Impressions int64                `json:"impressions"`
	CPM         float64              `json:"cpm"`
	Cost        float64              `json:"cost"`
	Targeting   map[string]any       `json:"targeting,omitempty"`
	Priority    int                  `json:"priority"`
	Status      RecommendationStatus `json:"status"`
	Rationale   string               `json:"rationale,omitempty"`
}

// BookedLine is created from an approved recommendation and never mutated;
// later status changes are recorded as StatusEvents.
type BookedLine struct {
	LineID        string    `json:"line_id"`
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Channel       string    `json:"channel"`
	Impressions   int64     `json:"impressions"`
	Cost          float64   `json:"cost"`
	BookingStatus string    `json:"booking_status"`
	BookedAt      time.Time `json:"booked_at"`
}

// NewBookedLine synthesizes a pending line for an approved recommendation.
func NewBookedLine(rec ProductRecommendation, at time.Time) BookedLine {
	return BookedLine{
		LineID:        "line_" + rec.ProductID,
		OrderID:       PendingOrderID,
		ProductID:     rec.ProductID,
		ProductName:   rec.ProductName,
		Channel:       rec.Channel,
		Impressions:   rec.Impressions,
		Cost:          rec.Cost,
		BookingStatus: BookingPendingExecution,
		BookedAt:      at,
	}
}

// ChannelLineID is the line id used when a product is booked in more
// than one channel of the same flow.
func ChannelLineID(channel, productID string) string {
	return "line_" + channel + "_" + productID
}

// Entities referenced by StatusEvent.
const (
	EntityFlow           = "flow"
	EntityChannel        = "channel"
	EntityRecommendation = "recommendation"
	EntityLine           = "line"
	EntityDeal           = "deal"
)

// StatusEvent is an immutable record of one status change. Flows keep
// overwriting current status fields, and every change also appends one of these.
type StatusEvent struct {
	ID       string    `json:"id"`
	FlowID   string    `json:"flow_id"`
	Entity   string    `json:"entity"`    // flow, channel, recommendation, line or deal
	EntityID string    `json:"entity_id"` // Channel name, product ID, line ID...
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// AudiencePlan summarizes the signals and coverage for a target audience.
type AudiencePlan struct {
	RequiredSignals   []string           `json:"required_signals"`
	Demographics      map[string]any     `json:"demographics,omitempty"`
	Interests         []string           `json:"interests,omitempty"`
	Behaviors         []string           `json:"behaviors,omitempty"`
	CoverageEstimates map[string]float64 `json:"coverage_estimates"` // Percent per channel.
	Gaps              []string           `json:"gaps,omitempty"`
}

// ContextString renders the plan for inclusion in channel briefs.
func (p *AudiencePlan) ContextString(channel string) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	if len(p.RequiredSignals) > 0 {
		fmt.Fprintf(&sb, "Required signals: %s\n", strings.Join(p.RequiredSignals, ", "))
	}
	if len(p.Interests) > 0 {
		fmt.Fprintf(&sb, "Interests: %s\n", strings.Join(p.Interests, ", "))
	}
	if len(p.Behaviors) > 0 {
		fmt.Fprintf(&sb, "Behaviors: %s\n", strings.Join(p.Behaviors, ", "))
	}
	if cov, ok := p.CoverageEstimates[channel]; ok {
		fmt.Fprintf(&sb, "Estimated %s coverage: %.0f%%\n", channel, cov)
	}
	if len(p.Gaps) > 0 {
		fmt.Fprintf(&sb, "Gaps: %s\n", strings.Join(p.Gaps, "; "))
	}
	return strings.TrimSpace(sb.String())
}

// FlowState is the aggregate owned by exactly one booking flow run.
type FlowState struct {
	ID                        string                             `json:"id"`
	CampaignBrief             CampaignBrief                      `json:"campaign_brief"`
	AudiencePlan              *AudiencePlan                      `json:"audience_plan"`
	AudienceCoverageEstimates map[string]float64                 `json:"audience_coverage_estimates"`
	AudienceGaps              []string                           `json:"audience_gaps"`
	BudgetAllocations         map[string]ChannelAllocation       `json:"budget_allocations"`
	ChannelRecommendations    map[string][]ProductRecommendation `json:"channel_recommendations"`
	ChannelOutcomes           map[string]ChannelStatus           `json:"channel_outcomes"`
	PendingApprovals          []ProductRecommendation            `json:"pending_approvals"`
	BookedLines               []BookedLine                       `json:"booked_lines"`
	ExecutionStatus           ExecutionStatus                    `json:"execution_status"`
	Errors                    []string                           `json:"errors"`
	Events                    []StatusEvent                      `json:"events"`
	CreatedAt                 time.Time                          `json:"created_at"`
	UpdatedAt                 time.Time                          `json:"updated_at"`
}

// NewFlowState returns an initialized state with empty collections.
func NewFlowState(id string, now time.Time) *FlowState {
	return &FlowState{
		ID:                        id,
		AudienceCoverageEstimates: map[string]float64{},
		BudgetAllocations:         map[string]ChannelAllocation{},
		ChannelRecommendations:    map[string][]ProductRecommendation{},
		ChannelOutcomes:           map[string]ChannelStatus{},
		ExecutionStatus:           StatusInitialized,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

// ActiveChannels returns channels with budget > 0.
func (s *FlowState) ActiveChannels() []string {
	var out []string
	for _, ch := range orderedChannels(s.BudgetAllocations) {
		if s.BudgetAllocations[ch].Active() {
			out = append(out, ch)
		}
	}
	return out
}

// Clone returns a deep copy via JSON, suitable for handing to stores.
func (s *FlowState) Clone() (*FlowState, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var c FlowState
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// FlowStatus is the read-only projection returned by GetStatus.
type FlowStatus struct {
	FlowID                   string                       `json:"flow_id"`
	ExecutionStatus          ExecutionStatus              `json:"execution_status"`
	BudgetAllocations        map[string]ChannelAllocation `json:"budget_allocations"`
	RecommendationsByChannel map[string]int               `json:"recommendations_by_channel"`
	ChannelOutcomes          map[string]ChannelStatus     `json:"channel_outcomes"`
	PendingApprovals         int                          `json:"pending_approvals"`
	BookedLines              int                          `json:"booked_lines"`
	AudienceGaps             []string                     `json:"audience_gaps,omitempty"`
	Errors                   []string                     `json:"errors"`
	UpdatedAt                time.Time                    `json:"updated_at"`
}

// Status projects the state. It copies maps and slices so callers cannot
// mutate the flow through the result.
func (s *FlowState) Status() FlowStatus {
	st := FlowStatus{
		FlowID:                   s.ID,
		ExecutionStatus:          s.ExecutionStatus,
		BudgetAllocations:        make(map[string]ChannelAllocation, len(s.BudgetAllocations)),
		RecommendationsByChannel: make(map[string]int, len(s.ChannelRecommendations)),
		ChannelOutcomes:          make(map[string]ChannelStatus, len(s.ChannelOutcomes)),
		PendingApprovals:         len(s.PendingApprovals),
		BookedLines:              len(s.BookedLines),
		AudienceGaps:             append([]string(nil), s.AudienceGaps...),
		Errors:                   append([]string{}, s.Errors...),
		UpdatedAt:                s.UpdatedAt,
	}
	for k, v := range s.BudgetAllocations {
		st.BudgetAllocations[k] = v
	}
	for k, v := range s.ChannelRecommendations {
		st.RecommendationsByChannel[k] = len(v)
	}
	for k, v := range s.ChannelOutcomes {
		st.ChannelOutcomes[k] = v
	}
	return st
}

// orderedChannels returns map keys with known channels first, in
// KnownChannels order, then any others in sorted order.
func orderedChannels[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	seen := map[string]bool{}
	for _, ch := range KnownChannels {
		if _, ok := m[ch]; ok {
			out = append(out, ch)
			seen[ch] = true
		}
	}
	var rest []string
	for ch := range m {
		if !seen[ch] {
			rest = append(rest, ch)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// OrderedChannels exposes the deterministic channel ordering to other packages.
func OrderedChannels[V any](m map[string]V) []string { return orderedChannels(m) }
