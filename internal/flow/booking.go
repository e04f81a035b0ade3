// Package flow orchestrates bookings. BookingFlow is the multi-channel state
// machine with a consolidation barrier and an approval gate; DSPDealFlow is
// the linear single-deal pipeline.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/audience"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/research"
)

// Store persists flow snapshots.
type Store interface {
	Save(ctx context.Context, state *models.FlowState) error
}

// EventSink receives every status change.
type EventSink interface {
	RecordEvent(ctx context.Context, ev models.StatusEvent) error
}

// Deps are the collaborators of a flow. Advisor is required; the rest are
// optional.
type Deps struct {
	Advisor     advisor.Advisor
	Planner     *audience.Planner
	Coordinator *research.Coordinator
	Store       Store
	Sink        EventSink
	Logger      *zap.Logger
	Metrics     observability.MetricsRegistry
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	d.Logger = observability.OrNop(d.Logger)
	d.Metrics = observability.OrNoOp(d.Metrics)
	if d.Planner == nil {
		d.Planner = audience.NewPlanner()
	}
	if d.Coordinator == nil {
		d.Coordinator = research.NewCoordinator(d.Advisor, 0, d.Logger, d.Metrics)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// ConsolidationResult is what the barrier reports each time it is evaluated.
type ConsolidationResult struct {
	Waiting   bool           `json:"waiting"`
	Pending   []string       `json:"pending,omitempty"`
	Total     int            `json:"total_recommendations"`
	ByChannel map[string]int `json:"by_channel"`
}

// ExecutionResult summarizes executed bookings.
type ExecutionResult struct {
	Booked           int     `json:"booked"`
	TotalImpressions int64   `json:"total_impressions"`
	TotalCost        float64 `json:"total_cost"`
	Message          string  `json:"message,omitempty"`
}

// BookingFlow drives one campaign from brief to booked lines. Each flow owns
// its state; concurrent bookings use separate flows.
type BookingFlow struct {
	deps Deps

	mu     sync.Mutex
	state  *models.FlowState
	brief  func() (models.CampaignBrief, error)
	outbox []models.StatusEvent
}

// New builds a flow for a typed brief. Validation happens in Run.
func New(deps Deps, brief models.CampaignBrief) *BookingFlow {
	return newFlow(deps, func() (models.CampaignBrief, error) {
		return brief, brief.Validate()
	})
}

// NewFromJSON builds a flow from raw brief JSON. Malformed JSON is an error
// here; missing fields surface as a ValidationError from Run.
func NewFromJSON(deps Deps, raw []byte) (*BookingFlow, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode brief: %w", err)
	}
	return newFlow(deps, func() (models.CampaignBrief, error) {
		return models.BriefFromMap(m)
	}), nil
}

func newFlow(deps Deps, brief func() (models.CampaignBrief, error)) *BookingFlow {
	deps = deps.withDefaults()
	return &BookingFlow{
		deps:  deps,
		state: models.NewFlowState(uuid.NewString(), deps.Now()),
		brief: brief,
	}
}

// ID returns the flow id.
func (f *BookingFlow) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.ID
}

// Run executes brief validation, audience planning, budget allocation and
// concurrent channel research. It returns once the consolidation barrier is
// satisfied, with the flow awaiting approval. Only a ValidationError (or a
// cancelled context) is returned as an error.
func (f *BookingFlow) Run(ctx context.Context) (ConsolidationResult, error) {
	ctx, span := observability.GetTracer("flow").Start(ctx, "booking.run")
	span.SetAttributes(attribute.String("flow.id", f.ID()))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	brief, err := f.receiveCampaignBrief(ctx)
	if err != nil {
		return ConsolidationResult{}, err
	}
	f.planAudience(ctx, brief)
	active := f.allocateBudget(ctx, brief)

	if err = ctx.Err(); err != nil {
		f.fail(ctx, fmt.Sprintf("cancelled before research: %v", err))
		return ConsolidationResult{}, err
	}
	f.researchChannels(ctx, brief, active)

	f.mu.Lock()
	res := f.consolidateLocked()
	f.mu.Unlock()
	f.persist(ctx)
	return res, nil
}

func (f *BookingFlow) receiveCampaignBrief(ctx context.Context) (models.CampaignBrief, error) {
	brief, err := f.brief()

	f.mu.Lock()
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			f.state.Errors = append(f.state.Errors, ve.Error())
		} else {
			f.state.Errors = append(f.state.Errors, err.Error())
		}
		f.transitionLocked(models.StatusValidationFailed, err.Error())
		f.mu.Unlock()
		f.deps.Logger.Warn("campaign brief rejected", zap.String("flow_id", f.state.ID), zap.Error(err))
		f.persist(ctx)
		return models.CampaignBrief{}, err
	}
	f.state.CampaignBrief = brief
	f.transitionLocked(models.StatusBriefReceived, "")
	f.mu.Unlock()

	f.persist(ctx)
	return brief, nil
}

// planAudience is optional; a planner error leaves the plan nil.
func (f *BookingFlow) planAudience(ctx context.Context, brief models.CampaignBrief) {
	plan, err := f.deps.Planner.Plan(brief.TargetAudience)

	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.persist(ctx)
	}()
	if err != nil {
		f.deps.Logger.Warn("audience planning failed", zap.String("flow_id", f.state.ID), zap.Error(err))
		return
	}
	if plan == nil {
		return
	}
	f.state.AudiencePlan = plan
	for ch, pct := range plan.CoverageEstimates {
		f.state.AudienceCoverageEstimates[ch] = pct
	}
	f.state.AudienceGaps = append([]string(nil), plan.Gaps...)
	f.transitionLocked(models.StatusAudiencePlanned, "")
}

// allocateBudget falls back to the default split when the advisor fails or
// its output has no usable allocation. It returns the active channels.
func (f *BookingFlow) allocateBudget(ctx context.Context, brief models.CampaignBrief) []string {
	var allocs map[string]models.ChannelAllocation
	var failure error
	if f.deps.Advisor == nil {
		failure = errors.New("no advisor configured")
	} else if text, err := f.deps.Advisor.Allocate(ctx, brief); err != nil {
		failure = err
	} else if allocs, err = advisor.ParseAllocations(text, brief.Budget); err != nil {
		failure = err
	}
	if failure != nil {
		failure = &models.AdvisoryFailure{Stage: "allocate", Err: failure}
		f.deps.Logger.Warn("budget allocation fell back to default split", zap.Error(failure))
		f.deps.Metrics.IncrementAdvisorFallbacks("allocate")
		allocs = advisor.DefaultAllocations(brief.Budget)
	}

	f.mu.Lock()
	if failure != nil {
		f.state.Errors = append(f.state.Errors, failure.Error())
	}
	for ch, a := range allocs {
		a.Channel = ch
		f.state.BudgetAllocations[ch] = a
	}
	f.transitionLocked(models.StatusBudgetAllocated, "")
	active := f.state.ActiveChannels()
	f.mu.Unlock()

	f.persist(ctx)
	return active
}

func (f *BookingFlow) researchChannels(ctx context.Context, brief models.CampaignBrief, active []string) {
	f.mu.Lock()
	f.transitionLocked(models.StatusResearching, "")
	var idle []string
	for _, ch := range models.OrderedChannels(f.state.BudgetAllocations) {
		if !f.state.BudgetAllocations[ch].Active() {
			idle = append(idle, ch)
		}
	}
	plan := f.state.AudiencePlan
	allocs := f.state.BudgetAllocations
	briefs := make([]models.ChannelBrief, 0, len(active))
	for _, ch := range active {
		briefs = append(briefs, models.ChannelBrief{
			Channel:         ch,
			Budget:          allocs[ch].Budget,
			StartDate:       brief.StartDate,
			EndDate:         brief.EndDate,
			TargetAudience:  brief.TargetAudience,
			Objectives:      brief.Objectives,
			KPIs:            brief.KPIs,
			AudienceContext: plan.ContextString(ch),
		})
	}
	f.mu.Unlock()

	for _, ch := range idle {
		f.OnChannelReport(ctx, research.Outcome{Channel: ch, Status: models.ChannelNoBudget})
	}
	f.deps.Coordinator.Run(ctx, briefs, func(o research.Outcome) {
		f.OnChannelReport(ctx, o)
	})
}

// OnChannelReport records one channel's outcome and re-evaluates the
// barrier. It is safe to call concurrently and more than once per channel;
// a second report for a channel replaces the first.
func (f *BookingFlow) OnChannelReport(ctx context.Context, o research.Outcome) ConsolidationResult {
	f.mu.Lock()
	prev := f.state.ChannelOutcomes[o.Channel]
	f.state.ChannelOutcomes[o.Channel] = o.Status
	switch o.Status {
	case models.ChannelSuccess:
		f.state.ChannelRecommendations[o.Channel] = append([]models.ProductRecommendation{}, o.Recommendations...)
	case models.ChannelFailed:
		f.state.Errors = append(f.state.Errors, fmt.Sprintf("%s research failed: %s", o.Channel, o.Error))
	}
	f.eventLocked(models.EntityChannel, o.Channel, string(prev), string(o.Status), o.Error)
	res := f.consolidateLocked()
	f.mu.Unlock()

	f.persist(ctx)
	return res
}

// Consolidate evaluates the barrier without recording anything new.
func (f *BookingFlow) Consolidate(ctx context.Context) ConsolidationResult {
	f.mu.Lock()
	res := f.consolidateLocked()
	f.mu.Unlock()
	f.persist(ctx)
	return res
}

// consolidateLocked recomputes pending = active - reported from current
// state, so redundant or racing calls cannot double count. The transition to
// AwaitingApproval happens at most once.
func (f *BookingFlow) consolidateLocked() ConsolidationResult {
	s := f.state
	res := ConsolidationResult{ByChannel: map[string]int{}}
	for ch, recs := range s.ChannelRecommendations {
		res.ByChannel[ch] = len(recs)
	}

	for _, ch := range s.ActiveChannels() {
		if !s.ChannelOutcomes[ch].Reported() {
			res.Pending = append(res.Pending, ch)
		}
	}
	if len(res.Pending) > 0 || s.ExecutionStatus != models.StatusResearching {
		res.Waiting = len(res.Pending) > 0
		res.Total = len(s.PendingApprovals)
		return res
	}

	s.PendingApprovals = s.PendingApprovals[:0]
	for _, ch := range models.OrderedChannels(s.ChannelRecommendations) {
		recs := s.ChannelRecommendations[ch]
		for i := range recs {
			recs[i].Status = models.RecommendationPendingApproval
			s.PendingApprovals = append(s.PendingApprovals, recs[i])
		}
	}
	res.Total = len(s.PendingApprovals)
	f.transitionLocked(models.StatusAwaitingApproval, fmt.Sprintf("%d recommendations", res.Total))
	f.deps.Logger.Info("recommendations ready for approval",
		zap.String("flow_id", s.ID),
		zap.Int("total", res.Total))
	return res
}

// PendingApprovals returns a copy of the recommendations awaiting approval.
func (f *BookingFlow) PendingApprovals() []models.ProductRecommendation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ProductRecommendation(nil), f.state.PendingApprovals...)
}

// ApproveRecommendations approves recommendations whose product id is in
// ids, rejects the rest and executes bookings. It is only valid while the
// flow awaits approval.
func (f *BookingFlow) ApproveRecommendations(ctx context.Context, ids []string) (ExecutionResult, error) {
	approved := make(map[string]bool, len(ids))
	for _, id := range ids {
		approved[id] = true
	}

	f.mu.Lock()
	if f.state.ExecutionStatus != models.StatusAwaitingApproval {
		status := f.state.ExecutionStatus
		f.mu.Unlock()
		return ExecutionResult{}, fmt.Errorf("%w: cannot approve from %s", models.ErrInvalidTransition, status)
	}

	for i := range f.state.PendingApprovals {
		rec := &f.state.PendingApprovals[i]
		to := models.RecommendationRejected
		if approved[rec.ProductID] {
			to = models.RecommendationApproved
		}
		f.eventLocked(models.EntityRecommendation, rec.ProductID, string(rec.Status), string(to), "")
		rec.Status = to
	}
	f.syncChannelStatusesLocked()
	f.transitionLocked(models.StatusExecutingBookings, fmt.Sprintf("%d approved", len(ids)))
	res := f.executeBookingsLocked()
	f.mu.Unlock()

	f.persist(ctx)
	return res, nil
}

// ApproveAll approves every pending recommendation.
func (f *BookingFlow) ApproveAll(ctx context.Context) (ExecutionResult, error) {
	pending := f.PendingApprovals()
	ids := make([]string, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ProductID
	}
	return f.ApproveRecommendations(ctx, ids)
}

// syncChannelStatusesLocked copies approval decisions back to the
// per-channel lists so both views agree.
func (f *BookingFlow) syncChannelStatusesLocked() {
	decided := make(map[string]models.RecommendationStatus, len(f.state.PendingApprovals))
	for _, rec := range f.state.PendingApprovals {
		decided[rec.Channel+"/"+rec.ProductID] = rec.Status
	}
	for ch, recs := range f.state.ChannelRecommendations {
		for i := range recs {
			if st, ok := decided[ch+"/"+recs[i].ProductID]; ok {
				recs[i].Status = st
			}
		}
	}
}

// executeBookingsLocked turns approved recommendations into pending lines.
// Submitting them to the seller is the execution package's job.
func (f *BookingFlow) executeBookingsLocked() ExecutionResult {
	now := f.deps.Now()
	var res ExecutionResult
	taken := make(map[string]bool, len(f.state.BookedLines))
	for _, l := range f.state.BookedLines {
		taken[l.LineID] = true
	}
	for _, rec := range f.state.PendingApprovals {
		if rec.Status != models.RecommendationApproved {
			continue
		}
		line := models.NewBookedLine(rec, now)
		// the same product approved in a second channel gets its own line
		if taken[line.LineID] {
			line.LineID = models.ChannelLineID(rec.Channel, rec.ProductID)
		}
		taken[line.LineID] = true
		f.state.BookedLines = append(f.state.BookedLines, line)
		f.eventLocked(models.EntityLine, line.LineID, "", line.BookingStatus, "")
		res.Booked++
		res.TotalImpressions += line.Impressions
		res.TotalCost += line.Cost
	}
	if res.Booked == 0 {
		res.Message = "No recommendations approved"
	}
	f.transitionLocked(models.StatusCompleted, fmt.Sprintf("%d lines booked", res.Booked))
	return res
}

// RecordLineStatus appends a status change for a booked line. The line
// itself is never rewritten; the event history carries the new status.
func (f *BookingFlow) RecordLineStatus(ctx context.Context, lineID, to, reason string) error {
	f.mu.Lock()
	from := ""
	found := false
	for _, l := range f.state.BookedLines {
		if l.LineID == lineID {
			from, found = l.BookingStatus, true
		}
	}
	if !found {
		f.mu.Unlock()
		return fmt.Errorf("unknown line %q", lineID)
	}
	for _, ev := range f.state.Events {
		if ev.Entity == models.EntityLine && ev.EntityID == lineID {
			from = ev.To
		}
	}
	f.eventLocked(models.EntityLine, lineID, from, to, reason)
	f.mu.Unlock()
	f.persist(ctx)
	return nil
}

// GetStatus is a side-effect free projection of the flow state.
func (f *BookingFlow) GetStatus() models.FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Status()
}

// Snapshot returns a deep copy of the full state.
func (f *BookingFlow) Snapshot() (*models.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func (f *BookingFlow) fail(ctx context.Context, reason string) {
	f.mu.Lock()
	f.state.Errors = append(f.state.Errors, reason)
	f.transitionLocked(models.StatusFailed, reason)
	f.mu.Unlock()
	f.persist(ctx)
}

// transitionLocked moves the flow to status to. Disallowed transitions are
// logged and ignored.
func (f *BookingFlow) transitionLocked(to models.ExecutionStatus, reason string) bool {
	from := f.state.ExecutionStatus
	if !from.CanTransitionTo(to) {
		f.deps.Logger.Error("invalid flow transition",
			zap.String("flow_id", f.state.ID),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		return false
	}
	f.state.ExecutionStatus = to
	f.eventLocked(models.EntityFlow, f.state.ID, from.String(), to.String(), reason)
	f.deps.Metrics.IncrementFlowTransitions(to.String())
	return true
}

func (f *BookingFlow) eventLocked(entity, entityID, from, to, reason string) {
	now := f.deps.Now()
	ev := models.StatusEvent{
		ID:       uuid.NewString(),
		FlowID:   f.state.ID,
		Entity:   entity,
		EntityID: entityID,
		From:     from,
		To:       to,
		Reason:   reason,
		At:       now,
	}
	f.state.Events = append(f.state.Events, ev)
	f.state.UpdatedAt = now
	f.outbox = append(f.outbox, ev)
}

// persist forwards queued events to the sink and saves a snapshot. Both are
// best effort and happen outside the state lock.
func (f *BookingFlow) persist(ctx context.Context) {
	f.mu.Lock()
	events := f.outbox
	f.outbox = nil
	id := f.state.ID
	var snap *models.FlowState
	var err error
	if f.deps.Store != nil {
		snap, err = f.state.Clone()
	}
	f.mu.Unlock()

	if f.deps.Sink != nil {
		for _, ev := range events {
			if serr := f.deps.Sink.RecordEvent(ctx, ev); serr != nil {
				f.deps.Logger.Warn("failed to record status event", zap.String("event_id", ev.ID), zap.Error(serr))
			}
		}
	}
	if f.deps.Store == nil {
		return
	}
	if err == nil {
		err = f.deps.Store.Save(ctx, snap)
	}
	if err != nil {
		f.deps.Logger.Warn("failed to persist flow state", zap.String("flow_id", id), zap.Error(err))
	}
}

// SortedIDs returns the product ids of recs, sorted. Approval tokens bind to
// this list.
func SortedIDs(recs []models.ProductRecommendation) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ProductID)
	}
	sort.Strings(ids)
	return ids
}
