package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/research"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubAdvisor returns canned text per stage.
type stubAdvisor struct {
	allocation  string
	allocateErr error
	research    map[string]string
	selection   string
	selectErr   error
}

func (a *stubAdvisor) Allocate(ctx context.Context, b models.CampaignBrief) (string, error) {
	return a.allocation, a.allocateErr
}

func (a *stubAdvisor) Research(ctx context.Context, b models.ChannelBrief) (string, error) {
	if text, ok := a.research[b.Channel]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no research for %s", b.Channel)
}

func (a *stubAdvisor) Select(ctx context.Context, r advisor.SelectionRequest) (string, error) {
	return a.selection, a.selectErr
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (s *recordingSink) RecordEvent(ctx context.Context, ev models.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type recordingStore struct {
	mu    sync.Mutex
	saves int
	last  *models.FlowState
}

func (s *recordingStore) Save(ctx context.Context, st *models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = st
	return nil
}

func testBrief() models.CampaignBrief {
	return models.CampaignBrief{
		Name:           "Spring launch",
		Objectives:     []string{"awareness"},
		Budget:         100000,
		StartDate:      "2026-04-01",
		EndDate:        "2026-04-30",
		TargetAudience: map[string]any{"interests": []any{"sports"}},
	}
}

func testDeps(adv advisor.Advisor) (Deps, *recordingSink, *recordingStore, *observability.MockMetricsRegistry) {
	sink := &recordingSink{}
	store := &recordingStore{}
	m := observability.NewMockMetricsRegistry()
	return Deps{
		Advisor:     adv,
		Coordinator: research.NewCoordinator(adv, time.Second, zap.NewNop(), m),
		Store:       store,
		Sink:        sink,
		Logger:      zap.NewNop(),
		Metrics:     m,
		Now:         func() time.Time { return fixedNow },
	}, sink, store, m
}

func recsJSON(ids ...string) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"product_id":%q,"product_name":"P %s","impressions":1000,"cpm":20,"cost":20}`, id, id)
	}
	return out + "]"
}

func TestRunNoBudgetChannelReportsImmediately(t *testing.T) {
	adv := &stubAdvisor{
		allocation: `{"branding":{"budget":60000},"ctv":{"budget":40000},"mobile_app":{"budget":0}}`,
		research: map[string]string{
			"branding": recsJSON("b1", "b2"),
			"ctv":      recsJSON("c1"),
		},
	}
	deps, sink, store, m := testDeps(adv)
	f := New(deps, testBrief())

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Waiting)
	assert.Equal(t, 3, res.Total)

	st := f.GetStatus()
	assert.Equal(t, models.StatusAwaitingApproval, st.ExecutionStatus)
	assert.Equal(t, models.ChannelNoBudget, st.ChannelOutcomes["mobile_app"])
	assert.Equal(t, models.ChannelSuccess, st.ChannelOutcomes["branding"])
	assert.Equal(t, models.ChannelSuccess, st.ChannelOutcomes["ctv"])
	assert.Equal(t, 3, st.PendingApprovals)
	assert.Empty(t, st.Errors)

	// brief, audience, allocation, research, awaiting approval
	assert.Equal(t, 1, m.Count("flow_transitions", "awaiting_approval"))
	assert.Equal(t, 1, m.Count("flow_transitions", "audience_planned"))

	pending := f.PendingApprovals()
	assert.Equal(t, []string{"b1", "b2", "c1"}, SortedIDs(pending))
	for _, r := range pending {
		assert.Equal(t, models.RecommendationPendingApproval, r.Status)
	}

	assert.NotEmpty(t, sink.events)
	assert.Positive(t, store.saves)
	assert.Equal(t, models.StatusAwaitingApproval, store.last.ExecutionStatus)
}

func TestRunFallsBackToDefaultAllocation(t *testing.T) {
	adv := &stubAdvisor{
		allocateErr: errors.New("advisor offline"),
		research: map[string]string{
			"branding":    recsJSON("b1"),
			"performance": recsJSON("p1"),
			"ctv":         "nothing suitable",
		},
	}
	deps, _, _, m := testDeps(adv)
	f := New(deps, testBrief())

	_, err := f.Run(context.Background())
	require.NoError(t, err)

	st := f.GetStatus()
	assert.Equal(t, 40000.0, st.BudgetAllocations["branding"].Budget)
	assert.Equal(t, 20000.0, st.BudgetAllocations["ctv"].Budget)
	assert.Equal(t, models.ChannelNoBudget, st.ChannelOutcomes["mobile_app"])
	require.NotEmpty(t, st.Errors)
	assert.Contains(t, st.Errors[0], "advisor offline")
	assert.Equal(t, 1, m.Count("advisor_fallbacks", "allocate"))
	assert.Equal(t, 0, st.RecommendationsByChannel["ctv"])
	assert.Equal(t, 2, st.PendingApprovals)
}

func TestRunResearchFailureIsRecorded(t *testing.T) {
	adv := &stubAdvisor{
		allocation: `{"branding":{"budget":50000},"ctv":{"budget":50000}}`,
		research:   map[string]string{"branding": recsJSON("b1")},
	}
	deps, _, _, _ := testDeps(adv)
	f := New(deps, testBrief())

	res, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	st := f.GetStatus()
	assert.Equal(t, models.StatusAwaitingApproval, st.ExecutionStatus)
	assert.Equal(t, models.ChannelFailed, st.ChannelOutcomes["ctv"])
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0], "ctv research failed")
}

func TestRunValidationFailure(t *testing.T) {
	deps, _, _, _ := testDeps(&stubAdvisor{})
	f, err := NewFromJSON(deps, []byte(`{"name":"x","budget":100}`))
	require.NoError(t, err)

	_, err = f.Run(context.Background())
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "objectives")
	assert.Equal(t, models.StatusValidationFailed, f.GetStatus().ExecutionStatus)

	b := testBrief()
	b.Budget = 0
	f = New(deps, b)
	_, err = f.Run(context.Background())
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"budget"}, ve.Fields)
}

func TestNewFromJSONMalformed(t *testing.T) {
	deps, _, _, _ := testDeps(&stubAdvisor{})
	_, err := NewFromJSON(deps, []byte(`{"name":`))
	assert.Error(t, err)
}

func TestRunCancelledContext(t *testing.T) {
	adv := &stubAdvisor{allocation: `{"branding":{"budget":100000}}`}
	deps, _, _, _ := testDeps(adv)
	f := New(deps, testBrief())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusFailed, f.GetStatus().ExecutionStatus)
}

// researchingFlow puts a flow directly into the research phase with the
// given active channels.
func researchingFlow(t *testing.T, channels ...string) *BookingFlow {
	t.Helper()
	deps, _, _, _ := testDeps(&stubAdvisor{})
	f := New(deps, testBrief())
	f.state.ExecutionStatus = models.StatusResearching
	for _, ch := range channels {
		f.state.BudgetAllocations[ch] = models.ChannelAllocation{Channel: ch, Budget: 100}
	}
	return f
}

func permutations(in []research.Outcome) [][]research.Outcome {
	if len(in) <= 1 {
		return [][]research.Outcome{append([]research.Outcome(nil), in...)}
	}
	var out [][]research.Outcome
	for i := range in {
		rest := make([]research.Outcome, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]research.Outcome{in[i]}, p...))
		}
	}
	return out
}

func TestConsolidationIndependentOfArrivalOrder(t *testing.T) {
	outcomes := []research.Outcome{
		{Channel: "branding", Status: models.ChannelSuccess, Recommendations: advisor.ParseRecommendations(recsJSON("b1", "b2"), "branding")},
		{Channel: "ctv", Status: models.ChannelFailed, Error: "timed out"},
		{Channel: "performance", Status: models.ChannelSuccess, Recommendations: advisor.ParseRecommendations(recsJSON("p1"), "performance")},
		{Channel: "mobile_app", Status: models.ChannelSuccess, Recommendations: advisor.ParseRecommendations(recsJSON("m1"), "mobile_app")},
	}

	var want []string
	for _, order := range permutations(outcomes) {
		f := researchingFlow(t, "branding", "ctv", "performance", "mobile_app")
		ctx := context.Background()
		for i, o := range order {
			res := f.OnChannelReport(ctx, o)
			if i < len(order)-1 {
				assert.True(t, res.Waiting)
				assert.Len(t, res.Pending, len(order)-1-i)
			} else {
				assert.False(t, res.Waiting)
				assert.Equal(t, 4, res.Total)
			}
		}
		// redundant evaluation does not transition again
		f.Consolidate(ctx)

		var got []string
		for _, r := range f.PendingApprovals() {
			got = append(got, r.ProductID)
		}
		if want == nil {
			want = got
		}
		assert.Equal(t, want, got)
		assert.Equal(t, models.StatusAwaitingApproval, f.GetStatus().ExecutionStatus)

		transitions := 0
		for _, ev := range f.state.Events {
			if ev.Entity == models.EntityFlow && ev.To == models.StatusAwaitingApproval.String() {
				transitions++
			}
		}
		assert.Equal(t, 1, transitions)
	}
	assert.Equal(t, []string{"b1", "b2", "m1", "p1"}, want)
}

func TestConcurrentReportsTransitionOnce(t *testing.T) {
	channels := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	f := researchingFlow(t, channels...)

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			f.OnChannelReport(context.Background(), research.Outcome{Channel: ch, Status: models.ChannelSuccess})
		}(ch)
	}
	wg.Wait()

	assert.Equal(t, models.StatusAwaitingApproval, f.GetStatus().ExecutionStatus)
	n := 0
	for _, ev := range f.state.Events {
		if ev.Entity == models.EntityFlow {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func awaitingFlow(t *testing.T) *BookingFlow {
	t.Helper()
	adv := &stubAdvisor{
		allocation: `{"branding":{"budget":50000},"ctv":{"budget":50000}}`,
		research: map[string]string{
			"branding": recsJSON("b1", "b2"),
			"ctv":      recsJSON("c1"),
		},
	}
	deps, _, _, _ := testDeps(adv)
	f := New(deps, testBrief())
	_, err := f.Run(context.Background())
	require.NoError(t, err)
	return f
}

func TestApproveAll(t *testing.T) {
	f := awaitingFlow(t)
	res, err := f.ApproveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Booked)
	assert.Equal(t, int64(3000), res.TotalImpressions)
	assert.InDelta(t, 60.0, res.TotalCost, 1e-9)
	assert.Empty(t, res.Message)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.ExecutionStatus)
	require.Len(t, snap.BookedLines, 3)
	for _, l := range snap.BookedLines {
		assert.Equal(t, models.BookingPendingExecution, l.BookingStatus)
		assert.Equal(t, models.PendingOrderID, l.OrderID)
		assert.Equal(t, fixedNow, l.BookedAt)
	}
}

func TestApproveSubset(t *testing.T) {
	f := awaitingFlow(t)
	res, err := f.ApproveRecommendations(context.Background(), []string{"b2"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Booked)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	statuses := map[string]models.RecommendationStatus{}
	for _, r := range snap.PendingApprovals {
		statuses[r.ProductID] = r.Status
	}
	assert.Equal(t, models.RecommendationApproved, statuses["b2"])
	assert.Equal(t, models.RecommendationRejected, statuses["b1"])
	assert.Equal(t, models.RecommendationRejected, statuses["c1"])
	assert.Equal(t, models.RecommendationRejected, snap.ChannelRecommendations["ctv"][0].Status)
	assert.Equal(t, "line_b2", snap.BookedLines[0].LineID)
}

func TestApproveNone(t *testing.T) {
	f := awaitingFlow(t)
	res, err := f.ApproveRecommendations(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Booked)
	assert.Equal(t, "No recommendations approved", res.Message)
	assert.Equal(t, models.StatusCompleted, f.GetStatus().ExecutionStatus)
	assert.Equal(t, 0, f.GetStatus().BookedLines)
}

func TestApproveOutsideGate(t *testing.T) {
	deps, _, _, _ := testDeps(&stubAdvisor{})
	f := New(deps, testBrief())
	_, err := f.ApproveAll(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	done := awaitingFlow(t)
	_, err = done.ApproveAll(context.Background())
	require.NoError(t, err)
	_, err = done.ApproveAll(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRecordLineStatusAppendsHistory(t *testing.T) {
	f := awaitingFlow(t)
	_, err := f.ApproveRecommendations(context.Background(), []string{"c1"})
	require.NoError(t, err)

	require.NoError(t, f.RecordLineStatus(context.Background(), "line_c1", models.BookingBooked, "seller confirmed"))
	assert.Error(t, f.RecordLineStatus(context.Background(), "line_zz", models.BookingBooked, ""))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, models.BookingPendingExecution, snap.BookedLines[0].BookingStatus)
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, models.EntityLine, last.Entity)
	assert.Equal(t, models.BookingPendingExecution, last.From)
	assert.Equal(t, models.BookingBooked, last.To)
}

func TestSharedProductGetsDistinctLines(t *testing.T) {
	adv := &stubAdvisor{
		allocation: `{"branding":{"budget":50000},"performance":{"budget":50000}}`,
		research: map[string]string{
			"branding":    recsJSON("disp-1"),
			"performance": recsJSON("disp-1"),
		},
	}
	deps, _, _, _ := testDeps(adv)
	f := New(deps, testBrief())
	_, err := f.Run(context.Background())
	require.NoError(t, err)

	res, err := f.ApproveRecommendations(context.Background(), []string{"disp-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Booked)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.BookedLines, 2)
	assert.Equal(t, "line_disp-1", snap.BookedLines[0].LineID)
	assert.Equal(t, "branding", snap.BookedLines[0].Channel)
	assert.Equal(t, "line_performance_disp-1", snap.BookedLines[1].LineID)
	assert.Equal(t, "performance", snap.BookedLines[1].Channel)

	require.NoError(t, f.RecordLineStatus(context.Background(), "line_performance_disp-1", models.BookingBooked, ""))
	snap, err = f.Snapshot()
	require.NoError(t, err)
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, "line_performance_disp-1", last.EntityID)
	assert.Equal(t, models.BookingPendingExecution, last.From)
}

func TestGetStatusIsACopy(t *testing.T) {
	f := awaitingFlow(t)
	st := f.GetStatus()
	st.BudgetAllocations["branding"] = models.ChannelAllocation{Budget: 1}
	st.Errors = append(st.Errors, "mutated")
	again := f.GetStatus()
	assert.Equal(t, 50000.0, again.BudgetAllocations["branding"].Budget)
	assert.Empty(t, again.Errors)
}

// fakeCatalog serves a fixed search result.
type fakeCatalog struct {
	result  protocol.Result
	filters map[string]any
}

func (c *fakeCatalog) SearchProducts(ctx context.Context, query string, filters map[string]any, via protocol.Transport) protocol.Result {
	c.filters = filters
	return c.result
}

func (c *fakeCatalog) ListProducts(ctx context.Context, via protocol.Transport) protocol.Result {
	return c.result
}

func agencyBuyer() models.BuyerContext {
	return models.NewBuyerContext(models.BuyerIdentity{SeatID: "ttd-1", AgencyID: "omnicom"})
}

func dspDeps(catalog advisor.Catalog, adv advisor.Advisor) (DSPDeps, *recordingSink) {
	sink := &recordingSink{}
	neg := pricing.NewNegotiator(nil, zap.NewNop(), nil)
	neg.Now = func() time.Time { return fixedNow }
	return DSPDeps{
		Catalog:    catalog,
		Advisor:    adv,
		Negotiator: neg,
		Sink:       sink,
		Now:        func() time.Time { return fixedNow },
	}, sink
}

func catalogOf(products ...map[string]any) *fakeCatalog {
	items := make([]any, len(products))
	for i, p := range products {
		items[i] = p
	}
	return &fakeCatalog{result: protocol.Result{Success: true, Data: map[string]any{"products": items}}}
}

func TestDSPFlowCreatesDeal(t *testing.T) {
	cat := catalogOf(
		map[string]any{"id": "ctv-1", "name": "Sports CTV", "basePrice": 30.0},
		map[string]any{"id": "ctv-2", "name": "News CTV", "basePrice": 20.0},
	)
	adv := &stubAdvisor{selection: `{"product_id": "ctv-2", "rationale": "cheapest"}`}
	deps, sink := dspDeps(cat, adv)
	imps := int64(1_000_000)
	maxCPM := 25.0

	f := NewDSPDealFlow(deps, agencyBuyer(), DSPRequest{
		Request:     "sports CTV in Q2",
		DealType:    models.DealTypePG,
		Impressions: &imps,
		MaxCPM:      &maxCPM,
	})
	deal, err := f.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, deal)
	assert.Equal(t, "ctv-2", deal.ProductID)
	assert.Equal(t, models.DealTypePG, deal.DealType)
	assert.InDelta(t, 18.0, deal.Price, 1e-9) // agency: 10% off 20
	assert.Regexp(t, `^DEAL-[0-9A-F]{8}$`, deal.DealID)

	assert.Equal(t, 25.0, cat.filters["maxPrice"])
	assert.Equal(t, imps, cat.filters["minImpressions"])
	assert.NotNil(t, cat.filters["buyer_context"])

	st := f.GetStatus()
	assert.Equal(t, DSPDealCreated, st.Status)
	assert.Equal(t, 2, st.DiscoveredCount)
	assert.Equal(t, "ctv-2", st.SelectedProductID)
	require.NotNil(t, st.Quote)
	assert.Empty(t, st.Errors)

	var seen []string
	for _, ev := range sink.events {
		seen = append(seen, ev.To)
	}
	assert.Equal(t, []string{
		"request_received", "discovering_inventory", "evaluating_pricing", "requesting_deal", "deal_created",
	}, seen)
}

func TestDSPFlowFailures(t *testing.T) {
	good := catalogOf(map[string]any{"id": "p1", "basePrice": 10.0})
	tests := []struct {
		name    string
		req     DSPRequest
		catalog *fakeCatalog
		adv     *stubAdvisor
		want    error
		errText string
	}{
		{name: "empty request", req: DSPRequest{Request: "  "}, catalog: good, adv: &stubAdvisor{}, want: models.ErrNoRequest},
		{name: "search failed", req: DSPRequest{Request: "ctv"}, catalog: &fakeCatalog{result: protocol.Result{Error: "seller down"}}, adv: &stubAdvisor{}, errText: "seller down"},
		{name: "no products", req: DSPRequest{Request: "ctv"}, catalog: catalogOf(), adv: &stubAdvisor{}, errText: "no products"},
		{name: "advisor failed", req: DSPRequest{Request: "ctv"}, catalog: good, adv: &stubAdvisor{selectErr: errors.New("offline")}, errText: "advisor select failed"},
		{name: "no product id", req: DSPRequest{Request: "ctv"}, catalog: good, adv: &stubAdvisor{selection: "I recommend nothing."}, want: models.ErrNoProduct},
		{name: "unknown product", req: DSPRequest{Request: "ctv"}, catalog: good, adv: &stubAdvisor{selection: "product_id: p9"}, want: models.ErrNoProduct},
		{name: "pg without impressions", req: DSPRequest{Request: "ctv", DealType: models.DealTypePG}, catalog: good, adv: &stubAdvisor{selection: "product_id: p1"}, errText: "impressions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _ := dspDeps(tt.catalog, tt.adv)
			f := NewDSPDealFlow(deps, agencyBuyer(), tt.req)
			deal, err := f.Run(context.Background())
			require.Error(t, err)
			assert.Nil(t, deal)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
			st := f.GetStatus()
			assert.Equal(t, DSPFailed, st.Status)
			assert.Len(t, st.Errors, 1)
			assert.Nil(t, st.Deal)
		})
	}
}
