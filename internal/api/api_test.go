package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/analytics"
	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/ratelimit"
	"github.com/patrickwarner/openadbuyer/internal/research"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

type stubAdvisor struct {
	allocation string
	research   map[string]string
	selection  string
}

func (a *stubAdvisor) Allocate(ctx context.Context, b models.CampaignBrief) (string, error) {
	return a.allocation, nil
}

func (a *stubAdvisor) Research(ctx context.Context, b models.ChannelBrief) (string, error) {
	if text, ok := a.research[b.Channel]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no research for %s", b.Channel)
}

func (a *stubAdvisor) Select(ctx context.Context, r advisor.SelectionRequest) (string, error) {
	return a.selection, nil
}

type fakeCatalog struct {
	products map[string]map[string]any
}

func (c *fakeCatalog) items() []any {
	out := make([]any, 0, len(c.products))
	for _, id := range []string{"ctv-1", "ctv-2"} {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeCatalog) SearchProducts(ctx context.Context, query string, filters map[string]any, via protocol.Transport) protocol.Result {
	return protocol.Result{Success: true, Data: map[string]any{"products": c.items()}}
}

func (c *fakeCatalog) ListProducts(ctx context.Context, via protocol.Transport) protocol.Result {
	return c.SearchProducts(ctx, "", nil, via)
}

func (c *fakeCatalog) GetProduct(ctx context.Context, id string, via protocol.Transport) protocol.Result {
	p, ok := c.products[id]
	if !ok {
		return protocol.Result{Error: "product not found"}
	}
	return protocol.Result{Success: true, Data: p}
}

type fakeSeller struct {
	lines int
}

func (s *fakeSeller) CreateOrder(ctx context.Context, o protocol.OrderSpec, via protocol.Transport) protocol.Result {
	return protocol.Result{Success: true, Data: map[string]any{"id": "ord-1"}}
}

func (s *fakeSeller) CreateLine(ctx context.Context, l protocol.LineSpec, via protocol.Transport) protocol.Result {
	s.lines++
	return protocol.Result{Success: true, Data: map[string]any{"id": fmt.Sprintf("sl-%d", s.lines)}}
}

func (s *fakeSeller) BookLine(ctx context.Context, id string, via protocol.Transport) protocol.Result {
	return protocol.Result{Success: true, Data: map[string]any{"id": id}}
}

func (s *fakeSeller) GetOrder(ctx context.Context, id string, via protocol.Transport) protocol.Result {
	return protocol.Result{Success: true, Data: map[string]any{"id": id}}
}

func (s *fakeSeller) ListLines(ctx context.Context, orderID string, via protocol.Transport) protocol.Result {
	return protocol.Result{Success: true, Data: map[string]any{"lines": []any{}}}
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

func bookingAdvisor() *stubAdvisor {
	return &stubAdvisor{
		allocation: `{"branding":{"budget":60000},"ctv":{"budget":40000}}`,
		research: map[string]string{
			"branding": recsJSON("b1", "b2"),
			"ctv":      recsJSON("c1"),
		},
		selection: `{"product_id": "ctv-2"}`,
	}
}

const briefJSON = `{
	"name": "Spring launch",
	"objectives": ["awareness"],
	"budget": 100000,
	"start_date": "2026-04-01",
	"end_date": "2026-04-30",
	"target_audience": {"interests": ["sports"]}
}`

func newTestServer(t *testing.T, secret string) (*Server, *observability.MockMetricsRegistry, *analytics.MockEventSink) {
	t.Helper()
	m := observability.NewMockMetricsRegistry()
	sink := &analytics.MockEventSink{}
	cfg := config.Config{
		ServiceName:            "openadbuyer-test",
		DefaultTransport:       "mcp",
		ChannelResearchTimeout: time.Second,
		ApprovalSecret:         secret,
		ApprovalTokenTTL:       time.Hour,
	}
	s := NewServer(zap.NewNop(), db.NewMemoryFlowStore(), sink, bookingAdvisor(), m, cfg)
	s.Catalog = &fakeCatalog{products: map[string]map[string]any{
		"ctv-1": {"id": "ctv-1", "name": "Sports CTV", "basePrice": 30.0},
		"ctv-2": {"id": "ctv-2", "name": "News CTV", "basePrice": 20.0},
	}}
	return s, m, sink
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthHandler(t *testing.T) {
	s, m, _ := newTestServer(t, "")
	rr := do(t, s.Routes(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
	assert.Equal(t, 1, m.Count("requests", "health", "GET", "200"))
}

func TestBookingLifecycle(t *testing.T) {
	s, m, sink := newTestServer(t, "secret")
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/bookings", briefJSON, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[bookingResponse](t, rr)
	assert.NotEmpty(t, created.FlowID)
	assert.Equal(t, models.StatusAwaitingApproval, created.Status.ExecutionStatus)
	assert.Equal(t, 3, created.Consolidation.Total)
	assert.Len(t, created.Recommendations, 3)
	require.NotEmpty(t, created.ApprovalToken)
	assert.Equal(t, 1, m.Count("requests", "bookings_create", "POST", "201"))

	base := "/api/v1/bookings/" + created.FlowID
	rr = do(t, h, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decode[models.FlowStatus](t, rr).PendingApprovals)

	rr = do(t, h, http.MethodGet, base+"/recommendations", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.ProductRecommendation](t, rr), 3)

	rr = do(t, h, http.MethodPost, base+"/approve", `{"ids":["b1"],"token":"forged"}`, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	body := fmt.Sprintf(`{"ids":["b1"],"token":%q}`, created.ApprovalToken)
	rr = do(t, h, http.MethodPost, base+"/approve", body, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	approved := decode[approveResponse](t, rr)
	assert.Equal(t, 1, approved.Result.Booked)
	assert.Equal(t, models.StatusCompleted, approved.Status.ExecutionStatus)
	assert.Nil(t, approved.Submission)

	rr = do(t, h, http.MethodPost, base+"/approve", body, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, base+"/events", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	events := decode[[]models.StatusEvent](t, rr)
	assert.NotEmpty(t, events)
	assert.Len(t, sink.Events(), len(events))

	rr = do(t, h, http.MethodGet, "/api/v1/bookings?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[[]models.FlowStatus](t, rr)
	require.Len(t, listed, 1)
	assert.Equal(t, created.FlowID, listed[0].FlowID)
}

func TestApproveAllSubmitsToSeller(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	seller := &fakeSeller{}
	s.Seller = seller
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/bookings", briefJSON, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[bookingResponse](t, rr)
	assert.Empty(t, created.ApprovalToken)

	rr = do(t, h, http.MethodPost, "/api/v1/bookings/"+created.FlowID+"/approve", `{"all":true,"account_id":"acct-1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[approveResponse](t, rr)
	assert.Equal(t, 3, resp.Result.Booked)
	require.NotNil(t, resp.Submission)
	assert.Equal(t, "ord-1", resp.Submission.OrderID)
	assert.Equal(t, 3, resp.Submission.Booked)
	assert.Equal(t, 3, seller.lines)
}

func TestCreateBookingErrors(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/bookings", `{"name":"x","budget":100}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decode[errorBody](t, rr)
	assert.Contains(t, body.Error, "objectives")

	rr = do(t, h, http.MethodPost, "/api/v1/bookings", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/bookings?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBookingLookup(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Routes()

	rr := do(t, h, http.MethodGet, "/api/v1/bookings/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	stored := models.NewFlowState("stored-1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.Store.Save(context.Background(), stored))

	rr = do(t, h, http.MethodGet, "/api/v1/bookings/stored-1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "stored-1", decode[models.FlowStatus](t, rr).FlowID)

	rr = do(t, h, http.MethodPost, "/api/v1/bookings/stored-1/approve", `{"all":true}`, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/bookings/missing/approve", `{"all":true}`, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequestDeal(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Routes()
	agency := map[string]string{models.HeaderSeatID: "ttd-1", models.HeaderAgencyID: "omnicom"}
	seat := map[string]string{models.HeaderSeatID: "ttd-1"}

	rr := do(t, h, http.MethodPost, "/api/v1/deals", `{"product_id":"ctv-2","deal_type":"PD"}`, agency)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	deal := decode[models.DealResponse](t, rr)
	assert.Equal(t, "ctv-2", deal.ProductID)
	assert.InDelta(t, 18.0, deal.Price, 1e-9)
	assert.Equal(t, models.TierAgency, deal.AccessTier)

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
	}{
		{"seat cannot negotiate", `{"product_id":"ctv-2","target_cpm":10}`, seat, http.StatusForbidden},
		{"pg needs impressions", `{"product_id":"ctv-2","deal_type":"PG"}`, agency, http.StatusBadRequest},
		{"bad deal type", `{"product_id":"ctv-2","deal_type":"XX"}`, agency, http.StatusBadRequest},
		{"missing product id", `{"deal_type":"PD"}`, agency, http.StatusBadRequest},
		{"unknown product", `{"product_id":"nope"}`, agency, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/v1/deals", tt.body, tt.headers)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestQuote(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/deals/quote", `{"product_id":"ctv-2"}`,
		map[string]string{models.HeaderSeatID: "ttd-1", models.HeaderAgencyID: "omnicom"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	q := decode[quoteResponse](t, rr)
	assert.InDelta(t, 18.0, q.Quote.TieredPrice, 1e-9)
	assert.True(t, q.CanNegotiate)
	assert.Contains(t, q.Summary, "News CTV")

	rr = do(t, h, http.MethodPost, "/api/v1/deals/quote", `{"product_id":"ctv-2"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	public := decode[quoteResponse](t, rr)
	assert.False(t, public.CanNegotiate)
	assert.Equal(t, models.TierPublic, public.Quote.Tier)

	rr = do(t, h, http.MethodPost, "/api/v1/deals/quote", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDiscoverDeal(t *testing.T) {
	s, m, _ := newTestServer(t, "")
	h := s.Routes()
	agency := map[string]string{models.HeaderSeatID: "ttd-1", models.HeaderAgencyID: "omnicom"}

	rr := do(t, h, http.MethodPost, "/api/v1/deals/discover", `{"request":"news CTV in April"}`, agency)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	st := decode[flow.DSPStatusReport](t, rr)
	assert.Equal(t, flow.DSPDealCreated, st.Status)
	assert.Equal(t, "ctv-2", st.SelectedProductID)
	require.NotNil(t, st.Deal)
	assert.Equal(t, 1, m.Count("flow_transitions", "dsp_deal_created"))

	rr = do(t, h, http.MethodPost, "/api/v1/deals/discover", `{"request":"  "}`, agency)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, flow.DSPFailed, decode[flow.DSPStatusReport](t, rr).Status)
}

func TestValidateAudience(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/audience/validate", `{"target_audience":{"interests":["sports"]}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[validateAudienceResponse](t, rr)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, []string{"sports"}, resp.Plan.Interests)
	assert.Empty(t, resp.Validations)

	s.UCP = ucp.NewClient(time.Second, 16, zap.NewNop(), nil)
	body := `{"target_audience":{"interests":["sports"]},"endpoints":["http://127.0.0.1:1"]}`
	rr = do(t, h, http.MethodPost, "/api/v1/audience/validate", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[validateAudienceResponse](t, rr)
	require.Len(t, resp.Validations, 1)
	assert.Equal(t, ucp.StatusInvalid, resp.Validations[0].Status)
	assert.False(t, resp.Validations[0].TargetingCompatible)

	rr = do(t, h, http.MethodPost, "/api/v1/audience/validate", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDealRateLimit(t *testing.T) {
	s, m, _ := newTestServer(t, "")
	s.Limiter = ratelimit.NewBuyerLimiter(ratelimit.Config{Capacity: 2, RefillRate: 0.001, Enabled: true}, m)
	h := s.Routes()
	seat := map[string]string{models.HeaderSeatID: "ttd-1"}
	body := `{"product_id":"ctv-1"}`

	for i := 0; i < 2; i++ {
		rr := do(t, h, http.MethodPost, "/api/v1/deals/quote", body, seat)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr := do(t, h, http.MethodPost, "/api/v1/deals/quote", body, seat)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, 1, m.Count("rate_limit_hits", "seat"))

	// another buyer has its own bucket
	rr = do(t, h, http.MethodPost, "/api/v1/deals/quote", body, map[string]string{models.HeaderSeatID: "dv360-2"})
	assert.Equal(t, http.StatusOK, rr.Code)

	// bookings are not limited
	rr = do(t, h, http.MethodGet, "/api/v1/bookings", "", seat)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestApprovedFlowsAreReleased(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/bookings", briefJSON, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[bookingResponse](t, rr)
	assert.Equal(t, 1, s.ActiveFlows())

	base := "/api/v1/bookings/" + created.FlowID
	rr = do(t, h, http.MethodPost, base+"/approve", `{"all":true}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0, s.ActiveFlows())

	// the persisted state still answers reads
	rr = do(t, h, http.MethodGet, base, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[models.FlowStatus](t, rr)
	assert.Equal(t, models.StatusCompleted, got.ExecutionStatus)
	assert.Equal(t, 3, got.BookedLines)

	rr = do(t, h, http.MethodPost, base+"/approve", `{"all":true}`, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestStaleFlowsExpire(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	s.Config.FlowStateTTL = time.Hour
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/api/v1/bookings", briefJSON, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	first := decode[bookingResponse](t, rr)

	now = now.Add(2 * time.Hour)
	rr = do(t, h, http.MethodPost, "/api/v1/bookings", briefJSON, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 1, s.ActiveFlows())

	_, ok := s.live(first.FlowID)
	assert.False(t, ok)
}

func TestBookingFailsWhenTokenCannotBeIssued(t *testing.T) {
	s, m, _ := newTestServer(t, "secret")
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%03d", i)
	}
	adv := &stubAdvisor{
		allocation: `{"branding":{"budget":100000}}`,
		research:   map[string]string{"branding": recsJSON(ids...)},
	}
	s.Advisor = adv
	s.Coordinator = research.NewCoordinator(adv, time.Second, zap.NewNop(), m)

	rr := do(t, s.Routes(), http.MethodPost, "/api/v1/bookings", briefJSON, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, decode[errorBody](t, rr).Error, "too many recommendation ids")
	assert.Equal(t, 0, s.ActiveFlows())
}
