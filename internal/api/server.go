package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/analytics"
	"github.com/patrickwarner/openadbuyer/internal/audience"
	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/execution"
	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/middleware"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/pricing"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
	"github.com/patrickwarner/openadbuyer/internal/ratelimit"
	"github.com/patrickwarner/openadbuyer/internal/research"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Catalog is the slice of the seller client the handlers read products from.
type Catalog interface {
	advisor.Catalog
	GetProduct(ctx context.Context, id string, via protocol.Transport) protocol.Result
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry
	Config  config.Config

	Store    db.FlowStore
	Sink     flow.EventSink
	EventLog *analytics.EventLog

	Advisor     advisor.Advisor
	Planner     *audience.Planner
	Coordinator *research.Coordinator
	Catalog     Catalog
	Seller      execution.Seller
	Via         protocol.Transport
	Negotiator  *pricing.Negotiator
	UCP         *ucp.Client
	Limiter     *ratelimit.BuyerLimiter

	TokenSecret []byte
	TokenTTL    time.Duration

	mu    sync.Mutex
	flows map[string]liveFlow
	clock func() time.Time
}

// liveFlow is a flow held in memory until it is approved or expires.
type liveFlow struct {
	flow    *flow.BookingFlow
	started time.Time
}

// NewServer constructs a Server. Collaborators beyond the store and sink are
// set on the returned value.
func NewServer(logger *zap.Logger, store db.FlowStore, sink flow.EventSink, adv advisor.Advisor, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	logger = observability.OrNop(logger)
	metrics = observability.OrNoOp(metrics)
	if store == nil {
		store = db.NewMemoryFlowStore()
	}
	return &Server{
		Logger:      logger,
		Metrics:     metrics,
		Config:      cfg,
		Store:       store,
		Sink:        sink,
		Advisor:     adv,
		Planner:     audience.NewPlanner(),
		Coordinator: research.NewCoordinator(adv, cfg.ChannelResearchTimeout, logger, metrics),
		Via:         protocol.Transport(cfg.DefaultTransport),
		Negotiator:  pricing.NewNegotiator(nil, logger, metrics),
		Limiter: ratelimit.NewBuyerLimiter(ratelimit.Config{
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillRate,
			Enabled:    cfg.RateLimitEnabled,
		}, metrics),
		TokenSecret: []byte(cfg.ApprovalSecret),
		TokenTTL:    cfg.ApprovalTokenTTL,
		flows:       make(map[string]liveFlow),
		clock:       time.Now,
	}
}

// Routes builds the router with tracing, identity and logging middleware.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/bookings", s.CreateBookingHandler).Methods(http.MethodPost)
	v1.HandleFunc("/bookings", s.ListBookingsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/bookings/{id}", s.GetBookingHandler).Methods(http.MethodGet)
	v1.HandleFunc("/bookings/{id}/recommendations", s.RecommendationsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/bookings/{id}/events", s.EventsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/bookings/{id}/approve", s.ApproveHandler).Methods(http.MethodPost)

	v1.Handle("/deals", s.limited(s.RequestDealHandler)).Methods(http.MethodPost)
	v1.Handle("/deals/quote", s.limited(s.QuoteHandler)).Methods(http.MethodPost)
	v1.Handle("/deals/discover", s.limited(s.DiscoverDealHandler)).Methods(http.MethodPost)

	v1.HandleFunc("/audience/validate", s.ValidateAudienceHandler).Methods(http.MethodPost)

	h := middleware.WithBuyerIdentity(middleware.WithTraceLogger(s.Logger)(r))
	return otelhttp.NewHandler(h, s.Config.ServiceName)
}

func (s *Server) flowDeps() flow.Deps {
	return flow.Deps{
		Advisor:     s.Advisor,
		Planner:     s.Planner,
		Coordinator: s.Coordinator,
		Store:       s.Store,
		Sink:        s.Sink,
		Logger:      s.Logger,
		Metrics:     s.Metrics,
	}
}

// limited rejects a buyer's requests with 429 once their bucket is empty.
func (s *Server) limited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identityOf(r)
		if !s.Limiter.Allow(ratelimit.Key(id, r.RemoteAddr), id.AccessTier()) {
			s.Logger.Debug("buyer rate limited", zap.String("tier", string(id.AccessTier())), zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// register holds f for approval and drops flows older than FLOW_STATE_TTL,
// whose persisted state has expired as well.
func (s *Server) register(f *flow.BookingFlow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if ttl := s.Config.FlowStateTTL; ttl > 0 {
		for id, lf := range s.flows {
			if now.Sub(lf.started) > ttl {
				delete(s.flows, id)
			}
		}
	}
	s.flows[f.ID()] = liveFlow{flow: f, started: now}
}

// release forgets a flow once it can no longer be approved.
func (s *Server) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
}

// live returns a flow started by this process.
func (s *Server) live(id string) (*flow.BookingFlow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.flows[id]
	return lf.flow, ok
}

// ActiveFlows reports how many flows this process holds.
func (s *Server) ActiveFlows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, errs ...string) {
	writeJSON(w, status, errorBody{Error: msg, Errors: errs})
}

// observe records request count and latency for one handler call.
func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}
