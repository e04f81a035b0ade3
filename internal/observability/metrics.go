package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adbuyer_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// booking flow status transitions, labelled by the status entered
	FlowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_flow_transitions_total",
			Help: "Total booking flow status transitions",
		},
		[]string{"status"},
	)

	// channel research outcomes (success, no_budget, failed)
	ChannelResearch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_channel_research_total",
			Help: "Total channel research units by outcome",
		},
		[]string{"channel", "outcome"},
	)

	ChannelResearchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adbuyer_channel_research_duration_seconds",
			Help:    "Duration of channel research units",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"channel"},
	)

	// advisor failures recovered with a fallback
	AdvisorFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_advisor_fallbacks_total",
			Help: "Total advisor failures recovered by fallback",
		},
		[]string{"stage"},
	)

	// deal requests by tier, deal type and outcome
	DealCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_deals_total",
			Help: "Total deal requests",
		},
		[]string{"tier", "deal_type", "outcome"},
	)

	// negotiation results (accepted, countered, rejected)
	Negotiations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_negotiations_total",
			Help: "Total price negotiations by outcome",
		},
		[]string{"outcome"},
	)

	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_tool_calls_total",
			Help: "Total seller tool calls by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	ToolCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adbuyer_tool_call_duration_seconds",
			Help:    "Duration of seller tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	// UCP audience validations labelled by resulting status
	UCPValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_ucp_validations_total",
			Help: "Total UCP audience validations",
		},
		[]string{"status"},
	)

	UCPLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adbuyer_ucp_exchange_duration_seconds",
			Help:    "Duration of UCP embedding exchanges",
			Buckets: prometheus.DefBuckets,
		},
	)

	// status events written to sinks
	EventWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_event_writes_total",
			Help: "Total status events written per sink",
		},
		[]string{"sink", "outcome"},
	)

	// deal requests rejected by the per-buyer limiter
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adbuyer_rate_limit_hits_total",
			Help: "Total requests rejected by per-buyer rate limiting",
		},
		[]string{"tier"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		FlowTransitions,
		ChannelResearch,
		ChannelResearchLatency,
		AdvisorFallbacks,
		DealCount,
		Negotiations,
		ToolCalls,
		ToolCallLatency,
		UCPValidations,
		UCPLatency,
		EventWrites,
		RateLimitHits,
	)
}
