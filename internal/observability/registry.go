package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// so components receive metrics through their constructors instead of touching globals.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Booking flow metrics
	IncrementFlowTransitions(status string)
	IncrementChannelResearch(channel, outcome string)
	RecordChannelResearchLatency(channel string, duration time.Duration)
	IncrementAdvisorFallbacks(stage string)

	// Deal metrics
	IncrementDeals(tier, dealType, outcome string)
	IncrementNegotiations(outcome string)

	// Protocol metrics
	IncrementToolCalls(transport, outcome string)
	RecordToolCallLatency(transport string, duration time.Duration)

	// Audience signal metrics
	IncrementUCPValidations(status string)
	RecordUCPLatency(duration time.Duration)

	// Event log metrics
	IncrementEventWrites(sink, outcome string)

	IncrementRateLimitHits(tier string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Booking flow metrics
func (r *PrometheusRegistry) IncrementFlowTransitions(status string) {
	FlowTransitions.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementChannelResearch(channel, outcome string) {
	ChannelResearch.WithLabelValues(channel, outcome).Inc()
}

func (r *PrometheusRegistry) RecordChannelResearchLatency(channel string, duration time.Duration) {
	ChannelResearchLatency.WithLabelValues(channel).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementAdvisorFallbacks(stage string) {
	AdvisorFallbacks.WithLabelValues(stage).Inc()
}

// Deal metrics
func (r *PrometheusRegistry) IncrementDeals(tier, dealType, outcome string) {
	DealCount.WithLabelValues(tier, dealType, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementNegotiations(outcome string) {
	Negotiations.WithLabelValues(outcome).Inc()
}

// Protocol metrics
func (r *PrometheusRegistry) IncrementToolCalls(transport, outcome string) {
	ToolCalls.WithLabelValues(transport, outcome).Inc()
}

func (r *PrometheusRegistry) RecordToolCallLatency(transport string, duration time.Duration) {
	ToolCallLatency.WithLabelValues(transport).Observe(duration.Seconds())
}

// Audience signal metrics
func (r *PrometheusRegistry) IncrementUCPValidations(status string) {
	UCPValidations.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) RecordUCPLatency(duration time.Duration) {
	UCPLatency.Observe(duration.Seconds())
}

// Event log metrics
func (r *PrometheusRegistry) IncrementEventWrites(sink, outcome string) {
	EventWrites.WithLabelValues(sink, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(tier string) {
	RateLimitHits.WithLabelValues(tier).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementFlowTransitions(status string)                               {}
func (r *NoOpRegistry) IncrementChannelResearch(channel, outcome string)                     {}
func (r *NoOpRegistry) RecordChannelResearchLatency(channel string, duration time.Duration)  {}
func (r *NoOpRegistry) IncrementAdvisorFallbacks(stage string)                               {}
func (r *NoOpRegistry) IncrementDeals(tier, dealType, outcome string)                        {}
func (r *NoOpRegistry) IncrementNegotiations(outcome string)                                 {}
func (r *NoOpRegistry) IncrementToolCalls(transport, outcome string)                         {}
func (r *NoOpRegistry) RecordToolCallLatency(transport string, duration time.Duration)       {}
func (r *NoOpRegistry) IncrementUCPValidations(status string)                                {}
func (r *NoOpRegistry) RecordUCPLatency(duration time.Duration)                              {}
func (r *NoOpRegistry) IncrementEventWrites(sink, outcome string)                            {}
func (r *NoOpRegistry) IncrementRateLimitHits(tier string)                                   {}

// OrNoOp returns m, or a NoOpRegistry when m is nil.
func OrNoOp(m MetricsRegistry) MetricsRegistry {
	if m == nil {
		return NewNoOpRegistry()
	}
	return m
}
