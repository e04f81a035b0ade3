package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry counts calls by method and label set so tests can
// assert on what a component recorded.
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMockMetricsRegistry returns an empty counting registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counts: make(map[string]int)}
}

func (m *MockMetricsRegistry) inc(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key(name, labels...)]++
}

// Count returns how many times name was recorded with exactly these labels.
func (m *MockMetricsRegistry) Count(name string, labels ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key(name, labels...)]
}

func key(name string, labels ...string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "|" + strings.Join(labels, "|")
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests", endpoint, method, status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	m.inc("request_latency", endpoint, method)
}
func (m *MockMetricsRegistry) IncrementFlowTransitions(status string) {
	m.inc("flow_transitions", status)
}
func (m *MockMetricsRegistry) IncrementChannelResearch(channel, outcome string) {
	m.inc("channel_research", channel, outcome)
}
func (m *MockMetricsRegistry) RecordChannelResearchLatency(channel string, duration time.Duration) {
	m.inc("channel_research_latency", channel)
}
func (m *MockMetricsRegistry) IncrementAdvisorFallbacks(stage string) {
	m.inc("advisor_fallbacks", stage)
}
func (m *MockMetricsRegistry) IncrementDeals(tier, dealType, outcome string) {
	m.inc("deals", tier, dealType, outcome)
}
func (m *MockMetricsRegistry) IncrementNegotiations(outcome string) {
	m.inc("negotiations", outcome)
}
func (m *MockMetricsRegistry) IncrementToolCalls(transport, outcome string) {
	m.inc("tool_calls", transport, outcome)
}
func (m *MockMetricsRegistry) RecordToolCallLatency(transport string, duration time.Duration) {
	m.inc("tool_call_latency", transport)
}
func (m *MockMetricsRegistry) IncrementUCPValidations(status string) {
	m.inc("ucp_validations", status)
}
func (m *MockMetricsRegistry) RecordUCPLatency(duration time.Duration) {
	m.inc("ucp_latency")
}
func (m *MockMetricsRegistry) IncrementEventWrites(sink, outcome string) {
	m.inc("event_writes", sink, outcome)
}
func (m *MockMetricsRegistry) IncrementRateLimitHits(tier string) {
	m.inc("rate_limit_hits", tier)
}
