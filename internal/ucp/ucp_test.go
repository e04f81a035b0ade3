package ucp

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

func unitVector(dim, hot int) []float64 {
	v := make([]float64, dim)
	v[hot] = 1
	return v
}

func newTestClient(m observability.MetricsRegistry) *Client {
	return NewClient(time.Second, DefaultDimension, zap.NewNop(), m)
}

func TestCreateEmbeddingDefaults(t *testing.T) {
	emb, err := CreateEmbedding(unitVector(256, 0), EmbeddingQuery, SignalIdentity, nil)
	require.NoError(t, err)
	assert.Equal(t, 256, emb.Dimension)
	assert.Equal(t, DefaultConsent(), emb.Consent)
	assert.Equal(t, ModelDescriptor{ID: "ucp-embedding-v1", Version: "1.0.0", Dimension: 256, Metric: MetricCosine}, emb.Model)

	_, err = CreateEmbedding(make([]float64, 100), EmbeddingQuery, SignalIdentity, nil)
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestComputeSimilarity(t *testing.T) {
	c := newTestClient(nil)
	a, _ := CreateEmbedding(unitVector(256, 0), EmbeddingQuery, SignalContextual, nil)
	b, _ := CreateEmbedding(unitVector(256, 1), EmbeddingInventory, SignalContextual, nil)
	big, _ := CreateEmbedding(unitVector(512, 0), EmbeddingInventory, SignalContextual, nil)

	assert.InDelta(t, 1.0, c.ComputeSimilarity(a, a, ""), 1e-12)
	assert.InDelta(t, 0.0, c.ComputeSimilarity(a, b, MetricCosine), 1e-12)
	assert.InDelta(t, math.Sqrt2, c.ComputeSimilarity(a, b, MetricL2), 1e-12)
	assert.Equal(t, 0.0, c.ComputeSimilarity(a, big, MetricCosine))
	assert.Equal(t, 0.0, c.ComputeSimilarity(a, big, MetricL2))

	zero, _ := CreateEmbedding(make([]float64, 256), EmbeddingQuery, SignalContextual, nil)
	assert.Equal(t, 0.0, c.ComputeSimilarity(a, zero, MetricCosine))
}

func TestSyntheticSourceDeterministic(t *testing.T) {
	req := map[string]any{"age": "25-54", "interests": []any{"sports", "autos"}}
	same := map[string]any{"interests": []any{"sports", "autos"}, "age": "25-54"}

	v1, err := SyntheticSource{}.Vector(req, 512)
	require.NoError(t, err)
	v2, err := SyntheticSource{}.Vector(same, 512)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.InDelta(t, 1.0, math.Sqrt(dot(v1, v1)), 1e-9)

	v3, _ := SyntheticSource{}.Vector(map[string]any{"age": "18-24"}, 512)
	assert.NotEqual(t, v1, v3)
}

func TestClassifyThresholds(t *testing.T) {
	tests := []struct {
		score      float64
		status     string
		compatible bool
	}{
		{0.95, StatusValid, true},
		{0.70, StatusValid, true},
		{0.55, StatusPartialMatch, true},
		{0.30, StatusPartialMatch, false},
		{0.10, StatusNoMatch, false},
	}
	for _, tt := range tests {
		status, ok := Classify(tt.score)
		assert.Equal(t, tt.status, status, "score %v", tt.score)
		assert.Equal(t, tt.compatible, ok, "score %v", tt.score)
	}
}

// sellerEcho returns the buyer's own vector, so similarity is 1.
func sellerEcho(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != ContentType {
			t.Errorf("Expected content type %s, got %s", ContentType, ct)
		}
		var emb Embedding
		if err := json.NewDecoder(r.Body).Decode(&emb); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		emb.EmbeddingType = EmbeddingInventory
		w.Header().Set("Content-Type", ContentType)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding":            emb,
			"matched_capabilities": []string{"cap_demo_age", "cap_ctx_categories"},
		})
	}))
}

func TestValidateAudienceValid(t *testing.T) {
	srv := sellerEcho(t)
	defer srv.Close()

	m := observability.NewMockMetricsRegistry()
	res := newTestClient(m).ValidateAudience(context.Background(), map[string]any{"age": "25-54"}, srv.URL, nil)
	assert.Equal(t, StatusValid, res.Status)
	assert.True(t, res.TargetingCompatible)
	assert.InDelta(t, 100.0, res.CoveragePercentage, 1e-6)
	assert.Equal(t, []string{"cap_demo_age", "cap_ctx_categories"}, res.MatchedCapabilities)
	assert.Equal(t, []string{"UCP similarity: 1.00", "Matched 2 capabilities"}, res.Notes)
	assert.Equal(t, 1, m.Count("ucp_validations", StatusValid))
	assert.Equal(t, 1, m.Count("ucp_latency"))
}

func TestValidateAudienceTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	res := newTestClient(nil).ValidateAudience(context.Background(), map[string]any{"age": "25-54"}, srv.URL, nil)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.False(t, res.TargetingCompatible)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "Exchange failed: http 502")
}

func TestValidateAudienceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(20*time.Millisecond, 256, zap.NewNop(), nil)
	res := c.ValidateAudience(context.Background(), map[string]any{"age": "25-54"}, srv.URL, nil)
	assert.Equal(t, StatusInvalid, res.Status)
}

func TestExchangeWithoutSellerEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	res := newTestClient(nil).ValidateAudience(context.Background(), map[string]any{"x": 1}, srv.URL, nil)
	assert.Equal(t, StatusNoMatch, res.Status)
	assert.Empty(t, res.MatchedCapabilities)
}

func TestDiscoverCapabilitiesCachedAndTolerant(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"capabilities":[
			{"capability_id":"cap_demo_age","name":"Age","signal_type":"identity","coverage_percentage":85,"ucp_compatible":true},
			{"capability_id":42},
			{"capability_id":"cap_ctx_keywords","name":"Keywords","signal_type":"contextual","coverage_percentage":90}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(nil)
	caps, err := c.DiscoverCapabilities(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "cap_demo_age", caps[0].CapabilityID)
	assert.Equal(t, SignalContextual, caps[1].SignalType)

	_, err = c.DiscoverCapabilities(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	c.ClearCache()
	_, _ = c.DiscoverCapabilities(context.Background(), srv.URL)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
