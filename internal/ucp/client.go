package ucp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// Client exchanges embeddings with seller UCP endpoints.
type Client struct {
	httpClient *http.Client
	dimension  int
	source     VectorSource
	cache      map[string]*cachedCapabilities
	cacheMu    sync.RWMutex
	cacheTTL   time.Duration
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// cachedCapabilities wraps a discovery response with caching metadata.
type cachedCapabilities struct {
	Capabilities []AudienceCapability
	Timestamp    time.Time
	TTL          time.Duration
}

// IsExpired checks if the cached discovery has expired.
func (c *cachedCapabilities) IsExpired() bool {
	return time.Since(c.Timestamp) > c.TTL
}

// NewClient creates a UCP client. The timeout bounds every exchange, so a
// silent seller becomes an invalid validation instead of a hang.
func NewClient(timeout time.Duration, dimension int, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		dimension: dimension,
		source:    SyntheticSource{},
		cache:     make(map[string]*cachedCapabilities),
		cacheTTL:  5 * time.Minute,
		logger:    observability.OrNop(logger),
		metrics:   observability.OrNoOp(metrics),
	}
}

// SetVectorSource replaces the synthetic generator, e.g. with a trained model.
func (c *Client) SetVectorSource(s VectorSource) {
	c.source = s
}

// ComputeSimilarity scores a against b. Mismatched dimensions always score 0.
// An empty metric means the query embedding's recommended metric.
func (c *Client) ComputeSimilarity(a, b *Embedding, metric SimilarityMetric) float64 {
	if a.Dimension != b.Dimension || len(a.Vector) != len(b.Vector) {
		c.logger.Warn("embedding dimension mismatch",
			zap.Int("query_dimension", a.Dimension),
			zap.Int("other_dimension", b.Dimension))
		return 0
	}
	if metric == "" {
		metric = a.Model.Metric
	}
	return Similarity(a.Vector, b.Vector, metric)
}

// QueryEmbedding builds the contextual query embedding for requirements.
func (c *Client) QueryEmbedding(requirements map[string]any, consent *Consent) (*Embedding, error) {
	vec, err := c.source.Vector(requirements, c.dimension)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		c.logger.Debug("no consent supplied, using default", zap.String("framework", DefaultConsent().Framework))
	}
	return CreateEmbedding(vec, EmbeddingQuery, SignalContextual, consent)
}

// Exchange posts the query embedding and reads the seller's embedding and
// matched capabilities from the reply.
func (c *Client) Exchange(ctx context.Context, query *Embedding, endpoint string) (*ExchangeResult, error) {
	ctx, span := observability.GetTracer("ucp").Start(ctx, "ucp.exchange")
	span.SetAttributes(attribute.String("ucp.endpoint", endpoint))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	defer func() { c.metrics.RecordUCPLatency(time.Since(start)) }()

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	result := &ExchangeResult{Query: query}
	if raw, _, _, gerr := jsonparser.Get(data, "embedding"); gerr == nil {
		var seller Embedding
		if err = json.Unmarshal(raw, &seller); err != nil {
			return nil, fmt.Errorf("decode seller embedding: %w", err)
		}
		result.Seller = &seller
		score := c.ComputeSimilarity(query, &seller, "")
		result.Similarity = &score
	}
	_, _ = jsonparser.ArrayEach(data, func(v []byte, dt jsonparser.ValueType, _ int, _ error) {
		if dt == jsonparser.String {
			result.MatchedCapabilities = append(result.MatchedCapabilities, string(v))
		}
	}, "matched_capabilities")
	return result, nil
}

// ValidateAudience builds a query embedding for requirements, exchanges it with
// the seller and classifies the similarity. Transport failures yield an
// invalid result rather than an error.
func (c *Client) ValidateAudience(ctx context.Context, requirements map[string]any, endpoint string, consent *Consent) AudienceValidationResult {
	query, err := c.QueryEmbedding(requirements, consent)
	if err == nil {
		var ex *ExchangeResult
		ex, err = c.Exchange(ctx, query, endpoint)
		if err == nil {
			return c.classify(ex)
		}
	}

	c.logger.Warn("UCP exchange failed", zap.String("endpoint", endpoint), zap.Error(err))
	c.metrics.IncrementUCPValidations(StatusInvalid)
	return AudienceValidationResult{
		Status:              StatusInvalid,
		TargetingCompatible: false,
		MatchedCapabilities: []string{},
		Notes:               []string{fmt.Sprintf("Exchange failed: %v", err)},
	}
}

func (c *Client) classify(ex *ExchangeResult) AudienceValidationResult {
	var score float64
	if ex.Similarity != nil {
		score = *ex.Similarity
	}
	status, compatible := Classify(score)
	matched := ex.MatchedCapabilities
	if matched == nil {
		matched = []string{}
	}
	c.metrics.IncrementUCPValidations(status)
	return AudienceValidationResult{
		Status:              status,
		SimilarityScore:     score,
		CoveragePercentage:  score * 100,
		MatchedCapabilities: matched,
		TargetingCompatible: compatible,
		Notes: []string{
			fmt.Sprintf("UCP similarity: %.2f", score),
			fmt.Sprintf("Matched %d capabilities", len(matched)),
		},
	}
}

// DiscoverCapabilities lists a seller's audience capabilities. Items that fail
// to parse are skipped with a warning; results are cached per endpoint.
func (c *Client) DiscoverCapabilities(ctx context.Context, endpoint string) ([]AudienceCapability, error) {
	c.cacheMu.RLock()
	cached, ok := c.cache[endpoint]
	c.cacheMu.RUnlock()
	if ok && !cached.IsExpired() {
		return cached.Capabilities, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var caps []AudienceCapability
	_, err = jsonparser.ArrayEach(data, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		var capability AudienceCapability
		if perr := json.Unmarshal(v, &capability); perr != nil {
			c.logger.Warn("failed to parse capability", zap.Error(perr))
			return
		}
		caps = append(caps, capability)
	}, "capabilities")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}

	c.cacheMu.Lock()
	c.cache[endpoint] = &cachedCapabilities{Capabilities: caps, Timestamp: time.Now(), TTL: c.cacheTTL}
	c.cacheMu.Unlock()
	return caps, nil
}

// ReceiveEmbedding fetches a seller's inventory embedding.
func (c *Client) ReceiveEmbedding(ctx context.Context, endpoint string) (*Embedding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var emb Embedding
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return &emb, nil
}

// ClearCache drops cached capability discoveries.
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]*cachedCapabilities)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
