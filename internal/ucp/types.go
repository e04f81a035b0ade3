// Package ucp implements User Context Protocol audience signal exchange:
// typed embeddings, similarity scoring and validation against seller endpoints.
package ucp

// ContentType is the declared media type for embedding exchange.
const ContentType = "application/vnd.ucp.embedding+json; v=1"

// EmbeddingType distinguishes buyer intent from seller inventory vectors.
type EmbeddingType string

const (
	EmbeddingQuery     EmbeddingType = "query"
	EmbeddingInventory EmbeddingType = "inventory"
)

// SignalType is the UCP signal family a vector represents.
type SignalType string

const (
	SignalIdentity      SignalType = "identity"
	SignalContextual    SignalType = "contextual"
	SignalReinforcement SignalType = "reinforcement"
)

// SimilarityMetric selects how two vectors are compared.
type SimilarityMetric string

const (
	MetricCosine SimilarityMetric = "cosine"
	MetricDot    SimilarityMetric = "dot"
	MetricL2     SimilarityMetric = "l2" // distance, lower is closer
)

// Supported embedding dimensions.
const (
	MinDimension     = 256
	MaxDimension     = 1024
	DefaultDimension = 512

	DefaultModelID      = "ucp-embedding-v1"
	DefaultModelVersion = "1.0.0"
)

// ModelDescriptor identifies the model that produced a vector.
type ModelDescriptor struct {
	ID        string           `json:"id"`
	Version   string           `json:"version"`
	Dimension int              `json:"dimension"`
	Metric    SimilarityMetric `json:"metric"`
}

// Consent records the framework and permitted uses for a signal.
type Consent struct {
	Framework       string   `json:"framework"`
	PermissibleUses []string `json:"permissible_uses"`
	TTLSeconds      int      `json:"ttl_seconds"`
}

// DefaultConsent is substituted when a caller provides none.
func DefaultConsent() Consent {
	return Consent{
		Framework:       "IAB-TCFv2",
		PermissibleUses: []string{"measurement"},
		TTLSeconds:      3600,
	}
}

// Embedding is a typed vector exchanged with sellers. Two embeddings are only
// comparable when their dimensions match.
type Embedding struct {
	EmbeddingType EmbeddingType   `json:"embedding_type"`
	SignalType    SignalType      `json:"signal_type"`
	Vector        []float64       `json:"vector"`
	Dimension     int             `json:"dimension"`
	Model         ModelDescriptor `json:"model_descriptor"`
	Consent       Consent         `json:"consent"`
}

// AudienceCapability is a seller-advertised targeting capability.
type AudienceCapability struct {
	CapabilityID       string     `json:"capability_id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	SignalType         SignalType `json:"signal_type"`
	CoveragePercentage float64    `json:"coverage_percentage"`
	AvailableSegments  []string   `json:"available_segments,omitempty"`
	Taxonomy           string     `json:"taxonomy,omitempty"`
	UCPCompatible      bool       `json:"ucp_compatible"`
	EmbeddingDimension int        `json:"embedding_dimension,omitempty"`
}

// Validation statuses.
const (
	StatusValid        = "valid"
	StatusPartialMatch = "partial_match"
	StatusNoMatch      = "no_match"
	StatusInvalid      = "invalid"
)

// AudienceValidationResult is the verdict for one seller.
type AudienceValidationResult struct {
	Status              string   `json:"validation_status"`
	SimilarityScore     float64  `json:"ucp_similarity_score"`
	CoveragePercentage  float64  `json:"overall_coverage_percentage"`
	MatchedCapabilities []string `json:"matched_capabilities"`
	TargetingCompatible bool     `json:"targeting_compatible"`
	EstimatedReach      *int64   `json:"estimated_reach,omitempty"`
	Notes               []string `json:"validation_notes"`
}

// ExchangeResult is the outcome of posting a query embedding to a seller.
type ExchangeResult struct {
	Similarity          *float64 // nil when the seller returned no embedding
	Query               *Embedding
	Seller              *Embedding
	MatchedCapabilities []string
}
