package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string
	Env          string

	// Flow state persistence: memory, redis or postgres.
	StateBackend string
	RedisAddr    string
	FlowStateTTL time.Duration
	PostgresDSN  string
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Status event log and broker
	EventLogEnabled bool
	ClickHouseDSN   string
	CHMaxOpenConns  int
	EventBrokerURL  string
	EventQueue      string

	// Seller connectivity
	SellerBaseURL    string
	SellerEndpoints  []string
	MCPEndpointPath  string
	A2AAgentType     string
	DefaultTransport string
	ProtocolTimeout  time.Duration

	// Audience signal exchange
	UCPEndpoint  string
	UCPTimeout   time.Duration
	UCPDimension int

	// Advisory capability
	AdvisorMode            string
	AdvisorAgentType       string
	ChannelResearchTimeout time.Duration

	ApprovalSecret   string
	ApprovalTokenTTL time.Duration

	// Per-buyer limiting of deal endpoints
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate float64

	Buyer models.BuyerIdentity

	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8788")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	// bookings run research synchronously up to the approval gate
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 60*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "openadbuyer")
	cfg.Env = getenv("ENV", "development")

	cfg.StateBackend = strings.ToLower(getenv("STATE_BACKEND", "memory"))
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.FlowStateTTL = envDuration("FLOW_STATE_TTL", 72*time.Hour)
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.EventLogEnabled = envBool("EVENT_LOG_ENABLED", false)
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default")
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 10)
	cfg.EventBrokerURL = getenv("EVENT_BROKER_URL", "")
	cfg.EventQueue = getenv("EVENT_QUEUE", "adbuyer.events")

	cfg.SellerBaseURL = strings.TrimRight(getenv("SELLER_BASE_URL", "http://localhost:8000"), "/")
	cfg.SellerEndpoints = envList("SELLER_ENDPOINTS", nil)
	cfg.MCPEndpointPath = getenv("MCP_ENDPOINT_PATH", "/mcp")
	cfg.A2AAgentType = getenv("A2A_AGENT_TYPE", "buyer")
	cfg.DefaultTransport = strings.ToLower(getenv("DEFAULT_TRANSPORT", "mcp"))
	cfg.ProtocolTimeout = envDuration("PROTOCOL_TIMEOUT", 60*time.Second)

	cfg.UCPEndpoint = getenv("UCP_ENDPOINT", "")
	cfg.UCPTimeout = envDuration("UCP_TIMEOUT", 30*time.Second)
	cfg.UCPDimension = envInt("UCP_DIMENSION", 512)

	cfg.AdvisorMode = strings.ToLower(getenv("ADVISOR_MODE", "rules"))
	cfg.AdvisorAgentType = getenv("ADVISOR_AGENT_TYPE", "planner")
	cfg.ChannelResearchTimeout = envDuration("CHANNEL_RESEARCH_TIMEOUT", 2*time.Minute)

	cfg.ApprovalSecret = getenv("APPROVAL_SECRET", "")
	cfg.ApprovalTokenTTL = envDuration("APPROVAL_TOKEN_TTL", 24*time.Hour)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", false)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 20)
	cfg.RateLimitRefillRate = envFloat("RATE_LIMIT_REFILL_RATE", 5)

	cfg.Buyer = models.BuyerIdentity{
		SeatID:               getenv("BUYER_SEAT_ID", ""),
		SeatName:             getenv("BUYER_SEAT_NAME", ""),
		AgencyID:             getenv("BUYER_AGENCY_ID", ""),
		AgencyName:           getenv("BUYER_AGENCY_NAME", ""),
		AgencyHoldingCompany: getenv("BUYER_AGENCY_HOLDING_COMPANY", ""),
		AdvertiserID:         getenv("BUYER_ADVERTISER_ID", ""),
		AdvertiserName:       getenv("BUYER_ADVERTISER_NAME", ""),
		AdvertiserIndustry:   getenv("BUYER_ADVERTISER_INDUSTRY", ""),
	}

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// MCPEndpoint is the full URL of the seller's direct-call endpoint.
func (c Config) MCPEndpoint() string {
	return c.SellerBaseURL + c.MCPEndpointPath
}

// LoadDotEnv loads the first of paths that exists into the process
// environment. Variables already set are not overridden. It returns the
// path that was loaded, or "" when none existed.
func LoadDotEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return "", err
		}
		return p, nil
	}
	return "", nil
}

// WriteDotEnv writes values as a .env file at path.
func WriteDotEnv(values map[string]string, path string) error {
	return godotenv.Write(values, path)
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
