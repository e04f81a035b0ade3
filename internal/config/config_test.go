package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STATE_BACKEND", "")
	cfg := Load()
	assert.Equal(t, "8788", cfg.Port)
	assert.Equal(t, "memory", cfg.StateBackend)
	assert.Equal(t, 2*time.Minute, cfg.ChannelResearchTimeout)
	assert.Equal(t, "mcp", cfg.DefaultTransport)
	assert.Equal(t, 512, cfg.UCPDimension)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, 5.0, cfg.RateLimitRefillRate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SELLER_BASE_URL", "http://seller:9000/")
	t.Setenv("MCP_ENDPOINT_PATH", "/tools")
	t.Setenv("SELLER_ENDPOINTS", "http://a, ,http://b")
	t.Setenv("CHANNEL_RESEARCH_TIMEOUT", "45")
	t.Setenv("BUYER_AGENCY_ID", "omnicom-456")
	t.Setenv("STATE_BACKEND", "Redis")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_CAPACITY", "3")

	cfg := Load()
	assert.Equal(t, "http://seller:9000/tools", cfg.MCPEndpoint())
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.SellerEndpoints)
	assert.Equal(t, 45*time.Second, cfg.ChannelResearchTimeout)
	assert.Equal(t, "omnicom-456", cfg.Buyer.AgencyID)
	assert.Equal(t, "redis", cfg.StateBackend)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 3, cfg.RateLimitCapacity)
}

func TestDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, WriteDotEnv(map[string]string{
		"ADBUYER_TEST_KEEP": "from-file",
		"ADBUYER_TEST_NEW":  "loaded",
	}, path))

	t.Setenv("ADBUYER_TEST_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("ADBUYER_TEST_NEW") })

	loaded, err := LoadDotEnv(filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)
	assert.Equal(t, "from-env", os.Getenv("ADBUYER_TEST_KEEP"))
	assert.Equal(t, "loaded", os.Getenv("ADBUYER_TEST_NEW"))

	loaded, err = LoadDotEnv(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
