package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

func TestBuyerIdentityAndTierLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	var got models.BuyerIdentity
	h := WithBuyerIdentity(WithTraceLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		got, ok = IdentityFromContext(r.Context())
		require.True(t, ok)
		LoggerFromRequest(r, base).Info("handled")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(models.HeaderSeatID, "ttd-1")
	req.Header.Set(models.HeaderAgencyID, "omnicom")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "omnicom", got.AgencyID)
	assert.Equal(t, models.TierAgency, got.AccessTier())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "agency", logs.All()[0].ContextMap()["tier"])
}

func TestLoggerFromContextFallback(t *testing.T) {
	base := zap.NewNop()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Same(t, base, LoggerFromRequest(req, base))

	_, ok := IdentityFromContext(req.Context())
	assert.False(t, ok)
}
