package ratelimit

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// Config holds the per-buyer bucket settings.
type Config struct {
	Capacity   int     // burst allowance
	RefillRate float64 // tokens added per second
	Enabled    bool
}

// BuyerLimiter keeps one token bucket per buyer key, created on first use.
type BuyerLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  Config
	metrics observability.MetricsRegistry
	now     func() time.Time
}

// NewBuyerLimiter returns a limiter with no buckets yet.
func NewBuyerLimiter(config Config, metrics observability.MetricsRegistry) *BuyerLimiter {
	return &BuyerLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: observability.OrNoOp(metrics),
		now:     time.Now,
	}
}

// Key identifies the bucket for a request. Identified buyers are keyed by
// their most specific ID; anonymous buyers by remote host.
func Key(id models.BuyerIdentity, remoteAddr string) string {
	switch {
	case id.AdvertiserID != "":
		return "advertiser:" + id.AdvertiserID
	case id.AgencyID != "":
		return "agency:" + id.AgencyID
	case id.SeatID != "":
		return "seat:" + id.SeatID
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "public:" + host
}

// Allow reports whether the buyer behind key may proceed. It always allows
// when limiting is disabled.
func (l *BuyerLimiter) Allow(key string, tier models.AccessTier) bool {
	if l == nil || !l.config.Enabled {
		return true
	}

	l.mu.RLock()
	bucket, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		l.mu.Lock()
		if bucket, ok = l.buckets[key]; !ok {
			bucket = newTokenBucket(l.config.Capacity, l.config.RefillRate, l.now)
			l.buckets[key] = bucket
		}
		l.mu.Unlock()
	}

	if bucket.Allow() {
		return true
	}
	// labelled by tier; buyer keys are unbounded
	l.metrics.IncrementRateLimitHits(string(tier))
	return false
}

// Stats snapshots every bucket, ordered by key.
func (l *BuyerLimiter) Stats() []Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Stats, 0, len(l.buckets))
	for key, bucket := range l.buckets {
		hits, total := bucket.Stats()
		s := Stats{Key: key, Hits: hits, Total: total}
		if total > 0 {
			s.HitRate = float64(hits) / float64(total)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats describes one buyer's bucket.
type Stats struct {
	Key     string  `json:"key"`
	Hits    int64   `json:"hits"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %d/%d limited (%.2f%%)", s.Key, s.Hits, s.Total, s.HitRate*100)
}
