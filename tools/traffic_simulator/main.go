package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server          string
	totalReq        int
	conc            int
	duration        time.Duration
	rate            float64
	approveRate     float64
	minBudget       float64
	maxBudget       float64
	stats           bool
	flush           bool
	redisAddr       string
	debug           bool
	label           string
	seatID          string
	agencyID        string
	advertiserID    string
	surgeInterval   time.Duration
	surgeDuration   time.Duration
	surgeMultiplier float64
	jitter          float64
)

var logger *zap.Logger

var httpClient *http.Client

var (
	objectives = [][]string{
		{"brand_awareness", "reach"},
		{"conversions"},
		{"video_completion", "reach"},
		{"app_installs"},
	}
	interests = []string{"sports", "technology", "travel", "finance", "gaming", "food"}
	ages      = []string{"18-24", "25-34", "25-54", "35-54"}
	geos      = []string{"US", "CA", "UK"}
)

const statsInterval = 5 * time.Second

var (
	countSent     uint64
	countGated    uint64
	countApproved uint64
	countRejected uint64
	countErrors   uint64
)

type bookingReply struct {
	FlowID        string `json:"flow_id"`
	ApprovalToken string `json:"approval_token"`
	Status        struct {
		PendingApprovals int `json:"pending_approvals"`
	} `json:"status"`
}

func main() {
	flag.StringVar(&server, "server", "http://localhost:8788", "buyer API base URL")
	flag.IntVar(&totalReq, "requests", 100, "total briefs to submit")
	flag.IntVar(&conc, "concurrency", 5, "concurrent submissions")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "briefs per second (0 for unlimited)")
	flag.Float64Var(&approveRate, "approve-rate", 0.5, "probability of approving all recommendations of a gated flow")
	flag.Float64Var(&minBudget, "min-budget", 10000, "minimum campaign budget")
	flag.Float64Var(&maxBudget, "max-budget", 250000, "maximum campaign budget")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "delete persisted flows from redis before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.StringVar(&seatID, "seat-id", "", "DSP seat ID header")
	flag.StringVar(&agencyID, "agency-id", "", "agency ID header")
	flag.StringVar(&advertiserID, "advertiser-id", "", "advertiser ID header")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMultiplier, "surge-multiplier", 2.0, "requests multiplier during surge period")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if minBudget <= 0 || maxBudget < minBudget {
		logger.Fatal("invalid budget range", zap.Float64("min", minBudget), zap.Float64("max", maxBudget))
	}

	// bookings run research synchronously, so allow for the server's write timeout
	httpClient = &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushFlows()
	}

	identity := models.BuyerIdentity{SeatID: seatID, AgencyID: agencyID, AdvertiserID: advertiserID}
	logger.Info("starting traffic", zap.String("run", label), zap.String("tier", string(identity.AccessTier())))

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if surgeInterval > 0 && surgeDuration > 0 && surgeMultiplier > 0 {
				if time.Since(start)%surgeInterval < surgeDuration {
					effective = time.Duration(float64(effective) / surgeMultiplier)
				}
			}
			if jitter > 0 {
				rmu.Lock()
				jf := 1 + (r.Float64()*2-1)*jitter
				rmu.Unlock()
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		rmu.Lock()
		brief := randomBrief(r, i)
		approve := r.Float64() < approveRate
		rmu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)
			submit(identity, brief, approve)
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

func randomBrief(r *rand.Rand, i int) models.CampaignBrief {
	budget := minBudget + r.Float64()*(maxBudget-minBudget)
	startDay := time.Now().AddDate(0, 0, 7+r.Intn(30))
	picked := []string{interests[r.Intn(len(interests))], interests[r.Intn(len(interests))]}
	return models.CampaignBrief{
		Name:       fmt.Sprintf("%s #%d", label, i),
		Objectives: objectives[r.Intn(len(objectives))],
		Budget:     float64(int(budget)),
		StartDate:  startDay.Format("2006-01-02"),
		EndDate:    startDay.AddDate(0, 0, 14+r.Intn(30)).Format("2006-01-02"),
		TargetAudience: map[string]any{
			"demographics": map[string]any{"age": ages[r.Intn(len(ages))]},
			"interests":    picked,
			"geography":    []string{geos[r.Intn(len(geos))]},
		},
	}
}

func submit(identity models.BuyerIdentity, brief models.CampaignBrief, approve bool) {
	status, body, err := post(identity, "/api/v1/bookings", brief)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("booking request error", zap.Error(err))
		return
	}
	switch {
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		atomic.AddUint64(&countRejected, 1)
		logger.Debug("brief rejected", zap.Int("status", status), zap.String("body", strings.TrimSpace(string(body))))
		return
	case status != http.StatusCreated:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", status), zap.String("body", strings.TrimSpace(string(body))))
		return
	}

	var reply bookingReply
	if err := json.Unmarshal(body, &reply); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err))
		return
	}
	atomic.AddUint64(&countGated, 1)
	if !approve || reply.Status.PendingApprovals == 0 {
		return
	}

	status, body, err = post(identity, "/api/v1/bookings/"+reply.FlowID+"/approve", map[string]any{
		"all":   true,
		"token": reply.ApprovalToken,
	})
	if err != nil || status != http.StatusOK {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("approve failed", zap.String("flow_id", reply.FlowID), zap.Int("status", status),
			zap.String("body", strings.TrimSpace(string(body))), zap.Error(err))
		return
	}
	atomic.AddUint64(&countApproved, 1)
	logger.Debug("flow approved", zap.String("flow_id", reply.FlowID), zap.Int("lines", reply.Status.PendingApprovals))
}

func post(identity models.BuyerIdentity, path string, payload any) (int, []byte, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(blob))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range identity.Headers() {
		req.Header[k] = v
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func flushFlows() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := db.InitRedis(ctx, addr, cfg.FlowStateTTL, logger)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	keys, err := store.Client.Keys(ctx, "flow:*").Result()
	if err != nil {
		logger.Fatal("list flow keys", zap.Error(err))
	}
	keys = append(keys, "flows")
	if err := store.Client.Del(ctx, keys...).Err(); err != nil {
		logger.Fatal("delete flow keys", zap.Error(err))
	}
	logger.Info("redis flows flushed", zap.String("addr", addr), zap.Int("keys_deleted", len(keys)-1))
}

func printStats() {
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", atomic.LoadUint64(&countSent)),
		zap.Uint64("gated", atomic.LoadUint64(&countGated)),
		zap.Uint64("approved", atomic.LoadUint64(&countApproved)),
		zap.Uint64("rejected", atomic.LoadUint64(&countRejected)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)))
}
