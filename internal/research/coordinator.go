// Package research fans channel briefs out to the advisory capability, one
// goroutine per channel, and reports each channel's outcome as it finishes.
package research

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/advisor"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// DefaultTimeout bounds one channel's research when none is configured.
const DefaultTimeout = 2 * time.Minute

// Outcome is what a research unit reports for its channel.
type Outcome struct {
	Channel         string
	Status          models.ChannelStatus
	Recommendations []models.ProductRecommendation
	Error           string
	Duration        time.Duration
}

// Coordinator runs channel research concurrently.
type Coordinator struct {
	advisor advisor.Advisor
	timeout time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewCoordinator creates a coordinator. A non-positive timeout means DefaultTimeout.
func NewCoordinator(adv advisor.Advisor, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		advisor: adv,
		timeout: timeout,
		logger:  observability.OrNop(logger),
		metrics: observability.OrNoOp(metrics),
	}
}

// Run researches every brief concurrently and calls report exactly once per
// brief, from the unit's goroutine, as soon as that channel finishes. It
// returns when all units have reported. report must be safe for concurrent use.
func (c *Coordinator) Run(ctx context.Context, briefs []models.ChannelBrief, report func(Outcome)) {
	var wg sync.WaitGroup
	for _, b := range briefs {
		wg.Add(1)
		go func(b models.ChannelBrief) {
			defer wg.Done()
			report(c.research(ctx, b))
		}(b)
	}
	wg.Wait()
}

type unitResult struct {
	text string
	err  error
}

func (c *Coordinator) research(ctx context.Context, brief models.ChannelBrief) Outcome {
	start := time.Now()
	out := Outcome{Channel: brief.Channel}
	defer func() {
		out.Duration = time.Since(start)
		c.metrics.IncrementChannelResearch(brief.Channel, string(out.Status))
		c.metrics.RecordChannelResearchLatency(brief.Channel, out.Duration)
	}()

	if brief.Budget <= 0 {
		out.Status = models.ChannelNoBudget
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.GetTracer("research").Start(ctx, "research.channel")
	span.SetAttributes(
		attribute.String("channel", brief.Channel),
		attribute.Float64("budget", brief.Budget),
	)

	done := make(chan unitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		text, err := c.advisor.Research(ctx, brief)
		done <- unitResult{text: text, err: err}
	}()

	var res unitResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("timed out after %s: %w", c.timeout, ctx.Err())
	}

	if res.err != nil {
		err := &models.AdvisoryFailure{Stage: "research", Err: res.err}
		observability.EndSpan(span, err)
		c.logger.Warn("channel research failed", zap.String("channel", brief.Channel), zap.Error(err))
		out.Status = models.ChannelFailed
		out.Error = err.Error()
		return out
	}
	observability.EndSpan(span, nil)

	out.Status = models.ChannelSuccess
	out.Recommendations = advisor.ParseRecommendations(res.text, brief.Channel)
	c.logger.Info("channel research complete",
		zap.String("channel", brief.Channel),
		zap.Int("recommendations", len(out.Recommendations)))
	return out
}
