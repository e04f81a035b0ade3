// Package audience turns a campaign's target audience into an AudiencePlan:
// the signal types it needs, per-channel coverage estimates and known gaps.
package audience

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

// Base coverage by channel before targeting penalties.
var baseCoverage = map[string]float64{
	"branding":    0.85,
	"ctv":         0.65,
	"mobile_app":  0.70,
	"performance": 0.80,
}

const (
	demographicPenalty = 0.10
	behaviorPenalty    = 0.20
	interestPenalty    = 0.05
	coverageFloor      = 0.10

	lowCoveragePct = 40.0
)

// Keys read from a target audience, grouped by the signal they need.
var (
	demographicKeys = []string{"demographics", "age", "gender", "income", "household_income", "education"}
	interestKeys    = []string{"interests", "content_categories", "contextual"}
	behaviorKeys    = []string{"behaviors", "intent", "purchase_intent"}
	incomeKeys      = []string{"income", "household_income"}
)

// Planner builds audience plans. It holds no state.
type Planner struct{}

// NewPlanner returns a Planner.
func NewPlanner() *Planner { return &Planner{} }

// Plan returns nil for an empty audience. Values of an unexpected shape
// under a known key are an error; callers treat that as non-fatal.
func (p *Planner) Plan(target map[string]any) (*models.AudiencePlan, error) {
	if len(target) == 0 {
		return nil, nil
	}

	demo, err := collectDemographics(target)
	if err != nil {
		return nil, err
	}
	interests, err := collectStrings(target, interestKeys)
	if err != nil {
		return nil, err
	}
	behaviors, err := collectStrings(target, behaviorKeys)
	if err != nil {
		return nil, err
	}

	plan := &models.AudiencePlan{
		RequiredSignals:   []string{},
		Demographics:      demo,
		Interests:         interests,
		Behaviors:         behaviors,
		CoverageEstimates: map[string]float64{},
	}
	if len(demo) > 0 {
		plan.RequiredSignals = append(plan.RequiredSignals, string(ucp.SignalIdentity))
	}
	if len(interests) > 0 {
		plan.RequiredSignals = append(plan.RequiredSignals, string(ucp.SignalContextual))
	}
	if len(behaviors) > 0 {
		plan.RequiredSignals = append(plan.RequiredSignals, string(ucp.SignalReinforcement))
	}

	penalty := decimal.Zero
	if len(demo) > 0 {
		penalty = penalty.Add(decimal.NewFromFloat(demographicPenalty))
	}
	if len(behaviors) > 0 {
		penalty = penalty.Add(decimal.NewFromFloat(behaviorPenalty))
	}
	if len(interests) > 0 {
		penalty = penalty.Add(decimal.NewFromFloat(interestPenalty))
	}
	floor := decimal.NewFromFloat(coverageFloor)
	hundred := decimal.NewFromInt(100)
	for ch, base := range baseCoverage {
		c := decimal.NewFromFloat(base).Sub(penalty)
		if c.LessThan(floor) {
			c = floor
		}
		plan.CoverageEstimates[ch] = c.Mul(hundred).InexactFloat64()
	}

	if len(behaviors) > 0 {
		plan.Gaps = append(plan.Gaps, "Behavioral targeting has limited coverage (35-45%)")
	}
	if hasAny(demo, incomeKeys) || hasAny(target, incomeKeys) {
		plan.Gaps = append(plan.Gaps, "Income demographics have limited coverage (50-60%)")
	}
	for _, ch := range models.OrderedChannels(plan.CoverageEstimates) {
		if cov := plan.CoverageEstimates[ch]; cov < lowCoveragePct {
			plan.Gaps = append(plan.Gaps, fmt.Sprintf("%s coverage below 40%% (%.0f%%)", ch, cov))
		}
	}
	return plan, nil
}

// collectDemographics merges a nested "demographics" object with flat
// demographic keys such as "age".
func collectDemographics(target map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for _, k := range demographicKeys {
		v, ok := target[k]
		if !ok || v == nil {
			continue
		}
		if k == "demographics" {
			switch d := v.(type) {
			case map[string]any:
				for dk, dv := range d {
					out[dk] = dv
				}
			case []any:
				for i, dv := range d {
					out[fmt.Sprintf("segment_%d", i)] = dv
				}
			case string:
				out["segment"] = d
			default:
				return nil, fmt.Errorf("demographics: unsupported value %T", v)
			}
			continue
		}
		out[k] = v
	}
	return out, nil
}

// collectStrings flattens string or list values under keys, deduplicated and sorted.
func collectStrings(target map[string]any, keys []string) ([]string, error) {
	seen := map[string]bool{}
	for _, k := range keys {
		v, ok := target[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if x != "" {
				seen[x] = true
			}
		case []any:
			for _, item := range x {
				seen[fmt.Sprint(item)] = true
			}
		case []string:
			for _, item := range x {
				seen[item] = true
			}
		case map[string]any:
			for item := range x {
				seen[item] = true
			}
		default:
			return nil, fmt.Errorf("%s: unsupported value %T", k, v)
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func hasAny(m map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
