package advisor

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

var errNoJSON = errors.New("no JSON payload in advisor output")

// enclosed returns text between the first open and the last close rune.
func enclosed(text string, open, close byte) (string, bool) {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// ParseAllocations reads the JSON object embedded in text. Entries that are
// not objects are ignored; missing percentages are derived from budget.
// Zero-budget channels are kept so they can be reported as such.
func ParseAllocations(text string, budget float64) (map[string]models.ChannelAllocation, error) {
	raw, ok := enclosed(text, '{', '}')
	if !ok || !gjson.Valid(raw) {
		return nil, errNoJSON
	}
	out := map[string]models.ChannelAllocation{}
	gjson.Parse(raw).ForEach(func(key, val gjson.Result) bool {
		if !val.IsObject() {
			return true
		}
		a := models.ChannelAllocation{
			Channel:    key.String(),
			Budget:     val.Get("budget").Float(),
			Percentage: val.Get("percentage").Float(),
			Rationale:  val.Get("rationale").String(),
		}
		if !val.Get("percentage").Exists() && budget > 0 {
			a.Percentage = a.Budget / budget * 100
		}
		out[a.Channel] = a
		return true
	})
	if len(out) == 0 {
		return nil, errNoJSON
	}
	return out, nil
}

// DefaultAllocations is the fixed fallback split: branding 40%,
// performance 40%, ctv 20%, mobile_app 0%.
func DefaultAllocations(budget float64) map[string]models.ChannelAllocation {
	alloc := func(ch string, pct float64, why string) models.ChannelAllocation {
		return models.ChannelAllocation{Channel: ch, Budget: budget * pct / 100, Percentage: pct, Rationale: why}
	}
	return map[string]models.ChannelAllocation{
		"branding":    alloc("branding", 40, "Default allocation"),
		"performance": alloc("performance", 40, "Default allocation"),
		"ctv":         alloc("ctv", 20, "Default allocation"),
		"mobile_app":  alloc("mobile_app", 0, "Not allocated"),
	}
}

// ParseRecommendations reads the JSON array embedded in text. Unparsable
// output yields an empty list, never an error.
func ParseRecommendations(text, channel string) []models.ProductRecommendation {
	raw, ok := enclosed(text, '[', ']')
	if !ok || !gjson.Valid(raw) {
		return []models.ProductRecommendation{}
	}
	recs := []models.ProductRecommendation{}
	gjson.Parse(raw).ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		recs = append(recs, models.ProductRecommendation{
			ProductID:   orDefault(item.Get("product_id"), "unknown"),
			ProductName: orDefault(item.Get("product_name"), "Unknown Product"),
			Publisher:   orDefault(item.Get("publisher"), "Unknown"),
			Channel:     channel,
			Format:      item.Get("format").String(),
			Impressions: item.Get("impressions").Int(),
			CPM:         item.Get("cpm").Float(),
			Cost:        item.Get("cost").Float(),
			Priority:    int(item.Get("priority").Int()),
			Status:      models.RecommendationPending,
			Rationale:   item.Get("rationale").String(),
		})
		return true
	})
	return recs
}

func orDefault(r gjson.Result, def string) string {
	if s := r.String(); r.Exists() && s != "" {
		return s
	}
	return def
}

var productIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)product_id["\s:]+([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)Product ID["\s:]+([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)productId["\s:]+([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)id["\s:]+([a-zA-Z0-9_-]+)`),
}

// ExtractProductID finds a product id in free text, trying the most specific
// pattern first. It returns "" when nothing matches.
func ExtractProductID(text string) string {
	for _, re := range productIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
