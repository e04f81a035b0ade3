package models

// DefaultBasePrice is assumed when a seller product carries no usable price.
const DefaultBasePrice = 20.0

// Product is seller-owned inventory. The buyer only reads it.
type Product struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Publisher            string   `json:"publisher"`
	Channel              string   `json:"channel,omitempty"`
	Format               string   `json:"format,omitempty"`
	BasePrice            float64  `json:"base_price"` // CPM before any buyer discount.
	RateType             string   `json:"rate_type,omitempty"`
	AvailableImpressions int64    `json:"available_impressions,omitempty"`
	Targeting            []string `json:"targeting,omitempty"`
}

// ProductFromMap converts a loosely typed seller payload into a Product.
// Sellers disagree on field names, so several aliases are accepted for each field.
func ProductFromMap(m map[string]any) Product {
	p := Product{
		ID:        firstString(m, "id", "productId", "product_id"),
		Name:      firstString(m, "name", "productName", "product_name"),
		Publisher: firstString(m, "publisherId", "publisher", "publisher_id"),
		Channel:   firstString(m, "channel", "deliveryType"),
		Format:    firstString(m, "format", "adFormat"),
		RateType:  firstString(m, "rateType", "rate_type"),
		BasePrice: DefaultBasePrice,
	}
	if p.ID == "" {
		p.ID = "unknown"
	}
	if p.Name == "" {
		p.Name = "Unknown Product"
	}
	if f, ok := firstNumber(m, "basePrice", "price", "base_price"); ok {
		p.BasePrice = f
	}
	if f, ok := firstNumber(m, "availableImpressions", "available_impressions"); ok {
		p.AvailableImpressions = int64(f)
	}
	for _, key := range []string{"targeting", "availableTargeting"} {
		if raw, ok := m[key].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					p.Targeting = append(p.Targeting, s)
				}
			}
			break
		}
	}
	return p
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}
