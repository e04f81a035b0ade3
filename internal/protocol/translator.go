package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/patrickwarner/openadbuyer/internal/models"
)

// listSentences are used only when the list call carries no filters.
var listSentences = map[string]string{
	"list_products":  "List all available advertising products",
	"list_accounts":  "List all accounts",
	"list_orders":    "List all orders",
	"list_lines":     "List all line items",
	"list_creatives": "List all creatives",
}

// ToNaturalLanguage renders a tool call as the sentence sent over the
// conversational transport. The mapping is fixed per tool name so the same
// call always produces the same text.
func ToNaturalLanguage(name string, args map[string]any) string {
	if s, ok := listSentences[name]; ok && len(args) == 0 {
		return s
	}

	switch name {
	case "create_account":
		typ, _ := args["type"].(string)
		if typ == "" {
			typ = "advertiser"
		}
		return fmt.Sprintf("Create an account named '%s' of type %s", argString(args, "name"), typ)
	case "create_order":
		return fmt.Sprintf("Create an order named '%s' for account %s with budget $%s",
			argString(args, "name"), argString(args, "accountId"), models.FormatMoney(argFloat(args, "budget")))
	case "create_line":
		return fmt.Sprintf("Create a line item named '%s' for order %s using product %s with %s impressions",
			argString(args, "name"), argString(args, "orderId"), argString(args, "productId"),
			models.FormatCount(int64(argFloat(args, "quantity"))))
	case "get_product":
		return "Get product with ID " + argString(args, "id")
	case "get_account":
		return "Get account with ID " + argString(args, "id")
	case "get_order":
		return "Get order with ID " + argString(args, "id")
	case "book_line":
		return "Book line item " + argString(args, "id")
	}

	if len(args) == 0 {
		return "Execute " + name
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + render(args[k])
	}
	return fmt.Sprintf("Execute %s with %s", name, strings.Join(pairs, ", "))
}

func render(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case map[string]any, []any, []string:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return "None"
	}
	return render(v)
}

func argFloat(args map[string]any, key string) float64 {
	switch x := args[key].(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
