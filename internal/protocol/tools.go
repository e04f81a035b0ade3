package protocol

import "context"

// Seller tool names.
const (
	ToolListProducts     = "list_products"
	ToolGetProduct       = "get_product"
	ToolSearchProducts   = "search_products"
	ToolListAccounts     = "list_accounts"
	ToolCreateAccount    = "create_account"
	ToolGetAccount       = "get_account"
	ToolListOrders       = "list_orders"
	ToolCreateOrder      = "create_order"
	ToolGetOrder         = "get_order"
	ToolListLines        = "list_lines"
	ToolCreateLine       = "create_line"
	ToolGetLine          = "get_line"
	ToolBookLine         = "book_line"
	ToolListCreatives    = "list_creatives"
	ToolCreateCreative   = "create_creative"
	ToolCreateAssignment = "create_assignment"
)

func (c *Client) ListProducts(ctx context.Context, via Transport) Result {
	return c.CallTool(ctx, ToolListProducts, nil, via)
}

func (c *Client) GetProduct(ctx context.Context, id string, via Transport) Result {
	return c.CallTool(ctx, ToolGetProduct, map[string]any{"id": id}, via)
}

// SearchProducts omits empty query and filters from the call.
func (c *Client) SearchProducts(ctx context.Context, query string, filters map[string]any, via Transport) Result {
	args := map[string]any{}
	if query != "" {
		args["query"] = query
	}
	if len(filters) > 0 {
		args["filters"] = filters
	}
	return c.CallTool(ctx, ToolSearchProducts, args, via)
}

func (c *Client) ListAccounts(ctx context.Context, via Transport) Result {
	return c.CallTool(ctx, ToolListAccounts, nil, via)
}

// CreateAccount defaults type to advertiser; new accounts are active.
func (c *Client) CreateAccount(ctx context.Context, name, accountType string, via Transport) Result {
	if accountType == "" {
		accountType = "advertiser"
	}
	return c.CallTool(ctx, ToolCreateAccount, map[string]any{
		"name":   name,
		"type":   accountType,
		"status": "active",
	}, via)
}

func (c *Client) GetAccount(ctx context.Context, id string, via Transport) Result {
	return c.CallTool(ctx, ToolGetAccount, map[string]any{"id": id}, via)
}

func (c *Client) ListOrders(ctx context.Context, accountID string, via Transport) Result {
	var args map[string]any
	if accountID != "" {
		args = map[string]any{"accountId": accountID}
	}
	return c.CallTool(ctx, ToolListOrders, args, via)
}

// OrderSpec is the input to CreateOrder.
type OrderSpec struct {
	AccountID string
	Name      string
	Budget    float64
	StartDate string
	EndDate   string
}

func (c *Client) CreateOrder(ctx context.Context, o OrderSpec, via Transport) Result {
	args := map[string]any{
		"accountId": o.AccountID,
		"name":      o.Name,
		"budget":    o.Budget,
	}
	withDates(args, o.StartDate, o.EndDate)
	return c.CallTool(ctx, ToolCreateOrder, args, via)
}

func (c *Client) GetOrder(ctx context.Context, id string, via Transport) Result {
	return c.CallTool(ctx, ToolGetOrder, map[string]any{"id": id}, via)
}

func (c *Client) ListLines(ctx context.Context, orderID string, via Transport) Result {
	var args map[string]any
	if orderID != "" {
		args = map[string]any{"orderId": orderID}
	}
	return c.CallTool(ctx, ToolListLines, args, via)
}

// LineSpec is the input to CreateLine.
type LineSpec struct {
	OrderID   string
	ProductID string
	Name      string
	Quantity  int64
	StartDate string
	EndDate   string
}

func (c *Client) CreateLine(ctx context.Context, l LineSpec, via Transport) Result {
	args := map[string]any{
		"orderId":   l.OrderID,
		"productId": l.ProductID,
		"name":      l.Name,
		"quantity":  l.Quantity,
	}
	withDates(args, l.StartDate, l.EndDate)
	return c.CallTool(ctx, ToolCreateLine, args, via)
}

func (c *Client) GetLine(ctx context.Context, id string, via Transport) Result {
	return c.CallTool(ctx, ToolGetLine, map[string]any{"id": id}, via)
}

func (c *Client) BookLine(ctx context.Context, id string, via Transport) Result {
	return c.CallTool(ctx, ToolBookLine, map[string]any{"id": id}, via)
}

func (c *Client) ListCreatives(ctx context.Context, via Transport) Result {
	return c.CallTool(ctx, ToolListCreatives, nil, via)
}

// CreateCreative sends url and content only when set.
func (c *Client) CreateCreative(ctx context.Context, name, creativeType, url, content string, via Transport) Result {
	args := map[string]any{"name": name, "type": creativeType}
	if url != "" {
		args["url"] = url
	}
	if content != "" {
		args["content"] = content
	}
	return c.CallTool(ctx, ToolCreateCreative, args, via)
}

func (c *Client) CreateAssignment(ctx context.Context, lineID, creativeID string, via Transport) Result {
	return c.CallTool(ctx, ToolCreateAssignment, map[string]any{
		"lineId":     lineID,
		"creativeId": creativeID,
	}, via)
}

func withDates(args map[string]any, start, end string) {
	if start != "" {
		args["startDate"] = start
	}
	if end != "" {
		args["endDate"] = end
	}
}
