// Package execution submits approved bookings to a seller: one order per
// campaign, one seller line per booked line, then a book call per line.
package execution

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

// Seller is the slice of the protocol client used for submission.
type Seller interface {
	CreateOrder(ctx context.Context, o protocol.OrderSpec, via protocol.Transport) protocol.Result
	CreateLine(ctx context.Context, l protocol.LineSpec, via protocol.Transport) protocol.Result
	BookLine(ctx context.Context, id string, via protocol.Transport) protocol.Result
	GetOrder(ctx context.Context, id string, via protocol.Transport) protocol.Result
	ListLines(ctx context.Context, orderID string, via protocol.Transport) protocol.Result
}

// StatusRecorder appends a status change for a booked line. BookingFlow's
// RecordLineStatus satisfies it.
type StatusRecorder func(ctx context.Context, lineID, to, reason string) error

// Order describes the seller order created for a campaign.
type Order struct {
	AccountID string
	Name      string
	StartDate string
	EndDate   string
}

// LineResult is the outcome for one booked line.
type LineResult struct {
	LineID       string `json:"line_id"`
	ProductID    string `json:"product_id"`
	SellerLineID string `json:"seller_line_id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Submission is the result of Submit.
type Submission struct {
	OrderID string       `json:"order_id"`
	Lines   []LineResult `json:"lines"`
	Booked  int          `json:"booked"`
	Failed  int          `json:"failed"`
}

// ErrNoAccount is returned when Submit is called without a seller account.
var ErrNoAccount = errors.New("seller account id is required")

// Executor submits bookings.
type Executor struct {
	seller Seller
	via    protocol.Transport
	record StatusRecorder
	logger *zap.Logger
}

// New returns an executor. record may be nil.
func New(seller Seller, via protocol.Transport, record StatusRecorder, logger *zap.Logger) *Executor {
	return &Executor{seller: seller, via: via, record: record, logger: observability.OrNop(logger)}
}

// Submit creates the order, then creates and books each line. Failing to
// create the order aborts; per-line failures are recorded and submission
// continues with the next line.
func (e *Executor) Submit(ctx context.Context, order Order, lines []models.BookedLine) (Submission, error) {
	if order.AccountID == "" {
		return Submission{}, ErrNoAccount
	}
	ctx, span := observability.GetTracer("execution").Start(ctx, "execution.submit")
	span.SetAttributes(attribute.Int("lines", len(lines)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var budget float64
	for _, l := range lines {
		budget += l.Cost
	}
	res := e.seller.CreateOrder(ctx, protocol.OrderSpec{
		AccountID: order.AccountID,
		Name:      order.Name,
		Budget:    budget,
		StartDate: order.StartDate,
		EndDate:   order.EndDate,
	}, e.via)
	if !res.Success {
		err = fmt.Errorf("create order: %s", res.Error)
		return Submission{}, err
	}
	orderID := idOf(res, "id", "orderId", "order_id")
	if orderID == "" {
		err = errors.New("create order: seller returned no order id")
		return Submission{}, err
	}

	sub := Submission{OrderID: orderID, Lines: make([]LineResult, 0, len(lines))}
	for _, l := range lines {
		lr := e.submitLine(ctx, orderID, order, l)
		if lr.Status == models.BookingBooked {
			sub.Booked++
		} else {
			sub.Failed++
		}
		sub.Lines = append(sub.Lines, lr)
	}
	e.logger.Info("bookings submitted",
		zap.String("order_id", orderID),
		zap.Int("booked", sub.Booked),
		zap.Int("failed", sub.Failed))
	return sub, nil
}

func (e *Executor) submitLine(ctx context.Context, orderID string, order Order, l models.BookedLine) LineResult {
	lr := LineResult{LineID: l.LineID, ProductID: l.ProductID}
	fail := func(msg string) LineResult {
		lr.Status = models.BookingFailed
		lr.Error = msg
		e.logger.Warn("line submission failed", zap.String("line_id", l.LineID), zap.String("error", msg))
		e.recordStatus(ctx, l.LineID, models.BookingFailed, msg)
		return lr
	}

	res := e.seller.CreateLine(ctx, protocol.LineSpec{
		OrderID:   orderID,
		ProductID: l.ProductID,
		Name:      l.ProductName,
		Quantity:  l.Impressions,
		StartDate: order.StartDate,
		EndDate:   order.EndDate,
	}, e.via)
	if !res.Success {
		return fail("create line: " + res.Error)
	}
	lr.SellerLineID = idOf(res, "id", "lineId", "line_id")
	if lr.SellerLineID == "" {
		return fail("create line: seller returned no line id")
	}

	if res := e.seller.BookLine(ctx, lr.SellerLineID, e.via); !res.Success {
		return fail("book line: " + res.Error)
	}
	lr.Status = models.BookingBooked
	e.recordStatus(ctx, l.LineID, models.BookingBooked, fmt.Sprintf("order %s line %s", orderID, lr.SellerLineID))
	return lr
}

func (e *Executor) recordStatus(ctx context.Context, lineID, to, reason string) {
	if e.record == nil {
		return
	}
	if err := e.record(ctx, lineID, to, reason); err != nil {
		e.logger.Warn("failed to record line status", zap.String("line_id", lineID), zap.Error(err))
	}
}

// OrderReport is a seller order and its lines.
type OrderReport struct {
	Order map[string]any   `json:"order"`
	Lines []map[string]any `json:"lines"`
}

// OrderStatus fetches an order and its lines. When the order names an
// account, it must match accountID.
func (e *Executor) OrderStatus(ctx context.Context, accountID, orderID string) (OrderReport, error) {
	res := e.seller.GetOrder(ctx, orderID, e.via)
	if !res.Success {
		return OrderReport{}, fmt.Errorf("get order %s: %s", orderID, res.Error)
	}
	order := res.Map()
	if order == nil {
		return OrderReport{}, fmt.Errorf("get order %s: unexpected response", orderID)
	}
	if owner := idOf(res, "accountId", "account_id"); accountID != "" && owner != "" && owner != accountID {
		return OrderReport{}, fmt.Errorf("order %s does not belong to account %s", orderID, accountID)
	}

	lines := e.seller.ListLines(ctx, orderID, e.via)
	if !lines.Success {
		return OrderReport{}, fmt.Errorf("list lines for %s: %s", orderID, lines.Error)
	}
	return OrderReport{Order: order, Lines: lines.Items("lines", "items", "results")}, nil
}

// idOf reads the first non-empty id field from a result object.
func idOf(res protocol.Result, keys ...string) string {
	m := res.Map()
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
