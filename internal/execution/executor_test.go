package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/protocol"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSeller struct {
	orderErr  string
	failBook  map[string]bool
	lines     []protocol.LineSpec
	booked    []string
	order     protocol.OrderSpec
	orderData map[string]any
}

func ok(data any) protocol.Result {
	return protocol.Result{Success: true, Data: data, TransportUsed: protocol.TransportMCP}
}

func bad(msg string) protocol.Result {
	return protocol.Result{Error: msg, TransportUsed: protocol.TransportMCP}
}

func (s *fakeSeller) CreateOrder(ctx context.Context, o protocol.OrderSpec, via protocol.Transport) protocol.Result {
	s.order = o
	if s.orderErr != "" {
		return bad(s.orderErr)
	}
	return ok(map[string]any{"id": "ord-1", "accountId": o.AccountID})
}

func (s *fakeSeller) CreateLine(ctx context.Context, l protocol.LineSpec, via protocol.Transport) protocol.Result {
	s.lines = append(s.lines, l)
	if l.ProductID == "no-line" {
		return bad("product unavailable")
	}
	return ok(map[string]any{"lineId": fmt.Sprintf("sl-%d", len(s.lines))})
}

func (s *fakeSeller) BookLine(ctx context.Context, id string, via protocol.Transport) protocol.Result {
	if s.failBook[id] {
		return bad("inventory gone")
	}
	s.booked = append(s.booked, id)
	return ok(map[string]any{"id": id, "status": "booked"})
}

func (s *fakeSeller) GetOrder(ctx context.Context, id string, via protocol.Transport) protocol.Result {
	if s.orderData == nil {
		return bad("order not found")
	}
	return ok(s.orderData)
}

func (s *fakeSeller) ListLines(ctx context.Context, orderID string, via protocol.Transport) protocol.Result {
	return ok(map[string]any{"lines": []any{
		map[string]any{"id": "sl-1", "status": "booked"},
		map[string]any{"id": "sl-2", "status": "draft"},
	}})
}

func bookedLines(ids ...string) []models.BookedLine {
	out := make([]models.BookedLine, len(ids))
	for i, id := range ids {
		out[i] = models.NewBookedLine(models.ProductRecommendation{
			ProductID: id, ProductName: "P " + id, Impressions: 1000, Cost: 25,
		}, fixedTime)
	}
	return out
}

type statusLog struct {
	entries []string
}

func (l *statusLog) record(ctx context.Context, lineID, to, reason string) error {
	l.entries = append(l.entries, lineID+"="+to)
	return nil
}

func TestSubmitBooksEveryLine(t *testing.T) {
	seller := &fakeSeller{failBook: map[string]bool{"sl-3": true}}
	log := &statusLog{}
	e := New(seller, protocol.TransportMCP, log.record, nil)

	sub, err := e.Submit(context.Background(), Order{
		AccountID: "acct-1", Name: "Spring", StartDate: "2026-04-01", EndDate: "2026-04-30",
	}, bookedLines("p1", "no-line", "p3"))
	require.NoError(t, err)

	assert.Equal(t, "ord-1", sub.OrderID)
	assert.Equal(t, 1, sub.Booked)
	assert.Equal(t, 2, sub.Failed)
	assert.Equal(t, 75.0, seller.order.Budget)
	assert.Equal(t, "2026-04-01", seller.lines[0].StartDate)
	assert.Equal(t, int64(1000), seller.lines[0].Quantity)
	assert.Equal(t, []string{"sl-1"}, seller.booked)

	require.Len(t, sub.Lines, 3)
	assert.Equal(t, models.BookingBooked, sub.Lines[0].Status)
	assert.Equal(t, "sl-1", sub.Lines[0].SellerLineID)
	assert.Contains(t, sub.Lines[1].Error, "product unavailable")
	assert.Contains(t, sub.Lines[2].Error, "inventory gone")

	assert.Equal(t, []string{
		"line_p1=booked", "line_no-line=failed", "line_p3=failed",
	}, log.entries)
}

func TestSubmitOrderFailureAborts(t *testing.T) {
	seller := &fakeSeller{orderErr: "account suspended"}
	e := New(seller, protocol.TransportMCP, nil, nil)
	_, err := e.Submit(context.Background(), Order{AccountID: "acct-1"}, bookedLines("p1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account suspended")
	assert.Empty(t, seller.lines)

	_, err = e.Submit(context.Background(), Order{}, bookedLines("p1"))
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestOrderStatus(t *testing.T) {
	seller := &fakeSeller{orderData: map[string]any{"id": "ord-1", "accountId": "acct-1", "status": "active"}}
	e := New(seller, protocol.TransportMCP, nil, nil)

	rep, err := e.OrderStatus(context.Background(), "acct-1", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "active", rep.Order["status"])
	assert.Len(t, rep.Lines, 2)

	_, err = e.OrderStatus(context.Background(), "acct-2", "ord-1")
	assert.ErrorContains(t, err, "does not belong")

	seller.orderData = nil
	_, err = e.OrderStatus(context.Background(), "acct-1", "ord-1")
	assert.ErrorContains(t, err, "order not found")
}
