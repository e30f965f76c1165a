package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/tradecore/internal/domain"
)

// recordingSink captures every callback the gateway fires, in order.
type recordingSink struct {
	orders    []*domain.Order
	trades    []*domain.Trade
	positions []*domain.Position
}

func (s *recordingSink) OnOrder(o *domain.Order) {
	copied := *o
	s.orders = append(s.orders, &copied)
}
func (s *recordingSink) OnTrade(t *domain.Trade)       { s.trades = append(s.trades, t) }
func (s *recordingSink) OnPosition(p *domain.Position) { s.positions = append(s.positions, p) }

func (s *recordingSink) lastOrder() *domain.Order {
	if len(s.orders) == 0 {
		return nil
	}
	return s.orders[len(s.orders)-1]
}

func testBar(t time.Time, o, h, l, c float64) *domain.Bar {
	return &domain.Bar{
		Symbol:   "MHI2507",
		Exchange: domain.ExchangeHKFE,
		Interval: domain.Interval1Min,
		Datetime: t,
		Open:     decimal.NewFromFloat(o),
		High:     decimal.NewFromFloat(h),
		Low:      decimal.NewFromFloat(l),
		Close:    decimal.NewFromFloat(c),
	}
}

// TestStopLimitTriggeredIntrabarFillsAtLimitPrice: a STP_LMT whose trigger
// fires on a bar fills at its limit price on that same bar, even when the
// bar's open had already gapped through the limit — the order did not exist
// in the active book at the open.
func TestStopLimitTriggeredIntrabarFillsAtLimitPrice(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeStpLmt, Volume: decimal.NewFromInt(1),
		TriggerPrice: decimal.NewFromInt(3550), Price: decimal.NewFromInt(3560),
	})
	if got := sink.lastOrder(); got.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING ack for a stop order, got %s", got.Status)
	}

	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3540, 3560, 3530, 3555))

	filled := sink.lastOrder()
	if filled.Status != domain.OrderStatusAllTraded {
		t.Fatalf("expected the activated stop-limit to fill, got %s", filled.Status)
	}
	if !filled.AvgFillPrice.Equal(decimal.NewFromInt(3560)) {
		t.Fatalf("expected intrabar fill at the limit price 3560, got %s", filled.AvgFillPrice)
	}
	if len(sink.trades) != 1 || !sink.trades[0].Price.Equal(decimal.NewFromInt(3560)) {
		t.Fatalf("expected one trade at 3560, got %+v", sink.trades)
	}
}

// TestRestingLimitGapThroughFillsAtOpen: a resting LONG limit whose price
// the next bar opens below fills at the bar's open, not at the limit.
func TestRestingLimitGapThroughFillsAtOpen(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeLimit, Volume: decimal.NewFromInt(1), Price: decimal.NewFromInt(3500),
	})

	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3490, 3510, 3480, 3505))

	filled := sink.lastOrder()
	if filled.Status != domain.OrderStatusAllTraded {
		t.Fatalf("expected fill, got %s", filled.Status)
	}
	if !filled.AvgFillPrice.Equal(decimal.NewFromInt(3490)) {
		t.Fatalf("expected gap-through fill at the open 3490, got %s", filled.AvgFillPrice)
	}
}

// TestStopNotTriggeredStaysInactive: a stop whose trigger the bar never
// reaches stays in the inactive book untouched.
func TestStopNotTriggeredStaysInactive(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeStpMkt, Volume: decimal.NewFromInt(1), TriggerPrice: decimal.NewFromInt(4000),
	})
	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3500, 3520, 3490, 3510))

	if len(sink.trades) != 0 {
		t.Fatalf("expected no trades while trigger unreached, got %d", len(sink.trades))
	}
	open := g.OpenOrders()
	if len(open) != 1 || open[0].Status != domain.OrderStatusPending {
		t.Fatalf("expected the stop to remain pending in a book, got %+v", open)
	}
}

// TestMarketOrderFillsAtOpen covers MARKET's fill rule for a LONG: the fill
// is the worse of the trigger price and the bar open, which for a plain
// market order (zero trigger) means the open.
func TestMarketOrderFillsAtOpen(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeMarket, Volume: decimal.NewFromInt(2),
	})
	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3500, 3520, 3490, 3510))

	if len(sink.trades) != 1 || !sink.trades[0].Price.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("expected a market fill at the open 3500, got %+v", sink.trades)
	}
	if len(sink.positions) != 1 || !sink.positions[0].Volume.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected a position event for the full volume, got %+v", sink.positions)
	}
}

// TestAbsoluteLimitRequiresPriceInRange: ABS_LMT fills only when the bar's
// range brackets its price exactly, always at that price.
func TestAbsoluteLimitRequiresPriceInRange(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionShort,
		Type: domain.OrderTypeAbsLmt, Volume: decimal.NewFromInt(1), Price: decimal.NewFromInt(3470),
	})

	// 3470 below the bar's low: no fill.
	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3500, 3520, 3480, 3510))
	if len(sink.trades) != 0 {
		t.Fatal("expected no fill while price is outside the bar range")
	}

	// Next bar trades through 3470.
	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 1, 0, 0, time.UTC), 3480, 3490, 3460, 3465))
	if len(sink.trades) != 1 || !sink.trades[0].Price.Equal(decimal.NewFromInt(3470)) {
		t.Fatalf("expected an absolute fill at 3470, got %+v", sink.trades)
	}
}

func TestCancelRemovesFromEitherBook(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	limitID := g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeLimit, Volume: decimal.NewFromInt(1), Price: decimal.NewFromInt(3400),
	})
	stopID := g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeStpMkt, Volume: decimal.NewFromInt(1), TriggerPrice: decimal.NewFromInt(3600),
	})

	g.CancelOrder(&domain.CancelRequest{OrderID: limitID, Symbol: "MHI2507", Exchange: domain.ExchangeHKFE})
	g.CancelOrder(&domain.CancelRequest{OrderID: stopID, Symbol: "MHI2507", Exchange: domain.ExchangeHKFE})

	if len(g.OpenOrders()) != 0 {
		t.Fatalf("expected both books empty after cancels, got %d open", len(g.OpenOrders()))
	}
	for _, o := range sink.orders[len(sink.orders)-2:] {
		if o.Status != domain.OrderStatusAllCancelled {
			t.Fatalf("expected ALLCANCELLED events for both cancels, got %s", o.Status)
		}
	}
}

func TestModifyRejections(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	id := g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeLimit, Volume: decimal.NewFromInt(2), Price: decimal.NewFromInt(3400),
	})

	t.Run("unknown order", func(t *testing.T) {
		g.ModifyOrder(&domain.ModifyRequest{OrderID: "nope", Symbol: "MHI2507", Volume: decimal.NewFromInt(1)})
		if got := sink.lastOrder(); got.Status != domain.OrderStatusRejected {
			t.Fatalf("expected REJECTED for unknown order, got %s", got.Status)
		}
	})

	t.Run("filled order", func(t *testing.T) {
		// Fill the order completely, then try to amend it; a filled order
		// is terminal, so the modify is rejected.
		g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3390, 3410, 3380, 3400))
		g.ModifyOrder(&domain.ModifyRequest{OrderID: id, Symbol: "MHI2507", Volume: decimal.NewFromInt(1)})
		if got := sink.lastOrder(); got.Status != domain.OrderStatusRejected {
			t.Fatalf("expected REJECTED once the order is terminal, got %s", got.Status)
		}
	})
}

func TestModifyUpdatesRestingOrder(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	id := g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeStpLmt, Volume: decimal.NewFromInt(1),
		TriggerPrice: decimal.NewFromInt(3600), Price: decimal.NewFromInt(3610),
	})

	g.ModifyOrder(&domain.ModifyRequest{
		OrderID: id, Symbol: "MHI2507", Exchange: domain.ExchangeHKFE,
		Volume: decimal.NewFromInt(2), Price: decimal.NewFromInt(3620), TriggerPrice: decimal.NewFromInt(3605),
	})

	got := sink.lastOrder()
	if got.Status != domain.OrderStatusModified {
		t.Fatalf("expected MODIFIED, got %s", got.Status)
	}
	if !got.Price.Equal(decimal.NewFromInt(3620)) || !got.Volume.Equal(decimal.NewFromInt(2)) || !got.TriggerPrice.Equal(decimal.NewFromInt(3605)) {
		t.Fatalf("expected the amended price/volume/trigger, got %+v", got)
	}
}

// TestMatchingFollowsInsertionOrder: two orders that both resolve on the
// same bar fill in the order they were filed.
func TestMatchingFollowsInsertionOrder(t *testing.T) {
	sink := &recordingSink{}
	g := NewGateway("BACKTEST", sink)

	first := g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeLimit, Volume: decimal.NewFromInt(1), Price: decimal.NewFromInt(3505),
	})
	second := g.SendOrder(&domain.OrderRequest{
		Symbol: "MHI2507", Exchange: domain.ExchangeHKFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeLimit, Volume: decimal.NewFromInt(1), Price: decimal.NewFromInt(3505),
	})

	g.OnBar(testBar(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), 3510, 3520, 3500, 3515))

	if len(sink.trades) != 2 {
		t.Fatalf("expected both orders to fill, got %d trades", len(sink.trades))
	}
	if sink.trades[0].OrderID != first || sink.trades[1].OrderID != second {
		t.Fatalf("expected fills in insertion order %s,%s, got %s,%s",
			first, second, sink.trades[0].OrderID, sink.trades[1].OrderID)
	}
}
