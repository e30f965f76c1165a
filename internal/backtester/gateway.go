// Package backtester implements the simulated matching gateway (order book
// + stop activation + fill rules), the accounting engine that turns trades
// into position/margin/P&L updates, and the driver loop that feeds a bar
// series through both and computes performance statistics.
package backtester

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-quant/tradecore/internal/domain"
)

// Sink receives the order/trade/position callbacks the Gateway produces.
// Engine implements this, forwarding to the accounting engine and
// publishing onward to the event bus.
type Sink interface {
	OnOrder(*domain.Order)
	OnTrade(*domain.Trade)
	OnPosition(*domain.Position)
}

// orderBook is a per-symbol order set that preserves insertion order. A
// plain map[string]*domain.Order would randomize iteration order across
// runs, making stop activation and matching within a bar non-reproducible
// whenever two orders on the same symbol both resolve in the same bar.
// orderBook keeps an explicit id slice so OnBar's loops always walk
// orders in the order they were filed; ties within a bar resolve to
// whichever order arrived first.
type orderBook struct {
	byID map[string]*domain.Order
	ids  []string
}

func newOrderBook() *orderBook {
	return &orderBook{byID: make(map[string]*domain.Order)}
}

func (b *orderBook) add(order *domain.Order) {
	if _, exists := b.byID[order.OrderID]; !exists {
		b.ids = append(b.ids, order.OrderID)
	}
	b.byID[order.OrderID] = order
}

func (b *orderBook) get(oid string) (*domain.Order, bool) {
	o, ok := b.byID[oid]
	return o, ok
}

func (b *orderBook) remove(oid string) {
	if _, ok := b.byID[oid]; !ok {
		return
	}
	delete(b.byID, oid)
	for i, id := range b.ids {
		if id == oid {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
}

// ordered returns the book's orders in insertion order. Safe to iterate
// even while the caller removes entries from the underlying book via
// remove, since it operates on a snapshot of the id slice.
func (b *orderBook) ordered() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.ids))
	for _, oid := range b.ids {
		out = append(out, b.byID[oid])
	}
	return out
}

// Gateway is the simulated exchange: it turns OrderRequests into tracked
// Orders, holds two per-symbol books (active, inactive-awaiting-trigger),
// and matches the active book against each incoming bar. It performs no
// funds accounting itself — that's the accounting engine's job.
type Gateway struct {
	gatewayName string
	sink        Sink

	activeOrders   map[string]*orderBook // symbol -> book
	inactiveOrders map[string]*orderBook

	currentTime time.Time
}

// NewGateway constructs a backtest matching gateway.
func NewGateway(gatewayName string, sink Sink) *Gateway {
	return &Gateway{
		gatewayName:    gatewayName,
		sink:           sink,
		activeOrders:   make(map[string]*orderBook),
		inactiveOrders: make(map[string]*orderBook),
	}
}

// SendOrder accepts an OrderRequest and files the resulting Order into the
// active book (LIMIT/MARKET) or the inactive, awaiting-trigger book
// (STP_LMT/STP_MKT).
func (g *Gateway) SendOrder(req *domain.OrderRequest) string {
	orderID := uuid.New().String()[:8]
	order := req.CreateOrderData(orderID, g.gatewayName)
	order.Datetime = g.currentTime

	symbol := order.Symbol
	g.ensureBooks(symbol)

	switch order.Type {
	case domain.OrderTypeLimit, domain.OrderTypeMarket, domain.OrderTypeAbsLmt, domain.OrderTypeFAK, domain.OrderTypeFOK:
		order.Status = domain.OrderStatusSubmitting
		g.activeOrders[symbol].add(order)
	case domain.OrderTypeStpLmt, domain.OrderTypeStpMkt:
		order.Status = domain.OrderStatusPending
		g.inactiveOrders[symbol].add(order)
	default:
		order.Status = domain.OrderStatusSubmitting
		g.activeOrders[symbol].add(order)
	}

	g.sink.OnOrder(order)
	return orderID
}

func (g *Gateway) ensureBooks(symbol string) {
	if _, ok := g.activeOrders[symbol]; !ok {
		g.activeOrders[symbol] = newOrderBook()
	}
	if _, ok := g.inactiveOrders[symbol]; !ok {
		g.inactiveOrders[symbol] = newOrderBook()
	}
}

// CancelOrder removes an order from whichever book holds it; if found and
// not already terminal, marks it ALLCANCELLED and notifies the sink.
func (g *Gateway) CancelOrder(req *domain.CancelRequest) {
	symbol := req.Symbol
	oid := req.OrderID

	var order *domain.Order
	if active, ok := g.activeOrders[symbol]; ok {
		if o, ok := active.get(oid); ok {
			order = o
			active.remove(oid)
		}
	}
	if order == nil {
		if inactive, ok := g.inactiveOrders[symbol]; ok {
			if o, ok := inactive.get(oid); ok {
				order = o
				inactive.remove(oid)
			}
		}
	}

	if order == nil {
		return
	}
	if order.Status != domain.OrderStatusAllTraded && order.Status != domain.OrderStatusAllCancelled {
		order.Status = domain.OrderStatusAllCancelled
		order.Datetime = g.currentTime
		g.sink.OnOrder(order)
	}
}

// ModifyOrder locates the order by symbol; rejects (emitting a synthetic
// REJECTED clone) when not found, terminal, or the new quantity undercuts
// what's already traded. Otherwise updates price/volume/trigger and marks
// MODIFIED. TriggeredBar survives a modify: amending the limit price of a
// stop that already fired does not re-arm its trigger.
func (g *Gateway) ModifyOrder(req *domain.ModifyRequest) {
	symbol := req.Symbol
	oid := req.OrderID

	var order *domain.Order
	var ok bool
	if active, exists := g.activeOrders[symbol]; exists {
		order, ok = active.get(oid)
	}
	if !ok {
		if inactive, exists := g.inactiveOrders[symbol]; exists {
			order, ok = inactive.get(oid)
		}
	}

	reject := func(reason string) {
		rejected := &domain.Order{
			GatewayName: g.gatewayName,
			OrderID:     oid,
			Symbol:      req.Symbol,
			Exchange:    req.Exchange,
			Type:        domain.OrderTypeMarket,
			Direction:   domain.DirectionLong,
			Volume:      req.Volume,
			Price:       req.Price,
			Status:      domain.OrderStatusRejected,
			Traded:      decimal.Zero,
			Reference:   reason,
			Datetime:    g.currentTime,
		}
		g.sink.OnOrder(rejected)
	}

	if !ok {
		reject(fmt.Sprintf("modify failed: order %s not found", oid))
		return
	}
	if order.Status == domain.OrderStatusAllTraded || order.Status == domain.OrderStatusAllCancelled || order.Status == domain.OrderStatusPartCancelled {
		reject(fmt.Sprintf("modify failed: order %s status=%s", oid, order.Status))
		return
	}
	if req.Volume.LessThan(order.Traded) {
		reject(fmt.Sprintf("modify failed: new qty %s below traded %s", req.Volume, order.Traded))
		return
	}

	order.Price = req.Price
	order.Volume = req.Volume
	order.TriggerPrice = req.TriggerPrice
	order.Status = domain.OrderStatusModified
	order.Datetime = g.currentTime

	g.sink.OnOrder(order)
}

// OnBar drives stop activation then matching for bar.Symbol's books. Only
// bars of the configured matching interval should reach here; the caller
// (Engine) is responsible for that filtering.
func (g *Gateway) OnBar(bar *domain.Bar) {
	symbol := bar.Symbol
	g.currentTime = bar.Datetime
	g.ensureBooks(symbol)

	// Step 1: activate stops, in the order the stop orders were filed.
	for _, order := range g.inactiveOrders[symbol].ordered() {
		if g.stopTriggered(order, bar) {
			order.Status = domain.OrderStatusPending
			order.Datetime = g.currentTime
			order.TriggeredBar = bar.Datetime
			g.activeOrders[symbol].add(order)
			g.inactiveOrders[symbol].remove(order.OrderID)
			g.sink.OnOrder(order)
		}
	}

	// Step 2: match the active book, in the order orders entered it (the
	// original send order, or the activation order from step 1 above).
	for _, order := range g.activeOrders[symbol].ordered() {
		oid := order.OrderID
		if order.Status == domain.OrderStatusAllTraded || order.Status == domain.OrderStatusAllCancelled {
			continue
		}

		switch order.Type {
		case domain.OrderTypeMarket, domain.OrderTypeStpMkt:
			var fillPrice decimal.Decimal
			if order.Direction == domain.DirectionLong {
				fillPrice = decimal.Max(order.TriggerPrice, bar.Open)
			} else {
				fillPrice = decimal.Min(order.TriggerPrice, bar.Open)
			}
			g.fillOrder(order, fillPrice, bar)
			g.activeOrders[symbol].remove(oid)

		case domain.OrderTypeAbsLmt:
			if g.canFillAbsolute(order, bar) {
				g.fillOrder(order, order.Price, bar)
				g.activeOrders[symbol].remove(oid)
			}

		case domain.OrderTypeLimit, domain.OrderTypeStpLmt:
			if g.canFill(order, bar) {
				if order.Type == domain.OrderTypeStpLmt && order.TriggeredBar.Equal(bar.Datetime) {
					// Triggered intrabar on this exact bar: fill at the
					// limit price only, no opening gap fill.
					g.fillOrder(order, order.Price, bar)
				} else {
					g.fillOrder(order, g.fillPrice(order, bar), bar)
				}
				g.activeOrders[symbol].remove(oid)
			}
		}
	}
}

func (g *Gateway) stopTriggered(order *domain.Order, bar *domain.Bar) bool {
	if order.Direction == domain.DirectionLong {
		return bar.High.GreaterThanOrEqual(order.TriggerPrice)
	}
	return bar.Low.LessThanOrEqual(order.TriggerPrice)
}

func (g *Gateway) canFill(order *domain.Order, bar *domain.Bar) bool {
	if order.Direction == domain.DirectionLong {
		return bar.Low.LessThanOrEqual(order.Price)
	}
	return bar.High.GreaterThanOrEqual(order.Price)
}

func (g *Gateway) fillPrice(order *domain.Order, bar *domain.Bar) decimal.Decimal {
	if order.Direction == domain.DirectionLong {
		if bar.Open.LessThanOrEqual(order.Price) {
			return bar.Open
		}
		return order.Price
	}
	if bar.Open.GreaterThanOrEqual(order.Price) {
		return bar.Open
	}
	return order.Price
}

func (g *Gateway) canFillAbsolute(order *domain.Order, bar *domain.Bar) bool {
	return bar.Low.LessThanOrEqual(order.Price) && order.Price.LessThanOrEqual(bar.High)
}

func (g *Gateway) fillOrder(order *domain.Order, price decimal.Decimal, bar *domain.Bar) {
	order.Status = domain.OrderStatusAllTraded
	order.Traded = order.Volume
	order.AvgFillPrice = price
	order.Datetime = g.currentTime

	trade := &domain.Trade{
		GatewayName: g.gatewayName,
		OrderID:     order.OrderID,
		TradeID:     uuid.New().String()[:8],
		Symbol:      order.Symbol,
		Exchange:    order.Exchange,
		Direction:   order.Direction,
		Offset:      order.Offset,
		Price:       price,
		Volume:      order.Volume,
		Datetime:    order.Datetime,
	}

	g.sink.OnTrade(trade)
	g.sink.OnOrder(order)

	g.sink.OnPosition(&domain.Position{
		GatewayName: g.gatewayName,
		Symbol:      order.Symbol,
		Exchange:    order.Exchange,
		Direction:   order.Direction,
		Volume:      order.Volume,
	})
}

// OpenOrders returns every order still resident in either book.
func (g *Gateway) OpenOrders() []*domain.Order {
	var out []*domain.Order
	for _, book := range g.activeOrders {
		out = append(out, book.ordered()...)
	}
	for _, book := range g.inactiveOrders {
		out = append(out, book.ordered()...)
	}
	return out
}
