// Package gateway defines the live-trading gateway abstraction a venue
// connector implements, plus a paper-trading gateway that fills orders
// against the latest tick instead of a real venue.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
)

// Gateway is the abstraction the Trade Engine drives: connect/close a venue
// session, query/send/cancel/modify orders and quotes. Paper satisfies it
// with a simulated order flow. (*backtester.Engine) does not: it provides
// only SendOrder/CancelOrder/ModifyOrder, the narrower surface
// tradeengine.Gateway asks for.
type Gateway interface {
	Name() string
	Connect() error
	Close()
	SendOrder(req *domain.OrderRequest) string
	CancelOrder(req *domain.CancelRequest)
	ModifyOrder(req *domain.ModifyRequest)
	SendQuote(req *domain.QuoteRequest) string
	CancelQuote(req *domain.CancelRequest)
	Query()
}

// Paper is a paper-trading gateway: it fills orders immediately against the
// latest tick it has observed for the order's symbol, applying a
// SlippageModel (FixedSlippage is the one provided), and publishes the resulting order/trade/
// position/account events on the bus exactly like a real gateway would.
type Paper struct {
	mu sync.Mutex

	name   string
	bus    *eventbus.Bus
	logger *zap.Logger

	slippage SlippageModel

	lastTick  map[string]*domain.Tick
	contracts map[string]*domain.ContractParams

	account   *domain.Account
	positions map[string]*domain.Position

	connected bool
}

// SlippageModel perturbs a theoretical fill price by the configured amount.
type SlippageModel interface {
	Adjust(direction domain.Direction, price decimal.Decimal) decimal.Decimal
}

// FixedSlippage applies a constant fraction of price, unfavorably, on every
// fill.
type FixedSlippage struct {
	Fraction decimal.Decimal // e.g. 0.0005 for 5bps
}

// Adjust implements SlippageModel.
func (f FixedSlippage) Adjust(direction domain.Direction, price decimal.Decimal) decimal.Decimal {
	delta := price.Mul(f.Fraction)
	if direction == domain.DirectionLong {
		return price.Add(delta)
	}
	return price.Sub(delta)
}

// NewPaper constructs a paper-trading gateway seeded with initialCash.
func NewPaper(name string, bus *eventbus.Bus, logger *zap.Logger, slippage SlippageModel, initialCash decimal.Decimal) *Paper {
	if slippage == nil {
		slippage = FixedSlippage{Fraction: decimal.NewFromFloat(0.0005)}
	}
	p := &Paper{
		name:      name,
		bus:       bus,
		logger:    logger,
		slippage:  slippage,
		lastTick:  make(map[string]*domain.Tick),
		contracts: make(map[string]*domain.ContractParams),
		positions: make(map[string]*domain.Position),
		account: &domain.Account{
			GatewayName: name,
			AccountID:   "PAPER",
			Cash:        initialCash,
			Available:   initialCash,
			Equity:      initialCash,
		},
	}
	bus.Register(eventbus.TopicTick, p, func(evt eventbus.Event) {
		if t, ok := evt.Data.(*domain.Tick); ok {
			p.mu.Lock()
			p.lastTick[t.Symbol] = t
			p.mu.Unlock()
		}
	})
	return p
}

// Name implements Gateway.
func (p *Paper) Name() string { return p.name }

// Connect marks the gateway ready; paper trading has no real session to
// establish.
func (p *Paper) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.logger.Info("paper gateway connected", zap.String("gateway", p.name))
	return nil
}

// Close tears down the gateway.
func (p *Paper) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// SetContractParams registers per-symbol size/margin/commission parameters.
func (p *Paper) SetContractParams(c *domain.ContractParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts[c.Symbol] = c
}

func (p *Paper) contractFor(symbol string) *domain.ContractParams {
	if c, ok := p.contracts[symbol]; ok {
		return c
	}
	return &domain.ContractParams{Symbol: symbol, Size: decimal.NewFromInt(1), MarginRate: decimal.NewFromFloat(0.1)}
}

// SendOrder fills immediately against the last observed tick, adjusted by
// the slippage model; if no tick has been observed yet the order is
// rejected rather than filled at a fabricated price.
func (p *Paper) SendOrder(req *domain.OrderRequest) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	orderID := uuid.New().String()[:8]
	order := req.CreateOrderData(orderID, p.name)

	tick, ok := p.lastTick[req.Symbol]
	if !ok {
		order.Status = domain.OrderStatusRejected
		order.Reference = "no market data for symbol"
		p.bus.Put(eventbus.TopicOrder, order)
		return orderID
	}

	fillPrice := p.slippage.Adjust(req.Direction, tick.LastPrice)
	order.Status = domain.OrderStatusAllTraded
	order.Traded = order.Volume
	order.AvgFillPrice = fillPrice
	order.Datetime = time.Now()

	trade := &domain.Trade{
		GatewayName: p.name,
		OrderID:     orderID,
		TradeID:     uuid.New().String()[:8],
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		Direction:   req.Direction,
		Offset:      req.Offset,
		Price:       fillPrice,
		Volume:      req.Volume,
		Datetime:    order.Datetime,
	}

	p.bus.Put(eventbus.TopicOrder, order)
	p.bus.Put(eventbus.TopicTrade, trade)
	p.applyFill(trade)

	return orderID
}

func (p *Paper) applyFill(trade *domain.Trade) {
	params := p.contractFor(trade.Symbol)

	rate := params.ShortRate
	if trade.Direction == domain.DirectionLong {
		rate = params.LongRate
	}
	commission := trade.Price.Mul(trade.Volume).Mul(params.Size).Mul(rate)
	p.account.Cash = p.account.Cash.Sub(commission)

	pos, ok := p.positions[trade.Symbol]
	if !ok {
		pos = &domain.Position{GatewayName: p.name, Symbol: trade.Symbol, Exchange: trade.Exchange, Direction: domain.DirectionNet}
		p.positions[trade.Symbol] = pos
	}

	signed := trade.Volume.Abs()
	if trade.Direction != domain.DirectionLong {
		signed = signed.Neg()
	}
	oldVolume := pos.SignedVolume()
	newVolume := oldVolume.Add(signed)

	if newVolume.IsZero() {
		delete(p.positions, trade.Symbol)
	} else {
		pos.Volume = newVolume.Abs()
		if newVolume.IsNegative() {
			pos.Direction = domain.DirectionShort
		} else {
			pos.Direction = domain.DirectionLong
		}
		pos.Price = trade.Price
		pos.Margin = newVolume.Abs().Mul(trade.Price).Mul(params.Size).Mul(params.MarginRate)
	}

	p.account.Margin = decimal.Zero
	for _, pp := range p.positions {
		p.account.Margin = p.account.Margin.Add(pp.Margin)
	}
	p.account.Equity = p.account.Cash
	p.account.Available = p.account.Cash.Sub(p.account.Margin)

	p.bus.Put(eventbus.TopicPosition, pos)
	p.bus.Put(eventbus.TopicAccount, p.account)
}

// CancelOrder is a no-op: paper orders fill synchronously in SendOrder and
// never rest on a book.
func (p *Paper) CancelOrder(req *domain.CancelRequest) {}

// ModifyOrder rejects: a paper order has already filled by the time any
// modify request could reach it.
func (p *Paper) ModifyOrder(req *domain.ModifyRequest) {
	p.bus.Put(eventbus.TopicOrder, &domain.Order{
		GatewayName: p.name,
		OrderID:     req.OrderID,
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		Status:      domain.OrderStatusRejected,
		Reference:   fmt.Sprintf("modify failed: paper order %s already filled", req.OrderID),
		Datetime:    time.Now(),
	})
}

// SendQuote and CancelQuote are not supported by the paper gateway; quoting
// strategies need a real RFQ venue.
func (p *Paper) SendQuote(req *domain.QuoteRequest) string { return "" }
func (p *Paper) CancelQuote(req *domain.CancelRequest)     {}

// Query publishes the current account snapshot on demand.
func (p *Paper) Query() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus.Put(eventbus.TopicAccount, p.account)
}
