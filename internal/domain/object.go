package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VTSymbol joins a local symbol with its exchange into the process-stable
// composite ID used throughout the OMS and gateway.
func VTSymbol(symbol string, exchange Exchange) string {
	return fmt.Sprintf("%s.%s", symbol, exchange)
}

// VTOrderID joins a gateway name with its local order ID.
func VTOrderID(gatewayName, orderID string) string {
	return fmt.Sprintf("%s.%s", gatewayName, orderID)
}

// VTTradeID joins a gateway name with its local trade ID.
func VTTradeID(gatewayName, tradeID string) string {
	return fmt.Sprintf("%s.%s", gatewayName, tradeID)
}

// VTPositionID joins a gateway name, symbol and direction.
func VTPositionID(gatewayName, vtSymbol string, direction Direction) string {
	return fmt.Sprintf("%s.%s.%s", gatewayName, vtSymbol, direction)
}

// VTAccountID joins a gateway name with its local account ID.
func VTAccountID(gatewayName, accountID string) string {
	return fmt.Sprintf("%s.%s", gatewayName, accountID)
}

// VTQuoteID joins a gateway name with its local quote ID.
func VTQuoteID(gatewayName, quoteID string) string {
	return fmt.Sprintf("%s.%s", gatewayName, quoteID)
}

// Bar is an OHLCV aggregate over a fixed Interval. Datetime marks the bar's
// start. Bars are immutable once produced.
type Bar struct {
	GatewayName string          `json:"gateway_name"`
	Symbol      string          `json:"symbol"`
	Exchange    Exchange        `json:"exchange"`
	Datetime    time.Time       `json:"datetime"`
	Interval    Interval        `json:"interval"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
}

// VTSymbol returns the bar's composite symbol ID.
func (b *Bar) VTSymbol() string { return VTSymbol(b.Symbol, b.Exchange) }

// EndDatetime returns the bar's close timestamp, one tick before the next
// bar of the same interval begins.
func (b *Bar) EndDatetime() time.Time {
	return b.Datetime.Add(durationFromSeconds(b.Interval.Seconds())).Add(-time.Second)
}

func durationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Tick is a last-price snapshot, optionally carrying book levels.
type Tick struct {
	GatewayName string          `json:"gateway_name"`
	Symbol      string          `json:"symbol"`
	Exchange    Exchange        `json:"exchange"`
	Datetime    time.Time       `json:"datetime"`
	LastPrice   decimal.Decimal `json:"last_price"`
	Volume      decimal.Decimal `json:"volume"`
	BidPrice1   decimal.Decimal `json:"bid_price_1"`
	BidVolume1  decimal.Decimal `json:"bid_volume_1"`
	AskPrice1   decimal.Decimal `json:"ask_price_1"`
	AskVolume1  decimal.Decimal `json:"ask_volume_1"`
}

// VTSymbol returns the tick's composite symbol ID.
func (t *Tick) VTSymbol() string { return VTSymbol(t.Symbol, t.Exchange) }

// OrderRequest describes a desire to place a new order; the gateway turns it
// into an Order stamped with a local order ID.
type OrderRequest struct {
	Symbol       string          `json:"symbol"`
	Exchange     Exchange        `json:"exchange"`
	Direction    Direction       `json:"direction"`
	Type         OrderType       `json:"type"`
	Volume       decimal.Decimal `json:"volume"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Offset       Offset          `json:"offset"`
	Reference    string          `json:"reference"`
}

// CreateOrderData builds the Order the gateway will track for this request.
func (r *OrderRequest) CreateOrderData(orderID, gatewayName string) *Order {
	return &Order{
		GatewayName:  gatewayName,
		OrderID:      orderID,
		Symbol:       r.Symbol,
		Exchange:     r.Exchange,
		Type:         r.Type,
		Direction:    r.Direction,
		Offset:       r.Offset,
		Price:        r.Price,
		TriggerPrice: r.TriggerPrice,
		Volume:       r.Volume,
		Traded:       decimal.Zero,
		Status:       OrderStatusSubmitting,
		Reference:    r.Reference,
		Datetime:     time.Now(),
	}
}

// CreateCancelRequest builds the CancelRequest that targets this request's
// resulting order, once it exists.
func (r *OrderRequest) CreateCancelRequest(orderID string) *CancelRequest {
	return &CancelRequest{
		OrderID:  orderID,
		Symbol:   r.Symbol,
		Exchange: r.Exchange,
	}
}

// CancelRequest targets an existing order for cancellation.
type CancelRequest struct {
	OrderID  string   `json:"orderid"`
	Symbol   string   `json:"symbol"`
	Exchange Exchange `json:"exchange"`
}

// ModifyRequest targets an existing order for amendment. Zero-value fields
// mean "leave unchanged" when built via gateway/strategy helpers.
type ModifyRequest struct {
	OrderID      string          `json:"orderid"`
	Symbol       string          `json:"symbol"`
	Exchange     Exchange        `json:"exchange"`
	Volume       decimal.Decimal `json:"volume"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

// Order is the mutable lifecycle object for a submitted order, keyed by
// OrderID (gateway-local) with an optional BrokerOrderID (venue-assigned).
type Order struct {
	GatewayName   string          `json:"gateway_name"`
	OrderID       string          `json:"orderid"`
	BrokerOrderID string          `json:"broker_orderid"`
	Symbol        string          `json:"symbol"`
	Exchange      Exchange        `json:"exchange"`
	Type          OrderType       `json:"type"`
	Direction     Direction       `json:"direction"`
	Offset        Offset          `json:"offset"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	Volume        decimal.Decimal `json:"volume"`
	Traded        decimal.Decimal `json:"traded"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Status        OrderStatus     `json:"status"`
	Reference     string          `json:"reference"`
	Datetime      time.Time       `json:"datetime"`
	TriggeredBar  time.Time       `json:"triggered_bar"`
}

// VTSymbol returns the order's composite symbol ID.
func (o *Order) VTSymbol() string { return VTSymbol(o.Symbol, o.Exchange) }

// VTOrderID returns the order's composite order ID.
func (o *Order) VTOrderID() string { return VTOrderID(o.GatewayName, o.OrderID) }

// IsActive reports whether the order is still live.
func (o *Order) IsActive() bool { return o.Status.IsActive() }

// CreateCancelRequest builds the CancelRequest that targets this order.
func (o *Order) CreateCancelRequest() *CancelRequest {
	return &CancelRequest{OrderID: o.OrderID, Symbol: o.Symbol, Exchange: o.Exchange}
}

// Trade is a single fill against an order.
type Trade struct {
	GatewayName string          `json:"gateway_name"`
	OrderID     string          `json:"orderid"`
	TradeID     string          `json:"tradeid"`
	Symbol      string          `json:"symbol"`
	Exchange    Exchange        `json:"exchange"`
	Direction   Direction       `json:"direction"`
	Offset      Offset          `json:"offset"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	Datetime    time.Time       `json:"datetime"`
}

// VTSymbol returns the trade's composite symbol ID.
func (t *Trade) VTSymbol() string { return VTSymbol(t.Symbol, t.Exchange) }

// VTOrderID returns the composite ID of the order this trade filled against.
func (t *Trade) VTOrderID() string { return VTOrderID(t.GatewayName, t.OrderID) }

// VTTradeID returns the trade's composite ID.
func (t *Trade) VTTradeID() string { return VTTradeID(t.GatewayName, t.TradeID) }

// IsActive is always true for a trade: trades are terminal facts, kept for
// symmetry with Order/Quote's is_active convention.
func (t *Trade) IsActive() bool { return true }

// Position is the net holding in one symbol under one gateway.
type Position struct {
	GatewayName string          `json:"gateway_name"`
	Symbol      string          `json:"symbol"`
	Exchange    Exchange        `json:"exchange"`
	Direction   Direction       `json:"direction"`
	Volume      decimal.Decimal `json:"volume"`
	Frozen      decimal.Decimal `json:"frozen"`
	Price       decimal.Decimal `json:"price"` // average entry price
	Margin      decimal.Decimal `json:"margin"`
	PnL         decimal.Decimal `json:"pnl"`
	YdVolume    decimal.Decimal `json:"yd_volume"`
}

// VTSymbol returns the position's composite symbol ID.
func (p *Position) VTSymbol() string { return VTSymbol(p.Symbol, p.Exchange) }

// VTPositionID returns the position's composite ID.
func (p *Position) VTPositionID() string {
	return VTPositionID(p.GatewayName, p.VTSymbol(), p.Direction)
}

// SignedVolume returns Volume with sign: positive for LONG/NET, negative for
// SHORT.
func (p *Position) SignedVolume() decimal.Decimal {
	if p.Direction == DirectionShort {
		return p.Volume.Neg()
	}
	return p.Volume
}

// Account is a cash/margin/P&L snapshot for one gateway account.
type Account struct {
	GatewayName   string          `json:"gateway_name"`
	AccountID     string          `json:"accountid"`
	Balance       decimal.Decimal `json:"balance"`
	Cash          decimal.Decimal `json:"cash"`
	Frozen        decimal.Decimal `json:"frozen"`
	Margin        decimal.Decimal `json:"margin"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	Available     decimal.Decimal `json:"available"`
}

// VTAccountID returns the account's composite ID.
func (a *Account) VTAccountID() string { return VTAccountID(a.GatewayName, a.AccountID) }

// ContractParams holds the per-symbol trading parameters the backtest
// accounting engine and gateway need: contract multiplier, tick size, volume
// bounds and commission/margin rates.
type ContractParams struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	PriceTick     decimal.Decimal `json:"pricetick"`
	MinVolume     decimal.Decimal `json:"min_volume"`
	MaxVolume     decimal.Decimal `json:"max_volume"`
	LongRate      decimal.Decimal `json:"long_rate"`
	ShortRate     decimal.Decimal `json:"short_rate"`
	MarginRate    decimal.Decimal `json:"margin_rate"`
	StopSupported bool            `json:"stop_supported"`
}

// LogData is a single log line routed through the event bus so the adapter
// and UI can observe engine diagnostics without the bus worker blocking on
// file or socket I/O.
type LogData struct {
	GatewayName string    `json:"gateway_name"`
	Msg         string    `json:"msg"`
	Level       LogLevel  `json:"level"`
	Time        time.Time `json:"time"`
}

// QuoteRequest describes a two-sided RFQ quote to place.
type QuoteRequest struct {
	Symbol    string          `json:"symbol"`
	Exchange  Exchange        `json:"exchange"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidVolume decimal.Decimal `json:"bid_volume"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskVolume decimal.Decimal `json:"ask_volume"`
	Reference string          `json:"reference"`
}

// CreateQuoteData builds the Quote this request results in.
func (r *QuoteRequest) CreateQuoteData(quoteID, gatewayName string) *Quote {
	return &Quote{
		GatewayName: gatewayName,
		QuoteID:     quoteID,
		Symbol:      r.Symbol,
		Exchange:    r.Exchange,
		BidPrice:    r.BidPrice,
		BidVolume:   r.BidVolume,
		AskPrice:    r.AskPrice,
		AskVolume:   r.AskVolume,
		Status:      OrderStatusSubmitting,
		Reference:   r.Reference,
		Datetime:    time.Now(),
	}
}

// Quote is a live two-sided RFQ quote, tracked with the same active/terminal
// status split as Order.
type Quote struct {
	GatewayName string          `json:"gateway_name"`
	QuoteID     string          `json:"quoteid"`
	Symbol      string          `json:"symbol"`
	Exchange    Exchange        `json:"exchange"`
	BidPrice    decimal.Decimal `json:"bid_price"`
	BidVolume   decimal.Decimal `json:"bid_volume"`
	AskPrice    decimal.Decimal `json:"ask_price"`
	AskVolume   decimal.Decimal `json:"ask_volume"`
	Status      OrderStatus     `json:"status"`
	Reference   string          `json:"reference"`
	Datetime    time.Time       `json:"datetime"`
}

// VTSymbol returns the quote's composite symbol ID.
func (q *Quote) VTSymbol() string { return VTSymbol(q.Symbol, q.Exchange) }

// VTQuoteID returns the quote's composite ID.
func (q *Quote) VTQuoteID() string { return VTQuoteID(q.GatewayName, q.QuoteID) }

// IsActive reports whether the quote is still live.
func (q *Quote) IsActive() bool { return q.Status.IsActive() }

// CreateCancelRequest builds the CancelRequest that targets this quote.
func (q *Quote) CreateCancelRequest() *CancelRequest {
	return &CancelRequest{OrderID: q.QuoteID, Symbol: q.Symbol, Exchange: q.Exchange}
}
