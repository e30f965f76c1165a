package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/tradecore/internal/domain"
)

// BreakoutConfig parameterizes a channel-breakout strategy: an entry stop
// at the rolling high of the last WindowBars bars, with a protective stop
// StopDistance below the entry, sized by fractional Kelly.
type BreakoutConfig struct {
	Symbol       string
	Exchange     domain.Exchange
	WindowBars   int
	StopDistance decimal.Decimal
	Equity       decimal.Decimal
}

// Breakout is a single-symbol channel-breakout strategy: it watches the
// last WindowBars bars, keeps a stop entry resting at the rolling high, and
// once filled keeps a protective stop below the fill price. Entry volume
// comes from a KellySizer seeded by this strategy's own closed trades; the
// protective stop covers the filled volume. cmd/tradecore registers it as
// "breakout:<symbol>".
type Breakout struct {
	mu sync.Mutex

	cfg    BreakoutConfig
	sizer  *KellySizer
	window []decimal.Decimal // rolling close-to-close high/low source (bar highs)
	lows   []decimal.Decimal

	inPosition   bool
	entryPrice   decimal.Decimal
	entryVolume  decimal.Decimal
	lastRefPrice decimal.Decimal
}

// NewBreakout builds a Breakout strategy with the given config and a fresh
// Kelly sizer.
func NewBreakout(cfg BreakoutConfig) *Breakout {
	if cfg.WindowBars <= 0 {
		cfg.WindowBars = 20
	}
	return &Breakout{cfg: cfg, sizer: NewKellySizer(DefaultKellyConfig())}
}

// Name implements Strategy.
func (b *Breakout) Name() string { return "breakout" }

// OnBar updates the rolling high/low window and marks dirty once the window
// has enough history to compute a breakout level.
func (b *Breakout) OnBar(bar *domain.Bar) bool {
	if bar.Symbol != b.cfg.Symbol {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, bar.High)
	b.lows = append(b.lows, bar.Low)
	if len(b.window) > b.cfg.WindowBars {
		b.window = b.window[len(b.window)-b.cfg.WindowBars:]
		b.lows = b.lows[len(b.lows)-b.cfg.WindowBars:]
	}
	return len(b.window) >= b.cfg.WindowBars
}

// OnTick never marks dirty: this strategy only reacts to bar closes.
func (b *Breakout) OnTick(tick *domain.Tick) bool { return false }

// OnOrder never itself changes the plan; the reconciler re-derives target
// state from OnTrade fills, not from order acks.
func (b *Breakout) OnOrder(order *domain.Order) bool { return false }

// OnTrade records the fill: entering the position on an OPEN fill, and
// feeding the KellySizer a win/loss outcome on a CLOSE fill.
func (b *Breakout) OnTrade(trade *domain.Trade) bool {
	if trade.Symbol != b.cfg.Symbol {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch trade.Offset {
	case domain.OffsetOpen:
		b.inPosition = true
		b.entryPrice = trade.Price
		b.entryVolume = trade.Volume
	case domain.OffsetClose, domain.OffsetCloseToday, domain.OffsetCloseYesterday:
		if b.inPosition && !b.entryPrice.IsZero() {
			returnPct, _ := trade.Price.Sub(b.entryPrice).Div(b.entryPrice).Float64()
			b.sizer.RecordTrade(returnPct > 0, returnPct)
		}
		b.inPosition = false
		b.entryPrice = decimal.Zero
		b.entryVolume = decimal.Zero
	}
	return true
}

// OnPosition is observational only; position state is re-derived from
// trades, not mirrored from the OMS.
func (b *Breakout) OnPosition(pos *domain.Position) bool { return false }

func (b *Breakout) rollingHigh() decimal.Decimal {
	max := b.window[0]
	for _, v := range b.window[1:] {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

func (b *Breakout) rollingLow() decimal.Decimal {
	min := b.lows[0]
	for _, v := range b.lows[1:] {
		if v.LessThan(min) {
			min = v
		}
	}
	return min
}

// Plan reports either a resting stop entry at the rolling high (flat) or
// a protective stop below the fill price (in position), keyed by reference
// so the reconciler can diff against live orders.
func (b *Breakout) Plan() map[string]PlanOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.window) < b.cfg.WindowBars {
		return map[string]PlanOrder{}
	}

	if b.inPosition {
		stopPrice := b.entryPrice.Sub(b.cfg.StopDistance)
		return map[string]PlanOrder{
			"stop_order": {
				Symbol: b.cfg.Symbol, Exchange: b.cfg.Exchange, Direction: domain.DirectionShort,
				Offset: domain.OffsetClose, Type: domain.OrderTypeStpMkt,
				TriggerPrice: stopPrice, Volume: b.entryVolume,
			},
		}
	}

	trigger := b.rollingHigh()
	volume := b.sizer.Volume(b.cfg.Equity, trigger, b.cfg.StopDistance)
	return map[string]PlanOrder{
		"entry": {
			Symbol: b.cfg.Symbol, Exchange: b.cfg.Exchange, Direction: domain.DirectionLong,
			Offset: domain.OffsetOpen, Type: domain.OrderTypeStpMkt,
			TriggerPrice: trigger, Volume: volume,
		},
	}
}
