package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/tradecore/internal/domain"
)

// MeanReversionConfig parameterizes the Bollinger-band mean-reversion
// strategy: a close-price SMA over Period bars with entry at
// SMA - StdDevMult sigma and exit back at the mean.
type MeanReversionConfig struct {
	Symbol     string
	Exchange   domain.Exchange
	Period     int
	StdDevMult decimal.Decimal
	Volume     decimal.Decimal
}

// MeanReversion keeps a resting LIMIT buy at the lower Bollinger band while
// flat and a resting LIMIT sell at the rolling mean while long, letting the
// reconciler move both as the bands drift bar to bar. cmd/tradecore
// registers it as "mean_reversion:<symbol>".
type MeanReversion struct {
	mu sync.Mutex

	cfg    MeanReversionConfig
	closes []decimal.Decimal

	inPosition bool
	heldVolume decimal.Decimal
}

// NewMeanReversion builds a MeanReversion strategy; Period defaults to 20
// and StdDevMult to 2 when left zero.
func NewMeanReversion(cfg MeanReversionConfig) *MeanReversion {
	if cfg.Period <= 0 {
		cfg.Period = 20
	}
	if cfg.StdDevMult.IsZero() {
		cfg.StdDevMult = decimal.NewFromInt(2)
	}
	if cfg.Volume.IsZero() {
		cfg.Volume = decimal.NewFromInt(1)
	}
	return &MeanReversion{cfg: cfg}
}

// Name implements Strategy.
func (m *MeanReversion) Name() string { return "mean_reversion" }

// OnBar appends the close to the rolling window and marks dirty once enough
// history exists to compute the bands.
func (m *MeanReversion) OnBar(bar *domain.Bar) bool {
	if bar.Symbol != m.cfg.Symbol {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closes = append(m.closes, bar.Close)
	if len(m.closes) > m.cfg.Period {
		m.closes = m.closes[len(m.closes)-m.cfg.Period:]
	}
	return len(m.closes) >= m.cfg.Period
}

// OnTick never marks dirty; the bands only move on bar closes.
func (m *MeanReversion) OnTick(tick *domain.Tick) bool { return false }

// OnOrder never marks dirty; position state is tracked from fills.
func (m *MeanReversion) OnOrder(order *domain.Order) bool { return false }

// OnTrade flips the in-position flag on entry and exit fills.
func (m *MeanReversion) OnTrade(trade *domain.Trade) bool {
	if trade.Symbol != m.cfg.Symbol {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if trade.Direction == domain.DirectionLong {
		m.inPosition = true
		m.heldVolume = trade.Volume
	} else {
		m.inPosition = false
		m.heldVolume = decimal.Zero
	}
	return true
}

// OnPosition is observational only.
func (m *MeanReversion) OnPosition(pos *domain.Position) bool { return false }

// bands returns the rolling SMA and standard deviation of the close window.
func (m *MeanReversion) bands() (sma, stddev decimal.Decimal) {
	n := decimal.NewFromInt(int64(len(m.closes)))

	sum := decimal.Zero
	for _, c := range m.closes {
		sum = sum.Add(c)
	}
	sma = sum.Div(n)

	variance := decimal.Zero
	for _, c := range m.closes {
		d := c.Sub(sma)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)

	return sma, sqrtDecimal(variance)
}

// sqrtDecimal approximates a square root with a few Newton iterations,
// which is plenty for a band level quoted to price-tick precision.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	x := d.Div(two)
	if x.IsZero() {
		return d
	}
	for i := 0; i < 12; i++ {
		x = x.Add(d.Div(x)).Div(two)
	}
	return x
}

// Plan rests a LIMIT buy at the lower band while flat, or a LIMIT sell at
// the rolling mean while long.
func (m *MeanReversion) Plan() map[string]PlanOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.closes) < m.cfg.Period {
		return map[string]PlanOrder{}
	}

	sma, stddev := m.bands()

	if m.inPosition {
		return map[string]PlanOrder{
			"exit": {
				Symbol: m.cfg.Symbol, Exchange: m.cfg.Exchange, Direction: domain.DirectionShort,
				Offset: domain.OffsetClose, Type: domain.OrderTypeLimit,
				Price: sma, Volume: m.heldVolume,
			},
		}
	}

	lower := sma.Sub(stddev.Mul(m.cfg.StdDevMult))
	return map[string]PlanOrder{
		"entry": {
			Symbol: m.cfg.Symbol, Exchange: m.cfg.Exchange, Direction: domain.DirectionLong,
			Offset: domain.OffsetOpen, Type: domain.OrderTypeLimit,
			Price: lower, Volume: m.cfg.Volume,
		},
	}
}
