package backtester

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-quant/tradecore/internal/domain"
)

// AccountingEngine is the backtest OMS+: it owns the single backtest account
// and every symbol's averaged position, and turns each Trade into a
// commission deduction, a position update (weighted-average add or
// close/reverse with realized P&L), and a margin recompute. This is
// intentionally a distinct, narrower component from internal/oms.Engine —
// the general OMS is a read-only fan-in of events, this is the engine that
// *produces* the position/account state those events carry.
type AccountingEngine struct {
	gatewayName string
	accountID   string

	account   *domain.Account
	positions map[string]*domain.Position // keyed by plain symbol
	contracts map[string]*domain.ContractParams

	contractLog map[string]*ContractDailyLog
	tradeLog    []*domain.Trade
}

// ContractDailyLog accumulates the per-symbol running totals the original
// backtest surfaced for reporting (volume/margin/realized & unrealized P&L,
// cumulative cost and turnover).
type ContractDailyLog struct {
	Volume        decimal.Decimal
	Margin        decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Cost          decimal.Decimal
	Turnover      decimal.Decimal
}

// NewAccountingEngine seeds a backtest account with initialCash and no
// positions.
func NewAccountingEngine(gatewayName, accountID string, initialCash decimal.Decimal) *AccountingEngine {
	return &AccountingEngine{
		gatewayName: gatewayName,
		accountID:   accountID,
		account: &domain.Account{
			GatewayName: gatewayName,
			AccountID:   accountID,
			Cash:        initialCash,
			Available:   initialCash,
			Equity:      initialCash,
		},
		positions:   make(map[string]*domain.Position),
		contracts:   make(map[string]*domain.ContractParams),
		contractLog: make(map[string]*ContractDailyLog),
	}
}

// SetContractParams registers the per-symbol size/rate/margin parameters
// used by ProcessTrade and RenewUnrealizedPnL.
func (e *AccountingEngine) SetContractParams(p *domain.ContractParams) {
	e.contracts[p.Symbol] = p
}

func (e *AccountingEngine) contractFor(symbol string) *domain.ContractParams {
	if p, ok := e.contracts[symbol]; ok {
		return p
	}
	return &domain.ContractParams{Symbol: symbol, Size: decimal.NewFromInt(1), MarginRate: decimal.NewFromFloat(0.1)}
}

// ProcessTrade applies a fill to the account and the symbol's position:
// commission is always deducted; same-side adds use a volume-weighted
// average price; opposite-side trades realize P&L on
// close_qty = min(|old|,|new|), keep the old average on a partial close,
// and re-price to the trade on a full reversal.
func (e *AccountingEngine) ProcessTrade(trade *domain.Trade) {
	symbol := trade.Symbol
	params := e.contractFor(symbol)
	size := params.Size

	rate := params.ShortRate
	if trade.Direction == domain.DirectionLong {
		rate = params.LongRate
	}
	cost := trade.Price.Mul(trade.Volume).Mul(size)
	commission := cost.Mul(rate)

	pos, ok := e.positions[symbol]
	if !ok {
		pos = &domain.Position{
			GatewayName: e.gatewayName,
			Symbol:      symbol,
			Exchange:    trade.Exchange,
			Direction:   domain.DirectionNet,
		}
		e.positions[symbol] = pos
	}

	// Commission is deducted regardless of open/close.
	e.account.Cash = e.account.Cash.Sub(commission)

	oldVolume := pos.SignedVolume()
	oldPrice := pos.Price

	newVolume := trade.Volume.Abs()
	if trade.Direction != domain.DirectionLong {
		newVolume = newVolume.Neg()
	}
	newPrice := trade.Price
	turnover := newVolume.Abs().Mul(newPrice).Mul(size)

	realizedPnL := decimal.Zero
	var volume, price decimal.Decimal

	sameSide := oldVolume.Mul(newVolume).IsPositive()
	if sameSide {
		volume = oldVolume.Add(newVolume)
		price = oldPrice.Mul(oldVolume.Abs()).Add(newPrice.Mul(newVolume.Abs())).Div(volume.Abs())
	} else {
		closeQty := decimal.Min(oldVolume.Abs(), newVolume.Abs())
		if oldVolume.IsPositive() {
			realizedPnL = newPrice.Sub(oldPrice).Mul(closeQty).Mul(size)
		} else {
			realizedPnL = oldPrice.Sub(newPrice).Mul(closeQty).Mul(size)
		}

		e.account.Cash = e.account.Cash.Add(realizedPnL)
		volume = oldVolume.Add(newVolume)

		if newVolume.Abs().LessThan(oldVolume.Abs()) {
			price = oldPrice // partial close keeps the original average
		} else {
			price = newPrice // full reversal re-prices to the trade
		}
	}

	var margin decimal.Decimal
	if !volume.IsZero() {
		margin = volume.Abs().Mul(trade.Price).Mul(size).Mul(params.MarginRate)
		pos.Margin = margin
		pos.Volume = volume.Abs()
		if volume.IsNegative() {
			pos.Direction = domain.DirectionShort
		} else {
			pos.Direction = domain.DirectionLong
		}
		pos.Price = price
	} else {
		delete(e.positions, symbol)
	}

	e.account.Margin = decimal.Zero
	for _, p := range e.positions {
		e.account.Margin = e.account.Margin.Add(p.Margin)
	}

	e.account.RealizedPnL = e.account.RealizedPnL.Add(realizedPnL)
	e.account.Equity = e.account.Cash // unrealized refreshed on mark-to-market
	e.account.Available = e.account.Cash.Add(e.account.UnrealizedPnL).Sub(e.account.Margin)

	log, ok := e.contractLog[symbol]
	if !ok {
		log = &ContractDailyLog{}
		e.contractLog[symbol] = log
	}
	log.Volume = volume
	log.Margin = margin
	log.RealizedPnL = log.RealizedPnL.Add(realizedPnL)
	log.Cost = log.Cost.Add(cost)
	log.Turnover = log.Turnover.Add(turnover)
	if volume.IsZero() {
		log.UnrealizedPnL = decimal.Zero
	}

	e.tradeLog = append(e.tradeLog, trade)
}

// RenewUnrealizedPnL marks every open position to lastPrices[symbol]
// (falling back to the position's own average when a symbol has no price
// this window) and recomputes account-level equity/available.
func (e *AccountingEngine) RenewUnrealizedPnL(lastPrices map[string]decimal.Decimal) {
	e.account.UnrealizedPnL = decimal.Zero
	e.account.Equity = e.account.Cash

	for symbol, pos := range e.positions {
		if pos.Volume.IsZero() {
			continue
		}
		params := e.contractFor(symbol)
		last, ok := lastPrices[symbol]
		if !ok {
			last = pos.Price
		}
		floatPnL := last.Sub(pos.Price).Mul(pos.SignedVolume()).Mul(params.Size)

		e.account.UnrealizedPnL = e.account.UnrealizedPnL.Add(floatPnL)
		e.account.Equity = e.account.Equity.Add(floatPnL)

		if log, ok := e.contractLog[symbol]; ok {
			log.UnrealizedPnL = floatPnL
		}
	}

	e.account.Available = e.account.Cash.Add(e.account.UnrealizedPnL).Sub(e.account.Margin)
}

// Account returns the current account snapshot.
func (e *AccountingEngine) Account() *domain.Account { return e.account }

// Position returns the current position for a symbol, if any.
func (e *AccountingEngine) Position(symbol string) (*domain.Position, bool) {
	p, ok := e.positions[symbol]
	return p, ok
}

// Positions returns every currently open position.
func (e *AccountingEngine) Positions() []*domain.Position {
	out := make([]*domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// ContractLog returns the per-symbol running totals.
func (e *AccountingEngine) ContractLog() map[string]*ContractDailyLog {
	return e.contractLog
}

// TradeLog returns every trade processed, in processing order.
func (e *AccountingEngine) TradeLog() []*domain.Trade { return e.tradeLog }
