package strategy

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// KellyConfig bounds the fractional-Kelly volume a KellySizer will return:
// a fraction of full Kelly with a floor and a cap, reduced to the single
// number a strategy's Plan() needs.
type KellyConfig struct {
	Fraction    float64 // fraction of full Kelly to risk, e.g. 0.25
	MaxPct      float64 // cap on portfolio fraction risked in one position
	MinPct      float64 // floor, so a thin edge still gets a minimum clip
	LookbackMax int     // trade history retained for WinRate/AvgWin/AvgLoss
}

// DefaultKellyConfig is quarter Kelly with a 10% cap and a 0.5% floor.
func DefaultKellyConfig() KellyConfig {
	return KellyConfig{Fraction: 0.25, MaxPct: 0.10, MinPct: 0.005, LookbackMax: 200}
}

// KellySizer tracks a strategy's own win/loss history and turns it into a
// position volume via the fractional Kelly criterion: f* = p - q/b.
type KellySizer struct {
	mu     sync.Mutex
	cfg    KellyConfig
	trades []tradeOutcome
}

type tradeOutcome struct {
	isWin     bool
	returnPct float64
}

// NewKellySizer builds a sizer with cfg; a zero-value cfg falls back to
// DefaultKellyConfig.
func NewKellySizer(cfg KellyConfig) *KellySizer {
	if cfg.Fraction == 0 && cfg.MaxPct == 0 {
		cfg = DefaultKellyConfig()
	}
	return &KellySizer{cfg: cfg}
}

// RecordTrade appends a closed trade's outcome, trimming to LookbackMax.
func (k *KellySizer) RecordTrade(isWin bool, returnPct float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trades = append(k.trades, tradeOutcome{isWin: isWin, returnPct: returnPct})
	if len(k.trades) > k.cfg.LookbackMax {
		k.trades = k.trades[len(k.trades)-k.cfg.LookbackMax:]
	}
}

// stats returns win rate and average win/loss magnitude over the recorded
// history.
func (k *KellySizer) stats() (winRate, avgWin, avgLoss float64) {
	if len(k.trades) == 0 {
		return 0, 0, 0
	}
	var wins, losses int
	var winSum, lossSum float64
	for _, t := range k.trades {
		if t.isWin {
			wins++
			winSum += t.returnPct
		} else {
			losses++
			lossSum += -t.returnPct
		}
	}
	winRate = float64(wins) / float64(len(k.trades))
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return winRate, avgWin, avgLoss
}

// kelly implements f* = p - q/b, clamped to [0, 1].
func kelly(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || winRate >= 1 || avgLoss == 0 {
		return 0
	}
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	f := winRate - (1-winRate)/b
	if f < 0 {
		return 0
	}
	if f > 1 {
		f = 1
	}
	return f
}

// Volume returns the order volume for a position of entryPrice against a
// portfolio of equity: floor(equity * pct / entryPrice), at least 1, where
// pct is the fractional Kelly edge computed from the recorded trade
// history. stopDistance is accepted but does not enter the calculation. Falls
// back to MinPct of equity when there isn't enough history yet (no trades
// recorded means winRate is 0, so kelly() returns 0 and the min floor
// applies).
func (k *KellySizer) Volume(equity, entryPrice, stopDistance decimal.Decimal) decimal.Decimal {
	k.mu.Lock()
	winRate, avgWin, avgLoss := k.stats()
	cfg := k.cfg
	k.mu.Unlock()

	pct := kelly(winRate, avgWin, avgLoss) * cfg.Fraction
	if pct > cfg.MaxPct {
		pct = cfg.MaxPct
	}
	if pct < cfg.MinPct {
		pct = cfg.MinPct
	}

	equityF, _ := equity.Float64()
	priceF, _ := entryPrice.Float64()
	if priceF <= 0 {
		return decimal.Zero
	}
	dollars := equityF * pct
	units := math.Floor(dollars / priceF)
	if units < 1 {
		units = 1
	}
	return decimal.NewFromFloat(units)
}
