package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
)

func newTestEngine(t *testing.T) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	t.Cleanup(bus.Stop)

	cfg := Config{
		GatewayName: "BACKTEST",
		InitialCash: decimal.NewFromInt(1_000_000),
		AnnualDays:  240,
		Contracts: []*domain.ContractParams{
			{Symbol: "RB99", Size: decimal.NewFromInt(10), MarginRate: decimal.NewFromFloat(0.1), LongRate: decimal.NewFromFloat(0.0002), ShortRate: decimal.NewFromFloat(0.0002)},
		},
	}
	return New(bus, zap.NewNop(), cfg), bus
}

func bar(symbol string, t time.Time, o, h, l, c float64, interval domain.Interval) *domain.Bar {
	return &domain.Bar{
		Symbol:   symbol,
		Exchange: domain.ExchangeSHFE,
		Interval: interval,
		Datetime: t,
		Open:     decimal.NewFromFloat(o),
		High:     decimal.NewFromFloat(h),
		Low:      decimal.NewFromFloat(l),
		Close:    decimal.NewFromFloat(c),
	}
}

// TestRunFillsLimitOrderAndMarksToMarket drives a LIMIT buy that fills
// within the bar's range, then marks to market on the next daily bar and
// checks the account snapshot figures by hand.
func TestRunFillsLimitOrderAndMarksToMarket(t *testing.T) {
	e, _ := newTestEngine(t)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.AddDate(0, 0, 1)

	e.SendOrder(&domain.OrderRequest{
		Symbol: "RB99", Exchange: domain.ExchangeSHFE, Direction: domain.DirectionLong,
		Type: domain.OrderTypeLimit, Price: decimal.NewFromInt(3500), Volume: decimal.NewFromInt(2),
	})

	bars := []*domain.Bar{
		bar("RB99", t0, 3500, 3520, 3490, 3500, domain.IntervalDay),
		bar("RB99", t1, 3500, 3520, 3495, 3510, domain.IntervalDay),
	}

	stats := e.Run(bars)

	acct := e.accounting.Account()
	if !acct.Cash.Equal(decimal.NewFromInt(999_986)) {
		t.Fatalf("expected cash 999986 after commission, got %s", acct.Cash)
	}
	pos, ok := e.accounting.Position("RB99")
	if !ok || !pos.Volume.Equal(decimal.NewFromInt(2)) || pos.Direction != domain.DirectionLong {
		t.Fatalf("expected long 2 position, got %+v", pos)
	}
	if !acct.Equity.Equal(decimal.NewFromInt(1_000_186)) {
		t.Fatalf("expected equity 1000186 after mark-to-market, got %s", acct.Equity)
	}
	if !acct.Available.Equal(decimal.NewFromInt(993_186)) {
		t.Fatalf("expected available 993186, got %s", acct.Available)
	}
	if len(e.DailySnapshots()) != 2 {
		t.Fatalf("expected 2 daily snapshots, got %d", len(e.DailySnapshots()))
	}
	if stats.TotalReturn.IsZero() {
		t.Fatal("expected a nonzero total return once equity moved")
	}
}

func TestInferIntervalsPicksMinAndMax(t *testing.T) {
	bars := []*domain.Bar{
		{Interval: domain.Interval1Hour},
		{Interval: domain.IntervalDay},
		{Interval: domain.Interval5Min},
	}
	matched, daily := inferIntervals(bars, "", "")
	if matched != domain.Interval5Min {
		t.Fatalf("expected matched interval 5m, got %s", matched)
	}
	if daily != domain.IntervalDay {
		t.Fatalf("expected daily interval 1d, got %s", daily)
	}
}

func TestCalcMaxDrawdown(t *testing.T) {
	dd := calcMaxDrawdown([]float64{100, 110, 90, 95, 120, 80})
	want := (120.0 - 80.0) / 120.0
	if dd < want-1e-9 || dd > want+1e-9 {
		t.Fatalf("expected max drawdown %.6f, got %.6f", want, dd)
	}
}

func TestRunRespectsCancel(t *testing.T) {
	e, _ := newTestEngine(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []*domain.Bar{
		bar("RB99", t0, 3490, 3510, 3480, 3500, domain.IntervalDay),
		bar("RB99", t0.AddDate(0, 0, 1), 3500, 3520, 3495, 3510, domain.IntervalDay),
		bar("RB99", t0.AddDate(0, 0, 2), 3510, 3530, 3505, 3520, domain.IntervalDay),
	}
	e.Cancel()
	e.Run(bars)
	if len(e.DailySnapshots()) != 0 {
		t.Fatalf("expected cancel before Run to stop immediately, got %d snapshots", len(e.DailySnapshots()))
	}
}
