package backtester

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
)

// DailySnapshot is one row of the account_daily/position_daily/contract_daily
// history the original backtest accumulates on every daily_update_interval
// window flush.
type DailySnapshot struct {
	Datetime    time.Time
	Account     domain.Account
	Positions   []domain.Position
	ContractLog map[string]ContractDailyLog
}

// Statistics is the result of calculate_statistics(): total/annualized
// return, Sharpe ratio and max drawdown over the account_daily equity curve.
type Statistics struct {
	TotalReturn  decimal.Decimal
	AnnualReturn decimal.Decimal
	Sharpe       decimal.Decimal
	MaxDrawdown  decimal.Decimal
}

// Config bundles the parameters the driver needs beyond the bar series
// itself.
type Config struct {
	GatewayName         string
	InitialCash         decimal.Decimal
	RiskFreeRate        decimal.Decimal
	AnnualDays          int
	MatchedInterval     domain.Interval // zero value => inferred as the minimum present interval
	DailyUpdateInterval domain.Interval // zero value => inferred as the maximum present interval
	Contracts           []*domain.ContractParams
}

// Engine is the backtest driver: it owns a Gateway (Component D) and an
// AccountingEngine (Component E), feeds them a chronologically ordered bar
// series, and computes performance statistics at the end.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	bus    *eventbus.Bus
	logger *zap.Logger

	gateway    *Gateway
	accounting *AccountingEngine

	matchedInterval     domain.Interval
	dailyUpdateInterval domain.Interval

	currentTime time.Time

	dailySnapshots []DailySnapshot

	cancelled atomic.Bool
}

// New constructs a backtest engine. Call Run with a pre-loaded bar series;
// matched/daily intervals are inferred from the data when the config leaves
// them zero.
func New(bus *eventbus.Bus, logger *zap.Logger, cfg Config) *Engine {
	if cfg.AnnualDays == 0 {
		cfg.AnnualDays = 240
	}
	if cfg.GatewayName == "" {
		cfg.GatewayName = "BACKTEST"
	}

	e := &Engine{
		cfg:                 cfg,
		bus:                 bus,
		logger:              logger,
		matchedInterval:     cfg.MatchedInterval,
		dailyUpdateInterval: cfg.DailyUpdateInterval,
	}
	e.accounting = NewAccountingEngine(cfg.GatewayName, "BACKTEST", cfg.InitialCash)
	for _, c := range cfg.Contracts {
		e.accounting.SetContractParams(c)
	}
	e.gateway = NewGateway(cfg.GatewayName, e)
	return e
}

// OnOrder implements Sink: forwards to the event bus for the general OMS
// and any other subscriber (Strategy, Hub, Adapter).
func (e *Engine) OnOrder(o *domain.Order) {
	e.bus.Put(eventbus.TopicOrder, o)
}

// OnTrade implements Sink: applies the fill to the accounting engine, then
// publishes for downstream subscribers.
func (e *Engine) OnTrade(t *domain.Trade) {
	e.accounting.ProcessTrade(t)
	e.bus.Put(eventbus.TopicTrade, t)
}

// OnPosition implements Sink: publishes the gateway's raw position event.
// The accounting engine is the authority on actual position state; this
// event exists so OMS-style consumers that want the gateway's view (as
// opposed to the accounting engine's averaged view) can still observe it.
func (e *Engine) OnPosition(p *domain.Position) {
	e.bus.Put(eventbus.TopicPosition, p)
}

// SendOrder, CancelOrder and ModifyOrder forward to the underlying Gateway;
// TradeEngine/Strategy code drives the backtest purely through these.
func (e *Engine) SendOrder(req *domain.OrderRequest) string { return e.gateway.SendOrder(req) }
func (e *Engine) CancelOrder(req *domain.CancelRequest)     { e.gateway.CancelOrder(req) }
func (e *Engine) ModifyOrder(req *domain.ModifyRequest)     { e.gateway.ModifyOrder(req) }

// Cancel requests the run loop stop at the next bar boundary.
func (e *Engine) Cancel() { e.cancelled.Store(true) }

// Accounting exposes the underlying accounting engine for callers that need
// direct read access to its positions and account.
func (e *Engine) Accounting() *AccountingEngine { return e.accounting }

// inferIntervals defaults the matched interval to the smallest present in
// the data and the daily-update interval to the largest, unless the caller
// already pinned one or both. With a single interval supplied it serves
// both roles.
func inferIntervals(bars []*domain.Bar, matched, daily domain.Interval) (domain.Interval, domain.Interval) {
	seen := map[domain.Interval]bool{}
	var all []domain.Interval
	for _, b := range bars {
		if !seen[b.Interval] {
			seen[b.Interval] = true
			all = append(all, b.Interval)
		}
	}
	if matched == domain.IntervalNone || matched == "" {
		matched = domain.MinInterval(all)
	}
	if daily == domain.IntervalNone || daily == "" {
		daily = domain.MaxInterval(all)
	}
	return matched, daily
}

// Run drives bars, sorted chronologically by (EndDatetime, Interval),
// through the matching gateway and daily mark-to-market, then returns the
// final statistics.
func (e *Engine) Run(bars []*domain.Bar) Statistics {
	e.matchedInterval, e.dailyUpdateInterval = inferIntervals(bars, e.matchedInterval, e.dailyUpdateInterval)

	sort.SliceStable(bars, func(i, j int) bool {
		ei, ej := bars[i].EndDatetime(), bars[j].EndDatetime()
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return bars[i].Interval.Less(bars[j].Interval)
	})

	var preUpdateTime time.Time
	updated := map[string]decimal.Decimal{}

	for _, bar := range bars {
		if e.cancelled.Load() {
			break
		}

		if bar.Interval == e.matchedInterval {
			e.currentTime = bar.Datetime
		}
		e.onBar(bar)

		if bar.Interval == e.dailyUpdateInterval {
			// Window boundary: the next daily-interval bar carries a new
			// datetime, so flush the closes accumulated for the window that
			// just ended, keyed by that window's own time.
			if !preUpdateTime.IsZero() && !bar.Datetime.Equal(preUpdateTime) {
				if len(updated) > 0 {
					e.flushDailyWindow(preUpdateTime, updated)
					updated = map[string]decimal.Decimal{}
				}
			}
			updated[bar.Symbol] = bar.Close
			preUpdateTime = bar.Datetime
		}
	}

	if len(updated) > 0 {
		e.flushDailyWindow(preUpdateTime, updated)
	}

	return e.CalculateStatistics()
}

func (e *Engine) onBar(bar *domain.Bar) {
	e.bus.Put(eventbus.TopicBar, bar)
	if bar.Interval == e.matchedInterval {
		e.gateway.OnBar(bar)
	}
}

func (e *Engine) flushDailyWindow(at time.Time, lastPrices map[string]decimal.Decimal) {
	e.accounting.RenewUnrealizedPnL(lastPrices)

	snap := DailySnapshot{
		Datetime:    at,
		Account:     *e.accounting.Account(),
		ContractLog: make(map[string]ContractDailyLog, len(e.accounting.ContractLog())),
	}
	for sym, log := range e.accounting.ContractLog() {
		snap.ContractLog[sym] = *log
	}
	for _, p := range e.accounting.Positions() {
		snap.Positions = append(snap.Positions, *p)
	}
	e.dailySnapshots = append(e.dailySnapshots, snap)
}

// DailySnapshots returns the accumulated mark-to-market history.
func (e *Engine) DailySnapshots() []DailySnapshot { return e.dailySnapshots }

// CalculateStatistics computes total return, the daily-returns Sharpe ratio
// (mean - rf/annual_days) / (std + eps) * sqrt(annual_days), max drawdown
// as max((peak - equity) / peak), and annual return by compounding the mean
// daily return.
func (e *Engine) CalculateStatistics() Statistics {
	if len(e.dailySnapshots) == 0 {
		return Statistics{}
	}

	equities := make([]float64, len(e.dailySnapshots))
	for i, s := range e.dailySnapshots {
		equities[i], _ = s.Account.Equity.Float64()
	}

	initial, _ := e.cfg.InitialCash.Float64()
	finalEquity := equities[len(equities)-1]
	totalReturn := finalEquity/initial - 1

	var returns []float64
	for i := 1; i < len(equities); i++ {
		if equities[i-1] == 0 {
			continue
		}
		returns = append(returns, equities[i]/equities[i-1]-1)
	}

	mean, std := meanStd(returns)
	rf, _ := e.cfg.RiskFreeRate.Float64()
	annualDays := float64(e.cfg.AnnualDays)
	sharpe := (mean - rf/annualDays) / (std + 1e-9) * math.Sqrt(annualDays)

	maxDD := calcMaxDrawdown(equities)
	annualReturn := math.Pow(1+mean, annualDays) - 1

	return Statistics{
		TotalReturn:  decimal.NewFromFloat(totalReturn),
		AnnualReturn: decimal.NewFromFloat(annualReturn),
		Sharpe:       decimal.NewFromFloat(sharpe),
		MaxDrawdown:  decimal.NewFromFloat(maxDD),
	}
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))

	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	std = math.Sqrt(sqDiff / float64(len(xs)))
	return mean, std
}

func calcMaxDrawdown(equities []float64) float64 {
	if len(equities) == 0 {
		return 0
	}
	peak := equities[0]
	maxDD := 0.0
	for _, x := range equities {
		if x > peak {
			peak = x
		}
		if peak == 0 {
			continue
		}
		dd := (peak - x) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}
