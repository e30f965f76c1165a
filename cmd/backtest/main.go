// Command backtest runs a single bar-driven backtest from CSV input and
// prints the resulting statistics. This binary owns the offline backtest
// path; cmd/tradecore owns the live/paper runtime.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/backtester"
	"github.com/atlas-quant/tradecore/internal/config"
	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
	"github.com/atlas-quant/tradecore/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	csvPath := flag.String("csv", "", "Path to the bar CSV file (required)")
	gatewayName := flag.String("gateway", "BACKTEST", "Gateway name stamped on loaded bars")
	exchange := flag.String("exchange", string(domain.ExchangeLOCAL), "Exchange stamped on loaded bars")
	flag.Parse()

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "backtest: -csv is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Development: false,
		EngineID: cfg.EngineID, LogDir: cfg.Logging.LogDir,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	f, err := os.Open(*csvPath)
	if err != nil {
		logger.Fatal("open csv", zap.Error(err))
	}
	defer f.Close()

	bars, err := backtester.LoadBarsCSV(f, *gatewayName, domain.Exchange(*exchange))
	if err != nil {
		logger.Fatal("load bars", zap.Error(err))
	}
	if len(bars) == 0 {
		logger.Fatal("csv contained no bars")
	}

	bus := eventbus.New(logger, eventbus.DefaultConfig())
	defer bus.Stop()

	var contracts []*domain.ContractParams
	for symbol, c := range cfg.Backtest.Contracts {
		contracts = append(contracts, &domain.ContractParams{
			Symbol:     symbol,
			Size:       decimal.NewFromFloat(c.Size),
			MarginRate: decimal.NewFromFloat(c.MarginRate),
			LongRate:   decimal.NewFromFloat(c.LongCommission),
			ShortRate:  decimal.NewFromFloat(c.ShortCommission),
		})
	}

	engine := backtester.New(bus, logger, backtester.Config{
		GatewayName:         *gatewayName,
		InitialCash:         decimal.NewFromFloat(cfg.Backtest.InitialCash),
		RiskFreeRate:        decimal.NewFromFloat(cfg.Backtest.RiskFreeRate),
		AnnualDays:          cfg.Backtest.AnnualDays,
		MatchedInterval:     domain.Interval(cfg.Backtest.MatchedInterval),
		DailyUpdateInterval: domain.Interval(cfg.Backtest.DailyUpdateInterval),
		Contracts:           contracts,
	})

	stats := engine.Run(bars)

	fmt.Printf("total_return=%s annual_return=%s sharpe=%s max_drawdown=%s\n",
		stats.TotalReturn.StringFixed(4),
		stats.AnnualReturn.StringFixed(4),
		stats.Sharpe.StringFixed(4),
		stats.MaxDrawdown.StringFixed(4),
	)
}
