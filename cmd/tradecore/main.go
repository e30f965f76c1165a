// Package main is the tradecore runtime entry point: it wires the event
// bus, OMS, paper gateway, trade-engine firewall, rollover manager,
// strategy registry, NATS adapter and WS/HTTP hub into one running
// process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/adapter"
	"github.com/atlas-quant/tradecore/internal/authstore"
	"github.com/atlas-quant/tradecore/internal/config"
	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
	"github.com/atlas-quant/tradecore/internal/gateway"
	"github.com/atlas-quant/tradecore/internal/hub"
	"github.com/atlas-quant/tradecore/internal/logging"
	"github.com/atlas-quant/tradecore/internal/oms"
	"github.com/atlas-quant/tradecore/internal/rollover"
	"github.com/atlas-quant/tradecore/internal/strategy"
	"github.com/atlas-quant/tradecore/internal/tradeengine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	engineID := flag.String("engine-id", "", "Override the configured engine ID")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *engineID != "" {
		cfg.EngineID = *engineID
	}

	// Roll yesterday's log file aside before the logger reopens the
	// current-day path, and drop anything past the retention window.
	logging.RotateIfNeeded(cfg.Logging.LogDir, cfg.EngineID, time.Now())
	logging.PruneOld(cfg.Logging.LogDir, cfg.EngineID, cfg.Logging.RotationWindow, time.Now())

	logger, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Development: false,
		EngineID: cfg.EngineID, LogDir: cfg.Logging.LogDir,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting tradecore",
		zap.String("engine_id", cfg.EngineID),
		zap.Int("hub_port", cfg.Hub.Port),
	)

	bus := eventbus.New(logger, eventbus.Config{NumWorkers: cfg.Bus.NumWorkers, BufferSize: cfg.Bus.BufferSize})
	defer bus.Stop()

	bus.StartTimer(time.Minute)
	bus.Register(eventbus.TopicTimer, "logrotate", func(eventbus.Event) {
		logging.RotateIfNeeded(cfg.Logging.LogDir, cfg.EngineID, time.Now())
		logging.PruneOld(cfg.Logging.LogDir, cfg.EngineID, cfg.Logging.RotationWindow, time.Now())
	})

	omsEngine := oms.New(bus, oms.PolicyFlatNet)

	paperGateway := gateway.NewPaper(cfg.EngineID, bus, logger, nil, decimal.NewFromFloat(cfg.Backtest.InitialCash))
	for symbol, c := range cfg.Backtest.Contracts {
		paperGateway.SetContractParams(&domain.ContractParams{
			Symbol:     symbol,
			Size:       decimal.NewFromFloat(c.Size),
			MarginRate: decimal.NewFromFloat(c.MarginRate),
			LongRate:   decimal.NewFromFloat(c.LongCommission),
			ShortRate:  decimal.NewFromFloat(c.ShortCommission),
		})
	}
	if err := paperGateway.Connect(); err != nil {
		logger.Fatal("paper gateway connect failed", zap.Error(err))
	}
	defer paperGateway.Close()

	tradeEngine := tradeengine.New(paperGateway, logger)
	tradeEngine.RegisterBusHandlers(bus)

	// engine.mute / engine.switch arrive through the adapter's command
	// forwarding alongside rollover.start below.
	bus.Register(eventbus.TopicCommand, tradeEngine, func(evt eventbus.Event) {
		msg, ok := evt.Data.(adapter.CommandMessage)
		if !ok {
			return
		}
		switch msg.Cmd {
		case tradeengine.CmdEngineMute:
			tradeEngine.HandleMute(tradeengine.MuteCommand{
				Symbols: stringSliceField(msg.Data, "symbols"),
				On:      boolField(msg.Data, "on"),
				Reason:  stringField(msg.Data, "reason"),
			})
		case tradeengine.CmdEngineSwitch:
			tradeEngine.HandleSwitch(tradeengine.SwitchCommand{On: boolField(msg.Data, "on")})
		}
	})

	rolloverManager := rollover.New(tradeEngine, omsEngine, bus, logger)

	// Any "rollover.start" command the adapter can't handle itself falls
	// through to TopicCommand (see adapter.handleCommandMsg's default
	// case); pick it up here and hand it to the rollover manager.
	bus.Register(eventbus.TopicCommand, rolloverManager, func(evt eventbus.Event) {
		msg, ok := evt.Data.(adapter.CommandMessage)
		if !ok || msg.Cmd != "rollover.start" {
			return
		}
		cmd := rollover.Command{
			SymbolGroup: stringField(msg.Data, "symbol_group"),
			Old:         stringField(msg.Data, "old"),
			New:         stringField(msg.Data, "new"),
			Mode:        rollover.Mode(stringField(msg.Data, "mode")),
		}
		rolloverManager.Start(cmd)
	})

	registry := strategy.NewRegistry(logger)
	for symbol := range cfg.Backtest.Contracts {
		symbol := symbol
		registry.Register("breakout:"+symbol, func() strategy.Strategy {
			return strategy.NewBreakout(strategy.BreakoutConfig{
				Symbol: symbol, Exchange: domain.ExchangeSHFE, WindowBars: 20,
				StopDistance: decimal.NewFromInt(10), Equity: decimal.NewFromFloat(cfg.Backtest.InitialCash),
			})
		})
		registry.Register("mean_reversion:"+symbol, func() strategy.Strategy {
			return strategy.NewMeanReversion(strategy.MeanReversionConfig{
				Symbol: symbol, Exchange: domain.ExchangeSHFE,
			})
		})
	}
	logger.Info("registered strategies", zap.Strings("strategies", registry.List()))

	// Strategies emit request events onto the bus; the trade engine's bus
	// handlers route them through the firewall, so a muted or inactive
	// engine blocks strategy flow without strategies holding a gateway
	// handle.
	requests := strategy.NewBusSender(bus)
	for _, name := range registry.List() {
		impl, _ := registry.Create(name)
		strategy.New(impl, bus, omsEngine, requests)
		logger.Info("started strategy", zap.String("strategy", name))
	}

	nc, err := nats.Connect(cfg.Adapter.NATSURL)
	if err != nil {
		logger.Fatal("nats connect failed", zap.Error(err), zap.String("url", cfg.Adapter.NATSURL))
	}
	defer nc.Close()

	bridge := adapter.New(cfg.EngineID, bus, omsEngine, nc, logger, cfg.Logging.LogDir)
	if err := bridge.Start(); err != nil {
		logger.Fatal("adapter start failed", zap.Error(err))
	}
	defer bridge.Stop()

	authDB, err := authstore.Open(cfg.Hub.UsersDBPath)
	if err != nil {
		logger.Fatal("authstore open failed", zap.Error(err))
	}
	defer authDB.Close()

	tokens := hub.NewTokenIssuer(cfg.Hub.JWTSecret, cfg.Hub.AccessTTL, cfg.Hub.RefreshTTL)
	dispatcher := &natsDispatcher{nc: nc}
	h := hub.New(logger, tokens, dispatcher)
	go h.Run()
	defer h.Stop()

	bus.Register(eventbus.TopicOrder, h, func(evt eventbus.Event) { h.EmitEvent("order", evt.Data) })
	bus.Register(eventbus.TopicTrade, h, func(evt eventbus.Event) { h.EmitEvent("trade", evt.Data) })
	bus.Register(eventbus.TopicPosition, h, func(evt eventbus.Event) { h.EmitEvent("position", evt.Data) })

	reg := prometheus.NewRegistry()
	eventbus.NewMetrics(reg, bus)
	hub.RegisterMetrics(reg, h)

	router := hub.NewRouter(h, &hub.LoginHandler{Store: authDB, Tokens: tokens, Logger: logger}, &hub.RefreshHandler{Tokens: tokens}, reg)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Hub.Host, cfg.Hub.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("hub http server error", zap.Error(err))
		}
	}()
	logger.Info("hub listening", zap.String("addr", srv.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("hub shutdown error", zap.Error(err))
	}
}

// natsDispatcher forwards Hub engine.command calls onto the adapter's
// cmd.<engine> subject, closing the loop between the Hub's JSON-RPC
// surface and the Adapter's NATS command handling.
type natsDispatcher struct {
	nc *nats.Conn
}

func (d *natsDispatcher) Dispatch(engine, cmd string, data map[string]interface{}) error {
	payload, err := json.Marshal(adapter.CommandMessage{Cmd: cmd, Data: data, TS: time.Now().Unix()})
	if err != nil {
		return err
	}
	return d.nc.Publish("cmd."+engine, payload)
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func stringSliceField(data map[string]interface{}, key string) []string {
	raw, _ := data[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

