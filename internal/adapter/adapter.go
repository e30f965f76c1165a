// Package adapter bridges a trade engine's event bus to the message hub
// over NATS: orders and positions are published upstream tagged with an
// epoch/sequence pair so a subscriber can detect and discard stale
// traffic after a reconnect, and commands (snapshot, order/log queries,
// order amendment, position close) arrive downstream on a per-engine and
// a broadcast subject.
package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
	"github.com/atlas-quant/tradecore/internal/oms"
)

const defaultLogLimit = 500

// Envelope is the wire shape carried on every upstream order.<engine>
// message: {type, engine, ts, epoch, seq, data}.
type Envelope struct {
	Type   string      `json:"type"`
	Engine string      `json:"engine"`
	TS     int64       `json:"ts"`
	Epoch  int64       `json:"epoch"`
	Seq    int64       `json:"seq"`
	Data   interface{} `json:"data"`
}

// CommandMessage is the wire shape of a downstream cmd.<engine>/cmd.all
// message.
type CommandMessage struct {
	Cmd  string                 `json:"cmd"`
	Data map[string]interface{} `json:"data"`
	TS   int64                  `json:"ts"`
}

type outbound struct {
	topic    string
	data     interface{}
	enqEpoch int64
	snapshot bool
	sentinel bool
}

// Adapter is the engine-side half of the bridge: one instance per engine
// ID, wired to that engine's event bus and OMS.
type Adapter struct {
	engineID string
	bus      *eventbus.Bus
	oms      *oms.Engine
	logger   *zap.Logger
	nc       *nats.Conn
	logDir   string

	sendQ   chan outbound
	stopped atomic.Bool

	epochMu sync.Mutex
	epoch   int64
	seq     int64

	sub    *nats.Subscription
	subAll *nats.Subscription

	// publishFn defaults to publishing on the NATS connection; swapped out
	// in tests to capture stamped envelopes.
	publishFn func(subject string, env Envelope)

	logRe *regexp.Regexp
}

// New builds an Adapter for engineID, publishing order/position events
// from bus and OMS snapshots to nc, and accepting commands addressed to
// cmd.<engineID> or cmd.all. Order amendment commands are republished as
// request events on the bus, not executed here — the trade-engine firewall
// picks them up. logDir is where log.query resolves engine-dated log files
// from, per internal/logging's daily-rotation layout.
func New(engineID string, bus *eventbus.Bus, omsEngine *oms.Engine, nc *nats.Conn, logger *zap.Logger, logDir string) *Adapter {
	a := &Adapter{
		engineID: engineID,
		bus:      bus,
		oms:      omsEngine,
		logger:   logger,
		nc:       nc,
		logDir:   logDir,
		sendQ:    make(chan outbound, 1024),
		epoch:    1,
		logRe:    regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2})(?:[.,](\d{1,3}))?\s*\[(\w+)\]\s*(.*)$`),
	}
	a.publishFn = a.publish
	return a
}

// Start registers the bus handlers and launches the publish/subscribe
// goroutines.
func (a *Adapter) Start() error {
	a.bus.Register(eventbus.TopicOrder, a, func(evt eventbus.Event) {
		if o, ok := evt.Data.(*domain.Order); ok {
			a.enqueue("order", o)
		}
	})
	a.bus.Register(eventbus.TopicPosition, a, func(evt eventbus.Event) {
		if p, ok := evt.Data.(*domain.Position); ok {
			a.enqueue("position", p)
		}
	})

	sub, err := a.nc.Subscribe(a.cmdSubject(a.engineID), a.handleCommandMsg)
	if err != nil {
		return fmt.Errorf("subscribe cmd.%s: %w", a.engineID, err)
	}
	a.sub = sub
	subAll, err := a.nc.Subscribe("cmd.all", a.handleCommandMsg)
	if err != nil {
		return fmt.Errorf("subscribe cmd.all: %w", err)
	}
	a.subAll = subAll

	go a.publishLoop()
	return nil
}

// Stop unregisters bus handlers, drains the subscriptions, and shuts the
// sender down with a queue sentinel so a late enqueue never lands on a
// closed channel.
func (a *Adapter) Stop() {
	a.bus.Unregister(eventbus.TopicOrder, a)
	a.bus.Unregister(eventbus.TopicPosition, a)
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
	if a.subAll != nil {
		a.subAll.Unsubscribe()
	}
	if a.stopped.CompareAndSwap(false, true) {
		a.sendQ <- outbound{sentinel: true}
	}
}

func (a *Adapter) orderSubject() string { return "order." + a.engineID }
func (a *Adapter) cmdSubject(engineID string) string { return "cmd." + engineID }

func (a *Adapter) enqueue(eventType string, data interface{}) {
	if a.stopped.Load() {
		return
	}
	a.epochMu.Lock()
	enqEpoch := a.epoch
	a.epochMu.Unlock()

	env := Envelope{Type: eventType, Engine: a.engineID, TS: time.Now().Unix(), Data: data}
	a.sendQ <- outbound{topic: a.orderSubject(), data: env, enqEpoch: enqEpoch}
}

// publishLoop drains sendQ, stamping (epoch, seq) under the epoch lock so
// a snapshot's epoch bump is never straddled by a stale message landing
// after it — anything enqueued under an older epoch is dropped here
// rather than published.
func (a *Adapter) publishLoop() {
	for out := range a.sendQ {
		if out.sentinel {
			return
		}
		if out.snapshot {
			env := out.data.(Envelope)
			env.Epoch, env.Seq = out.enqEpoch, 0
			a.publishFn(out.topic, env)
			continue
		}

		a.epochMu.Lock()
		current := a.epoch
		if out.enqEpoch < current {
			a.epochMu.Unlock()
			continue
		}
		a.seq++
		env := out.data.(Envelope)
		env.Epoch, env.Seq = current, a.seq
		a.epochMu.Unlock()

		a.publishFn(out.topic, env)
	}
}

func (a *Adapter) publish(subject string, env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		a.logger.Error("adapter marshal failed", zap.Error(err))
		return
	}
	if err := a.nc.Publish(subject, b); err != nil {
		a.logger.Error("adapter publish failed", zap.Error(err), zap.String("subject", subject))
	}
}

// handleCommandMsg dispatches a single cmd.<engine>/cmd.all message.
func (a *Adapter) handleCommandMsg(msg *nats.Msg) {
	var cmd CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		a.logger.Error("bad command payload", zap.Error(err))
		return
	}
	a.logger.Info("adapter received command", zap.String("cmd", cmd.Cmd), zap.String("engine", a.engineID))

	switch strings.TrimSpace(cmd.Cmd) {
	case "snapshot":
		a.doSnapshot()
	case "order.query":
		a.handleOrderQuery(cmd.Data)
	case "log.query":
		a.handleLogQuery(cmd.Data)
	case "order.modify":
		a.handleOrderModify(cmd.Data)
	case "order.cancel":
		a.handleOrderCancel(cmd.Data)
	case "position.close":
		a.handlePositionClose(cmd.Data)
	default:
		a.bus.Put(eventbus.TopicCommand, cmd)
	}
}

// doSnapshot bumps the epoch, resets seq, and enqueues a full OMS
// snapshot as a seq=0 control message under the new epoch.
func (a *Adapter) doSnapshot() {
	payload := map[string]interface{}{
		"orders":      a.oms.GetAllActiveOrders(),
		"positions":   a.oms.GetAllPositions(),
		"snapshot_at": time.Now().Unix(),
	}

	a.epochMu.Lock()
	a.epoch++
	a.seq = 0
	newEpoch := a.epoch
	a.epochMu.Unlock()

	env := Envelope{Type: "snapshot", Engine: a.engineID, TS: time.Now().Unix(), Data: payload}
	a.sendQ <- outbound{topic: a.orderSubject(), data: env, enqEpoch: newEpoch, snapshot: true}
}

func (a *Adapter) handleOrderQuery(data map[string]interface{}) {
	limit := 0
	if v, ok := data["limit"]; ok {
		limit = toInt(v)
	}
	start := toTime(data["start_date"])
	end := toTime(data["end_date"])

	orders := a.oms.FilterOrders(limit, start, end)
	a.enqueue("orders", orders)
}

func (a *Adapter) handleOrderModify(data map[string]interface{}) {
	orderID, _ := data["vt_orderid"].(string)
	order, ok := a.oms.GetOrder(orderID)
	if !ok {
		return
	}

	price := order.Price
	volume := order.Volume
	trigger := order.TriggerPrice
	havePrice, haveVolume, haveTrigger := false, false, false
	if v, ok := data["price"]; ok {
		price = toDecimal(v)
		havePrice = true
	}
	if v, ok := data["qty"]; ok {
		volume = toDecimal(v)
		haveVolume = true
	}
	if v, ok := data["trigger_price"]; ok {
		trigger = toDecimal(v)
		haveTrigger = true
	}
	if !havePrice && !haveVolume && !haveTrigger {
		return
	}

	a.bus.Put(eventbus.TopicModifyRequest, &domain.ModifyRequest{
		OrderID: order.OrderID, Symbol: order.Symbol, Exchange: order.Exchange,
		Volume: volume, Price: price, TriggerPrice: trigger,
	})
}

func (a *Adapter) handleOrderCancel(data map[string]interface{}) {
	orderID, _ := data["vt_orderid"].(string)
	order, ok := a.oms.GetOrder(orderID)
	if !ok {
		return
	}
	a.bus.Put(eventbus.TopicCancelRequest, order.CreateCancelRequest())
}

// handlePositionClose flattens the identified position with an opposite-
// direction MARKET order. Volume on the wire is always non-negative; the
// closing direction comes from the position's own direction.
func (a *Adapter) handlePositionClose(data map[string]interface{}) {
	positionID, _ := data["vt_positionid"].(string)
	for _, p := range a.oms.GetAllPositions() {
		if p.VTPositionID() != positionID {
			continue
		}
		direction := domain.DirectionShort
		if p.Direction == domain.DirectionShort {
			direction = domain.DirectionLong
		}
		a.bus.Put(eventbus.TopicOrderRequest, &domain.OrderRequest{
			Symbol: p.Symbol, Exchange: p.Exchange, Direction: direction,
			Volume: p.Volume, Type: domain.OrderTypeMarket, Offset: domain.OffsetClose,
			Reference: "ENGINE:Close",
		})
		return
	}
}

// handleLogQuery reads back engine log lines matching an optional time
// range, substring, and level filter, defaulting to today's (or a named
// date's) rotated log file.
func (a *Adapter) handleLogQuery(data map[string]interface{}) {
	path, _ := data["path"].(string)
	startS, _ := data["start"].(string)
	endS, _ := data["end"].(string)
	dateS, _ := data["date"].(string)
	limit := defaultLogLimit
	if v, ok := data["limit"]; ok {
		limit = toInt(v)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 10000 {
		limit = 10000
	}

	includeTerms := toStringSlice(data["include"])
	levelSet := toStringSet(data["level"])

	var startDT, endDT *time.Time
	if startS != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", startS); err == nil {
			startDT = &t
		}
	}
	if endS != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", endS); err == nil {
			endDT = &t
		}
	}

	if path == "" {
		path = a.defaultLogPath(startS, dateS)
	}

	var lines []string
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		lines = a.readLogRange(path, startDT, endDT, includeTerms, levelSet, limit)
	}

	rangeOut := map[string]interface{}{"start": nil, "end": nil}
	if startDT != nil {
		rangeOut["start"] = startDT.Format("2006-01-02 15:04:05")
	}
	if endDT != nil {
		rangeOut["end"] = endDT.Format("2006-01-02 15:04:05")
	}

	a.enqueue("log", map[string]interface{}{
		"path": path, "count": len(lines), "range": rangeOut, "lines": lines,
	})
}

func (a *Adapter) defaultLogPath(startS, dateS string) string {
	date := dateS
	if date == "" && startS != "" {
		if len(startS) >= 10 {
			date = startS[:10]
		}
	}
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if date == time.Now().Format("2006-01-02") {
		return a.logDir + "/" + a.engineID + ".log"
	}
	return a.logDir + "/" + a.engineID + ".log." + date
}

// readLogRange applies the time/substring/level filters to every line of
// path and returns only the last limit matches (tail semantics), not the
// first limit matches.
func (a *Adapter) readLogRange(path string, start, end *time.Time, include []string, levels map[string]bool, limit int) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var matched []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		if len(include) > 0 && !containsAny(line, include) {
			continue
		}

		m := a.logRe.FindStringSubmatch(line)
		if m != nil {
			if len(levels) > 0 && !levels[strings.ToUpper(m[4])] {
				continue
			}
			if lineTime, terr := time.Parse("2006-01-02 15:04:05", m[1]+" "+m[2]); terr == nil {
				if start != nil && lineTime.Before(*start) {
					continue
				}
				if end != nil && lineTime.After(*end) {
					continue
				}
			}
		}
		matched = append(matched, line)
	}

	if len(matched) > limit {
		return matched[len(matched)-limit:]
	}
	return matched
}

func containsAny(line string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(line, t) {
			return true
		}
	}
	return false
}

func toStringSlice(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, x := range val {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toStringSet(v interface{}) map[string]bool {
	terms := toStringSlice(v)
	if len(terms) == 0 {
		return nil
	}
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[strings.ToUpper(t)] = true
	}
	return set
}

func toInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	}
	return 0
}

func toDecimal(v interface{}) decimal.Decimal {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case string:
		d, _ := decimal.NewFromString(val)
		return d
	case int:
		return decimal.NewFromInt(int64(val))
	}
	return decimal.Zero
}

func toTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}
