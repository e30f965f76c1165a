// Package rollover drives a single contract-month rollover as an explicit
// state machine: cancel old-contract strategy orders, wait for the book to
// clear, then open the new position and flatten the old one (or the other
// way round for a flat rollover), acking each leg on its first non-rejected
// order event.
package rollover

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
	"github.com/atlas-quant/tradecore/internal/oms"
)

// Phase is a rollover task's current state.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseCancel     Phase = "CANCEL"
	PhaseWaitCancel Phase = "WAIT_CANCEL"
	PhaseAwaitPos   Phase = "AWAIT_POS"
	PhaseIssue      Phase = "ISSUE"
	PhaseWaitAcks   Phase = "WAIT_ACKS"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
)

// Mode selects leg ordering: hedged opens the new contract before closing
// the old one (briefly double-exposed); flat closes first.
type Mode string

const (
	ModeHedged Mode = "hedged"
	ModeFlat   Mode = "flat"
)

// Command is the input that starts a rollover: rollover {symbol_group, old,
// new, mode}.
type Command struct {
	SymbolGroup string
	Old         string
	New         string
	Mode        Mode
}

// Reference builds the ROLL:<group>:<old>-><new>:OPEN|CLOSE reference every
// order this task sends carries, so the trade engine firewall and this
// manager's cancel pass can both recognize rollover-originated flow.
func (t *Task) Reference(leg string) string {
	return fmt.Sprintf("ROLL:%s:%s->%s:%s", t.cmd.SymbolGroup, t.cmd.Old, t.cmd.New, leg)
}

// Gateway is the downstream surface legs are sent through — ordinarily the
// trade engine, so rollover orders get the ROLL: firewall bypass.
type Gateway interface {
	SendOrder(req *domain.OrderRequest) string
	CancelOrder(req *domain.CancelRequest)
}

// Task tracks one in-flight rollover.
type Task struct {
	cmd   Command
	phase Phase

	seenNonAllCancelled bool
	wantedOrderIDs      map[string]bool // legs issued in ISSUE, awaiting ACK
	ackedOrderIDs       map[string]bool
	failed              bool
}

// impacted reports whether symbol belongs to this rollover: the group's
// generic symbol counts alongside the two contract months, so orders
// resting on the continuous symbol are cleared too.
func (t *Task) impacted(symbol string) bool {
	return symbol == t.cmd.SymbolGroup || symbol == t.cmd.Old || symbol == t.cmd.New
}

// CurrentPhase returns the task's current phase.
func (t *Task) CurrentPhase() Phase { return t.phase }

// Manager runs zero or more concurrent rollover tasks, one per symbol group.
type Manager struct {
	mu sync.Mutex

	gateway Gateway
	oms     *oms.Engine
	logger  *zap.Logger

	tasks map[string]*Task // symbol group -> task
}

// New builds a rollover manager and wires its OnOrder/OnPosition handlers
// to bus, so tasks advance from the same events the OMS consumes.
func New(gateway Gateway, omsEngine *oms.Engine, bus *eventbus.Bus, logger *zap.Logger) *Manager {
	m := &Manager{gateway: gateway, oms: omsEngine, logger: logger, tasks: make(map[string]*Task)}

	bus.Register(eventbus.TopicOrder, m, func(evt eventbus.Event) {
		if o, ok := evt.Data.(*domain.Order); ok {
			m.OnOrder(o)
		}
	})
	bus.Register(eventbus.TopicPosition, m, func(evt eventbus.Event) {
		if p, ok := evt.Data.(*domain.Position); ok {
			m.OnPosition(p)
		}
	})

	return m
}

// Start begins a new rollover task for cmd.SymbolGroup, entering CANCEL
// immediately.
func (m *Manager) Start(cmd Command) {
	m.mu.Lock()
	task := &Task{cmd: cmd, phase: PhaseCancel, wantedOrderIDs: make(map[string]bool), ackedOrderIDs: make(map[string]bool)}
	m.tasks[cmd.SymbolGroup] = task
	m.mu.Unlock()

	m.enterCancel(task)
}

func (m *Manager) enterCancel(t *Task) {
	for _, o := range m.oms.GetAllActiveOrders() {
		if t.impacted(o.Symbol) && !strings.HasPrefix(o.Reference, "ROLL:") {
			m.gateway.CancelOrder(o.CreateCancelRequest())
		}
	}
	t.phase = PhaseWaitCancel
	m.checkCancelComplete(t)
}

func (m *Manager) checkCancelComplete(t *Task) {
	for _, o := range m.oms.GetAllActiveOrders() {
		if t.impacted(o.Symbol) && !strings.HasPrefix(o.Reference, "ROLL:") {
			return // a non-roll active order remains on an impacted symbol
		}
	}
	t.phase = PhaseAwaitPos
	m.advanceAwaitPos(t)
}

// OnOrder feeds an Order event to every in-flight task whose symbols it
// touches, advancing WAIT_CANCEL/WAIT_ACKS phases as appropriate.
func (m *Manager) OnOrder(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.phase == PhaseWaitCancel && t.impacted(o.Symbol) {
			if !o.IsActive() && o.Status != domain.OrderStatusAllCancelled {
				t.seenNonAllCancelled = true
			}
			m.checkCancelComplete(t)
		}
		if t.phase == PhaseWaitAcks && t.wantedOrderIDs[o.OrderID] {
			if o.Status == domain.OrderStatusRejected {
				t.phase = PhaseFailed
				continue
			}
			// Any non-rejected order event acks the leg — WAIT_ACKS only
			// waits for the gateway to accept the order, not for it to fill.
			t.ackedOrderIDs[o.OrderID] = true
			if len(t.ackedOrderIDs) >= len(t.wantedOrderIDs) {
				t.phase = PhaseDone
			}
		}
	}
}

// advanceAwaitPos implements step 4: look up the old-symbol position and
// decide whether to finish (no fills, no position), stay (fills but no
// position yet — an out-of-order event), or issue the OPEN/CLOSE legs.
func (m *Manager) advanceAwaitPos(t *Task) {
	pos, ok := m.oms.GetPosition(t.cmd.Old)
	hasPosition := ok && !pos.Volume.IsZero()

	if !hasPosition {
		if !t.seenNonAllCancelled {
			t.phase = PhaseDone
			return
		}
		// Fills happened during cancel but no position is visible yet:
		// stay in AWAIT_POS for the position event to catch up.
		return
	}

	if pos.Exchange == domain.ExchangeUNKNOWN || pos.Exchange == "" {
		t.phase = PhaseDone
		return
	}

	t.phase = PhaseIssue
	m.issueLegs(t, pos)
}

// OnPosition re-checks AWAIT_POS tasks once a position update arrives,
// covering the out-of-order-event case.
func (m *Manager) OnPosition(p *domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.phase == PhaseAwaitPos && p.Symbol == t.cmd.Old {
			m.advanceAwaitPos(t)
		}
	}
}

func (m *Manager) issueLegs(t *Task, oldPos *domain.Position) {
	openDirection := oldPos.Direction // same direction on the new contract
	closeDirection := domain.DirectionLong
	if oldPos.Direction == domain.DirectionLong {
		closeDirection = domain.DirectionShort
	}

	open := &domain.OrderRequest{
		Symbol: t.cmd.New, Exchange: oldPos.Exchange, Direction: openDirection,
		Type: domain.OrderTypeMarket, Volume: oldPos.Volume, Reference: t.Reference("OPEN"),
	}
	closeReq := &domain.OrderRequest{
		Symbol: t.cmd.Old, Exchange: oldPos.Exchange, Direction: closeDirection,
		Offset: domain.OffsetClose, Type: domain.OrderTypeMarket, Volume: oldPos.Volume, Reference: t.Reference("CLOSE"),
	}

	var first, second *domain.OrderRequest
	if t.cmd.Mode == ModeFlat {
		first, second = closeReq, open
	} else {
		first, second = open, closeReq
	}

	id1 := m.gateway.SendOrder(first)
	id2 := m.gateway.SendOrder(second)
	t.wantedOrderIDs[id1] = true
	t.wantedOrderIDs[id2] = true

	t.phase = PhaseWaitAcks
}

// Phase returns the current phase for a symbol group's rollover, if any.
func (m *Manager) Phase(symbolGroup string) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[symbolGroup]
	if !ok {
		return PhaseIdle, false
	}
	return t.phase, true
}

