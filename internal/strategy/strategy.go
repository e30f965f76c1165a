// Package strategy implements the reconciliation loop every trading
// strategy runs on top of: react to market/order events by marking desired
// state dirty, then diff the desired plan against OMS live orders and emit
// the minimal place/modify/cancel requests to close the gap.
package strategy

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
	"github.com/atlas-quant/tradecore/internal/oms"
)

// Strategy is the interface every strategy implements. The Base reconciler
// drives it: event hooks mutate the strategy's own state and return whether
// that mutation should mark the plan dirty, Plan reports the desired order
// set keyed by a logical reference.
type Strategy interface {
	Name() string
	OnBar(bar *domain.Bar) bool
	OnTick(tick *domain.Tick) bool
	OnOrder(order *domain.Order) bool
	OnTrade(trade *domain.Trade) bool
	OnPosition(pos *domain.Position) bool
	Plan() map[string]PlanOrder
}

// PlanOrder is one entry of a strategy's desired order book: what should be
// resting at this reference, if anything.
type PlanOrder struct {
	Symbol       string
	Exchange     domain.Exchange
	Direction    domain.Direction
	Offset       domain.Offset
	Type         domain.OrderType
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Volume       decimal.Decimal
}

// Registry maps strategy names to constructors so runtimes can instantiate
// strategies from configuration by name.
type Registry struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	strategies map[string]func() Strategy
}

// NewRegistry builds an empty strategy registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, strategies: make(map[string]func() Strategy)}
}

// Register adds a strategy constructor under name.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Create instantiates a registered strategy.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.strategies[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns every registered strategy name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// Sender is the subset of the gateway/trade-engine surface the reconciler
// needs to act on a diff.
type Sender interface {
	SendOrder(req *domain.OrderRequest) string
	CancelOrder(req *domain.CancelRequest)
	ModifyOrder(req *domain.ModifyRequest)
}

// BusSender implements Sender by publishing order.req/cancel.req/modify.req
// events instead of invoking a gateway directly, keeping strategies coupled
// to the rest of the runtime only through the bus. The trade engine's
// RegisterBusHandlers picks the requests up on the other side.
type BusSender struct {
	bus *eventbus.Bus
}

// NewBusSender builds a Sender that emits request events onto bus.
func NewBusSender(bus *eventbus.Bus) *BusSender { return &BusSender{bus: bus} }

// SendOrder publishes an order.req event. The order ID is assigned
// downstream by whichever gateway ends up handling the request, so this
// always returns "".
func (s *BusSender) SendOrder(req *domain.OrderRequest) string {
	s.bus.PutSync(eventbus.TopicOrderRequest, req)
	return ""
}

// CancelOrder publishes a cancel.req event.
func (s *BusSender) CancelOrder(req *domain.CancelRequest) {
	s.bus.PutSync(eventbus.TopicCancelRequest, req)
}

// ModifyOrder publishes a modify.req event.
func (s *BusSender) ModifyOrder(req *domain.ModifyRequest) {
	s.bus.PutSync(eventbus.TopicModifyRequest, req)
}

// Base wires a Strategy's event hooks to the bus and runs the reconcile
// loop: a dirty flag set by any hook, a single
// pending-reconcile marker so multiple dirty signals only enqueue one pass,
// and a non-reentrant `reconciling` latch so a dirty signal that arrives
// mid-pass triggers exactly one more pass on exit rather than a nested
// recursive call.
type Base struct {
	mu sync.Mutex

	impl Strategy
	oms  *oms.Engine
	bus  *eventbus.Bus
	send Sender

	dirty       bool
	pending     bool
	reconciling bool

	live map[string]*domain.Order // reference -> live order, refreshed each pass
}

// New wires impl's hooks to bus and arms the reconcile loop; send is the
// gateway or trade-engine surface orders are placed through.
func New(impl Strategy, bus *eventbus.Bus, omsEngine *oms.Engine, send Sender) *Base {
	b := &Base{impl: impl, oms: omsEngine, bus: bus, send: send}

	bus.Register(eventbus.TopicBar, b, func(evt eventbus.Event) {
		if bar, ok := evt.Data.(*domain.Bar); ok && impl.OnBar(bar) {
			b.markDirty()
		}
	})
	bus.Register(eventbus.TopicTick, b, func(evt eventbus.Event) {
		if tick, ok := evt.Data.(*domain.Tick); ok && impl.OnTick(tick) {
			b.markDirty()
		}
	})
	bus.Register(eventbus.TopicOrder, b, func(evt eventbus.Event) {
		if o, ok := evt.Data.(*domain.Order); ok && impl.OnOrder(o) {
			b.markDirty()
		}
	})
	bus.Register(eventbus.TopicTrade, b, func(evt eventbus.Event) {
		if t, ok := evt.Data.(*domain.Trade); ok && impl.OnTrade(t) {
			b.markDirty()
		}
	})
	bus.Register(eventbus.TopicPosition, b, func(evt eventbus.Event) {
		if p, ok := evt.Data.(*domain.Position); ok && impl.OnPosition(p) {
			b.markDirty()
		}
	})
	bus.Register(eventbus.TopicCommand, b, func(evt eventbus.Event) {
		if cmd, ok := evt.Data.(reconcileCommand); ok && cmd.strategy == b {
			b.Reconcile()
		}
	})

	return b
}

// markDirty sets the dirty flag and, if no reconcile pass is already
// pending or running, dispatches one via PutSync so it runs synchronously
// on the goroutine that delivered the triggering event.
func (b *Base) markDirty() {
	b.mu.Lock()
	b.dirty = true
	shouldEnqueue := !b.pending && !b.reconciling
	if shouldEnqueue {
		b.pending = true
	}
	b.mu.Unlock()

	if shouldEnqueue {
		b.bus.PutSync(eventbus.TopicCommand, reconcileCommand{strategy: b})
	}
}

type reconcileCommand struct{ strategy *Base }

// Reconcile runs the dirty-while-loop: build the desired plan, diff against
// live orders carrying the same reference, and emit cancel/place/modify.
// Exported so a command dispatcher (or a test) can drive it directly
// instead of only through bus-triggered markDirty calls.
func (b *Base) Reconcile() {
	b.mu.Lock()
	if b.reconciling {
		b.mu.Unlock()
		return
	}
	b.reconciling = true
	b.pending = false
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if !b.dirty {
			b.reconciling = false
			b.mu.Unlock()
			return
		}
		b.dirty = false
		b.mu.Unlock()

		b.runPass()
	}
}

func (b *Base) runPass() {
	desired := b.impl.Plan()
	live := b.liveByReference()

	for reference, target := range desired {
		existing, ok := live[reference]
		if !ok {
			b.send.SendOrder(&domain.OrderRequest{
				Symbol: target.Symbol, Exchange: target.Exchange, Direction: target.Direction,
				Offset: target.Offset, Type: target.Type, Price: target.Price,
				TriggerPrice: target.TriggerPrice, Volume: target.Volume, Reference: reference,
			})
			continue
		}
		if !existing.Price.Equal(target.Price) || !existing.Volume.Equal(target.Volume) || !existing.TriggerPrice.Equal(target.TriggerPrice) {
			b.send.ModifyOrder(&domain.ModifyRequest{
				OrderID: existing.OrderID, Symbol: existing.Symbol, Exchange: existing.Exchange,
				Price: target.Price, Volume: target.Volume, TriggerPrice: target.TriggerPrice,
			})
		}
	}

	for reference, existing := range live {
		if _, ok := desired[reference]; !ok {
			b.send.CancelOrder(existing.CreateCancelRequest())
		}
	}
}

func (b *Base) liveByReference() map[string]*domain.Order {
	out := make(map[string]*domain.Order)
	for _, o := range b.oms.GetAllActiveOrders() {
		if o.Reference != "" {
			out[o.Reference] = o
		}
	}
	return out
}
