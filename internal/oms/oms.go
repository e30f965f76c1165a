// Package oms maintains the consistent, queryable snapshot of orders,
// trades, positions, accounts, contracts and quotes that every other
// component reads: the strategy reconciler diffs against it, the adapter
// snapshots it, the Hub reports it.
package oms

import (
	"sort"
	"sync"
	"time"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
)

// PositionPolicy selects how incoming Position events are folded into the
// OMS's position map.
type PositionPolicy int

const (
	// PolicyFlatNet overwrites the position map directly with whatever the
	// gateway reports, keyed by plain symbol — this is OmsBase's behavior.
	PolicyFlatNet PositionPolicy = iota
	// PolicyNetting treats each incoming Position as a signed delta against
	// the existing position: zero nets out the entry, a sign flip flips
	// direction. This is OmsMhi's behavior.
	PolicyNetting
)

// Engine is the OMS: an in-memory, event-driven snapshot store.
type Engine struct {
	mu sync.RWMutex

	policy PositionPolicy

	ticks     map[string]*domain.Tick
	orders    map[string]*domain.Order
	trades    map[string]*domain.Trade
	positions map[string]*domain.Position
	accounts  map[string]*domain.Account
	contracts map[string]*domain.ContractParams
	quotes    map[string]*domain.Quote

	activeOrders map[string]*domain.Order
	activeQuotes map[string]*domain.Quote
}

// New builds an OMS wired to the bus under the given position-update
// policy.
func New(bus *eventbus.Bus, policy PositionPolicy) *Engine {
	e := &Engine{
		policy:       policy,
		ticks:        make(map[string]*domain.Tick),
		orders:       make(map[string]*domain.Order),
		trades:       make(map[string]*domain.Trade),
		positions:    make(map[string]*domain.Position),
		accounts:     make(map[string]*domain.Account),
		contracts:    make(map[string]*domain.ContractParams),
		quotes:       make(map[string]*domain.Quote),
		activeOrders: make(map[string]*domain.Order),
		activeQuotes: make(map[string]*domain.Quote),
	}

	bus.Register(eventbus.TopicTick, e, func(evt eventbus.Event) {
		if t, ok := evt.Data.(*domain.Tick); ok {
			e.onTick(t)
		}
	})
	bus.Register(eventbus.TopicOrder, e, func(evt eventbus.Event) {
		if o, ok := evt.Data.(*domain.Order); ok {
			e.onOrder(o)
		}
	})
	bus.Register(eventbus.TopicTrade, e, func(evt eventbus.Event) {
		if t, ok := evt.Data.(*domain.Trade); ok {
			e.onTrade(t)
		}
	})
	bus.Register(eventbus.TopicPosition, e, func(evt eventbus.Event) {
		if p, ok := evt.Data.(*domain.Position); ok {
			e.onPosition(p)
		}
	})
	bus.Register(eventbus.TopicAccount, e, func(evt eventbus.Event) {
		if a, ok := evt.Data.(*domain.Account); ok {
			e.onAccount(a)
		}
	})
	bus.Register(eventbus.TopicContract, e, func(evt eventbus.Event) {
		if c, ok := evt.Data.(*domain.ContractParams); ok {
			e.onContract(c)
		}
	})
	bus.Register(eventbus.TopicQuote, e, func(evt eventbus.Event) {
		if q, ok := evt.Data.(*domain.Quote); ok {
			e.onQuote(q)
		}
	})

	return e
}

func (e *Engine) onTick(t *domain.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks[t.VTSymbol()] = t
}

func (e *Engine) onOrder(o *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := o.VTOrderID()
	e.orders[id] = o
	if o.IsActive() {
		e.activeOrders[id] = o
	} else {
		delete(e.activeOrders, id)
	}
}

func (e *Engine) onTrade(t *domain.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades[t.VTTradeID()] = t
}

// onPosition applies the configured policy. PolicyFlatNet mirrors OmsBase's
// process_position_event (keyed by plain symbol, direct overwrite);
// PolicyNetting mirrors OmsMhi's signed-delta merge.
func (e *Engine) onPosition(p *domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policy == PolicyFlatNet {
		e.positions[p.Symbol] = p
		return
	}

	existing, ok := e.positions[p.Symbol]
	if !ok {
		e.positions[p.Symbol] = p
		return
	}

	deltaVolume := p.Volume
	if p.Direction != domain.DirectionLong {
		deltaVolume = p.Volume.Neg()
	}
	oldVolume := existing.Volume
	if existing.Direction != domain.DirectionLong {
		oldVolume = existing.Volume.Neg()
	}

	newVolume := oldVolume.Add(deltaVolume)
	switch {
	case newVolume.IsZero():
		delete(e.positions, p.Symbol)
	case newVolume.IsNegative():
		existing.Volume = newVolume.Abs()
		existing.Direction = domain.DirectionShort
	default:
		existing.Volume = newVolume.Abs()
		existing.Direction = domain.DirectionLong
	}
}

func (e *Engine) onAccount(a *domain.Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accounts[a.VTAccountID()] = a
}

func (e *Engine) onContract(c *domain.ContractParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contracts[c.Symbol] = c
}

func (e *Engine) onQuote(q *domain.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := q.VTQuoteID()
	e.quotes[id] = q
	if q.IsActive() {
		e.activeQuotes[id] = q
	} else {
		delete(e.activeQuotes, id)
	}
}

// GetTick returns the latest tick for vtSymbol, if any.
func (e *Engine) GetTick(vtSymbol string) (*domain.Tick, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.ticks[vtSymbol]
	return t, ok
}

// GetOrder returns the current snapshot of an order by its composite ID.
func (e *Engine) GetOrder(vtOrderID string) (*domain.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[vtOrderID]
	return o, ok
}

// GetTrade returns a trade by its composite ID.
func (e *Engine) GetTrade(vtTradeID string) (*domain.Trade, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[vtTradeID]
	return t, ok
}

// GetPosition returns the current position for a symbol.
func (e *Engine) GetPosition(symbol string) (*domain.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[symbol]
	return p, ok
}

// GetAccount returns an account by its composite ID.
func (e *Engine) GetAccount(vtAccountID string) (*domain.Account, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[vtAccountID]
	return a, ok
}

// GetContract returns contract params for a symbol.
func (e *Engine) GetContract(symbol string) (*domain.ContractParams, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.contracts[symbol]
	return c, ok
}

// GetQuote returns a quote by its composite ID.
func (e *Engine) GetQuote(vtQuoteID string) (*domain.Quote, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.quotes[vtQuoteID]
	return q, ok
}

// GetAllTicks returns every tracked tick.
func (e *Engine) GetAllTicks() []*domain.Tick {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Tick, 0, len(e.ticks))
	for _, t := range e.ticks {
		out = append(out, t)
	}
	return out
}

// GetAllOrders returns every tracked order.
func (e *Engine) GetAllOrders() []*domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	return out
}

// GetAllTrades returns every tracked trade.
func (e *Engine) GetAllTrades() []*domain.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, t)
	}
	return out
}

// GetAllPositions returns every tracked position.
func (e *Engine) GetAllPositions() []*domain.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// GetAllAccounts returns every tracked account.
func (e *Engine) GetAllAccounts() []*domain.Account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, a)
	}
	return out
}

// GetAllContracts returns every tracked contract.
func (e *Engine) GetAllContracts() []*domain.ContractParams {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.ContractParams, 0, len(e.contracts))
	for _, c := range e.contracts {
		out = append(out, c)
	}
	return out
}

// GetAllQuotes returns every tracked quote.
func (e *Engine) GetAllQuotes() []*domain.Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Quote, 0, len(e.quotes))
	for _, q := range e.quotes {
		out = append(out, q)
	}
	return out
}

// GetAllActiveOrders returns every order currently in a non-terminal state.
func (e *Engine) GetAllActiveOrders() []*domain.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Order, 0, len(e.activeOrders))
	for _, o := range e.activeOrders {
		out = append(out, o)
	}
	return out
}

// GetAllActiveQuotes returns every quote currently in a non-terminal state.
func (e *Engine) GetAllActiveQuotes() []*domain.Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Quote, 0, len(e.activeQuotes))
	for _, q := range e.activeQuotes {
		out = append(out, q)
	}
	return out
}

// FilterOrders returns orders sorted by Datetime ascending (orders with a
// zero-value Datetime are skipped), restricted to the inclusive [start,end]
// range when given, keeping only the last `limit` entries when limit > 0.
// This mirrors OmsBase.filter_orders exactly.
func (e *Engine) FilterOrders(limit int, start, end time.Time) []*domain.Order {
	e.mu.RLock()
	orders := make([]*domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		orders = append(orders, o)
	}
	e.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Datetime.Before(orders[j].Datetime)
	})

	filtered := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.Datetime.IsZero() {
			continue
		}
		if !start.IsZero() && o.Datetime.Before(start) {
			continue
		}
		if !end.IsZero() && o.Datetime.After(end) {
			continue
		}
		filtered = append(filtered, o)
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
