// Package tradeengine implements the CtaEngine firewall: every strategy
// order/cancel/modify request passes through here before it reaches a
// gateway, so a per-symbol mute can halt strategy-originated flow without
// touching internal risk/rollover traffic, and a global kill switch can
// halt all of it.
package tradeengine

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
)

// Internal reference prefixes bypass the mute set — rollover legs and risk
// unwinds must still be able to flatten a muted symbol.
const (
	PrefixEngine = "ENGINE:"
	PrefixRoll   = "ROLL:"
	PrefixRisk   = "RISK:"

	// CmdEngineMute and CmdEngineSwitch are the command names handled here,
	// carried verbatim from the original engine's CMD_ENGINE_MUTE/
	// CMD_ENGINE_SWITCH constants.
	CmdEngineMute   = "engine.mute"
	CmdEngineSwitch = "engine.switch"
)

// Gateway is the downstream surface requests are forwarded to once they
// clear the firewall.
type Gateway interface {
	SendOrder(req *domain.OrderRequest) string
	CancelOrder(req *domain.CancelRequest)
	ModifyOrder(req *domain.ModifyRequest)
}

// Engine is the firewall: an active switch and a set of muted symbols,
// guarding every SendOrder/CancelOrder/ModifyOrder call.
type Engine struct {
	mu sync.RWMutex

	gateway Gateway
	logger  *zap.Logger

	active bool
	muted  map[string]muteEntry
}

type muteEntry struct {
	reason string
}

// New builds a trade engine wrapping gateway, active by default.
func New(gateway Gateway, logger *zap.Logger) *Engine {
	return &Engine{gateway: gateway, logger: logger, active: true, muted: make(map[string]muteEntry)}
}

// RegisterBusHandlers subscribes the firewall to the order.req/cancel.req/
// modify.req topics, so request-emitting components (strategies, the
// adapter's command loop) never hold a gateway handle — every request event
// on the bus funnels through the firewall on its way down.
func (e *Engine) RegisterBusHandlers(bus *eventbus.Bus) {
	bus.Register(eventbus.TopicOrderRequest, e, func(evt eventbus.Event) {
		if req, ok := evt.Data.(*domain.OrderRequest); ok {
			e.SendOrder(req)
		}
	})
	bus.Register(eventbus.TopicCancelRequest, e, func(evt eventbus.Event) {
		if req, ok := evt.Data.(*domain.CancelRequest); ok {
			e.CancelOrder(req)
		}
	})
	bus.Register(eventbus.TopicModifyRequest, e, func(evt eventbus.Event) {
		if req, ok := evt.Data.(*domain.ModifyRequest); ok {
			e.ModifyOrder(req)
		}
	})
}

func bypassesMute(reference string) bool {
	return strings.HasPrefix(reference, PrefixEngine) ||
		strings.HasPrefix(reference, PrefixRoll) ||
		strings.HasPrefix(reference, PrefixRisk)
}

// SendOrder blocks everything when inactive; when active, blocks requests
// for muted symbols unless the reference carries an internal prefix.
func (e *Engine) SendOrder(req *domain.OrderRequest) string {
	e.mu.RLock()
	active := e.active
	_, muted := e.muted[req.Symbol]
	e.mu.RUnlock()

	if !active {
		e.logger.Warn("send_order blocked: engine inactive", zap.String("symbol", req.Symbol))
		return ""
	}
	if muted && !bypassesMute(req.Reference) {
		e.logger.Warn("send_order blocked: symbol muted", zap.String("symbol", req.Symbol), zap.String("reference", req.Reference))
		return ""
	}
	return e.gateway.SendOrder(req)
}

// CancelOrder is allowed through mute — canceling never makes a
// stuck-order situation worse — but the global active switch still halts
// it like every other request kind.
func (e *Engine) CancelOrder(req *domain.CancelRequest) {
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()

	if !active {
		e.logger.Warn("cancel_order blocked: engine inactive", zap.String("orderid", req.OrderID))
		return
	}
	e.gateway.CancelOrder(req)
}

// ModifyOrder is blocked while inactive, and blocked for muted symbols
// regardless of reference prefix — unlike SendOrder, there's no internal
// bypass for modify.
func (e *Engine) ModifyOrder(req *domain.ModifyRequest) {
	e.mu.RLock()
	active := e.active
	_, muted := e.muted[req.Symbol]
	e.mu.RUnlock()

	if !active {
		e.logger.Warn("modify_order blocked: engine inactive", zap.String("symbol", req.Symbol))
		return
	}
	if muted {
		e.logger.Warn("modify_order blocked: symbol muted", zap.String("symbol", req.Symbol))
		return
	}
	e.gateway.ModifyOrder(req)
}

// MuteCommand is the payload for engine.mute {symbols, on, reason}.
type MuteCommand struct {
	Symbols []string
	On      bool
	Reason  string
}

// HandleMute applies an engine.mute command.
func (e *Engine) HandleMute(cmd MuteCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, symbol := range cmd.Symbols {
		if cmd.On {
			e.muted[symbol] = muteEntry{reason: cmd.Reason}
		} else {
			delete(e.muted, symbol)
		}
	}
}

// SwitchCommand is the payload for engine.switch {on}.
type SwitchCommand struct {
	On bool
}

// HandleSwitch applies an engine.switch command.
func (e *Engine) HandleSwitch(cmd SwitchCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = cmd.On
}

// IsMuted reports whether symbol is currently muted.
func (e *Engine) IsMuted(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.muted[symbol]
	return ok
}

// IsActive reports the current global switch state.
func (e *Engine) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
