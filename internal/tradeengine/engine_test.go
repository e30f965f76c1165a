package tradeengine

import (
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
)

type fakeGateway struct {
	sent      int
	cancelled int
	modified  int
}

func (g *fakeGateway) SendOrder(req *domain.OrderRequest) string { g.sent++; return "o1" }
func (g *fakeGateway) CancelOrder(req *domain.CancelRequest)     { g.cancelled++ }
func (g *fakeGateway) ModifyOrder(req *domain.ModifyRequest)     { g.modified++ }

func TestMuteBlocksStrategyOrdersButNotInternalPrefixes(t *testing.T) {
	gw := &fakeGateway{}
	e := New(gw, zap.NewNop())
	e.HandleMute(MuteCommand{Symbols: []string{"RB99"}, On: true, Reason: "news"})

	e.SendOrder(&domain.OrderRequest{Symbol: "RB99", Reference: "strategy:entry"})
	if gw.sent != 0 {
		t.Fatal("expected muted symbol to block a plain strategy order")
	}

	e.SendOrder(&domain.OrderRequest{Symbol: "RB99", Reference: "ROLL:G1:RB99->RB00:OPEN"})
	if gw.sent != 1 {
		t.Fatal("expected ROLL: prefix to bypass the mute")
	}
}

func TestMuteAlwaysBlocksModify(t *testing.T) {
	gw := &fakeGateway{}
	e := New(gw, zap.NewNop())
	e.HandleMute(MuteCommand{Symbols: []string{"RB99"}, On: true})

	e.ModifyOrder(&domain.ModifyRequest{Symbol: "RB99"})
	if gw.modified != 0 {
		t.Fatal("expected modify to be blocked on a muted symbol even with no reference check")
	}
}

func TestCancelAllowedWhenMutedButBlockedWhenInactive(t *testing.T) {
	gw := &fakeGateway{}
	e := New(gw, zap.NewNop())
	e.HandleMute(MuteCommand{Symbols: []string{"RB99"}, On: true, Reason: "news"})

	e.CancelOrder(&domain.CancelRequest{Symbol: "RB99", OrderID: "o1"})
	if gw.cancelled != 1 {
		t.Fatal("expected cancel to pass through a mute")
	}

	e.HandleSwitch(SwitchCommand{On: false})

	e.CancelOrder(&domain.CancelRequest{Symbol: "RB99", OrderID: "o1"})
	if gw.cancelled != 1 {
		t.Fatal("expected the global active switch to still block cancel")
	}

	e.SendOrder(&domain.OrderRequest{Symbol: "RB99"})
	if gw.sent != 0 {
		t.Fatal("expected send_order to be blocked while inactive")
	}
}
