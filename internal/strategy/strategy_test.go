package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
	"github.com/atlas-quant/tradecore/internal/oms"
)

// fakeStrategy wants a single resting entry order at a fixed price/volume
// until told to cancel it.
type fakeStrategy struct {
	want bool
}

func (f *fakeStrategy) Name() string                        { return "fake" }
func (f *fakeStrategy) OnBar(bar *domain.Bar) bool          { return false }
func (f *fakeStrategy) OnTick(tick *domain.Tick) bool       { return false }
func (f *fakeStrategy) OnOrder(order *domain.Order) bool    { return false }
func (f *fakeStrategy) OnTrade(trade *domain.Trade) bool    { return false }
func (f *fakeStrategy) OnPosition(pos *domain.Position) bool { return false }
func (f *fakeStrategy) Plan() map[string]PlanOrder {
	if !f.want {
		return map[string]PlanOrder{}
	}
	return map[string]PlanOrder{
		"entry": {
			Symbol: "RB99", Exchange: domain.ExchangeSHFE, Direction: domain.DirectionLong,
			Type: domain.OrderTypeLimit, Price: decimal.NewFromInt(3500), Volume: decimal.NewFromInt(1),
		},
	}
}

type fakeSender struct {
	sent      []*domain.OrderRequest
	cancelled []*domain.CancelRequest
	modified  []*domain.ModifyRequest
}

func (s *fakeSender) SendOrder(req *domain.OrderRequest) string {
	s.sent = append(s.sent, req)
	return "o1"
}
func (s *fakeSender) CancelOrder(req *domain.CancelRequest) { s.cancelled = append(s.cancelled, req) }
func (s *fakeSender) ModifyOrder(req *domain.ModifyRequest) { s.modified = append(s.modified, req) }

func TestReconcilePlacesThenCancelsOnPlanChange(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	omsEngine := oms.New(bus, oms.PolicyFlatNet)
	sender := &fakeSender{}

	impl := &fakeStrategy{want: true}
	base := New(impl, bus, omsEngine, sender)

	base.markDirty()
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 order placed, got %d", len(sender.sent))
	}

	bus.PutSync(eventbus.TopicOrder, &domain.Order{
		GatewayName: "TEST", OrderID: "o1", Symbol: "RB99", Exchange: domain.ExchangeSHFE,
		Status: domain.OrderStatusNotTraded, Reference: "entry",
		Price: decimal.NewFromInt(3500), Volume: decimal.NewFromInt(1),
	})

	impl.want = false
	base.markDirty()
	if len(sender.cancelled) != 1 {
		t.Fatalf("expected 1 order cancelled once plan dropped the reference, got %d", len(sender.cancelled))
	}
}

func TestReconcileModifiesOnPriceChange(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	omsEngine := oms.New(bus, oms.PolicyFlatNet)
	sender := &fakeSender{}

	impl := &fakeStrategy{want: true}
	base := New(impl, bus, omsEngine, sender)
	base.markDirty()

	bus.PutSync(eventbus.TopicOrder, &domain.Order{
		GatewayName: "TEST", OrderID: "o1", Symbol: "RB99", Exchange: domain.ExchangeSHFE,
		Status: domain.OrderStatusNotTraded, Reference: "entry",
		Price: decimal.NewFromInt(3400), Volume: decimal.NewFromInt(1),
	})

	base.markDirty()
	if len(sender.modified) != 1 {
		t.Fatalf("expected 1 modify once live price diverges from plan, got %d", len(sender.modified))
	}
}

// TestReconcileSteadyStateIsFixedPoint: once the live order matches the plan
// exactly, further reconcile passes produce no requests at all.
func TestReconcileSteadyStateIsFixedPoint(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	omsEngine := oms.New(bus, oms.PolicyFlatNet)
	sender := &fakeSender{}

	impl := &fakeStrategy{want: true}
	base := New(impl, bus, omsEngine, sender)
	base.markDirty()

	// Live order now matches the plan's price/volume exactly.
	bus.PutSync(eventbus.TopicOrder, &domain.Order{
		GatewayName: "TEST", OrderID: "o1", Symbol: "RB99", Exchange: domain.ExchangeSHFE,
		Status: domain.OrderStatusNotTraded, Reference: "entry",
		Price: decimal.NewFromInt(3500), Volume: decimal.NewFromInt(1),
	})

	sent, cancelled, modified := len(sender.sent), len(sender.cancelled), len(sender.modified)
	base.markDirty()
	base.markDirty()

	if len(sender.sent) != sent || len(sender.cancelled) != cancelled || len(sender.modified) != modified {
		t.Fatalf("expected no requests from a steady state, got sent=%d cancelled=%d modified=%d",
			len(sender.sent)-sent, len(sender.cancelled)-cancelled, len(sender.modified)-modified)
	}
}
