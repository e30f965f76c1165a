package oms

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/domain"
	"github.com/atlas-quant/tradecore/internal/eventbus"
)

func newOrder(id string, dt time.Time) *domain.Order {
	return &domain.Order{
		GatewayName: "TEST",
		OrderID:     id,
		Symbol:      "RB99",
		Exchange:    domain.ExchangeSHFE,
		Status:      domain.OrderStatusAllTraded,
		Datetime:    dt,
	}
}

// TestFilterOrdersRangeAndLimit: five orders at t1<...<t5, limit=2,
// start=t2, end=t4 -> the last two in range, [t3, t4].
func TestFilterOrdersRangeAndLimit(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	e := New(bus, PolicyFlatNet)

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	times := make([]time.Time, 5)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * time.Minute)
		bus.PutSync(eventbus.TopicOrder, newOrder(string(rune('1'+i)), times[i]))
	}

	got := e.FilterOrders(2, times[1], times[3])
	if len(got) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(got))
	}
	if !got[0].Datetime.Equal(times[2]) || !got[1].Datetime.Equal(times[3]) {
		t.Fatalf("expected [t3,t4], got %v, %v", got[0].Datetime, got[1].Datetime)
	}
}

func TestFilterOrdersSkipsZeroDatetime(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	e := New(bus, PolicyFlatNet)

	bus.PutSync(eventbus.TopicOrder, newOrder("no-time", time.Time{}))
	bus.PutSync(eventbus.TopicOrder, newOrder("has-time", time.Now()))

	got := e.FilterOrders(0, time.Time{}, time.Time{})
	if len(got) != 1 {
		t.Fatalf("expected zero-datetime order to be skipped, got %d orders", len(got))
	}
}

func TestNettingPositionPolicy(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	e := New(bus, PolicyNetting)

	bus.PutSync(eventbus.TopicPosition, &domain.Position{
		Symbol: "MHI2507", Direction: domain.DirectionLong, Volume: decimal.NewFromInt(2),
	})
	pos, ok := e.GetPosition("MHI2507")
	if !ok || !pos.Volume.Equal(decimal.NewFromInt(2)) || pos.Direction != domain.DirectionLong {
		t.Fatalf("expected long 2 after first event, got %+v", pos)
	}

	// Short delta of 5 flips direction: old +2, delta -5 => -3 => SHORT 3.
	bus.PutSync(eventbus.TopicPosition, &domain.Position{
		Symbol: "MHI2507", Direction: domain.DirectionShort, Volume: decimal.NewFromInt(5),
	})
	pos, ok = e.GetPosition("MHI2507")
	if !ok || pos.Direction != domain.DirectionShort || !pos.Volume.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected short 3 after flip, got %+v", pos)
	}

	// Long delta of 3 exactly nets to zero, removing the position.
	bus.PutSync(eventbus.TopicPosition, &domain.Position{
		Symbol: "MHI2507", Direction: domain.DirectionLong, Volume: decimal.NewFromInt(3),
	})
	if _, ok := e.GetPosition("MHI2507"); ok {
		t.Fatal("expected position to be removed once netted to zero")
	}
}

func TestFlatNetPositionPolicyOverwrites(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	e := New(bus, PolicyFlatNet)

	bus.PutSync(eventbus.TopicPosition, &domain.Position{Symbol: "RB99", Volume: decimal.NewFromInt(1)})
	bus.PutSync(eventbus.TopicPosition, &domain.Position{Symbol: "RB99", Volume: decimal.NewFromInt(9)})

	pos, ok := e.GetPosition("RB99")
	if !ok || !pos.Volume.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected flat-net overwrite to volume=9, got %+v", pos)
	}
}

func TestActiveOrdersTracksTerminalTransition(t *testing.T) {
	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()
	e := New(bus, PolicyFlatNet)

	o := &domain.Order{GatewayName: "TEST", OrderID: "1", Symbol: "RB99", Exchange: domain.ExchangeSHFE, Status: domain.OrderStatusNotTraded}
	bus.PutSync(eventbus.TopicOrder, o)
	if len(e.GetAllActiveOrders()) != 1 {
		t.Fatal("expected order to be active")
	}

	o2 := *o
	o2.Status = domain.OrderStatusAllTraded
	bus.PutSync(eventbus.TopicOrder, &o2)
	if len(e.GetAllActiveOrders()) != 0 {
		t.Fatal("expected order to drop out of active set once terminal")
	}
}
