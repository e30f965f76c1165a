package backtester

import (
	"strings"
	"testing"
	"time"

	"github.com/atlas-quant/tradecore/internal/domain"
)

func TestLoadBarsCSVParsesAndSorts(t *testing.T) {
	csv := `symbol,open,high,low,close,datetime,ktype
MHI2507,3510,3520,3500,3515,2026-01-05 10:01:00,1m
MHI2507,3500,3510,3490,3505,2026-01-05 10:00:00,1m
MHI2507,3500,3530,3480,3520,2026-01-05 10:00:00,1h
`
	bars, err := LoadBarsCSV(strings.NewReader(csv), "BACKTEST", domain.ExchangeHKFE)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}

	// (EndDatetime, Interval) ordering puts the two 1m bars first, then the
	// enclosing 1h bar whose end is far later.
	if !bars[0].Datetime.Equal(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)) || bars[0].Interval != domain.Interval1Min {
		t.Fatalf("expected the earlier 1m bar first, got %+v", bars[0])
	}
	if bars[1].Interval != domain.Interval1Min || bars[2].Interval != domain.Interval1Hour {
		t.Fatalf("expected 1m,1m,1h order, got %s,%s,%s", bars[0].Interval, bars[1].Interval, bars[2].Interval)
	}
	if bars[0].GatewayName != "BACKTEST" || bars[0].Exchange != domain.ExchangeHKFE {
		t.Fatalf("expected gateway/exchange stamping, got %+v", bars[0])
	}
}

func TestLoadBarsCSVRejectsMissingColumn(t *testing.T) {
	csv := "symbol,open,high,low,close,datetime\nMHI2507,1,2,0,1,2026-01-05 10:00:00\n"
	if _, err := LoadBarsCSV(strings.NewReader(csv), "BACKTEST", domain.ExchangeHKFE); err == nil {
		t.Fatal("expected an error for a CSV missing the ktype column")
	}
}

func TestLoadBarsCSVAcceptsDateOnlyRows(t *testing.T) {
	csv := "symbol,open,high,low,close,datetime,ktype\nRB99,3500,3520,3490,3510,2026-01-05,1d\n"
	bars, err := LoadBarsCSV(strings.NewReader(csv), "BACKTEST", domain.ExchangeSHFE)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(bars) != 1 || bars[0].Interval != domain.IntervalDay {
		t.Fatalf("expected one daily bar, got %+v", bars)
	}
}
