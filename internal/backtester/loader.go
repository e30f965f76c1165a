package backtester

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/tradecore/internal/domain"
)

// LoadBarsCSV reads rows shaped {symbol, open, high, low, close, datetime,
// ktype} from r, where ktype carries the interval tag and each row's
// datetime marks the bar's start, and returns them tagged with gatewayName
// and exchange. A header row is required; column order doesn't matter as
// long as the names match.
func LoadBarsCSV(r io.Reader, gatewayName string, exchange domain.Exchange) ([]*domain.Bar, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("backtester: read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"symbol", "open", "high", "low", "close", "datetime", "ktype"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("backtester: csv missing column %q", required)
		}
	}

	var bars []*domain.Bar
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("backtester: read csv row: %w", err)
		}

		dt, err := parseBarTime(row[col["datetime"]])
		if err != nil {
			return nil, fmt.Errorf("backtester: row %d: %w", len(bars)+1, err)
		}

		bars = append(bars, &domain.Bar{
			GatewayName: gatewayName,
			Symbol:      row[col["symbol"]],
			Exchange:    exchange,
			Datetime:    dt,
			Interval:    domain.Interval(row[col["ktype"]]),
			Open:        mustDecimal(row[col["open"]]),
			High:        mustDecimal(row[col["high"]]),
			Low:         mustDecimal(row[col["low"]]),
			Close:       mustDecimal(row[col["close"]]),
			Volume:      volumeOrZero(row, col),
		})
	}

	sort.SliceStable(bars, func(i, j int) bool {
		ei, ej := bars[i].EndDatetime(), bars[j].EndDatetime()
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return bars[i].Interval.Less(bars[j].Interval)
	})
	return bars, nil
}

func volumeOrZero(row []string, col map[string]int) decimal.Decimal {
	idx, ok := col["volume"]
	if !ok || idx >= len(row) {
		return decimal.Zero
	}
	return mustDecimal(row[idx])
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var barTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseBarTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range barTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("parse datetime %q: %w", s, lastErr)
}
