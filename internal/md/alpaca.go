package md

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog/log"
)

type AlpacaFeed struct {
	client *marketdata.Client
	now    func() time.Time
}

func NewAlpacaFeed(apiKey, apiSecret string) *AlpacaFeed {
	return &AlpacaFeed{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		now: time.Now,
	}
}

func (f *AlpacaFeed) RecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error) {
	tf, step, err := ParseInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFeed, err)
	}

	// Crypto trades around the clock, so count*step back covers count bars.
	start := f.now().Add(-time.Duration(count+1) * step)
	type result struct {
		bars []marketdata.CryptoBar
		err  error
	}
	done := make(chan result, 1)
	go func() {
		bars, err := f.client.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame: tf,
			Start:     start,
		})
		done <- result{bars: bars, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrDataFeed, ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		log.Error().Err(r.err).Str("symbol", symbol).Str("interval", interval).Msg("fetch crypto bars failed")
		return nil, fmt.Errorf("%w: crypto bars %s %s: %v", ErrDataFeed, symbol, interval, r.err)
	}

	if len(r.bars) > count {
		r.bars = r.bars[len(r.bars)-count:]
	}
	bars := make([]Bar, 0, len(r.bars))
	for _, b := range r.bars {
		bars = append(bars, Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp.Unix(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
		})
	}
	return bars, nil
}

// ParseInterval maps a Binance style interval ("15m", "1h", "1d") onto an
// Alpaca timeframe and its duration.
func ParseInterval(interval string) (marketdata.TimeFrame, time.Duration, error) {
	s := strings.TrimSpace(interval)
	if len(s) < 2 {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch s[len(s)-1] {
	case 'm':
		return marketdata.NewTimeFrame(n, marketdata.Min), time.Duration(n) * time.Minute, nil
	case 'h':
		return marketdata.NewTimeFrame(n, marketdata.Hour), time.Duration(n) * time.Hour, nil
	case 'd':
		return marketdata.NewTimeFrame(n, marketdata.Day), time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return marketdata.NewTimeFrame(n, marketdata.Week), time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return marketdata.TimeFrame{}, 0, fmt.Errorf("unsupported interval unit in %q", interval)
}
