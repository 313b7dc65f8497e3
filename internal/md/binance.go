package md

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
)

const binanceMaxKlines = 1000

type BinanceFeed struct {
	client *binance.Client
}

func NewBinanceFeed(client *binance.Client) *BinanceFeed {
	return &BinanceFeed{client: client}
}

func (f *BinanceFeed) RecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error) {
	if count <= 0 || count > binanceMaxKlines {
		count = binanceMaxKlines
	}
	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(count).
		Do(ctx)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("fetch klines failed")
		return nil, fmt.Errorf("%w: klines %s %s: %v", ErrDataFeed, symbol, interval, err)
	}

	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := klineBar(symbol, k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataFeed, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func klineBar(symbol string, k *binance.Kline) (Bar, error) {
	bar := Bar{Symbol: symbol, Timestamp: k.OpenTime / 1000}
	fields := []struct {
		raw string
		dst *float64
	}{
		{k.Open, &bar.Open},
		{k.High, &bar.High},
		{k.Low, &bar.Low},
		{k.Close, &bar.Close},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("parse kline value %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	return bar, nil
}
