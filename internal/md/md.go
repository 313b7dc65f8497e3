package md

import (
	"context"
	"errors"
)

// ErrDataFeed marks a failed market data pull. The loop retries it on the
// next cycle.
var ErrDataFeed = errors.New("market data feed failed")

type Bar struct {
	Symbol    string
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// Feed returns the most recent bars of a symbol, oldest first.
type Feed interface {
	RecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error)
}

func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}
