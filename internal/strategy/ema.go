package strategy

import (
	"errors"
	"fmt"
)

var ErrInsufficientData = errors.New("not enough closes to classify trend")

// EMA returns the exponential moving average of values with smoothing
// alpha = 2/(span+1), seeded with the first value. The output is aligned to values.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || span <= 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

type Classification struct {
	Current  Trend
	Previous Trend
	Crossed  bool
	Close    float64
	ShortEMA float64
	LongEMA  float64
	Samples  int
	WarmUp   bool
}

type Classifier struct {
	ShortWindow int
	LongWindow  int
}

func NewClassifier(shortWindow, longWindow int) (Classifier, error) {
	if shortWindow <= 0 || longWindow <= 0 {
		return Classifier{}, fmt.Errorf("ema windows must be positive")
	}
	if shortWindow >= longWindow {
		return Classifier{}, fmt.Errorf("short window %d must be less than long window %d", shortWindow, longWindow)
	}
	return Classifier{ShortWindow: shortWindow, LongWindow: longWindow}, nil
}

// Classify labels the latest sample Bullish when the short EMA is strictly above
// the long EMA, Bearish otherwise, and compares against the sample before it.
func (c Classifier) Classify(closes []float64) (Classification, error) {
	if len(closes) < 2 {
		return Classification{Current: Unknown, Previous: Unknown, Samples: len(closes)}, ErrInsufficientData
	}
	short := EMA(closes, c.ShortWindow)
	long := EMA(closes, c.LongWindow)
	last := len(closes) - 1

	current := label(short[last], long[last])
	previous := label(short[last-1], long[last-1])
	return Classification{
		Current:  current,
		Previous: previous,
		Crossed:  current != previous,
		Close:    closes[last],
		ShortEMA: short[last],
		LongEMA:  long[last],
		Samples:  len(closes),
		WarmUp:   len(closes) < c.LongWindow,
	}, nil
}

func label(short, long float64) Trend {
	if short > long {
		return Bullish
	}
	return Bearish
}
