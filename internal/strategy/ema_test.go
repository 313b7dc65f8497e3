package strategy

import (
	"errors"
	"math"
	"testing"
)

func TestEMASeededWithFirstValue(t *testing.T) {
	got := EMA([]float64{1, 2, 3}, 3)
	want := []float64{1, 1.5, 2.25}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("EMA[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEMASpanOneTracksPrice(t *testing.T) {
	values := []float64{5, 7, 3}
	got := EMA(values, 1)
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("EMA[%d] = %v, want %v", i, got[i], values[i])
		}
	}
}

func TestClassifyDetectsBullishCrossing(t *testing.T) {
	c := Classifier{ShortWindow: 1, LongWindow: 3}
	got, err := c.Classify([]float64{100, 100, 100, 99, 101})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Current != Bullish || got.Previous != Bearish || !got.Crossed {
		t.Fatalf("expected bearish->bullish crossing, got %+v", got)
	}
	if got.Close != 101 {
		t.Fatalf("expected close 101, got %v", got.Close)
	}
}

func TestClassifySteadyDowntrend(t *testing.T) {
	c := Classifier{ShortWindow: 1, LongWindow: 3}
	got, err := c.Classify([]float64{110, 108, 106, 104, 102})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Current != Bearish || got.Crossed {
		t.Fatalf("expected steady bearish, got %+v", got)
	}
}

func TestClassifyFlatSeriesIsBearish(t *testing.T) {
	c := Classifier{ShortWindow: 2, LongWindow: 5}
	got, err := c.Classify([]float64{50, 50, 50, 50, 50, 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Current != Bearish {
		t.Fatalf("equal EMAs should classify bearish, got %s", got.Current)
	}
}

func TestClassifyInsufficientData(t *testing.T) {
	c := Classifier{ShortWindow: 2, LongWindow: 5}
	got, err := c.Classify([]float64{50})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if got.Current != Unknown {
		t.Fatalf("expected unknown trend, got %s", got.Current)
	}
}

func TestClassifyFlagsWarmUp(t *testing.T) {
	c := Classifier{ShortWindow: 2, LongWindow: 5}
	got, err := c.Classify([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.WarmUp {
		t.Fatalf("expected warm-up flag with 3 samples and long window 5")
	}
}

func TestNewClassifierValidatesWindows(t *testing.T) {
	if _, err := NewClassifier(25, 7); err == nil {
		t.Fatalf("expected error when short window >= long window")
	}
	if _, err := NewClassifier(0, 7); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if _, err := NewClassifier(7, 25); err != nil {
		t.Fatalf("expected valid classifier, got %v", err)
	}
}
