package md

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Static serves bars pushed into it. It backs dry runs and tests.
type Static struct {
	mu     sync.Mutex
	symbol string
	buffer *RingBuffer
	next   time.Time
	step   time.Duration
	err    error
	calls  int
}

func NewStatic(symbol string, capacity int, closes ...float64) *Static {
	s := &Static{
		symbol: symbol,
		buffer: NewRingBuffer(capacity),
		next:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		step:   time.Hour,
	}
	s.Push(closes...)
	return s
}

// Push appends one bar per close.
func (s *Static) Push(closes ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range closes {
		s.buffer.Add(Bar{Symbol: s.symbol, Timestamp: s.next.Unix(), Open: c, High: c, Low: c, Close: c})
		s.next = s.next.Add(s.step)
	}
}

// Reset replaces the buffered series.
func (s *Static) Reset(closes ...float64) {
	s.mu.Lock()
	s.buffer = NewRingBuffer(s.buffer.size)
	s.mu.Unlock()
	s.Push(closes...)
}

// Fail makes every following call return err wrapped in ErrDataFeed. A nil
// err restores normal service.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) RecentBars(ctx context.Context, symbol, interval string, count int) ([]Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFeed, s.err)
	}
	if symbol != s.symbol {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrDataFeed, symbol)
	}
	return s.buffer.Last(count), nil
}
