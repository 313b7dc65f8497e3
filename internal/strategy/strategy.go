package strategy

type Action string

const (
	Hold  Action = "HOLD"
	Buy   Action = "BUY"
	Sell  Action = "SELL"
	Adopt Action = "ADOPT"
)

type Trend string

const (
	Unknown Trend = "unknown"
	Bullish Trend = "bullish"
	Bearish Trend = "bearish"
)

// TradeIntent is what the ledger wants done about a classified trend.
// Quote is set for buys (quote currency to spend), Qty for sells (base to sell).
type TradeIntent struct {
	Action Action
	Trend  Trend
	Quote  float64
	Qty    float64
	Reason string
}
