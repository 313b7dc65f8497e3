package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trendbot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDecisions() []Decision {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []Decision{
		{RunID: "run-1", Timestamp: now, Symbol: "BTCUSDT", Close: 50000, Trend: strategy.Bullish, Intent: strategy.Hold, Reason: "trend_unchanged", Result: "hold", Balance: 10000},
		{RunID: "run-1", Timestamp: now.Add(time.Hour), Symbol: "BTCUSDT", Close: 48000, Trend: strategy.Bearish, Crossed: true, Intent: strategy.Sell, IntentQty: 0.5, Result: "filled", FilledQty: 0.5, AvgPrice: 48000, Balance: 24000},
		{RunID: "run-1", Timestamp: now.Add(2 * time.Hour), Symbol: "BTCUSDT", Close: 48100, Trend: strategy.Bearish, Intent: strategy.Hold, Result: "hold", Balance: 24000},
	}
}

func TestNDJSONAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	j, err := OpenNDJSON(path)
	require.NoError(t, err)
	for _, d := range sampleDecisions() {
		j.Append(d)
	}
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Decision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d Decision
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &d))
		lines = append(lines, d)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "filled", lines[1].Result)
	assert.True(t, lines[1].Crossed)
}

func TestSQLiteCountsResults(t *testing.T) {
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	Multi{j, Discard{}}.Append(sampleDecisions()[0])
	for _, d := range sampleDecisions()[1:] {
		j.Append(d)
	}

	counts, err := j.Results("run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"hold": 2, "filled": 1}, counts)

	counts, err = j.Results("other")
	require.NoError(t, err)
	assert.Empty(t, counts)
}
