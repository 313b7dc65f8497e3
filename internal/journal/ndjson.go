package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// NDJSON appends one JSON object per line and flushes after each decision.
type NDJSON struct {
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func OpenNDJSON(path string) (*NDJSON, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &NDJSON{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (n *NDJSON) Append(decision Decision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	payload, err := json.Marshal(decision)
	if err != nil {
		log.Error().Err(err).Str("component", "journal").Msg("failed to marshal decision")
		return
	}
	if _, err := n.writer.Write(append(payload, '\n')); err != nil {
		log.Error().Err(err).Str("component", "journal").Msg("failed to write decision")
		return
	}
	if err := n.writer.Flush(); err != nil {
		log.Error().Err(err).Str("component", "journal").Msg("failed to flush decision journal")
	}
}

func (n *NDJSON) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.writer.Flush(); err != nil {
		_ = n.file.Close()
		return err
	}
	return n.file.Close()
}
