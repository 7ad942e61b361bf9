// Package reqlog persists one JSONL line per completed request through a
// bounded channel and a small worker pool, so logging never sits on the
// request path.
package reqlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pearlhq/pearl/internal/logger"
)

// previewLength caps prompt and response previews in the log.
const previewLength = 200

// TokenCounts is the per-request token accounting.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Entry is one request log line.
type Entry struct {
	Timestamp       time.Time   `json:"ts"`
	ID              string      `json:"id"`
	AgentID         string      `json:"agentId"`
	SessionID       string      `json:"sessionId"`
	RequestedModel  string      `json:"requestedModel"`
	RoutedModel     string      `json:"routedModel"`
	Prompt          string      `json:"prompt"`
	ResponsePreview string      `json:"responsePreview"`
	Tokens          TokenCounts `json:"tokens"`
	DurationMs      int64       `json:"durationMs"`
	Stream          bool        `json:"stream"`
	Rule            string      `json:"rule,omitempty"`
}

// Truncate clips a string to the preview length, backing up to a rune
// boundary so the log line stays valid UTF-8.
func Truncate(s string) string {
	if len(s) <= previewLength {
		return s
	}
	cut := previewLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Service writes request log entries asynchronously. Entries are dropped
// (and counted) when the buffer is full; request latency is never spent on
// logging.
type Service struct {
	path    string
	entries chan Entry

	mu       sync.Mutex // serializes file appends across workers
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64

	logger *logger.Logger
}

// NewService starts the worker pool. bufferSize and workerCount fall back
// to 256 and 2 when unset.
func NewService(path string, bufferSize, workerCount int, log *logger.Logger) (*Service, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if workerCount <= 0 {
		workerCount = 2
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &Service{
		path:     path,
		entries:  make(chan Entry, bufferSize),
		shutdown: make(chan struct{}),
		logger:   log.WithComponent("reqlog"),
	}

	for i := 0; i < workerCount; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	return s, nil
}

// Log enqueues an entry without blocking. Missing timestamps are filled in.
func (s *Service) Log(entry Entry) {
	if s.closed.Load() {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Prompt = Truncate(entry.Prompt)
	entry.ResponsePreview = Truncate(entry.ResponsePreview)

	select {
	case s.entries <- entry:
	default:
		dropped := s.dropped.Add(1)
		if dropped%100 == 1 {
			s.logger.Warn("request log buffer full, dropping entries", "dropped_total", dropped)
		}
	}
}

// Dropped returns how many entries were discarded due to backpressure.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Service) worker() {
	defer s.workers.Done()
	for {
		select {
		case entry := <-s.entries:
			s.write(entry)
		case <-s.shutdown:
			for {
				select {
				case entry := <-s.entries:
					s.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to marshal request log entry", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("failed to open request log", "error", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		s.logger.Error("failed to write request log entry", "error", err)
	}
}

// Close stops accepting entries, drains the buffer, and waits for workers.
func (s *Service) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.shutdown)
	s.workers.Wait()
}
