// Package transcript persists per-session conversation logs as append-only
// JSONL files, one file per (agent, session). The sunrise subsystem reads
// them back to detect gaps and build recovery summaries.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pearlhq/pearl/internal/logger"
)

// Record is one logged message.
type Record struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

// Log is an append-only transcript store rooted at a directory. Appends to
// the same file are serialized; files are opened per call so external log
// rotation stays safe.
type Log struct {
	dir    string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewLog creates the transcript root directory if needed.
func NewLog(dir string, log *logger.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Log{dir: dir, logger: log.WithComponent("transcript")}, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitize(s string) string {
	return unsafePathChars.ReplaceAllString(s, "_")
}

func (l *Log) path(agentID, sessionID string) string {
	return filepath.Join(l.dir, sanitize(agentID), sanitize(sessionID)+".jsonl")
}

// Append writes records to the session transcript. Missing timestamps and
// message ids are filled in.
func (l *Log) Append(agentID, sessionID string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	path := l.path(agentID, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, r := range records {
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		if r.MessageID == "" {
			r.MessageID = uuid.New().String()
		}

		line, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Exists reports whether this session has any transcript on disk.
func (l *Log) Exists(agentID, sessionID string) bool {
	info, err := os.Stat(l.path(agentID, sessionID))
	return err == nil && info.Size() > 0
}

// LastTimestamp returns the timestamp of the most recent record, or the zero
// time when the transcript is empty or missing.
func (l *Log) LastTimestamp(agentID, sessionID string) (time.Time, error) {
	records, err := l.Read(agentID, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	if len(records) == 0 {
		return time.Time{}, nil
	}
	return records[len(records)-1].Timestamp, nil
}

// Read returns all records of a session in append order. A missing file is
// an empty transcript, not an error. Malformed lines are skipped.
func (l *Log) Read(agentID, sessionID string) ([]Record, error) {
	f, err := os.Open(l.path(agentID, sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			l.logger.Warn("skipping malformed transcript line", "agent_id", agentID, "session_id", sessionID)
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// ReadRecent returns the most recent records within the lookback window,
// newest last, capped at maxMessages.
func (l *Log) ReadRecent(agentID, sessionID string, lookback time.Duration, maxMessages int) ([]Record, error) {
	records, err := l.Read(agentID, sessionID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-lookback)
	recent := records[:0]
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			recent = append(recent, r)
		}
	}

	if maxMessages > 0 && len(recent) > maxMessages {
		recent = recent[len(recent)-maxMessages:]
	}
	return recent, nil
}

// Sessions lists the session ids with transcripts for an agent, most
// recently modified first.
func (l *Log) Sessions(agentID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.dir, sanitize(agentID)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type session struct {
		id      string
		modTime time.Time
	}
	var sessions []session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, session{
			id:      strings.TrimSuffix(name, ".jsonl"),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].modTime.After(sessions[j].modTime)
	})

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.id
	}
	return ids, nil
}
