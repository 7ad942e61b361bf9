package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pearlhq/pearl/internal/logger"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("memory not found")

// Store is the durable, agent-scoped memory store backed by SQLite.
//
// Writes are serialized through an internal mutex; WAL journaling keeps
// readers non-blocking, so callers never need to coordinate access themselves.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *logger.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id               TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	type             TEXT NOT NULL,
	content          TEXT NOT NULL,
	tags             TEXT NOT NULL DEFAULT '[]',
	embedding        BLOB,
	confidence       REAL NOT NULL DEFAULT 1.0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	accessed_at      INTEGER,
	access_count     INTEGER NOT NULL DEFAULT 0,
	expires_at       INTEGER,
	source_session   TEXT NOT NULL DEFAULT '',
	source_message   TEXT NOT NULL DEFAULT '',
	scope            TEXT NOT NULL DEFAULT '',
	scope_confidence REAL NOT NULL DEFAULT 0,
	target_agent_id  TEXT NOT NULL DEFAULT '',
	scope_reasoning  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id);
CREATE INDEX IF NOT EXISTS idx_memories_agent_type ON memories(agent_id, type);
CREATE INDEX IF NOT EXISTS idx_memories_agent_created ON memories(agent_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_agent_accessed ON memories(agent_id, accessed_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_memories_scope_target ON memories(scope, target_agent_id);
`

// New opens (creating if necessary) the memory database at path and applies
// the schema. The parent directory is created when missing.
func New(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.WithComponent("store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a memory. Missing id and timestamps are filled in; the id is
// time-ordered so creation order is recoverable from ids alone.
func (s *Store) Create(ctx context.Context, m *Memory) error {
	if m.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if !ValidTypes[m.Type] {
		return fmt.Errorf("invalid memory type: %q", m.Type)
	}

	if m.ID == "" {
		m.ID = NewMemoryID()
	}

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Tags = dedupeTags(m.Tags)

	tagsJSON, err := json.Marshal(tagsOrEmpty(m.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, agent_id, type, content, tags, embedding, confidence,
			created_at, updated_at, accessed_at, access_count, expires_at,
			source_session, source_message,
			scope, scope_confidence, target_agent_id, scope_reasoning
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, string(m.Type), m.Content, string(tagsJSON),
		SerializeEmbedding(m.Embedding), m.Confidence,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(), nullableMilli(m.ExpiresAt),
		m.SourceSession, m.SourceMessage,
		string(m.Scope), m.ScopeConfidence, m.TargetAgentID, m.ScopeReasoning,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	return nil
}

// Get returns the memory with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM memories WHERE id = ?`, id)

	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}

	return m, nil
}

// UpdateParams carries the fields of a partial update. Nil fields are left
// untouched.
type UpdateParams struct {
	Content     *string
	Type        *MemoryType
	Tags        []string
	Embedding   []float32
	Confidence  *float64
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// Update applies a partial update and returns the stored result.
func (s *Store) Update(ctx context.Context, id string, params UpdateParams) (*Memory, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UnixMilli()}

	if params.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *params.Content)
	}
	if params.Type != nil {
		if !ValidTypes[*params.Type] {
			return nil, fmt.Errorf("invalid memory type: %q", *params.Type)
		}
		sets = append(sets, "type = ?")
		args = append(args, string(*params.Type))
	}
	if params.Tags != nil {
		tagsJSON, err := json.Marshal(tagsOrEmpty(dedupeTags(params.Tags)))
		if err != nil {
			return nil, fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	if params.Embedding != nil {
		sets = append(sets, "embedding = ?")
		args = append(args, SerializeEmbedding(params.Embedding))
	}
	if params.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *params.Confidence)
	}
	if params.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if params.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, params.ExpiresAt.UnixMilli())
	}

	args = append(args, id)

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, id)
}

// Delete removes the memory with the given id, or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// OrderBy selects the sort column for Query.
type OrderBy string

const (
	OrderByCreatedAt   OrderBy = "created_at"
	OrderByAccessedAt  OrderBy = "accessed_at"
	OrderByAccessCount OrderBy = "access_count"
)

// QueryOptions filters and orders a memory query. Zero values mean no filter.
type QueryOptions struct {
	AgentID      string
	Type         MemoryType
	Types        []MemoryType
	Tag          string
	Search       string
	HasEmbedding bool
	OrderBy      OrderBy
	Limit        int
	Offset       int
}

// Query returns memories matching the given filters, newest first by default.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]Memory, error) {
	var conds []string
	var args []interface{}

	if opts.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(opts.Type))
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Tag != "" {
		// Tags are stored as a JSON array of strings; match the quoted element.
		conds = append(conds, "tags LIKE ?")
		args = append(args, `%"`+opts.Tag+`"%`)
	}
	if opts.Search != "" {
		conds = append(conds, "content LIKE ?")
		args = append(args, "%"+opts.Search+"%")
	}
	if opts.HasEmbedding {
		conds = append(conds, "embedding IS NOT NULL")
	}

	query := selectColumns + " FROM memories"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	switch opts.OrderBy {
	case OrderByAccessedAt:
		query += " ORDER BY accessed_at DESC"
	case OrderByAccessCount:
		query += " ORDER BY access_count DESC"
	default:
		query += " ORDER BY created_at DESC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, *m)
	}

	return memories, rows.Err()
}

// RecordAccess bumps accessed_at and access_count for the given ids in one
// statement. Both values only ever move forward.
func (s *Store) RecordAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UnixMilli())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET accessed_at = ?, access_count = access_count + 1
		WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}

	return nil
}

// DedupCandidate is a recent (id, embedding) pair used for near-duplicate
// checks before inserting an extracted memory.
type DedupCandidate struct {
	ID        string
	Embedding []float32
}

// GetRecentForDedup returns (id, embedding) pairs for memories created within
// the window for an agent. Rows without embeddings are skipped.
func (s *Store) GetRecentForDedup(ctx context.Context, agentID string, window time.Duration) ([]DedupCandidate, error) {
	cutoff := time.Now().Add(-window).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM memories
		WHERE agent_id = ? AND created_at >= ? AND embedding IS NOT NULL`,
		agentID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup candidates: %w", err)
	}
	defer rows.Close()

	var candidates []DedupCandidate
	for rows.Next() {
		var c DedupCandidate
		var blob []byte
		if err := rows.Scan(&c.ID, &blob); err != nil {
			return nil, err
		}
		if c.Embedding, err = DeserializeEmbedding(blob); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

// PruneExpired deletes memories whose expiry has passed and returns how many
// were removed.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UnixMilli())
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired memories: %w", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if pruned > 0 {
		s.logger.Info("pruned expired memories", "count", pruned)
	}

	return pruned, nil
}

// Stats summarizes store contents.
type Stats struct {
	Total          int64            `json:"total"`
	ByType         map[string]int64 `json:"by_type"`
	Agents         int64            `json:"agents"`
	WithEmbeddings int64            `json:"with_embeddings"`
}

// Stats returns aggregate counts over the store.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int64)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT agent_id), COUNT(embedding) FROM memories`).
		Scan(&stats.Total, &stats.Agents, &stats.WithEmbeddings); err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memories GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to read type stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memType string
		var count int64
		if err := rows.Scan(&memType, &count); err != nil {
			return nil, err
		}
		stats.ByType[memType] = count
	}

	return stats, rows.Err()
}

const selectColumns = `SELECT id, agent_id, type, content, tags, embedding, confidence,
	created_at, updated_at, accessed_at, access_count, expires_at,
	source_session, source_message, scope, scope_confidence, target_agent_id, scope_reasoning`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var memType, scope, tagsJSON string
	var blob []byte
	var createdAt, updatedAt int64
	var accessedAt, expiresAt sql.NullInt64

	err := row.Scan(
		&m.ID, &m.AgentID, &memType, &m.Content, &tagsJSON, &blob, &m.Confidence,
		&createdAt, &updatedAt, &accessedAt, &m.AccessCount, &expiresAt,
		&m.SourceSession, &m.SourceMessage,
		&scope, &m.ScopeConfidence, &m.TargetAgentID, &m.ScopeReasoning,
	)
	if err != nil {
		return nil, err
	}

	m.Type = MemoryType(memType)
	m.Scope = Scope(scope)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	if accessedAt.Valid {
		t := time.UnixMilli(accessedAt.Int64)
		m.AccessedAt = &t
	}
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		m.ExpiresAt = &t
	}

	if tagsJSON != "" && tagsJSON != "[]" {
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}

	if m.Embedding, err = DeserializeEmbedding(blob); err != nil {
		return nil, err
	}

	return &m, nil
}

func nullableMilli(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
