// Package memory provides long-term fact storage with semantic recall
// and the retrieval agent that turns stored facts into prompt
// injections.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ember-chat/ember/internal/embeddings"
)

// Embedder turns text into a vector. A nil embedder degrades Search to
// recency order.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Fact is one stored long-term memory entry, scoped to a session.
type Fact struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	UserID     string    `json:"user_id,omitempty"`
	Content    string    `json:"content"`
	Similarity float32   `json:"similarity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	RecalledAt time.Time `json:"recalled_at"`
}

// Options configures a Store.
type Options struct {
	Embedder      Embedder
	TopK          int
	MinSimilarity float32
	Logger        *slog.Logger
}

// Store persists facts in SQLite with embedding vectors for semantic
// search.
type Store struct {
	db            *sql.DB
	embedder      Embedder
	topK          int
	minSimilarity float32
	logger        *slog.Logger
}

// NewStore opens (or creates) the fact database at dbPath.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Store{
		db:            db,
		embedder:      opts.Embedder,
		topK:          opts.TopK,
		minSimilarity: opts.MinSimilarity,
		logger:        opts.Logger,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			user_id TEXT,
			content TEXT NOT NULL,
			embedding BLOB,
			created_at TEXT NOT NULL,
			recalled_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_key, created_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddFact stores a new fact. Embedding failures are logged and the fact
// is stored without a vector, so memory keeps working when the
// embedding backend is down.
func (s *Store) AddFact(ctx context.Context, sessionKey, userID, content string) error {
	var blob []byte
	if s.embedder != nil {
		emb, err := s.embedder.Generate(ctx, content)
		if err != nil {
			s.logger.Warn("embed fact failed, storing without vector", "error", err)
		} else {
			blob = encodeEmbedding(emb)
		}
	}

	id, _ := uuid.NewV7()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, session_key, user_id, content, embedding, created_at, recalled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), sessionKey, userID, content, blob, now, now)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// Search returns the facts for a session most similar to the query,
// best first. Without an embedder, or when the query embedding fails,
// it falls back to the most recent facts.
func (s *Store) Search(ctx context.Context, sessionKey, query string, topK int) ([]Fact, error) {
	if topK <= 0 {
		topK = s.topK
	}

	facts, err := s.loadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	if s.embedder != nil {
		queryEmb, err := s.embedder.Generate(ctx, query)
		if err == nil && len(queryEmb) > 0 {
			return s.rankBySimilarity(facts, queryEmb, topK), nil
		}
		if err != nil {
			s.logger.Warn("embed query failed, falling back to recency", "error", err)
		}
	}

	// Recency fallback. loadSession returns newest first already.
	if len(facts) > topK {
		facts = facts[:topK]
	}
	out := make([]Fact, len(facts))
	for i, f := range facts {
		out[i] = f.fact
	}
	return out, nil
}

// Recall is the string-only view of Search used by the recall tool.
func (s *Store) Recall(ctx context.Context, sessionKey, query string, topK int) ([]string, error) {
	facts, err := s.Search(ctx, sessionKey, query, topK)
	if err != nil {
		return nil, err
	}
	var out []string
	var ids []string
	for _, f := range facts {
		out = append(out, f.Content)
		ids = append(ids, f.ID)
	}
	s.TouchRecall(ctx, ids)
	return out, nil
}

// TouchRecall bumps recalled_at for the given fact ids. Best effort.
func (s *Store) TouchRecall(ctx context.Context, ids []string) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE facts SET recalled_at = ? WHERE id = ?`, now, id); err != nil {
			s.logger.Debug("touch recall failed", "fact_id", id, "error", err)
			return
		}
	}
}

// Count returns the number of facts stored for a session.
func (s *Store) Count(ctx context.Context, sessionKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE session_key = ?`, sessionKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

type embeddedFact struct {
	fact      Fact
	embedding []float32
}

func (s *Store) loadSession(ctx context.Context, sessionKey string) ([]embeddedFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, user_id, content, embedding, created_at, recalled_at
		FROM facts WHERE session_key = ?
		ORDER BY created_at DESC
	`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	var out []embeddedFact
	for rows.Next() {
		var f Fact
		var userID sql.NullString
		var blob []byte
		var created, recalled string
		if err := rows.Scan(&f.ID, &f.SessionKey, &userID, &f.Content, &blob, &created, &recalled); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if userID.Valid {
			f.UserID = userID.String
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, created)
		f.RecalledAt, _ = time.Parse(time.RFC3339, recalled)
		out = append(out, embeddedFact{fact: f, embedding: decodeEmbedding(blob)})
	}
	return out, rows.Err()
}

func (s *Store) rankBySimilarity(facts []embeddedFact, query []float32, topK int) []Fact {
	scored := make([]Fact, 0, len(facts))
	for _, ef := range facts {
		if len(ef.embedding) == 0 {
			continue
		}
		sim := embeddings.CosineSimilarity(query, ef.embedding)
		if sim < s.minSimilarity {
			continue
		}
		f := ef.fact
		f.Similarity = sim
		scored = append(scored, f)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
