package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrContextWrite reports a failed durable append. The window in memory
// is discarded so the next read re-loads committed state.
var ErrContextWrite = errors.New("context write failed")

// ArchivedMessage is a row from the long-term message archive.
type ArchivedMessage struct {
	ContextKey string    `json:"context_key"`
	UserID     string    `json:"user_id,omitempty"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	MessageID  string    `json:"message_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionInfo summarizes one stored conversation.
type SessionInfo struct {
	ContextKey string    `json:"context_key"`
	Messages   int       `json:"messages"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Options configures a Store.
type Options struct {
	MaxContext int // live window size after trimming
	Multiplier int // trim triggers at MaxContext*Multiplier
	CacheSize  int // number of session windows kept in memory
	Logger     *slog.Logger
}

// Store keeps conversation windows durable in SQLite with a bounded
// in-memory cache in front. Appends to the same key are serialized;
// different keys proceed independently.
type Store struct {
	db     *sql.DB
	cache  windowCache
	logger *slog.Logger

	maxContext int
	multiplier int

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore opens (or creates) the session database at dbPath.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if opts.MaxContext <= 0 {
		opts.MaxContext = 40
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	cache, err := newLRUWindowCache(opts.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create window cache: %w", err)
	}

	s := &Store{
		db:         db,
		cache:      cache,
		logger:     opts.Logger,
		maxContext: opts.MaxContext,
		multiplier: opts.Multiplier,
		locks:      make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contexts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_key TEXT NOT NULL UNIQUE,
			messages TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_archive (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_key TEXT NOT NULL,
			user_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_id TEXT,
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archive_key_time ON message_archive(context_key, timestamp);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// keyLock returns the mutex serializing writes for one session key.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// GetContext returns the live window for a session key, oldest first.
// A cache miss loads the committed snapshot from SQLite.
func (s *Store) GetContext(ctx context.Context, key string) ([]Message, error) {
	if window, ok := s.cache.Get(key); ok {
		return cloneWindow(window), nil
	}

	window, err := s.loadWindow(ctx, key)
	if err != nil {
		return nil, err
	}
	if window != nil {
		s.cache.Add(key, window)
	}
	return cloneWindow(window), nil
}

func (s *Store) loadWindow(ctx context.Context, key string) ([]Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT messages FROM contexts WHERE context_key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context %q: %w", key, err)
	}

	var window []Message
	if err := json.Unmarshal([]byte(raw), &window); err != nil {
		return nil, fmt.Errorf("decode context %q: %w", key, err)
	}
	return window, nil
}

// Append adds one message to a session window. The durable write (snapshot
// upsert plus archive insert, one transaction) happens before the cache is
// touched; if it fails the cached window is invalidated and the wrapped
// ErrContextWrite is returned so callers drop the turn.
func (s *Store) Append(ctx context.Context, key, userID string, msg Message) error {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	window, ok := s.cache.Get(key)
	if !ok {
		loaded, err := s.loadWindow(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrContextWrite, err)
		}
		window = loaded
	}

	if msg.MessageID == "" {
		id, _ := uuid.NewV7()
		msg.MessageID = id.String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	window = append(cloneWindow(window), msg)

	// Collapse the live window once it overshoots maxContext*multiplier.
	// Older entries stay reachable through message_archive only.
	if limit := s.maxContext * s.multiplier; len(window) > limit {
		trimmed := make([]Message, s.maxContext)
		copy(trimmed, window[len(window)-s.maxContext:])
		s.logger.Debug("trimmed context window",
			"context_key", key,
			"before", len(window),
			"after", len(trimmed),
		)
		window = trimmed
	}

	if err := s.persist(ctx, key, userID, window, msg); err != nil {
		s.cache.Remove(key)
		return fmt.Errorf("%w: %w", ErrContextWrite, err)
	}

	s.cache.Add(key, window)
	return nil
}

func (s *Store) persist(ctx context.Context, key, userID string, window []Message, msg Message) error {
	snapshot, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("encode window: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contexts (context_key, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(context_key) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at
	`, key, string(snapshot), now, now)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_archive (context_key, user_id, role, content, message_id, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, key, userID, msg.Role, msg.archiveText(), msg.MessageID, msg.Timestamp.Format(time.RFC3339), now)
	if err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}

	return tx.Commit()
}

// SearchArchive finds archived messages for a session containing the query
// text, newest first.
func (s *Store) SearchArchive(ctx context.Context, key, query string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_key, user_id, role, content, message_id, timestamp
		FROM message_archive
		WHERE context_key = ? AND content LIKE ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, key, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search archive: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var userID, messageID sql.NullString
		var ts string
		if err := rows.Scan(&m.ContextKey, &userID, &m.Role, &m.Content, &messageID, &ts); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if userID.Valid {
			m.UserID = userID.String
		}
		if messageID.Valid {
			m.MessageID = messageID.String
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearSession removes the live window for a key. Archive rows are kept.
func (s *Store) ClearSession(ctx context.Context, key string) error {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE context_key = ?`, key); err != nil {
		return fmt.Errorf("clear session %q: %w", key, err)
	}
	s.cache.Remove(key)
	return nil
}

// ListSessions returns all stored conversations, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_key, messages, updated_at FROM contexts ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var raw, updated string
		if err := rows.Scan(&info.ContextKey, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var window []Message
		if err := json.Unmarshal([]byte(raw), &window); err == nil {
			info.Messages = len(window)
		}
		info.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	var sessions, archived int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM contexts`).Scan(&sessions)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM message_archive`).Scan(&archived)

	return map[string]any{
		"sessions":    sessions,
		"archived":    archived,
		"cached":      s.cache.Len(),
		"max_context": s.maxContext,
	}
}

// cloneWindow copies a window so cached slices never alias caller slices.
func cloneWindow(window []Message) []Message {
	if window == nil {
		return nil
	}
	out := make([]Message, len(window))
	copy(out, window)
	return out
}
