// Package trace records per-request agent timelines for debugging.
// Everything here is best effort: a trace failure is logged and
// swallowed, never surfaced to the turn that produced it.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is one step in a request timeline.
type Event struct {
	Type      string         `json:"type"` // before_llm, tool_start, tool_end, after_llm
	Timestamp time.Time      `json:"timestamp"`
	Round     int            `json:"round,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Trace is the full record for one request.
type Trace struct {
	RequestID  string          `json:"request_id"`
	SessionKey string          `json:"session_key"`
	UserID     string          `json:"user_id,omitempty"`
	GroupID    string          `json:"group_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	Events     []Event         `json:"events"`
}

// Options configures a Store.
type Options struct {
	RetentionDays int
	MaxRows       int
	Logger        *slog.Logger
}

// Store persists traces in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	retentionDays int
	maxRows       int

	pruneMu   sync.Mutex
	lastPrune time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore opens (or creates) the trace database at dbPath.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 20000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}

	s := &Store{
		db:            db,
		logger:        opts.Logger,
		retentionDays: opts.RetentionDays,
		maxRows:       opts.MaxRows,
		locks:         make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_traces (
			request_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			user_id TEXT,
			group_id TEXT,
			created_at TEXT NOT NULL,
			plan_json TEXT,
			events_json TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_traces_session ON agent_traces(session_key, created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin creates the trace row for a request. Best effort.
func (s *Store) Begin(ctx context.Context, requestID, sessionKey, userID, groupID string) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_traces (request_id, session_key, user_id, group_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, requestID, sessionKey, userID, groupID, now)
	if err != nil {
		s.logger.Debug("trace begin failed", "request_id", requestID, "error", err)
		return
	}
	s.maybePrune(ctx)
}

// SetPlan attaches the serialized plan to a trace. Best effort.
func (s *Store) SetPlan(ctx context.Context, requestID string, plan any) {
	raw, err := json.Marshal(plan)
	if err != nil {
		s.logger.Debug("trace plan encode failed", "request_id", requestID, "error", err)
		return
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agent_traces SET plan_json = ? WHERE request_id = ?
	`, string(raw), requestID); err != nil {
		s.logger.Debug("trace plan write failed", "request_id", requestID, "error", err)
	}
}

// requestLock returns the mutex serializing timeline writes for one
// request id. Tool calls within a round run concurrently and each logs
// events for the same request, so the read-modify-write below must not
// interleave.
func (s *Store) requestLock(requestID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[requestID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[requestID] = mu
	}
	return mu
}

// AppendEvent adds one event to a trace timeline. Best effort.
func (s *Store) AppendEvent(ctx context.Context, requestID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	mu := s.requestLock(requestID)
	mu.Lock()
	defer mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT events_json FROM agent_traces WHERE request_id = ?`, requestID).Scan(&raw)
	if err != nil {
		s.logger.Debug("trace event load failed", "request_id", requestID, "error", err)
		return
	}

	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		events = nil
	}
	events = append(events, ev)

	encoded, err := json.Marshal(events)
	if err != nil {
		s.logger.Debug("trace event encode failed", "request_id", requestID, "error", err)
		return
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agent_traces SET events_json = ? WHERE request_id = ?
	`, string(encoded), requestID); err != nil {
		s.logger.Debug("trace event write failed", "request_id", requestID, "error", err)
	}
}

// GetTrace loads one trace by request id.
func (s *Store) GetTrace(ctx context.Context, requestID string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, session_key, user_id, group_id, created_at, plan_json, events_json
		FROM agent_traces WHERE request_id = ?
	`, requestID)
	return scanTrace(row)
}

// ListRecent returns recent traces, newest first. sessionKey filters to
// one session when non-empty.
func (s *Store) ListRecent(ctx context.Context, sessionKey string, limit int) ([]*Trace, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if sessionKey != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT request_id, session_key, user_id, group_id, created_at, plan_json, events_json
			FROM agent_traces WHERE session_key = ?
			ORDER BY created_at DESC LIMIT ?
		`, sessionKey, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT request_id, session_key, user_id, group_id, created_at, plan_json, events_json
			FROM agent_traces ORDER BY created_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []*Trace
	for rows.Next() {
		tr, err := scanTraceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// maybePrune enforces retention at most once per hour.
func (s *Store) maybePrune(ctx context.Context) {
	s.pruneMu.Lock()
	if time.Since(s.lastPrune) < time.Hour {
		s.pruneMu.Unlock()
		return
	}
	s.lastPrune = time.Now()
	s.pruneMu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_traces WHERE created_at < ?`, cutoff); err != nil {
		s.logger.Debug("trace retention prune failed", "error", err)
	}

	// Row cap guards against retention windows that outpace traffic.
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_traces WHERE request_id IN (
			SELECT request_id FROM agent_traces
			ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)
	`, s.maxRows)
	if err != nil {
		s.logger.Debug("trace row-cap prune failed", "error", err)
	}
}

func scanTrace(row *sql.Row) (*Trace, error) {
	var tr Trace
	var userID, groupID, planJSON sql.NullString
	var created, eventsJSON string

	err := row.Scan(&tr.RequestID, &tr.SessionKey, &userID, &groupID, &created, &planJSON, &eventsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	fillTrace(&tr, userID, groupID, planJSON, created, eventsJSON)
	return &tr, nil
}

func scanTraceRow(rows *sql.Rows) (*Trace, error) {
	var tr Trace
	var userID, groupID, planJSON sql.NullString
	var created, eventsJSON string

	if err := rows.Scan(&tr.RequestID, &tr.SessionKey, &userID, &groupID, &created, &planJSON, &eventsJSON); err != nil {
		return nil, fmt.Errorf("scan trace row: %w", err)
	}
	fillTrace(&tr, userID, groupID, planJSON, created, eventsJSON)
	return &tr, nil
}

func fillTrace(tr *Trace, userID, groupID, planJSON sql.NullString, created, eventsJSON string) {
	if userID.Valid {
		tr.UserID = userID.String
	}
	if groupID.Valid {
		tr.GroupID = groupID.String
	}
	if planJSON.Valid {
		tr.Plan = json.RawMessage(planJSON.String)
	}
	tr.CreatedAt, _ = time.Parse(time.RFC3339, created)
	_ = json.Unmarshal([]byte(eventsJSON), &tr.Events)
}
