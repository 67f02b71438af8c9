// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transcript persists bridge events to a SQL database.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/toolbridge/pkg/bridge"
)

const (
	createEventsTableSQLite = `
CREATE TABLE IF NOT EXISTS bridge_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(64) NOT NULL,
    type VARCHAR(50) NOT NULL,
    tool VARCHAR(255) NOT NULL DEFAULT '',
    function VARCHAR(255) NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bridge_events_session ON bridge_events(session_id, id);
`

	createEventsTablePostgres = `
CREATE TABLE IF NOT EXISTS bridge_events (
    id BIGSERIAL PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    type VARCHAR(50) NOT NULL,
    tool VARCHAR(255) NOT NULL DEFAULT '',
    function VARCHAR(255) NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bridge_events_session ON bridge_events(session_id, id);
`

	// MySQL has no CREATE INDEX IF NOT EXISTS; the index lives in the table
	// definition instead.
	createEventsTableMySQL = `
CREATE TABLE IF NOT EXISTS bridge_events (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    type VARCHAR(50) NOT NULL,
    tool VARCHAR(255) NOT NULL DEFAULT '',
    ` + "`function`" + ` VARCHAR(255) NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_bridge_events_session (session_id, id)
)`
)

// Record is one stored bridge event.
type Record struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Tool      string          `json:"tool,omitempty"`
	Function  string          `json:"function,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Option func(*Store)

// WithSessionID fixes the session id. By default each store gets a random one.
func WithSessionID(id string) Option {
	return func(s *Store) {
		s.sessionID = id
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store writes bridge events of one session.
type Store struct {
	db        *sql.DB
	dialect   string
	sessionID string
	now       func() time.Time
	ownsDB    bool
}

// NewStore creates the bridge_events table if needed.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewStore(db *sql.DB, dialect string, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{
		db:        db,
		dialect:   dialect,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createEventsTableSQLite
	switch s.dialect {
	case "postgres":
		schema = createEventsTablePostgres
	case "mysql":
		schema = createEventsTableMySQL
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create bridge_events table: %w", err)
	}
	return nil
}

func (s *Store) SessionID() string {
	return s.sessionID
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// bind rewrites ? placeholders for postgres.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) functionColumn() string {
	if s.dialect == "mysql" {
		return "`function`"
	}
	return "function"
}

type responsePayload struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

type toolPayload struct {
	ToolCall any `json:"tool_call"`
	Result   any `json:"result"`
}

// Record stores ev. Only response and tool call events carry a payload;
// lifecycle events are stored with an empty object.
func (s *Store) Record(ctx context.Context, ev bridge.Event) error {
	var (
		tool, function string
		payload        any = struct{}{}
	)
	switch ev.Type {
	case bridge.EventResponseReceived:
		payload = responsePayload{Prompt: ev.Prompt, Response: ev.Response}
	case bridge.EventToolCallExecuted:
		if ev.ToolCall != nil {
			tool, function = ev.ToolCall.ToolName, ev.ToolCall.FunctionName
		}
		payload = toolPayload{ToolCall: ev.ToolCall, Result: ev.Result}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}

	created := ev.Time
	if created.IsZero() {
		created = s.now()
	}

	query := s.bind(fmt.Sprintf(
		`INSERT INTO bridge_events (session_id, type, tool, %s, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.functionColumn()))
	if _, err := s.db.ExecContext(ctx, query, s.sessionID, string(ev.Type), tool, function, string(data), created.UTC()); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Subscribe records the orchestrator's response and tool call events. The
// returned function detaches the store.
func (s *Store) Subscribe(o *bridge.Orchestrator) func() {
	record := func(ev bridge.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, ev); err != nil {
			slog.Warn("Failed to record bridge event", "type", ev.Type, "session", s.sessionID, "error", err)
		}
	}

	responseID := o.AddListener(bridge.EventResponseReceived, record)
	toolID := o.AddListener(bridge.EventToolCallExecuted, record)
	return func() {
		o.RemoveListener(bridge.EventResponseReceived, responseID)
		o.RemoveListener(bridge.EventToolCallExecuted, toolID)
	}
}

// List returns the events of sessionID, oldest first. A non-positive limit
// returns all of them.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	query := fmt.Sprintf(
		`SELECT id, session_id, type, tool, %s, payload, created_at FROM bridge_events WHERE session_id = ? ORDER BY id`,
		s.functionColumn())
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			payload string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Type, &r.Tool, &r.Function, &payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return records, nil
}
