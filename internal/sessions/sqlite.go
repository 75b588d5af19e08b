package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexus3/nexus3/internal/permissions"
)

// sqliteTimeLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing zeros, which breaks the lexicographic ordering ORDER BY
// relies on for TEXT timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	agent_id      TEXT PRIMARY KEY,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	model_alias   TEXT NOT NULL DEFAULT '',
	base_preset   TEXT NOT NULL DEFAULT '',
	policy        TEXT,
	allowances    TEXT,
	messages      TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_updated
	ON agent_sessions(updated_at DESC);
`

// SQLiteStore persists snapshots in a single SQLite file. The connection
// pool is capped at one connection; with WAL and a busy timeout that is
// enough for the write rates sessions see, and it sidesteps SQLITE_BUSY
// entirely.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// applies the schema. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sessions: store path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure session store: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts the snapshot. A zero CreatedAt is stamped with the current
// time; UpdatedAt is always stamped. Re-saves keep the stored CreatedAt.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.AgentID == "" {
		return errors.New("sessions: snapshot has no agent id")
	}
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	messages, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	policy, err := marshalNullable(snap.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	allowances, err := marshalNullable(snap.Allowances)
	if err != nil {
		return fmt.Errorf("encode allowances: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions
			(agent_id, created_at, updated_at, model_alias, base_preset, policy, allowances, messages, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			updated_at    = excluded.updated_at,
			model_alias   = excluded.model_alias,
			base_preset   = excluded.base_preset,
			policy        = excluded.policy,
			allowances    = excluded.allowances,
			messages      = excluded.messages,
			message_count = excluded.message_count`,
		snap.AgentID,
		snap.CreatedAt.Format(sqliteTimeLayout),
		snap.UpdatedAt.Format(sqliteTimeLayout),
		snap.ModelAlias,
		snap.BasePreset,
		policy,
		allowances,
		string(messages),
		len(snap.Messages),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.AgentID, err)
	}
	return nil
}

// Load returns the snapshot for an agent, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT created_at, updated_at, model_alias, base_preset, policy, allowances, messages
		FROM agent_sessions WHERE agent_id = ?`, agentID)

	var created, updated string
	var policy, allowances sql.NullString
	var messages string
	snap := &Snapshot{AgentID: agentID}
	err := row.Scan(&created, &updated, &snap.ModelAlias, &snap.BasePreset, &policy, &allowances, &messages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", agentID, err)
	}

	if snap.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return nil, fmt.Errorf("load session %s: bad created_at: %w", agentID, err)
	}
	if snap.UpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
		return nil, fmt.Errorf("load session %s: bad updated_at: %w", agentID, err)
	}
	if err := json.Unmarshal([]byte(messages), &snap.Messages); err != nil {
		return nil, fmt.Errorf("load session %s: bad messages: %w", agentID, err)
	}
	if policy.Valid {
		snap.Policy = new(permissions.Policy)
		if err := json.Unmarshal([]byte(policy.String), snap.Policy); err != nil {
			return nil, fmt.Errorf("load session %s: bad policy: %w", agentID, err)
		}
	}
	if allowances.Valid {
		snap.Allowances = permissions.NewSessionAllowances()
		if err := json.Unmarshal([]byte(allowances.String), snap.Allowances); err != nil {
			return nil, fmt.Errorf("load session %s: bad allowances: %w", agentID, err)
		}
	}
	return snap, nil
}

// List returns snapshot metadata, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, created_at, updated_at, model_alias, base_preset, message_count
		FROM agent_sessions ORDER BY updated_at DESC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var created, updated string
		if err := rows.Scan(&m.AgentID, &created, &updated, &m.ModelAlias, &m.BasePreset, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if m.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
			return nil, fmt.Errorf("list sessions: bad created_at: %w", err)
		}
		if m.UpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
			return nil, fmt.Errorf("list sessions: bad updated_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes an agent's snapshot, or returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", agentID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalNullable encodes v as JSON, mapping a nil pointer to SQL NULL.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

var _ Store = (*SQLiteStore)(nil)
