package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by updates to an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is a persisted swap session. Data carries role specific
// state as JSON: the taker's hop plan and preimage, or a maker's hop view.
type SessionRecord struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	State       string          `json:"state"`
	Hop         int             `json:"hop"`
	Amount      uint64          `json:"amount"`
	NumMakers   int             `json:"num_makers"`
	Hash        string          `json:"hash,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

const sessionColumns = `id, role, state, hop, amount, num_makers, hash, data, reason,
	created_at, updated_at, completed_at`

// SaveSession creates or updates a session.
func (s *Storage) SaveSession(r *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			hop = excluded.hop,
			data = excluded.data,
			reason = excluded.reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		r.ID, r.Role, r.State, r.Hop, r.Amount, r.NumMakers, r.Hash,
		string(r.Data), r.Reason,
		r.CreatedAt.Unix(), r.UpdatedAt.Unix(), timeToUnixOrZero(r.CompletedAt),
	)
	return err
}

// GetSession returns a session by id, or nil if unknown.
func (s *Storage) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	r, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListSessions returns sessions for a role ("" for all), newest first.
func (s *Storage) ListSessions(role string, limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []interface{}
	if role != "" {
		query += " WHERE role = ?"
		args = append(args, role)
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySessions(query, args...)
}

// GetPendingSessions returns sessions that never reached a terminal state,
// oldest first. These are recovered on startup.
func (s *Storage) GetPendingSessions() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySessions("SELECT " + sessionColumns + ` FROM sessions
		WHERE completed_at IS NULL OR completed_at = 0
		ORDER BY created_at ASC`)
}

// UpdateSessionState sets state and reason. A terminal update stamps
// completed_at.
func (s *Storage) UpdateSessionState(id, state, reason string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var completedAt int64
	if terminal {
		completedAt = now
	}

	result, err := s.db.Exec(`
		UPDATE sessions
		SET state = ?, reason = ?, updated_at = ?,
			completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE id = ?
	`, state, reason, now, completedAt, completedAt, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Storage) querySessions(query string, args ...interface{}) ([]*SessionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var r SessionRecord
	var hash, data, reason sql.NullString
	var createdAt, updatedAt, completedAt sql.NullInt64

	err := row.Scan(&r.ID, &r.Role, &r.State, &r.Hop, &r.Amount, &r.NumMakers,
		&hash, &data, &reason, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Hash = hash.String
	if data.Valid && data.String != "" {
		r.Data = json.RawMessage(data.String)
	}
	r.Reason = reason.String
	r.CreatedAt = unixOrZero(createdAt)
	r.UpdatedAt = unixOrZero(updatedAt)
	r.CompletedAt = unixOrZero(completedAt)
	return &r, nil
}
