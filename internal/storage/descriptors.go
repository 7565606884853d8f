package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrCoinLocked is returned when locking a coin another session holds.
var ErrCoinLocked = errors.New("coin already locked")

// DescriptorEntry is one record of the coin registry's append-only log. The
// latest entry for an outpoint is its current classification; a "spent" tag
// retires the outpoint.
type DescriptorEntry struct {
	Seq       int64           `json:"seq"`
	TxID      string          `json:"txid"`
	Vout      uint32          `json:"vout"`
	Tag       string          `json:"tag"`
	Value     uint64          `json:"value"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendDescriptor appends an entry to the descriptor log.
func (s *Storage) AppendDescriptor(e *DescriptorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO descriptor_log (txid, vout, tag, value, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.TxID, e.Vout, e.Tag, e.Value, string(e.Detail), e.CreatedAt.Unix())
	if err != nil {
		return err
	}
	e.Seq, err = result.LastInsertId()
	return err
}

// ReadDescriptorLog returns the log in append order, starting after seq.
func (s *Storage) ReadDescriptorLog(afterSeq int64) ([]*DescriptorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT seq, txid, vout, tag, value, detail, created_at
		FROM descriptor_log WHERE seq > ? ORDER BY seq ASC
	`, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DescriptorEntry
	for rows.Next() {
		var e DescriptorEntry
		var detail sql.NullString
		var createdAt sql.NullInt64
		if err := rows.Scan(&e.Seq, &e.TxID, &e.Vout, &e.Tag, &e.Value, &detail, &createdAt); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			e.Detail = json.RawMessage(detail.String)
		}
		e.CreatedAt = unixOrZero(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CoinLock is a coin reserved by a session.
type CoinLock struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
}

// LockCoins reserves coins for a session atomically. Fails with
// ErrCoinLocked if any coin is held by another session.
func (s *Storage) LockCoins(sessionID string, coins []CoinLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, c := range coins {
		var holder string
		err := tx.QueryRow("SELECT session_id FROM coin_locks WHERE txid = ? AND vout = ?", c.TxID, c.Vout).Scan(&holder)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		case holder != sessionID:
			return ErrCoinLocked
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO coin_locks (txid, vout, session_id, locked_at)
			VALUES (?, ?, ?, ?)
		`, c.TxID, c.Vout, sessionID, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnlockSession releases every coin held by a session and returns how many
// were released.
func (s *Storage) UnlockSession(sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM coin_locks WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UnlockCoin releases a single coin.
func (s *Storage) UnlockCoin(txid string, vout uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM coin_locks WHERE txid = ? AND vout = ?", txid, vout)
	return err
}

// ListCoinLocks returns every active lock.
func (s *Storage) ListCoinLocks() ([]CoinLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT txid, vout, session_id, locked_at FROM coin_locks ORDER BY txid, vout")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoinLock
	for rows.Next() {
		var c CoinLock
		var lockedAt int64
		if err := rows.Scan(&c.TxID, &c.Vout, &c.SessionID, &lockedAt); err != nil {
			return nil, err
		}
		c.LockedAt = time.Unix(lockedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}
