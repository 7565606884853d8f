package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// MakerRecord is a maker seen through the directory, with its last offer and
// how our sessions with it went.
type MakerRecord struct {
	PeerID       string          `json:"peer_id"`
	Addresses    []string        `json:"addresses"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
}

// SaveMaker saves or updates a maker record. Counters are not touched; use
// RecordMakerOutcome for those.
func (s *Storage) SaveMaker(m *MakerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(m.Addresses)
	if err != nil {
		return err
	}
	if m.FirstSeen.IsZero() {
		m.FirstSeen = time.Now()
	}
	if m.LastSeen.IsZero() {
		m.LastSeen = m.FirstSeen
	}

	_, err = s.db.Exec(`
		INSERT INTO makers (peer_id, addresses, offer, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			offer = excluded.offer,
			last_seen = excluded.last_seen
	`,
		m.PeerID,
		string(addrsJSON),
		string(m.Offer),
		m.FirstSeen.Unix(),
		m.LastSeen.Unix(),
	)
	return err
}

// RecordMakerOutcome bumps the success or failure counter of a maker.
func (s *Storage) RecordMakerOutcome(peerID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "failure_count"
	if success {
		column = "success_count"
	}
	_, err := s.db.Exec("UPDATE makers SET "+column+" = "+column+" + 1 WHERE peer_id = ?", peerID)
	return err
}

// GetMaker retrieves a maker by peer ID. Returns nil if unknown.
func (s *Storage) GetMaker(peerID string) (*MakerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT peer_id, addresses, offer, first_seen, last_seen, success_count, failure_count
		FROM makers WHERE peer_id = ?
	`, peerID)
	m, err := scanMaker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMakers returns makers seen since the given time, most recent first.
func (s *Storage) ListMakers(since time.Time) ([]*MakerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT peer_id, addresses, offer, first_seen, last_seen, success_count, failure_count
		FROM makers WHERE last_seen >= ?
		ORDER BY last_seen DESC
	`, timeToUnixOrZero(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var makers []*MakerRecord
	for rows.Next() {
		m, err := scanMaker(rows)
		if err != nil {
			return nil, err
		}
		makers = append(makers, m)
	}
	return makers, rows.Err()
}

// DeleteMaker removes a maker record.
func (s *Storage) DeleteMaker(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM makers WHERE peer_id = ?", peerID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMaker(row rowScanner) (*MakerRecord, error) {
	var m MakerRecord
	var addrs, offer sql.NullString
	var firstSeen, lastSeen sql.NullInt64

	if err := row.Scan(&m.PeerID, &addrs, &offer, &firstSeen, &lastSeen, &m.SuccessCount, &m.FailureCount); err != nil {
		return nil, err
	}
	if addrs.Valid && addrs.String != "" {
		if err := json.Unmarshal([]byte(addrs.String), &m.Addresses); err != nil {
			return nil, err
		}
	}
	if offer.Valid && offer.String != "" {
		m.Offer = json.RawMessage(offer.String)
	}
	m.FirstSeen = unixOrZero(firstSeen)
	m.LastSeen = unixOrZero(lastSeen)
	return &m, nil
}
