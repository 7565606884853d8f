package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SwapCoinRecord is the persisted form of one swap leg. Data holds the key
// material, scripts, signatures and preimage as JSON.
type SwapCoinRecord struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	HopIndex       int             `json:"hop_index"`
	Kind           string          `json:"kind"`
	State          string          `json:"state"`
	Amount         uint64          `json:"amount"`
	LockTime       uint32          `json:"locktime"`
	FundingTxID    string          `json:"funding_txid,omitempty"`
	FundingVout    uint32          `json:"funding_vout"`
	ContractTxID   string          `json:"contract_txid,omitempty"`
	ContractHeight uint32          `json:"contract_height"`
	SpendTxID      string          `json:"spend_txid,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

const swapCoinColumns = `id, session_id, hop_index, kind, state, amount, locktime,
	funding_txid, funding_vout, contract_txid, contract_height, spend_txid, data,
	created_at, updated_at`

// SaveSwapCoin creates or updates a swapcoin.
func (s *Storage) SaveSwapCoin(r *SwapCoinRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO swapcoins (`+swapCoinColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			funding_txid = excluded.funding_txid,
			funding_vout = excluded.funding_vout,
			contract_txid = excluded.contract_txid,
			contract_height = excluded.contract_height,
			spend_txid = excluded.spend_txid,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		r.ID, r.SessionID, r.HopIndex, r.Kind, r.State, r.Amount, r.LockTime,
		r.FundingTxID, r.FundingVout, r.ContractTxID, r.ContractHeight, r.SpendTxID,
		string(r.Data), r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	return err
}

// GetSwapCoin returns a swapcoin by id, or nil if unknown.
func (s *Storage) GetSwapCoin(id string) (*SwapCoinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+swapCoinColumns+" FROM swapcoins WHERE id = ?", id)
	r, err := scanSwapCoin(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetSwapCoinsBySession returns the swapcoins of a session ordered by hop.
func (s *Storage) GetSwapCoinsBySession(sessionID string) ([]*SwapCoinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySwapCoins("SELECT "+swapCoinColumns+` FROM swapcoins
		WHERE session_id = ? ORDER BY hop_index, kind`, sessionID)
}

// GetSwapCoinsByState returns swapcoins in any of the given states.
func (s *Storage) GetSwapCoinsByState(states ...string) ([]*SwapCoinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(states) == 0 {
		return nil, nil
	}
	query := "SELECT " + swapCoinColumns + " FROM swapcoins WHERE state IN (?"
	args := []interface{}{states[0]}
	for _, st := range states[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += ") ORDER BY created_at, id"
	return s.querySwapCoins(query, args...)
}

// ListSwapCoins returns every swapcoin.
func (s *Storage) ListSwapCoins() ([]*SwapCoinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySwapCoins("SELECT " + swapCoinColumns + " FROM swapcoins ORDER BY created_at, id")
}

func (s *Storage) querySwapCoins(query string, args ...interface{}) ([]*SwapCoinRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SwapCoinRecord
	for rows.Next() {
		r, err := scanSwapCoin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSwapCoin(row rowScanner) (*SwapCoinRecord, error) {
	var r SwapCoinRecord
	var fundingTxID, contractTxID, spendTxID, data sql.NullString
	var createdAt, updatedAt sql.NullInt64

	err := row.Scan(&r.ID, &r.SessionID, &r.HopIndex, &r.Kind, &r.State, &r.Amount, &r.LockTime,
		&fundingTxID, &r.FundingVout, &contractTxID, &r.ContractHeight, &spendTxID, &data,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.FundingTxID = fundingTxID.String
	r.ContractTxID = contractTxID.String
	r.SpendTxID = spendTxID.String
	if data.Valid && data.String != "" {
		r.Data = json.RawMessage(data.String)
	}
	r.CreatedAt = unixOrZero(createdAt)
	r.UpdatedAt = unixOrZero(updatedAt)
	return &r, nil
}
