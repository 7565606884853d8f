package maker

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/internal/wallet"
)

// State is a maker session state.
type State string

const (
	StateNegotiated        State = "negotiated"
	StateIncomingConfirmed State = "incoming-confirmed"
	StateFundingPrepared   State = "funding-prepared"
	StateFundingBroadcast  State = "funding-broadcast"
	StateFunded            State = "funded"
	StateClaiming          State = "claiming"
	StateCompleted         State = "completed"
	StateAborted           State = "aborted"
)

// Session is the maker's view of one coinswap: the hop it receives
// (index Hop) and the hop it funds (index Hop+1).
type Session struct {
	ID           string    `json:"id"`
	Hop          int       `json:"hop"`
	State        State     `json:"state"`
	Hash         []byte    `json:"hash"`
	Amount       uint64    `json:"amount"`
	OutAmount    uint64    `json:"out_amount"`
	Fee          uint64    `json:"fee"`
	ContractFee  uint64    `json:"contract_fee"`
	LockTime     uint32    `json:"locktime"`
	NextLockTime uint32    `json:"next_locktime"`
	NextKey      []byte    `json:"next_key"`
	IncomingID   string    `json:"incoming_id"`
	OutgoingID   string    `json:"outgoing_id,omitempty"`
	FundingTx    []byte    `json:"funding_tx,omitempty"`
	Broadcast    bool      `json:"funding_broadcast,omitempty"`
	Settled      bool      `json:"settled,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`

	mu       sync.Mutex
	incoming *swapcoin.SwapCoin
	outgoing *swapcoin.SwapCoin
	funding  *wallet.Funding
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID            string `json:"id"`
	Hop           int    `json:"hop"`
	State         State  `json:"state"`
	Amount        uint64 `json:"amount"`
	OutAmount     uint64 `json:"out_amount"`
	Fee           uint64 `json:"fee"`
	IncomingState string `json:"incoming_state,omitempty"`
	OutgoingState string `json:"outgoing_state,omitempty"`
	Settled       bool   `json:"settled"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{
		ID:        s.ID,
		Hop:       s.Hop,
		State:     s.State,
		Amount:    s.Amount,
		OutAmount: s.OutAmount,
		Fee:       s.Fee,
		Settled:   s.Settled,
		Reason:    s.Reason,
	}
	if s.incoming != nil {
		info.IncomingState = string(s.incoming.State)
	}
	if s.outgoing != nil {
		info.OutgoingState = string(s.outgoing.State)
	}
	return info
}

func (s *Session) nextKey() (*btcec.PrivateKey, error) {
	return swapcoin.ParsePrivKey(s.NextKey)
}

// coin returns the leg a hop index refers to.
func (s *Session) coin(hop int) (*swapcoin.SwapCoin, error) {
	switch {
	case hop == s.Hop && s.incoming != nil:
		return s.incoming, nil
	case hop == s.Hop+1 && s.outgoing != nil:
		return s.outgoing, nil
	}
	return nil, fmt.Errorf("session %s has no leg for hop %d", s.ID, hop)
}

func (s *Session) terminal() bool {
	return s.State == StateCompleted || s.State == StateAborted
}

// saveSession persists the session row. Settled sessions are stamped
// complete and not restored again.
func (m *Maker) saveSession(s *Session) error {
	s.Updated = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	rec := &storage.SessionRecord{
		ID:        s.ID,
		Role:      Role,
		State:     string(s.State),
		Hop:       s.Hop,
		Amount:    s.Amount,
		NumMakers: 0,
		Hash:      hex.EncodeToString(s.Hash),
		Data:      data,
		Reason:    s.Reason,
		CreatedAt: s.Created,
	}
	if s.Settled {
		rec.CompletedAt = s.Updated
	}
	if err := m.store.SaveSession(rec); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	m.emit(s)
	return nil
}

// save persists the given coins and then the session.
func (m *Maker) save(s *Session, coins ...*swapcoin.SwapCoin) error {
	for _, c := range coins {
		if err := m.watcher.Save(c); err != nil {
			return err
		}
	}
	return m.saveSession(s)
}

func (m *Maker) loadSession(r *storage.SessionRecord) (*Session, error) {
	var s Session
	if err := json.Unmarshal(r.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	var err error
	if s.incoming, err = m.loadCoin(s.IncomingID); err != nil {
		return nil, err
	}
	if s.OutgoingID != "" {
		if s.outgoing, err = m.loadCoin(s.OutgoingID); err != nil {
			return nil, err
		}
	}
	if len(s.FundingTx) > 0 && s.outgoing != nil {
		tx, err := contract.Deserialize(s.FundingTx)
		if err != nil {
			return nil, err
		}
		s.funding = &wallet.Funding{SessionID: s.ID, Tx: tx, Vout: s.outgoing.Funding.Index}
	}
	return &s, nil
}

func (m *Maker) loadCoin(id string) (*swapcoin.SwapCoin, error) {
	rec, err := m.store.GetSwapCoin(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("swapcoin %s not found", id)
	}
	c, err := swapcoin.FromRecord(rec)
	if err != nil {
		return nil, err
	}
	m.wallet.Registry().AddSwapCoin(c)
	return c, nil
}
