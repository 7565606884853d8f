package taker

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/internal/wallet"
)

// State is a taker session state.
type State string

const (
	StateSelectingMakers      State = "selecting-makers"
	StateNegotiatingHop       State = "negotiating-hop"
	StateFundingHop           State = "funding-hop"
	StateAwaitingConfirmation State = "awaiting-confirmation"
	StateAllHopsFunded        State = "all-hops-funded"
	StateRevealingPreimage    State = "revealing-preimage"
	StateExchangingKeys       State = "exchanging-keys"
	StateCompleted            State = "completed"
	StateAborting             State = "aborting"
	StateRecovering           State = "recovering"
	StateAborted              State = "aborted"
)

// Terminal reports whether the session is over.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Hop is the taker's record of one hop. Sender and Receiver are maker peer
// ids; an empty one is the taker itself.
type Hop struct {
	Index    int    `json:"index"`
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Amount   uint64 `json:"amount"`
	LockTime uint32 `json:"locktime"`

	SenderPub    []byte `json:"sender_pub,omitempty"`
	ReceiverPub  []byte `json:"receiver_pub,omitempty"`
	NextPub      []byte `json:"next_pub,omitempty"`
	RedeemScript []byte `json:"redeem_script,omitempty"`

	FundingTxID      string `json:"funding_txid,omitempty"`
	FundingVout      uint32 `json:"funding_vout"`
	FundingBroadcast bool   `json:"funding_broadcast,omitempty"`
	SenderSig        []byte `json:"sender_sig,omitempty"`
	ReceiverSig      []byte `json:"receiver_sig,omitempty"`
	ContractTxID     string `json:"contract_txid,omitempty"`
	ClaimTxID        string `json:"claim_txid,omitempty"`
	KeysExchanged    bool   `json:"keys_exchanged,omitempty"`
}

func (h *Hop) fundingOutpoint() (wire.OutPoint, error) {
	return contract.OutPoint(h.FundingTxID, h.FundingVout)
}

// contractTx rebuilds the unsigned contract transaction of the hop.
func (h *Hop) contractTx(fee uint64) (*wire.MsgTx, []byte, error) {
	op, err := h.fundingOutpoint()
	if err != nil {
		return nil, nil, err
	}
	multisig, err := contract.BuildMultisigScript(h.SenderPub, h.ReceiverPub)
	if err != nil {
		return nil, nil, err
	}
	tx, err := contract.BuildContractTx(op, h.Amount, fee, h.RedeemScript)
	if err != nil {
		return nil, nil, err
	}
	return tx, multisig, nil
}

// verifySig checks a contract signature of one side of the hop.
func (h *Hop) verifySig(fee uint64, pub, sig []byte) bool {
	tx, multisig, err := h.contractTx(fee)
	if err != nil {
		return false
	}
	return contract.Verify(tx, 0, multisig, h.Amount, pub, sig)
}

// signedContractTx assembles the contract transaction from both signatures.
func (h *Hop) signedContractTx(fee uint64) (*wire.MsgTx, error) {
	tx, multisig, err := h.contractTx(fee)
	if err != nil {
		return nil, err
	}
	w, err := contract.MultisigWitness(multisig, h.SenderPub, h.SenderSig, h.ReceiverPub, h.ReceiverSig)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = w
	return tx, nil
}

// ConfirmedHop is a hop whose funding and contract are confirmed on chain.
// Negotiating the next hop requires one.
type ConfirmedHop struct {
	Index int
	// NextSenderPub is the key the hop's receiver funds the next hop with.
	NextSenderPub []byte
}

// Session is one coinswap driven by the taker.
type Session struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	Hop         int       `json:"hop"`
	Amount      uint64    `json:"amount"`
	NumMakers   int       `json:"num_makers"`
	ContractFee uint64    `json:"contract_fee"`
	Plan        *Plan     `json:"plan"`
	Hops        []*Hop    `json:"hops"`
	Hash        []byte    `json:"hash"`
	Preimage    []byte    `json:"preimage"`
	OutgoingID  string    `json:"outgoing_id,omitempty"`
	IncomingID  string    `json:"incoming_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`

	mu      sync.Mutex
	blame   string
	outKey  *btcec.PrivateKey
	inKey   *btcec.PrivateKey
	out     *swapcoin.SwapCoin
	in      *swapcoin.SwapCoin
	funding *wallet.Funding
}

// coin returns the taker's own leg of a hop, if it has one.
func (s *Session) coin(hop int) *swapcoin.SwapCoin {
	switch {
	case hop == 0:
		return s.out
	case hop == len(s.Hops)-1:
		return s.in
	}
	return nil
}

func (s *Session) setBlame(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blame == "" {
		s.blame = peer
	}
}

// engaged returns the makers contacted up to the current hop.
func (s *Session) engaged() []string {
	seen := make(map[string]bool)
	var peers []string
	for _, h := range s.Hops {
		if h.Index > s.Hop {
			break
		}
		for _, p := range []string{h.Sender, h.Receiver} {
			if p != "" && !seen[p] {
				seen[p] = true
				peers = append(peers, p)
			}
		}
	}
	return peers
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Hop       int       `json:"hop"`
	Amount    uint64    `json:"amount"`
	Received  uint64    `json:"received"`
	NumMakers int       `json:"num_makers"`
	Makers    []string  `json:"makers,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// info must be called with s.mu held.
func (s *Session) info() SessionInfo {
	info := SessionInfo{
		ID:        s.ID,
		State:     s.State,
		Hop:       s.Hop,
		Amount:    s.Amount,
		NumMakers: s.NumMakers,
		Reason:    s.Reason,
		Created:   s.Created,
		Updated:   s.Updated,
	}
	if s.Plan != nil {
		info.Received = s.Plan.Received()
		for _, m := range s.Plan.Makers {
			info.Makers = append(info.Makers, m.PeerID)
		}
	}
	return info
}

// saveSession persists the session row and emits its state.
func (t *Taker) saveSession(s *Session) error {
	s.mu.Lock()
	s.Updated = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to encode session: %w", err)
	}
	rec := &storage.SessionRecord{
		ID:        s.ID,
		Role:      Role,
		State:     string(s.State),
		Hop:       s.Hop,
		Amount:    s.Amount,
		NumMakers: s.NumMakers,
		Hash:      hex.EncodeToString(s.Hash),
		Data:      data,
		Reason:    s.Reason,
		CreatedAt: s.Created,
	}
	if s.State.Terminal() {
		rec.CompletedAt = s.Updated
	}
	info := s.info()
	s.mu.Unlock()

	if err := t.store.SaveSession(rec); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	t.Emit(s.ID, Role, string(info.State), info)
	return nil
}

// transition moves the session to a new state and persists it.
func (t *Taker) transition(s *Session, to State) error {
	s.mu.Lock()
	s.State = to
	s.mu.Unlock()
	t.log.Info("Session state", "session", s.ID, "state", to, "hop", s.Hop)
	return t.saveSession(s)
}

// enterHop moves the session to a state of hop i.
func (t *Taker) enterHop(s *Session, i int, to State) error {
	s.mu.Lock()
	s.Hop = i
	s.mu.Unlock()
	return t.transition(s, to)
}

// saveCoin persists one of the taker's legs and tracks it in the registry.
func (t *Taker) saveCoin(c *swapcoin.SwapCoin) error {
	t.wallet.Registry().AddSwapCoin(c)
	return t.watcher.Save(c)
}

func (t *Taker) loadSession(r *storage.SessionRecord) (*Session, error) {
	var s Session
	if err := json.Unmarshal(r.Data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	var err error
	if s.OutgoingID != "" {
		if s.out, err = t.loadCoin(s.OutgoingID); err != nil {
			return nil, err
		}
	}
	if s.IncomingID != "" {
		if s.in, err = t.loadCoin(s.IncomingID); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (t *Taker) loadCoin(id string) (*swapcoin.SwapCoin, error) {
	rec, err := t.store.GetSwapCoin(id)
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
	t.wallet.Registry().AddSwapCoin(c)
	return c, nil
}
