// Package swapcoin models one leg of one coinswap hop as seen by one party.
//
// A SwapCoin is either Outgoing (we funded the hop and own the timelock
// branch) or Incoming (we are the hashlock claimant). Both variants expose
// the same capabilities; behaviour that differs is dispatched on Kind.
package swapcoin

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
)

// ErrInvalidState is returned for transitions the lifecycle does not allow.
var ErrInvalidState = errors.New("invalid swapcoin state")

// Kind tags the variant of a SwapCoin.
type Kind string

const (
	Incoming Kind = "incoming"
	Outgoing Kind = "outgoing"
)

// State is a lifecycle state.
type State string

const (
	StateCreated            State = "created"
	StateFunded             State = "funded"
	StateContractConfirmed  State = "contract-confirmed"
	StatePreimageRevealed   State = "preimage-revealed"
	StatePrivateKeyReceived State = "privkey-received"
	StateTimelockMatured    State = "timelock-matured"
	StateRefunded           State = "refunded"
)

var transitions = map[State][]State{
	StateCreated:            {StateFunded},
	StateFunded:             {StateContractConfirmed},
	StateContractConfirmed:  {StatePreimageRevealed, StateTimelockMatured},
	StatePreimageRevealed:   {StatePrivateKeyReceived},
	StateTimelockMatured:    {StateRefunded},
	StatePrivateKeyReceived: {},
	StateRefunded:           {},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Branch is a spending path of the contract script.
type Branch int

const (
	BranchHashlock Branch = iota
	BranchTimelock
)

func (b Branch) String() string {
	if b == BranchHashlock {
		return "hashlock"
	}
	return "timelock"
}

// Params are the values negotiated for a hop.
type Params struct {
	SessionID   string
	HopIndex    int
	PrivKey     *btcec.PrivateKey
	OtherPubKey []byte
	Hash        []byte
	LockTime    uint32
	Amount      uint64
	ContractFee uint64
}

// SwapCoin is one leg of a hop.
type SwapCoin struct {
	Kind      Kind
	SessionID string
	HopIndex  int

	MyPrivKey    *btcec.PrivateKey
	OtherPubKey  []byte
	OtherPrivKey *btcec.PrivateKey

	MultisigScript []byte
	ContractScript []byte
	Hash           []byte
	LockTime       uint32
	Amount         uint64
	ContractFee    uint64

	Funding          wire.OutPoint
	OtherContractSig []byte
	ContractTxID     string
	ContractHeight   uint32
	Preimage         []byte
	SpendTxID        string

	State State
}

// NewOutgoing creates the funder's view of a hop.
func NewOutgoing(p Params) (*SwapCoin, error) {
	return newSwapCoin(Outgoing, p)
}

// NewIncoming creates the receiver's view of a hop.
func NewIncoming(p Params) (*SwapCoin, error) {
	return newSwapCoin(Incoming, p)
}

func newSwapCoin(kind Kind, p Params) (*SwapCoin, error) {
	if p.PrivKey == nil {
		return nil, fmt.Errorf("%w: missing hop key", protocol.ErrWallet)
	}
	my := p.PrivKey.PubKey().SerializeCompressed()

	multisig, err := contract.BuildMultisigScript(my, p.OtherPubKey)
	if err != nil {
		return nil, protocol.Violation("hop %d multisig: %v", p.HopIndex, err)
	}

	hashlock, timelock := p.OtherPubKey, my
	if kind == Incoming {
		hashlock, timelock = my, p.OtherPubKey
	}
	script, err := contract.BuildRedeemScript(hashlock, timelock, p.Hash, p.LockTime)
	if err != nil {
		return nil, protocol.Violation("hop %d contract: %v", p.HopIndex, err)
	}
	if p.ContractFee >= p.Amount {
		return nil, protocol.Violation("hop %d contract fee %d exceeds amount %d", p.HopIndex, p.ContractFee, p.Amount)
	}

	return &SwapCoin{
		Kind:           kind,
		SessionID:      p.SessionID,
		HopIndex:       p.HopIndex,
		MyPrivKey:      p.PrivKey,
		OtherPubKey:    append([]byte(nil), p.OtherPubKey...),
		MultisigScript: multisig,
		ContractScript: script,
		Hash:           append([]byte(nil), p.Hash...),
		LockTime:       p.LockTime,
		Amount:         p.Amount,
		ContractFee:    p.ContractFee,
		State:          StateCreated,
	}, nil
}

// ID identifies the coin across restarts.
func (c *SwapCoin) ID() string {
	return fmt.Sprintf("%s:%d:%s", c.SessionID, c.HopIndex, c.Kind)
}

// MyPubKey returns our compressed hop public key.
func (c *SwapCoin) MyPubKey() []byte {
	return c.MyPrivKey.PubKey().SerializeCompressed()
}

// FundingScript is the P2WSH locking script of the hop's funding output.
func (c *SwapCoin) FundingScript() []byte {
	return contract.FundingScriptHash(c.MultisigScript)
}

// ContractOutputScript is the P2WSH locking script of the contract output.
func (c *SwapCoin) ContractOutputScript() []byte {
	return contract.FundingScriptHash(c.ContractScript)
}

// ContractValue is the value of the contract output.
func (c *SwapCoin) ContractValue() uint64 {
	return c.Amount - c.ContractFee
}

// SetFunding records the funding outpoint once the funder knows it. The coin
// stays Created until the funding transaction confirms.
func (c *SwapCoin) SetFunding(op wire.OutPoint) error {
	if c.State != StateCreated {
		return fmt.Errorf("%w: funding already set in %s", ErrInvalidState, c.State)
	}
	c.Funding = op
	return nil
}

// ContractTx rebuilds the unsigned contract transaction. Both parties of the
// hop derive the same transaction from the same negotiated values.
func (c *SwapCoin) ContractTx() (*wire.MsgTx, error) {
	if c.Funding == (wire.OutPoint{}) {
		return nil, fmt.Errorf("%w: funding outpoint unknown", ErrInvalidState)
	}
	return contract.BuildContractTx(c.Funding, c.Amount, c.ContractFee, c.ContractScript)
}

// ContractOutpoint is the outpoint of the contract output.
func (c *SwapCoin) ContractOutpoint() (wire.OutPoint, error) {
	tx, err := c.ContractTx()
	if err != nil {
		return wire.OutPoint{}, err
	}
	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}, nil
}

// Sign signs the contract transaction with our multisig key. Nothing on the
// coin changes.
func (c *SwapCoin) Sign() ([]byte, error) {
	tx, err := c.ContractTx()
	if err != nil {
		return nil, err
	}
	return contract.Sign(tx, 0, c.MultisigScript, c.Amount, c.MyPrivKey)
}

// Verify checks the counterparty's signature on the contract transaction.
func (c *SwapCoin) Verify(sig []byte) bool {
	tx, err := c.ContractTx()
	if err != nil {
		return false
	}
	return contract.Verify(tx, 0, c.MultisigScript, c.Amount, c.OtherPubKey, sig)
}

// SetOtherContractSig verifies and stores the counterparty's contract
// signature.
func (c *SwapCoin) SetOtherContractSig(sig []byte) error {
	if !c.Verify(sig) {
		return protocol.Violation("hop %d: invalid contract signature", c.HopIndex)
	}
	c.OtherContractSig = append([]byte(nil), sig...)
	return nil
}

// SignedContractTx returns the contract transaction with both signatures.
func (c *SwapCoin) SignedContractTx() (*wire.MsgTx, error) {
	if len(c.OtherContractSig) == 0 {
		return nil, fmt.Errorf("%w: counterparty contract signature missing", ErrInvalidState)
	}
	tx, err := c.ContractTx()
	if err != nil {
		return nil, err
	}
	mine, err := contract.Sign(tx, 0, c.MultisigScript, c.Amount, c.MyPrivKey)
	if err != nil {
		return nil, err
	}
	w, err := contract.MultisigWitness(c.MultisigScript, c.MyPubKey(), mine, c.OtherPubKey, c.OtherContractSig)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = w
	return tx, nil
}

// SpendingScript returns the contract script and the branch this party
// spends: the timelock for outgoing coins, the hashlock for incoming ones.
func (c *SwapCoin) SpendingScript() ([]byte, Branch) {
	switch c.Kind {
	case Outgoing:
		return c.ContractScript, BranchTimelock
	default:
		return c.ContractScript, BranchHashlock
	}
}

// IsTimelockMatured reports whether the timelock branch is spendable at the
// given tip height. The relative locktime counts from the block that
// confirmed the contract output.
func (c *SwapCoin) IsTimelockMatured(height uint32) bool {
	if c.ContractHeight == 0 {
		return false
	}
	return height >= c.ContractHeight+c.LockTime
}

// SpendTx builds the transaction moving the contract output to dest: a
// refund for outgoing coins, a hashlock claim for incoming ones.
func (c *SwapCoin) SpendTx(dest []byte, feeRate uint64) (*wire.MsgTx, error) {
	op, err := c.ContractOutpoint()
	if err != nil {
		return nil, err
	}
	p := contract.SpendParams{
		Outpoint:     op,
		Amount:       c.ContractValue(),
		RedeemScript: c.ContractScript,
		DestScript:   dest,
		FeeRate:      feeRate,
		PrivKey:      c.MyPrivKey,
	}
	switch c.Kind {
	case Outgoing:
		return contract.BuildRefundTx(p)
	default:
		if len(c.Preimage) == 0 {
			return nil, fmt.Errorf("%w: preimage unknown", ErrInvalidState)
		}
		return contract.BuildClaimTx(p, c.Preimage)
	}
}

func (c *SwapCoin) transition(to State) error {
	for _, next := range transitions[c.State] {
		if next == to {
			c.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.State, to)
}

func (c *SwapCoin) canTransition(to State) error {
	for _, next := range transitions[c.State] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.State, to)
}

// MarkFunded moves Created to Funded once the funding output is confirmed
// and pays the agreed amount to the agreed multisig.
func (c *SwapCoin) MarkFunded(op wire.OutPoint, value uint64, pkScript []byte) error {
	if err := c.canTransition(StateFunded); err != nil {
		return err
	}
	if value != c.Amount {
		return protocol.Violation("hop %d funding pays %d, agreed %d", c.HopIndex, value, c.Amount)
	}
	if !bytes.Equal(pkScript, c.FundingScript()) {
		return protocol.Violation("hop %d funding output does not pay the swap multisig", c.HopIndex)
	}
	if c.Funding != (wire.OutPoint{}) && c.Funding != op {
		return protocol.Violation("hop %d funding outpoint %s, agreed %s", c.HopIndex, op, c.Funding)
	}
	c.Funding = op
	return c.transition(StateFunded)
}

// MarkContractConfirmed moves Funded to ContractConfirmed.
func (c *SwapCoin) MarkContractConfirmed(txid string, height uint32) error {
	if err := c.canTransition(StateContractConfirmed); err != nil {
		return err
	}
	op, err := c.ContractOutpoint()
	if err != nil {
		return err
	}
	if op.Hash.String() != txid {
		return protocol.Violation("hop %d contract txid %s, expected %s", c.HopIndex, txid, op.Hash)
	}
	if height == 0 {
		return fmt.Errorf("%w: contract confirmation height unknown", ErrInvalidState)
	}
	c.ContractTxID = txid
	c.ContractHeight = height
	return c.transition(StateContractConfirmed)
}

// RevealPreimage moves ContractConfirmed to PreimageRevealed if the preimage
// hashes to the agreed hash.
func (c *SwapCoin) RevealPreimage(preimage []byte) error {
	if err := c.canTransition(StatePreimageRevealed); err != nil {
		return err
	}
	if !contract.VerifyPreimage(preimage, c.Hash) {
		return protocol.Violation("hop %d: preimage does not match hash", c.HopIndex)
	}
	c.Preimage = append([]byte(nil), preimage...)
	return c.transition(StatePreimageRevealed)
}

// ParsePrivKey validates a 32-byte scalar and returns the private key.
func ParsePrivKey(raw []byte) (*btcec.PrivateKey, error) {
	if len(raw) != 32 {
		return nil, protocol.Violation("private key must be 32 bytes, got %d", len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, protocol.Violation("private key out of range")
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// ReceivePrivKey moves PreimageRevealed to PrivateKeyReceived if the key
// belongs to the counterparty's hop pubkey.
func (c *SwapCoin) ReceivePrivKey(raw []byte) error {
	if err := c.canTransition(StatePrivateKeyReceived); err != nil {
		return err
	}
	priv, err := ParsePrivKey(raw)
	if err != nil {
		return err
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), c.OtherPubKey) {
		return protocol.Violation("hop %d: private key does not match counterparty pubkey", c.HopIndex)
	}
	c.OtherPrivKey = priv
	return c.transition(StatePrivateKeyReceived)
}

// MarkTimelockMatured moves ContractConfirmed to TimelockMatured once the
// locktime has elapsed and no preimage is known.
func (c *SwapCoin) MarkTimelockMatured(height uint32) error {
	if err := c.canTransition(StateTimelockMatured); err != nil {
		return err
	}
	if len(c.Preimage) != 0 {
		return protocol.Violation("hop %d: preimage known, timelock path closed", c.HopIndex)
	}
	if !c.IsTimelockMatured(height) {
		return fmt.Errorf("%w: hop %d matures at %d, height %d", protocol.ErrTimelockNotYetMatured,
			c.HopIndex, c.ContractHeight+c.LockTime, height)
	}
	return c.transition(StateTimelockMatured)
}

// MarkRefunded moves TimelockMatured to Refunded.
func (c *SwapCoin) MarkRefunded(txid string) error {
	if err := c.canTransition(StateRefunded); err != nil {
		return err
	}
	c.SpendTxID = txid
	return c.transition(StateRefunded)
}

// ObserveClaim records the counterparty's hashlock claim of an outgoing
// coin's contract output, seen on chain as txid. A confirmed contract moves
// to PreimageRevealed. A matured coin keeps its state: the hashlock branch
// stays open after maturity and the claim won the race against the refund.
func (c *SwapCoin) ObserveClaim(preimage []byte, txid string) error {
	if c.Kind != Outgoing {
		return fmt.Errorf("%w: only outgoing contracts are claimed by the counterparty", ErrInvalidState)
	}
	switch c.State {
	case StateContractConfirmed:
		if err := c.RevealPreimage(preimage); err != nil {
			return err
		}
	case StateTimelockMatured:
		if !contract.VerifyPreimage(preimage, c.Hash) {
			return protocol.Violation("hop %d: preimage does not match hash", c.HopIndex)
		}
		c.Preimage = append([]byte(nil), preimage...)
	default:
		return fmt.Errorf("%w: claim observed in %s", ErrInvalidState, c.State)
	}
	c.SpendTxID = txid
	return nil
}

// ClaimedByCounterparty reports an outgoing coin whose contract output went
// to the counterparty through the hashlock.
func (c *SwapCoin) ClaimedByCounterparty() bool {
	return c.Kind == Outgoing && len(c.Preimage) > 0 && c.SpendTxID != "" &&
		(c.State == StatePreimageRevealed || c.State == StateTimelockMatured)
}

// RecordClaim stores the txid of the hashlock claim of this coin.
func (c *SwapCoin) RecordClaim(txid string) {
	c.SpendTxID = txid
}
