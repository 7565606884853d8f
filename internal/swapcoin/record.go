package swapcoin

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/storage"
)

// coinData is the JSON blob stored alongside the indexed swapcoin columns.
type coinData struct {
	MyPrivKey        []byte `json:"my_privkey"`
	OtherPubKey      []byte `json:"other_pubkey"`
	OtherPrivKey     []byte `json:"other_privkey,omitempty"`
	MultisigScript   []byte `json:"multisig_script"`
	ContractScript   []byte `json:"contract_script"`
	Hash             []byte `json:"hash"`
	ContractFee      uint64 `json:"contract_fee"`
	OtherContractSig []byte `json:"other_contract_sig,omitempty"`
	Preimage         []byte `json:"preimage,omitempty"`
}

// Record converts the coin into its storage form.
func (c *SwapCoin) Record() (*storage.SwapCoinRecord, error) {
	d := coinData{
		MyPrivKey:        c.MyPrivKey.Serialize(),
		OtherPubKey:      c.OtherPubKey,
		MultisigScript:   c.MultisigScript,
		ContractScript:   c.ContractScript,
		Hash:             c.Hash,
		ContractFee:      c.ContractFee,
		OtherContractSig: c.OtherContractSig,
		Preimage:         c.Preimage,
	}
	if c.OtherPrivKey != nil {
		d.OtherPrivKey = c.OtherPrivKey.Serialize()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode swapcoin: %w", err)
	}

	r := &storage.SwapCoinRecord{
		ID:             c.ID(),
		SessionID:      c.SessionID,
		HopIndex:       c.HopIndex,
		Kind:           string(c.Kind),
		State:          string(c.State),
		Amount:         c.Amount,
		LockTime:       c.LockTime,
		ContractTxID:   c.ContractTxID,
		ContractHeight: c.ContractHeight,
		SpendTxID:      c.SpendTxID,
		Data:           data,
	}
	if c.Funding != (wire.OutPoint{}) {
		r.FundingTxID = c.Funding.Hash.String()
		r.FundingVout = c.Funding.Index
	}
	return r, nil
}

// FromRecord restores a coin from storage.
func FromRecord(r *storage.SwapCoinRecord) (*SwapCoin, error) {
	var d coinData
	if err := json.Unmarshal(r.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode swapcoin %s: %w", r.ID, err)
	}
	if len(d.MyPrivKey) != 32 {
		return nil, fmt.Errorf("swapcoin %s: missing private key", r.ID)
	}
	myPriv, _ := btcec.PrivKeyFromBytes(d.MyPrivKey)

	c := &SwapCoin{
		Kind:             Kind(r.Kind),
		SessionID:        r.SessionID,
		HopIndex:         r.HopIndex,
		MyPrivKey:        myPriv,
		OtherPubKey:      d.OtherPubKey,
		MultisigScript:   d.MultisigScript,
		ContractScript:   d.ContractScript,
		Hash:             d.Hash,
		LockTime:         r.LockTime,
		Amount:           r.Amount,
		ContractFee:      d.ContractFee,
		OtherContractSig: d.OtherContractSig,
		ContractTxID:     r.ContractTxID,
		ContractHeight:   r.ContractHeight,
		Preimage:         d.Preimage,
		SpendTxID:        r.SpendTxID,
		State:            State(r.State),
	}
	if len(d.OtherPrivKey) > 0 {
		priv, err := ParsePrivKey(d.OtherPrivKey)
		if err != nil {
			return nil, err
		}
		c.OtherPrivKey = priv
	}
	if r.FundingTxID != "" {
		h, err := chainhash.NewHashFromStr(r.FundingTxID)
		if err != nil {
			return nil, fmt.Errorf("swapcoin %s: %w", r.ID, err)
		}
		c.Funding = wire.OutPoint{Hash: *h, Index: r.FundingVout}
	}
	if _, ok := transitions[c.State]; !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidState, r.State)
	}
	return c, nil
}
