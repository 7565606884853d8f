package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/protocol"
)

// TxVersion is used for every transaction built here. Version 2 enables
// BIP68 relative locktimes on the refund path.
const TxVersion = 2

// Virtual sizes used to price claim and refund spends of a contract output
// paying to a single P2WPKH destination.
const (
	ClaimVSize  = 140
	RefundVSize = 132
)

// DustLimit is the smallest output the builders will create.
const DustLimit = 546

// BuildContractTx spends the hop's multisig funding output into the contract
// script. The contract fee is a fixed amount agreed during negotiation, so
// both parties build the same transaction without consulting fee estimates.
func BuildContractTx(funding wire.OutPoint, amount, fee uint64, contractScript []byte) (*wire.MsgTx, error) {
	if fee >= amount || amount-fee < DustLimit {
		return nil, protocol.Violation("contract fee %d leaves no output from %d", fee, amount)
	}
	if _, err := ParseRedeemScript(contractScript); err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(TxVersion)
	in := wire.NewTxIn(&funding, nil, nil)
	in.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(amount-fee), FundingScriptHash(contractScript)))
	return tx, nil
}

// SigHash computes the BIP143 SIGHASH_ALL digest of input idx spending a
// P2WSH output locked by witnessScript.
func SigHash(tx *wire.MsgTx, idx int, witnessScript []byte, amount uint64) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input %d out of range", idx)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(FundingScriptHash(witnessScript), int64(amount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, tx, idx, int64(amount))
}

// Sign returns a DER signature with the SIGHASH_ALL byte appended. The
// transaction is not modified.
func Sign(tx *wire.MsgTx, idx int, witnessScript []byte, amount uint64, priv *btcec.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key required")
	}
	hash, err := SigHash(tx, idx, witnessScript, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig := btcecdsa.Sign(priv, hash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// Verify checks a signature produced by Sign.
func Verify(tx *wire.MsgTx, idx int, witnessScript []byte, amount uint64, pub, sig []byte) bool {
	if len(sig) < 2 || sig[len(sig)-1] != byte(txscript.SigHashAll) {
		return false
	}
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return false
	}
	parsed, err := btcecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	hash, err := SigHash(tx, idx, witnessScript, amount)
	if err != nil {
		return false
	}
	return parsed.Verify(hash, key)
}

// MultisigWitness assembles the witness spending a swap multisig, ordering
// the signatures to match the key order inside the script.
func MultisigWitness(multisigScript, pubA, sigA, pubB, sigB []byte) (wire.TxWitness, error) {
	first, second, err := ParseMultisigScript(multisigScript)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(first, pubA) && bytes.Equal(second, pubB):
		return wire.TxWitness{nil, sigA, sigB, multisigScript}, nil
	case bytes.Equal(first, pubB) && bytes.Equal(second, pubA):
		return wire.TxWitness{nil, sigB, sigA, multisigScript}, nil
	default:
		return nil, fmt.Errorf("%w: keys do not match multisig script", ErrScriptConstruction)
	}
}

// ClaimWitness spends the hashlock branch: [sig, preimage, 0x01, script].
func ClaimWitness(sig, preimage, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, preimage, {0x01}, script}
}

// RefundWitness spends the timelock branch: [sig, <empty>, script].
func RefundWitness(sig, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, {}, script}
}

// SpendParams describes a single-input spend of a contract output.
type SpendParams struct {
	Outpoint     wire.OutPoint
	Amount       uint64
	RedeemScript []byte
	DestScript   []byte
	FeeRate      uint64
	PrivKey      *btcec.PrivateKey
}

func (p *SpendParams) build(vsize, sequence uint32) (*wire.MsgTx, error) {
	if p.PrivKey == nil {
		return nil, fmt.Errorf("private key required")
	}
	if len(p.DestScript) == 0 {
		return nil, fmt.Errorf("destination script required")
	}
	fee := uint64(vsize) * p.FeeRate
	if p.Amount <= fee || p.Amount-fee < DustLimit {
		return nil, fmt.Errorf("%w: output %d cannot pay fee %d", protocol.ErrInsufficientFunds, p.Amount, fee)
	}

	tx := wire.NewMsgTx(TxVersion)
	in := wire.NewTxIn(&p.Outpoint, nil, nil)
	in.Sequence = sequence
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(p.Amount-fee), p.DestScript))
	return tx, nil
}

// BuildClaimTx spends a contract output through the hashlock branch.
func BuildClaimTx(p SpendParams, preimage []byte) (*wire.MsgTx, error) {
	cs, err := ParseRedeemScript(p.RedeemScript)
	if err != nil {
		return nil, err
	}
	if !VerifyPreimage(preimage, cs.Hash) {
		return nil, protocol.Violation("preimage does not match contract hash")
	}
	tx, err := p.build(ClaimVSize, wire.MaxTxInSequenceNum)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(tx, 0, p.RedeemScript, p.Amount, p.PrivKey)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = ClaimWitness(sig, preimage, p.RedeemScript)
	return tx, nil
}

// BuildRefundTx spends a contract output through the timelock branch. The
// input sequence carries the relative locktime, so the network rejects the
// transaction until the contract output has enough confirmations.
func BuildRefundTx(p SpendParams) (*wire.MsgTx, error) {
	cs, err := ParseRedeemScript(p.RedeemScript)
	if err != nil {
		return nil, err
	}
	tx, err := p.build(RefundVSize, cs.LockTime)
	if err != nil {
		return nil, err
	}
	sig, err := Sign(tx, 0, p.RedeemScript, p.Amount, p.PrivKey)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = RefundWitness(sig, p.RedeemScript)
	return tx, nil
}

// TxHash returns the txid of tx as a string.
func TxHash(tx *wire.MsgTx) string {
	return tx.TxHash().String()
}

// OutPoint builds an outpoint from a txid string.
func OutPoint(txid string, vout uint32) (wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	return wire.OutPoint{Hash: *h, Index: vout}, nil
}

// Serialize encodes tx in wire format.
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a wire-format transaction.
func Deserialize(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
