package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
)

// Size estimates in vbytes. Outputs cost 9 vbytes plus their script.
const (
	txOverhead     = 11
	p2wpkhInput    = 68
	p2wpkhOutput   = 31
	outputOverhead = 9
)

// EstimateVSize estimates a transaction spending n seed coins to outputs,
// plus one P2WPKH change output.
func EstimateVSize(inputs int, outputs []*wire.TxOut) int {
	size := txOverhead + inputs*p2wpkhInput + p2wpkhOutput
	for _, out := range outputs {
		size += outputOverhead + len(out.PkScript)
	}
	return size
}

// BuildTx spends seed coins to outputs, sending the remainder above dust to
// changeScript, and signs every input. Output 0 of the result is outputs[0].
func (w *Wallet) BuildTx(coins []*registry.Coin, outputs []*wire.TxOut, changeScript []byte, feeRate uint64) (*wire.MsgTx, uint64, error) {
	if len(coins) == 0 {
		return nil, 0, fmt.Errorf("%w: no coins provided", protocol.ErrInsufficientFunds)
	}

	tx := wire.NewMsgTx(contract.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(coins))
	var totalIn uint64
	for _, c := range coins {
		if c.Info.Tag != registry.TagSeedCoin || c.Info.Path == nil {
			return nil, 0, fmt.Errorf("%w: coin %s is not a seed coin", protocol.ErrWallet, c.Key())
		}
		op, err := c.UTXO.OutPoint()
		if err != nil {
			return nil, 0, err
		}
		in := wire.NewTxIn(&op, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2 // Enable RBF
		tx.AddTxIn(in)
		prevOuts[op] = wire.NewTxOut(int64(c.UTXO.Amount), c.UTXO.PkScript)
		totalIn += c.UTXO.Amount
	}

	var totalOut uint64
	for _, out := range outputs {
		tx.AddTxOut(out)
		totalOut += uint64(out.Value)
	}

	fee := uint64(EstimateVSize(len(coins), outputs)) * feeRate
	if totalIn < totalOut+fee {
		return nil, 0, fmt.Errorf("%w: need %d, have %d", protocol.ErrInsufficientFunds, totalOut+fee, totalIn)
	}
	change := totalIn - totalOut - fee
	if change > contract.DustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	} else {
		fee += change
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, c := range coins {
		priv, err := w.PrivateKey(c.Info.Path.Change, c.Info.Path.Index)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", protocol.ErrWallet, err)
		}
		if err := signP2WPKH(tx, i, priv, fetcher, sigHashes); err != nil {
			return nil, 0, fmt.Errorf("%w: failed to sign input %d: %v", protocol.ErrWallet, i, err)
		}
	}
	return tx, fee, nil
}

// signP2WPKH signs a P2WPKH (native SegWit) input.
func signP2WPKH(tx *wire.MsgTx, inputIndex int, privKey *btcec.PrivateKey, prevOutFetcher txscript.PrevOutputFetcher, sigHashes *txscript.TxSigHashes) error {
	prevOut := prevOutFetcher.FetchPrevOutput(tx.TxIn[inputIndex].PreviousOutPoint)
	if prevOut == nil {
		return fmt.Errorf("previous output not found")
	}

	witness, err := txscript.WitnessSignature(
		tx,
		sigHashes,
		inputIndex,
		prevOut.Value,
		prevOut.PkScript,
		txscript.SigHashAll,
		privKey,
		true, // compressed
	)
	if err != nil {
		return err
	}

	tx.TxIn[inputIndex].Witness = witness
	return nil
}
