package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Simnet is an in-process chain. Broadcast transactions are checked the way
// a node would check them: inputs must exist and be unspent, scripts must
// execute, and BIP68 relative locktimes must be satisfied by the next block.
type Simnet struct {
	mu       sync.Mutex
	height   uint32
	feeRate  uint64
	txs      map[chainhash.Hash]*simTx
	spentBy  map[wire.OutPoint]chainhash.Hash
	mempool  []chainhash.Hash
	nonce    uint64
	autoMine uint32

	// BroadcastHook, when set, can reject a transaction before validation.
	BroadcastHook func(tx *wire.MsgTx) error
}

type simTx struct {
	tx     *wire.MsgTx
	height uint32 // 0 while in the mempool
}

// NewSimnet creates an empty chain at height 0.
func NewSimnet() *Simnet {
	return &Simnet{
		feeRate: 2,
		txs:     make(map[chainhash.Hash]*simTx),
		spentBy: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// Type returns TypeSimnet.
func (s *Simnet) Type() Type {
	return TypeSimnet
}

// Connect is a no-op.
func (s *Simnet) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Simnet) Close() error {
	return nil
}

// SetFeeRate sets the value EstimateFee returns.
func (s *Simnet) SetFeeRate(rate uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeRate = rate
}

// SetAutoMine makes every accepted broadcast mine blocks immediately.
func (s *Simnet) SetAutoMine(blocks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoMine = blocks
}

// Fund creates a confirmed output paying amount to pkScript out of thin air
// and mines one block.
func (s *Simnet) Fund(pkScript []byte, amount uint64) wire.OutPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonce++
	var prev chainhash.Hash
	binary.BigEndian.PutUint64(prev[:8], s.nonce)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev, Index: wire.MaxPrevOutIndex}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	hash := tx.TxHash()
	s.txs[hash] = &simTx{tx: tx}
	s.mempool = append(s.mempool, hash)
	s.mineLocked(1)
	return wire.OutPoint{Hash: hash, Index: 0}
}

// Mine confirms the mempool in the next block and advances the tip by n.
func (s *Simnet) Mine(n uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mineLocked(n)
	return s.height
}

func (s *Simnet) mineLocked(n uint32) {
	if n == 0 {
		return
	}
	for _, h := range s.mempool {
		s.txs[h].height = s.height + 1
	}
	s.mempool = nil
	s.height += n
}

// Run mines one block every interval until ctx is done.
func (s *Simnet) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Mine(1)
		}
	}
}

// GetUTXOs scans every known unspent output, mempool included.
func (s *Simnet) GetUTXOs(ctx context.Context, scripts [][]byte) ([]UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(scripts))
	for _, sc := range scripts {
		want[string(sc)] = true
	}

	var utxos []UTXO
	for hash, st := range s.txs {
		for i, out := range st.tx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			if _, spent := s.spentBy[op]; spent || !want[string(out.PkScript)] {
				continue
			}
			utxos = append(utxos, UTXO{
				TxID:          hash.String(),
				Vout:          uint32(i),
				Amount:        uint64(out.Value),
				PkScript:      out.PkScript,
				Confirmations: s.confsLocked(st),
				BlockHeight:   st.height,
			})
		}
	}
	return utxos, nil
}

func (s *Simnet) confsLocked(st *simTx) uint32 {
	if st.height == 0 {
		return 0
	}
	return s.height - st.height + 1
}

// Broadcast validates tx against the current chain and adds it to the
// mempool. Rebroadcasting a known transaction succeeds.
func (s *Simnet) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if hook := s.BroadcastHook; hook != nil {
		if err := hook(tx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := tx.TxHash()
	if _, known := s.txs[hash]; known {
		return hash.String(), nil
	}
	if err := s.validateLocked(tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	s.txs[hash] = &simTx{tx: tx.Copy()}
	for _, in := range tx.TxIn {
		s.spentBy[in.PreviousOutPoint] = hash
	}
	s.mempool = append(s.mempool, hash)
	s.mineLocked(s.autoMine)
	return hash.String(), nil
}

func (s *Simnet) validateLocked(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return fmt.Errorf("transaction has no inputs or outputs")
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	var inSum, outSum int64
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		st, ok := s.txs[op.Hash]
		if !ok || int(op.Index) >= len(st.tx.TxOut) {
			return fmt.Errorf("missing input %s", op)
		}
		if _, spent := s.spentBy[op]; spent {
			return fmt.Errorf("input %s already spent", op)
		}
		if _, dup := prevOuts[op]; dup {
			return fmt.Errorf("duplicate input %s", op)
		}
		if err := s.checkSequenceLocked(tx, in, st); err != nil {
			return err
		}
		prevOuts[op] = st.tx.TxOut[op.Index]
		inSum += st.tx.TxOut[op.Index].Value
	}
	for _, out := range tx.TxOut {
		outSum += out.Value
	}
	if outSum > inSum {
		return fmt.Errorf("outputs %d exceed inputs %d", outSum, inSum)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: script failed: %w", i, err)
		}
	}
	return nil
}

// checkSequenceLocked enforces block-based BIP68 locks against the next block.
func (s *Simnet) checkSequenceLocked(tx *wire.MsgTx, in *wire.TxIn, prev *simTx) error {
	if tx.Version < 2 || in.Sequence&wire.SequenceLockTimeDisabled != 0 {
		return nil
	}
	if in.Sequence&wire.SequenceLockTimeIsSeconds != 0 {
		return fmt.Errorf("time-based sequence locks are not supported")
	}
	lock := in.Sequence & wire.SequenceLockTimeMask
	if lock == 0 {
		return nil
	}
	if prev.height == 0 {
		return fmt.Errorf("non-BIP68-final: input unconfirmed")
	}
	if s.height+1-prev.height < lock {
		return fmt.Errorf("non-BIP68-final: %d of %d blocks", s.height+1-prev.height, lock)
	}
	return nil
}

// GetHeight returns the tip height.
func (s *Simnet) GetHeight(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// EstimateFee returns the configured fee rate.
func (s *Simnet) EstimateFee(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeRate, nil
}

// GetTxStatus reports confirmations of a known transaction.
func (s *Simnet) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.txs[*hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	return &TxStatus{Confirmations: s.confsLocked(st), BlockHeight: st.height}, nil
}

// GetOutput returns an output of a known transaction.
func (s *Simnet) GetOutput(ctx context.Context, op wire.OutPoint) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.txs[op.Hash]
	if !ok || int(op.Index) >= len(st.tx.TxOut) {
		return nil, ErrOutputNotFound
	}
	out := st.tx.TxOut[op.Index]
	_, spent := s.spentBy[op]
	return &Output{
		Value:    uint64(out.Value),
		PkScript: out.PkScript,
		Height:   st.height,
		Spent:    spent,
	}, nil
}

// GetSpendingTx returns the transaction spending op.
func (s *Simnet) GetSpendingTx(ctx context.Context, op wire.OutPoint, fromHeight uint32) (*wire.MsgTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.spentBy[op]
	if !ok {
		return nil, ErrTxNotFound
	}
	return s.txs[h].tx.Copy(), nil
}

// Transaction returns a copy of a known transaction.
func (s *Simnet) Transaction(txid string) (*wire.MsgTx, bool) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.txs[*hash]
	if !ok {
		return nil, false
	}
	return st.tx.Copy(), true
}

// SpenderOf returns the txid that spent op, if any.
func (s *Simnet) SpenderOf(op wire.OutPoint) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.spentBy[op]
	if !ok {
		return "", false
	}
	return h.String(), true
}

// Ensure Simnet implements Backend
var _ Backend = (*Simnet)(nil)
