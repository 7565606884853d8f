// Package watcher moves swapcoins forward on chain: it confirms funding and
// contract outputs, broadcasts contract transactions during recovery, claims
// hashlock outputs, refunds matured timelock outputs and picks preimages out
// of the counterparty's claims of our outgoing contracts.
//
// Step is idempotent. Every call looks at the chain, advances the coin by at
// most one lifecycle transition and persists it. Callers own the coin and
// serialise calls for it.
package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// DestFunc returns a fresh wallet script to sweep contract outputs to.
type DestFunc func() ([]byte, error)

// Watcher advances swapcoins against a chain backend.
type Watcher struct {
	chain         backend.Backend
	store         *storage.Storage
	dest          DestFunc
	confirmations uint32
	log           *logging.Logger
}

// Config holds watcher configuration.
type Config struct {
	Chain backend.Backend
	Store *storage.Storage
	Dest  DestFunc
	// Confirmations required before a transaction counts as confirmed.
	Confirmations uint32
}

// New creates a watcher.
func New(cfg *Config) *Watcher {
	confs := cfg.Confirmations
	if confs == 0 {
		confs = 1
	}
	return &Watcher{
		chain:         cfg.Chain,
		store:         cfg.Store,
		dest:          cfg.Dest,
		confirmations: confs,
		log:           logging.GetDefault().Component("watcher"),
	}
}

// Save persists a coin.
func (w *Watcher) Save(c *swapcoin.SwapCoin) error {
	rec, err := c.Record()
	if err != nil {
		return err
	}
	if err := w.store.SaveSwapCoin(rec); err != nil {
		return fmt.Errorf("%w: failed to save swapcoin %s: %v", protocol.ErrWallet, c.ID(), err)
	}
	return nil
}

// Confirmed returns the block height of txid once it has enough
// confirmations, or 0.
func (w *Watcher) Confirmed(ctx context.Context, txid string) (uint32, error) {
	st, err := w.chain.GetTxStatus(ctx, txid)
	if errors.Is(err, backend.ErrTxNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	if st.Confirmations < w.confirmations {
		return 0, nil
	}
	return st.BlockHeight, nil
}

// confirmedOutput returns an output once its transaction has enough
// confirmations, or nil.
func (w *Watcher) confirmedOutput(ctx context.Context, op wire.OutPoint) (*backend.Output, error) {
	height, err := w.Confirmed(ctx, op.Hash.String())
	if err != nil || height == 0 {
		return nil, err
	}
	out, err := w.chain.GetOutput(ctx, op)
	if errors.Is(err, backend.ErrOutputNotFound) {
		return nil, protocol.Violation("transaction %s has no output %d", op.Hash, op.Index)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	return out, nil
}

// ConfirmFunding moves a Created coin to Funded once its funding output is
// confirmed and pays the agreed amount to the agreed multisig.
func (w *Watcher) ConfirmFunding(ctx context.Context, c *swapcoin.SwapCoin) (bool, error) {
	if c.State != swapcoin.StateCreated || c.Funding == (wire.OutPoint{}) {
		return false, nil
	}
	out, err := w.confirmedOutput(ctx, c.Funding)
	if err != nil || out == nil {
		return false, err
	}
	if err := c.MarkFunded(c.Funding, out.Value, out.PkScript); err != nil {
		return false, err
	}
	return true, w.Save(c)
}

// ConfirmContract moves a Funded coin to ContractConfirmed once the contract
// transaction is confirmed.
func (w *Watcher) ConfirmContract(ctx context.Context, c *swapcoin.SwapCoin) (bool, error) {
	if c.State != swapcoin.StateFunded {
		return false, nil
	}
	op, err := c.ContractOutpoint()
	if err != nil {
		return false, err
	}
	height, err := w.Confirmed(ctx, op.Hash.String())
	if err != nil || height == 0 {
		return false, err
	}
	if err := c.MarkContractConfirmed(op.Hash.String(), height); err != nil {
		return false, err
	}
	return true, w.Save(c)
}

// BroadcastContract publishes the fully signed contract transaction of an
// outgoing coin. Rebroadcasting is harmless.
func (w *Watcher) BroadcastContract(ctx context.Context, c *swapcoin.SwapCoin) (string, error) {
	tx, err := c.SignedContractTx()
	if err != nil {
		return "", err
	}
	txid, err := w.chain.Broadcast(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: contract of hop %d: %v", protocol.ErrBroadcastFailure, c.HopIndex, err)
	}
	w.log.Info("Broadcast contract", "coin", c.ID(), "txid", txid)
	return txid, nil
}

// Claim spends an incoming coin's contract output through the hashlock
// branch. A claim already seen by the chain is not rebuilt.
func (w *Watcher) Claim(ctx context.Context, c *swapcoin.SwapCoin) (string, error) {
	if c.Kind != swapcoin.Incoming {
		return "", fmt.Errorf("%w: only incoming coins are claimed", swapcoin.ErrInvalidState)
	}
	if c.SpendTxID != "" {
		if _, err := w.chain.GetTxStatus(ctx, c.SpendTxID); err == nil {
			return c.SpendTxID, nil
		}
	}
	txid, err := w.sweep(ctx, c)
	if err != nil {
		return "", err
	}
	c.RecordClaim(txid)
	w.log.Info("Claimed hashlock", "coin", c.ID(), "txid", txid)
	return txid, w.Save(c)
}

// ObserveSpend looks up the transaction spending an outgoing coin's contract
// output. A hashlock claim hands us the preimage. Any other spender of a
// matured coin is our own refund and is adopted as such.
func (w *Watcher) ObserveSpend(ctx context.Context, c *swapcoin.SwapCoin) (bool, error) {
	if c.Kind != swapcoin.Outgoing || len(c.Preimage) > 0 {
		return false, nil
	}
	op, err := c.ContractOutpoint()
	if err != nil {
		return false, err
	}
	tx, err := w.chain.GetSpendingTx(ctx, op, c.ContractHeight)
	if errors.Is(err, backend.ErrTxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	txid := tx.TxHash().String()

	if preimage, ok := contract.ExtractPreimage(tx, op, c.Hash); ok {
		if err := c.ObserveClaim(preimage, txid); err != nil {
			return false, err
		}
		w.log.Info("Preimage learned from claim", "coin", c.ID(), "txid", txid)
		return true, w.Save(c)
	}
	if c.State != swapcoin.StateTimelockMatured || c.SpendTxID == txid {
		return false, nil
	}
	c.SpendTxID = txid
	w.log.Info("Found refund on chain", "coin", c.ID(), "txid", txid)
	return true, w.Save(c)
}

// Refund spends a matured outgoing coin through the timelock branch and
// moves it to Refunded once the refund confirms. A coin claimed through the
// hashlock after maturity is left alone.
func (w *Watcher) Refund(ctx context.Context, c *swapcoin.SwapCoin) (bool, error) {
	if c.State != swapcoin.StateTimelockMatured || len(c.Preimage) > 0 {
		return false, nil
	}
	if c.SpendTxID != "" {
		height, err := w.Confirmed(ctx, c.SpendTxID)
		if err != nil {
			return false, err
		}
		if height > 0 {
			if err := c.MarkRefunded(c.SpendTxID); err != nil {
				return false, err
			}
			w.log.Info("Refund confirmed", "coin", c.ID(), "txid", c.SpendTxID)
			return true, w.Save(c)
		}
		if _, err := w.chain.GetTxStatus(ctx, c.SpendTxID); err == nil {
			return false, nil
		}
	}
	if changed, err := w.ObserveSpend(ctx, c); err != nil || changed {
		return changed, err
	}

	txid, err := w.sweep(ctx, c)
	if err != nil {
		return false, err
	}
	c.SpendTxID = txid
	w.log.Info("Broadcast refund", "coin", c.ID(), "txid", txid)
	return true, w.Save(c)
}

func (w *Watcher) sweep(ctx context.Context, c *swapcoin.SwapCoin) (string, error) {
	dest, err := w.dest()
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrWallet, err)
	}
	feeRate, err := w.chain.EstimateFee(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	tx, err := c.SpendTx(dest, feeRate)
	if err != nil {
		return "", err
	}
	txid, err := w.chain.Broadcast(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %s of hop %d: %v", protocol.ErrBroadcastFailure, c.Kind, c.HopIndex, err)
	}
	return txid, nil
}

// Step advances c by at most one transition and reports whether anything
// changed. With broadcast set, a funded outgoing coin whose contract is not
// on chain yet gets its contract published. Matured outgoing coins are always
// refunded.
func (w *Watcher) Step(ctx context.Context, c *swapcoin.SwapCoin, broadcast bool) (bool, error) {
	switch c.State {
	case swapcoin.StateCreated:
		return w.ConfirmFunding(ctx, c)

	case swapcoin.StateFunded:
		changed, err := w.ConfirmContract(ctx, c)
		if err != nil || changed {
			return changed, err
		}
		if broadcast && c.Kind == swapcoin.Outgoing {
			_, err := w.BroadcastContract(ctx, c)
			return false, err
		}
		return false, nil

	case swapcoin.StateContractConfirmed:
		if c.Kind != swapcoin.Outgoing || len(c.Preimage) > 0 {
			return false, nil
		}
		if changed, err := w.ObserveSpend(ctx, c); err != nil || changed {
			return changed, err
		}
		height, err := w.chain.GetHeight(ctx)
		if err != nil {
			return false, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
		}
		if err := c.MarkTimelockMatured(height); err != nil {
			if errors.Is(err, protocol.ErrTimelockNotYetMatured) {
				return false, nil
			}
			return false, err
		}
		w.log.Info("Timelock matured", "coin", c.ID(), "height", height)
		return true, w.Save(c)

	case swapcoin.StateTimelockMatured:
		return w.Refund(ctx, c)

	case swapcoin.StatePreimageRevealed:
		if c.Kind != swapcoin.Incoming || c.SpendTxID != "" {
			return false, nil
		}
		_, err := w.Claim(ctx, c)
		return err == nil, err
	}
	return false, nil
}

// Settle runs Step until c reaches a terminal state or cannot move further
// on its own, polling the chain in between. Refunds waiting for maturity and
// broadcast failures are retried on the next poll.
func (w *Watcher) Settle(ctx context.Context, c *swapcoin.SwapCoin, broadcast bool, poll func(context.Context) error) error {
	for !c.State.Terminal() {
		_, err := w.Step(ctx, c, broadcast)
		if err != nil && !protocol.IsTransient(err) {
			return err
		}
		if err != nil {
			w.log.Debug("Retrying after transient error", "coin", c.ID(), "error", err)
		}
		if w.idle(c) {
			return nil
		}
		if err := poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

// idle reports coins Step will never move without outside input.
func (w *Watcher) idle(c *swapcoin.SwapCoin) bool {
	switch c.State {
	case swapcoin.StateCreated:
		return c.Funding == (wire.OutPoint{})
	case swapcoin.StateContractConfirmed:
		return c.Kind == swapcoin.Incoming || len(c.Preimage) > 0
	case swapcoin.StatePreimageRevealed:
		return c.Kind == swapcoin.Outgoing || c.SpendTxID != ""
	case swapcoin.StateTimelockMatured:
		return len(c.Preimage) > 0
	}
	return false
}
