package maker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/pkg/helpers"
)

// checkTerms validates a negotiate-hop request against the maker's offer and
// returns the maker fee.
func (m *Maker) checkTerms(ctx context.Context, msg *protocol.Message) (uint64, error) {
	offer := m.cfg.Offer("", nil)
	if !offer.Accepts(msg.Amount) {
		return 0, protocol.Violation("amount %d outside [%d, %d]", msg.Amount, m.cfg.MinAmount, m.cfg.MaxAmount)
	}
	if len(msg.Hash) != contract.PreimageSize {
		return 0, protocol.Violation("hash must be %d bytes", contract.PreimageSize)
	}
	if _, err := contract.ValidatePubKey(msg.PubKey); err != nil {
		return 0, protocol.Violation("sender pubkey: %v", err)
	}
	if msg.NextLockTime < m.cfg.MinLockTime {
		return 0, protocol.Violation("outgoing locktime %d below minimum %d", msg.NextLockTime, m.cfg.MinLockTime)
	}
	if msg.LockTime < msg.NextLockTime+m.cfg.MinLockTimeDelta {
		return 0, protocol.Violation("locktime %d leaves less than %d blocks over outgoing locktime %d",
			msg.LockTime, m.cfg.MinLockTimeDelta, msg.NextLockTime)
	}
	if msg.LockTime > contract.MaxLockTime {
		return 0, protocol.Violation("locktime %d exceeds %d", msg.LockTime, contract.MaxLockTime)
	}
	if msg.ContractFee > m.cfg.MaxContractFee {
		return 0, protocol.Violation("contract fee %d above maximum %d", msg.ContractFee, m.cfg.MaxContractFee)
	}

	fee := offer.Fee(msg.Amount)
	if msg.Amount <= fee || msg.Amount-fee <= msg.ContractFee+contract.DustLimit {
		return 0, fmt.Errorf("%w: amount %d does not cover maker fee %d and contract fee %d",
			protocol.ErrInsufficientFunds, msg.Amount, fee, msg.ContractFee)
	}

	feeRate, err := m.chain.EstimateFee(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	out := msg.Amount - fee
	if bal := m.wallet.Balances().Spendable; bal < out+registry.FundingFee(2, feeRate) {
		return 0, fmt.Errorf("%w: maker can fund %d, hop needs %d", protocol.ErrInsufficientFunds, bal, out)
	}
	return fee, nil
}

func (m *Maker) handleNegotiate(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	m.mu.Lock()
	existing, ok := m.sessions[msg.SessionID]
	m.mu.Unlock()
	if ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.Hop != msg.HopIndex || existing.State != StateNegotiated ||
			!bytes.Equal(existing.incoming.OtherPubKey, msg.PubKey) {
			return nil, protocol.Violation("session %s already negotiated", msg.SessionID)
		}
		return m.negotiateReply(existing, msg)
	}

	fee, err := m.checkTerms(ctx, msg)
	if err != nil {
		return nil, err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrWallet, err)
	}
	next, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrWallet, err)
	}
	in, err := swapcoin.NewIncoming(swapcoin.Params{
		SessionID:   msg.SessionID,
		HopIndex:    msg.HopIndex,
		PrivKey:     priv,
		OtherPubKey: msg.PubKey,
		Hash:        msg.Hash,
		LockTime:    msg.LockTime,
		Amount:      msg.Amount,
		ContractFee: msg.ContractFee,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:           msg.SessionID,
		Hop:          msg.HopIndex,
		State:        StateNegotiated,
		Hash:         helpers.CopyBytes(msg.Hash),
		Amount:       msg.Amount,
		OutAmount:    msg.Amount - fee,
		Fee:          fee,
		ContractFee:  msg.ContractFee,
		LockTime:     msg.LockTime,
		NextLockTime: msg.NextLockTime,
		NextKey:      next.Serialize(),
		IncomingID:   in.ID(),
		Created:      now,
		incoming:     in,
	}

	m.mu.Lock()
	if _, raced := m.sessions[s.ID]; raced {
		m.mu.Unlock()
		return nil, protocol.Violation("session %s already negotiated", s.ID)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	m.wallet.Registry().AddSwapCoin(in)
	if err := m.save(s, in); err != nil {
		return nil, err
	}

	m.log.Info("Negotiated hop", "session", s.ID, "hop", s.Hop, "amount", s.Amount, "fee", fee,
		"locktime", s.LockTime, "next_locktime", s.NextLockTime)
	return m.negotiateReply(s, msg)
}

func (m *Maker) negotiateReply(s *Session, msg *protocol.Message) (*protocol.Message, error) {
	next, err := s.nextKey()
	if err != nil {
		return nil, err
	}
	reply := msg.Reply()
	reply.PubKey = s.incoming.MyPubKey()
	reply.RedeemScript = s.incoming.ContractScript
	reply.NextPubKey = next.PubKey().SerializeCompressed()
	reply.MakerFee = s.Fee
	reply.Amount = s.OutAmount
	reply.LockTime = s.LockTime
	return reply, nil
}

// handlePrepareFunding builds and signs, without broadcasting, the funding
// transaction of the maker's outgoing hop.
func (m *Maker) handlePrepareFunding(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	if msg.HopIndex != s.Hop+1 {
		return nil, protocol.Violation("maker funds hop %d, not %d", s.Hop+1, msg.HopIndex)
	}
	if s.outgoing != nil {
		if !bytes.Equal(s.outgoing.OtherPubKey, msg.PubKey) {
			return nil, protocol.Violation("hop %d already prepared for another receiver", msg.HopIndex)
		}
		return m.prepareReply(s, msg), nil
	}
	if s.terminal() {
		return nil, protocol.Violation("session %s is %s", s.ID, s.State)
	}
	if s.incoming.State != swapcoin.StateContractConfirmed {
		return nil, protocol.Violation("incoming hop %d not confirmed (%s)", s.Hop, s.incoming.State)
	}

	switch {
	case msg.Amount != s.OutAmount:
		return nil, protocol.Violation("hop %d amount %d, agreed %d", msg.HopIndex, msg.Amount, s.OutAmount)
	case msg.LockTime != s.NextLockTime:
		return nil, protocol.Violation("hop %d locktime %d, agreed %d", msg.HopIndex, msg.LockTime, s.NextLockTime)
	case !bytes.Equal(msg.Hash, s.Hash):
		return nil, protocol.Violation("hop %d hash differs from session hash", msg.HopIndex)
	case msg.ContractFee != s.ContractFee:
		return nil, protocol.Violation("hop %d contract fee %d, agreed %d", msg.HopIndex, msg.ContractFee, s.ContractFee)
	}

	priv, err := s.nextKey()
	if err != nil {
		return nil, err
	}
	out, err := swapcoin.NewOutgoing(swapcoin.Params{
		SessionID:   s.ID,
		HopIndex:    msg.HopIndex,
		PrivKey:     priv,
		OtherPubKey: msg.PubKey,
		Hash:        s.Hash,
		LockTime:    s.NextLockTime,
		Amount:      s.OutAmount,
		ContractFee: s.ContractFee,
	})
	if err != nil {
		return nil, err
	}

	f, err := m.wallet.FundOutput(ctx, s.ID, out.FundingScript(), s.OutAmount)
	if err != nil {
		return nil, err
	}
	if err := out.SetFunding(f.Outpoint()); err != nil {
		return nil, err
	}
	raw, err := contract.Serialize(f.Tx)
	if err != nil {
		return nil, err
	}

	m.wallet.Registry().AddSwapCoin(out)
	s.outgoing = out
	s.OutgoingID = out.ID()
	s.funding = f
	s.FundingTx = raw
	s.State = StateFundingPrepared
	if err := m.save(s, out); err != nil {
		return nil, err
	}

	m.log.Info("Prepared funding", "session", s.ID, "hop", msg.HopIndex, "outpoint", f.Outpoint(), "fee", f.Fee)
	return m.prepareReply(s, msg), nil
}

func (m *Maker) prepareReply(s *Session, msg *protocol.Message) *protocol.Message {
	reply := msg.Reply()
	reply.FundingTxID = s.outgoing.Funding.Hash.String()
	reply.FundingVout = s.outgoing.Funding.Index
	reply.RedeemScript = s.outgoing.ContractScript
	reply.PubKey = s.outgoing.MyPubKey()
	return reply
}

// handleSignContract signs the sender's contract transaction for the
// incoming hop once the funding outpoint is known.
func (m *Maker) handleSignContract(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	if msg.HopIndex != s.Hop {
		return nil, protocol.Violation("maker receives hop %d, not %d", s.Hop, msg.HopIndex)
	}
	if s.terminal() {
		return nil, protocol.Violation("session %s is %s", s.ID, s.State)
	}
	op, err := contract.OutPoint(msg.FundingTxID, msg.FundingVout)
	if err != nil {
		return nil, protocol.Violation("funding outpoint: %v", err)
	}

	in := s.incoming
	switch {
	case in.Funding == op:
	case in.State == swapcoin.StateCreated:
		if err := in.SetFunding(op); err != nil {
			return nil, err
		}
		if err := m.save(s, in); err != nil {
			return nil, err
		}
	default:
		return nil, protocol.Violation("hop %d already funded by %s", s.Hop, in.Funding)
	}

	sig, err := in.Sign()
	if err != nil {
		return nil, err
	}
	reply := msg.Reply()
	reply.Signature = sig
	return reply, nil
}

// handleBroadcastFunding stores the receiver's contract signature for the
// outgoing hop and publishes the funding transaction. The signature is
// persisted first so the timelock branch stays reachable.
func (m *Maker) handleBroadcastFunding(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	if msg.HopIndex != s.Hop+1 || s.outgoing == nil {
		return nil, protocol.Violation("hop %d not prepared", msg.HopIndex)
	}
	out := s.outgoing
	if !s.Broadcast && s.State == StateAborted {
		return nil, protocol.Violation("session %s is aborted", s.ID)
	}

	if len(out.OtherContractSig) == 0 {
		if err := out.SetOtherContractSig(msg.Signature); err != nil {
			return nil, err
		}
		if err := m.save(s, out); err != nil {
			return nil, err
		}
	}

	if !s.Broadcast {
		if s.funding == nil {
			return nil, fmt.Errorf("%w: funding transaction of hop %d lost", protocol.ErrWallet, msg.HopIndex)
		}
		txid, err := m.wallet.Broadcast(ctx, s.funding)
		if err != nil {
			return nil, err
		}
		s.Broadcast = true
		s.State = StateFundingBroadcast
		if err := m.saveSession(s); err != nil {
			return nil, err
		}
		m.log.Info("Broadcast funding", "session", s.ID, "hop", msg.HopIndex, "txid", txid)
	}

	sig, err := out.Sign()
	if err != nil {
		return nil, err
	}
	reply := msg.Reply()
	reply.FundingTxID = out.Funding.Hash.String()
	reply.FundingVout = out.Funding.Index
	reply.Signature = sig
	return reply, nil
}

// handleFundingConfirmation checks on chain that the hop's funding and
// contract transactions are confirmed before treating the hop as funded.
func (m *Maker) handleFundingConfirmation(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	c, err := s.coin(msg.HopIndex)
	if err != nil {
		return nil, protocol.Violation("%v", err)
	}
	if c.Funding == (wire.OutPoint{}) {
		return nil, protocol.Violation("hop %d has no funding outpoint", msg.HopIndex)
	}
	if msg.FundingTxID != "" && msg.FundingTxID != c.Funding.Hash.String() {
		return nil, protocol.Violation("hop %d funding %s, agreed %s", msg.HopIndex, msg.FundingTxID, c.Funding.Hash)
	}

	if _, err := m.watcher.ConfirmFunding(ctx, c); err != nil {
		return nil, err
	}
	if c.State == swapcoin.StateCreated {
		return nil, fmt.Errorf("%w: funding of hop %d not confirmed yet", protocol.ErrNetwork, msg.HopIndex)
	}
	if _, err := m.watcher.ConfirmContract(ctx, c); err != nil {
		return nil, err
	}
	if c.ContractHeight == 0 {
		return nil, fmt.Errorf("%w: contract of hop %d not confirmed yet", protocol.ErrNetwork, msg.HopIndex)
	}
	if msg.ContractTxID != "" && msg.ContractTxID != c.ContractTxID {
		return nil, protocol.Violation("hop %d contract %s, expected %s", msg.HopIndex, msg.ContractTxID, c.ContractTxID)
	}

	switch {
	case c == s.incoming && s.State == StateNegotiated:
		s.State = StateIncomingConfirmed
	case c == s.outgoing && s.State == StateFundingBroadcast:
		s.State = StateFunded
	}
	if err := m.saveSession(s); err != nil {
		return nil, err
	}

	m.log.Info("Hop confirmed", "session", s.ID, "hop", msg.HopIndex, "kind", c.Kind,
		"contract", c.ContractTxID, "height", c.ContractHeight)
	return msg.Reply(), nil
}

// handlePreimageReveal verifies the preimage and claims the incoming hop.
func (m *Maker) handlePreimageReveal(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	if msg.HopIndex != s.Hop {
		return nil, protocol.Violation("maker receives hop %d, not %d", s.Hop, msg.HopIndex)
	}
	in := s.incoming
	switch in.State {
	case swapcoin.StateContractConfirmed:
		if err := in.RevealPreimage(msg.Preimage); err != nil {
			return nil, err
		}
	case swapcoin.StatePreimageRevealed, swapcoin.StatePrivateKeyReceived:
		if !contract.VerifyPreimage(msg.Preimage, s.Hash) {
			return nil, protocol.Violation("hop %d: preimage does not match hash", s.Hop)
		}
	default:
		return nil, protocol.Violation("hop %d contract not confirmed (%s)", s.Hop, in.State)
	}

	coins := []*swapcoin.SwapCoin{in}
	if out := s.outgoing; out != nil && out.State == swapcoin.StateContractConfirmed {
		if err := out.RevealPreimage(msg.Preimage); err != nil {
			return nil, err
		}
		coins = append(coins, out)
	}
	if s.State != StateAborted {
		s.State = StateClaiming
	}
	if err := m.save(s, coins...); err != nil {
		return nil, err
	}

	txid, err := m.watcher.Claim(ctx, in)
	if err != nil {
		return nil, err
	}
	reply := msg.Reply()
	reply.ClaimTxID = txid
	return reply, nil
}

// handlePrivKeyHandover hands out the hop key once the hop's contract output
// has been claimed, and takes the counterparty's key if supplied.
func (m *Maker) handlePrivKeyHandover(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	c, err := s.coin(msg.HopIndex)
	if err != nil {
		return nil, protocol.Violation("%v", err)
	}
	if c.State != swapcoin.StatePreimageRevealed && c.State != swapcoin.StatePrivateKeyReceived {
		return nil, protocol.Violation("hop %d preimage not revealed (%s)", msg.HopIndex, c.State)
	}
	if err := m.checkClaimed(ctx, c); err != nil {
		return nil, err
	}

	if len(msg.PrivKey) > 0 && c.State == swapcoin.StatePreimageRevealed {
		if err := c.ReceivePrivKey(msg.PrivKey); err != nil {
			return nil, err
		}
		if err := m.watcher.Save(c); err != nil {
			return nil, err
		}
		m.log.Info("Received hop key", "session", s.ID, "hop", msg.HopIndex, "kind", c.Kind)
	}

	if s.incoming.State == swapcoin.StatePrivateKeyReceived &&
		s.outgoing != nil && s.outgoing.State == swapcoin.StatePrivateKeyReceived && !s.Settled {
		s.State = StateCompleted
		s.Settled = true
		if err := m.saveSession(s); err != nil {
			return nil, err
		}
		m.log.Info("Session completed", "session", s.ID, "fee", s.Fee)
		if _, err := m.wallet.Sync(ctx); err != nil {
			m.log.Warn("Wallet sync failed", "error", err)
		}
	}

	reply := msg.Reply()
	reply.PrivKey = c.MyPrivKey.Serialize()
	return reply, nil
}

// checkClaimed requires the hop's contract output to be spent: by our own
// confirmed claim for the incoming hop, by the receiver for the outgoing one.
func (m *Maker) checkClaimed(ctx context.Context, c *swapcoin.SwapCoin) error {
	if c.Kind == swapcoin.Incoming {
		if c.SpendTxID == "" {
			return fmt.Errorf("%w: hop %d not claimed yet", protocol.ErrNetwork, c.HopIndex)
		}
		height, err := m.watcher.Confirmed(ctx, c.SpendTxID)
		if err != nil {
			return err
		}
		if height == 0 {
			return fmt.Errorf("%w: claim of hop %d not confirmed yet", protocol.ErrNetwork, c.HopIndex)
		}
		return nil
	}

	op, err := c.ContractOutpoint()
	if err != nil {
		return err
	}
	out, err := m.chain.GetOutput(ctx, op)
	if errors.Is(err, backend.ErrOutputNotFound) {
		return protocol.Violation("hop %d contract not on chain", c.HopIndex)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	if !out.Spent {
		return fmt.Errorf("%w: hop %d not claimed yet", protocol.ErrNetwork, c.HopIndex)
	}
	return nil
}

// handleAbort stops the session. Coins of an unbroadcast funding go back to
// the wallet; anything already on chain is left to the monitor.
func (m *Maker) handleAbort(ctx context.Context, s *Session, msg *protocol.Message) (*protocol.Message, error) {
	if s.terminal() {
		return msg.Reply(), nil
	}
	if !s.Broadcast {
		if err := m.wallet.Release(s.ID); err != nil {
			m.log.Warn("Failed to release coins", "session", s.ID, "error", err)
		}
		s.funding = nil
	}
	s.State = StateAborted
	s.Reason = msg.Error
	if s.Reason == "" {
		s.Reason = "aborted by taker"
	}
	if err := m.saveSession(s); err != nil {
		return nil, err
	}
	m.log.Warn("Session aborted", "session", s.ID, "hop", msg.HopIndex, "reason", s.Reason)
	return msg.Reply(), nil
}
