package taker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
)

// runHop negotiates, funds and confirms one hop. The hop's sender key must
// already be known.
func (t *Taker) runHop(ctx context.Context, s *Session, h *Hop) (ConfirmedHop, error) {
	if err := t.enterHop(s, h.Index, StateNegotiatingHop); err != nil {
		return ConfirmedHop{}, err
	}
	if err := t.negotiate(ctx, s, h); err != nil {
		return ConfirmedHop{}, err
	}

	if err := t.transition(s, StateFundingHop); err != nil {
		return ConfirmedHop{}, err
	}
	if err := t.prepareSender(ctx, s, h); err != nil {
		return ConfirmedHop{}, err
	}
	if err := t.collectReceiverSig(ctx, s, h); err != nil {
		return ConfirmedHop{}, err
	}
	if err := t.broadcastFunding(ctx, s, h); err != nil {
		return ConfirmedHop{}, err
	}

	if err := t.transition(s, StateAwaitingConfirmation); err != nil {
		return ConfirmedHop{}, err
	}
	if err := t.confirmHop(ctx, s, h); err != nil {
		return ConfirmedHop{}, err
	}
	t.log.Info("Hop confirmed", "session", s.ID, "hop", h.Index, "contract", h.ContractTxID)
	return ConfirmedHop{Index: h.Index, NextSenderPub: h.NextPub}, nil
}

// negotiate agrees keys and the contract script with the hop's receiver.
func (t *Taker) negotiate(ctx context.Context, s *Session, h *Hop) error {
	if h.Receiver == "" {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrWallet, err)
		}
		s.inKey = key
		h.ReceiverPub = key.PubKey().SerializeCompressed()
		script, err := contract.BuildRedeemScript(h.ReceiverPub, h.SenderPub, s.Hash, h.LockTime)
		if err != nil {
			return protocol.Violation("return hop contract: %v", err)
		}
		h.RedeemScript = script
		return nil
	}

	msg := protocol.NewMessage(protocol.MsgNegotiateHop, s.ID, h.Index)
	msg.PubKey = h.SenderPub
	msg.Hash = s.Hash
	msg.LockTime = h.LockTime
	msg.NextLockTime = s.Plan.LockTimes[h.Index+1]
	msg.Amount = h.Amount
	msg.ContractFee = s.ContractFee
	reply, err := t.request(ctx, s, h.Receiver, msg)
	if err != nil {
		return err
	}

	if _, err := contract.ValidatePubKey(reply.PubKey); err != nil {
		return t.violation(s, h.Receiver, "hop %d receiver pubkey: %v", h.Index, err)
	}
	if _, err := contract.ValidatePubKey(reply.NextPubKey); err != nil {
		return t.violation(s, h.Receiver, "hop %d next pubkey: %v", h.Index+1, err)
	}
	want, err := contract.BuildRedeemScript(reply.PubKey, h.SenderPub, s.Hash, h.LockTime)
	if err != nil || !bytes.Equal(want, reply.RedeemScript) {
		return t.violation(s, h.Receiver, "hop %d redeem script from %s does not match", h.Index, protocol.ShortPeer(h.Receiver))
	}
	if reply.MakerFee != s.Plan.Fees[h.Index] || reply.Amount != s.Plan.Amounts[h.Index+1] {
		return t.violation(s, h.Receiver, "hop %d quote %d/%d, offered %d/%d", h.Index,
			reply.MakerFee, reply.Amount, s.Plan.Fees[h.Index], s.Plan.Amounts[h.Index+1])
	}

	h.ReceiverPub = reply.PubKey
	h.NextPub = reply.NextPubKey
	h.RedeemScript = reply.RedeemScript
	return t.saveSession(s)
}

// prepareSender has the hop's sender build and sign its funding transaction.
// The taker funds hop 0 from its own coins.
func (t *Taker) prepareSender(ctx context.Context, s *Session, h *Hop) error {
	if h.Sender == "" {
		out, err := swapcoin.NewOutgoing(t.params(s, h, s.outKey, h.ReceiverPub))
		if err != nil {
			return err
		}
		if !bytes.Equal(out.ContractScript, h.RedeemScript) {
			return fmt.Errorf("hop %d contract script differs from negotiated script", h.Index)
		}
		f, err := t.wallet.FundOutput(ctx, s.ID, out.FundingScript(), h.Amount)
		if err != nil {
			return err
		}
		if err := out.SetFunding(f.Outpoint()); err != nil {
			return err
		}
		s.out, s.funding, s.OutgoingID = out, f, out.ID()
		h.FundingTxID, h.FundingVout = f.Tx.TxHash().String(), f.Vout
		if err := t.saveCoin(out); err != nil {
			return err
		}
		return t.saveSession(s)
	}

	msg := protocol.NewMessage(protocol.MsgPrepareFunding, s.ID, h.Index)
	msg.PubKey = h.ReceiverPub
	msg.Amount = h.Amount
	msg.LockTime = h.LockTime
	msg.Hash = s.Hash
	msg.ContractFee = s.ContractFee
	reply, err := t.request(ctx, s, h.Sender, msg)
	if err != nil {
		return err
	}
	if !bytes.Equal(reply.PubKey, h.SenderPub) {
		return t.violation(s, h.Sender, "hop %d funded with a key other than the announced one", h.Index)
	}
	if !bytes.Equal(reply.RedeemScript, h.RedeemScript) {
		return t.violation(s, h.Sender, "hop %d redeem script from sender does not match", h.Index)
	}
	op, err := contract.OutPoint(reply.FundingTxID, reply.FundingVout)
	if err != nil {
		return t.violation(s, h.Sender, "hop %d funding outpoint: %v", h.Index, err)
	}
	h.FundingTxID, h.FundingVout = reply.FundingTxID, reply.FundingVout

	if h.Receiver == "" {
		in, err := swapcoin.NewIncoming(t.params(s, h, s.inKey, h.SenderPub))
		if err != nil {
			return err
		}
		if err := in.SetFunding(op); err != nil {
			return err
		}
		s.in, s.IncomingID = in, in.ID()
		if err := t.saveCoin(in); err != nil {
			return err
		}
	}
	return t.saveSession(s)
}

func (t *Taker) params(s *Session, h *Hop, key *btcec.PrivateKey, other []byte) swapcoin.Params {
	return swapcoin.Params{
		SessionID:   s.ID,
		HopIndex:    h.Index,
		PrivKey:     key,
		OtherPubKey: other,
		Hash:        s.Hash,
		LockTime:    h.LockTime,
		Amount:      h.Amount,
		ContractFee: s.ContractFee,
	}
}

// collectReceiverSig gets and checks the receiver's contract signature. No
// funding is broadcast before it is held.
func (t *Taker) collectReceiverSig(ctx context.Context, s *Session, h *Hop) error {
	if h.Receiver == "" {
		sig, err := s.in.Sign()
		if err != nil {
			return err
		}
		h.ReceiverSig = sig
		return nil
	}

	msg := protocol.NewMessage(protocol.MsgSignContract, s.ID, h.Index)
	msg.FundingTxID = h.FundingTxID
	msg.FundingVout = h.FundingVout
	reply, err := t.request(ctx, s, h.Receiver, msg)
	if err != nil {
		return err
	}
	if !h.verifySig(s.ContractFee, h.ReceiverPub, reply.Signature) {
		return t.violation(s, h.Receiver, "hop %d: invalid receiver contract signature", h.Index)
	}
	h.ReceiverSig = reply.Signature
	if h.Sender == "" {
		if err := s.out.SetOtherContractSig(reply.Signature); err != nil {
			return err
		}
		return t.saveCoin(s.out)
	}
	return nil
}

// broadcastFunding publishes the hop's funding and collects the sender's
// contract signature.
func (t *Taker) broadcastFunding(ctx context.Context, s *Session, h *Hop) error {
	if h.Sender == "" {
		err := t.cfg.RetryPolicy().Do(ctx, func(ctx context.Context) error {
			_, err := t.wallet.Broadcast(ctx, s.funding)
			return err
		})
		if err != nil {
			return err
		}
		sig, err := s.out.Sign()
		if err != nil {
			return err
		}
		h.SenderSig = sig
	} else {
		msg := protocol.NewMessage(protocol.MsgBroadcastFunding, s.ID, h.Index)
		msg.Signature = h.ReceiverSig
		reply, err := t.request(ctx, s, h.Sender, msg)
		if err != nil {
			return err
		}
		if reply.FundingTxID != h.FundingTxID {
			return t.violation(s, h.Sender, "hop %d broadcast %s, prepared %s", h.Index, reply.FundingTxID, h.FundingTxID)
		}
		if !h.verifySig(s.ContractFee, h.SenderPub, reply.Signature) {
			return t.violation(s, h.Sender, "hop %d: invalid sender contract signature", h.Index)
		}
		h.SenderSig = reply.Signature
		if h.Receiver == "" {
			if err := s.in.SetOtherContractSig(reply.Signature); err != nil {
				return err
			}
			if err := t.saveCoin(s.in); err != nil {
				return err
			}
		}
	}

	h.FundingBroadcast = true
	t.log.Info("Hop funding broadcast", "session", s.ID, "hop", h.Index, "txid", h.FundingTxID)
	return t.saveSession(s)
}

// confirmHop waits for the funding, publishes the contract transaction, waits
// for it and tells the hop's makers.
func (t *Taker) confirmHop(ctx context.Context, s *Session, h *Hop) error {
	if _, err := t.waitConfirmed(ctx, h.FundingTxID); err != nil {
		return err
	}

	tx, err := t.contractTx(s, h)
	if err != nil {
		return err
	}
	if err := t.broadcast(ctx, tx); err != nil {
		return err
	}
	h.ContractTxID = tx.TxHash().String()
	if err := t.saveSession(s); err != nil {
		return err
	}
	if _, err := t.waitConfirmed(ctx, h.ContractTxID); err != nil {
		return err
	}

	if c := s.coin(h.Index); c != nil {
		if _, err := t.watcher.ConfirmFunding(ctx, c); err != nil {
			return err
		}
		if _, err := t.watcher.ConfirmContract(ctx, c); err != nil {
			return err
		}
		if c.State != swapcoin.StateContractConfirmed {
			return fmt.Errorf("%w: hop %d contract not seen confirmed (%s)", protocol.ErrNetwork, h.Index, c.State)
		}
	}

	for _, peer := range []string{h.Sender, h.Receiver} {
		if peer == "" {
			continue
		}
		msg := protocol.NewMessage(protocol.MsgFundingConfirmation, s.ID, h.Index)
		msg.FundingTxID = h.FundingTxID
		msg.ContractTxID = h.ContractTxID
		if _, err := t.request(ctx, s, peer, msg); err != nil {
			return err
		}
	}
	return nil
}

// contractTx returns the fully signed contract transaction of a hop.
func (t *Taker) contractTx(s *Session, h *Hop) (*wire.MsgTx, error) {
	if c := s.coin(h.Index); c != nil {
		return c.SignedContractTx()
	}
	return h.signedContractTx(s.ContractFee)
}

// broadcast publishes tx, retrying rejected broadcasts under the retry
// policy.
func (t *Taker) broadcast(ctx context.Context, tx *wire.MsgTx) error {
	return t.cfg.RetryPolicy().Do(ctx, func(ctx context.Context) error {
		if _, err := t.chain.Broadcast(ctx, tx); err != nil {
			return fmt.Errorf("%w: %s: %v", protocol.ErrBroadcastFailure, tx.TxHash(), err)
		}
		return nil
	})
}
