package taker

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
)

// finish releases the preimage from the last maker back to the first, claims
// the return hop and exchanges every hop key.
func (t *Taker) finish(ctx context.Context, s *Session) error {
	if s.State == StateAllHopsFunded {
		if err := t.checkSafe(ctx, s); err != nil {
			return err
		}
		if err := t.transition(s, StateRevealingPreimage); err != nil {
			return err
		}
	}

	if s.State == StateRevealingPreimage {
		if err := t.reveal(ctx, s); err != nil {
			return err
		}
		if err := t.transition(s, StateExchangingKeys); err != nil {
			return err
		}
	}

	if err := t.exchangeKeys(ctx, s); err != nil {
		return err
	}
	if err := t.transition(s, StateCompleted); err != nil {
		return err
	}
	for _, m := range s.Plan.Makers {
		if err := t.store.RecordMakerOutcome(m.PeerID, true); err != nil {
			t.log.Warn("Failed to record maker outcome", "peer", protocol.ShortPeer(m.PeerID), "error", err)
		}
	}
	if _, err := t.wallet.Sync(ctx); err != nil {
		t.log.Warn("Wallet sync failed", "error", err)
	}
	t.log.Info("Swap completed", "session", s.ID, "received", s.Plan.Received(), "fees", s.Plan.TotalFees())
	return nil
}

// checkSafe refuses to reveal the preimage when the return hop is about to
// become refundable by its sender.
func (t *Taker) checkSafe(ctx context.Context, s *Session) error {
	height, err := t.chain.GetHeight(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	timeout := s.in.ContractHeight + s.in.LockTime
	if !config.IsSafeToComplete(height, timeout, t.cfg.SafetyMarginBlocks) {
		return fmt.Errorf("return hop refundable at %d, height %d: %d blocks left",
			timeout, height, config.BlocksUntilTimeout(height, timeout))
	}
	return nil
}

// reveal hands the preimage to every maker, claims the return hop and waits
// for all claims to confirm. The return hop is armed for claiming before the
// first maker hears the preimage: from then on it may be public.
func (t *Taker) reveal(ctx context.Context, s *Session) error {
	if err := t.armReturnClaim(s); err != nil {
		return err
	}
	last := len(s.Hops) - 1
	for i := last - 1; i >= 0; i-- {
		h := s.Hops[i]
		msg := protocol.NewMessage(protocol.MsgPreimageReveal, s.ID, h.Index)
		msg.Preimage = s.Preimage
		reply, err := t.request(ctx, s, h.Receiver, msg)
		if err != nil {
			return err
		}
		if reply.ClaimTxID == "" {
			return t.violation(s, h.Receiver, "hop %d claimed without a txid", h.Index)
		}
		h.ClaimTxID = reply.ClaimTxID
		if err := t.saveSession(s); err != nil {
			return err
		}
	}

	if s.out.State == swapcoin.StateContractConfirmed {
		if err := s.out.RevealPreimage(s.Preimage); err != nil {
			return err
		}
		if err := t.watcher.Save(s.out); err != nil {
			return err
		}
	}
	claim, err := t.watcher.Claim(ctx, s.in)
	if err != nil {
		return err
	}
	s.Hops[last].ClaimTxID = claim
	if err := t.saveSession(s); err != nil {
		return err
	}

	for _, h := range s.Hops {
		if _, err := t.waitConfirmed(ctx, h.ClaimTxID); err != nil {
			return err
		}
	}
	return nil
}

// armReturnClaim gives the return hop the preimage so recovery claims it
// whatever happens to the reveal.
func (t *Taker) armReturnClaim(s *Session) error {
	if s.in == nil || s.in.State != swapcoin.StateContractConfirmed {
		return nil
	}
	if err := s.in.RevealPreimage(s.Preimage); err != nil {
		return err
	}
	return t.watcher.Save(s.in)
}

// exchangeKeys swaps the hop keys of every hop concurrently. Keys for a hop
// between two makers are relayed: sender first, then receiver, then the
// receiver's key back to the sender.
func (t *Taker) exchangeKeys(ctx context.Context, s *Session) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range s.Hops {
		h := h
		if h.KeysExchanged {
			continue
		}
		g.Go(func() error {
			return t.exchangeHopKeys(gctx, s, h)
		})
	}
	err := g.Wait()
	for _, c := range []*swapcoin.SwapCoin{s.out, s.in} {
		if serr := t.watcher.Save(c); serr != nil && err == nil {
			err = serr
		}
	}
	if serr := t.saveSession(s); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (t *Taker) exchangeHopKeys(ctx context.Context, s *Session, h *Hop) error {
	switch {
	case h.Sender == "":
		key, err := t.handover(ctx, s, h, h.Receiver, s.out.MyPrivKey.Serialize(), h.ReceiverPub)
		if err != nil {
			return err
		}
		if err := s.out.ReceivePrivKey(key); err != nil {
			return err
		}
	case h.Receiver == "":
		key, err := t.handover(ctx, s, h, h.Sender, s.in.MyPrivKey.Serialize(), h.SenderPub)
		if err != nil {
			return err
		}
		if err := s.in.ReceivePrivKey(key); err != nil {
			return err
		}
	default:
		senderKey, err := t.handover(ctx, s, h, h.Sender, nil, h.SenderPub)
		if err != nil {
			return err
		}
		receiverKey, err := t.handover(ctx, s, h, h.Receiver, senderKey, h.ReceiverPub)
		if err != nil {
			return err
		}
		if _, err := t.handover(ctx, s, h, h.Sender, receiverKey, h.SenderPub); err != nil {
			return err
		}
	}
	h.KeysExchanged = true
	return nil
}

// handover sends key (possibly none) to peer and checks the key it returns
// against want.
func (t *Taker) handover(ctx context.Context, s *Session, h *Hop, peer string, key, want []byte) ([]byte, error) {
	msg := protocol.NewMessage(protocol.MsgPrivKeyHandover, s.ID, h.Index)
	msg.PrivKey = key
	reply, err := t.request(ctx, s, peer, msg)
	if err != nil {
		return nil, err
	}
	priv, err := swapcoin.ParsePrivKey(reply.PrivKey)
	if err != nil {
		return nil, t.violation(s, peer, "hop %d key: %v", h.Index, err)
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), want) {
		return nil, t.violation(s, peer, "hop %d key does not match its pubkey", h.Index)
	}
	return reply.PrivKey, nil
}
