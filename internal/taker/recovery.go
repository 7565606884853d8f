package taker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/coinswap/internal/protocol"
)

// abort winds a failed session down: coins of unbroadcast funding go back to
// the wallet, engaged makers are told to abort and the taker's funded legs
// are settled on chain. It returns cause wrapped with the session context.
func (t *Taker) abort(s *Session, cause error) error {
	ctx := t.ctx
	t.log.Error("Session failed", "session", s.ID, "state", s.State, "hop", s.Hop, "error", cause)

	s.mu.Lock()
	s.Reason = cause.Error()
	blame := s.blame
	s.mu.Unlock()
	if s.State == StateRevealingPreimage || s.State == StateExchangingKeys {
		if err := t.armReturnClaim(s); err != nil {
			t.log.Error("Failed to arm return hop claim", "session", s.ID, "error", err)
		}
	}
	if err := t.transition(s, StateAborting); err != nil {
		t.log.Error("Failed to save session", "session", s.ID, "error", err)
	}

	if err := t.wallet.Release(s.ID); err != nil {
		t.log.Warn("Failed to release coins", "session", s.ID, "error", err)
	}
	t.sendAborts(ctx, s)
	if blame != "" {
		if err := t.store.RecordMakerOutcome(blame, false); err != nil {
			t.log.Warn("Failed to record maker outcome", "peer", protocol.ShortPeer(blame), "error", err)
		}
	}

	if err := t.transition(s, StateRecovering); err != nil {
		t.log.Error("Failed to save session", "session", s.ID, "error", err)
	}
	if err := t.recoverCoins(ctx, s); err != nil {
		t.log.Error("Recovery incomplete", "session", s.ID, "error", err)
		return fmt.Errorf("session %s hop %d: %w (recovery: %v)", s.ID, s.Hop, cause, err)
	}
	if err := t.transition(s, StateAborted); err != nil {
		t.log.Error("Failed to save session", "session", s.ID, "error", err)
	}
	if _, err := t.wallet.Sync(ctx); err != nil {
		t.log.Warn("Wallet sync failed", "error", err)
	}
	return fmt.Errorf("session %s aborted at hop %d: %w", s.ID, s.Hop, cause)
}

// sendAborts tells every engaged maker, once and concurrently, to abort.
// Unreachable makers recover on their own.
func (t *Taker) sendAborts(ctx context.Context, s *Session) {
	s.mu.Lock()
	reason := s.Reason
	s.mu.Unlock()

	var g errgroup.Group
	for _, peer := range s.engaged() {
		peer := peer
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, t.cfg.RetryPolicy().Timeout)
			defer cancel()
			msg := protocol.NewMessage(protocol.MsgAbort, s.ID, s.Hop)
			msg.Error = reason
			reply, err := t.transport.Request(actx, peer, msg)
			if err == nil {
				_, err = protocol.CheckReply(peer, reply)
			}
			if err != nil {
				t.log.Warn("Abort not delivered", "session", s.ID, "peer", protocol.ShortPeer(peer), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// recoverCoins settles the taker's own legs. An incoming hop with a known
// preimage is claimed first, since the return hop matures soonest. The
// funded outgoing hop is then refunded at maturity unless maker 0 claims it.
func (t *Taker) recoverCoins(ctx context.Context, s *Session) error {
	var errs []error
	if s.in != nil && len(s.in.Preimage) > 0 {
		if err := t.watcher.Settle(ctx, s.in, false, t.poll); err != nil {
			errs = append(errs, fmt.Errorf("return hop: %w", err))
		} else {
			t.log.Info("Return hop claimed", "session", s.ID, "txid", s.in.SpendTxID)
		}
	}
	if s.out != nil && s.Hops[0].FundingBroadcast {
		if err := t.watcher.Settle(ctx, s.out, true, t.poll); err != nil {
			errs = append(errs, fmt.Errorf("hop 0: %w", err))
		} else {
			t.log.Info("Outgoing hop settled", "session", s.ID, "state", s.out.State, "txid", s.out.SpendTxID)
		}
	}
	return errors.Join(errs...)
}

// RecoverPending resumes taker sessions interrupted by a restart. Sessions
// past the preimage reveal are completed, earlier ones are aborted.
func (t *Taker) RecoverPending(ctx context.Context) error {
	recs, err := t.store.GetPendingSessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	for _, r := range recs {
		if r.Role != Role {
			continue
		}
		s, err := t.loadSession(r)
		if err != nil {
			t.log.Error("Failed to load session", "session", r.ID, "error", err)
			continue
		}
		if s.State.Terminal() {
			continue
		}
		t.log.Info("Resuming session", "session", s.ID, "state", s.State, "hop", s.Hop)
		t.track(s)

		switch s.State {
		case StateAllHopsFunded, StateRevealingPreimage, StateExchangingKeys:
			if err := t.finish(ctx, s); err != nil {
				t.log.Warn("Resumed session failed", "session", s.ID, "error", err)
				_ = t.abort(s, err)
			}
		default:
			_ = t.abort(s, fmt.Errorf("interrupted in %s", s.State))
		}
		t.untrack(s.ID)
	}
	return nil
}
