package maker

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// maxSteps bounds the transitions taken for one coin in one pass.
const maxSteps = 4

// Monitor drives maker sessions forward without the taker: it publishes
// contracts of funded outgoing hops, claims incoming hops whose preimage is
// known or was read from the claim of the outgoing hop, refunds outgoing
// hops at maturity and settles finished sessions.
type Monitor struct {
	maker *Maker
	log   *logging.Logger

	// Polling interval
	interval time.Duration

	// Context for background operations
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// MonitorConfig holds configuration for the Monitor.
type MonitorConfig struct {
	Maker    *Maker
	Interval time.Duration // Polling interval, default 30s
}

// NewMonitor creates a new session monitor.
func NewMonitor(cfg *MonitorConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &Monitor{
		maker:    cfg.Maker,
		log:      logging.GetDefault().Component("maker-monitor"),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the monitor.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Info("Session monitor started", "interval", m.interval)
}

// Stop stops the monitor and waits for the current pass to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("Session monitor stopped")
}

// run is the main monitoring loop.
func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckAll(m.ctx)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(m.ctx)
		}
	}
}

// CheckAll makes one pass over every unsettled session, then syncs the
// wallet and prunes the inbox.
func (m *Monitor) CheckAll(ctx context.Context) {
	mk := m.maker
	moved := false
	for _, s := range mk.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if m.check(ctx, s) {
			moved = true
		}
	}

	if moved {
		if _, err := mk.wallet.Sync(ctx); err != nil {
			m.log.Warn("Wallet sync failed", "error", err)
		}
	}

	if mk.cfg.InboxRetention > 0 {
		n, err := mk.store.CleanupOldInboxMessages(time.Now().Add(-mk.cfg.InboxRetention))
		if err != nil {
			m.log.Warn("Inbox cleanup failed", "error", err)
		} else if n > 0 {
			m.log.Debug("Pruned inbox", "messages", n)
		}
	}
}

// check advances one session and reports whether anything changed on chain.
func (m *Monitor) check(ctx context.Context, s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := m.maker
	if s.Settled {
		mk.forget(s.ID)
		return false
	}

	moved := false
	if s.incoming != nil {
		moved = m.advance(ctx, s, s.incoming, false) || moved
	}
	if s.outgoing != nil && s.Broadcast {
		moved = m.advance(ctx, s, s.outgoing, true) || moved
		if m.learnPreimage(s) {
			m.advance(ctx, s, s.incoming, false)
			moved = true
		}
	}

	if s.outgoing != nil && s.outgoing.State == swapcoin.StateRefunded && s.State != StateAborted {
		s.State = StateAborted
		s.Reason = "outgoing hop refunded"
		m.log.Warn("Session aborted", "session", s.ID, "reason", s.Reason)
	}
	if mk.expired(s, time.Now()) {
		if s.State == StateClaiming {
			s.Reason = "taker never exchanged keys"
		} else {
			s.Reason = "taker never funded"
		}
		s.State = StateAborted
		m.log.Warn("Session expired", "session", s.ID, "reason", s.Reason)
	}

	if s.State == StateAborted && m.settled(ctx, s) {
		s.Settled = true
		m.log.Info("Session settled", "session", s.ID, "incoming", s.incoming.State, "outgoing", outgoingState(s))
	}
	if moved || s.Settled {
		if err := mk.saveSession(s); err != nil {
			m.log.Error("Failed to save session", "session", s.ID, "error", err)
		}
	}
	if s.Settled {
		mk.forget(s.ID)
	}
	return moved
}

func (m *Monitor) advance(ctx context.Context, s *Session, c *swapcoin.SwapCoin, broadcast bool) bool {
	moved := false
	for i := 0; i < maxSteps; i++ {
		changed, err := m.maker.watcher.Step(ctx, c, broadcast)
		if err != nil {
			level := m.log.Warn
			if protocol.IsTransient(err) {
				level = m.log.Debug
			}
			level("Step failed", "session", s.ID, "coin", c.ID(), "state", c.State, "error", err)
			return moved
		}
		if !changed {
			return moved
		}
		moved = true
	}
	return moved
}

// learnPreimage hands the preimage read from the downstream claim of the
// outgoing hop to the incoming hop, which the caller then claims.
func (m *Monitor) learnPreimage(s *Session) bool {
	in, out := s.incoming, s.outgoing
	if !out.ClaimedByCounterparty() || in.State != swapcoin.StateContractConfirmed {
		return false
	}
	if err := in.RevealPreimage(out.Preimage); err != nil {
		m.log.Error("Preimage from claim rejected", "session", s.ID, "error", err)
		return false
	}
	if !s.terminal() {
		s.State = StateClaiming
	}
	if err := m.maker.watcher.Save(in); err != nil {
		m.log.Error("Failed to save swapcoin", "coin", in.ID(), "error", err)
	}
	m.log.Info("Preimage learned on chain", "session", s.ID, "hop", s.Hop+1, "claim", out.SpendTxID)
	return true
}

// settled reports an aborted session with nothing left to do on chain.
func (m *Monitor) settled(ctx context.Context, s *Session) bool {
	in := s.incoming
	switch in.State {
	case swapcoin.StatePreimageRevealed:
		if in.SpendTxID == "" {
			return false
		}
		height, err := m.maker.watcher.Confirmed(ctx, in.SpendTxID)
		if err != nil || height == 0 {
			return false
		}
	}

	out := s.outgoing
	if out == nil || !s.Broadcast {
		return true
	}
	switch out.State {
	case swapcoin.StateRefunded, swapcoin.StatePreimageRevealed, swapcoin.StatePrivateKeyReceived:
		return true
	case swapcoin.StateTimelockMatured:
		return out.ClaimedByCounterparty()
	}
	return false
}

func outgoingState(s *Session) swapcoin.State {
	if s.outgoing == nil {
		return ""
	}
	return s.outgoing.State
}
