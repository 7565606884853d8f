// Package taker drives a coinswap end to end.
//
// The taker picks a route of makers, funds the first hop, relays keys,
// signatures and funding between consecutive makers hop by hop, reveals the
// preimage once every hop is confirmed and finally exchanges hop keys. Any
// failure aborts the session: unbroadcast coins are released, makers are told
// to abort and the taker's own funded hop is refunded at maturity.
package taker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/wallet"
	"github.com/klingon-exchange/coinswap/internal/watcher"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// Role is the session role stored for taker sessions.
const Role = "taker"

// Wallet is what the taker needs from the wallet service.
type Wallet interface {
	FundOutput(ctx context.Context, sessionID string, pkScript []byte, amount uint64) (*wallet.Funding, error)
	Broadcast(ctx context.Context, f *wallet.Funding) (string, error)
	Release(sessionID string) error
	ReceiveScript() ([]byte, error)
	Sync(ctx context.Context) ([]*registry.Coin, error)
	Balances() registry.Balances
	Registry() *registry.Registry
}

// Deps are the taker's collaborators.
type Deps struct {
	Chain     backend.Backend
	Wallet    Wallet
	Store     *storage.Storage
	Transport protocol.Transport
	Directory protocol.Directory
}

// SwapResult is the outcome of RunSwap.
type SwapResult struct {
	SessionID string   `json:"session_id"`
	State     State    `json:"state"`
	Amount    uint64   `json:"amount"`
	Received  uint64   `json:"received"`
	MakerFees uint64   `json:"maker_fees"`
	Makers    []string `json:"makers,omitempty"`
	Hop       int      `json:"hop"`
	Reason    string   `json:"reason,omitempty"`
}

// Taker runs coinswap sessions.
type Taker struct {
	cfg       config.TakerConfig
	chain     backend.Backend
	wallet    Wallet
	store     *storage.Storage
	transport protocol.Transport
	directory protocol.Directory
	watcher   *watcher.Watcher
	log       *logging.Logger

	protocol.Emitter

	mu       sync.Mutex
	sessions map[string]*Session

	// Recovery outlives the caller's context.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a taker.
func New(cfg config.TakerConfig, deps Deps) *Taker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Taker{
		cfg:       cfg,
		chain:     deps.Chain,
		wallet:    deps.Wallet,
		store:     deps.Store,
		transport: deps.Transport,
		directory: deps.Directory,
		watcher: watcher.New(&watcher.Config{
			Chain:         deps.Chain,
			Store:         deps.Store,
			Dest:          deps.Wallet.ReceiveScript,
			Confirmations: cfg.Confirmations,
		}),
		log:      logging.GetDefault().Component("taker"),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops background recovery.
func (t *Taker) Close() error {
	t.cancel()
	return nil
}

// RunSwap swaps amount through numMakers makers and returns once the session
// is completed or aborted. An aborted session still returns its result.
func (t *Taker) RunSwap(ctx context.Context, amount uint64, numMakers int) (*SwapResult, error) {
	if err := t.checkFunds(ctx, amount); err != nil {
		return nil, err
	}

	offers, err := t.directory.ListMakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list makers: %v", protocol.ErrNetwork, err)
	}
	t.rememberMakers(offers)

	plan, err := BuildPlan(t.cfg, offers, amount, numMakers, time.Now())
	if err != nil {
		return nil, err
	}

	s, err := t.newSession(amount, plan)
	if err != nil {
		return nil, err
	}
	t.track(s)
	defer t.untrack(s.ID)

	t.log.Info("Starting swap", "session", s.ID, "amount", amount, "makers", numMakers,
		"fees", plan.TotalFees(), "receive", plan.Received())

	if err := t.run(ctx, s); err != nil {
		aerr := t.abort(s, err)
		return t.result(s), aerr
	}
	return t.result(s), nil
}

// checkFunds fails before any network activity when the wallet cannot fund
// the first hop.
func (t *Taker) checkFunds(ctx context.Context, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", protocol.ErrInsufficientFunds)
	}
	rate, err := t.chain.EstimateFee(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to estimate fee: %v", protocol.ErrNetwork, err)
	}
	need := amount + registry.FundingFee(1, rate)
	if have := t.wallet.Balances().Spendable; have < need {
		return fmt.Errorf("%w: need %d sat, spendable %d", protocol.ErrInsufficientFunds, need, have)
	}
	return nil
}

func (t *Taker) rememberMakers(offers []protocol.MakerOffer) {
	now := time.Now()
	for _, o := range offers {
		rec := &storage.MakerRecord{PeerID: o.PeerID, Addresses: o.Addrs, LastSeen: now}
		if data, err := json.Marshal(o); err == nil {
			rec.Offer = data
		}
		if err := t.store.SaveMaker(rec); err != nil {
			t.log.Warn("Failed to save maker", "peer", protocol.ShortPeer(o.PeerID), "error", err)
		}
	}
}

func (t *Taker) newSession(amount uint64, plan *Plan) (*Session, error) {
	preimage, hash, err := contract.NewPreimage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrWallet, err)
	}
	outKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrWallet, err)
	}
	now := time.Now()
	s := &Session{
		ID:          uuid.New().String(),
		State:       StateSelectingMakers,
		Amount:      amount,
		NumMakers:   len(plan.Makers),
		ContractFee: t.cfg.ContractFee,
		Plan:        plan,
		Hops:        plan.hops(),
		Hash:        hash,
		Preimage:    preimage,
		Created:     now,
		outKey:      outKey,
	}
	s.Hops[0].SenderPub = outKey.PubKey().SerializeCompressed()
	if err := t.saveSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// run funds every hop in order and then completes the swap.
func (t *Taker) run(ctx context.Context, s *Session) error {
	confirmed, err := t.runHop(ctx, s, s.Hops[0])
	if err != nil {
		return err
	}
	for i := 1; i < len(s.Hops); i++ {
		if confirmed, err = t.nextHop(ctx, s, confirmed); err != nil {
			return err
		}
	}
	if err := t.transition(s, StateAllHopsFunded); err != nil {
		return err
	}
	return t.finish(ctx, s)
}

// nextHop starts the hop after a confirmed one.
func (t *Taker) nextHop(ctx context.Context, s *Session, prev ConfirmedHop) (ConfirmedHop, error) {
	h := s.Hops[prev.Index+1]
	h.SenderPub = prev.NextSenderPub
	return t.runHop(ctx, s, h)
}

// request sends msg under the retry policy. The first peer to fail a
// request is blamed for the session.
func (t *Taker) request(ctx context.Context, s *Session, peer string, msg *protocol.Message) (*protocol.Message, error) {
	reply, err := protocol.RequestWithRetry(ctx, t.transport, t.cfg.RetryPolicy(), peer, msg)
	if err != nil {
		s.setBlame(peer)
		return nil, fmt.Errorf("%s hop %d to %s: %w", msg.Type, msg.HopIndex, protocol.ShortPeer(peer), err)
	}
	return reply, nil
}

// violation blames peer for a reply that does not check out.
func (t *Taker) violation(s *Session, peer, format string, args ...interface{}) error {
	s.setBlame(peer)
	return protocol.Violation(format, args...)
}

// waitConfirmed waits, bounded by ConfirmTimeout, for txid to confirm and
// returns its block height.
func (t *Taker) waitConfirmed(ctx context.Context, txid string) (uint32, error) {
	if t.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
		defer cancel()
	}
	confs := t.cfg.Confirmations
	if confs == 0 {
		confs = 1
	}
	st, err := backend.WaitForConfirmation(ctx, t.chain, txid, confs, t.cfg.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("%w: waiting for %s: %v", protocol.ErrNetwork, txid, err)
	}
	return st.BlockHeight, nil
}

// poll sleeps one poll interval.
func (t *Taker) poll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.cfg.PollInterval):
		return nil
	}
}

func (t *Taker) track(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

func (t *Taker) untrack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Sessions returns the sessions in progress.
func (t *Taker) Sessions() []SessionInfo {
	t.mu.Lock()
	list := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	return out
}

// ErrSessionNotFound is returned by Session for ids no taker session uses.
var ErrSessionNotFound = errors.New("taker session not found")

// Session returns a session in progress, or a finished one from storage.
func (t *Taker) Session(id string) (*SessionInfo, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	t.mu.Unlock()
	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		info := s.info()
		return &info, nil
	}

	rec, err := t.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Role != Role {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	loaded, err := t.loadSession(rec)
	if err != nil {
		return nil, err
	}
	info := loaded.info()
	return &info, nil
}

func (t *Taker) result(s *Session) *SwapResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info()
	return &SwapResult{
		SessionID: s.ID,
		State:     s.State,
		Amount:    s.Amount,
		Received:  info.Received,
		MakerFees: s.Plan.TotalFees(),
		Makers:    info.Makers,
		Hop:       s.Hop,
		Reason:    s.Reason,
	}
}
