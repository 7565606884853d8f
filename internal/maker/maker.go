// Package maker answers taker requests for the hops a maker takes part in.
//
// A maker receives one hop of a session and funds the next one. Every request
// is checked against the maker's own recomputation before anything is signed,
// funding is verified on chain before a hop counts as funded, and hop keys are
// only released after the hop's claim is on chain. A Monitor keeps sessions
// moving when the taker goes away.
package maker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/wallet"
	"github.com/klingon-exchange/coinswap/internal/watcher"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// Role is the session role stored for maker sessions.
const Role = "maker"

// Wallet is what the maker needs from the wallet service.
type Wallet interface {
	FundOutput(ctx context.Context, sessionID string, pkScript []byte, amount uint64) (*wallet.Funding, error)
	Broadcast(ctx context.Context, f *wallet.Funding) (string, error)
	Release(sessionID string) error
	ReceiveScript() ([]byte, error)
	Sync(ctx context.Context) ([]*registry.Coin, error)
	Balances() registry.Balances
	Registry() *registry.Registry
}

// Deps are the maker's collaborators.
type Deps struct {
	Chain  backend.Backend
	Wallet Wallet
	Store  *storage.Storage
}

// Maker serves swap requests. It implements protocol.Handler.
type Maker struct {
	cfg     config.MakerConfig
	chain   backend.Backend
	wallet  Wallet
	store   *storage.Storage
	watcher *watcher.Watcher
	log     *logging.Logger

	protocol.Emitter

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a maker.
func New(cfg config.MakerConfig, deps Deps) *Maker {
	return &Maker{
		cfg:    cfg,
		chain:  deps.Chain,
		wallet: deps.Wallet,
		store:  deps.Store,
		watcher: watcher.New(&watcher.Config{
			Chain: deps.Chain,
			Store: deps.Store,
			Dest:  deps.Wallet.ReceiveScript,
		}),
		log:      logging.GetDefault().Component("maker"),
		sessions: make(map[string]*Session),
	}
}

// Offer returns the offer this maker announces under peerID.
func (m *Maker) Offer(peerID string, addrs []string) protocol.MakerOffer {
	return m.cfg.Offer(peerID, addrs)
}

// HandleMessage answers one request. A request already answered is answered
// again from the inbox without being reprocessed.
func (m *Maker) HandleMessage(ctx context.Context, from string, msg *protocol.Message) (*protocol.Message, error) {
	if msg.MessageID != "" {
		prev, err := m.store.GetInboxMessage(msg.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to read inbox: %w", err)
		}
		if prev != nil && len(prev.Reply) > 0 {
			m.log.Debug("Replaying reply", "type", msg.Type, "session", msg.SessionID, "message", msg.MessageID)
			return protocol.Decode(prev.Reply)
		}
		if err := m.store.RecordReceivedMessage(&storage.InboxMessage{
			MessageID:   msg.MessageID,
			SessionID:   msg.SessionID,
			PeerID:      from,
			MessageType: string(msg.Type),
			HopIndex:    msg.HopIndex,
		}); err != nil {
			return nil, fmt.Errorf("failed to record message: %w", err)
		}
	}

	reply, err := m.dispatch(ctx, msg)
	if err != nil {
		m.log.Warn("Request failed", "type", msg.Type, "session", msg.SessionID,
			"hop", msg.HopIndex, "peer", protocol.ShortPeer(from), "error", err)
		return nil, err
	}

	if msg.MessageID != "" {
		data, err := protocol.Encode(reply)
		if err == nil {
			err = m.store.StoreReply(msg.MessageID, data)
		}
		if err != nil {
			m.log.Warn("Failed to store reply", "message", msg.MessageID, "error", err)
		}
	}
	return reply, nil
}

func (m *Maker) dispatch(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg.Type == protocol.MsgNegotiateHop {
		return m.handleNegotiate(ctx, msg)
	}

	s, err := m.session(msg.SessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case protocol.MsgPrepareFunding:
		return m.handlePrepareFunding(ctx, s, msg)
	case protocol.MsgSignContract:
		return m.handleSignContract(ctx, s, msg)
	case protocol.MsgBroadcastFunding:
		return m.handleBroadcastFunding(ctx, s, msg)
	case protocol.MsgFundingConfirmation:
		return m.handleFundingConfirmation(ctx, s, msg)
	case protocol.MsgPreimageReveal:
		return m.handlePreimageReveal(ctx, s, msg)
	case protocol.MsgPrivKeyHandover:
		return m.handlePrivKeyHandover(ctx, s, msg)
	case protocol.MsgAbort:
		return m.handleAbort(ctx, s, msg)
	default:
		return nil, protocol.Violation("maker does not handle %s", msg.Type)
	}
}

func (m *Maker) session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, protocol.Violation("unknown session %s", id)
	}
	return s, nil
}

// Session returns a snapshot of a session, or nil.
func (m *Maker) Session(id string) *SessionInfo {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info()
	return &info
}

// Sessions returns snapshots of every session in memory.
func (m *Maker) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0)
	for _, s := range m.snapshot() {
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	return out
}

func (m *Maker) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Restore reloads unsettled sessions from storage. It runs once at startup.
func (m *Maker) Restore() error {
	recs, err := m.store.GetPendingSessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		if r.Role != Role {
			continue
		}
		s, err := m.loadSession(r)
		if err != nil {
			m.log.Error("Failed to restore session", "session", r.ID, "error", err)
			continue
		}
		m.sessions[s.ID] = s
		m.log.Info("Restored session", "session", s.ID, "hop", s.Hop, "state", s.State)
	}
	return nil
}

// forget drops a settled session from memory. Replayed requests for it are
// still answered from the inbox.
func (m *Maker) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Maker) emit(s *Session) {
	m.Emit(s.ID, Role, string(s.State), s.info())
}

// expired reports a negotiated session the taker never came back to, or a
// claiming one it never exchanged keys for.
func (m *Maker) expired(s *Session, now time.Time) bool {
	if (s.State != StateNegotiated && s.State != StateClaiming) || m.cfg.InboxRetention <= 0 {
		return false
	}
	return now.Sub(s.Updated) > m.cfg.InboxRetention
}
