package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/klingon-exchange/coinswap/internal/protocol"
)

// Version is the daemon version reported by node_info.
const Version = "0.1.0"

// errNoNode is returned by p2p methods when the daemon runs without libp2p.
var errNoNode = errors.New("p2p node not running")

// NodeInfoResult is the result of node_info.
type NodeInfoResult struct {
	Version string   `json:"version"`
	Network string   `json:"network"`
	Role    string   `json:"role"`
	PeerID  string   `json:"peer_id,omitempty"`
	Addrs   []string `json:"addrs,omitempty"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res := &NodeInfoResult{
		Version: Version,
		Network: string(s.deps.Config.NetworkType),
		Role:    string(s.deps.Config.Role),
	}
	if s.deps.Node != nil {
		res.PeerID = s.deps.Node.PeerID()
		res.Addrs = s.deps.Node.Addrs()
	}
	return res, nil
}

// NodeStatusResult is the result of node_status.
type NodeStatusResult struct {
	Role           string  `json:"role"`
	PeerCount      int     `json:"peer_count"`
	Uptime         float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	WSClients      int     `json:"ws_clients"`
	WalletUnlocked bool    `json:"wallet_unlocked"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res := &NodeStatusResult{
		Role:      string(s.deps.Config.Role),
		WSClients: s.wsHub.ClientCount(),
	}
	if s.deps.Node != nil {
		res.PeerCount = s.deps.Node.PeerCount()
		res.Uptime = s.deps.Node.Uptime().Seconds()
	}
	if s.deps.Wallet != nil {
		res.WalletUnlocked = s.deps.Wallet.IsUnlocked()
	}
	if s.deps.Taker != nil {
		res.ActiveSessions += len(s.deps.Taker.Sessions())
	}
	if s.deps.Maker != nil {
		res.ActiveSessions += len(s.deps.Maker.Sessions())
	}
	return res, nil
}

// PeersConnectParams are the params of peers_connect.
type PeersConnectParams struct {
	Addr string `json:"addr"`
}

func (s *Server) peersConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PeersConnectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Addr == "" {
		return nil, invalidParams("addr is required")
	}
	if s.deps.Node == nil {
		return nil, errNoNode
	}
	if err := s.deps.Node.ConnectByAddr(ctx, p.Addr); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "peer_count": s.deps.Node.PeerCount()}, nil
}

// MakersListResult is the result of makers_list.
type MakersListResult struct {
	Makers []protocol.MakerOffer `json:"makers"`
	Count  int                   `json:"count"`
}

func (s *Server) makersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Directory == nil {
		return nil, errNoNode
	}
	offers, err := s.deps.Directory.ListMakers(ctx)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []protocol.MakerOffer{}
	}
	return &MakersListResult{Makers: offers, Count: len(offers)}, nil
}

// MakersKnownParams are the params of makers_known.
type MakersKnownParams struct {
	// SinceHours limits the result to makers seen in the last SinceHours.
	SinceHours int `json:"since_hours"`
}

// KnownMaker is a remembered maker with its swap record.
type KnownMaker struct {
	PeerID       string    `json:"peer_id"`
	Addresses    []string  `json:"addresses"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
}

func (s *Server) makersKnown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p := MakersKnownParams{SinceHours: 24 * 7}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SinceHours <= 0 {
		return nil, invalidParams("since_hours must be positive")
	}
	records, err := s.deps.Store.ListMakers(time.Now().Add(-time.Duration(p.SinceHours) * time.Hour))
	if err != nil {
		return nil, err
	}
	makers := make([]KnownMaker, 0, len(records))
	for _, r := range records {
		makers = append(makers, KnownMaker{
			PeerID:       r.PeerID,
			Addresses:    r.Addresses,
			FirstSeen:    r.FirstSeen,
			LastSeen:     r.LastSeen,
			SuccessCount: r.SuccessCount,
			FailureCount: r.FailureCount,
		})
	}
	return map[string]interface{}{"makers": makers, "count": len(makers)}, nil
}
