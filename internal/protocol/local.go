package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LocalNetwork is an in-process Transport and Directory. The simnet daemon
// mode and the package tests use it to run a taker and several makers in one
// process. Messages are encoded and decoded on every hop so the wire format is
// exercised exactly as over libp2p.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	offers   map[string]MakerOffer
	offline  map[string]bool
}

// NewLocalNetwork creates an empty in-process network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[string]Handler),
		offers:   make(map[string]MakerOffer),
		offline:  make(map[string]bool),
	}
}

// Register attaches a handler under a peer id.
func (n *LocalNetwork) Register(peer string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[peer] = h
}

// Announce publishes a maker offer.
func (n *LocalNetwork) Announce(offer MakerOffer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers[offer.PeerID] = offer
}

// SetOffline makes a peer stop answering. Requests to an offline peer block
// until their context expires, like an unresponsive remote.
func (n *LocalNetwork) SetOffline(peer string, offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[peer] = offline
}

// ListMakers returns announced offers ordered by peer id.
func (n *LocalNetwork) ListMakers(ctx context.Context) ([]MakerOffer, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	offers := make([]MakerOffer, 0, len(n.offers))
	for _, o := range n.offers {
		offers = append(offers, o)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].PeerID < offers[j].PeerID })
	return offers, nil
}

// Request delivers msg to peer's handler.
func (n *LocalNetwork) Request(ctx context.Context, peer string, msg *Message) (*Message, error) {
	n.mu.RLock()
	h, ok := n.handlers[peer]
	offline := n.offline[peer]
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", ErrNetwork, ShortPeer(peer))
	}
	if offline {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: peer %s: %v", ErrNetwork, ShortPeer(peer), ctx.Err())
	}

	data, err := Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	in, err := Decode(data)
	if err != nil {
		return nil, err
	}

	reply := Serve(ctx, h, "taker", in)

	data, err = Encode(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: peer %s: %v", ErrNetwork, ShortPeer(peer), err)
	}
	return Decode(data)
}
