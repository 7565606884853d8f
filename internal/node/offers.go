package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// OfferBook keeps the latest offer of every maker heard on the offer topic.
type OfferBook struct {
	node *Node
	log  *logging.Logger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	offers map[string]protocol.MakerOffer
	mu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOfferBook joins the network's offer topic and starts reading it.
func NewOfferBook(n *Node) (*OfferBook, error) {
	name := n.config.OfferTopic()
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join offer topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("failed to subscribe to offer topic: %w", err)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	b := &OfferBook{
		node:   n,
		log:    logging.GetDefault().Component("offers"),
		topic:  topic,
		sub:    sub,
		offers: make(map[string]protocol.MakerOffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go b.processMessages()

	b.log.Info("Joined offer topic", "topic", name)
	return b, nil
}

// Stop leaves the offer topic.
func (b *OfferBook) Stop() {
	b.cancel()
	b.sub.Cancel()
	b.topic.Close()
}

// Publish announces offer to the topic.
func (b *OfferBook) Publish(ctx context.Context, offer protocol.MakerOffer) error {
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	return b.topic.Publish(ctx, data)
}

// List returns offers younger than maxAge ordered by peer id.
func (b *OfferBook) List(maxAge time.Duration) []protocol.MakerOffer {
	now := time.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()

	offers := make([]protocol.MakerOffer, 0, len(b.offers))
	for _, o := range b.offers {
		if o.Stale(now, maxAge) {
			continue
		}
		offers = append(offers, o)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].PeerID < offers[j].PeerID })
	return offers
}

func (b *OfferBook) processMessages() {
	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil {
				b.log.Warn("Offer subscription ended", "error", err)
			}
			return
		}
		from := msg.GetFrom()
		if from == b.node.ID() {
			continue
		}

		var offer protocol.MakerOffer
		if err := json.Unmarshal(msg.Data, &offer); err != nil {
			b.log.Debug("Dropped malformed offer", "from", shortID(from), "error", err)
			continue
		}
		if err := b.add(from, offer); err != nil {
			b.log.Debug("Dropped offer", "from", shortID(from), "error", err)
		}
	}
}

// add records an offer published by from. Makers may only announce
// themselves.
func (b *OfferBook) add(from peer.ID, offer protocol.MakerOffer) error {
	if offer.PeerID != from.String() {
		return fmt.Errorf("offer for %s signed by another peer", protocol.ShortPeer(offer.PeerID))
	}

	b.mu.Lock()
	prev, known := b.offers[offer.PeerID]
	if known && prev.Timestamp > offer.Timestamp {
		b.mu.Unlock()
		return nil
	}
	b.offers[offer.PeerID] = offer
	b.mu.Unlock()

	b.node.addMakerAddrs(from, offer.Addrs)
	if !known {
		b.log.Info("Discovered maker", "peer", shortID(from), "fee_base", offer.FeeBase, "fee_ppm", offer.FeePPM)
	}
	return b.node.rememberMaker(offer)
}
