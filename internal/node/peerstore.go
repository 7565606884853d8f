package node

import (
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/storage"
)

// knownMakerWindow is how far back remembered makers are reloaded on start.
const knownMakerWindow = 7 * 24 * time.Hour

// rememberMaker persists a maker's offer and addresses.
func (n *Node) rememberMaker(offer protocol.MakerOffer) error {
	if n.store == nil {
		return nil
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return n.store.SaveMaker(&storage.MakerRecord{
		PeerID:    offer.PeerID,
		Addresses: offer.Addrs,
		Offer:     data,
		LastSeen:  time.Now(),
	})
}

// loadKnownMakers puts addresses of recently seen makers into the peerstore
// and their offers into the offer book, so a restarted taker can reach them
// before the next announcement.
func (n *Node) loadKnownMakers() {
	if n.store == nil {
		return
	}
	records, err := n.store.ListMakers(time.Now().Add(-knownMakerWindow))
	if err != nil {
		n.log.Warn("Failed to load known makers", "error", err)
		return
	}

	loaded := 0
	for _, r := range records {
		pid, err := peer.Decode(r.PeerID)
		if err != nil || pid == n.host.ID() {
			continue
		}
		if n.addMakerAddrs(pid, r.Addresses) == 0 {
			continue
		}
		if len(r.Offer) > 0 {
			var offer protocol.MakerOffer
			if err := json.Unmarshal(r.Offer, &offer); err == nil && offer.PeerID == r.PeerID {
				n.offers.mu.Lock()
				if _, ok := n.offers.offers[r.PeerID]; !ok {
					n.offers.offers[r.PeerID] = offer
				}
				n.offers.mu.Unlock()
			}
		}
		loaded++
	}
	if loaded > 0 {
		n.log.Info("Loaded known makers", "count", loaded)
	}
}

// addMakerAddrs adds the dialable addresses of pid to the peerstore and
// returns how many were usable. Addresses may carry a /p2p suffix.
func (n *Node) addMakerAddrs(pid peer.ID, addrs []string) int {
	added := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if info, err := peer.AddrInfoFromP2pAddr(ma); err == nil {
			if info.ID != pid {
				continue
			}
			added = append(added, info.Addrs...)
			continue
		}
		added = append(added, ma)
	}
	if len(added) > 0 {
		n.host.Peerstore().AddAddrs(pid, added, peerstore.AddressTTL)
	}
	return len(added)
}
