package protocol

import (
	"context"
	"fmt"
	"time"
)

// Transport delivers a request to a peer and returns its reply.
// Implementations wrap delivery failures and timeouts in ErrNetwork and turn
// error acks into the matching sentinel via RemoteError.
type Transport interface {
	Request(ctx context.Context, peer string, msg *Message) (*Message, error)
}

// Handler serves requests arriving from peers.
type Handler interface {
	HandleMessage(ctx context.Context, from string, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from string, msg *Message) (*Message, error)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, from string, msg *Message) (*Message, error) {
	return f(ctx, from, msg)
}

// Serve runs h for one request and always produces a reply, converting
// handler errors into error acks.
func Serve(ctx context.Context, h Handler, from string, msg *Message) *Message {
	if err := msg.Validate(); err != nil {
		return msg.ErrorReply(Violation("%v", err))
	}
	reply, err := h.HandleMessage(ctx, from, msg)
	if err != nil {
		return msg.ErrorReply(err)
	}
	if reply == nil {
		reply = msg.Reply()
	}
	return reply
}

// CheckReply converts an error ack into an error.
func CheckReply(peer string, reply *Message) (*Message, error) {
	if reply == nil {
		return nil, fmt.Errorf("%w: empty reply from %s", ErrNetwork, ShortPeer(peer))
	}
	if reply.Failed() {
		return nil, RemoteError(peer, reply.ErrorCode, reply.Error)
	}
	if reply.Type != MsgAck {
		return nil, Violation("unexpected reply type %s from %s", reply.Type, ShortPeer(peer))
	}
	return reply, nil
}

// MakerOffer is what a maker advertises to the directory.
type MakerOffer struct {
	PeerID string `json:"peer_id"`
	// Addrs are multiaddrs the maker listens on.
	Addrs       []string `json:"addrs,omitempty"`
	FeeBase     uint64   `json:"fee_base"`
	FeePPM      uint64   `json:"fee_ppm"`
	MinAmount   uint64   `json:"min_amount"`
	MaxAmount   uint64   `json:"max_amount"`
	MinLockTime uint32   `json:"min_locktime"`
	// MinLockTimeDelta is the smallest gap the maker accepts between its
	// incoming and outgoing hop locktimes.
	MinLockTimeDelta uint32 `json:"min_locktime_delta"`
	Timestamp        int64  `json:"timestamp"`
}

// Fee returns the maker's fee for relaying amount.
func (o *MakerOffer) Fee(amount uint64) uint64 {
	return o.FeeBase + amount*o.FeePPM/1_000_000
}

// Accepts reports whether the offer covers amount.
func (o *MakerOffer) Accepts(amount uint64) bool {
	if amount < o.MinAmount {
		return false
	}
	return o.MaxAmount == 0 || amount <= o.MaxAmount
}

// Stale reports whether the offer is older than maxAge.
func (o *MakerOffer) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(time.Unix(o.Timestamp, 0)) > maxAge
}

// Directory lists makers currently offering swaps.
type Directory interface {
	ListMakers(ctx context.Context) ([]MakerOffer, error)
}
