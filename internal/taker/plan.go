package taker

import (
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
)

// ErrNoMakers is returned when the directory cannot fill every position of
// the route.
var ErrNoMakers = errors.New("not enough makers")

// ErrBadSchedule is returned when the configured locktimes do not strictly
// decrease from the first hop to the return hop.
var ErrBadSchedule = errors.New("invalid locktime schedule")

// Plan is the route of a session: maker i receives hop i and funds hop i+1,
// the last hop returns to the taker.
type Plan struct {
	Makers    []protocol.MakerOffer `json:"makers"`
	Fees      []uint64              `json:"fees"`
	Amounts   []uint64              `json:"amounts"`
	LockTimes []uint32              `json:"locktimes"`
}

// Hops returns the number of hops.
func (p *Plan) Hops() int {
	return len(p.Amounts)
}

// TotalFees sums the maker fees.
func (p *Plan) TotalFees() uint64 {
	var total uint64
	for _, f := range p.Fees {
		total += f
	}
	return total
}

// Received is the amount of the return hop.
func (p *Plan) Received() uint64 {
	if len(p.Amounts) == 0 {
		return 0
	}
	return p.Amounts[len(p.Amounts)-1]
}

// BuildPlan picks numMakers distinct makers and derives the amount and
// locktime of every hop. Position i takes the cheapest fresh offer that
// accepts the amount reaching it and the locktimes around it, ties broken by
// peer id. Each maker takes its fee out of the amount it forwards.
func BuildPlan(cfg config.TakerConfig, offers []protocol.MakerOffer, amount uint64, numMakers int, now time.Time) (*Plan, error) {
	if numMakers < 1 {
		return nil, fmt.Errorf("at least one maker required, got %d", numMakers)
	}
	hops := numMakers + 1
	floor := cfg.ContractFee + contract.DustLimit
	if amount <= floor {
		return nil, fmt.Errorf("%w: amount %d does not cover contract fee and dust", protocol.ErrInsufficientFunds, amount)
	}

	p := &Plan{
		Amounts:   []uint64{amount},
		LockTimes: make([]uint32, hops),
	}
	for i := range p.LockTimes {
		lt := cfg.LockTime(i, hops)
		if lt == 0 || lt > contract.MaxLockTime {
			return nil, fmt.Errorf("%w: locktime %d of hop %d outside 1..%d", ErrBadSchedule, lt, i, contract.MaxLockTime)
		}
		p.LockTimes[i] = uint32(lt)
		if i > 0 && p.LockTimes[i] >= p.LockTimes[i-1] {
			return nil, fmt.Errorf("%w: locktime %d of hop %d not below %d of hop %d",
				ErrBadSchedule, p.LockTimes[i], i, p.LockTimes[i-1], i-1)
		}
	}

	used := make(map[string]bool)
	cur := amount
	for i := 0; i < numMakers; i++ {
		next := p.LockTimes[i+1]

		var best *protocol.MakerOffer
		var bestFee uint64
		for j := range offers {
			o := &offers[j]
			if used[o.PeerID] || o.Stale(now, cfg.OfferMaxAge) || !o.Accepts(cur) {
				continue
			}
			if next < o.MinLockTime || cfg.LockTimeStep < o.MinLockTimeDelta {
				continue
			}
			fee := o.Fee(cur)
			if best == nil || fee < bestFee || (fee == bestFee && o.PeerID < best.PeerID) {
				best, bestFee = o, fee
			}
		}
		if best == nil {
			return nil, fmt.Errorf("%w: no offer for position %d of %d at %d sat", ErrNoMakers, i, numMakers, cur)
		}
		if cur <= bestFee || cur-bestFee <= floor {
			return nil, fmt.Errorf("%w: maker fees exhaust %d sat by hop %d", protocol.ErrInsufficientFunds, amount, i+1)
		}

		used[best.PeerID] = true
		cur -= bestFee
		p.Makers = append(p.Makers, *best)
		p.Fees = append(p.Fees, bestFee)
		p.Amounts = append(p.Amounts, cur)
	}
	return p, nil
}

// hops lays the plan out as hop records.
func (p *Plan) hops() []*Hop {
	out := make([]*Hop, p.Hops())
	for i := range out {
		h := &Hop{Index: i, Amount: p.Amounts[i], LockTime: p.LockTimes[i]}
		if i > 0 {
			h.Sender = p.Makers[i-1].PeerID
		}
		if i < len(p.Makers) {
			h.Receiver = p.Makers[i].PeerID
		}
		out[i] = h
	}
	return out
}
