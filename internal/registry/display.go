package registry

import (
	"fmt"
	"sort"
)

// DisplayType filters coin listings.
type DisplayType string

const (
	DisplayAll              DisplayType = "all"
	DisplaySeed             DisplayType = "seed"
	DisplaySwap             DisplayType = "swap"
	DisplayIncomingSwap     DisplayType = "incoming-swap"
	DisplayOutgoingSwap     DisplayType = "outgoing-swap"
	DisplayContract         DisplayType = "contract"
	DisplayIncomingContract DisplayType = "incoming-contract"
	DisplayOutgoingContract DisplayType = "outgoing-contract"
	DisplayFidelityBond     DisplayType = "fidelity-bond"
)

// ParseDisplayType validates a display type name. Empty means all.
func ParseDisplayType(s string) (DisplayType, error) {
	switch d := DisplayType(s); d {
	case "":
		return DisplayAll, nil
	case DisplayAll, DisplaySeed, DisplaySwap, DisplayIncomingSwap, DisplayOutgoingSwap,
		DisplayContract, DisplayIncomingContract, DisplayOutgoingContract, DisplayFidelityBond:
		return d, nil
	default:
		return "", fmt.Errorf("unknown display type %q", s)
	}
}

func (d DisplayType) matches(info SpendInfo) bool {
	switch d {
	case DisplayAll:
		return true
	case DisplaySeed:
		return info.Tag == TagSeedCoin
	case DisplaySwap:
		return info.Tag == TagSwapCoin
	case DisplayIncomingSwap:
		return info.Tag == TagSwapCoin && info.Incoming
	case DisplayOutgoingSwap:
		return info.Tag == TagSwapCoin && !info.Incoming
	case DisplayContract:
		return info.Tag == TagHashlockContract || info.Tag == TagTimelockContract
	case DisplayIncomingContract:
		return info.Tag == TagHashlockContract
	case DisplayOutgoingContract:
		return info.Tag == TagTimelockContract
	case DisplayFidelityBond:
		return info.Tag == TagFidelityBond
	}
	return false
}

// List returns the coins matching d, largest first.
func (r *Registry) List(d DisplayType) []Coin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Coin
	for _, c := range r.coins {
		if d.matches(c.Info) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UTXO.Amount != out[j].UTXO.Amount {
			return out[i].UTXO.Amount > out[j].UTXO.Amount
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Balances sums coin values per category.
type Balances struct {
	Seed      uint64 `json:"seed"`
	Swap      uint64 `json:"swap"`
	Contract  uint64 `json:"contract"`
	Fidelity  uint64 `json:"fidelity"`
	Locked    uint64 `json:"locked"`
	Spendable uint64 `json:"spendable"`
}

// Balances returns the per-category totals.
func (r *Registry) Balances() Balances {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b Balances
	for key, c := range r.coins {
		v := c.UTXO.Amount
		switch c.Info.Tag {
		case TagSeedCoin:
			b.Seed += v
			if _, locked := r.locks[key]; locked {
				b.Locked += v
			} else if c.UTXO.Confirmations > 0 {
				b.Spendable += v
			}
		case TagSwapCoin:
			b.Swap += v
		case TagHashlockContract, TagTimelockContract:
			b.Contract += v
		case TagFidelityBond:
			b.Fidelity += v
		}
	}
	return b
}
