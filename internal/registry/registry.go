// Package registry classifies the UTXOs the wallet can spend and hands out
// funding coins to swap sessions.
//
// Every UTXO carries exactly one spend-info tag derived from its locking
// script. Classification changes are appended to a descriptor log in
// storage, and the in-memory table can be rebuilt from that log.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// Tag is the spend-info category of a UTXO.
type Tag string

const (
	TagSeedCoin         Tag = "seed-coin"
	TagSwapCoin         Tag = "swap-coin"
	TagTimelockContract Tag = "timelock-contract"
	TagHashlockContract Tag = "hashlock-contract"
	TagFidelityBond     Tag = "fidelity-bond"
	TagUnknown          Tag = "unknown"

	// tagSpent retires an outpoint in the descriptor log.
	tagSpent Tag = "spent"
)

// HDPath locates a seed key under the wallet's account.
type HDPath struct {
	Change uint32 `json:"change"`
	Index  uint32 `json:"index"`
}

func (p HDPath) String() string {
	return fmt.Sprintf("%d/%d", p.Change, p.Index)
}

// SpendInfo is what the wallet needs to spend a UTXO.
type SpendInfo struct {
	Tag Tag `json:"tag"`

	// Seed coins
	Path *HDPath `json:"path,omitempty"`

	// Swap coins and contracts
	RedeemScript []byte `json:"redeem_script,omitempty"`
	Incoming     bool   `json:"incoming,omitempty"`
	CoinID       string `json:"coin_id,omitempty"`

	// Fidelity bonds
	BondIndex uint32 `json:"bond_index,omitempty"`
	LockTime  uint32 `json:"locktime,omitempty"`
}

func (s SpendInfo) equal(o SpendInfo) bool {
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(o)
	return string(a) == string(b)
}

// Coin is a classified UTXO.
type Coin struct {
	UTXO backend.UTXO `json:"utxo"`
	Info SpendInfo    `json:"info"`
}

// Key returns "txid:vout".
func (c *Coin) Key() string {
	return c.UTXO.Key()
}

// FidelityBond describes a CLTV bond output the wallet can recognise.
type FidelityBond struct {
	Index        uint32
	LockTime     uint32
	RedeemScript []byte
}

// Registry is the wallet's classified UTXO table.
type Registry struct {
	store *storage.Storage
	log   *logging.Logger

	mu        sync.RWMutex
	seed      map[string]HDPath
	swaps     map[string]SpendInfo
	contracts map[string]SpendInfo
	bonds     map[string]SpendInfo
	coins     map[string]*Coin
	locks     map[string]string // outpoint key -> session id
	lastSeq   int64
}

// New creates a registry backed by store. Persisted coin locks are loaded so
// that coins reserved before a restart stay reserved.
func New(store *storage.Storage) (*Registry, error) {
	r := &Registry{
		store:     store,
		log:       logging.GetDefault().Component("registry"),
		seed:      make(map[string]HDPath),
		swaps:     make(map[string]SpendInfo),
		contracts: make(map[string]SpendInfo),
		bonds:     make(map[string]SpendInfo),
		coins:     make(map[string]*Coin),
		locks:     make(map[string]string),
	}

	locks, err := store.ListCoinLocks()
	if err != nil {
		return nil, fmt.Errorf("failed to load coin locks: %w", err)
	}
	for _, l := range locks {
		r.locks[fmt.Sprintf("%s:%d", l.TxID, l.Vout)] = l.SessionID
	}
	return r, nil
}

// AddSeedScript registers a P2WPKH script derived from the seed.
func (r *Registry) AddSeedScript(pkScript []byte, path HDPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seed[string(pkScript)] = path
}

// AddSwapCoin registers the multisig and contract outputs of a hop leg.
func (r *Registry) AddSwapCoin(c *swapcoin.SwapCoin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := c.Kind == swapcoin.Incoming
	r.swaps[string(c.FundingScript())] = SpendInfo{
		Tag:          TagSwapCoin,
		RedeemScript: c.MultisigScript,
		Incoming:     incoming,
		CoinID:       c.ID(),
	}

	tag := TagTimelockContract
	if incoming {
		tag = TagHashlockContract
	}
	r.contracts[string(c.ContractOutputScript())] = SpendInfo{
		Tag:          tag,
		RedeemScript: c.ContractScript,
		Incoming:     incoming,
		CoinID:       c.ID(),
	}
}

// AddFidelityBond registers a bond script.
func (r *Registry) AddFidelityBond(b FidelityBond) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bonds[string(contract.FundingScriptHash(b.RedeemScript))] = SpendInfo{
		Tag:          TagFidelityBond,
		RedeemScript: b.RedeemScript,
		BondIndex:    b.Index,
		LockTime:     b.LockTime,
	}
}

// KnownScripts returns every locking script the registry can classify.
func (r *Registry) KnownScripts() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([][]byte, 0, len(r.seed)+len(r.swaps)+len(r.contracts)+len(r.bonds))
	for s := range r.seed {
		out = append(out, []byte(s))
	}
	for _, m := range []map[string]SpendInfo{r.swaps, r.contracts, r.bonds} {
		for s := range m {
			out = append(out, []byte(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}

// Classify returns the spend info for utxo. It reads only the script index.
func (r *Registry) Classify(utxo backend.UTXO) SpendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classifyLocked(utxo.PkScript)
}

func (r *Registry) classifyLocked(pkScript []byte) SpendInfo {
	key := string(pkScript)
	if path, ok := r.seed[key]; ok {
		p := path
		return SpendInfo{Tag: TagSeedCoin, Path: &p}
	}
	if info, ok := r.swaps[key]; ok {
		return info
	}
	if info, ok := r.contracts[key]; ok {
		return info
	}
	if info, ok := r.bonds[key]; ok {
		return info
	}
	return SpendInfo{Tag: TagUnknown}
}

// ClassifyAll reconciles the table with a complete scan of the known
// scripts. New or reclassified coins and coins missing from the scan each
// append one descriptor-log record; repeating a scan appends nothing.
// Outputs matching no known script come back tagged TagUnknown and are
// neither stored nor logged to the descriptor log.
func (r *Registry) ClassifyAll(utxos []backend.UTXO) ([]*Coin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(utxos))
	var out []*Coin
	for _, u := range utxos {
		info := r.classifyLocked(u.PkScript)
		if info.Tag == TagUnknown {
			out = append(out, r.unknownLocked(u))
			continue
		}
		key := u.Key()
		seen[key] = true

		existing, ok := r.coins[key]
		if ok && existing.Info.equal(info) {
			existing.UTXO.Confirmations = u.Confirmations
			existing.UTXO.BlockHeight = u.BlockHeight
			out = append(out, existing)
			continue
		}

		coin := &Coin{UTXO: u, Info: info}
		if err := r.appendLocked(coin, info.Tag); err != nil {
			return nil, err
		}
		r.coins[key] = coin
		out = append(out, coin)
		r.log.Debug("Classified coin", "outpoint", key, "tag", info.Tag, "value", u.Amount)
	}

	for key, coin := range r.coins {
		if seen[key] {
			continue
		}
		if err := r.retireLocked(coin); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Track classifies and records a single output without touching the rest of
// the table, e.g. a change output of a transaction just broadcast. An
// unmatched output is returned tagged TagUnknown and not recorded.
func (r *Registry) Track(u backend.UTXO) (*Coin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.classifyLocked(u.PkScript)
	if info.Tag == TagUnknown {
		return r.unknownLocked(u), nil
	}
	if existing, ok := r.coins[u.Key()]; ok && existing.Info.equal(info) {
		return existing, nil
	}
	coin := &Coin{UTXO: u, Info: info}
	if err := r.appendLocked(coin, info.Tag); err != nil {
		return nil, err
	}
	r.coins[u.Key()] = coin
	return coin, nil
}

func (r *Registry) unknownLocked(u backend.UTXO) *Coin {
	r.log.Warn("Unknown output", "outpoint", u.Key(), "value", u.Amount,
		"pkscript", hex.EncodeToString(u.PkScript))
	return &Coin{UTXO: u, Info: SpendInfo{Tag: TagUnknown}}
}

type descriptorDetail struct {
	PkScript      string    `json:"pkscript"`
	Confirmations uint32    `json:"confirmations,omitempty"`
	BlockHeight   uint32    `json:"block_height,omitempty"`
	Info          SpendInfo `json:"info"`
}

func (r *Registry) appendLocked(c *Coin, tag Tag) error {
	detail, err := json.Marshal(descriptorDetail{
		PkScript:      hex.EncodeToString(c.UTXO.PkScript),
		Confirmations: c.UTXO.Confirmations,
		BlockHeight:   c.UTXO.BlockHeight,
		Info:          c.Info,
	})
	if err != nil {
		return err
	}
	e := &storage.DescriptorEntry{
		TxID:   c.UTXO.TxID,
		Vout:   c.UTXO.Vout,
		Tag:    string(tag),
		Value:  c.UTXO.Amount,
		Detail: detail,
	}
	if err := r.store.AppendDescriptor(e); err != nil {
		return fmt.Errorf("failed to append descriptor: %w", err)
	}
	r.lastSeq = e.Seq
	return nil
}

func (r *Registry) retireLocked(c *Coin) error {
	if err := r.appendLocked(c, tagSpent); err != nil {
		return err
	}
	key := c.Key()
	delete(r.coins, key)
	if _, ok := r.locks[key]; ok {
		delete(r.locks, key)
		if err := r.store.UnlockCoin(c.UTXO.TxID, c.UTXO.Vout); err != nil {
			return err
		}
	}
	return nil
}

// Replay rebuilds the coin table from the descriptor log.
func (r *Registry) Replay() error {
	entries, err := r.store.ReadDescriptorLog(0)
	if err != nil {
		return fmt.Errorf("failed to read descriptor log: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.coins = make(map[string]*Coin)
	for _, e := range entries {
		key := fmt.Sprintf("%s:%d", e.TxID, e.Vout)
		r.lastSeq = e.Seq
		if Tag(e.Tag) == tagSpent {
			delete(r.coins, key)
			continue
		}
		var d descriptorDetail
		if err := json.Unmarshal(e.Detail, &d); err != nil {
			return fmt.Errorf("descriptor %d: %w", e.Seq, err)
		}
		pkScript, err := hex.DecodeString(d.PkScript)
		if err != nil {
			return fmt.Errorf("descriptor %d: %w", e.Seq, err)
		}
		r.coins[key] = &Coin{
			UTXO: backend.UTXO{
				TxID:          e.TxID,
				Vout:          e.Vout,
				Amount:        e.Value,
				PkScript:      pkScript,
				Confirmations: d.Confirmations,
				BlockHeight:   d.BlockHeight,
			},
			Info: d.Info,
		}
	}
	r.log.Info("Replayed descriptor log", "entries", len(entries), "coins", len(r.coins))
	return nil
}

// Funding input and output sizes for fee estimation, in vbytes.
const (
	txOverhead   = 11
	p2wpkhInput  = 68
	p2wshOutput  = 43
	p2wpkhOutput = 31
)

// FundingFee estimates the fee of a transaction spending n seed coins to one
// P2WSH output plus P2WPKH change.
func FundingFee(inputs int, feeRate uint64) uint64 {
	return uint64(txOverhead+inputs*p2wpkhInput+p2wshOutput+p2wpkhOutput) * feeRate
}

// SelectFundingCoins picks unlocked, confirmed seed coins largest first
// (ties broken by outpoint) until target plus the funding fee is covered,
// and locks them for sessionID.
func (r *Registry) SelectFundingCoins(sessionID string, target, feeRate uint64) ([]*Coin, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Coin
	for key, c := range r.coins {
		if c.Info.Tag != TagSeedCoin || c.UTXO.Confirmations == 0 {
			continue
		}
		if _, locked := r.locks[key]; locked {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UTXO.Amount != candidates[j].UTXO.Amount {
			return candidates[i].UTXO.Amount > candidates[j].UTXO.Amount
		}
		if candidates[i].UTXO.TxID != candidates[j].UTXO.TxID {
			return candidates[i].UTXO.TxID < candidates[j].UTXO.TxID
		}
		return candidates[i].UTXO.Vout < candidates[j].UTXO.Vout
	})

	var selected []*Coin
	var total uint64
	for _, c := range candidates {
		selected = append(selected, c)
		total += c.UTXO.Amount
		if total >= target+FundingFee(len(selected), feeRate) {
			break
		}
	}
	need := target + FundingFee(len(selected), feeRate)
	if total < need {
		return nil, 0, fmt.Errorf("%w: need %d, have %d spendable", protocol.ErrInsufficientFunds, need, total)
	}

	locks := make([]storage.CoinLock, len(selected))
	for i, c := range selected {
		locks[i] = storage.CoinLock{TxID: c.UTXO.TxID, Vout: c.UTXO.Vout}
	}
	if err := r.store.LockCoins(sessionID, locks); err != nil {
		return nil, 0, fmt.Errorf("failed to lock coins: %w", err)
	}
	for _, c := range selected {
		r.locks[c.Key()] = sessionID
	}

	r.log.Debug("Selected funding coins", "session", sessionID, "count", len(selected), "total", total)
	return selected, total, nil
}

// Release unlocks every coin held by sessionID.
func (r *Registry) Release(sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.UnlockSession(sessionID); err != nil {
		return 0, err
	}
	n := 0
	for key, sid := range r.locks {
		if sid == sessionID {
			delete(r.locks, key)
			n++
		}
	}
	return n, nil
}

// ReleaseCoins unlocks the given outpoints whatever session holds them.
func (r *Registry) ReleaseCoins(outpoints []wire.OutPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range outpoints {
		if err := r.store.UnlockCoin(op.Hash.String(), op.Index); err != nil {
			return err
		}
		delete(r.locks, op.String())
	}
	return nil
}

// MarkSpent removes coins consumed by a broadcast transaction.
func (r *Registry) MarkSpent(outpoints []wire.OutPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, op := range outpoints {
		c, ok := r.coins[op.String()]
		if !ok {
			continue
		}
		if err := r.retireLocked(c); err != nil {
			return err
		}
	}
	return nil
}

// IsLocked reports which session holds an outpoint, if any.
func (r *Registry) IsLocked(op wire.OutPoint) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.locks[op.String()]
	return sid, ok
}

// LockedCount returns the number of locked coins.
func (r *Registry) LockedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

// Get returns the coin at an outpoint.
func (r *Registry) Get(op wire.OutPoint) (*Coin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coins[op.String()]
	return c, ok
}
