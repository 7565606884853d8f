package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// DefaultGapLimit is how many unused addresses past the last issued one are
// watched on each branch.
const DefaultGapLimit = 20

// ErrWalletLocked is returned by operations needing keys while no wallet is
// loaded.
var ErrWalletLocked = fmt.Errorf("%w: wallet not loaded", protocol.ErrWallet)

const (
	settingNextIndex = "wallet.next."
	settingBonds     = "wallet.bonds"
)

// Service manages the wallet lifecycle and ties keys to the coin registry
// and the chain backend.
type Service struct {
	dataDir  string
	params   *chaincfg.Params
	store    *storage.Storage
	registry *registry.Registry
	chain    backend.Backend
	gapLimit uint32
	log      *logging.Logger

	mu     sync.RWMutex
	wallet *Wallet
}

// ServiceConfig holds configuration for the wallet service.
type ServiceConfig struct {
	DataDir  string
	Params   *chaincfg.Params
	Store    *storage.Storage
	Registry *registry.Registry
	Backend  backend.Backend
	GapLimit uint32
}

// NewService creates a new wallet service.
func NewService(cfg *ServiceConfig) *Service {
	params := cfg.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	gap := cfg.GapLimit
	if gap == 0 {
		gap = DefaultGapLimit
	}
	return &Service{
		dataDir:  cfg.DataDir,
		params:   params,
		store:    cfg.Store,
		registry: cfg.Registry,
		chain:    cfg.Backend,
		gapLimit: gap,
		log:      logging.GetDefault().Component("wallet"),
	}
}

func (s *Service) keystorePath() string {
	return filepath.Join(s.dataDir, KeystoreFile)
}

// HasWallet returns true if a keystore file exists.
func (s *Service) HasWallet() bool {
	_, err := os.Stat(s.keystorePath())
	return err == nil
}

// CreateWallet encrypts mnemonic into a new keystore and loads it.
func (s *Service) CreateWallet(mnemonic, passphrase, password string) error {
	if s.HasWallet() {
		return fmt.Errorf("wallet already exists at %s", s.keystorePath())
	}
	ks, err := SealMnemonic(mnemonic, password, s.params.Name)
	if err != nil {
		return err
	}
	if err := ks.Save(s.keystorePath()); err != nil {
		return fmt.Errorf("failed to save keystore: %w", err)
	}
	return s.LoadMnemonic(mnemonic, passphrase)
}

// LoadWallet opens the keystore with password.
func (s *Service) LoadWallet(password, passphrase string) error {
	ks, err := LoadKeystore(s.keystorePath())
	if err != nil {
		return err
	}
	if ks.Network != s.params.Name {
		return fmt.Errorf("keystore is for %s, node runs %s", ks.Network, s.params.Name)
	}
	mnemonic, err := ks.Open(password)
	if err != nil {
		return err
	}
	return s.LoadMnemonic(mnemonic, passphrase)
}

// LoadMnemonic loads a wallet without touching the keystore.
func (s *Service) LoadMnemonic(mnemonic, passphrase string) error {
	w, err := NewFromMnemonic(mnemonic, passphrase, s.params)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}

	s.mu.Lock()
	s.wallet = w
	s.mu.Unlock()

	if err := s.registerScripts(); err != nil {
		return err
	}
	s.log.Info("Wallet loaded", "network", s.params.Name)
	return nil
}

// Lock drops the keys from memory.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet != nil {
		s.wallet.ClearCache()
		s.wallet = nil
	}
}

// IsUnlocked returns true if the wallet is loaded.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet != nil
}

// Wallet returns the loaded wallet.
func (s *Service) Wallet() (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wallet == nil {
		return nil, ErrWalletLocked
	}
	return s.wallet, nil
}

// Registry returns the coin registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

func (s *Service) nextIndex(change uint32) (uint32, error) {
	v, err := s.store.GetSetting(settingNextIndex + strconv.Itoa(int(change)))
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 32)
	return uint32(n), err
}

// registerScripts teaches the registry every seed script up to the gap limit
// past the last issued index, and every recorded fidelity bond.
func (s *Service) registerScripts() error {
	w, err := s.Wallet()
	if err != nil {
		return err
	}
	for _, change := range []uint32{ChangeExternal, ChangeInternal} {
		next, err := s.nextIndex(change)
		if err != nil {
			return err
		}
		for i := uint32(0); i < next+s.gapLimit; i++ {
			script, err := w.PubKeyScript(change, i)
			if err != nil {
				return err
			}
			s.registry.AddSeedScript(script, registry.HDPath{Change: change, Index: i})
		}
	}

	bonds, err := s.bonds()
	if err != nil {
		return err
	}
	for _, b := range bonds {
		bond, err := w.FidelityBond(b.Index, b.LockTime)
		if err != nil {
			return err
		}
		s.registry.AddFidelityBond(bond)
	}
	return nil
}

// NewAddress issues the next address on a branch.
func (s *Service) NewAddress(change uint32) (string, []byte, error) {
	w, err := s.Wallet()
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.nextIndex(change)
	if err != nil {
		return "", nil, err
	}
	addr, err := w.Address(change, index)
	if err != nil {
		return "", nil, err
	}
	script, err := w.PubKeyScript(change, index)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.SetSetting(settingNextIndex+strconv.Itoa(int(change)), strconv.Itoa(int(index+1))); err != nil {
		return "", nil, err
	}
	s.registry.AddSeedScript(script, registry.HDPath{Change: change, Index: index})
	// Keep the watched window ahead of the issued index.
	ahead, err := w.PubKeyScript(change, index+s.gapLimit)
	if err == nil {
		s.registry.AddSeedScript(ahead, registry.HDPath{Change: change, Index: index + s.gapLimit})
	}
	return addr.EncodeAddress(), script, nil
}

// ReceiveScript issues a fresh external script for swap proceeds and refunds.
func (s *Service) ReceiveScript() ([]byte, error) {
	_, script, err := s.NewAddress(ChangeExternal)
	return script, err
}

// Sync scans the chain for every script the registry knows and reconciles
// the coin table.
func (s *Service) Sync(ctx context.Context) ([]*registry.Coin, error) {
	utxos, err := s.chain.GetUTXOs(ctx, s.registry.KnownScripts())
	if err != nil {
		return nil, fmt.Errorf("failed to scan utxos: %w", err)
	}
	return s.registry.ClassifyAll(utxos)
}

// Funding is a signed, not yet broadcast, transaction paying one output.
type Funding struct {
	SessionID string
	Tx        *wire.MsgTx
	Vout      uint32
	Fee       uint64
	Coins     []*registry.Coin
}

// Inputs returns the outpoints the funding transaction spends.
func (f *Funding) Inputs() []wire.OutPoint {
	ops := make([]wire.OutPoint, len(f.Tx.TxIn))
	for i, in := range f.Tx.TxIn {
		ops[i] = in.PreviousOutPoint
	}
	return ops
}

// Outpoint returns the funded output.
func (f *Funding) Outpoint() wire.OutPoint {
	return wire.OutPoint{Hash: f.Tx.TxHash(), Index: f.Vout}
}

// FundOutput selects and locks seed coins for sessionID and signs a
// transaction paying amount to pkScript. Locks are released on failure.
func (s *Service) FundOutput(ctx context.Context, sessionID string, pkScript []byte, amount uint64) (*Funding, error) {
	w, err := s.Wallet()
	if err != nil {
		return nil, err
	}
	feeRate, err := s.chain.EstimateFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate fee: %w", err)
	}

	coins, _, err := s.registry.SelectFundingCoins(sessionID, amount, feeRate)
	if err != nil {
		return nil, err
	}

	f, err := s.buildFunding(w, sessionID, coins, pkScript, amount, feeRate)
	if err != nil {
		if _, rerr := s.registry.Release(sessionID); rerr != nil {
			s.log.Warn("Failed to release coins", "session", sessionID, "error", rerr)
		}
		return nil, err
	}
	return f, nil
}

func (s *Service) buildFunding(w *Wallet, sessionID string, coins []*registry.Coin, pkScript []byte, amount, feeRate uint64) (*Funding, error) {
	_, change, err := s.NewAddress(ChangeInternal)
	if err != nil {
		return nil, err
	}
	tx, fee, err := w.BuildTx(coins, []*wire.TxOut{wire.NewTxOut(int64(amount), pkScript)}, change, feeRate)
	if err != nil {
		return nil, err
	}
	return &Funding{SessionID: sessionID, Tx: tx, Vout: 0, Fee: fee, Coins: coins}, nil
}

// Broadcast publishes a funding transaction, retires its inputs and tracks
// its change output.
func (s *Service) Broadcast(ctx context.Context, f *Funding) (string, error) {
	txid, err := s.chain.Broadcast(ctx, f.Tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrBroadcastFailure, err)
	}
	if err := s.registry.MarkSpent(f.Inputs()); err != nil {
		return txid, err
	}
	for i, out := range f.Tx.TxOut {
		if uint32(i) == f.Vout {
			continue
		}
		if _, err := s.registry.Track(backend.UTXO{
			TxID:     txid,
			Vout:     uint32(i),
			Amount:   uint64(out.Value),
			PkScript: out.PkScript,
		}); err != nil {
			return txid, err
		}
	}
	s.log.Info("Broadcast funding", "session", f.SessionID, "txid", txid, "fee", f.Fee)
	return txid, nil
}

// Release returns the coins of an unbroadcast funding to the pool.
func (s *Service) Release(sessionID string) error {
	_, err := s.registry.Release(sessionID)
	return err
}

// Send spends seed coins to an address and returns the txid.
func (s *Service) Send(ctx context.Context, address string, amount uint64) (string, error) {
	w, err := s.Wallet()
	if err != nil {
		return "", err
	}
	script, err := w.ParseAddress(address)
	if err != nil {
		return "", err
	}
	if amount <= contract.DustLimit {
		return "", fmt.Errorf("amount %d is below dust", amount)
	}

	sessionID := "send-" + uuid.New().String()
	f, err := s.FundOutput(ctx, sessionID, script, amount)
	if err != nil {
		return "", err
	}
	txid, err := s.Broadcast(ctx, f)
	if err != nil {
		if rerr := s.Release(sessionID); rerr != nil {
			s.log.Warn("Failed to release coins", "session", sessionID, "error", rerr)
		}
		return "", err
	}
	return txid, nil
}

type bondRecord struct {
	Index    uint32 `json:"index"`
	LockTime uint32 `json:"locktime"`
}

func (s *Service) bonds() ([]bondRecord, error) {
	v, err := s.store.GetSetting(settingBonds)
	if err != nil || v == "" {
		return nil, err
	}
	var out []bondRecord
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("corrupt bond list: %w", err)
	}
	return out, nil
}

// CreateFidelityBond locks amount in a new CLTV bond until lockTime.
func (s *Service) CreateFidelityBond(ctx context.Context, amount uint64, lockTime uint32) (*registry.FidelityBond, string, error) {
	w, err := s.Wallet()
	if err != nil {
		return nil, "", err
	}
	existing, err := s.bonds()
	if err != nil {
		return nil, "", err
	}

	bond, err := w.FidelityBond(uint32(len(existing)), lockTime)
	if err != nil {
		return nil, "", err
	}
	s.registry.AddFidelityBond(bond)

	sessionID := "bond-" + uuid.New().String()
	f, err := s.FundOutput(ctx, sessionID, contract.FundingScriptHash(bond.RedeemScript), amount)
	if err != nil {
		return nil, "", err
	}
	txid, err := s.Broadcast(ctx, f)
	if err != nil {
		if rerr := s.Release(sessionID); rerr != nil {
			s.log.Warn("Failed to release coins", "session", sessionID, "error", rerr)
		}
		return nil, "", err
	}

	data, err := json.Marshal(append(existing, bondRecord{Index: bond.Index, LockTime: lockTime}))
	if err != nil {
		return nil, "", err
	}
	if err := s.store.SetSetting(settingBonds, string(data)); err != nil {
		return nil, "", err
	}
	if _, err := s.registry.Track(backend.UTXO{
		TxID: txid, Vout: f.Vout, Amount: amount, PkScript: f.Tx.TxOut[f.Vout].PkScript,
	}); err != nil {
		return nil, "", err
	}
	return &bond, txid, nil
}

// Balances returns per-category totals.
func (s *Service) Balances() registry.Balances {
	return s.registry.Balances()
}

// ListCoins lists classified coins filtered by display type.
func (s *Service) ListCoins(display string) ([]registry.Coin, error) {
	d, err := registry.ParseDisplayType(display)
	if err != nil {
		return nil, err
	}
	return s.registry.List(d), nil
}

// IsWalletLocked reports whether err came from a missing wallet.
func IsWalletLocked(err error) bool {
	return errors.Is(err, ErrWalletLocked)
}
