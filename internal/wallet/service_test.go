package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
)

func newTestService(t *testing.T, chain *backend.Simnet) *Service {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(store)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return NewService(&ServiceConfig{
		DataDir:  dir,
		Params:   &chaincfg.RegressionNetParams,
		Store:    store,
		Registry: reg,
		Backend:  chain,
		GapLimit: 5,
	})
}

// fundService loads the test wallet and gives it confirmed coins.
func fundService(t *testing.T, s *Service, chain *backend.Simnet, amounts ...uint64) {
	t.Helper()
	if err := s.LoadMnemonic(testMnemonic, ""); err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}
	for _, amt := range amounts {
		script, err := s.ReceiveScript()
		if err != nil {
			t.Fatalf("ReceiveScript() error = %v", err)
		}
		chain.Fund(script, amt)
	}
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestServiceLocked(t *testing.T) {
	s := newTestService(t, backend.NewSimnet())

	if s.IsUnlocked() {
		t.Error("new service should be locked")
	}
	if s.HasWallet() {
		t.Error("new data dir should have no wallet")
	}
	if _, _, err := s.NewAddress(ChangeExternal); !IsWalletLocked(err) {
		t.Errorf("NewAddress() error = %v, want ErrWalletLocked", err)
	}
	if _, err := s.Send(context.Background(), "bcrt1qxyz", 10_000); !errors.Is(err, protocol.ErrWallet) {
		t.Errorf("Send() error = %v, want ErrWallet", err)
	}
}

func TestServiceCreateAndLoadWallet(t *testing.T) {
	s := newTestService(t, backend.NewSimnet())

	if err := s.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	if !s.HasWallet() || !s.IsUnlocked() {
		t.Fatal("wallet should exist and be unlocked after creation")
	}
	if err := s.CreateWallet(testMnemonic, "", testPassword); err == nil {
		t.Error("creating a second wallet should fail")
	}

	w, _ := s.Wallet()
	want, _ := w.Address(ChangeExternal, 0)

	s.Lock()
	if s.IsUnlocked() {
		t.Fatal("wallet should be locked")
	}
	if err := s.LoadWallet("Wr0ng-Password", ""); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("LoadWallet(wrong) error = %v, want ErrWrongPassword", err)
	}
	if err := s.LoadWallet(testPassword, ""); err != nil {
		t.Fatalf("LoadWallet() error = %v", err)
	}
	w, _ = s.Wallet()
	got, _ := w.Address(ChangeExternal, 0)
	if got.EncodeAddress() != want.EncodeAddress() {
		t.Errorf("reloaded address = %s, want %s", got, want)
	}
}

func TestServiceNewAddressAdvances(t *testing.T) {
	s := newTestService(t, backend.NewSimnet())
	if err := s.LoadMnemonic(testMnemonic, ""); err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}

	a, _, err := s.NewAddress(ChangeExternal)
	if err != nil {
		t.Fatalf("NewAddress() error = %v", err)
	}
	b, script, err := s.NewAddress(ChangeExternal)
	if err != nil {
		t.Fatalf("NewAddress() error = %v", err)
	}
	if a == b {
		t.Error("consecutive addresses should differ")
	}

	info := s.Registry().Classify(backend.UTXO{PkScript: script})
	if info.Tag != registry.TagSeedCoin || info.Path == nil || info.Path.Index != 1 {
		t.Errorf("issued script classified as %+v", info)
	}
}

func TestServiceSync(t *testing.T) {
	chain := backend.NewSimnet()
	s := newTestService(t, chain)
	fundService(t, s, chain, 200_000, 50_000)

	bal := s.Balances()
	if bal.Seed != 250_000 || bal.Spendable != 250_000 {
		t.Errorf("balances = %+v, want seed 250000", bal)
	}

	coins, err := s.ListCoins("seed")
	if err != nil {
		t.Fatalf("ListCoins() error = %v", err)
	}
	if len(coins) != 2 || coins[0].UTXO.Amount != 200_000 {
		t.Errorf("ListCoins(seed) = %+v", coins)
	}
	if _, err := s.ListCoins("bogus"); err == nil {
		t.Error("unknown display type should fail")
	}
}

func TestServiceFundOutput(t *testing.T) {
	ctx := context.Background()
	chain := backend.NewSimnet()
	s := newTestService(t, chain)
	fundService(t, s, chain, 300_000)

	target := contract.FundingScriptHash([]byte{txscript.OP_TRUE})
	f, err := s.FundOutput(ctx, "session-1", target, 120_000)
	if err != nil {
		t.Fatalf("FundOutput() error = %v", err)
	}
	if s.Registry().LockedCount() != 1 {
		t.Errorf("locked coins = %d, want 1", s.Registry().LockedCount())
	}
	if uint64(f.Tx.TxOut[f.Vout].Value) != 120_000 {
		t.Errorf("funded value = %d", f.Tx.TxOut[f.Vout].Value)
	}

	// Second session cannot reuse the locked coin.
	if _, err := s.FundOutput(ctx, "session-2", target, 50_000); !errors.Is(err, protocol.ErrInsufficientFunds) {
		t.Errorf("FundOutput() on locked coins error = %v, want ErrInsufficientFunds", err)
	}
	if s.Registry().LockedCount() != 1 {
		t.Errorf("failed funding left %d locks", s.Registry().LockedCount())
	}

	// Simnet runs the script engine, so acceptance proves the signatures.
	txid, err := s.Broadcast(ctx, f)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if s.Registry().LockedCount() != 0 {
		t.Errorf("spent coins still locked: %d", s.Registry().LockedCount())
	}
	if f.Outpoint().Hash.String() != txid {
		t.Errorf("funding outpoint %s, broadcast txid %s", f.Outpoint(), txid)
	}

	chain.Mine(1)
	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	bal := s.Balances()
	if want := 300_000 - 120_000 - f.Fee; bal.Seed != want {
		t.Errorf("seed balance after funding = %d, want %d", bal.Seed, want)
	}
}

func TestServiceFundOutputInsufficient(t *testing.T) {
	chain := backend.NewSimnet()
	s := newTestService(t, chain)
	fundService(t, s, chain, 10_000)

	_, err := s.FundOutput(context.Background(), "s", contract.FundingScriptHash([]byte{txscript.OP_TRUE}), 50_000)
	if !errors.Is(err, protocol.ErrInsufficientFunds) {
		t.Fatalf("FundOutput() error = %v, want ErrInsufficientFunds", err)
	}
	if s.Registry().LockedCount() != 0 {
		t.Error("no coin should stay locked")
	}
}

func TestServiceSend(t *testing.T) {
	ctx := context.Background()
	chain := backend.NewSimnet()
	chain.SetAutoMine(1)
	s := newTestService(t, chain)
	fundService(t, s, chain, 100_000)

	other := newTestService(t, chain)
	if err := other.LoadMnemonic("legal winner thank year wave sausage worth useful legal winner thank yellow", ""); err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}
	dest, script, err := other.NewAddress(ChangeExternal)
	if err != nil {
		t.Fatalf("NewAddress() error = %v", err)
	}

	if _, err := s.Send(ctx, dest, 100); err == nil {
		t.Error("dust send should fail")
	}
	if _, err := s.Send(ctx, dest, 40_000); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	utxos, err := chain.GetUTXOs(ctx, [][]byte{script})
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(utxos) != 1 || utxos[0].Amount != 40_000 {
		t.Errorf("recipient utxos = %+v", utxos)
	}
}

func TestServiceCreateFidelityBond(t *testing.T) {
	ctx := context.Background()
	chain := backend.NewSimnet()
	chain.SetAutoMine(1)
	s := newTestService(t, chain)
	fundService(t, s, chain, 500_000)

	bond, _, err := s.CreateFidelityBond(ctx, 200_000, 1_000)
	if err != nil {
		t.Fatalf("CreateFidelityBond() error = %v", err)
	}
	if bond.Index != 0 {
		t.Errorf("bond index = %d, want 0", bond.Index)
	}

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if bal := s.Balances(); bal.Fidelity != 200_000 {
		t.Errorf("fidelity balance = %d, want 200000", bal.Fidelity)
	}

	// Bonds survive a reload through the stored bond list.
	s.Lock()
	if err := s.LoadMnemonic(testMnemonic, ""); err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}
	coins, _ := s.ListCoins("fidelity-bond")
	if len(coins) != 1 {
		t.Errorf("fidelity coins = %d, want 1", len(coins))
	}
}
