package taker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/maker"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/swapcoin"
	"github.com/klingon-exchange/coinswap/internal/wallet"
)

// BIP39 test vectors (DO NOT USE FOR REAL FUNDS)
var testMnemonics = []string{
	"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
	"legal winner thank year wave sausage worth useful legal winner thank yellow",
	"letter advice cage absurd amount doctor acoustic avoid letter advice cage above",
	"zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong",
}

type party struct {
	store  *storage.Storage
	wallet *wallet.Service
}

func newParty(t *testing.T, chain *backend.Simnet, mnemonic string, fund uint64) *party {
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
	svc := wallet.NewService(&wallet.ServiceConfig{
		DataDir:  dir,
		Params:   &chaincfg.RegressionNetParams,
		Store:    store,
		Registry: reg,
		Backend:  chain,
		GapLimit: 5,
	})
	if err := svc.LoadMnemonic(mnemonic, ""); err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}
	script, err := svc.ReceiveScript()
	if err != nil {
		t.Fatal(err)
	}
	chain.Fund(script, fund)
	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return &party{store: store, wallet: svc}
}

type testNet struct {
	chain  *backend.Simnet
	net    *protocol.LocalNetwork
	taker  *Taker
	self   *party
	makers []*maker.Maker
	peers  []string
}

type netOptions struct {
	numMakers int
	taker     config.TakerConfig
	maker     config.MakerConfig
	// wrap intercepts the handler of maker i.
	wrap func(i int, h protocol.Handler) protocol.Handler
}

func testTakerConfig() config.TakerConfig {
	cfg := config.DefaultConfig().Taker
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.ConfirmTimeout = 10 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestNet(t *testing.T, opts netOptions) *testNet {
	t.Helper()
	chain := backend.NewSimnet()
	n := &testNet{chain: chain, net: protocol.NewLocalNetwork()}

	for i := 0; i < opts.numMakers; i++ {
		p := newParty(t, chain, testMnemonics[i+1], 2_000_000)
		m := maker.New(opts.maker, maker.Deps{Chain: chain, Wallet: p.wallet, Store: p.store})
		peer := fmt.Sprintf("maker-%d", i)

		var h protocol.Handler = m
		if opts.wrap != nil {
			h = opts.wrap(i, h)
		}
		n.net.Register(peer, h)
		n.net.Announce(m.Offer(peer, nil))
		n.makers = append(n.makers, m)
		n.peers = append(n.peers, peer)
	}

	n.self = newParty(t, chain, testMnemonics[0], 1_000_000)
	n.taker = New(opts.taker, Deps{
		Chain:     chain,
		Wallet:    n.self.wallet,
		Store:     n.self.store,
		Transport: n.net,
		Directory: n.net,
	})
	t.Cleanup(func() { n.taker.Close() })
	return n
}

// mine mines a block every interval until the test ends.
func (n *testNet) mine(t *testing.T, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.chain.Run(ctx, interval)
}

func (n *testNet) coin(t *testing.T, id string) *storage.SwapCoinRecord {
	t.Helper()
	rec, err := n.self.store.GetSwapCoin(id)
	if err != nil {
		t.Fatalf("GetSwapCoin(%s) error = %v", id, err)
	}
	return rec
}

func (n *testNet) seedCoin(t *testing.T, txid string) bool {
	t.Helper()
	if _, err := n.self.wallet.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	for _, c := range n.self.wallet.Registry().List(registry.DisplaySeed) {
		if c.UTXO.TxID == txid {
			return true
		}
	}
	return false
}

func TestRunSwapCompletes(t *testing.T) {
	n := newTestNet(t, netOptions{
		numMakers: 2,
		taker:     testTakerConfig(),
		maker:     config.DefaultConfig().Maker,
	})
	n.mine(t, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	var once sync.Once
	n.taker.OnEvent(func(e protocol.SessionEvent) {
		if e.EventType == string(StateCompleted) {
			once.Do(func() { close(done) })
		}
	})

	res, err := n.taker.RunSwap(ctx, 500_000, 2)
	if err != nil {
		t.Fatalf("RunSwap() error = %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want completed", res.State)
	}
	if res.Received != 500_000-res.MakerFees || res.Received != 497_002 {
		t.Errorf("received %d with fees %d", res.Received, res.MakerFees)
	}

	out := n.coin(t, res.SessionID+":0:outgoing")
	in := n.coin(t, res.SessionID+":2:incoming")
	if out == nil || in == nil {
		t.Fatal("taker swapcoins not stored")
	}
	for _, rec := range []*storage.SwapCoinRecord{out, in} {
		if rec.State != string(swapcoin.StatePrivateKeyReceived) {
			t.Errorf("%s state = %s, want %s", rec.ID, rec.State, swapcoin.StatePrivateKeyReceived)
		}
	}
	if in.Amount != res.Received {
		t.Errorf("return hop amount %d, want %d", in.Amount, res.Received)
	}
	if !n.seedCoin(t, in.SpendTxID) {
		t.Error("return hop claim not in the wallet")
	}

	for i, m := range n.makers {
		info := m.Session(res.SessionID)
		if info == nil || info.State != maker.StateCompleted {
			t.Errorf("maker %d session = %+v, want completed", i, info)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("no completed event")
	}

	rec, err := n.self.store.GetSession(res.SessionID)
	if err != nil || rec == nil || rec.CompletedAt.IsZero() {
		t.Errorf("stored session = %+v, %v", rec, err)
	}
	if n.self.wallet.Registry().LockedCount() != 0 {
		t.Error("coins still locked")
	}
}

func TestRunSwapUnresponsiveMaker(t *testing.T) {
	cfg := testTakerConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.LockTimeBase = 3
	cfg.LockTimeStep = 3
	makerCfg := config.DefaultConfig().Maker
	makerCfg.MinLockTime = 2
	makerCfg.MinLockTimeDelta = 2

	n := newTestNet(t, netOptions{numMakers: 2, taker: cfg, maker: makerCfg})
	n.net.SetOffline(n.peers[1], true)
	n.mine(t, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := n.taker.RunSwap(ctx, 500_000, 2)
	if !errors.Is(err, protocol.ErrNetwork) {
		t.Fatalf("RunSwap() error = %v, want ErrNetwork", err)
	}
	if res == nil || res.State != StateAborted || res.Hop != 1 {
		t.Fatalf("result = %+v, want aborted at hop 1", res)
	}

	out := n.coin(t, res.SessionID+":0:outgoing")
	if out == nil || out.State != string(swapcoin.StateRefunded) {
		t.Fatalf("outgoing coin = %+v, want refunded", out)
	}
	if n.self.wallet.Registry().LockedCount() != 0 {
		t.Error("coins still locked after abort")
	}
	if !n.seedCoin(t, out.SpendTxID) {
		t.Error("refund output not classified as a seed coin")
	}

	info := n.makers[0].Session(res.SessionID)
	if info == nil || info.State != maker.StateAborted {
		t.Errorf("maker 0 session = %+v, want aborted", info)
	}
	m, err := n.self.store.GetMaker(n.peers[1])
	if err != nil || m == nil || m.FailureCount != 1 {
		t.Errorf("maker 1 record = %+v, %v", m, err)
	}
}

func TestRunSwapRejectsTamperedScript(t *testing.T) {
	wrap := func(i int, h protocol.Handler) protocol.Handler {
		if i != 0 {
			return h
		}
		return protocol.HandlerFunc(func(ctx context.Context, from string, msg *protocol.Message) (*protocol.Message, error) {
			reply, err := h.HandleMessage(ctx, from, msg)
			if err != nil || msg.Type != protocol.MsgNegotiateHop {
				return reply, err
			}
			wrong, _ := btcec.NewPrivateKey()
			reply.RedeemScript, err = contract.BuildRedeemScript(
				wrong.PubKey().SerializeCompressed(), msg.PubKey, msg.Hash, msg.LockTime)
			return reply, err
		})
	}
	n := newTestNet(t, netOptions{
		numMakers: 2,
		taker:     testTakerConfig(),
		maker:     config.DefaultConfig().Maker,
		wrap:      wrap,
	})
	before := n.self.wallet.Balances()

	res, err := n.taker.RunSwap(context.Background(), 500_000, 2)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("RunSwap() error = %v, want ErrProtocolViolation", err)
	}
	if res == nil || res.State != StateAborted || res.Hop != 0 {
		t.Fatalf("result = %+v, want aborted at hop 0", res)
	}
	if out := n.coin(t, res.SessionID+":0:outgoing"); out != nil {
		t.Errorf("outgoing coin created: %+v", out)
	}
	if n.self.wallet.Registry().LockedCount() != 0 {
		t.Error("coins locked")
	}
	if _, err := n.self.wallet.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if after := n.self.wallet.Balances(); after.Seed != before.Seed {
		t.Errorf("seed balance %d, was %d", after.Seed, before.Seed)
	}
	m, _ := n.self.store.GetMaker(n.peers[0])
	if m == nil || m.FailureCount != 1 {
		t.Errorf("maker 0 record = %+v", m)
	}
}

func TestRunSwapClaimsAfterPartialReveal(t *testing.T) {
	// Maker 0 claims hop 0 but its reply to preimage-reveal never arrives.
	wrap := func(i int, h protocol.Handler) protocol.Handler {
		if i != 0 {
			return h
		}
		return protocol.HandlerFunc(func(ctx context.Context, from string, msg *protocol.Message) (*protocol.Message, error) {
			reply, err := h.HandleMessage(ctx, from, msg)
			if err != nil || msg.Type != protocol.MsgPreimageReveal {
				return reply, err
			}
			return nil, fmt.Errorf("%w: reply lost", protocol.ErrNetwork)
		})
	}
	n := newTestNet(t, netOptions{
		numMakers: 2,
		taker:     testTakerConfig(),
		maker:     config.DefaultConfig().Maker,
		wrap:      wrap,
	})
	n.mine(t, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := n.taker.RunSwap(ctx, 500_000, 2)
	if !errors.Is(err, protocol.ErrNetwork) {
		t.Fatalf("RunSwap() error = %v, want ErrNetwork", err)
	}
	if ctx.Err() != nil {
		t.Fatal("recovery did not finish before the deadline")
	}
	if res == nil || res.State != StateAborted {
		t.Fatalf("result = %+v, want aborted", res)
	}

	// The return hop is claimed by the taker, not refunded by maker 1.
	in := n.coin(t, res.SessionID+":2:incoming")
	if in == nil || in.SpendTxID == "" {
		t.Fatalf("return hop = %+v, want claimed", in)
	}
	if in.State != string(swapcoin.StatePreimageRevealed) {
		t.Errorf("return hop state = %s, want %s", in.State, swapcoin.StatePreimageRevealed)
	}
	inOp, err := contract.OutPoint(in.ContractTxID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if spender, ok := n.chain.SpenderOf(inOp); !ok || spender != in.SpendTxID {
		t.Errorf("return hop contract spent by %q, taker claim %s", spender, in.SpendTxID)
	}

	// Hop 0 went to maker 0, and the taker saw its claim on chain.
	out := n.coin(t, res.SessionID+":0:outgoing")
	if out == nil || out.State != string(swapcoin.StatePreimageRevealed) {
		t.Fatalf("outgoing coin = %+v, want preimage-revealed", out)
	}
	outOp, err := contract.OutPoint(out.ContractTxID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if spender, ok := n.chain.SpenderOf(outOp); !ok || spender != out.SpendTxID {
		t.Errorf("hop 0 contract spent by %q, recorded %s", spender, out.SpendTxID)
	}
	if !n.seedCoin(t, in.SpendTxID) {
		t.Error("return hop claim not in the wallet")
	}
}

func TestRunSwapInsufficientFunds(t *testing.T) {
	n := newTestNet(t, netOptions{
		numMakers: 1,
		taker:     testTakerConfig(),
		maker:     config.DefaultConfig().Maker,
	})
	requests := 0
	n.net.Register(n.peers[0], protocol.HandlerFunc(func(ctx context.Context, from string, msg *protocol.Message) (*protocol.Message, error) {
		requests++
		return n.makers[0].HandleMessage(ctx, from, msg)
	}))

	res, err := n.taker.RunSwap(context.Background(), 5_000_000, 1)
	if !errors.Is(err, protocol.ErrInsufficientFunds) {
		t.Fatalf("RunSwap() error = %v, want ErrInsufficientFunds", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if requests != 0 {
		t.Errorf("%d requests sent", requests)
	}
	sessions, err := n.self.store.ListSessions(Role, 10)
	if err != nil || len(sessions) != 0 {
		t.Errorf("sessions = %d, %v", len(sessions), err)
	}
}

func TestRunSwapNotEnoughMakers(t *testing.T) {
	n := newTestNet(t, netOptions{
		numMakers: 1,
		taker:     testTakerConfig(),
		maker:     config.DefaultConfig().Maker,
	})
	if _, err := n.taker.RunSwap(context.Background(), 500_000, 2); !errors.Is(err, ErrNoMakers) {
		t.Fatalf("RunSwap() error = %v, want ErrNoMakers", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	n := newTestNet(t, netOptions{
		numMakers: 1,
		taker:     testTakerConfig(),
		maker:     config.DefaultConfig().Maker,
	})
	if err := n.self.store.SaveSession(&storage.SessionRecord{
		ID: "maker-side", Role: maker.Role, State: string(maker.StateCompleted), Amount: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"missing", "maker-side"} {
		info, err := n.taker.Session(id)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Session(%q) = %+v, %v; want ErrSessionNotFound", id, info, err)
		}
	}
}
