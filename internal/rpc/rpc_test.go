package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/coinswap/internal/backend"
	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/maker"
	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/storage"
	"github.com/klingon-exchange/coinswap/internal/taker"
	"github.com/klingon-exchange/coinswap/internal/wallet"
)

// BIP39 test vectors (DO NOT USE FOR REAL FUNDS)
var testMnemonics = []string{
	"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
	"legal winner thank year wave sausage worth useful legal winner thank yellow",
	"letter advice cage absurd amount doctor acoustic avoid letter advice cage above",
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func call(t *testing.T, h http.Handler, method string, params interface{}) rpcReply {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: HTTP %d", method, rec.Code)
	}
	var reply rpcReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("%s: bad response %q: %v", method, rec.Body.String(), err)
	}
	return reply
}

func newService(t *testing.T, chain backend.Backend) (*wallet.Service, *storage.Storage) {
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
	return svc, store
}

func fundedService(t *testing.T, chain *backend.Simnet, mnemonic string, amount uint64) (*wallet.Service, *storage.Storage) {
	t.Helper()
	svc, store := newService(t, chain)
	if err := svc.LoadMnemonic(mnemonic, ""); err != nil {
		t.Fatalf("LoadMnemonic() error = %v", err)
	}
	script, err := svc.ReceiveScript()
	if err != nil {
		t.Fatal(err)
	}
	chain.Fund(script, amount)
	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return svc, store
}

// newTakerServer builds a taker server on a simnet with two makers.
func newTakerServer(t *testing.T) (*Server, *backend.Simnet) {
	t.Helper()
	chain := backend.NewSimnet()
	net := protocol.NewLocalNetwork()

	for i := 0; i < 2; i++ {
		svc, store := fundedService(t, chain, testMnemonics[i+1], 2_000_000)
		m := maker.New(config.DefaultConfig().Maker, maker.Deps{Chain: chain, Wallet: svc, Store: store})
		peer := fmt.Sprintf("maker-%d", i)
		net.Register(peer, m)
		net.Announce(m.Offer(peer, nil))
	}

	cfg := config.DefaultConfig()
	cfg.NetworkType = config.Simnet
	cfg.Taker.RequestTimeout = 2 * time.Second
	cfg.Taker.BaseBackoff = 10 * time.Millisecond
	cfg.Taker.MaxBackoff = 50 * time.Millisecond
	cfg.Taker.ConfirmTimeout = 10 * time.Second
	cfg.Taker.PollInterval = 5 * time.Millisecond

	svc, store := fundedService(t, chain, testMnemonics[0], 1_000_000)
	tk := taker.New(cfg.Taker, taker.Deps{
		Chain:     chain,
		Wallet:    svc,
		Store:     store,
		Transport: net,
		Directory: net,
	})
	t.Cleanup(func() { tk.Close() })

	s := NewServer(Deps{
		Config:    cfg,
		Directory: net,
		Store:     store,
		Wallet:    svc,
		Taker:     tk,
	})
	t.Cleanup(func() { s.Stop() })
	return s, chain
}

func TestHandleRPCErrors(t *testing.T) {
	s, _ := newTakerServer(t)
	h := s.Handler()

	post := func(body string) rpcReply {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		var reply rpcReply
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("bad response %q: %v", rec.Body.String(), err)
		}
		return reply
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"jsonrpc":`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"node_info","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"nope","id":1}`, MethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","method":"swap_run","params":{"amount":"x"},"id":1}`, InvalidParams},
		{"missing amount", `{"jsonrpc":"2.0","method":"swap_run","params":{},"id":1}`, InvalidParams},
		{"bad btc amount", `{"jsonrpc":"2.0","method":"swap_run","params":{"amount_btc":"0.123456789"},"id":1}`, InvalidParams},
		{"both amounts", `{"jsonrpc":"2.0","method":"swap_run","params":{"amount":1000,"amount_btc":"0.1"},"id":1}`, InvalidParams},
		{"too few makers", `{"jsonrpc":"2.0","method":"swap_run","params":{"amount":1000,"num_makers":0},"id":1}`, InvalidParams},
		{"missing session", `{"jsonrpc":"2.0","method":"swap_status","params":{},"id":1}`, InvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := post(tt.body)
			if reply.Error == nil {
				t.Fatalf("expected error, got result %s", reply.Result)
			}
			if reply.Error.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", reply.Error.Code, tt.code, reply.Error.Message)
			}
		})
	}
}

func TestNodeInfoWithoutP2P(t *testing.T) {
	s, _ := newTakerServer(t)

	reply := call(t, s.Handler(), "node_info", nil)
	if reply.Error != nil {
		t.Fatalf("node_info error = %+v", reply.Error)
	}
	var info NodeInfoResult
	if err := json.Unmarshal(reply.Result, &info); err != nil {
		t.Fatal(err)
	}
	if info.Network != "simnet" || info.Role != "taker" || info.PeerID != "" {
		t.Errorf("node_info = %+v", info)
	}

	reply = call(t, s.Handler(), "peers_connect", map[string]string{"addr": "/ip4/127.0.0.1/tcp/1"})
	if reply.Error == nil || reply.Error.Message != errNoNode.Error() {
		t.Errorf("peers_connect error = %+v, want %v", reply.Error, errNoNode)
	}
}

func TestMakersList(t *testing.T) {
	s, _ := newTakerServer(t)

	reply := call(t, s.Handler(), "makers_list", nil)
	if reply.Error != nil {
		t.Fatalf("makers_list error = %+v", reply.Error)
	}
	var res MakersListResult
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 || res.Makers[0].PeerID != "maker-0" || res.Makers[1].PeerID != "maker-1" {
		t.Errorf("makers_list = %+v", res)
	}
}

func TestSwapRunWait(t *testing.T) {
	s, chain := newTakerServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go chain.Run(ctx, 20*time.Millisecond)

	reply := call(t, s.Handler(), "swap_run", SwapRunParams{AmountBTC: "0.005", NumMakers: 2, Wait: true})
	if reply.Error != nil {
		t.Fatalf("swap_run error = %+v", reply.Error)
	}
	var res taker.SwapResult
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.State != taker.StateCompleted || res.Amount != 500_000 || res.Received != res.Amount-res.MakerFees {
		t.Fatalf("swap_run = %+v", res)
	}

	reply = call(t, s.Handler(), "swap_status", SwapStatusParams{SessionID: res.SessionID})
	if reply.Error != nil {
		t.Fatalf("swap_status error = %+v", reply.Error)
	}
	var info taker.SessionInfo
	if err := json.Unmarshal(reply.Result, &info); err != nil {
		t.Fatal(err)
	}
	if info.State != taker.StateCompleted || info.NumMakers != 2 {
		t.Errorf("swap_status = %+v", info)
	}

	reply = call(t, s.Handler(), "swap_history", nil)
	if reply.Error != nil {
		t.Fatalf("swap_history error = %+v", reply.Error)
	}
	var history struct {
		Sessions []historyEntry `json:"sessions"`
		Count    int            `json:"count"`
	}
	if err := json.Unmarshal(reply.Result, &history); err != nil {
		t.Fatal(err)
	}
	if history.Count != 1 || history.Sessions[0].ID != res.SessionID || history.Sessions[0].State != "completed" {
		t.Errorf("swap_history = %+v", history)
	}

	reply = call(t, s.Handler(), "swap_list", nil)
	if reply.Error != nil || !strings.Contains(string(reply.Result), `"count":0`) {
		t.Errorf("swap_list = %s, %+v", reply.Result, reply.Error)
	}
}

func TestSwapStatusUnknown(t *testing.T) {
	s, _ := newTakerServer(t)

	reply := call(t, s.Handler(), "swap_status", SwapStatusParams{SessionID: "missing"})
	if reply.Error == nil || reply.Error.Code != InternalError {
		t.Fatalf("swap_status error = %+v", reply.Error)
	}
	if !strings.Contains(reply.Error.Message, errNotFound.Error()) {
		t.Errorf("message = %q", reply.Error.Message)
	}
}

func TestSwapStatusFallsBackToHistory(t *testing.T) {
	s, _ := newTakerServer(t)
	if err := s.deps.Store.SaveSession(&storage.SessionRecord{
		ID: "maker-side", Role: maker.Role, State: string(maker.StateCompleted), Amount: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	reply := call(t, s.Handler(), "swap_status", SwapStatusParams{SessionID: "maker-side"})
	if reply.Error != nil {
		t.Fatalf("swap_status error = %+v", reply.Error)
	}
	var entry historyEntry
	if err := json.Unmarshal(reply.Result, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Role != maker.Role || entry.State != string(maker.StateCompleted) {
		t.Errorf("swap_status = %+v", entry)
	}
}

func TestSwapRunInsufficientFunds(t *testing.T) {
	s, _ := newTakerServer(t)

	reply := call(t, s.Handler(), "swap_run", SwapRunParams{Amount: 50_000_000, NumMakers: 2, Wait: true})
	if reply.Error == nil {
		t.Fatalf("swap_run succeeded: %s", reply.Result)
	}
	if reply.Error.Data == nil {
		t.Errorf("error carries no swap code: %+v", reply.Error)
	}
}

func TestMakerRoleRejectsTakerMethods(t *testing.T) {
	chain := backend.NewSimnet()
	svc, store := fundedService(t, chain, testMnemonics[1], 1_000_000)
	cfg := config.DefaultConfig()
	cfg.Role = config.RoleMaker
	m := maker.New(cfg.Maker, maker.Deps{Chain: chain, Wallet: svc, Store: store})

	s := NewServer(Deps{Config: cfg, Store: store, Wallet: svc, Maker: m})
	defer s.Stop()

	for _, method := range []string{"swap_run", "swap_recover"} {
		reply := call(t, s.Handler(), method, SwapRunParams{Amount: 1000, NumMakers: 1})
		if reply.Error == nil || reply.Error.Message != errNotTaker.Error() {
			t.Errorf("%s error = %+v", method, reply.Error)
		}
	}
	reply := call(t, s.Handler(), "swap_list", nil)
	if reply.Error != nil {
		t.Errorf("swap_list error = %+v", reply.Error)
	}
}

func TestWebSocketSessionEvents(t *testing.T) {
	s, chain := newTakerServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsHub.Run(ctx)
	go chain.Run(ctx, 20*time.Millisecond)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(wsCommand{Action: "subscribe", Events: []string{EventSessionUpdate, EventSwapFinished}}); err != nil {
		t.Fatal(err)
	}

	reply := call(t, s.Handler(), "swap_run", SwapRunParams{Amount: 300_000, NumMakers: 1})
	if reply.Error != nil {
		t.Fatalf("swap_run error = %+v", reply.Error)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var updates int
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v after %d updates", err, updates)
		}
		switch msg.Type {
		case EventSessionUpdate:
			updates++
		case EventSwapFinished:
			var res taker.SwapResult
			if err := json.Unmarshal(msg.Data, &res); err != nil {
				t.Fatal(err)
			}
			if res.State != taker.StateCompleted {
				t.Errorf("finished state = %s", res.State)
			}
			if updates == 0 {
				t.Error("no session updates before swap_finished")
			}
			return
		default:
			t.Fatalf("unexpected event %s", msg.Type)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTakerServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}
