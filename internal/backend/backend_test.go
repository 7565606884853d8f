package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func p2wpkh(t *testing.T, key *btcec.PrivateKey) []byte {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	return script
}

func spendTx(t *testing.T, key *btcec.PrivateKey, prev wire.OutPoint, prevScript []byte, amount int64, dest []byte, fee int64) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount-fee, dest))

	fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, amount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	wit, err := txscript.WitnessSignature(tx, sigHashes, 0, amount, prevScript, txscript.SigHashAll, key, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx.TxIn[0].Witness = wit
	return tx
}

func TestNewMempoolBackend(t *testing.T) {
	b := NewMempoolBackend("https://mempool.space/api/", &chaincfg.MainNetParams)

	if b.Type() != TypeMempool {
		t.Errorf("Type() = %s, want mempool", b.Type())
	}
	if b.IsConnected() {
		t.Error("should not be connected initially")
	}
	if b.baseURL != "https://mempool.space/api" {
		t.Errorf("baseURL = %s, trailing slash should be removed", b.baseURL)
	}

	e := NewEsploraBackend("https://blockstream.info/api", &chaincfg.MainNetParams)
	if e.Type() != TypeEsplora {
		t.Errorf("Type() = %s, want esplora", e.Type())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		want    Type
		wantErr bool
	}{
		{Config{Type: TypeMempool}, TypeMempool, false},
		{Config{Type: TypeEsplora, URL: "http://localhost:3000"}, TypeEsplora, false},
		{Config{Type: TypeBitcoind, URL: "127.0.0.1:18443"}, TypeBitcoind, false},
		{Config{Type: TypeSimnet}, TypeSimnet, false},
		{Config{Type: "electrum"}, "", true},
	}

	for _, tc := range tests {
		b, err := New(&tc.cfg, &chaincfg.TestNet3Params)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedBackend) {
				t.Errorf("%s: err = %v, want ErrUnsupportedBackend", tc.cfg.Type, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: New() error = %v", tc.cfg.Type, err)
		}
		if b.Type() != tc.want {
			t.Errorf("Type() = %s, want %s", b.Type(), tc.want)
		}
	}

	b, _ := New(&Config{Type: TypeMempool, Timeout: 5}, &chaincfg.TestNet3Params)
	mb := b.(*MempoolBackend)
	if mb.baseURL != DefaultURLs()[chaincfg.TestNet3Params.Name] {
		t.Errorf("baseURL = %s, want testnet default", mb.baseURL)
	}
	if mb.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", mb.httpClient.Timeout)
	}
}

func TestMempoolBackendHTTP(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	script := p2wpkh(t, key)
	_, addrs, _, _ := txscript.ExtractPkScriptAddrs(script, &chaincfg.RegressionNetParams)
	addr := addrs[0].EncodeAddress()

	const txid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	var posted string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/blocks/tip/height":
			fmt.Fprint(w, "110")
		case r.URL.Path == "/v1/fees/recommended":
			fmt.Fprint(w, `{"fastestFee":12,"halfHourFee":7,"hourFee":3}`)
		case r.URL.Path == "/fee-estimates":
			fmt.Fprint(w, `{"1":20.5,"3":9.2,"6":4}`)
		case r.URL.Path == "/address/"+addr+"/utxo":
			fmt.Fprintf(w, `[{"txid":"%s","vout":1,"value":50000,"status":{"confirmed":true,"block_height":101}},
				{"txid":"%s","vout":2,"value":1000,"status":{"confirmed":false}}]`, txid, txid)
		case r.URL.Path == "/tx" && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			posted = string(body)
			fmt.Fprint(w, txid)
		case r.URL.Path == "/tx/"+txid+"/status":
			fmt.Fprint(w, `{"confirmed":true,"block_height":105}`)
		case r.URL.Path == "/tx/"+txid:
			fmt.Fprintf(w, `{"txid":"%s","status":{"confirmed":true,"block_height":105},
				"vout":[{"scriptpubkey":"0014aa","value":1},{"scriptpubkey":"0014bb","value":50000}]}`, txid)
		case r.URL.Path == "/tx/"+txid+"/outspend/1":
			fmt.Fprint(w, `{"spent":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	b := NewMempoolBackend(srv.URL, &chaincfg.RegressionNetParams)

	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	fee, err := b.EstimateFee(ctx)
	if err != nil || fee != 7 {
		t.Errorf("EstimateFee() = %d, %v; want 7", fee, err)
	}

	utxos, err := b.GetUTXOs(ctx, [][]byte{script})
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].Confirmations != 10 || utxos[0].Amount != 50000 {
		t.Errorf("utxo[0] = %+v, want 10 confirmations of 50000", utxos[0])
	}
	if utxos[1].Confirmations != 0 {
		t.Errorf("unconfirmed utxo has %d confirmations", utxos[1].Confirmations)
	}

	st, err := b.GetTxStatus(ctx, txid)
	if err != nil || st.Confirmations != 6 || st.BlockHeight != 105 {
		t.Errorf("GetTxStatus() = %+v, %v; want 6 confirmations at 105", st, err)
	}

	if _, err := b.GetTxStatus(ctx, strings.Repeat("00", 32)); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("unknown tx: err = %v, want ErrTxNotFound", err)
	}

	op, _ := (&UTXO{TxID: txid, Vout: 1}).OutPoint()
	out, err := b.GetOutput(ctx, op)
	if err != nil {
		t.Fatalf("GetOutput() error = %v", err)
	}
	if !out.Spent || out.Value != 50000 || out.Height != 105 {
		t.Errorf("GetOutput() = %+v", out)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(40000, script))
	got, err := b.Broadcast(ctx, tx)
	if err != nil || got != txid {
		t.Errorf("Broadcast() = %s, %v", got, err)
	}
	if want, _ := txHex(tx); posted != want {
		t.Errorf("posted body = %s, want %s", posted, want)
	}

	e := NewEsploraBackend(srv.URL, &chaincfg.RegressionNetParams)
	fee, err = e.EstimateFee(ctx)
	if err != nil || fee != 9 {
		t.Errorf("esplora EstimateFee() = %d, %v; want 9", fee, err)
	}
}

func TestMempoolGetSpendingTx(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	script := p2wpkh(t, key)

	const txid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	op, _ := (&UTXO{TxID: txid, Vout: 1}).OutPoint()
	spender := spendTx(t, key, op, script, 50000, script, 500)
	spenderHex, _ := txHex(spender)
	spenderID := spender.TxHash().String()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/" + txid + "/outspend/1":
			fmt.Fprintf(w, `{"spent":true,"txid":"%s","vin":0,"status":{"confirmed":false}}`, spenderID)
		case "/tx/" + txid + "/outspend/0":
			fmt.Fprint(w, `{"spent":false}`)
		case "/tx/" + spenderID + "/hex":
			fmt.Fprint(w, spenderHex)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	b := NewMempoolBackend(srv.URL, &chaincfg.RegressionNetParams)

	got, err := b.GetSpendingTx(ctx, op, 0)
	if err != nil {
		t.Fatalf("GetSpendingTx() error = %v", err)
	}
	if got.TxHash() != spender.TxHash() {
		t.Errorf("spender = %s, want %s", got.TxHash(), spenderID)
	}
	if len(got.TxIn[0].Witness) != 2 {
		t.Errorf("witness lost in decoding: %d items", len(got.TxIn[0].Witness))
	}

	unspent := wire.OutPoint{Hash: op.Hash, Index: 0}
	if _, err := b.GetSpendingTx(ctx, unspent, 0); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("unspent output: err = %v, want ErrTxNotFound", err)
	}
	unknown := wire.OutPoint{Hash: op.Hash, Index: 7}
	if _, err := b.GetSpendingTx(ctx, unknown, 0); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("unknown output: err = %v, want ErrTxNotFound", err)
	}
}

func TestMempoolBackendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := NewMempoolBackend(srv.URL, &chaincfg.RegressionNetParams)
	if _, err := b.GetHeight(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect() err = %v, want ErrNotConnected", err)
	}
}

func TestSimnetSpend(t *testing.T) {
	ctx := context.Background()
	s := NewSimnet()
	key, _ := btcec.NewPrivateKey()
	other, _ := btcec.NewPrivateKey()
	script := p2wpkh(t, key)
	dest := p2wpkh(t, other)

	op := s.Fund(script, 100000)
	if h, _ := s.GetHeight(ctx); h != 1 {
		t.Fatalf("height = %d, want 1", h)
	}

	utxos, _ := s.GetUTXOs(ctx, [][]byte{script})
	if len(utxos) != 1 || utxos[0].Confirmations != 1 {
		t.Fatalf("utxos = %+v", utxos)
	}

	// Signed by the wrong key.
	bad := spendTx(t, other, op, script, 100000, dest, 500)
	if _, err := s.Broadcast(ctx, bad); !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("bad signature: err = %v, want ErrBroadcastFailed", err)
	}

	tx := spendTx(t, key, op, script, 100000, dest, 500)
	txid, err := s.Broadcast(ctx, tx)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if again, err := s.Broadcast(ctx, tx); err != nil || again != txid {
		t.Errorf("rebroadcast = %s, %v", again, err)
	}

	st, err := s.GetTxStatus(ctx, txid)
	if err != nil || st.Confirmations != 0 {
		t.Errorf("mempool status = %+v, %v", st, err)
	}

	double := spendTx(t, key, op, script, 100000, dest, 1000)
	if _, err := s.Broadcast(ctx, double); !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("double spend: err = %v, want ErrBroadcastFailed", err)
	}

	s.Mine(3)
	st, _ = s.GetTxStatus(ctx, txid)
	if st.Confirmations != 3 || st.BlockHeight != 2 {
		t.Errorf("status = %+v, want 3 confirmations at 2", st)
	}

	out, err := s.GetOutput(ctx, op)
	if err != nil || !out.Spent {
		t.Errorf("funding output = %+v, %v; want spent", out, err)
	}
	if spender, ok := s.SpenderOf(op); !ok || spender != txid {
		t.Errorf("SpenderOf() = %s, %v", spender, ok)
	}
	spending, err := s.GetSpendingTx(ctx, op, 0)
	if err != nil || spending.TxHash().String() != txid {
		t.Errorf("GetSpendingTx() = %v, %v; want %s", spending, err, txid)
	}
	change := wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	if _, err := s.GetSpendingTx(ctx, change, 0); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("unspent output: err = %v, want ErrTxNotFound", err)
	}
	if utxos, _ := s.GetUTXOs(ctx, [][]byte{script}); len(utxos) != 0 {
		t.Errorf("spent output still listed: %+v", utxos)
	}
}

func TestSimnetSequenceLock(t *testing.T) {
	ctx := context.Background()
	s := NewSimnet()
	key, _ := btcec.NewPrivateKey()
	script := p2wpkh(t, key)
	op := s.Fund(script, 100000) // confirmed at height 1

	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&op, nil, nil)
	in.Sequence = 5
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(99000, script))
	fetcher := txscript.NewCannedPrevOutputFetcher(script, 100000)
	wit, err := txscript.WitnessSignature(tx, txscript.NewTxSigHashes(tx, fetcher), 0, 100000, script, txscript.SigHashAll, key, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx.TxIn[0].Witness = wit

	// Next block is 2: one block since confirmation.
	if _, err := s.Broadcast(ctx, tx); err == nil {
		t.Fatal("expected non-final rejection")
	}

	s.Mine(4) // tip 5, next block 6
	if _, err := s.Broadcast(ctx, tx); err != nil {
		t.Fatalf("Broadcast() after maturity error = %v", err)
	}
}

func TestSimnetBroadcastHook(t *testing.T) {
	s := NewSimnet()
	s.BroadcastHook = func(*wire.MsgTx) error { return errors.New("relay refused") }

	_, err := s.Broadcast(context.Background(), wire.NewMsgTx(2))
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Errorf("err = %v, want ErrBroadcastFailed", err)
	}
}

func TestWaitForConfirmation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewSimnet()
	key, _ := btcec.NewPrivateKey()
	script := p2wpkh(t, key)
	op := s.Fund(script, 50000)
	tx := spendTx(t, key, op, script, 50000, script, 300)
	txid, err := s.Broadcast(ctx, tx)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	go s.Run(ctx, 5*time.Millisecond)

	st, err := WaitForConfirmation(ctx, s, txid, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForConfirmation() error = %v", err)
	}
	if st.Confirmations < 2 {
		t.Errorf("confirmations = %d, want >= 2", st.Confirmations)
	}

	target := st.BlockHeight + 10
	if err := WaitForHeight(ctx, s, target, time.Millisecond); err != nil {
		t.Fatalf("WaitForHeight() error = %v", err)
	}
}

func TestWaitForConfirmationCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitForConfirmation(ctx, NewSimnet(), strings.Repeat("ab", 32), 1, time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestBtcToSats(t *testing.T) {
	tests := []struct {
		in   float64
		want uint64
	}{
		{0.00000001, 1},
		{0.1, 10000000},
		{1.23456789, 123456789},
		{21, 2100000000},
	}
	for _, tc := range tests {
		if got := btcToSats(tc.in); got != tc.want {
			t.Errorf("btcToSats(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
