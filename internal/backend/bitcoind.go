package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// BitcoindBackend implements Backend against Bitcoin Core JSON-RPC. UTXO
// lookup uses scantxoutset, so no wallet needs to be loaded on the node.
type BitcoindBackend struct {
	host string
	user string
	pass string

	mu        sync.RWMutex
	client    *rpcclient.Client
	connected bool
}

// NewBitcoindBackend creates a backend for the node at url.
func NewBitcoindBackend(url, user, pass string) *BitcoindBackend {
	host := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	return &BitcoindBackend{
		host: strings.TrimSuffix(host, "/"),
		user: user,
		pass: pass,
	}
}

// Type returns TypeBitcoind.
func (b *BitcoindBackend) Type() Type {
	return TypeBitcoind
}

// Connect opens the RPC client and checks the node answers.
func (b *BitcoindBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         b.host,
		User:         b.user,
		Pass:         b.pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if _, err := client.GetBlockCount(); err != nil {
		client.Shutdown()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	b.client = client
	b.connected = true
	return nil
}

// Close shuts the RPC client down.
func (b *BitcoindBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.client.Shutdown()
		b.client = nil
	}
	b.connected = false
	return nil
}

func (b *BitcoindBackend) rpc() (*rpcclient.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

// scanTxOutResult is the scantxoutset reply. btcjson has no type for it.
type scanTxOutResult struct {
	Success  bool  `json:"success"`
	Height   int64 `json:"height"`
	Unspents []struct {
		TxID         string  `json:"txid"`
		Vout         uint32  `json:"vout"`
		ScriptPubKey string  `json:"scriptPubKey"`
		Amount       float64 `json:"amount"`
		Height       int64   `json:"height"`
	} `json:"unspents"`
}

// GetUTXOs scans the node's UTXO set for raw() descriptors of each script.
func (b *BitcoindBackend) GetUTXOs(ctx context.Context, scripts [][]byte) ([]UTXO, error) {
	client, err := b.rpc()
	if err != nil {
		return nil, err
	}
	if len(scripts) == 0 {
		return nil, nil
	}

	descs := make([]string, len(scripts))
	for i, s := range scripts {
		descs[i] = "raw(" + hex.EncodeToString(s) + ")"
	}
	descJSON, err := json.Marshal(descs)
	if err != nil {
		return nil, err
	}

	raw, err := client.RawRequest("scantxoutset", []json.RawMessage{
		json.RawMessage(`"start"`),
		descJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("scantxoutset failed: %w", err)
	}

	var res scanTxOutResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid scantxoutset reply: %w", err)
	}

	utxos := make([]UTXO, 0, len(res.Unspents))
	for _, u := range res.Unspents {
		pkScript, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid scriptPubKey: %w", err)
		}
		var confs uint32
		if u.Height > 0 && res.Height >= u.Height {
			confs = uint32(res.Height-u.Height) + 1
		}
		utxos = append(utxos, UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        btcToSats(u.Amount),
			PkScript:      pkScript,
			Confirmations: confs,
			BlockHeight:   uint32(u.Height),
		})
	}
	return utxos, nil
}

// Broadcast submits tx with sendrawtransaction.
func (b *BitcoindBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	client, err := b.rpc()
	if err != nil {
		return "", err
	}
	hash, err := client.SendRawTransaction(tx, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return hash.String(), nil
}

// GetHeight returns the block count.
func (b *BitcoindBackend) GetHeight(ctx context.Context) (uint32, error) {
	client, err := b.rpc()
	if err != nil {
		return 0, err
	}
	count, err := client.GetBlockCount()
	if err != nil {
		return 0, err
	}
	return uint32(count), nil
}

// EstimateFee converts estimatesmartfee's BTC/kvB answer to sat/vB.
func (b *BitcoindBackend) EstimateFee(ctx context.Context) (uint64, error) {
	client, err := b.rpc()
	if err != nil {
		return 0, err
	}
	mode := btcjson.EstimateModeConservative
	res, err := client.EstimateSmartFee(3, &mode)
	if err != nil {
		return 0, err
	}
	if res.FeeRate == nil {
		return 1, nil
	}
	return feeOrMinimum(*res.FeeRate * 1e8 / 1000), nil
}

// GetTxStatus reads the transaction through getrawtransaction, which needs
// txindex for confirmed transactions not touching the node's wallet.
func (b *BitcoindBackend) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	client, err := b.rpc()
	if err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	res, err := client.GetRawTransactionVerbose(hash)
	if err != nil {
		if isNoTxError(err) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	if res.Confirmations == 0 {
		return &TxStatus{}, nil
	}

	height, err := client.GetBlockCount()
	if err != nil {
		return nil, err
	}
	return &TxStatus{
		Confirmations: uint32(res.Confirmations),
		BlockHeight:   uint32(height) - uint32(res.Confirmations) + 1,
	}, nil
}

// GetOutput uses gettxout for unspent outputs and falls back to the
// transaction itself to tell spent outputs from unknown ones.
func (b *BitcoindBackend) GetOutput(ctx context.Context, op wire.OutPoint) (*Output, error) {
	client, err := b.rpc()
	if err != nil {
		return nil, err
	}

	out, err := client.GetTxOut(&op.Hash, op.Index, true)
	if err != nil {
		return nil, err
	}
	if out != nil {
		pkScript, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err != nil {
			return nil, fmt.Errorf("invalid scriptPubKey: %w", err)
		}
		res := &Output{Value: btcToSats(out.Value), PkScript: pkScript}
		if out.Confirmations > 0 {
			height, err := client.GetBlockCount()
			if err != nil {
				return nil, err
			}
			res.Height = uint32(height) - uint32(out.Confirmations) + 1
		}
		return res, nil
	}

	tx, err := client.GetRawTransactionVerbose(&op.Hash)
	if err != nil {
		if isNoTxError(err) {
			return nil, ErrOutputNotFound
		}
		return nil, err
	}
	if int(op.Index) >= len(tx.Vout) {
		return nil, ErrOutputNotFound
	}
	vout := tx.Vout[op.Index]
	pkScript, err := hex.DecodeString(vout.ScriptPubKey.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid scriptPubKey: %w", err)
	}
	return &Output{Value: btcToSats(vout.Value), PkScript: pkScript, Spent: true}, nil
}

// GetSpendingTx looks through the mempool and then the blocks from
// fromHeight to the tip. Bitcoin Core keeps no spender index.
func (b *BitcoindBackend) GetSpendingTx(ctx context.Context, op wire.OutPoint, fromHeight uint32) (*wire.MsgTx, error) {
	client, err := b.rpc()
	if err != nil {
		return nil, err
	}
	if out, err := client.GetTxOut(&op.Hash, op.Index, true); err != nil {
		return nil, err
	} else if out != nil {
		return nil, ErrTxNotFound
	}

	mempool, err := client.GetRawMempool()
	if err != nil {
		return nil, err
	}
	for _, h := range mempool {
		tx, err := client.GetRawTransaction(h)
		if err != nil {
			continue
		}
		if spends(tx.MsgTx(), op) {
			return tx.MsgTx(), nil
		}
	}

	tip, err := client.GetBlockCount()
	if err != nil {
		return nil, err
	}
	for height := int64(fromHeight); height <= tip; height++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash, err := client.GetBlockHash(height)
		if err != nil {
			return nil, err
		}
		block, err := client.GetBlock(hash)
		if err != nil {
			return nil, err
		}
		for _, tx := range block.Transactions {
			if spends(tx, op) {
				return tx, nil
			}
		}
	}
	return nil, ErrTxNotFound
}

func spends(tx *wire.MsgTx, op wire.OutPoint) bool {
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint == op {
			return true
		}
	}
	return false
}

func isNoTxError(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == btcjson.ErrRPCNoTxInfo
	}
	return strings.Contains(err.Error(), "No such mempool or blockchain transaction")
}

func btcToSats(amount float64) uint64 {
	return uint64(math.Round(amount * 1e8))
}

// Ensure BitcoindBackend implements Backend
var _ Backend = (*BitcoindBackend)(nil)
