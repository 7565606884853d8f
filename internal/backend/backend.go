// Package backend provides the blockchain data source consumed by the swap
// engine: UTXO lookup, broadcasting, chain height and fee estimation.
// This package is read-only for private keys - all signing happens elsewhere.
package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrOutputNotFound     = errors.New("output not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool  Type = "mempool"  // mempool.space API
	TypeEsplora  Type = "esplora"  // blockstream.info API
	TypeBitcoind Type = "bitcoind" // Bitcoin Core JSON-RPC
	TypeSimnet   Type = "simnet"   // in-process chain
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`
	PkScript      []byte `json:"pkscript"`
	Confirmations uint32 `json:"confirmations"`
	BlockHeight   uint32 `json:"block_height,omitempty"`
}

// OutPoint returns the outpoint of u.
func (u *UTXO) OutPoint() (wire.OutPoint, error) {
	h, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid %q: %w", u.TxID, err)
	}
	return wire.OutPoint{Hash: *h, Index: u.Vout}, nil
}

// Key returns "txid:vout".
func (u *UTXO) Key() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// Output is a transaction output as the chain sees it.
type Output struct {
	Value    uint64 `json:"value"`
	PkScript []byte `json:"pkscript"`
	// Height of the block that confirmed the output, 0 while unconfirmed.
	Height uint32 `json:"height"`
	Spent  bool   `json:"spent"`
}

// TxStatus reports where a transaction is.
type TxStatus struct {
	Confirmations uint32 `json:"confirmations"`
	BlockHeight   uint32 `json:"block_height,omitempty"`
}

// Backend defines the blockchain collaborator.
type Backend interface {
	// Type returns the backend type.
	Type() Type

	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// GetUTXOs returns unspent outputs paying to any of the locking scripts.
	GetUTXOs(ctx context.Context, scripts [][]byte) ([]UTXO, error)

	// Broadcast submits a signed transaction and returns its txid.
	// Rejections wrap ErrBroadcastFailed.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)

	// GetHeight returns the current tip height.
	GetHeight(ctx context.Context) (uint32, error)

	// EstimateFee returns a fee rate in sat/vB.
	EstimateFee(ctx context.Context) (uint64, error)

	// GetTxStatus returns ErrTxNotFound for unknown transactions and zero
	// confirmations for mempool ones.
	GetTxStatus(ctx context.Context, txid string) (*TxStatus, error)

	// GetOutput returns ErrOutputNotFound for unknown outputs.
	GetOutput(ctx context.Context, op wire.OutPoint) (*Output, error)

	// GetSpendingTx returns the transaction spending op, mempool included,
	// or ErrTxNotFound while op is unspent. fromHeight is the height the
	// output confirmed at; backends without a spender index scan from it.
	GetSpendingTx(ctx context.Context, op wire.OutPoint, fromHeight uint32) (*wire.MsgTx, error)
}

// Config contains backend configuration.
type Config struct {
	Type Type   `yaml:"type"`
	URL  string `yaml:"url"`

	// For bitcoind
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultURLs returns the public endpoints used when none is configured.
func DefaultURLs() map[string]string {
	return map[string]string{
		chaincfg.MainNetParams.Name:  "https://mempool.space/api",
		chaincfg.TestNet3Params.Name: "https://mempool.space/testnet/api",
		chaincfg.SigNetParams.Name:   "https://mempool.space/signet/api",
	}
}

// New creates a backend from configuration. Simnet backends are created with
// NewSimnet so tests and the daemon can share one chain.
func New(cfg *Config, params *chaincfg.Params) (Backend, error) {
	url := cfg.URL
	if url == "" && (cfg.Type == TypeMempool || cfg.Type == TypeEsplora) {
		url = DefaultURLs()[params.Name]
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool:
		b := NewMempoolBackend(url, params)
		b.httpClient.Timeout = timeout
		return b, nil
	case TypeEsplora:
		b := NewEsploraBackend(url, params)
		b.httpClient.Timeout = timeout
		return b, nil
	case TypeBitcoind:
		return NewBitcoindBackend(url, cfg.RPCUser, cfg.RPCPass), nil
	case TypeSimnet:
		return NewSimnet(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// WaitForConfirmation polls until txid has at least confs confirmations.
func WaitForConfirmation(ctx context.Context, b Backend, txid string, confs uint32, poll time.Duration) (*TxStatus, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st, err := b.GetTxStatus(ctx, txid)
		if err != nil && !errors.Is(err, ErrTxNotFound) {
			return nil, err
		}
		if err == nil && st.Confirmations >= confs {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForHeight polls until the tip reaches height.
func WaitForHeight(ctx context.Context, b Backend, height uint32, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		h, err := b.GetHeight(ctx)
		if err != nil {
			return err
		}
		if h >= height {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func txHex(tx *wire.MsgTx) (string, error) {
	buf, err := serializeTx(tx)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}
