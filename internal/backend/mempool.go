package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	params     *chaincfg.Params
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string, params *chaincfg.Params) *MempoolBackend {
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &MempoolBackend{
		baseURL: baseURL,
		params:  params,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetUTXOs resolves each script to its address and lists the address UTXOs.
func (m *MempoolBackend) GetUTXOs(ctx context.Context, scripts [][]byte) ([]UTXO, error) {
	height, err := m.GetHeight(ctx)
	if err != nil {
		return nil, err
	}

	var utxos []UTXO
	for _, script := range scripts {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, m.params)
		if err != nil || len(addrs) != 1 {
			continue
		}

		var result []struct {
			TxID   string `json:"txid"`
			Vout   uint32 `json:"vout"`
			Status struct {
				Confirmed   bool   `json:"confirmed"`
				BlockHeight uint32 `json:"block_height"`
			} `json:"status"`
			Value uint64 `json:"value"`
		}
		if err := m.get(ctx, "/address/"+addrs[0].EncodeAddress()+"/utxo", &result); err != nil {
			if err == ErrOutputNotFound {
				continue
			}
			return nil, err
		}

		for _, u := range result {
			var confs uint32
			if u.Status.Confirmed && u.Status.BlockHeight > 0 && height >= u.Status.BlockHeight {
				confs = height - u.Status.BlockHeight + 1
			}
			utxos = append(utxos, UTXO{
				TxID:          u.TxID,
				Vout:          u.Vout,
				Amount:        u.Value,
				PkScript:      script,
				Confirmations: confs,
				BlockHeight:   u.Status.BlockHeight,
			})
		}
	}
	return utxos, nil
}

// Broadcast submits a raw transaction.
func (m *MempoolBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	rawHex, err := txHex(tx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/tx", strings.NewReader(rawHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetHeight returns the current block height.
func (m *MempoolBackend) GetHeight(ctx context.Context) (uint32, error) {
	var height uint32
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// EstimateFee returns the half-hour fee rate.
func (m *MempoolBackend) EstimateFee(ctx context.Context) (uint64, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return 0, err
	}
	return feeOrMinimum(result["halfHourFee"]), nil
}

// GetTxStatus returns the confirmation status of a transaction.
func (m *MempoolBackend) GetTxStatus(ctx context.Context, txid string) (*TxStatus, error) {
	var status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
	}
	if err := m.get(ctx, "/tx/"+txid+"/status", &status); err != nil {
		if err == ErrOutputNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	if !status.Confirmed {
		return &TxStatus{}, nil
	}

	height, err := m.GetHeight(ctx)
	if err != nil {
		return nil, err
	}
	st := &TxStatus{BlockHeight: status.BlockHeight}
	if height >= status.BlockHeight {
		st.Confirmations = height - status.BlockHeight + 1
	}
	return st, nil
}

// GetOutput returns an output and whether it has been spent.
func (m *MempoolBackend) GetOutput(ctx context.Context, op wire.OutPoint) (*Output, error) {
	var tx mempoolTx
	if err := m.get(ctx, "/tx/"+op.Hash.String(), &tx); err != nil {
		return nil, err
	}
	if int(op.Index) >= len(tx.Vout) {
		return nil, ErrOutputNotFound
	}
	vout := tx.Vout[op.Index]
	pkScript, err := hex.DecodeString(vout.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid scriptpubkey: %w", err)
	}

	var spend struct {
		Spent bool `json:"spent"`
	}
	if err := m.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.Hash, op.Index), &spend); err != nil {
		return nil, err
	}

	out := &Output{Value: vout.Value, PkScript: pkScript, Spent: spend.Spent}
	if tx.Status.Confirmed {
		out.Height = tx.Status.BlockHeight
	}
	return out, nil
}

// GetSpendingTx asks the outspend endpoint for the spender and fetches its
// raw transaction.
func (m *MempoolBackend) GetSpendingTx(ctx context.Context, op wire.OutPoint, fromHeight uint32) (*wire.MsgTx, error) {
	var spend struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	if err := m.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.Hash, op.Index), &spend); err != nil {
		if err == ErrOutputNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	if !spend.Spent || spend.TxID == "" {
		return nil, ErrTxNotFound
	}
	return m.getRawTx(ctx, spend.TxID)
}

// getRawTx fetches and decodes a transaction in hex.
func (m *MempoolBackend) getRawTx(ctx context.Context, txid string) (*wire.MsgTx, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/tx/"+txid+"/hex", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	return deserializeTx(raw)
}

// get performs a GET request and decodes JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrOutputNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// mempoolTx is the subset of the mempool.space transaction format we read.
type mempoolTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKey string `json:"scriptpubkey"`
		Value        uint64 `json:"value"`
	} `json:"vout"`
}

func feeOrMinimum(rate float64) uint64 {
	if rate < 1 {
		return 1
	}
	return uint64(rate)
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
