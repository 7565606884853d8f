package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/internal/wallet"
	"github.com/klingon-exchange/coinswap/pkg/helpers"
)

// parseAmount returns sats, or btc converted to satoshis when set.
func parseAmount(sats uint64, btc string) (uint64, error) {
	if btc == "" {
		return sats, nil
	}
	if sats != 0 {
		return 0, invalidParams("amount and amount_btc are exclusive")
	}
	v, err := helpers.BTCToSatoshis(btc)
	if err != nil {
		return 0, invalidParams("amount_btc: %v", err)
	}
	return v, nil
}

var errNoWallet = errors.New("wallet service not initialized")

// WalletStatusResult is the result of wallet_status.
type WalletStatusResult struct {
	HasWallet bool `json:"has_wallet"`
	Unlocked  bool `json:"unlocked"`
}

func (s *Server) walletStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	return &WalletStatusResult{
		HasWallet: s.deps.Wallet.HasWallet(),
		Unlocked:  s.deps.Wallet.IsUnlocked(),
	}, nil
}

func (s *Server) walletGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	return map[string]string{"mnemonic": mnemonic}, nil
}

// WalletValidateParams are the params of wallet_validateMnemonic.
type WalletValidateParams struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletValidateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletValidateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"valid": wallet.ValidateMnemonic(p.Mnemonic)}, nil
}

// WalletCreateParams are the params of wallet_create.
type WalletCreateParams struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase,omitempty"`
	Password   string `json:"password"`
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	var p WalletCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Mnemonic == "" {
		return nil, invalidParams("mnemonic is required")
	}
	if !wallet.ValidateMnemonic(p.Mnemonic) {
		return nil, invalidParams("invalid mnemonic")
	}
	if err := wallet.ValidatePassword(p.Password); err != nil {
		return nil, invalidParams("%v", err)
	}
	if s.deps.Wallet.HasWallet() {
		return nil, fmt.Errorf("wallet already exists")
	}
	if err := s.deps.Wallet.CreateWallet(p.Mnemonic, p.Passphrase, p.Password); err != nil {
		return nil, err
	}
	s.log.Info("Wallet created via RPC")
	return map[string]interface{}{"success": true, "message": "wallet created and unlocked"}, nil
}

// WalletUnlockParams are the params of wallet_unlock.
type WalletUnlockParams struct {
	Password   string `json:"password"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (s *Server) walletUnlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	var p WalletUnlockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, invalidParams("password is required")
	}
	if err := s.deps.Wallet.LoadWallet(p.Password, p.Passphrase); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "message": "wallet unlocked"}, nil
}

func (s *Server) walletLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	s.deps.Wallet.Lock()
	return map[string]interface{}{"success": true, "message": "wallet locked"}, nil
}

// WalletAddressParams are the params of wallet_getAddress.
type WalletAddressParams struct {
	Change bool `json:"change"`
}

// WalletAddressResult is the result of wallet_getAddress.
type WalletAddressResult struct {
	Address  string `json:"address"`
	PkScript string `json:"pkscript"`
}

func (s *Server) walletGetAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	var p WalletAddressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	var change uint32
	if p.Change {
		change = 1
	}
	addr, script, err := s.deps.Wallet.NewAddress(change)
	if err != nil {
		return nil, err
	}
	return &WalletAddressResult{Address: addr, PkScript: hex.EncodeToString(script)}, nil
}

func (s *Server) walletSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	found, err := s.deps.Wallet.Sync(ctx)
	if err != nil {
		return nil, err
	}
	coins, unknown := 0, 0
	for _, c := range found {
		if c.Info.Tag == registry.TagUnknown {
			unknown++
			continue
		}
		coins++
	}
	return map[string]interface{}{
		"coins":           coins,
		"unknown_outputs": unknown,
		"balances":        s.deps.Wallet.Balances(),
	}, nil
}

// WalletBalanceResult is the result of wallet_getBalance.
type WalletBalanceResult struct {
	registry.Balances
	SpendableBTC string `json:"spendable_btc"`
	TotalBTC     string `json:"total_btc"`
}

func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	b := s.deps.Wallet.Balances()
	return &WalletBalanceResult{
		Balances:     b,
		SpendableBTC: helpers.SatoshisToBTC(b.Spendable),
		TotalBTC:     helpers.SatoshisToBTC(b.Seed + b.Swap + b.Contract + b.Fidelity),
	}, nil
}

// WalletListCoinsParams are the params of wallet_listCoins.
type WalletListCoinsParams struct {
	Display string `json:"display"`
}

func (s *Server) walletListCoins(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	p := WalletListCoinsParams{Display: string(registry.DisplayAll)}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	coins, err := s.deps.Wallet.ListCoins(p.Display)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if coins == nil {
		coins = []registry.Coin{}
	}
	return map[string]interface{}{"coins": coins, "count": len(coins)}, nil
}

// WalletSendParams are the params of wallet_send. The amount is given in
// satoshis or as a BTC decimal string.
type WalletSendParams struct {
	Address   string `json:"address"`
	Amount    uint64 `json:"amount"`
	AmountBTC string `json:"amount_btc,omitempty"`
}

func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	var p WalletSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.Amount, p.AmountBTC)
	if err != nil {
		return nil, err
	}
	p.Amount = amount
	if p.Address == "" || p.Amount == 0 {
		return nil, invalidParams("address and amount are required")
	}
	txid, err := s.deps.Wallet.Send(ctx, p.Address, p.Amount)
	if err != nil {
		return nil, err
	}
	return map[string]string{"txid": txid}, nil
}

// WalletBondParams are the params of wallet_createFidelityBond.
type WalletBondParams struct {
	Amount   uint64 `json:"amount"`
	LockTime uint32 `json:"locktime"`
}

// WalletBondResult is the result of wallet_createFidelityBond.
type WalletBondResult struct {
	TxID         string `json:"txid"`
	Index        uint32 `json:"index"`
	LockTime     uint32 `json:"locktime"`
	RedeemScript string `json:"redeem_script"`
}

func (s *Server) walletCreateFidelityBond(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Wallet == nil {
		return nil, errNoWallet
	}
	var p WalletBondParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Amount == 0 || p.LockTime == 0 {
		return nil, invalidParams("amount and locktime are required")
	}
	bond, txid, err := s.deps.Wallet.CreateFidelityBond(ctx, p.Amount, p.LockTime)
	if err != nil {
		return nil, err
	}
	return &WalletBondResult{
		TxID:         txid,
		Index:        bond.Index,
		LockTime:     bond.LockTime,
		RedeemScript: hex.EncodeToString(bond.RedeemScript),
	}, nil
}
