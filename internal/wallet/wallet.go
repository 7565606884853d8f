// Package wallet provides the seed wallet: BIP39 mnemonics, BIP84 key
// derivation, funding transactions and fidelity bonds.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/coinswap/internal/registry"
	"github.com/klingon-exchange/coinswap/pkg/helpers"
)

// BIP84 purpose and the change branches used under the account.
const (
	Purpose = 84

	ChangeExternal uint32 = 0
	ChangeInternal uint32 = 1
	ChangeFidelity uint32 = 2
)

// Wallet manages keys derived from a BIP39 seed on m/84'/coin'/0'.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	account   *hdkeychain.ExtendedKey
	params    *chaincfg.Params
	coinType  uint32
	mu        sync.RWMutex

	// Cached derived keys by change/index
	cache map[registry.HDPath]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer helpers.SecureClear(seed)

	return NewFromSeed(seed, params)
}

// NewFromSeed creates a wallet from a raw seed. Mainnet uses coin type 0,
// every other network coin type 1.
func NewFromSeed(seed []byte, params *chaincfg.Params) (*Wallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	coinType := uint32(1)
	if params.Net == chaincfg.MainNetParams.Net {
		coinType = 0
	}

	// m/84'/coin'/0' (all hardened)
	account := masterKey
	for _, step := range []uint32{Purpose, coinType, 0} {
		account, err = account.Derive(hdkeychain.HardenedKeyStart + step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account: %w", err)
		}
	}

	return &Wallet{
		masterKey: masterKey,
		account:   account,
		params:    params,
		coinType:  coinType,
		cache:     make(map[registry.HDPath]*hdkeychain.ExtendedKey),
	}, nil
}

// Params returns the wallet's network parameters.
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}

// DerivationPath returns the full path string of a key.
func (w *Wallet) DerivationPath(change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/0'/%d/%d", Purpose, w.coinType, change, index)
}

// DeriveKey derives m/84'/coin'/0'/change/index.
func (w *Wallet) DeriveKey(change, index uint32) (*hdkeychain.ExtendedKey, error) {
	path := registry.HDPath{Change: change, Index: index}

	w.mu.RLock()
	key, ok := w.cache[path]
	w.mu.RUnlock()
	if ok {
		return key, nil
	}

	changeKey, err := w.account.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}
	key, err = changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}

	w.mu.Lock()
	w.cache[path] = key
	w.mu.Unlock()
	return key, nil
}

// PrivateKey derives the private key at change/index.
func (w *Wallet) PrivateKey(change, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(change, index)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// PublicKey derives the public key at change/index.
func (w *Wallet) PublicKey(change, index uint32) (*btcec.PublicKey, error) {
	key, err := w.DeriveKey(change, index)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pub, nil
}

// Address derives the P2WPKH address at change/index.
func (w *Wallet) Address(change, index uint32) (*btcutil.AddressWitnessPubKeyHash, error) {
	pub, err := w.PublicKey(change, index)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), w.params)
}

// PubKeyScript derives the P2WPKH locking script at change/index.
func (w *Wallet) PubKeyScript(change, index uint32) ([]byte, error) {
	addr, err := w.Address(change, index)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// ParseAddress decodes an address for the wallet's network into its
// locking script.
func (w *Wallet) ParseAddress(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, w.params)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	if !addr.IsForNet(w.params) {
		return nil, fmt.Errorf("address %s is not for %s", address, w.params.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// ClearCache clears the key cache.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[registry.HDPath]*hdkeychain.ExtendedKey)
}
