package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/coinswap/internal/registry"
)

// FidelityBondScript builds `<locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
// <pubkey> OP_CHECKSIG`. The locktime is absolute (block height or unix
// time) as for nLockTime.
func FidelityBondScript(pubKey []byte, lockTime uint32) ([]byte, error) {
	if len(pubKey) != 33 {
		return nil, fmt.Errorf("bond pubkey must be compressed")
	}
	if lockTime == 0 {
		return nil, fmt.Errorf("bond locktime must be positive")
	}
	return txscript.NewScriptBuilder().
		AddInt64(int64(lockTime)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(pubKey).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// FidelityBond derives the bond at m/84'/coin'/0'/2/index.
func (w *Wallet) FidelityBond(index, lockTime uint32) (registry.FidelityBond, error) {
	pub, err := w.PublicKey(ChangeFidelity, index)
	if err != nil {
		return registry.FidelityBond{}, err
	}
	script, err := FidelityBondScript(pub.SerializeCompressed(), lockTime)
	if err != nil {
		return registry.FidelityBond{}, err
	}
	return registry.FidelityBond{Index: index, LockTime: lockTime, RedeemScript: script}, nil
}
