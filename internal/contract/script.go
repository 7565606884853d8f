// Package contract builds and checks the scripts and transactions that lock
// every coinswap hop: the 2-of-2 swap multisig, the hashlock/timelock
// contract script and the transaction moving one into the other.
//
// Everything here is pure. Both parties of a hop run the same functions on
// the same negotiated values and must arrive at byte-identical results.
package contract

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/coinswap/pkg/helpers"
)

// ErrScriptConstruction is returned when a script cannot be built or parsed.
var ErrScriptConstruction = errors.New("script construction error")

// MaxLockTime is the largest relative locktime in blocks a CSV can encode.
const MaxLockTime = 0xFFFF

// ContractScript holds the parsed fields of a contract redeem script.
type ContractScript struct {
	Hash           []byte
	HashlockPubKey []byte
	TimelockPubKey []byte
	LockTime       uint32
}

// ValidatePubKey parses a 33-byte compressed public key.
func ValidatePubKey(pub []byte) (*btcec.PublicKey, error) {
	if len(pub) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: pubkey must be 33 bytes, got %d", ErrScriptConstruction, len(pub))
	}
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pubkey: %v", ErrScriptConstruction, err)
	}
	return key, nil
}

// BuildRedeemScript builds the contract script:
//
//	OP_IF
//	    OP_SHA256 <hash> OP_EQUALVERIFY <hashlock_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <locktime> OP_CHECKSEQUENCEVERIFY OP_DROP <timelock_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// The hashlock key belongs to the hop's receiver, the timelock key to its funder.
func BuildRedeemScript(hashlockPub, timelockPub, hash []byte, lockTime uint32) ([]byte, error) {
	if _, err := ValidatePubKey(hashlockPub); err != nil {
		return nil, fmt.Errorf("hashlock key: %w", err)
	}
	if _, err := ValidatePubKey(timelockPub); err != nil {
		return nil, fmt.Errorf("timelock key: %w", err)
	}
	if bytes.Equal(hashlockPub, timelockPub) {
		return nil, fmt.Errorf("%w: hashlock and timelock keys are identical", ErrScriptConstruction)
	}
	if len(hash) != sha256.Size {
		return nil, fmt.Errorf("%w: hash must be 32 bytes, got %d", ErrScriptConstruction, len(hash))
	}
	if lockTime == 0 || lockTime > MaxLockTime {
		return nil, fmt.Errorf("%w: locktime %d outside 1..%d", ErrScriptConstruction, lockTime, MaxLockTime)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(hashlockPub)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(lockTime))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(timelockPub)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
	}
	return script, nil
}

// ParseRedeemScript is the inverse of BuildRedeemScript.
func ParseRedeemScript(script []byte) (*ContractScript, error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	var cs ContractScript

	expect := func(op byte, what string) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrScriptConstruction, what)
		}
		return nil
	}
	data := func(size int, what string) ([]byte, error) {
		if !tok.Next() || len(tok.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrScriptConstruction, size, what)
		}
		return tok.Data(), nil
	}

	var err error
	if err = expect(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}
	if cs.Hash, err = data(sha256.Size, "hash"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if cs.HashlockPubKey, err = data(btcec.PubKeyBytesLenCompressed, "hashlock pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	if !tok.Next() {
		return nil, fmt.Errorf("%w: expected locktime", ErrScriptConstruction)
	}
	if op := tok.Opcode(); txscript.IsSmallInt(op) {
		cs.LockTime = uint32(txscript.AsSmallInt(op))
	} else {
		push := tok.Data()
		if len(push) == 0 || len(push) > 3 {
			return nil, fmt.Errorf("%w: invalid locktime push", ErrScriptConstruction)
		}
		for i, b := range push {
			cs.LockTime |= uint32(b) << (8 * i)
		}
	}

	if err = expect(txscript.OP_CHECKSEQUENCEVERIFY, "OP_CHECKSEQUENCEVERIFY"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if cs.TimelockPubKey, err = data(btcec.PubKeyBytesLenCompressed, "timelock pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if tok.Next() {
		return nil, fmt.Errorf("%w: trailing data after OP_ENDIF", ErrScriptConstruction)
	}
	if tok.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, tok.Err())
	}

	// Reject scripts that parse but were not built canonically.
	rebuilt, err := BuildRedeemScript(cs.HashlockPubKey, cs.TimelockPubKey, cs.Hash, cs.LockTime)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(rebuilt, script) {
		return nil, fmt.Errorf("%w: non-canonical contract script", ErrScriptConstruction)
	}
	return &cs, nil
}

// sortPubKeys orders two pubkeys lexicographically.
func sortPubKeys(a, b []byte) ([]byte, []byte) {
	if helpers.CompareBytes(a, b) > 0 {
		return b, a
	}
	return a, b
}

// BuildMultisigScript builds the 2-of-2 swap multisig over the hop's two
// keys. Keys are sorted so both parties produce the same script.
func BuildMultisigScript(pubA, pubB []byte) ([]byte, error) {
	if _, err := ValidatePubKey(pubA); err != nil {
		return nil, err
	}
	if _, err := ValidatePubKey(pubB); err != nil {
		return nil, err
	}
	if bytes.Equal(pubA, pubB) {
		return nil, fmt.Errorf("%w: multisig keys are identical", ErrScriptConstruction)
	}

	lo, hi := sortPubKeys(pubA, pubB)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(lo)
	builder.AddData(hi)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptConstruction, err)
	}
	return script, nil
}

// ParseMultisigScript returns the two keys of a swap multisig in script order.
func ParseMultisigScript(script []byte) ([]byte, []byte, error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	var keys [][]byte

	if !tok.Next() || tok.Opcode() != txscript.OP_2 {
		return nil, nil, fmt.Errorf("%w: expected OP_2", ErrScriptConstruction)
	}
	for i := 0; i < 2; i++ {
		if !tok.Next() || len(tok.Data()) != btcec.PubKeyBytesLenCompressed {
			return nil, nil, fmt.Errorf("%w: expected pubkey %d", ErrScriptConstruction, i)
		}
		keys = append(keys, tok.Data())
	}
	if !tok.Next() || tok.Opcode() != txscript.OP_2 {
		return nil, nil, fmt.Errorf("%w: expected OP_2", ErrScriptConstruction)
	}
	if !tok.Next() || tok.Opcode() != txscript.OP_CHECKMULTISIG {
		return nil, nil, fmt.Errorf("%w: expected OP_CHECKMULTISIG", ErrScriptConstruction)
	}
	if tok.Next() {
		return nil, nil, fmt.Errorf("%w: trailing data", ErrScriptConstruction)
	}
	if helpers.CompareBytes(keys[0], keys[1]) >= 0 {
		return nil, nil, fmt.Errorf("%w: multisig keys not sorted", ErrScriptConstruction)
	}
	return keys[0], keys[1], nil
}

// FundingScriptHash wraps a witness script into its P2WSH locking script:
// OP_0 <sha256(script)>.
func FundingScriptHash(script []byte) []byte {
	h := sha256.Sum256(script)
	// Builder errors are impossible for a fixed 32-byte push.
	pkScript, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
	return pkScript
}

// Address returns the P2WSH address of a witness script.
func Address(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	h := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(h[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr, nil
}
