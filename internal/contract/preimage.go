package contract

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/pkg/helpers"
)

// PreimageSize is the length of a swap secret.
const PreimageSize = 32

// NewPreimage generates a random swap secret and its SHA256 hash.
func NewPreimage() (preimage, hash []byte, err error) {
	preimage, err = helpers.GenerateSecureRandom(PreimageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	return preimage, HashPreimage(preimage), nil
}

// HashPreimage returns SHA256(preimage).
func HashPreimage(preimage []byte) []byte {
	h := sha256.Sum256(preimage)
	return h[:]
}

// VerifyPreimage checks SHA256(preimage) == hash in constant time.
func VerifyPreimage(preimage, hash []byte) bool {
	if len(preimage) != PreimageSize || len(hash) != sha256.Size {
		return false
	}
	return helpers.ConstantTimeCompare(HashPreimage(preimage), hash)
}

// ExtractPreimage returns the preimage a hashlock claim of op in tx reveals.
// The claim witness is [sig, preimage, 0x01, script]; a refund spending op
// carries no preimage.
func ExtractPreimage(tx *wire.MsgTx, op wire.OutPoint, hash []byte) ([]byte, bool) {
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint != op {
			continue
		}
		w := in.Witness
		if len(w) != 4 || !VerifyPreimage(w[1], hash) {
			return nil, false
		}
		return append([]byte(nil), w[1]...), true
	}
	return nil, false
}
