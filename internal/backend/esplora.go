package backend

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// The Esplora API is very similar to mempool.space, so we extend MempoolBackend.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, params *chaincfg.Params) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL, params),
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// EstimateFee returns the 3-block fee rate. Esplora keys estimates by
// confirmation target instead of mempool.space's named buckets.
func (e *EsploraBackend) EstimateFee(ctx context.Context) (uint64, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return 0, err
	}
	return feeOrMinimum(result["3"]), nil
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
