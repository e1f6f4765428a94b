package txpool

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// API implements the txpoolExt namespace: a single method, getTxs, that
// returns a byte-bounded slice of the pending pool ordered for Rollkit
// consumption. It is merged into every enabled RPC transport (HTTP,
// WebSocket) alongside the host's standard namespaces.
type API struct {
	selector *Selector
	maxBytes uint64
}

// NewAPI constructs the txpoolExt API, capping every getTxs call at
// maxBytes of total encoded transaction size.
func NewAPI(selector *Selector, maxBytes uint64) *API {
	return &API{selector: selector, maxBytes: maxBytes}
}

// GetTxs returns the ordered, byte-bounded transaction slice as hex-encoded
// 2718 envelopes, the ["0x<rlp>", ...] wire shape the sequencer consumes.
func (a *API) GetTxs(ctx context.Context) ([]hexutil.Bytes, error) {
	return a.selector.Select(a.maxBytes)
}
