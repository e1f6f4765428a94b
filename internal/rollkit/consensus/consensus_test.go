package consensus

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethconsensus "github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/rpc"
)

// fakeEngine is a minimal consensus.Engine stand-in whose VerifyHeader
// returns the configured verifyErr (nil by default) for every header,
// whatever its Time; it exists only to
// exercise Consensus's own parent-timestamp relaxation logic in isolation
// from the real beacon engine's other checks.
type fakeEngine struct {
	verifyErr error
}

func (f *fakeEngine) Author(h *types.Header) (common.Address, error) { return common.Address{}, nil }
func (f *fakeEngine) VerifyHeader(chain gethconsensus.ChainHeaderReader, header *types.Header) error {
	return f.verifyErr
}
func (f *fakeEngine) VerifyUncles(chain gethconsensus.ChainReader, block *types.Block) error {
	return nil
}
func (f *fakeEngine) Prepare(chain gethconsensus.ChainHeaderReader, header *types.Header) error {
	return nil
}
func (f *fakeEngine) Finalize(chain gethconsensus.ChainHeaderReader, header *types.Header, st vm.StateDB, body *types.Body) {
}
func (f *fakeEngine) FinalizeAndAssemble(chain gethconsensus.ChainHeaderReader, header *types.Header, statedb *state.StateDB, body *types.Body, receipts []*types.Receipt) (*types.Block, error) {
	return nil, nil
}
func (f *fakeEngine) VerifyHeaders(chain gethconsensus.ChainHeaderReader, headers []*types.Header) (chan<- struct{}, <-chan error) {
	abort := make(chan struct{})
	errs := make(chan error, len(headers))
	for range headers {
		errs <- f.verifyErr
	}
	return abort, errs
}
func (f *fakeEngine) Seal(chain gethconsensus.ChainHeaderReader, block *types.Block, results chan<- *types.Block, stop <-chan struct{}) error {
	return nil
}
func (f *fakeEngine) SealHash(header *types.Header) common.Hash { return common.Hash{} }
func (f *fakeEngine) CalcDifficulty(chain gethconsensus.ChainHeaderReader, time uint64, parent *types.Header) *big.Int {
	return big.NewInt(0)
}
func (f *fakeEngine) APIs(chain gethconsensus.ChainHeaderReader) []rpc.API { return nil }
func (f *fakeEngine) Close() error                                         { return nil }

func TestVerifyHeaderAcceptsEqualTimestamp(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	header := &types.Header{Number: big.NewInt(2), ParentHash: parent.Hash(), Time: 1000}

	c := &Consensus{inner: &fakeEngine{}}
	err := c.validateHeaderAndParent(fakeChainReader{parent: parent}, header, parent)
	if err != nil {
		t.Fatalf("expected equal timestamps to be accepted, got %v", err)
	}
}

func TestVerifyHeaderRejectsPastTimestamp(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	header := &types.Header{Number: big.NewInt(2), ParentHash: parent.Hash(), Time: 999}

	c := &Consensus{inner: &fakeEngine{}}
	err := c.validateHeaderAndParent(fakeChainReader{parent: parent}, header, parent)
	if !errors.Is(err, ErrTimestampInPast) {
		t.Fatalf("expected ErrTimestampInPast, got %v", err)
	}
}

func TestVerifyHeaderAcceptsIncreasingTimestamp(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	header := &types.Header{Number: big.NewInt(2), ParentHash: parent.Hash(), Time: 1012}

	c := &Consensus{inner: &fakeEngine{}}
	err := c.validateHeaderAndParent(fakeChainReader{parent: parent}, header, parent)
	if err != nil {
		t.Fatalf("expected increasing timestamp to be accepted, got %v", err)
	}
}

func TestVerifyHeaderRejectsParentHashMismatch(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	header := &types.Header{Number: big.NewInt(2), ParentHash: common.Hash{0xff}, Time: 1000}

	c := &Consensus{inner: &fakeEngine{}}
	err := c.validateHeaderAndParent(fakeChainReader{parent: parent}, header, parent)
	if !errors.Is(err, gethconsensus.ErrUnknownAncestor) {
		t.Fatalf("expected ErrUnknownAncestor, got %v", err)
	}
}

func TestVerifyHeaderRejectsNumberDiscontinuity(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	header := &types.Header{Number: big.NewInt(3), ParentHash: parent.Hash(), Time: 1000}

	c := &Consensus{inner: &fakeEngine{}}
	err := c.validateHeaderAndParent(fakeChainReader{parent: parent}, header, parent)
	if !errors.Is(err, errInvalidNumber) {
		t.Fatalf("expected errInvalidNumber, got %v", err)
	}
}

func TestVerifyHeaderPropagatesInnerErrorOnIncreasingTimestamp(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	header := &types.Header{Number: big.NewInt(2), ParentHash: parent.Hash(), Time: 1012}

	wantErr := errors.New("gas limit out of bounds")
	c := &Consensus{inner: &fakeEngine{verifyErr: wantErr}}
	err := c.validateHeaderAndParent(fakeChainReader{parent: parent}, header, parent)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected inner error to propagate, got %v", err)
	}
}

// fakeChainReader supplies just enough of consensus.ChainHeaderReader for
// these tests; only GetHeader is exercised by VerifyHeader.
type fakeChainReader struct {
	gethconsensus.ChainHeaderReader
	parent *types.Header
}

func (f fakeChainReader) GetHeader(hash common.Hash, number uint64) *types.Header {
	return f.parent
}
