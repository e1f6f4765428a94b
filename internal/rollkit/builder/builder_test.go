package builder

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/rollkit/rollkit-geth/internal/rollkit/attributes"
)

// fakeHeaders is a HeaderProvider backed by a fixed map, enough to resolve
// the single parent each test needs.
type fakeHeaders struct {
	byHash map[common.Hash]*types.Header
}

func (f fakeHeaders) GetHeaderByHash(hash common.Hash) *types.Header {
	return f.byHash[hash]
}

// fakeStates always opens a fresh empty trie, regardless of root; the
// builder tests care about transaction inclusion/skip behavior, not real
// account balances persisting across blocks.
type fakeStates struct{}

func (fakeStates) StateAt(root common.Hash) (*state.StateDB, error) {
	return state.New(types.EmptyRootHash, state.NewDatabaseForTesting())
}

// fakeEvm applies pre-execution changes as a no-op and "executes" a
// transaction by the trivial rule: it succeeds unless its nonce appears in
// failNonces, in which case it returns an error without touching statedb.
// This is enough to exercise the builder's skip-on-failure semantics
// without needing a real EVM interpreter in this package's tests.
type fakeEvm struct {
	chainConfig *params.ChainConfig
	failNonces  map[uint64]bool
}

func (f *fakeEvm) ChainConfig() *params.ChainConfig { return f.chainConfig }

func (f *fakeEvm) ApplyPreExecutionChanges(header *types.Header, statedb *state.StateDB) error {
	return nil
}

func (f *fakeEvm) ApplyTransaction(header *types.Header, statedb *state.StateDB, gasPool *core.GasPool, tx *types.Transaction, usedGas *uint64, txIndex int) (*types.Receipt, error) {
	if f.failNonces[tx.Nonce()] {
		return nil, errExecutionFailed
	}
	if err := gasPool.SubGas(tx.Gas()); err != nil {
		return nil, err
	}
	*usedGas += 21000
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           21000,
		CumulativeGasUsed: *usedGas,
		TransactionIndex:  uint(txIndex),
	}, nil
}

var errExecutionFailed = errors.New("execution reverted")

func newBuilder(t *testing.T, parent *types.Header, failNonces map[uint64]bool) (*Builder, types.Signer) {
	t.Helper()
	signer := types.NewEIP155Signer(big.NewInt(1))
	headers := fakeHeaders{byHash: map[common.Hash]*types.Header{parent.Hash(): parent}}
	evm := &fakeEvm{chainConfig: &params.ChainConfig{ChainID: big.NewInt(1)}, failNonces: failNonces}
	return New(headers, fakeStates{}, evm, signer), signer
}

// newSignedTx builds a signed legacy transaction with the given nonce,
// encodes it, and returns both the transaction and its 2718-envelope bytes
// so callers can feed it through attributes.TryNewBuilderAttributes exactly
// as the wire path does.
func newSignedTx(t *testing.T, signer types.Signer, nonce uint64) (*types.Transaction, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tx := types.NewTransaction(nonce, common.Address{0x42}, big.NewInt(0), 21000, big.NewInt(1), nil)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("signing tx: %v", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		t.Fatalf("marshalling tx: %v", err)
	}
	return signed, raw
}

func hexUint64(v uint64) hexutil.Uint64 { return hexutil.Uint64(v) }

func TestBuildGasLimitRequired(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	b, _ := newBuilder(t, parent, nil)

	attrs, err := attributes.TryNewBuilderAttributes(parent.Hash(), &attributes.PayloadAttributes{
		Timestamp:             1001,
		SuggestedFeeRecipient: common.Address{0x01},
	})
	if err != nil {
		t.Fatalf("building attributes: %v", err)
	}

	_, err = b.Build(context.Background(), attrs)
	if err != ErrGasLimitRequired {
		t.Fatalf("expected ErrGasLimitRequired, got %v", err)
	}
}

func TestBuildParentNotFound(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	b, _ := newBuilder(t, parent, nil)

	gasLimit := hexUint64(30_000_000)
	unknownParent := common.Hash{0xaa}
	attrs, err := attributes.TryNewBuilderAttributes(unknownParent, &attributes.PayloadAttributes{
		Timestamp:             1001,
		SuggestedFeeRecipient: common.Address{0x01},
		GasLimit:              &gasLimit,
	})
	if err != nil {
		t.Fatalf("building attributes: %v", err)
	}

	_, err = b.Build(context.Background(), attrs)
	if err != ErrParentHeaderNotFound {
		t.Fatalf("expected ErrParentHeaderNotFound, got %v", err)
	}
}

func TestBuildEmptyPayloadIsValid(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	b, _ := newBuilder(t, parent, nil)

	gasLimit := hexUint64(30_000_000)
	attrs, err := attributes.TryNewBuilderAttributes(parent.Hash(), &attributes.PayloadAttributes{
		Timestamp:             1012,
		SuggestedFeeRecipient: common.Address{0x01},
		GasLimit:              &gasLimit,
	})
	if err != nil {
		t.Fatalf("building attributes: %v", err)
	}

	payload, err := b.BuildEmpty(context.Background(), attrs)
	if err != nil {
		t.Fatalf("building empty payload: %v", err)
	}
	if len(payload.Block.Transactions()) != 0 {
		t.Fatalf("expected empty block, got %d transactions", len(payload.Block.Transactions()))
	}
	if payload.Block.NumberU64() != 2 {
		t.Fatalf("expected block number 2, got %d", payload.Block.NumberU64())
	}
	if payload.Block.Header().ParentBeaconRoot == nil || *payload.Block.Header().ParentBeaconRoot != (common.Hash{}) {
		t.Fatalf("expected all-zero beacon root, got %v", payload.Block.Header().ParentBeaconRoot)
	}
}

// TestBuildSkipsFailingTransaction: a transaction
// that fails execution is excluded from the built block, the remaining
// transactions keep their original order, and the build itself succeeds
// rather than aborting.
func TestBuildSkipsFailingTransaction(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	signer := types.NewEIP155Signer(big.NewInt(1))
	b, _ := newBuilder(t, parent, map[uint64]bool{1: true})

	okTx0, raw0 := newSignedTx(t, signer, 0)
	_, raw1 := newSignedTx(t, signer, 1) // nonce 1 is configured to fail execution
	okTx2, raw2 := newSignedTx(t, signer, 2)

	gasLimit := hexUint64(30_000_000)
	attrs, err := attributes.TryNewBuilderAttributes(parent.Hash(), &attributes.PayloadAttributes{
		Timestamp:             1012,
		SuggestedFeeRecipient: common.Address{0x01},
		GasLimit:              &gasLimit,
		Transactions:          []hexutil.Bytes{raw0, raw1, raw2},
	})
	if err != nil {
		t.Fatalf("building attributes: %v", err)
	}

	payload, err := b.Build(context.Background(), attrs)
	if err != nil {
		t.Fatalf("expected build to succeed despite one failing tx, got %v", err)
	}

	got := payload.Block.Transactions()
	if len(got) != 2 {
		t.Fatalf("expected 2 included transactions, got %d", len(got))
	}
	if got[0].Hash() != okTx0.Hash() || got[1].Hash() != okTx2.Hash() {
		t.Fatalf("expected included transactions to preserve original order, got %v", got)
	}
	if payload.Block.Header().GasUsed != 42000 {
		t.Fatalf("expected gas used 42000 for 2 included transactions, got %d", payload.Block.Header().GasUsed)
	}
	for i, receipt := range payload.Receipts {
		if want := uint64(21000 * (i + 1)); receipt.CumulativeGasUsed != want {
			t.Fatalf("receipt %d: expected cumulative gas %d, got %d", i, want, receipt.CumulativeGasUsed)
		}
		if receipt.TransactionIndex != uint(i) {
			t.Fatalf("receipt %d: expected transaction index %d, got %d", i, i, receipt.TransactionIndex)
		}
	}
}

// TestBuildDeterministic: building twice from the same parent state and
// transaction list yields byte-identical blocks.
func TestBuildDeterministic(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), Time: 1000}
	signer := types.NewEIP155Signer(big.NewInt(1))
	_, raw := newSignedTx(t, signer, 0)

	gasLimit := hexUint64(30_000_000)
	wire := &attributes.PayloadAttributes{
		Timestamp:             1012,
		SuggestedFeeRecipient: common.Address{0x01},
		GasLimit:              &gasLimit,
		Transactions:          []hexutil.Bytes{raw},
	}

	b1, _ := newBuilder(t, parent, nil)
	attrs1, err := attributes.TryNewBuilderAttributes(parent.Hash(), wire)
	if err != nil {
		t.Fatalf("building attributes: %v", err)
	}
	payload1, err := b1.Build(context.Background(), attrs1)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	b2, _ := newBuilder(t, parent, nil)
	attrs2, err := attributes.TryNewBuilderAttributes(parent.Hash(), wire)
	if err != nil {
		t.Fatalf("building attributes: %v", err)
	}
	payload2, err := b2.Build(context.Background(), attrs2)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if payload1.Block.Root() != payload2.Block.Root() {
		t.Fatalf("expected identical state roots, got %v vs %v", payload1.Block.Root(), payload2.Block.Root())
	}
	if payload1.Block.Header().ReceiptHash != payload2.Block.Header().ReceiptHash {
		t.Fatalf("expected identical receipts roots")
	}
	if payload1.Block.Header().GasUsed != payload2.Block.Header().GasUsed {
		t.Fatalf("expected identical gas used")
	}
}

// TestBuildChainVariableTxCounts drives ten consecutive builds with a
// varying transaction count per height (zero at height 4), checking each
// block links to its parent and accounts for at least the intrinsic gas
// of every included transaction.
func TestBuildChainVariableTxCounts(t *testing.T) {
	signer := types.NewEIP155Signer(big.NewInt(1))
	genesisTime := uint64(1_700_000_000)
	parent := &types.Header{Number: big.NewInt(0), Time: genesisTime}

	for h := uint64(1); h <= 10; h++ {
		txCount := int(h%5) + 1
		if h == 4 {
			txCount = 0
		}

		var raws []hexutil.Bytes
		for i := 0; i < txCount; i++ {
			_, raw := newSignedTx(t, signer, uint64(i))
			raws = append(raws, raw)
		}

		gasLimit := hexUint64(30_000_000)
		attrs, err := attributes.TryNewBuilderAttributes(parent.Hash(), &attributes.PayloadAttributes{
			Timestamp:             hexutil.Uint64(genesisTime + 12*h),
			SuggestedFeeRecipient: common.Address{0x01},
			GasLimit:              &gasLimit,
			Transactions:          raws,
		})
		if err != nil {
			t.Fatalf("height %d: building attributes: %v", h, err)
		}

		b, _ := newBuilder(t, parent, nil)
		payload, err := b.Build(context.Background(), attrs)
		if err != nil {
			t.Fatalf("height %d: build: %v", h, err)
		}

		block := payload.Block
		if block.NumberU64() != h {
			t.Fatalf("height %d: got block number %d", h, block.NumberU64())
		}
		if block.ParentHash() != parent.Hash() {
			t.Fatalf("height %d: block does not link to parent", h)
		}
		if want := uint64(21_000 * txCount); block.GasUsed() < want {
			t.Fatalf("height %d: gas used %d below intrinsic floor %d", h, block.GasUsed(), want)
		}

		parent = block.Header()
	}
}

func TestChooseBestPrefersStrictlyGreaterFees(t *testing.T) {
	low := &BuiltPayload{Fees: big.NewInt(10)}
	high := &BuiltPayload{Fees: big.NewInt(20)}
	tie := &BuiltPayload{Fees: big.NewInt(10)}

	if got := ChooseBest(high, low); got != high {
		t.Fatalf("expected higher-fee candidate to win")
	}
	if got := ChooseBest(tie, low); got != low {
		t.Fatalf("expected tie to preserve the earlier payload")
	}
	if got := ChooseBest(low, nil); got != low {
		t.Fatalf("expected any payload to beat a nil best")
	}
}
