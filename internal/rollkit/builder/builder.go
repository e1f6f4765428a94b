// Package builder implements the Rollkit payload builder: deterministic
// construction of a sealed block from a caller-ordered transaction list
// against the parent state, honoring a caller-supplied gas limit. A
// transaction that fails to execute is skipped, not fatal; the sequencer
// is authoritative over ordering and a single bad transaction must not
// stall block production.
package builder

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/rollkit/rollkit-geth/internal/rollkit/attributes"
)

// Errors returned by Build. Parent-not-found, missing-gas-limit, and
// host build failures are fatal for the call; per-transaction failures
// are not (they are skipped and logged, see executeTransactions).
var (
	ErrGasLimitRequired     = errors.New("gas limit is required")
	ErrParentHeaderNotFound = errors.New("parent header not found")
)

// BuildError wraps a failure from the host's state/EVM machinery while
// applying pre-execution changes or during block finalization.
type BuildError struct{ Inner error }

func (e *BuildError) Error() string { return fmt.Sprintf("build failed: %v", e.Inner) }
func (e *BuildError) Unwrap() error { return e.Inner }

// HeaderProvider resolves a sealed header by hash, narrowing the host's
// much larger chain-reader surface to exactly what the builder needs.
type HeaderProvider interface {
	GetHeaderByHash(hash common.Hash) *types.Header
}

// StateProviderFactory opens a state database rooted at a given header.
type StateProviderFactory interface {
	StateAt(root common.Hash) (*state.StateDB, error)
}

// EvmConfig supplies everything the builder needs to run the EVM for one
// block: applying the fork's pre-execution system changes (the EIP-4788
// beacon-root contract write, in current forks) and executing a single
// transaction against open state.
type EvmConfig interface {
	ChainConfig() *params.ChainConfig
	ApplyPreExecutionChanges(header *types.Header, statedb *state.StateDB) error
	// ApplyTransaction executes tx against statedb under header's block
	// context, deducting gas from gasPool, and returns the receipt for a
	// successful execution or an error for a failed one. usedGas is the
	// block-level gas accumulator shared by every transaction in the
	// block; the receipt's CumulativeGasUsed is read from it after
	// execution, so the caller must pass the same pointer for the whole
	// block. txIndex is tx's position among the block's included
	// transactions, used to set the state's transaction context before
	// execution. A returned error never leaves statedb partially mutated
	// in a way the caller must unwind; implementations revert statedb and
	// gasPool to their state before the call.
	ApplyTransaction(header *types.Header, statedb *state.StateDB, gasPool *core.GasPool, tx *types.Transaction, usedGas *uint64, txIndex int) (*types.Receipt, error)
}

// BuiltPayload is the result of a successful build: a sealed block plus
// the accumulated fees, used by the host to decide whether this build
// supersedes a previous attempt for the same payload id.
type BuiltPayload struct {
	ID       attributes.PayloadID
	Block    *types.Block
	Receipts types.Receipts
	Fees     *big.Int
}

// Builder builds Rollkit payloads. It holds no mutable state across
// calls beyond references into the host's providers and EVM config.
type Builder struct {
	headers HeaderProvider
	states  StateProviderFactory
	evm     EvmConfig
	signer  types.Signer
}

// New constructs a Builder backed by the given host collaborators.
func New(headers HeaderProvider, states StateProviderFactory, evm EvmConfig, signer types.Signer) *Builder {
	return &Builder{headers: headers, states: states, evm: evm, signer: signer}
}

// Build executes the Rollkit payload-building algorithm: resolve parent,
// open state, build the block environment, apply pre-execution changes,
// execute transactions in caller order skipping failures, then finalize.
// ctx is checked for cancellation between transactions only (never
// mid-transaction); a canceled build returns an error and produces no
// sealed block — the partial bundle is discarded rather than finalized,
// since a half-committed block must never reach disk.
func (b *Builder) Build(ctx context.Context, attrs *attributes.BuilderAttributes) (*BuiltPayload, error) {
	if attrs.GasLimit() == nil || *attrs.GasLimit() == 0 {
		return nil, ErrGasLimitRequired
	}

	// 1. Resolve parent.
	parent := b.headers.GetHeaderByHash(attrs.ParentHash())
	if parent == nil {
		return nil, ErrParentHeaderNotFound
	}

	// 2. Open state.
	statedb, err := b.states.StateAt(parent.Root)
	if err != nil {
		return nil, fmt.Errorf("opening parent state: %w", err)
	}

	// 3. Build block environment. Rollkit has no beacon chain, so the
	// parent-beacon-block-root header field is all-zero unless the
	// attributes supply one.
	header := &types.Header{
		ParentHash:       parent.Hash(),
		Number:           new(big.Int).Add(parent.Number, big.NewInt(1)),
		GasLimit:         *attrs.GasLimit(),
		Time:             attrs.Timestamp(),
		Coinbase:         attrs.SuggestedFeeRecipient(),
		MixDigest:        attrs.PrevRandao(),
		Difficulty:       new(big.Int),
		ParentBeaconRoot: parentBeaconRoot(attrs.ParentBeaconBlockRoot()),
	}
	if cfg := b.evm.ChainConfig(); cfg.IsLondon(header.Number) {
		header.BaseFee = eip1559.CalcBaseFee(cfg, parent)
	}

	// 4. Pre-execution changes (e.g. the beacon-root contract write).
	if err := b.evm.ApplyPreExecutionChanges(header, statedb); err != nil {
		return nil, &BuildError{Inner: fmt.Errorf("applying pre-execution changes: %w", err)}
	}

	// 5. Execute transactions in order, skipping failures.
	included, receipts, gasUsed, err := b.executeTransactions(ctx, header, statedb, attrs.Transactions())
	if err != nil {
		return nil, err
	}
	header.GasUsed = gasUsed

	// 6. Finalize: compute state root, receipts root, logs bloom, seal.
	block, err := b.finalize(header, statedb, included, receipts, attrs.Withdrawals())
	if err != nil {
		return nil, &BuildError{Inner: err}
	}

	return &BuiltPayload{
		ID:       attrs.PayloadID(),
		Block:    block,
		Receipts: receipts,
		Fees:     totalFees(header, included, receipts),
	}, nil
}

// BuildEmpty is the entry point for build_empty_payload. It calls Build
// with attrs unchanged and does not clear attrs' transaction list: the
// block is empty only when attrs.Transactions() is empty, in which case
// executeTransactions's loop is a no-op.
func (b *Builder) BuildEmpty(ctx context.Context, attrs *attributes.BuilderAttributes) (*BuiltPayload, error) {
	return b.Build(ctx, attrs)
}

func parentBeaconRoot(r *common.Hash) *common.Hash {
	if r != nil {
		return r
	}
	zero := common.Hash{}
	return &zero
}

// executeTransactions applies txs to statedb in order. A transaction
// whose sender cannot be recovered, or which fails execution, is logged
// and skipped rather than aborting the block.
func (b *Builder) executeTransactions(ctx context.Context, header *types.Header, statedb *state.StateDB, txs types.Transactions) (types.Transactions, types.Receipts, uint64, error) {
	var (
		included types.Transactions
		receipts types.Receipts
	)
	gasPool := new(core.GasPool).AddGas(header.GasLimit)
	// One accumulator for the whole block: each receipt's
	// CumulativeGasUsed is the running total at the time it executes.
	usedGas := new(uint64)

	for i, tx := range txs {
		select {
		case <-ctx.Done():
			log.Warn("build canceled between transactions, discarding partial bundle",
				"included", len(included), "remaining", len(txs)-i)
			return nil, nil, 0, ctx.Err()
		default:
		}

		if _, err := types.Sender(b.signer, tx); err != nil {
			log.Warn("skipping transaction with unrecoverable sender", "index", i, "hash", tx.Hash(), "err", err)
			continue
		}

		receipt, err := b.evm.ApplyTransaction(header, statedb, gasPool, tx, usedGas, len(included))
		if err != nil {
			log.Warn("skipping transaction that failed execution", "index", i, "hash", tx.Hash(), "err", err)
			continue
		}

		included = append(included, tx)
		receipts = append(receipts, receipt)
	}

	return included, receipts, *usedGas, nil
}

func (b *Builder) finalize(header *types.Header, statedb *state.StateDB, txs types.Transactions, receipts types.Receipts, withdrawals []*types.Withdrawal) (*types.Block, error) {
	root, err := statedb.Commit(header.Number.Uint64(), true, false)
	if err != nil {
		return nil, fmt.Errorf("committing post-execution state: %w", err)
	}
	header.Root = root

	// NewBlock derives the transactions root, receipts root, and logs
	// bloom from the body and receipts, then seals the header hash.
	body := &types.Body{Transactions: txs, Withdrawals: withdrawals}
	block := types.NewBlock(header, body, receipts, trie.NewStackTrie(nil))
	return block, nil
}

// totalFees sums the priority fees the included transactions pay to the
// fee recipient, the quantity the choose-best-payload comparison ranks
// candidate builds by.
func totalFees(header *types.Header, txs types.Transactions, receipts types.Receipts) *big.Int {
	fees := new(big.Int)
	for i, tx := range txs {
		tip := tx.EffectiveGasTipValue(header.BaseFee)
		fees.Add(fees, new(big.Int).Mul(new(big.Int).SetUint64(receipts[i].GasUsed), tip))
	}
	return fees
}

// ChooseBest decides whether candidate supersedes best: the rollkit
// builder returns candidate only if its accumulated fees are strictly
// greater, preserving the earlier payload on ties so repeated rebuilds
// of the same attributes are idempotent.
func ChooseBest(candidate, best *BuiltPayload) *BuiltPayload {
	if best == nil || candidate.Fees.Cmp(best.Fees) > 0 {
		return candidate
	}
	return best
}
