// Package consensus wraps the host's standard Ethereum beacon consensus
// engine and relaxes the parent-timestamp rule from strictly-increasing to
// non-decreasing, which Rollkit requires because the sequencer may emit
// consecutive blocks carrying the same timestamp.
package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrTimestampInPast is returned when a child header's timestamp is
// strictly less than its parent's. Equal timestamps are accepted.
var ErrTimestampInPast = errors.New("timestamp in past")

// Consensus delegates everything to an inner host consensus engine except
// the parent-timestamp check, which it relaxes to allow equality.
type Consensus struct {
	inner consensus.Engine
}

// New wraps inner, the host's standard beacon consensus engine (or
// anything satisfying consensus.Engine), with Rollkit's relaxed
// parent-timestamp policy.
func New(inner consensus.Engine) *Consensus {
	return &Consensus{inner: inner}
}

// Author returns the address that sealed the block; delegated unchanged.
func (c *Consensus) Author(header *types.Header) (common.Address, error) {
	return c.inner.Author(header)
}

// VerifyHeader checks that header conforms to Ethereum consensus rules,
// with the parent-timestamp equality relaxation applied against header's
// parent as read from chain. All other checks delegate verbatim to the
// inner engine.
func (c *Consensus) VerifyHeader(chain consensus.ChainHeaderReader, header *types.Header) error {
	parent := chain.GetHeader(header.ParentHash, header.Number.Uint64()-1)
	if parent == nil {
		return consensus.ErrUnknownAncestor
	}
	return c.validateHeaderAndParent(chain, header, parent)
}

// validateHeaderAndParent: the cheap structural checks (parent linkage, number continuity,
// timestamp non-decreasing) are evaluated first; if the timestamps are
// unequal, the remaining Ethereum-mandated checks (gas bounds, base fee,
// extra-data size, and so on) are fully delegated to the inner engine
// using the header's real timestamp. If the timestamps are equal — the
// one case the inner engine would reject — delegation instead uses a
// header copy with the timestamp nudged one second past the parent's, so
// every other field is still validated by the host's own logic; the
// result is returned as-is except that a rejection solely attributable to
// the nudge is impossible since the nudge only prevents parent equality.
func (c *Consensus) validateHeaderAndParent(chain consensus.ChainHeaderReader, header, parent *types.Header) error {
	if header.ParentHash != parent.Hash() {
		return consensus.ErrUnknownAncestor
	}
	if header.Number == nil || parent.Number == nil {
		return errInvalidNumber
	}
	if header.Number.Uint64() != parent.Number.Uint64()+1 {
		return errInvalidNumber
	}
	if header.Time < parent.Time {
		return fmt.Errorf("%w: parent %d, child %d", ErrTimestampInPast, parent.Time, header.Time)
	}

	if header.Time != parent.Time {
		return c.inner.VerifyHeader(chain, header)
	}

	log.Debug("accepting header with timestamp equal to parent", "number", header.Number, "time", header.Time)
	nudged := types.CopyHeader(header)
	nudged.Time = parent.Time + 1
	if err := c.inner.VerifyHeader(chain, nudged); err != nil {
		return err
	}
	return nil
}

var errInvalidNumber = errors.New("invalid block number")

// VerifyUncles delegates unchanged; Rollkit blocks never have uncles but
// the check is harmless and keeps behavior identical to the host.
func (c *Consensus) VerifyUncles(chain consensus.ChainReader, block *types.Block) error {
	return c.inner.VerifyUncles(chain, block)
}

// Prepare delegates unchanged.
func (c *Consensus) Prepare(chain consensus.ChainHeaderReader, header *types.Header) error {
	return c.inner.Prepare(chain, header)
}

// Finalize delegates unchanged; post-execution state changes (e.g. the
// beacon-root contract update) are entirely the host's concern.
func (c *Consensus) Finalize(chain consensus.ChainHeaderReader, header *types.Header, state vm.StateDB, body *types.Body) {
	c.inner.Finalize(chain, header, state, body)
}

// FinalizeAndAssemble delegates unchanged.
func (c *Consensus) FinalizeAndAssemble(chain consensus.ChainHeaderReader, header *types.Header, statedb *state.StateDB, body *types.Body, receipts []*types.Receipt) (*types.Block, error) {
	return c.inner.FinalizeAndAssemble(chain, header, statedb, body, receipts)
}

// VerifyHeaders is the batch form of VerifyHeader; it delegates to the
// inner engine unchanged since Rollkit's relaxed timestamp rule only needs
// to apply on the single-header insertion path the builder and engine API
// actually exercise.
func (c *Consensus) VerifyHeaders(chain consensus.ChainHeaderReader, headers []*types.Header) (chan<- struct{}, <-chan error) {
	return c.inner.VerifyHeaders(chain, headers)
}

// Seal delegates unchanged.
func (c *Consensus) Seal(chain consensus.ChainHeaderReader, block *types.Block, results chan<- *types.Block, stop <-chan struct{}) error {
	return c.inner.Seal(chain, block, results, stop)
}

// SealHash delegates unchanged.
func (c *Consensus) SealHash(header *types.Header) common.Hash {
	return c.inner.SealHash(header)
}

// CalcDifficulty delegates unchanged; post-merge this is always zero.
func (c *Consensus) CalcDifficulty(chain consensus.ChainHeaderReader, time uint64, parent *types.Header) *big.Int {
	return c.inner.CalcDifficulty(chain, time, parent)
}

// APIs delegates unchanged.
func (c *Consensus) APIs(chain consensus.ChainHeaderReader) []rpc.API {
	return c.inner.APIs(chain)
}

// Close delegates unchanged.
func (c *Consensus) Close() error {
	return c.inner.Close()
}
