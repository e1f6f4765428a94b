// Package txpool implements the Rollkit pool-slice RPC extension: a
// byte-bounded, priority-ordered export of the pending transaction pool for
// the sequencer to consume, exposed as the txpoolExt namespace's getTxs
// method.
package txpool

import (
	"container/heap"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// Pool is the narrow slice of go-ethereum's *txpool.TxPool the selector
// needs: a priority-filterable view of pending transactions, matching the
// same Pending(filter) call the miner's block-filling loop uses.
type Pool interface {
	Pending(filter txpool.PendingFilter) map[common.Address][]*txpool.LazyTransaction
}

// Selector selects an ordered, byte-bounded slice of the pool for the
// txpoolExt RPC extension.
type Selector struct {
	pool    Pool
	baseFee func() *big.Int
}

// NewSelector constructs a Selector over pool. baseFee is read at every
// Select call so the priority order tracks the head block's fee market;
// it may return nil on pre-1559 chains.
func NewSelector(pool Pool, baseFee func() *big.Int) *Selector {
	return &Selector{pool: pool, baseFee: baseFee}
}

// Select returns an ordered sequence of 2718-envelope-encoded transactions
// drawn from the pool's priority order (effective-tip-first, ties broken by
// nonce within an account), stopping before total encoded size would exceed
// maxBytes. The cap is an upper bound: Select never reorders or drops a
// transaction mid-sequence to make room for a smaller one further back.
func (s *Selector) Select(maxBytes uint64) ([]hexutil.Bytes, error) {
	var baseFee *uint256.Int
	if fee := s.baseFee(); fee != nil {
		baseFee = uint256.MustFromBig(fee)
	}

	pending := s.pool.Pending(txpool.PendingFilter{OnlyPlainTxs: true, BaseFee: baseFee})
	ordered := newByPriceAndNonce(pending, baseFee)

	var (
		out   []hexutil.Bytes
		total uint64
	)
	for {
		lazy := ordered.Peek()
		if lazy == nil {
			break
		}

		resolved := lazy.Resolve()
		if resolved == nil {
			log.Warn("skipping pool account behind an unresolvable transaction", "hash", lazy.Hash)
			ordered.Pop()
			continue
		}

		encoded, err := resolved.MarshalBinary()
		if err != nil {
			log.Warn("skipping pool account behind a transaction that failed to encode", "hash", lazy.Hash, "err", err)
			ordered.Pop()
			continue
		}

		size := uint64(len(encoded))
		if total+size > maxBytes {
			break
		}

		out = append(out, encoded)
		total += size
		ordered.Shift()
	}

	return out, nil
}

// txWithMinerFee wraps a pending account's head transaction with its
// effective miner tip at the pool's current base fee, the sort key the
// priority heap orders on.
type txWithMinerFee struct {
	tx   *txpool.LazyTransaction
	from common.Address
	fee  *uint256.Int
}

// newTxWithMinerFee mirrors go-ethereum's own miner ordering helper: a
// transaction whose fee cap can't cover the base fee has no place in the
// priority order and is dropped rather than assigned a fee.
func newTxWithMinerFee(tx *txpool.LazyTransaction, from common.Address, baseFee *uint256.Int) (*txWithMinerFee, bool) {
	fee := tx.GasTipCap
	if baseFee != nil {
		if tx.GasFeeCap.Cmp(baseFee) < 0 {
			return nil, false
		}
		effectiveTip := new(uint256.Int).Sub(tx.GasFeeCap, baseFee)
		if fee.Cmp(effectiveTip) > 0 {
			fee = effectiveTip
		}
	}
	return &txWithMinerFee{tx: tx, from: from, fee: fee}, true
}

// minerFeeHeap is a max-heap of per-account head transactions ordered by
// effective miner tip, the same ordering go-ethereum's miner package applies
// when filling a block from the pool.
type minerFeeHeap []*txWithMinerFee

func (h minerFeeHeap) Len() int            { return len(h) }
func (h minerFeeHeap) Less(i, j int) bool  { return h[i].fee.Cmp(h[j].fee) > 0 }
func (h minerFeeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minerFeeHeap) Push(x any)         { *h = append(*h, x.(*txWithMinerFee)) }
func (h *minerFeeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// byPriceAndNonce replicates go-ethereum's unexported
// transactionsByPriceAndNonce iterator locally, since it is not part of
// core/types' public API: transactions are drawn highest-effective-tip
// first across accounts, and nonce-ordered within an account.
type byPriceAndNonce struct {
	byAddr  map[common.Address][]*txpool.LazyTransaction
	heads   minerFeeHeap
	baseFee *uint256.Int
}

func newByPriceAndNonce(pending map[common.Address][]*txpool.LazyTransaction, baseFee *uint256.Int) *byPriceAndNonce {
	s := &byPriceAndNonce{
		byAddr:  make(map[common.Address][]*txpool.LazyTransaction, len(pending)),
		baseFee: baseFee,
	}

	heads := make(minerFeeHeap, 0, len(pending))
	for from, txs := range pending {
		if len(txs) == 0 {
			continue
		}
		wrapped, ok := newTxWithMinerFee(txs[0], from, baseFee)
		if !ok {
			continue
		}
		s.byAddr[from] = txs[1:]
		heads = append(heads, wrapped)
	}
	heap.Init(&heads)
	s.heads = heads
	return s
}

// Peek returns the next transaction in priority order without consuming it,
// or nil once the pool is exhausted.
func (s *byPriceAndNonce) Peek() *txpool.LazyTransaction {
	if len(s.heads) == 0 {
		return nil
	}
	return s.heads[0].tx
}

// Shift advances past the current head, replacing it with its account's
// next queued transaction (re-primed against baseFee) if one remains.
func (s *byPriceAndNonce) Shift() {
	if len(s.heads) == 0 {
		return
	}
	acc := s.heads[0].from
	if next := s.byAddr[acc]; len(next) > 0 {
		if wrapped, ok := newTxWithMinerFee(next[0], acc, s.baseFee); ok {
			s.byAddr[acc] = next[1:]
			s.heads[0] = wrapped
			heap.Fix(&s.heads, 0)
			return
		}
		s.byAddr[acc] = next[1:]
	}
	heap.Pop(&s.heads)
}

// Pop discards the current head's entire account, used when the head
// transaction itself is unusable (unresolvable or malformed): its
// nonce-ordered successors cannot be reordered ahead of it, so the whole
// account is dropped from this selection round.
func (s *byPriceAndNonce) Pop() {
	if len(s.heads) == 0 {
		return
	}
	acc := s.heads[0].from
	delete(s.byAddr, acc)
	heap.Pop(&s.heads)
}
