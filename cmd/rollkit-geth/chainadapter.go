package main

import (
	"math/big"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
)

// chainAdapter narrows *core.BlockChain down to the collaborator
// interfaces internal/rollkit's builder, validator, and consensus
// packages are written against, so those packages never import
// core.BlockChain directly.
type chainAdapter struct {
	bc *core.BlockChain
}

func (a *chainAdapter) GetHeaderByHash(hash common.Hash) *types.Header {
	return a.bc.GetHeaderByHash(hash)
}

func (a *chainAdapter) StateAt(root common.Hash) (*state.StateDB, error) {
	return a.bc.StateAt(root)
}

func (a *chainAdapter) ChainConfig() *params.ChainConfig {
	return a.bc.Config()
}

// ApplyPreExecutionChanges runs the fork's pre-block system writes (the
// EIP-4788 beacon-root contract update) against statedb before any
// transaction in the block executes.
func (a *chainAdapter) ApplyPreExecutionChanges(header *types.Header, statedb *state.StateDB) error {
	cfg := a.bc.Config()
	if !cfg.IsCancun(header.Number, header.Time) || header.ParentBeaconRoot == nil {
		return nil
	}
	vmenv := a.newEVM(header, statedb)
	core.ProcessBeaconBlockRoot(*header.ParentBeaconRoot, vmenv)
	return nil
}

// ApplyTransaction executes tx against statedb using the chain's EVM
// configuration, mirroring go-ethereum's own block-processing path: set
// the state's transaction context, build the block-scoped EVM, then hand
// it to the evm-first ApplyTransaction form rather than the legacy
// variant that built one internally per call. usedGas is the caller's
// block-level accumulator; the receipt's CumulativeGasUsed is taken from
// it after execution. On error, statedb and gasPool are reverted to their
// state before the call, as go-ethereum's miner does.
func (a *chainAdapter) ApplyTransaction(header *types.Header, statedb *state.StateDB, gasPool *core.GasPool, tx *types.Transaction, usedGas *uint64, txIndex int) (*types.Receipt, error) {
	statedb.SetTxContext(tx.Hash(), txIndex)
	vmenv := a.newEVM(header, statedb)
	snap := statedb.Snapshot()
	gas := gasPool.Gas()
	receipt, err := core.ApplyTransaction(vmenv, gasPool, statedb, header, tx, usedGas)
	if err != nil {
		statedb.RevertToSnapshot(snap)
		gasPool.SetGas(gas)
	}
	return receipt, err
}

// newEVM builds an EVM for header over statedb, used by both
// pre-execution changes and transaction application. A fresh EVM is
// constructed on every call; none is cached across calls.
func (a *chainAdapter) newEVM(header *types.Header, statedb *state.StateDB) *vm.EVM {
	cfg := a.bc.Config()
	blockContext := core.NewEVMBlockContext(header, a.bc, &header.Coinbase)
	return vm.NewEVM(blockContext, statedb, cfg, vm.Config{})
}

// ExecutableDataToBlock satisfies validator.HostPayloadValidator by
// delegating to go-ethereum's own payload-to-block conversion, passing
// the blob hashes and parent beacon block root from the newPayload call
// through so the recomputed hash covers the full Cancun header. A hash
// mismatch surfaces as an error whose message the validator package
// recognizes by substring match (see validator.go's isBlockHashMismatch).
func (a *chainAdapter) ExecutableDataToBlock(payload engine.ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash) (*types.Block, error) {
	return engine.ExecutableDataToBlock(payload, versionedHashes, beaconRoot, nil)
}

// poolAdapter narrows *txpool.TxPool down to the Pending(filter) call the
// rollkit txpool selector needs.
type poolAdapter struct {
	pool *txpool.TxPool
}

func (a *poolAdapter) Pending(filter txpool.PendingFilter) map[common.Address][]*txpool.LazyTransaction {
	return a.pool.Pending(filter)
}

// currentBaseFee reads the fee-market base fee off the chain's current
// header, or nil for pre-EIP-1559 chains.
func currentBaseFee(bc *core.BlockChain) *big.Int {
	header := bc.CurrentHeader()
	if header == nil {
		return nil
	}
	return header.BaseFee
}
