package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/eth"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rollkit/rollkit-geth/internal/rollkit/attributes"
	"github.com/rollkit/rollkit-geth/internal/rollkit/builder"
	"github.com/rollkit/rollkit-geth/internal/rollkit/consensus"
	"github.com/rollkit/rollkit-geth/internal/rollkit/validator"
)

// RollkitEngineAPI implements the three Engine API calls a Rollkit
// sequencer drives (forkchoiceUpdated, newPayload, getPayload), routing
// payload construction and validation through the rollkit builder,
// validator, and consensus components instead of go-ethereum's own
// miner/worker. It is registered under the "engine" namespace in place
// of eth/catalyst's default ConsensusAPI when --rollkit.enable is set.
type RollkitEngineAPI struct {
	backend   *eth.Ethereum
	builder   *builder.Builder
	validator *validator.Validator
	consensus *consensus.Consensus
	adapter   *chainAdapter

	mu      sync.Mutex
	payload map[attributes.PayloadID]*builder.BuiltPayload
}

// NewRollkitEngineAPI wires a RollkitEngineAPI around backend's chain,
// state, and EVM configuration.
func NewRollkitEngineAPI(backend *eth.Ethereum) *RollkitEngineAPI {
	bc := backend.BlockChain()
	adapter := &chainAdapter{bc: bc}
	signer := types.LatestSigner(bc.Config())

	return &RollkitEngineAPI{
		backend:   backend,
		builder:   builder.New(adapter, adapter, adapter, signer),
		validator: validator.New(bc.Config(), adapter),
		consensus: consensus.New(bc.Engine()),
		adapter:   adapter,
		payload:   make(map[attributes.PayloadID]*builder.BuiltPayload),
	}
}

// ForkchoiceUpdatedV3 updates the chain head to update.HeadBlockHash and,
// if payloadAttributes is non-nil, builds a new payload on top of it from
// the attributes' transaction list (which may be empty). Returns the payload id for a
// subsequent GetPayloadV3 poll when building was requested.
func (a *RollkitEngineAPI) ForkchoiceUpdatedV3(update engine.ForkchoiceStateV1, payloadAttributes *attributes.PayloadAttributes) (engine.ForkChoiceResponse, error) {
	head := a.adapter.GetHeaderByHash(update.HeadBlockHash)
	if head == nil {
		return engine.STATUS_SYNCING, nil
	}

	if err := a.setHead(update.HeadBlockHash); err != nil {
		return engine.ForkChoiceResponse{}, err
	}

	resp := engine.ForkChoiceResponse{PayloadStatus: engine.PayloadStatusV1{Status: engine.VALID, LatestValidHash: &update.HeadBlockHash}}
	if payloadAttributes == nil {
		return resp, nil
	}

	if err := a.validator.EnsureWellFormedAttributes(validator.V3, head, payloadAttributes); err != nil {
		return engine.ForkChoiceResponse{}, err
	}

	attrs, err := attributes.TryNewBuilderAttributes(update.HeadBlockHash, payloadAttributes)
	if err != nil {
		return engine.ForkChoiceResponse{}, err
	}

	if err := a.validator.ValidatePayloadAttributesAgainstHeader(attrs, head); err != nil {
		return engine.ForkChoiceResponse{}, err
	}

	built, err := a.builder.Build(context.Background(), attrs)
	if err != nil {
		return engine.ForkChoiceResponse{}, err
	}
	log.Info("built rollkit payload", "id", attrs.PayloadID(), "number", built.Block.NumberU64(), "txs", len(built.Block.Transactions()))

	a.mu.Lock()
	a.payload[attrs.PayloadID()] = built
	a.mu.Unlock()

	id := attrs.PayloadID()
	resp.PayloadID = &id
	return resp, nil
}

// GetPayloadV3 returns a previously built payload by id, matching
// engine_getPayloadV3's polling contract.
func (a *RollkitEngineAPI) GetPayloadV3(payloadID attributes.PayloadID) (*engine.ExecutionPayloadEnvelope, error) {
	a.mu.Lock()
	built, ok := a.payload[payloadID]
	a.mu.Unlock()
	if !ok {
		return nil, errUnknownPayload
	}

	data := engine.BlockToExecutableData(built.Block, built.Fees, nil, nil)
	return data, nil
}

// NewPayloadV3 accepts an externally-built payload (from the sequencer),
// validates it with the rollkit validator (tolerating a block-hash
// mismatch) and the relaxed consensus rule, and commits it to the chain.
func (a *RollkitEngineAPI) NewPayloadV3(payload engine.ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash) (engine.PayloadStatusV1, error) {
	number := new(big.Int).SetUint64(payload.Number)
	if err := a.validator.ValidateVersionSpecificFields(validator.V3, number, payload.Timestamp, payload.Withdrawals, beaconRoot); err != nil {
		return engine.PayloadStatusV1{Status: engine.INVALID}, err
	}

	signer := types.LatestSigner(a.adapter.bc.Config())
	block, err := a.validator.EnsureWellFormedPayload(payload, versionedHashes, beaconRoot, signer)
	if err != nil {
		return engine.PayloadStatusV1{Status: engine.INVALID}, err
	}

	if err := a.consensus.VerifyHeader(a.adapter.bc, block.Header()); err != nil && !errors.Is(err, core.ErrKnownBlock) {
		return engine.PayloadStatusV1{Status: engine.INVALID}, err
	}

	if err := a.insertBlock(block); err != nil {
		return engine.PayloadStatusV1{Status: engine.INVALID}, err
	}

	hash := block.Hash()
	log.Info("accepted externally-built payload", "number", block.NumberU64(), "hash", hash)
	return engine.PayloadStatusV1{Status: engine.VALID, LatestValidHash: &hash}, nil
}

var errUnknownPayload = errors.New("rollkit engine: unknown payload id")

// insertBlock executes an externally-validated block against its parent
// state and commits it as the new head, bypassing the chain's normal
// header-chain consensus re-verification the way go-ethereum's own miner
// commits blocks it just sealed itself — the header was already checked
// by a.consensus above.
func (a *RollkitEngineAPI) insertBlock(block *types.Block) error {
	parent := a.adapter.GetHeaderByHash(block.ParentHash())
	if parent == nil {
		return fmt.Errorf("unknown parent %s", block.ParentHash())
	}
	statedb, err := a.adapter.bc.StateAt(parent.Root)
	if err != nil {
		return fmt.Errorf("opening parent state for insertion: %w", err)
	}
	res, err := a.adapter.bc.Processor().Process(block, statedb, vm.Config{})
	if err != nil {
		return fmt.Errorf("executing block: %w", err)
	}
	if _, err := a.adapter.bc.WriteBlockAndSetHead(block, res.Receipts, res.Logs, statedb, true); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	return nil
}

func (a *RollkitEngineAPI) setHead(hash common.Hash) error {
	if a.adapter.bc.CurrentHeader().Hash() == hash {
		return nil
	}
	block := a.adapter.bc.GetBlockByHash(hash)
	if block == nil {
		return fmt.Errorf("unknown forkchoice head %s", hash)
	}
	if _, err := a.adapter.bc.SetCanonical(block); err != nil {
		return fmt.Errorf("setting canonical head: %w", err)
	}
	return nil
}
