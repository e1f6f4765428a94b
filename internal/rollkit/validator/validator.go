// Package validator implements Engine API payload and attribute
// validation for Rollkit: version-specific checks delegate to the host,
// the parent-timestamp-vs-attributes check is disabled (Rollkit headers
// may repeat timestamps), and a block-hash mismatch on an incoming
// payload is tolerated rather than rejected, since the sequencer — not
// this node — is authoritative over the canonical block hash.
package validator

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/rollkit/rollkit-geth/internal/rollkit/attributes"
)

// HostPayloadValidator is the narrow slice of the host's payload
// validation behavior Rollkit delegates to: turning an ExecutableData
// payload into a block and checking it matches the advertised hash.
type HostPayloadValidator interface {
	// ExecutableDataToBlock converts payload to a block, folding the
	// versioned blob hashes and parent beacon block root from the
	// newPayload call into the recomputed header, and returns an error
	// when the recomputed hash disagrees with payload.BlockHash: either
	// one wrapping ErrBlockHashMismatch or one whose message contains
	// "blockhash mismatch" or "block hash mismatch" (see
	// isBlockHashMismatch).
	ExecutableDataToBlock(payload engine.ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash) (*types.Block, error)
}

// ErrBlockHashMismatch is the sentinel the host validator is expected to
// wrap when the advertised payload hash disagrees with the recomputed
// one. Hosts that use a different sentinel should translate to this one
// at the call site, or Validator falls back to a string match.
var ErrBlockHashMismatch = errors.New("block hash mismatch")

// Validator validates incoming Engine API payloads and attributes.
type Validator struct {
	chainConfig *params.ChainConfig
	host        HostPayloadValidator
}

// New constructs a Validator that delegates well-formedness checks to
// host and uses chainConfig for version-specific field checks.
func New(chainConfig *params.ChainConfig, host HostPayloadValidator) *Validator {
	return &Validator{chainConfig: chainConfig, host: host}
}

// EnsureWellFormedPayload converts payload into a block with recovered
// transaction senders. On a block-hash mismatch it bypasses the host's
// rejection: the payload bytes are parsed into a block and locally
// resealed (its hash recomputed from its own contents) rather than
// trusted verbatim, and the block is returned without error. Any other
// error from the host is returned unchanged.
func (v *Validator) EnsureWellFormedPayload(payload engine.ExecutableData, versionedHashes []common.Hash, beaconRoot *common.Hash, signer types.Signer) (*types.Block, error) {
	block, err := v.host.ExecutableDataToBlock(payload, versionedHashes, beaconRoot)
	if err == nil {
		if _, serr := recoverSenders(block, signer); serr != nil {
			return nil, fmt.Errorf("recovering senders: %w", serr)
		}
		return block, nil
	}

	if !isBlockHashMismatch(err) {
		return nil, err
	}

	log.Info("bypassing block hash mismatch for externally-built payload", "number", payload.Number, "err", err)
	resealed, rerr := reparseAndReseal(payload, beaconRoot)
	if rerr != nil {
		return nil, fmt.Errorf("reparsing payload after hash mismatch: %w", rerr)
	}
	if _, serr := recoverSenders(resealed, signer); serr != nil {
		return nil, fmt.Errorf("recovering senders: %w", serr)
	}
	return resealed, nil
}

func isBlockHashMismatch(err error) bool {
	if errors.Is(err, ErrBlockHashMismatch) {
		return true
	}
	// Hosts that surface their own unexported sentinel leave us no way to
	// match it with errors.Is; fall back to substring matching on the
	// message, which every host implementation we've seen phrases as
	// "blockhash mismatch" or "block hash mismatch".
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhash mismatch") || strings.Contains(msg, "block hash mismatch")
}

// reparseAndReseal constructs a block directly from the payload's fields
// without validating its advertised hash, then computes and caches the
// block's real hash from its own header and body. beaconRoot is the
// parent beacon block root from the newPayload call; it is part of the
// header (and so of the hash) from Cancun onward, as are the
// withdrawals hash and blob gas fields.
func reparseAndReseal(payload engine.ExecutableData, beaconRoot *common.Hash) (*types.Block, error) {
	txs := make([]*types.Transaction, 0, len(payload.Transactions))
	for i, encoded := range payload.Transactions {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(encoded); err != nil {
			return nil, fmt.Errorf("decoding transaction %d: %w", i, err)
		}
		txs = append(txs, tx)
	}

	header := &types.Header{
		ParentHash:       payload.ParentHash,
		Coinbase:         payload.FeeRecipient,
		Root:             payload.StateRoot,
		TxHash:           types.DeriveSha(types.Transactions(txs), trie.NewStackTrie(nil)),
		ReceiptHash:      payload.ReceiptsRoot,
		Bloom:            types.BytesToBloom(payload.LogsBloom),
		Difficulty:       new(big.Int),
		Number:           new(big.Int).SetUint64(payload.Number),
		GasLimit:         payload.GasLimit,
		GasUsed:          payload.GasUsed,
		Time:             payload.Timestamp,
		Extra:            payload.ExtraData,
		MixDigest:        payload.Random,
		BaseFee:          payload.BaseFeePerGas,
		BlobGasUsed:      payload.BlobGasUsed,
		ExcessBlobGas:    payload.ExcessBlobGas,
		ParentBeaconRoot: beaconRoot,
	}
	if payload.Withdrawals != nil {
		h := types.DeriveSha(types.Withdrawals(payload.Withdrawals), trie.NewStackTrie(nil))
		header.WithdrawalsHash = &h
	}

	body := &types.Body{Transactions: txs, Withdrawals: payload.Withdrawals}
	block := types.NewBlockWithHeader(header).WithBody(*body)
	// Sealing here means: trust our own recomputation of the hash, not
	// the one the sequencer advertised in payload.BlockHash. types.Block
	// caches the hash lazily from the header on first Hash() call.
	_ = block.Hash()
	return block, nil
}

// EngineAPIVersion identifies which versioned Engine API call (V1 through
// V4) supplied a payload or set of attributes, gating which optional
// fields are mandatory at the fork active for that call.
type EngineAPIVersion int

const (
	V1 EngineAPIVersion = iota + 1
	V2
	V3
	V4
)

// ErrInvalidVersionedField reports a payload or attribute whose optional
// fields disagree with both the Engine API version it arrived through and
// the fork active at its timestamp — e.g. withdrawals missing on a V2+
// call after Shanghai, or a parent beacon block root supplied before
// Cancun is active.
type ErrInvalidVersionedField struct {
	Field  string
	Reason string
}

func (e *ErrInvalidVersionedField) Error() string {
	return fmt.Sprintf("invalid versioned field %q: %s", e.Field, e.Reason)
}

// ValidateVersionSpecificFields checks that withdrawals and the parent
// beacon block root are present or absent exactly as the Engine API
// version and the fork active at number/timestamp require. number is the
// block number the payload/attributes describe (the child of the current
// head for forkchoiceUpdated, or the payload's own number for newPayload).
func (v *Validator) ValidateVersionSpecificFields(version EngineAPIVersion, number *big.Int, timestamp uint64, withdrawals []*types.Withdrawal, beaconRoot *common.Hash) error {
	shanghai := v.chainConfig.IsShanghai(number, timestamp)
	if version >= V2 && shanghai && withdrawals == nil {
		return &ErrInvalidVersionedField{Field: "withdrawals", Reason: "required from Shanghai (V2) onward"}
	}
	if (version < V2 || !shanghai) && withdrawals != nil {
		return &ErrInvalidVersionedField{Field: "withdrawals", Reason: "not allowed before Shanghai (V2)"}
	}

	cancun := v.chainConfig.IsCancun(number, timestamp)
	if version >= V3 && cancun && beaconRoot == nil {
		return &ErrInvalidVersionedField{Field: "parentBeaconBlockRoot", Reason: "required from Cancun (V3) onward"}
	}
	if (version < V3 || !cancun) && beaconRoot != nil {
		return &ErrInvalidVersionedField{Field: "parentBeaconBlockRoot", Reason: "not allowed before Cancun (V3)"}
	}
	return nil
}

// EnsureWellFormedAttributes validates wire against the version-specific
// field rules using head's child block number, then notes (without
// rejecting) that the attributes carry caller-supplied transactions — the
// same two-step EnsureWellFormedAttributes takes in the original
// validator: delegate to version-specific validation, then log.
func (v *Validator) EnsureWellFormedAttributes(version EngineAPIVersion, head *types.Header, wire *attributes.PayloadAttributes) error {
	number := new(big.Int).Add(head.Number, big.NewInt(1))
	if err := v.ValidateVersionSpecificFields(version, number, uint64(wire.Timestamp), wire.Withdrawals, wire.BeaconRoot); err != nil {
		return err
	}
	if len(wire.Transactions) > 0 {
		log.Info("rollkit payload attributes carry caller-supplied transactions", "count", len(wire.Transactions))
	}
	return nil
}

// ValidatePayloadAttributesAgainstHeader intentionally returns nil: the
// host's default check (the attributes' timestamp must be strictly
// greater than header's) is disabled, since Rollkit attributes may reuse
// or duplicate the parent's timestamp.
func (v *Validator) ValidatePayloadAttributesAgainstHeader(attrs *attributes.BuilderAttributes, header *types.Header) error {
	return nil
}

// recoverSenders recovers and caches the sender of every transaction in
// block using signer, failing the whole payload if any one signature is
// invalid.
func recoverSenders(block *types.Block, signer types.Signer) (types.Transactions, error) {
	txs := block.Transactions()
	for i, tx := range txs {
		if _, err := types.Sender(signer, tx); err != nil {
			return nil, fmt.Errorf("recovering sender for transaction %d: %w", i, err)
		}
	}
	return txs, nil
}

