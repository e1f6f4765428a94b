// Package attributes carries caller-supplied transactions and a gas limit
// through the Engine API payload-attributes shape.
package attributes

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// PayloadAttributes is the wire shape accepted by engine_forkchoiceUpdatedVN.
// It embeds the standard Ethereum payload attributes and adds the two
// Rollkit-specific fields. Unknown JSON fields are tolerated because this
// struct only adds fields, it never removes any from engine.PayloadAttributes.
type PayloadAttributes struct {
	Timestamp             hexutil.Uint64      `json:"timestamp"`
	Random                common.Hash         `json:"prevRandao"`
	SuggestedFeeRecipient common.Address      `json:"suggestedFeeRecipient"`
	Withdrawals           []*types.Withdrawal `json:"withdrawals,omitempty"`
	BeaconRoot            *common.Hash        `json:"parentBeaconBlockRoot,omitempty"`

	// Transactions is an ordered list of network-encoded (2718 envelope)
	// transaction blobs supplied by the caller. Absent means "no
	// transactions", not an error.
	Transactions []hexutil.Bytes `json:"transactions,omitempty"`
	// GasLimit is the block gas ceiling for this build. It may be absent at
	// this layer, but the payload builder rejects an absent or zero value
	// with ErrGasLimitRequired.
	GasLimit *hexutil.Uint64 `json:"gasLimit,omitempty"`
}

// ToEngine converts the wire attributes into the standard go-ethereum
// engine.PayloadAttributes shape, dropping the two Rollkit extension
// fields (callers that need them use BuilderAttributes instead).
func (p *PayloadAttributes) ToEngine() *engine.PayloadAttributes {
	return &engine.PayloadAttributes{
		Timestamp:             uint64(p.Timestamp),
		Random:                p.Random,
		SuggestedFeeRecipient: p.SuggestedFeeRecipient,
		Withdrawals:           p.Withdrawals,
		BeaconRoot:            p.BeaconRoot,
	}
}

// DecodeError reports a failure decoding one of the Rollkit extension
// fields. The whole attribute-acceptance call fails atomically; no partial
// BuilderAttributes is produced.
type DecodeError struct {
	Index  int
	Reason error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid transaction data at index %d: %v", e.Index, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// PayloadID is the 8-byte deterministic digest identifying a build call,
// matching the shape go-ethereum uses for engine_getPayloadVN polling.
type PayloadID = engine.PayloadID

// BuilderAttributes is the decoded, internal form consumed by the payload
// builder: parent hash, a derived payload id, the fully decoded
// transaction sequence, and the optional gas limit.
type BuilderAttributes struct {
	id           PayloadID
	parentHash   common.Hash
	timestamp    uint64
	random       common.Hash
	feeRecipient common.Address
	withdrawals  []*types.Withdrawal
	beaconRoot   *common.Hash
	txs          types.Transactions
	gasLimit     *uint64
}

// TryNewBuilderAttributes decodes wire attributes into builder attributes.
// Every transaction byte string is decoded as a network (2718-envelope)
// transaction; the first failure aborts the whole call with a *DecodeError
// before any state is touched, and no partial attributes are ever
// returned.
func TryNewBuilderAttributes(parentHash common.Hash, wire *PayloadAttributes) (*BuilderAttributes, error) {
	txs := make(types.Transactions, 0, len(wire.Transactions))
	for i, raw := range wire.Transactions {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &DecodeError{Index: i, Reason: err}
		}
		txs = append(txs, tx)
	}

	ba := &BuilderAttributes{
		parentHash:   parentHash,
		timestamp:    uint64(wire.Timestamp),
		random:       wire.Random,
		feeRecipient: wire.SuggestedFeeRecipient,
		withdrawals:  wire.Withdrawals,
		beaconRoot:   wire.BeaconRoot,
		txs:          txs,
		gasLimit:     uint64Ptr(wire.GasLimit),
	}
	ba.id = derivePayloadID(ba)
	return ba, nil
}

func uint64Ptr(v *hexutil.Uint64) *uint64 {
	if v == nil {
		return nil
	}
	u := uint64(*v)
	return &u
}

// PayloadID returns the deterministic 8-byte digest of these attributes.
func (b *BuilderAttributes) PayloadID() PayloadID { return b.id }

// ParentHash returns the hash of the block this payload builds on top of.
func (b *BuilderAttributes) ParentHash() common.Hash { return b.parentHash }

// Timestamp returns the block timestamp requested by the caller.
func (b *BuilderAttributes) Timestamp() uint64 { return b.timestamp }

// PrevRandao returns the prev-randao value for the block to be built.
func (b *BuilderAttributes) PrevRandao() common.Hash { return b.random }

// SuggestedFeeRecipient returns the address that should receive block
// rewards/fees.
func (b *BuilderAttributes) SuggestedFeeRecipient() common.Address { return b.feeRecipient }

// Withdrawals returns the withdrawal list to include in the block body.
func (b *BuilderAttributes) Withdrawals() []*types.Withdrawal { return b.withdrawals }

// ParentBeaconBlockRoot returns the caller-supplied beacon root, or nil if
// absent. Rollkit has no beacon chain, so the builder substitutes an
// all-zero hash when this is nil (see DESIGN.md).
func (b *BuilderAttributes) ParentBeaconBlockRoot() *common.Hash { return b.beaconRoot }

// Transactions returns the caller-ordered, already-decoded transaction
// list to execute. May be empty; Rollkit allows empty blocks.
func (b *BuilderAttributes) Transactions() types.Transactions { return b.txs }

// GasLimit returns the caller-supplied gas ceiling, or nil if absent.
func (b *BuilderAttributes) GasLimit() *uint64 { return b.gasLimit }

// derivePayloadID computes an 8-byte digest over the attributes that
// determine block content, mirroring the deterministic id derivation the
// standard Engine API uses for parent+timestamp+random+feeRecipient
// (+withdrawals +beaconRoot), extended here to also cover the
// Rollkit-supplied transaction list so that two distinct transaction sets
// never collide on the same id.
func derivePayloadID(b *BuilderAttributes) PayloadID {
	hasher := sha256.New()
	hasher.Write(b.parentHash[:])

	var timestamp [8]byte
	binary.BigEndian.PutUint64(timestamp[:], b.timestamp)
	hasher.Write(timestamp[:])

	hasher.Write(b.random[:])
	hasher.Write(b.feeRecipient[:])

	for _, w := range b.withdrawals {
		enc, _ := w.MarshalJSON()
		hasher.Write(enc)
	}

	if b.beaconRoot != nil {
		hasher.Write(b.beaconRoot[:])
	}

	for _, tx := range b.txs {
		hasher.Write(tx.Hash().Bytes())
	}

	var id PayloadID
	copy(id[:], hasher.Sum(nil)[:len(id)])
	return id
}
