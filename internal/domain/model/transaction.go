// Package model holds the durable record shapes shared by the Store Gateway,
// Contract Runtime Adapter, and Block Assembler.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TxStatus is the monotonic lifecycle of a pending transaction. Once a
// transaction leaves StatusNew it never returns to it.
type TxStatus string

const (
	StatusNew      TxStatus = "new"
	StatusAccepted TxStatus = "accepted"
	StatusRejected TxStatus = "rejected"
	StatusInvalid  TxStatus = "invalid"
)

// Terminal reports whether status can no longer change.
func (s TxStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusInvalid
}

// MessageMaxBytes bounds the sanitised status message stored alongside a
// terminalised transaction.
const MessageMaxBytes = 128

// ContractHashSize, PublicKeySize, and SignatureSize are the fixed widths
// spec.md §3 assigns to their respective fields.
const (
	ContractHashSize = 32
	PublicKeySize    = 33
	SignatureSize    = 64
)

// Transaction is a row of basics.transactions. The pointer fields Message
// through Receiver are nil until the transaction reaches a terminal status
// (BlockID and PositionInBlock stay nil unless it enters a block); sender/receiver/
// contract type become immutable at that point (spec.md §3 invariants).
type Transaction struct {
	ID              uuid.UUID
	Version         uint8
	ContractHash    [ContractHashSize]byte
	ValidTill       int64 // ms since epoch, 0 = none
	Payload         json.RawMessage
	PublicKey       [PublicKeySize]byte
	Signature       [SignatureSize]byte
	Status          TxStatus
	Message         *string
	ProcessedTS     *int64
	BlockID         *int64
	PositionInBlock *int
	Sender          *string
	ContractType    *string
	Receiver        *string
	CreatedTS       int64
}

// PackedSize returns the number of bytes Pack(tx) would occupy, without
// actually packing it — used for the block-size admission check (spec.md
// §4.D step 9a) without allocating.
func (t *Transaction) PackedSize() int {
	return EmptyLength + len(t.Payload)
}

// EmptyLength is the fixed per-transaction packed overhead (glossary:
// "Empty length") — version + valid_till + contract_hash + length-prefix +
// pubkey + sig + id, excluding the payload itself.
const EmptyLength = 1 + 8 + ContractHashSize + 4 + PublicKeySize + SignatureSize + 16

// DistinguishedCreate and DistinguishedDelete are the two content hashes the
// Contract Runtime Adapter interprets itself instead of loading user code.
var (
	DistinguishedCreate = [ContractHashSize]byte{} // all-zero
	DistinguishedDelete = func() (h [ContractHashSize]byte) {
		for i := range h {
			h[i] = 0xFF
		}
		return h
	}()
)

// StatusUpdate is the shape bulk_update_statuses writes in one statement,
// keyed by transaction id.
type StatusUpdate struct {
	ID              uuid.UUID
	ProcessedTS     int64
	Status          TxStatus
	Message         *string
	ContractType    *string
	Sender          *string
	Receiver        *string
	BlockID         *int64
	PositionInBlock *int
}

// CreatedAtTime exposes CreatedTS as a time.Time for logging convenience.
func (t *Transaction) CreatedAtTime() time.Time {
	return time.UnixMilli(t.CreatedTS)
}
