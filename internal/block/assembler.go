// Package block implements the Block Assembler (spec.md §4.C): packing
// accepted transactions into a block stamped with the timestamp the caller
// supplies, and signing the result with the processor's key. The Mining
// Loop computes that timestamp.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/chainledger/processor/internal/cryptoutil"
	"github.com/chainledger/processor/internal/domain/model"
)

// Pack renders a transaction in its canonical on-wire form:
// version(1B) | valid_till(8B BE) | contract_hash(32B) | payload_length(4B BE) |
// payload | public_key(33B) | signature(64B) | transaction_id(16B).
func Pack(tx *model.Transaction) []byte {
	out := make([]byte, 0, tx.PackedSize())
	out = append(out, tx.Version)
	out = binary.BigEndian.AppendUint64(out, uint64(tx.ValidTill))
	out = append(out, tx.ContractHash[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(tx.Payload)))
	out = append(out, tx.Payload...)
	out = append(out, tx.PublicKey[:]...)
	out = append(out, tx.Signature[:]...)
	id, _ := tx.ID.MarshalBinary()
	out = append(out, id...)
	return out
}

// body renders the unsigned block body spec.md §4.C describes:
// previous_block_hash(32B) | block_id(8B BE) | processed_ts(8B BE) |
// transactions_packed | version(1B) | transactions_count(2B BE).
func body(tip model.ChainTip, packedTxs []byte, txCount int, ts int64, version uint8) []byte {
	out := make([]byte, 0, 32+8+8+len(packedTxs)+1+2)
	out = append(out, tip.PreviousHash[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(tip.NextBlockID))
	out = binary.BigEndian.AppendUint64(out, uint64(ts))
	out = append(out, packedTxs...)
	out = append(out, version)
	out = binary.BigEndian.AppendUint16(out, uint16(txCount))
	return out
}

// SignBlock packs txs, computes the block hash, and signs it, returning a
// fully-formed Block ready for InsertBlock + CommitDurable.
func SignBlock(tip model.ChainTip, txs []*model.Transaction, ts int64, version uint8, priv *cryptoutil.PrivateKey, signPrefix string) (*model.Block, error) {
	packed := make([]byte, 0)
	for _, tx := range txs {
		packed = append(packed, Pack(tx)...)
	}

	unsignedBody := body(tip, packed, len(txs), ts, version)
	digest := cryptoutil.DoubleSHA256(signPrefix, unsignedBody)

	sig, err := cryptoutil.Sign(priv, digest)
	if err != nil {
		return nil, fmt.Errorf("sign block: %w", err)
	}

	return &model.Block{
		ID:               tip.NextBlockID,
		Version:          version,
		PreviousHash:     tip.PreviousHash,
		ProcessedTS:      ts,
		TransactionsRaw:  packed,
		TransactionCount: len(txs),
		Signature:        sig,
	}, nil
}

// BlockHash recomputes the hash of an already-built block, for chaining the
// next block's previous_block_hash and for the spec.md §8 invariant checks.
func BlockHash(b *model.Block, signPrefix string) [32]byte {
	unsignedBody := body(model.ChainTip{PreviousHash: b.PreviousHash, NextBlockID: b.ID}, b.TransactionsRaw, b.TransactionCount, b.ProcessedTS, b.Version)
	return cryptoutil.DoubleSHA256(signPrefix, unsignedBody)
}

// Verify checks the processor's signature over block against pub.
func Verify(pub [33]byte, b *model.Block, signPrefix string) bool {
	unsignedBody := body(model.ChainTip{PreviousHash: b.PreviousHash, NextBlockID: b.ID}, b.TransactionsRaw, b.TransactionCount, b.ProcessedTS, b.Version)
	digest := cryptoutil.DoubleSHA256(signPrefix, unsignedBody)
	return cryptoutil.Verify(pub, digest, b.Signature)
}
