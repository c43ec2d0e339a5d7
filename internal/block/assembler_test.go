package block_test

import (
	"encoding/json"
	"testing"

	"github.com/chainledger/processor/internal/block"
	"github.com/chainledger/processor/internal/cryptoutil"
	"github.com/chainledger/processor/internal/domain/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testPrivateKey(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	// Well-known compressed mainnet WIF test vector.
	priv, err := cryptoutil.ParseWIF("KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617")
	require.NoError(t, err)
	return priv
}

func sampleTx(t *testing.T, createTS int64) *model.Transaction {
	t.Helper()
	return &model.Transaction{
		ID:           uuid.New(),
		Version:      1,
		ContractHash: model.DistinguishedCreate,
		ValidTill:    0,
		Payload:      json.RawMessage(`{"code":"return '1';"}`),
		CreatedTS:    createTS,
	}
}

func TestPack_RoundTripsSizeAccounting(t *testing.T) {
	tx := sampleTx(t, 1)
	packed := block.Pack(tx)
	require.Equal(t, tx.PackedSize(), len(packed))
}

func TestSignBlock_VerifiesWithProcessorKey(t *testing.T) {
	priv := testPrivateKey(t)
	pub := priv.PublicKeyCompressed()
	tip := model.Genesis()

	txs := []*model.Transaction{sampleTx(t, 1), sampleTx(t, 2)}
	b, err := block.SignBlock(tip, txs, 1000, 1, priv, "test-chain")
	require.NoError(t, err)

	require.True(t, block.Verify(pub, b, "test-chain"))
	require.False(t, block.Verify(pub, b, "other-chain"))
}

func TestSignBlock_ChainsPreviousHash(t *testing.T) {
	priv := testPrivateKey(t)
	tip := model.Genesis()

	first, err := block.SignBlock(tip, nil, 1000, 1, priv, "test-chain")
	require.NoError(t, err)

	nextTip := model.ChainTip{
		PreviousHash: block.BlockHash(first, "test-chain"),
		PreviousTS:   first.ProcessedTS,
		NextBlockID:  first.ID + 1,
	}
	second, err := block.SignBlock(nextTip, nil, 1001, 1, priv, "test-chain")
	require.NoError(t, err)

	require.Equal(t, block.BlockHash(first, "test-chain"), second.PreviousHash)
	require.Greater(t, second.ProcessedTS, first.ProcessedTS)
}
