//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chainledger/processor/internal/domain/model"
	"github.com/chainledger/processor/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func insertPending(t *testing.T, ctx context.Context, db *postgres.DB, createTS int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.ExecContext(ctx, `
		INSERT INTO basics.transactions
		    (transaction_id, version, contract_hash, valid_till, payload, public_key, signature, status, create_ts)
		VALUES ($1, 1, $2, 0, $3, $4, $5, 'new', $6)
	`, id[:], make([]byte, 32), json.RawMessage(`{}`), make([]byte, 33), make([]byte, 64), createTS)
	require.NoError(t, err)
	return id
}

func TestGateway_FetchPendingOrdering(t *testing.T) {
	db := setupTestContainer(t)
	ctx := context.Background()

	first := insertPending(t, ctx, db, 100)
	second := insertPending(t, ctx, db, 200)

	gw := postgres.NewGateway(db)
	justConnected, err := gw.Connect(ctx)
	require.NoError(t, err)
	require.True(t, justConnected)
	defer gw.Close()

	pending, err := gw.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first, pending[0].ID)
	require.Equal(t, second, pending[1].ID)
}

func TestGateway_SavepointRollbackDiscardsSideEffects(t *testing.T) {
	db := setupTestContainer(t)
	ctx := context.Background()
	gw := postgres.NewGateway(db)
	_, err := gw.Connect(ctx)
	require.NoError(t, err)
	defer gw.Close()

	require.NoError(t, gw.BeginBlock(ctx))
	_, err = gw.Conn().ExecContext(ctx, `INSERT INTO basics.contracts (contract_hash, type_name, version, creator, payload_template, code)
		VALUES ($1, 'Test', '1', 'addr', '{}', $2)`, make([]byte, 32), []byte("code"))
	require.NoError(t, err)

	require.NoError(t, gw.SavepointRollback(ctx))
	require.NoError(t, gw.ResetRole(ctx))
	require.NoError(t, gw.RollbackAll(ctx))

	contracts, err := gw.FetchContracts(ctx)
	require.NoError(t, err)
	require.Empty(t, contracts)
}

func TestGateway_InsertBlockAndLatestBlock(t *testing.T) {
	db := setupTestContainer(t)
	ctx := context.Background()
	gw := postgres.NewGateway(db)
	_, err := gw.Connect(ctx)
	require.NoError(t, err)
	defer gw.Close()

	latest, err := gw.LatestBlock(ctx)
	require.NoError(t, err)
	require.Nil(t, latest)

	block := &model.Block{
		ID:               0,
		Version:          1,
		ProcessedTS:      time.Now().UnixMilli(),
		TransactionsRaw:  []byte{},
		TransactionCount: 0,
	}
	require.NoError(t, gw.BeginBlock(ctx))
	require.NoError(t, gw.ResetRole(ctx))
	require.NoError(t, gw.InsertBlock(ctx, block))
	require.NoError(t, gw.CommitDurable(ctx))

	latest, err = gw.LatestBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, int64(0), latest.ID)
}
