//go:build integration

package contractrt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/chainledger/processor/internal/cryptoutil"
	"github.com/chainledger/processor/internal/domain/model"
	"github.com/chainledger/processor/internal/logging"
	"github.com/chainledger/processor/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	_, currentFile, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(currentFile), "..", "store", "postgres", "migrations")

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_processor"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.New(postgres.Config{URL: connStr, MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(migrationsDir))
	return db
}

func signedTx(t *testing.T, priv *cryptoutil.PrivateKey, contractHash [32]byte, payload any, createTS int64) *model.Transaction {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	tx := &model.Transaction{
		ID:           uuid.New(),
		Version:      1,
		ContractHash: contractHash,
		Payload:      raw,
		PublicKey:    priv.PublicKeyCompressed(),
		CreatedTS:    createTS,
	}
	digest := unsignedDigest(tx)
	sig, err := cryptoutil.Sign(priv, digest)
	require.NoError(t, err)
	tx.Signature = sig
	return tx
}

func testPrivateKey(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	priv, err := cryptoutil.ParseWIF("KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617")
	require.NoError(t, err)
	return priv
}

func TestDistinguished_CreateThenDuplicateIsRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	priv := testPrivateKey(t)
	sender := cryptoutil.AddressFromPublicKey(priv.PublicKeyCompressed(), 0x1C)

	rt, err := NewRuntime(ctx, logging.New(0, ""))
	require.NoError(t, err)
	defer rt.Close(ctx)

	createPayload := map[string]string{
		"type":        "Escrow",
		"version":     "1.0",
		"description": "a test contract",
		"code":        "ZmFrZS13YXNtLWJ5dGVz",
	}
	tx := signedTx(t, priv, model.DistinguishedCreate, createPayload, 1)
	result := rt.Execute(ctx, ExecuteParams{
		Tx: tx, Conn: conn, BlockID: 1, BlockTS: 1000,
		ProcessorAddress: sender, AddressVersion: 0x1C,
	})
	require.IsType(t, Accepted{}, result)

	dup := signedTx(t, priv, model.DistinguishedCreate, createPayload, 2)
	result2 := rt.Execute(ctx, ExecuteParams{
		Tx: dup, Conn: conn, BlockID: 1, BlockTS: 1001,
		ProcessorAddress: sender, AddressVersion: 0x1C,
	})
	require.IsType(t, Rejected{}, result2)
}

func TestDistinguished_DeleteUnknownHashIsRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	creator := testPrivateKey(t)
	creatorAddr := cryptoutil.AddressFromPublicKey(creator.PublicKeyCompressed(), 0x1C)

	rt, err := NewRuntime(ctx, logging.New(0, ""))
	require.NoError(t, err)
	defer rt.Close(ctx)

	deletePayload := map[string]string{"hash": strings.Repeat("11", 32)}
	delTx := signedTx(t, creator, model.DistinguishedDelete, deletePayload, 1)
	result := rt.Execute(ctx, ExecuteParams{Tx: delTx, Conn: conn, BlockID: 1, BlockTS: 1000, ProcessorAddress: creatorAddr, AddressVersion: 0x1C})
	require.IsType(t, Rejected{}, result)
}
