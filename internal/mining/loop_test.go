package mining_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chainledger/processor/internal/alert"
	"github.com/chainledger/processor/internal/config"
	"github.com/chainledger/processor/internal/contractrt"
	"github.com/chainledger/processor/internal/cryptoutil"
	"github.com/chainledger/processor/internal/domain/model"
	"github.com/chainledger/processor/internal/mining"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeStore is a hand-written in-memory stand-in for the Store Gateway.
type fakeStore struct {
	connectErr       error
	justConnected    bool
	latest           *model.Block
	serverVersion    int
	pending          []*model.Transaction
	contracts        []*model.Contract
	beginBlockErr    error
	insertedBlocks   []*model.Block
	committedDurable int
	committedFast    int
	rolledBack       int
	statusUpdates    []model.StatusUpdate
	notifications    []string
}

func (f *fakeStore) Connect(context.Context) (bool, error) { return f.justConnected, f.connectErr }
func (f *fakeStore) FetchPending(context.Context, int) ([]*model.Transaction, error) {
	return f.pending, nil
}
func (f *fakeStore) LatestBlock(context.Context) (*model.Block, error) { return f.latest, nil }
func (f *fakeStore) ServerVersion(context.Context) (int, error)        { return f.serverVersion, nil }
func (f *fakeStore) SetStatementTimeout(context.Context, int) error    { return nil }
func (f *fakeStore) BeginBlock(context.Context) error                  { return f.beginBlockErr }
func (f *fakeStore) SavepointRollback(context.Context) error           { return nil }
func (f *fakeStore) SavepointAdvance(context.Context) error            { return nil }
func (f *fakeStore) ResetRole(context.Context) error                   { return nil }
func (f *fakeStore) BulkUpdateStatuses(_ context.Context, rows []model.StatusUpdate) error {
	f.statusUpdates = append(f.statusUpdates, rows...)
	return nil
}
func (f *fakeStore) InsertBlock(_ context.Context, b *model.Block) error {
	f.insertedBlocks = append(f.insertedBlocks, b)
	return nil
}
func (f *fakeStore) CommitDurable(context.Context) error { f.committedDurable++; return nil }
func (f *fakeStore) CommitFast(context.Context) error    { f.committedFast++; return nil }
func (f *fakeStore) RollbackAll(context.Context) error   { f.rolledBack++; return nil }
func (f *fakeStore) Notify(_ context.Context, channel string, _ any) error {
	f.notifications = append(f.notifications, channel)
	return nil
}
func (f *fakeStore) FetchContracts(context.Context) ([]*model.Contract, error) {
	return f.contracts, nil
}
func (f *fakeStore) Conn() *sql.Conn { return nil }

// fakeRuntime is a hand-written stand-in for the Contract Runtime Adapter
// that always returns a fixed verdict, regardless of the transaction.
type fakeRuntime struct {
	result    contractrt.ExecutionResult
	lastParam contractrt.ExecuteParams
}

func (f *fakeRuntime) LoadContracts(context.Context, []*model.Contract) error { return nil }
func (f *fakeRuntime) Execute(_ context.Context, p contractrt.ExecuteParams) contractrt.ExecutionResult {
	f.lastParam = p
	return f.result
}
func (f *fakeRuntime) TypeNameOf([32]byte) (string, bool) { return "Test Contract", true }

func testSigning(t *testing.T) config.SigningConfig {
	t.Helper()
	priv, err := cryptoutil.ParseWIF("KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617")
	require.NoError(t, err)
	return config.SigningConfig{PrivateKey: priv, SignPrefix: "test-chain", AddressVersion: 0x1C}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMiningConfig() config.MiningConfig {
	return config.MiningConfig{
		BlockIntervalSeconds:    60,
		MinBlockIntervalSeconds: 5,
		TransactionsPerBlock:    10,
		MaxBlockSizeBytes:       1_000_000,
		ExcludeRejected:         false,
		PacingSlackMS:           500,
		EmissionSlackMS:         500,
	}
}

func signedTx(t *testing.T, priv *cryptoutil.PrivateKey) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		ID:           uuid.New(),
		Version:      1,
		ContractHash: [32]byte{0xAB},
		Payload:      json.RawMessage(`{"receiver":"abc"}`),
		PublicKey:    priv.PublicKeyCompressed(),
		CreatedTS:    1,
	}
	return tx
}

func TestTick_GenesisProducesFirstBlock(t *testing.T) {
	signing := testSigning(t)
	store := &fakeStore{justConnected: true, serverVersion: 150000, latest: nil}
	rt := &fakeRuntime{result: contractrt.Accepted{Message: "ok"}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, nil, nil)

	err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, store.insertedBlocks, 1)
	require.Equal(t, 1, store.committedDurable)
	require.Equal(t, int64(0), store.insertedBlocks[0].ID)
}

func TestTick_RejectsUnsupportedServerVersion(t *testing.T) {
	signing := testSigning(t)
	store := &fakeStore{justConnected: true, serverVersion: 90400}
	rt := &fakeRuntime{result: contractrt.Accepted{}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, nil, nil)

	err := loop.Tick(context.Background())
	require.Error(t, err)

	code, _, stayDown := mining.StayDownError(err)
	require.True(t, stayDown)
	require.Equal(t, 52, code)
}

func TestTick_StatusOnlyTickSkipsBlockEmission(t *testing.T) {
	signing := testSigning(t)
	recentTS := time.Now().UnixMilli() - 1000
	store := &fakeStore{justConnected: true, serverVersion: 150000, latest: &model.Block{ID: 5, ProcessedTS: recentTS}}
	rt := &fakeRuntime{result: contractrt.Accepted{}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, nil, nil)

	err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, store.insertedBlocks)
	require.Equal(t, 1, store.committedFast)
}

func TestTick_AcceptedTransactionEntersBlock(t *testing.T) {
	signing := testSigning(t)
	priv, err := cryptoutil.ParseWIF("KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617")
	require.NoError(t, err)
	tx := signedTx(t, priv)

	store := &fakeStore{justConnected: true, serverVersion: 150000, pending: []*model.Transaction{tx}}
	rt := &fakeRuntime{result: contractrt.Accepted{Message: "ok"}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, nil, nil)

	err = loop.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, store.insertedBlocks, 1)
	require.Equal(t, 1, store.insertedBlocks[0].TransactionCount)
	require.Len(t, store.statusUpdates, 1)
	require.Equal(t, model.StatusAccepted, store.statusUpdates[0].Status)
	require.NotNil(t, store.statusUpdates[0].Receiver)
	require.Equal(t, "abc", *store.statusUpdates[0].Receiver)
}

func TestTick_RetryTransactionStaysPendingWithoutStatusUpdate(t *testing.T) {
	signing := testSigning(t)
	priv, err := cryptoutil.ParseWIF("KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617")
	require.NoError(t, err)
	tx := signedTx(t, priv)

	recentTS := time.Now().UnixMilli() - 1000
	store := &fakeStore{justConnected: true, serverVersion: 150000, pending: []*model.Transaction{tx}, latest: &model.Block{ID: 5, ProcessedTS: recentTS}}
	rt := &fakeRuntime{result: contractrt.Retry{Message: "transient"}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, nil, nil)

	err = loop.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, store.statusUpdates)
	require.Empty(t, store.insertedBlocks)
}

func TestTick_ExcludeRejectedOmitsRejectedFromBlockButStillTerminalises(t *testing.T) {
	signing := testSigning(t)
	priv, err := cryptoutil.ParseWIF("KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617")
	require.NoError(t, err)
	tx := signedTx(t, priv)

	cfg := testMiningConfig()
	cfg.ExcludeRejected = true

	recentTS := time.Now().UnixMilli() - 1000
	store := &fakeStore{justConnected: true, serverVersion: 150000, pending: []*model.Transaction{tx}, latest: &model.Block{ID: 5, ProcessedTS: recentTS}}
	rt := &fakeRuntime{result: contractrt.Rejected{Message: "business rule"}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, cfg, signing, nil, nil)

	err = loop.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, store.statusUpdates, 1)
	require.Nil(t, store.statusUpdates[0].BlockID)
	require.Equal(t, model.StatusRejected, store.statusUpdates[0].Status)
}

func TestTick_PacingGateSkipsImmediateSecondTick(t *testing.T) {
	signing := testSigning(t)
	store := &fakeStore{justConnected: true, serverVersion: 150000}
	rt := &fakeRuntime{result: contractrt.Accepted{}}
	reportCh := make(chan mining.Report, 8)
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, reportCh, nil)

	require.NoError(t, loop.Tick(context.Background()))
	require.Equal(t, 1, store.committedDurable)

	store.justConnected = false
	require.NoError(t, loop.Tick(context.Background()))
	require.Equal(t, 1, store.committedDurable, "second tick runs too soon after the first and must be paced out")
}

func TestTick_ShuttingDownSkipsFinalCommit(t *testing.T) {
	signing := testSigning(t)
	store := &fakeStore{justConnected: true, serverVersion: 150000}
	rt := &fakeRuntime{result: contractrt.Accepted{}}
	loop := mining.New(store, rt, testLogger(), &alert.NoopAlerter{}, testMiningConfig(), signing, nil, func() bool { return true })

	err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, store.committedDurable)
	require.Zero(t, store.committedFast)
}
