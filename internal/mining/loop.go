// Package mining implements the Mining Loop (spec.md §4.D), the hardest
// subsystem in the processor: a single timer-driven tick that drains
// pending transactions, executes each against the Contract Runtime Adapter
// inside one Postgres transaction with per-candidate savepoints, and
// assembles/commits a signed block. Grounded on the teacher's worker
// event-loop shape (cmd/indexer/main.go's ticker-driven ingestion loop) but
// built around this system's single serialized tick instead of concurrent
// pipeline stages.
package mining

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainledger/processor/internal/alert"
	"github.com/chainledger/processor/internal/block"
	"github.com/chainledger/processor/internal/circuitbreaker"
	"github.com/chainledger/processor/internal/config"
	"github.com/chainledger/processor/internal/contractrt"
	"github.com/chainledger/processor/internal/cryptoutil"
	"github.com/chainledger/processor/internal/domain/model"
	"github.com/chainledger/processor/internal/metrics"
)

// Store is the subset of the Store Gateway the Mining Loop depends on,
// narrowed to an interface so tests can substitute a fake.
type Store interface {
	Connect(ctx context.Context) (justConnected bool, err error)
	FetchPending(ctx context.Context, limit int) ([]*model.Transaction, error)
	LatestBlock(ctx context.Context) (*model.Block, error)
	ServerVersion(ctx context.Context) (int, error)
	SetStatementTimeout(ctx context.Context, ms int) error
	BeginBlock(ctx context.Context) error
	SavepointRollback(ctx context.Context) error
	SavepointAdvance(ctx context.Context) error
	ResetRole(ctx context.Context) error
	BulkUpdateStatuses(ctx context.Context, rows []model.StatusUpdate) error
	InsertBlock(ctx context.Context, b *model.Block) error
	CommitDurable(ctx context.Context) error
	CommitFast(ctx context.Context) error
	RollbackAll(ctx context.Context) error
	Notify(ctx context.Context, channel string, payload any) error
	FetchContracts(ctx context.Context) ([]*model.Contract, error)
	Conn() *sql.Conn
}

// Runtime is the subset of the Contract Runtime Adapter the loop depends on.
type Runtime interface {
	LoadContracts(ctx context.Context, rows []*model.Contract) error
	Execute(ctx context.Context, p contractrt.ExecuteParams) contractrt.ExecutionResult
	TypeNameOf(hash [32]byte) (string, bool)
}

// Report is what the loop sends to the Supervisor after a completed or
// failed tick (spec.md §4.D step 14, §4.E). Init is set only for the one-shot long-running
// startup tick, which the Supervisor exempts from the liveness-miss clock.
type Report struct {
	Type     string  `json:"type"`
	Init     bool    `json:"init,omitempty"`
	MemoryMB float64 `json:"memory_mb,omitempty"`
}

// Loop is the Mining Loop. tip and the booleans below it are the loop's
// own persistent state (spec.md §4.D); there is no lock because Tick is
// never called concurrently with itself.
type Loop struct {
	store            Store
	runtime          Runtime
	logger           *slog.Logger
	alerter          alert.Alerter
	cfg              config.MiningConfig
	priv             *cryptoutil.PrivateKey
	signPrefix       string
	addressVersion   byte
	processorAddress string

	reportCh     chan<- Report
	shuttingDown func() bool
	breaker      *circuitbreaker.Breaker

	tip            model.ChainTip
	isMining       bool
	shouldRollback bool
	justConnected  bool
	failures       int
	timeWarning    bool
	minedFirst     bool
}

// New constructs a Loop ready to Tick. reportCh receives a Report after every
// completed tick and after every failed tick except one failed by the
// server-version check; ticks skipped by the pacing, reentry or circuit
// breaker gates send none. shuttingDown is polled before any durable
// commit so the worker can exit without partially-applied state.
func New(store Store, rt Runtime, logger *slog.Logger, alerter alert.Alerter, cfg config.MiningConfig, signing config.SigningConfig, reportCh chan<- Report, shuttingDown func() bool) *Loop {
	return &Loop{
		store:            store,
		runtime:          rt,
		logger:           logger.With("component", "mining"),
		alerter:          alerter,
		cfg:              cfg,
		priv:             signing.PrivateKey,
		signPrefix:       signing.SignPrefix,
		addressVersion:   signing.AddressVersion,
		processorAddress: cryptoutil.AddressFromPublicKey(signing.PrivateKey.PublicKeyCompressed(), signing.AddressVersion),
		reportCh:         reportCh,
		shuttingDown:     shuttingDown,
		breaker:          circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 5, OpenTimeout: 30 * time.Second}),
	}
}

const minBlockVersion9_5 = 90500

// pgVersionUnsupported is the stay-down signal for the startup server
// version check (spec.md §4.D step 5, exit code 52).
type pgVersionUnsupported struct{ version int }

func (e pgVersionUnsupported) Error() string {
	return fmt.Sprintf("server_version_num %d is below the minimum supported 90500", e.version)
}

// Tick runs one iteration of the algorithm in spec.md §4.D. The worker in
// cmd/processor invokes it from a fixed 1-second ticker and relies on the
// step-1 pacing gate for block spacing; callers must not invoke it
// concurrently with itself (the reentrancy guard only protects against
// overlap from a second ticker source, not from being called re-entrantly
// by the same one).
func (l *Loop) Tick(ctx context.Context) error {
	now := time.Now().UnixMilli()

	// Step 1: pacing gate.
	if l.tip.PreviousTS != 0 {
		pacingSlack := int64(l.cfg.PacingSlackMS)
		minGapMS := int64(l.cfg.MinBlockIntervalSeconds) * 1000
		if l.tip.PreviousTS+minGapMS > now+pacingSlack {
			metrics.MiningTicksSkippedTotal.WithLabelValues("pacing").Inc()
			return nil
		}
	}

	// Step 2: reentry gate.
	if l.isMining {
		l.logger.Warn("mining tick skipped: previous tick still running")
		metrics.MiningTicksSkippedTotal.WithLabelValues("reentrant").Inc()
		return nil
	}

	// Step 3.
	l.isMining = true
	metrics.MiningTicksTotal.Inc()
	started := time.Now()

	if err := l.breaker.Allow(); err != nil {
		l.isMining = false
		metrics.MiningTicksSkippedTotal.WithLabelValues("circuit_open").Inc()
		return nil
	}

	justConnected, err := l.store.Connect(ctx)
	if err != nil {
		l.breaker.RecordFailure()
		l.abortMining(err)
		return err
	}
	l.breaker.RecordSuccess()
	if justConnected {
		l.justConnected = true
	}

	if err := l.runTick(ctx); err != nil {
		l.abortMining(err)
		return err
	}

	metrics.MiningTickDuration.Observe(time.Since(started).Seconds())
	l.failures = 0
	l.justConnected = false
	l.isMining = false
	l.sendReport(false)
	return nil
}

// runTick is steps 4-14, assuming isMining is already set and the connection
// is live.
func (l *Loop) runTick(ctx context.Context) error {
	// Step 4: recovery.
	if l.shouldRollback || l.justConnected {
		if err := l.store.RollbackAll(ctx); err != nil {
			l.failures++
			l.shouldRollback = true
			return fmt.Errorf("recovery rollback: %w", err)
		}
		contracts, err := l.store.FetchContracts(ctx)
		if err != nil {
			return fmt.Errorf("reload contracts: %w", err)
		}
		if err := l.runtime.LoadContracts(ctx, contracts); err != nil {
			return fmt.Errorf("compile contracts: %w", err)
		}
		l.shouldRollback = false
	}

	// Step 5: startup checks.
	if l.justConnected {
		version, err := l.store.ServerVersion(ctx)
		if err != nil {
			return fmt.Errorf("read server version: %w", err)
		}
		if version < minBlockVersion9_5 {
			return pgVersionUnsupported{version: version}
		}

		latest, err := l.store.LatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("read latest block: %w", err)
		}
		if latest == nil {
			l.tip = model.Genesis()
		} else {
			l.tip = model.ChainTip{
				PreviousHash: block.BlockHash(latest, l.signPrefix),
				PreviousTS:   latest.ProcessedTS,
				NextBlockID:  latest.ID + 1,
			}
		}

		timeoutMS := l.cfg.BlockIntervalSeconds * 1000
		if err := l.store.SetStatementTimeout(ctx, timeoutMS); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	// Step 6: pending fetch.
	pending, err := l.store.FetchPending(ctx, l.cfg.TransactionsPerBlock)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}

	// Step 7: begin block transaction.
	if err := l.store.BeginBlock(ctx); err != nil {
		l.shouldRollback = true
		return fmt.Errorf("begin block: %w", err)
	}

	// Step 8: block timestamp.
	now := time.Now().UnixMilli()
	blockTS := now
	if l.tip.PreviousTS+1 > blockTS {
		blockTS = l.tip.PreviousTS + 1
		if !l.timeWarning {
			l.logger.Warn("clock behind previous block timestamp; bumping block_ts forward", "previous_ts", l.tip.PreviousTS, "now", now)
			l.timeWarning = true
		}
	} else if l.timeWarning && now > l.tip.PreviousTS {
		l.timeWarning = false
	}

	// Step 9: per-transaction loop.
	admitted, updates, err := l.processPending(ctx, pending, blockTS)
	if err != nil {
		l.shouldRollback = true
		return err
	}

	// Step 10.
	if err := l.store.ResetRole(ctx); err != nil {
		l.shouldRollback = true
		return fmt.Errorf("reset role: %w", err)
	}

	// Step 11: bulk status update.
	if len(updates) > 0 {
		if err := l.store.BulkUpdateStatuses(ctx, updates); err != nil {
			l.shouldRollback = true
			return fmt.Errorf("bulk update statuses: %w", err)
		}
	}

	if l.shuttingDown != nil && l.shuttingDown() {
		// Leave the final COMMIT unissued; the store rolls back on
		// connection close (spec.md §4.D shutdown co-operation).
		return nil
	}

	// Step 12: block-or-no-block decision.
	intervalMS := int64(l.cfg.MinBlockIntervalSeconds+l.cfg.BlockIntervalSeconds) * 1000
	intervalElapsed := l.tip.PreviousTS+intervalMS <= now+int64(l.cfg.EmissionSlackMS)
	genesisForced := l.tip.PreviousTS == 0
	if len(admitted) == 0 && !genesisForced && !intervalElapsed {
		if err := l.store.CommitFast(ctx); err != nil {
			return fmt.Errorf("commit status-only tick: %w", err)
		}
		_ = l.store.Notify(ctx, "blocks", map[string]any{"ts": blockTS, "other": true})
		return nil
	}

	// Step 13: block emission.
	b, err := block.SignBlock(l.tip, admitted, blockTS, 1, l.priv, l.signPrefix)
	if err != nil {
		return fmt.Errorf("sign block: %w", err)
	}
	if err := l.store.InsertBlock(ctx, b); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	if err := l.store.CommitDurable(ctx); err != nil {
		return fmt.Errorf("commit durable: %w", err)
	}

	l.tip = model.ChainTip{
		PreviousHash: block.BlockHash(b, l.signPrefix),
		PreviousTS:   b.ProcessedTS,
		NextBlockID:  b.ID + 1,
	}
	metrics.BlocksEmittedTotal.Inc()
	metrics.BlockTransactionCount.Observe(float64(len(admitted)))
	metrics.BlockSizeBytes.Observe(float64(len(b.TransactionsRaw)))

	if !l.minedFirst {
		l.logger.Info("mined first block", "block_id", b.ID)
		l.minedFirst = true
	}

	_ = l.store.Notify(ctx, "blocks", map[string]any{"block": b.ID, "ts": b.ProcessedTS, "txs": len(admitted), "other": false})
	return nil
}

// processPending runs steps 9a-9h for every fetched transaction, returning
// the ones admitted into the block (in order) and the full set of
// status-update rows for terminalised transactions.
func (l *Loop) processPending(ctx context.Context, pending []*model.Transaction, blockTS int64) ([]*model.Transaction, []model.StatusUpdate, error) {
	var admitted []*model.Transaction
	var updates []model.StatusUpdate

	runningSize := 0
	position := 0
	now := time.Now().UnixMilli()
	budgetMS := int64(l.cfg.MinBlockIntervalSeconds+l.cfg.BlockIntervalSeconds) * 1000

	for i, tx := range pending {
		// Step 9a: size admission.
		if runningSize+tx.PackedSize() > l.cfg.MaxBlockSizeBytes {
			break
		}

		// Step 9h: time budget, checked before executing another candidate.
		if i > 0 && now-100 > l.tip.PreviousTS+budgetMS {
			break
		}

		result := l.runtime.Execute(ctx, contractrt.ExecuteParams{
			Tx:                tx,
			Conn:              l.store.Conn(),
			BlockID:           l.tip.NextBlockID,
			BlockTS:           blockTS,
			ProcessorAddress:  l.processorAddress,
			AddressVersion:    l.addressVersion,
			PreviousBlockTS:   l.tip.PreviousTS,
			PreviousBlockHash: l.tip.PreviousHash,
			Strict:            true,
		})
		metrics.ContractExecutionsTotal.WithLabelValues(outcomeLabel(result)).Inc()

		// Step 9d: advance or roll back the savepoint.
		if contractrt.KeepsSideEffects(result) {
			if err := l.store.SavepointAdvance(ctx); err != nil {
				return nil, nil, fmt.Errorf("savepoint advance: %w", err)
			}
		} else {
			if err := l.store.SavepointRollback(ctx); err != nil {
				return nil, nil, fmt.Errorf("savepoint rollback: %w", err)
			}
		}

		if _, isRetry := result.(contractrt.Retry); isRetry {
			// Transaction stays "new"; no status update, no block entry.
			continue
		}

		// Step 9e: contract type.
		contractType := resolveContractType(l.runtime, tx.ContractHash)

		// Step 9f: block admission.
		inBlock := contractrt.InBlock(result, l.cfg.ExcludeRejected)

		status := statusFor(result)
		message := truncateMessage(contractrt.MessageOf(result))
		update := model.StatusUpdate{
			ID:           tx.ID,
			ProcessedTS:  blockTS,
			Status:       status,
			Message:      &message,
			ContractType: &contractType,
		}

		// Step 9g: sender/receiver.
		sender := cryptoutil.AddressFromPublicKey(tx.PublicKey, l.addressVersion)
		update.Sender = &sender
		if receiver, ok := extractReceiver(tx.Payload); ok {
			update.Receiver = &receiver
		}

		if inBlock {
			blockID := l.tip.NextBlockID
			pos := position
			update.BlockID = &blockID
			update.PositionInBlock = &pos
			position++
			admitted = append(admitted, tx)
			runningSize += tx.PackedSize()
		}

		updates = append(updates, update)
	}

	return admitted, updates, nil
}

func resolveContractType(rt Runtime, hash [32]byte) string {
	name, _ := rt.TypeNameOf(hash)
	return name
}

func statusFor(r contractrt.ExecutionResult) model.TxStatus {
	switch r.(type) {
	case contractrt.Accepted, contractrt.V1Rejected:
		return model.StatusAccepted
	case contractrt.Rejected:
		return model.StatusRejected
	default:
		return model.StatusInvalid
	}
}

func outcomeLabel(r contractrt.ExecutionResult) string {
	switch r.(type) {
	case contractrt.Accepted:
		return "accepted"
	case contractrt.Rejected:
		return "rejected"
	case contractrt.V1Rejected:
		return "v1_rejected"
	case contractrt.Invalid:
		return "invalid"
	case contractrt.Retry:
		return "retry"
	default:
		return "unknown"
	}
}

func truncateMessage(s string) string {
	if len(s) > model.MessageMaxBytes {
		return s[:model.MessageMaxBytes]
	}
	return s
}

// extractReceiver coerces payload.receiver to a string truncated to 35
// characters, per spec.md §4.D step 9g. A missing or null receiver is
// reported absent.
func extractReceiver(payload json.RawMessage) (string, bool) {
	var shape struct {
		Receiver json.RawMessage `json:"receiver"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil || shape.Receiver == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(shape.Receiver, &s); err != nil {
		var raw any
		if err := json.Unmarshal(shape.Receiver, &raw); err != nil || raw == nil {
			return "", false
		}
		s = fmt.Sprintf("%v", raw)
	}
	if s == "" {
		return "", false
	}
	if len(s) > 35 {
		s = s[:35]
	}
	return s, true
}

// abortMining implements the shared failure path for steps 7-13 (spec.md
// §4.D): log, count the failure, and mark should_rollback so the next tick
// rolls back before doing anything else.
func (l *Loop) abortMining(err error) {
	metrics.MiningFailuresTotal.Inc()
	l.failures++
	metrics.MiningConsecutiveFailures.Set(float64(l.failures))

	var pgErr pgVersionUnsupported
	if errors.As(err, &pgErr) {
		contractrt.Guarded(func() {
			l.logger.Error("unsupported postgres version, shutting down", "version", pgErr.version)
			_ = l.alerter.Send(context.Background(), alert.Alert{
				Type:    alert.AlertTypeStayDown,
				Title:   "unsupported Postgres version",
				Message: pgErr.Error(),
			})
		})
		l.isMining = false
		return
	}

	contractrt.Guarded(func() {
		l.logger.Error("mining tick failed", "error", err, "consecutive_failures", l.failures)
		if l.failures > 3 {
			_ = l.alerter.Send(context.Background(), alert.Alert{
				Type:    alert.AlertTypeUnhandled,
				Title:   "mining loop repeatedly failing",
				Message: err.Error(),
				Fields:  map[string]string{"consecutive_failures": fmt.Sprint(l.failures)},
			})
		}
	})

	l.shouldRollback = true
	l.isMining = false
	l.sendReport(false)
}

// StayDownError reports whether abortMining's cause demands the worker
// shut down entirely rather than retry. The caller (the worker's main loop)
// exits the process with the returned code (52).
func StayDownError(err error) (int, string, bool) {
	var pgErr pgVersionUnsupported
	if errors.As(err, &pgErr) {
		return 52, pgErr.Error(), true
	}
	return 0, "", false
}

// sendReport emits a Report to the supervisor, sampling the worker's
// resident memory via runtime.MemStats (spec.md §4.D step 14 / §4.E).
func (l *Loop) sendReport(init bool) {
	if l.reportCh == nil {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := float64(mem.Sys) / (1024 * 1024)
	metrics.WorkerMemoryMB.Set(memMB)

	report := Report{Type: "report", Init: init, MemoryMB: memMB}
	select {
	case l.reportCh <- report:
	default:
		l.logger.Warn("report channel full, dropping report")
	}
}

// Init sends the one-shot {type:init, init:true} message the Supervisor
// uses to pause its liveness-miss counter during a long startup tick.
func (l *Loop) Init() {
	if l.reportCh == nil {
		return
	}
	select {
	case l.reportCh <- Report{Type: "init", Init: true}:
	default:
	}
}
