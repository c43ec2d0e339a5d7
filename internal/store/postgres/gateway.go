// Package postgres implements the Store Gateway (spec.md §4.A): typed
// access to the relational store backing the processor, built on
// database/sql + lib/pq exactly as the teacher does (internal/store/postgres/db.go).
//
// The processor role carries CONNECTION LIMIT 1 at the database level
// (spec.md §5/§9 — "the robust mutual-exclusion mechanism of the entire
// system"), so the Gateway holds exactly one reserved *sql.Conn rather than
// a pool: a second processor instance simply fails to connect.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chainledger/processor/internal/domain/model"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Gateway is the Store Gateway: the only component in the system that
// writes to basics.transactions / basics.blocks / basics.contracts.
type Gateway struct {
	pool *DB
	conn *sql.Conn
}

// NewGateway wraps an already-opened *DB (see db.go) with Store Gateway
// semantics. It does not itself reserve the connection — call Connect for
// that.
func NewGateway(pool *DB) *Gateway {
	return &Gateway{pool: pool}
}

// Connect establishes the processor's single reserved connection. It is
// idempotent: calling it again while already connected is a no-op that
// reports justConnected=false. With the CONNECTION LIMIT 1 role a failure
// here (including "too many connections") can mean a duplicate processor;
// the error is returned as-is, and the Mining Loop counts it as an ordinary
// failed tick and tries again on a later tick. It is not treated as a
// stay-down condition.
func (g *Gateway) Connect(ctx context.Context) (justConnected bool, err error) {
	if g.conn != nil {
		if pingErr := g.conn.PingContext(ctx); pingErr == nil {
			return false, nil
		}
		_ = g.conn.Close()
		g.conn = nil
	}
	conn, err := g.pool.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve connection: %w", err)
	}
	g.conn = conn
	return true, nil
}

// FetchPending returns up to limit pending transactions ordered
// (create_ts ASC, transaction_id ASC) per spec.md §5's ordering guarantee.
func (g *Gateway) FetchPending(ctx context.Context, limit int) ([]*model.Transaction, error) {
	const query = `
		SELECT transaction_id, version, contract_hash, valid_till, payload,
		       public_key, signature, status, create_ts
		FROM basics.transactions
		WHERE status = 'new'
		ORDER BY create_ts ASC, transaction_id ASC
		LIMIT $1
	`
	rows, err := g.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		tx := &model.Transaction{}
		var id []byte
		var contractHash []byte
		var pubKey []byte
		var sig []byte
		var payload []byte
		if err := rows.Scan(&id, &tx.Version, &contractHash, &tx.ValidTill, &payload,
			&pubKey, &sig, &tx.Status, &tx.CreatedTS); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		txID, err := uuid.FromBytes(id)
		if err != nil {
			return nil, fmt.Errorf("parse transaction id: %w", err)
		}
		tx.ID = txID
		copy(tx.ContractHash[:], contractHash)
		copy(tx.PublicKey[:], pubKey)
		copy(tx.Signature[:], sig)
		tx.Payload = payload
		out = append(out, tx)
	}
	return out, rows.Err()
}

// LatestBlock returns the highest-id block, or nil if the chain is empty
// (genesis), for tip recovery (spec.md §4.A).
func (g *Gateway) LatestBlock(ctx context.Context) (*model.Block, error) {
	const query = `
		SELECT block_id, version, previous_block_hash, processed_ts, transactions, transactions_amount, signature
		FROM basics.blocks
		ORDER BY block_id DESC
		LIMIT 1
	`
	row := g.conn.QueryRowContext(ctx, query)
	b := &model.Block{}
	var prevHash, sig []byte
	if err := row.Scan(&b.ID, &b.Version, &prevHash, &b.ProcessedTS, &b.TransactionsRaw, &b.TransactionCount, &sig); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch latest block: %w", err)
	}
	copy(b.PreviousHash[:], prevHash)
	copy(b.Signature[:], sig)
	return b, nil
}

// ServerVersion reports Postgres's server_version_num, used by the Mining
// Loop's startup check (spec.md §4.D step 5: must be >= 9.5 i.e. 90500).
func (g *Gateway) ServerVersion(ctx context.Context) (int, error) {
	var version int
	err := g.conn.QueryRowContext(ctx, "SHOW server_version_num").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("fetch server version: %w", err)
	}
	return version, nil
}

// SetStatementTimeout applies a session-level statement_timeout, matching
// spec.md §4.D step 5's "statement_timeout = block_interval_seconds*1000".
func (g *Gateway) SetStatementTimeout(ctx context.Context, ms int) error {
	_, err := g.conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", ms))
	return err
}

// BeginBlock opens the outer transaction, drops to the least-privileged
// smartcontract role, and opens the per-candidate savepoint, per spec.md
// §4.A / §4.D step 7.
func (g *Gateway) BeginBlock(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "BEGIN; SET LOCAL ROLE smartcontract; SAVEPOINT tx;")
	return err
}

// SavepointRollback discards the current candidate transaction's side
// effects without losing earlier accepted work in the same block.
func (g *Gateway) SavepointRollback(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT tx;")
	return err
}

// SavepointAdvance keeps the current candidate's side effects and opens a
// fresh savepoint for the next one.
func (g *Gateway) SavepointAdvance(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "RELEASE SAVEPOINT tx; SAVEPOINT tx;")
	return err
}

// ResetRole leaves the smartcontract role after the per-transaction loop
// completes, before the bulk status update and block insert run with full
// processor privileges.
func (g *Gateway) ResetRole(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "RESET ROLE;")
	return err
}

// BulkUpdateStatuses writes every terminalised transaction's outcome in one
// JSON-to-rowset statement (spec.md §4.A).
func (g *Gateway) BulkUpdateStatuses(ctx context.Context, rows []model.StatusUpdate) error {
	if len(rows) == 0 {
		return nil
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal status updates: %w", err)
	}

	const query = `
		UPDATE basics.transactions AS t
		SET processed_ts       = u.processed_ts,
		    status             = u.status,
		    message            = u.message,
		    contract_type      = u.contract_type,
		    sender             = u.sender,
		    receiver           = u.receiver,
		    block_id           = u.block_id,
		    position_in_block  = u.position_in_block
		FROM json_to_recordset($1::json) AS u(
		    id                uuid,
		    processed_ts      bigint,
		    status            text,
		    message           text,
		    contract_type     text,
		    sender            text,
		    receiver          text,
		    block_id          bigint,
		    position_in_block int
		)
		WHERE t.transaction_id = u.id
	`
	if _, err := g.conn.ExecContext(ctx, query, string(payload)); err != nil {
		return fmt.Errorf("bulk update statuses: %w", err)
	}
	return nil
}

// InsertBlock appends block to basics.blocks. Tables are append-only;
// callers never update or delete a row here.
func (g *Gateway) InsertBlock(ctx context.Context, block *model.Block) error {
	const query = `
		INSERT INTO basics.blocks
		    (block_id, version, previous_block_hash, processed_ts, transactions, transactions_amount, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := g.conn.ExecContext(ctx, query,
		block.ID, block.Version, block.PreviousHash[:], block.ProcessedTS,
		block.TransactionsRaw, block.TransactionCount, block.Signature[:],
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", block.ID, err)
	}
	return nil
}

// CommitDurable is the only durable commit path (spec.md §4.D step 13):
// forces synchronous_commit on for this transaction before committing, so
// a crash immediately after can never lose an already-acknowledged block.
func (g *Gateway) CommitDurable(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "SET LOCAL synchronous_commit TO ON; COMMIT;")
	return err
}

// CommitFast commits a status-only transaction; synchronous_commit may be
// off at the session level (spec.md §4.A).
func (g *Gateway) CommitFast(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "COMMIT;")
	return err
}

// RollbackAll performs a session rollback, used on reconnect or recovery
// (spec.md §4.D step 4).
func (g *Gateway) RollbackAll(ctx context.Context) error {
	_, err := g.conn.ExecContext(ctx, "ROLLBACK;")
	return err
}

// Notify is a best-effort fan-out to listeners on channel. Failure is
// logged by the caller and never treated as fatal (spec.md §4.A).
func (g *Gateway) Notify(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	_, err = g.conn.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(body))
	return err
}

// FetchContracts rebuilds the content-addressed contract map, used by the
// Contract Runtime Adapter at startup and after any rollback that could
// have crossed a create/delete transaction (spec.md §4.B).
func (g *Gateway) FetchContracts(ctx context.Context) ([]*model.Contract, error) {
	const query = `
		SELECT contract_hash, type_name, version, description, creator, payload_template, code
		FROM basics.contracts
	`
	rows, err := g.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch contracts: %w", err)
	}
	defer rows.Close()

	var out []*model.Contract
	for rows.Next() {
		c := &model.Contract{}
		var hash []byte
		if err := rows.Scan(&hash, &c.TypeName, &c.Version, &c.Description, &c.Creator, &c.PayloadTemplate, &c.Code); err != nil {
			return nil, fmt.Errorf("scan contract row: %w", err)
		}
		copy(c.Hash[:], hash)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Conn exposes the reserved connection for callers that need to issue SQL
// the Gateway itself has no named operation for: the Mining Loop hands it
// to the Contract Runtime for each execution, and tests use it directly.
func (g *Gateway) Conn() *sql.Conn {
	return g.conn
}

// Close releases the reserved connection.
func (g *Gateway) Close() error {
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
