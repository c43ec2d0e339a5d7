package contractrt

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/chainledger/processor/internal/domain/model"
)

// createContractPayload is the JSON shape expected by the create-contract
// distinguished transaction (contract_hash == all-zero).
type createContractPayload struct {
	TypeName        string          `json:"type"`
	Version         string          `json:"version"`
	Description     string          `json:"description"`
	PayloadTemplate json.RawMessage `json:"template"`
	Code            []byte          `json:"code"` // base64 in the JSON; json.Unmarshal decodes it into []byte
}

type deleteContractPayload struct {
	ContractHash string `json:"hash"` // hex-encoded 32 bytes
}

// runCreateContract interprets the create-contract payload itself rather
// than loading user code (spec.md §4.B), content-addressing the new
// contract by the SHA-256 of its code.
func runCreateContract(ctx context.Context, conn *sql.Conn, tx *model.Transaction, creator string) ExecutionResult {
	var payload createContractPayload
	if err := json.Unmarshal(tx.Payload, &payload); err != nil {
		return Invalid{Message: "malformed create-contract payload"}
	}
	code := payload.Code
	if len(code) == 0 {
		return Invalid{Message: "create-contract payload has no code"}
	}
	hash := sha256.Sum256(code)

	const query = `
		INSERT INTO basics.contracts (contract_hash, type_name, version, description, creator, payload_template, code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (contract_hash) DO NOTHING
	`
	res, err := conn.ExecContext(ctx, query, hash[:], payload.TypeName, payload.Version, payload.Description, creator, payload.PayloadTemplate, code)
	if err != nil {
		return classifyDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Rejected{Message: "contract already exists"}
	}
	return Accepted{Message: fmt.Sprintf("contract %x created", hash)}
}

// runDeleteContract interprets the delete-contract payload itself
// (contract_hash == all-0xFF).
func runDeleteContract(ctx context.Context, conn *sql.Conn, tx *model.Transaction, requester string) ExecutionResult {
	var payload deleteContractPayload
	if err := json.Unmarshal(tx.Payload, &payload); err != nil {
		return Invalid{Message: "malformed delete-contract payload"}
	}
	decoded, err := hex.DecodeString(payload.ContractHash)
	if err != nil || len(decoded) != 32 {
		return Invalid{Message: "delete-contract payload has a malformed hash"}
	}
	var hash [32]byte
	copy(hash[:], decoded)

	const query = `DELETE FROM basics.contracts WHERE contract_hash = $1 AND creator = $2`
	res, err := conn.ExecContext(ctx, query, hash[:], requester)
	if err != nil {
		return classifyDBError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Rejected{Message: "contract not found or not owned by requester"}
	}
	return Accepted{Message: fmt.Sprintf("contract %x deleted", hash)}
}
