package model

// Contract is a row of basics.contracts, content-addressed by the SHA-256
// of its canonical code. Rows appear/disappear only as a side effect of
// executing the distinguished create/delete transactions.
type Contract struct {
	Hash            [ContractHashSize]byte
	TypeName        string
	Version         string
	Description     string
	Creator         string
	PayloadTemplate []byte // JSON-schema-like
	Code            []byte
}

// ContractTypeCreate/ContractTypeDelete/ContractTypeUnknown are the contract_type
// values the Mining Loop resolves per spec.md §4.D step 9e.
const (
	ContractTypeCreate  = "Create Contract"
	ContractTypeDelete  = "Delete Contract"
	ContractTypeUnknown = "Unknown"
)
