package contractrt

// ExecutionResult is the sum type spec.md §4.B defines for a single
// contract execution outcome. Modeled as a sealed interface rather than an
// enum so the Mining Loop's switch over it is exhaustive and type-safe.
type ExecutionResult interface {
	isExecutionResult()
}

// Accepted: the contract ran and its DB side effects must be retained
// (the Mining Loop advances the savepoint).
type Accepted struct{ Message string }

// Rejected: the contract reported a business-rule refusal; side effects
// are rolled back.
type Rejected struct{ Message string }

// V1Rejected: legacy contracts return a rejection message as their return
// value; side effects are retained to preserve historical semantics
// (spec.md §9 Open Questions — intentional, not a bug).
type V1Rejected struct{ Message string }

// Invalid: structural or contract-interpretation failure (bad signature,
// expired, unknown contract under strict mode, thrown exception); side
// effects are rolled back, but the transaction must still be terminalised.
type Invalid struct{ Message string }

// Retry: a non-deterministic environmental failure (statement timeout,
// lost connection); side effects are rolled back and the transaction stays
// "new".
type Retry struct{ Message string }

func (Accepted) isExecutionResult()   {}
func (Rejected) isExecutionResult()   {}
func (V1Rejected) isExecutionResult() {}
func (Invalid) isExecutionResult()    {}
func (Retry) isExecutionResult()      {}

// KeepsSideEffects reports whether the outcome advances the savepoint
// (Accepted, V1Rejected) rather than rolling it back.
func KeepsSideEffects(r ExecutionResult) bool {
	switch r.(type) {
	case Accepted, V1Rejected:
		return true
	default:
		return false
	}
}

// InBlock reports whether a transaction with this outcome is admitted into
// the block (spec.md §4.D step 9f), given the configured exclude_rejected
// policy.
func InBlock(r ExecutionResult, excludeRejected bool) bool {
	switch r.(type) {
	case Accepted, V1Rejected:
		return true
	case Rejected:
		return !excludeRejected
	default:
		return false
	}
}

// MessageOf extracts the outcome's message, truncated/sanitised by the
// caller to model.MessageMaxBytes.
func MessageOf(r ExecutionResult) string {
	switch v := r.(type) {
	case Accepted:
		return v.Message
	case Rejected:
		return v.Message
	case V1Rejected:
		return v.Message
	case Invalid:
		return v.Message
	case Retry:
		return v.Message
	default:
		return ""
	}
}
