package contractrt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainledger/processor/internal/domain/model"
	"github.com/tetratelabs/wazero"
)

// runWASMContract instantiates an ordinary (non-distinguished) contract and
// calls its single exported entry point. Start functions are disabled, so no
// guest code runs during instantiation; the call to execute runs with
// contract code marked sandboxed (spec.md §5). The host module wired in
// registerHostModule is the only surface the guest can reach.
func (r *Runtime) runWASMContract(ctx context.Context, c *compiledContract, p ExecuteParams, sender string) ExecutionResult {
	callCtx, cancel := context.WithTimeout(ctx, executionTimeout)
	defer cancel()

	state := &callState{
		payload:           p.Tx.Payload,
		sender:            sender,
		processorAddress:  p.ProcessorAddress,
		blockID:           p.BlockID,
		blockTS:           p.BlockTS,
		previousBlockTS:   p.PreviousBlockTS,
		previousBlockHash: p.PreviousBlockHash,
	}
	callCtx = withCallState(callCtx, state)

	modConfig := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("contract-%x-%s", c.row.Hash[:8], p.Tx.ID)).
		WithStartFunctions()

	instance, err := r.engine.InstantiateModule(callCtx, c.compiled, modConfig)
	if err != nil {
		return instantiationFailure(err)
	}
	defer instance.Close(ctx)

	entry := instance.ExportedFunction("execute")
	if entry == nil {
		return Invalid{Message: "contract exports no execute function"}
	}

	EnterSandbox()
	_, callErr := entry.Call(callCtx)
	LeaveSandbox()

	if callErr != nil {
		return instantiationFailure(callErr)
	}
	if !state.resultSet {
		return Invalid{Message: "contract returned without calling finish"}
	}

	message := truncateMessage(string(state.message))
	switch state.resultCode {
	case resultAccept:
		return Accepted{Message: message}
	case resultReject:
		if isLegacyContractVersion(c.row.Version) {
			return V1Rejected{Message: message}
		}
		return Rejected{Message: message}
	default:
		return Invalid{Message: fmt.Sprintf("contract returned unknown result code %d", state.resultCode)}
	}
}

// isLegacyContractVersion reports whether a contract was registered under
// version 1, predating the convention where a rejection rolls back its side
// effects. A version-1 contract's rejection keeps its side effects to
// preserve the behavior contracts of that vintage were written against.
func isLegacyContractVersion(version string) bool {
	return version == "1" || strings.HasPrefix(version, "1.")
}

// instantiationFailure classifies a wazero-level failure: a deadline hit
// while the contract ran is transient (the tick retries), anything else
// (trap, out-of-bounds memory access, missing import) is a contract defect.
func instantiationFailure(err error) ExecutionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return Retry{Message: "contract execution timed out"}
	}
	return Invalid{Message: "contract execution failed: " + truncateMessage(err.Error())}
}

func truncateMessage(s string) string {
	if len(s) > model.MessageMaxBytes {
		return s[:model.MessageMaxBytes]
	}
	return s
}
