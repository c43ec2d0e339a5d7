package contractrt

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// callState is threaded through context.Context for the lifetime of a single
// contract call. Host functions read the transaction's payload/sender out of
// it and write the contract's verdict back into it; nothing here touches a
// clock, RNG, socket, or filesystem, which is the point of the sandbox.
type callState struct {
	payload           []byte
	sender            string
	processorAddress  string
	blockID           int64
	blockTS           int64
	previousBlockTS   int64
	previousBlockHash [32]byte
	message           []byte
	resultCode        int32
	resultSet         bool
}

type callStateKey struct{}

func withCallState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, s)
}

func callStateFrom(ctx context.Context) *callState {
	s, _ := ctx.Value(callStateKey{}).(*callState)
	return s
}

// Result codes the guest passes to env.finish; anything else is treated as
// a contract-authoring error (Invalid).
const (
	resultAccept = int32(0)
	resultReject = int32(1)
)

// registerHostModule builds the "env" host module every compiled contract
// links against. Only deterministic, sandbox-safe facilities are exposed:
// reading the transaction payload and sender, and reporting a verdict.
// There is deliberately no clock, random, network, or filesystem import.
func (r *Runtime) registerHostModule(ctx context.Context) error {
	builder := r.engine.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(hostPayloadLen).
		Export("payload_len")

	builder.NewFunctionBuilder().
		WithFunc(hostPayloadCopy).
		Export("payload_copy")

	builder.NewFunctionBuilder().
		WithFunc(hostSenderLen).
		Export("sender_len")

	builder.NewFunctionBuilder().
		WithFunc(hostSenderCopy).
		Export("sender_copy")

	builder.NewFunctionBuilder().
		WithFunc(hostProcessorAddressLen).
		Export("processor_address_len")

	builder.NewFunctionBuilder().
		WithFunc(hostProcessorAddressCopy).
		Export("processor_address_copy")

	builder.NewFunctionBuilder().
		WithFunc(hostBlockID).
		Export("block_id")

	builder.NewFunctionBuilder().
		WithFunc(hostBlockTS).
		Export("block_ts")

	builder.NewFunctionBuilder().
		WithFunc(hostPreviousBlockTS).
		Export("previous_block_ts")

	builder.NewFunctionBuilder().
		WithFunc(hostPreviousBlockHashCopy).
		Export("previous_block_hash_copy")

	builder.NewFunctionBuilder().
		WithFunc(hostFinish).
		Export("finish")

	builder.NewFunctionBuilder().
		WithFunc(hostLog).
		Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate env host module: %w", err)
	}
	return nil
}

func hostPayloadLen(ctx context.Context, _ api.Module) int32 {
	s := callStateFrom(ctx)
	if s == nil {
		return 0
	}
	return int32(len(s.payload))
}

func hostPayloadCopy(ctx context.Context, mod api.Module, ptr int32) {
	s := callStateFrom(ctx)
	if s == nil {
		return
	}
	mod.Memory().Write(uint32(ptr), s.payload)
}

func hostSenderLen(ctx context.Context, _ api.Module) int32 {
	s := callStateFrom(ctx)
	if s == nil {
		return 0
	}
	return int32(len(s.sender))
}

func hostSenderCopy(ctx context.Context, mod api.Module, ptr int32) {
	s := callStateFrom(ctx)
	if s == nil {
		return
	}
	mod.Memory().Write(uint32(ptr), []byte(s.sender))
}

func hostProcessorAddressLen(ctx context.Context, _ api.Module) int32 {
	s := callStateFrom(ctx)
	if s == nil {
		return 0
	}
	return int32(len(s.processorAddress))
}

func hostProcessorAddressCopy(ctx context.Context, mod api.Module, ptr int32) {
	s := callStateFrom(ctx)
	if s == nil {
		return
	}
	mod.Memory().Write(uint32(ptr), []byte(s.processorAddress))
}

func hostBlockID(ctx context.Context, _ api.Module) int64 {
	s := callStateFrom(ctx)
	if s == nil {
		return 0
	}
	return s.blockID
}

func hostBlockTS(ctx context.Context, _ api.Module) int64 {
	s := callStateFrom(ctx)
	if s == nil {
		return 0
	}
	return s.blockTS
}

func hostPreviousBlockTS(ctx context.Context, _ api.Module) int64 {
	s := callStateFrom(ctx)
	if s == nil {
		return 0
	}
	return s.previousBlockTS
}

func hostPreviousBlockHashCopy(ctx context.Context, mod api.Module, ptr int32) {
	s := callStateFrom(ctx)
	if s == nil {
		return
	}
	mod.Memory().Write(uint32(ptr), s.previousBlockHash[:])
}

// hostFinish is the contract's single exit point: a result code plus an
// optional message describing it. Calling it more than once keeps only the
// last call, matching spec.md's "contract returns a single verdict".
func hostFinish(ctx context.Context, mod api.Module, code int32, msgPtr int32, msgLen int32) {
	s := callStateFrom(ctx)
	if s == nil {
		return
	}
	buf, ok := mod.Memory().Read(uint32(msgPtr), uint32(msgLen))
	if ok {
		s.message = append([]byte(nil), buf...)
	}
	s.resultCode = code
	s.resultSet = true
}

// hostLog lets a contract emit a diagnostic line without reaching a real
// clock or writer. It leaves the sandbox while it records the line and
// re-enters before returning control to the guest (spec.md §5).
func hostLog(ctx context.Context, mod api.Module, msgPtr int32, msgLen int32) {
	buf, ok := mod.Memory().Read(uint32(msgPtr), uint32(msgLen))
	if !ok {
		return
	}
	line := string(buf)
	Guarded(func() {
		// Nothing is written to a logger: the line is appended to the call's
		// message buffer. A later finish call replaces that buffer, so only
		// lines logged after finish reach the result message.
		s := callStateFrom(ctx)
		if s != nil {
			s.message = append(s.message, []byte("; log: "+line)...)
		}
	})
}
