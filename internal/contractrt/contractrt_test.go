package contractrt

import (
	"context"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestKeepsSideEffects(t *testing.T) {
	require.True(t, KeepsSideEffects(Accepted{Message: "ok"}))
	require.True(t, KeepsSideEffects(V1Rejected{Message: "legacy"}))
	require.False(t, KeepsSideEffects(Rejected{Message: "no"}))
	require.False(t, KeepsSideEffects(Invalid{Message: "bad"}))
	require.False(t, KeepsSideEffects(Retry{Message: "later"}))
}

func TestInBlock(t *testing.T) {
	require.True(t, InBlock(Accepted{}, false))
	require.True(t, InBlock(Rejected{}, false))
	require.False(t, InBlock(Rejected{}, true))
	require.False(t, InBlock(Invalid{}, false))
	require.False(t, InBlock(Retry{}, false))
}

func TestSandboxDepthNeverGoesNegative(t *testing.T) {
	require.False(t, InSandbox())
	LeaveSandbox()
	require.False(t, InSandbox())

	EnterSandbox()
	EnterSandbox()
	require.True(t, InSandbox())
	LeaveSandbox()
	require.True(t, InSandbox())
	LeaveSandbox()
	require.False(t, InSandbox())
}

func TestGuardedTemporarilyLeavesSandbox(t *testing.T) {
	EnterSandbox()
	defer LeaveSandbox()

	var sawUnsandboxed bool
	Guarded(func() {
		sawUnsandboxed = !InSandbox()
	})
	require.True(t, sawUnsandboxed)
	require.True(t, InSandbox())
}

func TestClassifyDBError(t *testing.T) {
	require.IsType(t, Retry{}, classifyDBError(&pq.Error{Code: "40P01"}))
	require.IsType(t, Invalid{}, classifyDBError(&pq.Error{Code: "23505"}))
	require.IsType(t, Retry{}, classifyDBError(context.DeadlineExceeded))
}

func TestIsLegacyContractVersion(t *testing.T) {
	require.True(t, isLegacyContractVersion("1"))
	require.True(t, isLegacyContractVersion("1.0"))
	require.True(t, isLegacyContractVersion("1.3"))
	require.False(t, isLegacyContractVersion("2"))
	require.False(t, isLegacyContractVersion("10"))
	require.False(t, isLegacyContractVersion(""))
}
