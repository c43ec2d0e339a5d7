// Package procerr models the "stay-down" error class spec.md §6/§7 defines:
// exit codes 50-59 signal a condition where automatic restart would be
// harmful (wrong PG version, duplicate processor, schema corruption).
package procerr

import "fmt"

// StayDown is a typed stay-down error carrying its exit code. The Mining
// Loop signals its stay-down case through mining.StayDownError, and the
// Supervisor decides from the worker's exit code alone; neither inspects
// this type.
type StayDown struct {
	Code   int // 50..59
	Reason string
}

func (e *StayDown) Error() string {
	return fmt.Sprintf("stay-down (exit %d): %s", e.Code, e.Reason)
}

// Exit codes named in spec.md §6/§8 scenario 5.
const (
	ExitClean              = 0
	ExitShutdownIncomplete = 1
	ExitBadServerVersion   = 52
)

// NewStayDown builds a StayDown error, clamping Code into the reserved
// 50-59 band defensively.
func NewStayDown(code int, reason string) *StayDown {
	if code < 50 || code > 59 {
		code = 50
	}
	return &StayDown{Code: code, Reason: reason}
}
