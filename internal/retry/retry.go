// Package retry classifies database errors as transient or terminal for the
// Contract Runtime Adapter, which turns them into Retry or Invalid results
// (spec.md §7 "Transient DB", "Contract-retry"). It is adapted
// from the teacher's contract RPC error classifier: same Decision shape,
// different signal set (Postgres SQLSTATEs and driver errors instead of
// JSON-RPC codes).
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// transientSQLStates are the Postgres error classes that justify a retry
// on a later tick rather than terminalising whatever transaction hit them:
// connection exceptions (08*), lock_not_available/deadlock (55P03, 40P01),
// serialization_failure (40001), too_many_connections (53300), and
// query_canceled/statement timeout (57014).
var transientSQLStates = map[string]string{
	"08000": "connection_exception",
	"08003": "connection_does_not_exist",
	"08006": "connection_failure",
	"08001": "sqlclient_unable_to_establish_connection",
	"08004": "sqlserver_rejected_connection",
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
	"57014": "query_canceled",
	"53300": "too_many_connections",
}

// Classify inspects err and decides whether the failure is transient (the
// Contract Runtime reports Retry and the transaction stays "new") or
// terminal (the Contract Runtime reports Invalid).
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "statement_timeout"}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if reason, ok := transientSQLStates[string(pqErr.Code)]; ok {
			return Decision{Class: ClassTransient, Reason: reason}
		}
		return Decision{Class: ClassTerminal, Reason: "sqlstate_" + string(pqErr.Code)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
		return Decision{Class: ClassTransient, Reason: "net_error"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
	"driver: bad connection",
	"eof",
	"i/o timeout",
	"use of closed network connection",
	"server closed the connection",
}
