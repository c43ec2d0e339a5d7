// Package alert fans out operational alerts (stay-down, liveness misses,
// memory-triggered restarts) to its configured channels (the worker and
// supervisor configure a Sentry sink). The alert itself is not written to
// the process log; only cooldown suppressions and send failures are.
// Adapted from the teacher's internal/alert/alerter.go: same Alerter
// interface and MultiAlerter cooldown/fan-out shape, different channel set
// and AlertType vocabulary.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chainledger/processor/internal/logging"
	"github.com/getsentry/sentry-go"
)

// AlertType categorizes the kind of alert the Supervisor or Mining Loop raises.
type AlertType string

const (
	AlertTypeStayDown       AlertType = "STAY_DOWN"
	AlertTypeLivenessMissed AlertType = "LIVENESS_MISSED"
	AlertTypeMemoryRestart  AlertType = "MEMORY_RESTART"
	AlertTypeUnhandled      AlertType = "UNHANDLED_ERROR"
	AlertTypeRecovery       AlertType = "RECOVERY"
)

// Alert represents a single alert event.
type Alert struct {
	Type    AlertType
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels, deduping repeats of
// the same AlertType within cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[AlertType]time.Time),
	}
}

// Send dispatches alert to all channels, respecting cooldown. Alert.Message
// is redacted before it leaves the process (spec.md §5/§9).
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	alert.Message = logging.Redact(alert.Message)

	m.mu.Lock()
	if last, ok := m.lastSent[alert.Type]; ok && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "type", alert.Type)
		return nil
	}
	m.lastSent[alert.Type] = time.Now()
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed", "type", alert.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SentryAlerter reports alerts as Sentry events when SENTRY_URL is set.
type SentryAlerter struct{}

// NewSentryAlerter initializes the global Sentry client. Safe to call with
// an empty dsn — Sentry no-ops in that case.
func NewSentryAlerter(dsn string) (*SentryAlerter, error) {
	if dsn == "" {
		return &SentryAlerter{}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return &SentryAlerter{}, nil
}

func (s *SentryAlerter) Send(_ context.Context, alert Alert) error {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(alert.Type))
		for k, v := range alert.Fields {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(fmt.Sprintf("[%s] %s: %s", alert.Type, alert.Title, alert.Message))
	})
	return nil
}

func sentryLevel(t AlertType) sentry.Level {
	switch t {
	case AlertTypeStayDown, AlertTypeUnhandled:
		return sentry.LevelFatal
	case AlertTypeMemoryRestart, AlertTypeLivenessMissed:
		return sentry.LevelWarning
	case AlertTypeRecovery:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}

// NoopAlerter does nothing. The tests use it where no alert channel is
// wanted; cmd/processor always builds the Sentry alerter.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
