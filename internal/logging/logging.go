// Package logging builds the process-wide *slog.Logger from LOG_LEVEL/
// LOG_FORMAT (spec.md §6), and redacts secrets from error text before it
// reaches any sink — the private key, DB password, and Sentry URL must
// never appear in a log line or an alert payload (spec.md §5/§9).
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Secrets is the set of values Redact scrubs out of arbitrary text. It is
// populated once at startup from the loaded configuration.
type Secrets struct {
	PrivateKeyWIF string
	DBPassword    string
	SentryURL     string
}

var active Secrets

// SetSecrets installs the values subsequent Redact calls will scrub.
// Called once from main after configuration is loaded.
func SetSecrets(s Secrets) {
	active = s
}

// Redact replaces any occurrence of a known secret in msg with a fixed
// placeholder. Safe to call on text that contains no secrets.
func Redact(msg string) string {
	out := msg
	if active.PrivateKeyWIF != "" {
		out = strings.ReplaceAll(out, active.PrivateKeyWIF, "[REDACTED_PRIVATE_KEY]")
	}
	if active.DBPassword != "" {
		out = strings.ReplaceAll(out, active.DBPassword, "[REDACTED_DB_PASSWORD]")
	}
	if active.SentryURL != "" {
		out = strings.ReplaceAll(out, active.SentryURL, "[REDACTED_SENTRY_URL]")
	}
	return out
}

// RedactError wraps Redact for error values, preserving nil.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", Redact(err.Error()))
}

// levelFromConfig maps spec.md's 0..5 LOG_LEVEL onto slog levels: 0/1 debug,
// 2 info, 3 warn, 4/5 error.
func levelFromConfig(n int) slog.Level {
	switch {
	case n <= 1:
		return slog.LevelDebug
	case n == 2:
		return slog.LevelInfo
	case n == 3:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New builds the process logger. With LOG_FORMAT unset it matches the
// teacher's default: structured JSON to stdout. With LOG_FORMAT set, it
// uses a templateHandler that substitutes $color $timestamp $message $error
// $severity, for human-facing terminals.
func New(levelNum int, format string) *slog.Logger {
	level := levelFromConfig(levelNum)
	if strings.TrimSpace(format) == "" {
		h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
		return slog.New(&redactingHandler{h})
	}
	return slog.New(&redactingHandler{&templateHandler{
		template: format,
		level:    level,
		out:      os.Stdout,
		mu:       &sync.Mutex{},
	}})
}

// redactingHandler wraps another slog.Handler and scrubs secrets from every
// attribute value before delegating. It is the mechanism behind spec.md's
// "secrets must be redacted from any logged exception text".
type redactingHandler struct {
	next slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Redact(a.Value.String()))
	}
	if err, ok := a.Value.Any().(error); ok && a.Value.Kind() == slog.KindAny {
		return slog.String(a.Key, Redact(err.Error()))
	}
	return a
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(redacted)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}
