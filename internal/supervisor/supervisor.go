// Package supervisor implements the Supervisor (spec.md §4.E): the
// process that owns the lifecycle of a single Worker subprocess, watching
// its exit code, memory usage, and liveness reports, and deciding whether
// to restart it, back off, or stay down for good. Grounded on the teacher's
// main()'s errgroup + signal-channel shutdown shape (cmd/indexer/main.go),
// generalized from "run N goroutines until one signals shutdown" to "run
// one re-exec'd child process and react to what it reports".
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chainledger/processor/internal/alert"
	"github.com/chainledger/processor/internal/metrics"
	"github.com/chainledger/processor/internal/mining"
)

// Exit code policy for the worker subprocess (spec.md §4.E).
const (
	ExitOK            = 0
	ExitStayDownMin   = 50
	ExitStayDownMax   = 59
	initialBackoff    = 1 * time.Second
	maxBackoff        = 5 * time.Minute
	sigtermGrace      = 10 * time.Second
	livenessMissLimit = 4
)

// Config is the subset of config.Config the Supervisor needs, kept narrow
// so the worker-mode re-exec args can be assembled without importing the
// whole config package's validation surface twice.
type Config struct {
	BlockIntervalSeconds int
	MaxMemoryMB          int
	WorkerEnv            []string
	WorkerArgs           []string
}

// Supervisor re-execs the current binary in worker mode, and restarts it
// according to the exit-code/liveness/memory policy in spec.md §4.E.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	alerter alert.Alerter

	mu                         sync.Mutex
	consecutiveBackoffRestarts int

	hardShutdown atomic.Bool
}

// New constructs a Supervisor.
func New(cfg Config, logger *slog.Logger, alerter alert.Alerter) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		alerter: alerter,
	}
}

// Run drives the supervise-restart loop until ctx is canceled (SIGINT) or a
// worker exit is classified stay-down.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				s.logger.Info("SIGTERM received, forcing immediate shutdown")
				s.hardShutdown.Store(true)
			} else {
				s.logger.Info("SIGINT received, requesting graceful shutdown")
			}
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	for {
		outcome, err := s.runOnce(runCtx)
		if err != nil {
			return fmt.Errorf("run worker: %w", err)
		}

		select {
		case <-runCtx.Done():
			s.logger.Info("supervisor shutting down, not restarting worker")
			return nil
		default:
		}

		switch {
		case outcome.stayDown:
			s.logger.Error("worker reported a stay-down condition, exiting supervisor",
				"exit_code", outcome.exitCode, "reason", outcome.reason)
			metrics.SupervisorRestartsTotal.WithLabelValues("stay_down").Inc()
			_ = s.alerter.Send(context.Background(), alert.Alert{
				Type:    alert.AlertTypeStayDown,
				Title:   "worker stayed down",
				Message: outcome.reason,
				Fields:  map[string]string{"exit_code": fmt.Sprint(outcome.exitCode)},
			})
			return fmt.Errorf("worker stayed down: %s", outcome.reason)

		case outcome.exitCode == ExitOK:
			s.resetBackoff()
			metrics.SupervisorRestartsTotal.WithLabelValues("clean_exit").Inc()
			s.logger.Info("worker exited cleanly, restarting after 1s")
			if !s.sleep(runCtx, initialBackoff) {
				return nil
			}

		default:
			backoff := s.nextBackoff()
			metrics.SupervisorRestartsTotal.WithLabelValues(outcome.cause).Inc()
			s.logger.Warn("worker exited abnormally, backing off",
				"exit_code", outcome.exitCode, "cause", outcome.cause, "backoff", backoff)
			if !s.sleep(runCtx, backoff) {
				return nil
			}
		}
	}
}

func (s *Supervisor) resetBackoff() {
	s.mu.Lock()
	s.consecutiveBackoffRestarts = 0
	s.mu.Unlock()
}

func (s *Supervisor) nextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := initialBackoff << s.consecutiveBackoffRestarts
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	s.consecutiveBackoffRestarts++
	return d
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

type runOutcome struct {
	exitCode int
	stayDown bool
	reason   string
	cause    string // metrics label: "crash", "memory", "liveness"
}

// runOnce spawns one worker subprocess, pipes its IPC reports, and blocks
// until it exits or ctx is canceled. On cancellation the worker is sent
// SIGTERM and runOnce waits for it to exit; after a SIGTERM to the
// Supervisor itself, the worker is killed if it has not exited within
// sigtermGrace.
func (s *Supervisor) runOnce(ctx context.Context) (runOutcome, error) {
	exe, err := os.Executable()
	if err != nil {
		return runOutcome{}, fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(exe, s.cfg.WorkerArgs...)
	cmd.Env = append(os.Environ(), s.cfg.WorkerEnv...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runOutcome{}, fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return runOutcome{}, fmt.Errorf("start worker: %w", err)
	}
	s.logger.Info("worker started", "pid", cmd.Process.Pid)

	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			if s.hardShutdown.Load() {
				select {
				case <-time.After(sigtermGrace):
					s.logger.Warn("worker did not exit within grace period, killing", "pid", cmd.Process.Pid)
					_ = cmd.Process.Kill()
				case <-killed:
				}
			}
		case <-killed:
		}
	}()

	memoryBreach := make(chan struct{}, 1)
	livenessMissed := make(chan struct{}, 1)
	done := make(chan struct{})
	go s.watchReports(stdout, memoryBreach, livenessMissed, done)

	var cause, reason string
	select {
	case <-memoryBreach:
		cause = "memory"
		reason = "worker exceeded MAX_MEMORY"
		_ = cmd.Process.Signal(syscall.SIGTERM)
	case <-livenessMissed:
		cause = "liveness"
		reason = fmt.Sprintf("worker missed %d consecutive liveness reports", livenessMissLimit)
		_ = cmd.Process.Kill()
	case <-done:
		cause = "crash"
	case <-ctx.Done():
	}

	waitErr := cmd.Wait()
	close(killed)

	exitCode := exitCodeOf(waitErr)
	if cause == "" {
		cause = "crash"
	}
	if reason == "" {
		reason = fmt.Sprintf("worker exited with code %d", exitCode)
	}

	stayDown := exitCode >= ExitStayDownMin && exitCode <= ExitStayDownMax
	return runOutcome{exitCode: exitCode, stayDown: stayDown, reason: reason, cause: cause}, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// watchReports reads newline-delimited JSON mining.Report values from the
// worker's stdout, resetting the liveness-miss clock on every report and
// firing memoryBreach/livenessMissed when the policy in spec.md §4.E is
// tripped. It runs until stdout closes (the worker exited) or an
// unrecoverable read error occurs.
func (s *Supervisor) watchReports(stdout io.Reader, memoryBreach, livenessMissed chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	livenessInterval := time.Duration(s.cfg.BlockIntervalSeconds*2) * time.Second
	if livenessInterval <= 0 {
		livenessInterval = 120 * time.Second
	}

	missed := 0
	paused := false
	lastSeen := time.Now()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			var report mining.Report
			if err := json.Unmarshal([]byte(line), &report); err != nil {
				s.logger.Warn("worker sent malformed report line", "line", line, "error", err)
				continue
			}
			lastSeen = time.Now()
			missed = 0
			paused = report.Init

			if report.MemoryMB > 0 && s.cfg.MaxMemoryMB > 0 && report.MemoryMB > float64(s.cfg.MaxMemoryMB) {
				select {
				case memoryBreach <- struct{}{}:
				default:
				}
				return
			}

		case <-ticker.C:
			if paused {
				continue
			}
			if time.Since(lastSeen) < livenessInterval {
				continue
			}
			missed++
			if missed >= livenessMissLimit {
				select {
				case livenessMissed <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
