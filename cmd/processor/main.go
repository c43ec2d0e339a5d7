// Command processor is the single binary for the blockchain processor
// (spec.md §4): re-exec'd as either the Supervisor or the Worker depending
// on the -worker flag. The Supervisor never touches the database or signs
// anything; it only starts, watches, and restarts the Worker. Grounded on
// the teacher's cmd/indexer/main.go main(), generalized from "one process
// running every pipeline" to "a supervisor process re-execing one worker".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainledger/processor/internal/alert"
	"github.com/chainledger/processor/internal/config"
	"github.com/chainledger/processor/internal/contractrt"
	"github.com/chainledger/processor/internal/logging"
	"github.com/chainledger/processor/internal/mining"
	"github.com/chainledger/processor/internal/procerr"
	"github.com/chainledger/processor/internal/store/postgres"
	"github.com/chainledger/processor/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	worker := flag.Bool("worker", false, "run in worker mode (spawned by the supervisor, not for direct use)")
	flag.Parse()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.SetSecrets(logging.Secrets{
		PrivateKeyWIF: cfg.Signing.PrivateKeyWIF,
		DBPassword:    cfg.DB.Password,
		SentryURL:     cfg.Sentry.URL,
	})
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	alerter, err := buildAlerter(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize alerting", "error", err)
		os.Exit(1)
	}

	if *worker {
		os.Exit(runWorker(cfg, logger, alerter))
	}
	os.Exit(runSupervisor(cfg, logger, alerter, flag.Args()))
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) (alert.Alerter, error) {
	sentryAlerter, err := alert.NewSentryAlerter(cfg.Sentry.URL)
	if err != nil {
		return nil, fmt.Errorf("init sentry alerter: %w", err)
	}
	return alert.NewMultiAlerter(5*time.Minute, logger, sentryAlerter), nil
}

// runSupervisor re-execs this same binary with -worker and supervises it
// for the remainder of the process lifetime (spec.md §4.E).
func runSupervisor(cfg *config.Config, logger *slog.Logger, alerter alert.Alerter, passthroughArgs []string) int {
	sup := supervisor.New(supervisor.Config{
		BlockIntervalSeconds: cfg.Mining.BlockIntervalSeconds,
		MaxMemoryMB:          cfg.Health.MaxMemoryMB,
		WorkerArgs:           append([]string{"-worker"}, passthroughArgs...),
	}, logger, alerter)

	if err := sup.Run(context.Background()); err != nil {
		logger.Error("supervisor exiting", "error", err)
		return 1
	}
	return procerr.ExitClean
}

// runWorker connects to Postgres, builds the Contract Runtime Adapter and
// Mining Loop, and drives Tick on a fixed-rate ticker until the process is
// asked to shut down. It writes one JSON line per mining.Report to stdout,
// the channel the Supervisor's watchReports reads (spec.md §4.E).
func runWorker(cfg *config.Config, logger *slog.Logger, alerter alert.Alerter) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	db, err := postgres.New(postgres.Config{URL: cfg.DB.DSN()})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}
	defer db.Close()

	gateway := postgres.NewGateway(db)

	rt, err := contractrt.NewRuntime(ctx, logger)
	if err != nil {
		logger.Error("failed to initialize contract runtime", "error", err)
		return 1
	}
	defer rt.Close(context.Background())

	reportCh := make(chan mining.Report, 8)
	go emitReports(reportCh)

	shuttingDown := newShutdownFlag()
	loop := mining.New(gateway, rt, logger, alerter, cfg.Mining, cfg.Signing, reportCh, shuttingDown.isSet)
	loop.Init()

	healthSrv := newHealthServer(cfg.Health.Port, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	stayDownCode := make(chan int, 1)
	g.Go(func() error {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if err := loop.Tick(gCtx); err != nil {
					if code, reason, stayDown := mining.StayDownError(err); stayDown {
						logger.Error("worker staying down", "code", code, "reason", reason)
						stayDownCode <- code
						return fmt.Errorf("stay down: %s", reason)
					}
					logger.Error("mining tick failed, will retry next tick", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-sigCh:
			shuttingDown.set()
			cancel()
		case <-gCtx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		select {
		case code := <-stayDownCode:
			return code
		default:
			logger.Error("worker exiting on error", "error", err)
			return 1
		}
	}
	return procerr.ExitClean
}

// shutdownFlag is polled by the Mining Loop before any durable commit so a
// SIGINT/SIGTERM mid-tick stops the in-flight tick before its final COMMIT,
// leaving none of its work applied, and no new tick starts (spec.md §4.D
// shutdown co-operation).
type shutdownFlag struct{ ch chan struct{} }

func newShutdownFlag() *shutdownFlag { return &shutdownFlag{ch: make(chan struct{})} }

func (f *shutdownFlag) set() {
	select {
	case <-f.ch:
	default:
		close(f.ch)
	}
}

func (f *shutdownFlag) isSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// emitReports is the worker-side half of the stdout IPC channel the
// Supervisor's watchReports reads (spec.md §4.E): one JSON object per line.
func emitReports(reportCh <-chan mining.Report) {
	enc := json.NewEncoder(os.Stdout)
	for report := range reportCh {
		if err := enc.Encode(report); err != nil {
			slog.Warn("failed to write report to stdout", "error", err)
		}
	}
}

func newHealthServer(port int, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}
