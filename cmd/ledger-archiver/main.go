// Command ledger-archiver is the launcher binary for the ledger
// ingestion pipeline: one subcommand per entry in spec.md §6's CLI
// surface (backfill, acs-snapshot, reconcile, recover-gaps,
// repair-partitions), each a thin wiring layer over the pkg/ components
// that do the actual work.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bstolman1/ledger-archiver/pkg/config"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/fetch"
	"github.com/bstolman1/ledger-archiver/pkg/health"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/metrics"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// broker is the process-wide event broker every subcommand's pipeline
// components publish lifecycle events to; recorder drains it into a
// bounded in-memory ring for /status to serve without holding its own
// subscription open per request.
var (
	broker   = events.NewBroker()
	recorder = events.NewRecorder(broker, 200)
)

// preflightState guards the most recent preflight result so /status can
// report it alongside the broker's recent event history.
var preflightState struct {
	mu     sync.Mutex
	result health.Result
	ran    bool
}

func recordPreflight(result health.Result) {
	preflightState.mu.Lock()
	defer preflightState.mu.Unlock()
	preflightState.result = result
	preflightState.ran = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ledger-archiver",
	Short:   "Ledger ingestion pipeline: shard backfills, ACS snapshots, and durability repair",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ledger-archiver version %s\nCommit: %s\n", Version, Commit))
	cobra.OnInitialize(initLogging)
	broker.Start()

	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(acsSnapshotCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(recoverGapsCmd)
	rootCmd.AddCommand(repairPartitionsCmd)
}

func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors surface properly once the subcommand's RunE
		// calls loadConfig itself; logging just needs a sane default
		// until then.
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: false})
		return
	}
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: cfg.LogJSON})
}

// loadConfig loads and validates process configuration, used by every
// subcommand before it wires its own dependencies.
func loadConfig() (config.Config, error) {
	return config.Load()
}

// buildStore constructs the object store cfg points at: an S3Store
// talking to the configured endpoint when GCS is enabled, otherwise a
// LocalStore rooted at DataDir/store for local development and tests.
func buildStore(cfg config.Config) (objectstore.ObjectStore, error) {
	if !cfg.GCSEnabled {
		return objectstore.NewLocalStore(cfg.DataDir + "/store"), nil
	}
	return objectstore.NewS3Store(objectstore.S3Config{
		Endpoint:        cfg.GCSEndpoint,
		Bucket:          cfg.GCSBucket,
		AccessKeyID:     cfg.GCSAccessKeyID,
		SecretAccessKey: cfg.GCSSecretAccessKey,
		UseSSL:          cfg.GCSUseSSL,
		InsecureTLS:     cfg.InsecureTLS,
	})
}

// buildFetchSource builds the default HTTP ledger source from cfg.
func buildFetchSource(cfg config.Config) *fetch.HTTPSource {
	return fetch.NewHTTPSource(cfg.ScanURL, cfg.ScanAuthToken, cfg.InsecureTLS)
}

// runPreflight executes the shared startup checks (scratch directory
// writable, object store reachable, ledger source reachable) and
// returns an error describing the first failing check, so a subcommand
// can abort before it ever opens a cursor or enqueues an upload.
func runPreflight(ctx context.Context, cfg config.Config, store objectstore.ObjectStore) error {
	checkers := []health.Checker{
		health.NewFilesystemChecker(cfg.DataDir),
		health.NewHTTPChecker(cfg.ScanURL),
	}
	if pinger, ok := store.(health.Pinger); ok {
		checkers = append(checkers, health.NewObjectStoreChecker(pinger))
	}

	if timeout := cfg.HealthcheckTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, failed := health.RunAll(ctx, checkers)
	recordPreflight(result)
	if !result.Healthy {
		return fmt.Errorf("preflight check %s failed: %s", failed.Type(), result.Message)
	}
	return nil
}

// serveMetrics starts the Prometheus metrics and /status endpoints in
// the background on cfg.StatusAddr; failures are logged rather than
// fatal, matching the teacher's treatment of its own metrics listener
// as an ancillary concern that must never block the primary work loop.
func serveMetrics(cfg config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", statusHandler)
	go func() {
		if err := http.ListenAndServe(cfg.StatusAddr, mux); err != nil {
			log.Error(fmt.Sprintf("metrics server error: %v", err))
		}
	}()
}

// statusResponse is the /status endpoint's wire shape: the most recent
// preflight result (A6) plus the last events.Event entries the broker
// (A5) has seen across every component wired to it.
type statusResponse struct {
	Preflight *health.Result  `json:"preflight,omitempty"`
	Events    []*events.Event `json:"events"`
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	preflightState.mu.Lock()
	var preflight *health.Result
	if preflightState.ran {
		result := preflightState.result
		preflight = &result
	}
	preflightState.mu.Unlock()

	resp := statusResponse{
		Preflight: preflight,
		Events:    recorder.Recent(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error(fmt.Sprintf("encode status response: %v", err))
	}
}

// interruptContext returns a context canceled on SIGINT/SIGTERM, so a
// shard process can drain its upload queue and checkpoint its cursor
// before exiting rather than losing in-flight work to an abrupt kill.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, draining in-flight work")
		cancel()
	}()
	return ctx, cancel
}
