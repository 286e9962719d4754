// Command benchctl drives a configured load profile against an
// OpenAI-compatible inference server and writes a report of the
// observed lifecycle and Prometheus metrics to a run directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kubernetes-sigs/inference-perf/pkg/config"
	"github.com/kubernetes-sigs/inference-perf/pkg/datagen"
	"github.com/kubernetes-sigs/inference-perf/pkg/httpsession"
	"github.com/kubernetes-sigs/inference-perf/pkg/lifecycle"
	"github.com/kubernetes-sigs/inference-perf/pkg/log"
	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
	"github.com/kubernetes-sigs/inference-perf/pkg/promscrape"
	"github.com/kubernetes-sigs/inference-perf/pkg/report"
	"github.com/kubernetes-sigs/inference-perf/pkg/scheduler"
	"github.com/kubernetes-sigs/inference-perf/pkg/sink"
	"github.com/kubernetes-sigs/inference-perf/pkg/storage"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/kubernetes-sigs/inference-perf/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitCodeError carries the exit code main should use for a run error,
// distinguishing "config invalid" (1) from "run aborted" (2) and "all
// requests failed" (3).
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ec *exitCodeError
		if exitErr, ok := err.(*exitCodeError); ok {
			ec = exitErr
		}
		if ec != nil {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "run",
	Short:   "benchctl - load generator and benchmark harness for LLM inference servers",
	Version: Version,
	RunE:    runRun,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"benchctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringP("config", "c", "", "Path to the run configuration file (required)")
	rootCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print benchctl version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("benchctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("loading configuration: %w", err)}
	}

	runID := uuid.NewString()

	logger := log.New(log.Config{Level: log.InfoLevel, JSONOutput: false})
	logger = log.WithRunID(log.WithComponent(logger, "benchctl"), runID)

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveMetrics(ctx, cfg, m, logger)

	storageClient, err := storage.NewLocalClient(storage.Config{
		Dir:    filepath.Join(cfg.Storage.Dir, runID),
		Logger: log.WithComponent(logger, "storage"),
	})
	if err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("setting up storage: %w", err)}
	}

	reportSink := sink.New()
	registry := lifecycle.NewSessionRegistry(m)
	pool, err := buildWorkerPool(cfg, m, reportSink, registry, logger)
	if err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("setting up workers: %w", err)}
	}

	gen := datagen.NewSyntheticGenerator(datagen.Config{
		API:         cfg.API.Type,
		Vocabulary:  cfg.Data.Vocabulary,
		PromptWords: cfg.Data.PromptWords,
		MaxTokens:   cfg.Data.MaxTokens,
		IgnoreEOS:   cfg.Data.IgnoreEOS,
		CorpusSize:  cfg.Data.CorpusSize,
	})

	var rng *rand.Rand
	if seed := cfg.Load.RandomSeed; seed != nil {
		rng = rand.New(rand.NewPCG(*seed, *seed))
	}

	sched := scheduler.New(scheduler.Config{
		Logger:    log.WithComponent(logger, "scheduler"),
		Metrics:   m,
		Sink:      reportSink,
		Generator: gen,
		Rand:      rng,
	})

	scraper, scrapeTarget, err := buildScraper(ctx, cfg, m, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("prometheus scraper unavailable; run will not include prometheus artifacts")
	}

	pool.Start(ctx)
	runtimeInfo, runErr := sched.Run(ctx, cfg.Stages(), pool)
	pool.Close()

	if runErr != nil {
		return &exitCodeError{code: 2, err: fmt.Errorf("run aborted: %w", runErr)}
	}

	records := make(map[uint32][]types.LifecycleRecord, len(runtimeInfo))
	windows := make(map[uint32]time.Duration, len(runtimeInfo))
	for _, info := range runtimeInfo {
		records[info.StageID] = reportSink.DrainByStage(info.StageID)
		windows[info.StageID] = info.EndTime.Sub(info.StartTime)
	}

	scrapeResults := make(map[uint32]map[string]promscrape.Result, len(runtimeInfo))
	if scraper != nil && scrapeTarget != nil {
		for _, info := range runtimeInfo {
			if err := scraper.Wait(ctx); err != nil {
				break
			}
			catalog := promscrape.VLLMCatalog(cfg.Server.Model)
			scrapeResults[info.StageID] = scraper.Collect(ctx, catalog, info.EndTime.Sub(info.StartTime).Seconds(), info.EndTime)
		}
	}

	runReport := report.Compose(records, scrapeResults, windows, cfg.Report.IncludeRawDump)

	if err := persistReport(storageClient, runReport, logger, m); err != nil {
		logger.Error().Err(err).Msg("failed to persist one or more report artifacts")
	}

	if runReport.Summary.SuccessCount == 0 {
		return &exitCodeError{code: 3, err: fmt.Errorf("all requests failed")}
	}

	logger.Info().Int("successes", runReport.Summary.SuccessCount).Msg("run complete")
	return nil
}

func buildWorkerPool(cfg *config.Config, m *metrics.Metrics, reportSink *sink.Sink, registry *lifecycle.SessionRegistry, logger zerolog.Logger) (*scheduler.WorkerPool, error) {
	workers := make([]*worker.Worker, 0, max(cfg.Load.Workers, 1))
	numWorkers := cfg.Load.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	var tlsCfg *httpsession.TLSConfig
	if cfg.Server.TLS != nil {
		tlsCfg = &httpsession.TLSConfig{
			CertFile: cfg.Server.TLS.CertFile,
			KeyFile:  cfg.Server.TLS.KeyFile,
			CAFile:   cfg.Server.TLS.CAFile,
		}
	}

	for i := 0; i < numWorkers; i++ {
		id := strconv.Itoa(i)

		session, err := httpsession.New(httpsession.Config{
			BaseURL:             cfg.Server.BaseURL,
			TLS:                 tlsCfg,
			MaxIdleConnsPerHost: cfg.Server.MaxIdleConnsPerHost,
			RequestTimeout:      cfg.RequestTimeout(),
			APIKey:              cfg.Server.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", id, err)
		}

		engine := lifecycle.NewEngine(lifecycle.Config{
			Session:   session,
			Registry:  registry,
			Logger:    log.WithWorker(log.WithComponent(logger, "lifecycle"), id),
			Streaming: cfg.API.Streaming,
		})

		workers = append(workers, worker.New(worker.Config{
			ID:      id,
			Engine:  engine,
			Sink:    reportSink,
			Metrics: m,
			Logger:  log.WithWorker(log.WithComponent(logger, "worker"), id),
		}))
	}

	return scheduler.NewWorkerPool(workers, cfg.Load.QueueDepth), nil
}

func buildScraper(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*promscrape.Scraper, promscrape.Target, error) {
	if cfg.Metrics.URL == "" && !cfg.Metrics.GoogleManaged {
		return nil, nil, nil
	}

	var target promscrape.Target
	targetName := "self_hosted"
	if cfg.Metrics.GoogleManaged {
		gmp, err := promscrape.NewGoogleManagedTarget(ctx, cfg.Metrics.ProjectID, http.DefaultClient)
		if err != nil {
			return nil, nil, fmt.Errorf("setting up google managed prometheus target: %w", err)
		}
		target = gmp
		targetName = "google_managed"
	} else {
		target = promscrape.NewSelfHostedTarget(cfg.Metrics.URL, http.DefaultClient)
	}

	scraper := promscrape.New(promscrape.Config{
		Target:         target,
		ScrapeInterval: time.Duration(cfg.Metrics.ScrapeInterval) * time.Second,
		Logger:         log.WithComponent(logger, "promscrape"),
		Metrics:        m,
		TargetName:     targetName,
	})
	return scraper, target, nil
}

func persistReport(client storage.Client, r report.RunReport, logger zerolog.Logger, m *metrics.Metrics) error {
	var firstErr error
	save := func(name string, v any) {
		data, err := marshalIndent(v)
		if err != nil {
			logger.Error().Err(err).Str("artifact", name).Msg("failed to marshal report artifact")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if err := client.Save(name, data); err != nil {
			logger.Error().Err(err).Str("artifact", name).Msg("failed to save report artifact")
			if m != nil {
				m.ReportWriteErrors.Inc()
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	save("summary_lifecycle_metrics.json", r.Summary)
	for _, stage := range r.Stages {
		prefix := fmt.Sprintf("stage_%d", stage.Lifecycle.StageID)
		save(prefix+"_lifecycle_metrics.json", stage.Lifecycle)
		if stage.Prometheus != nil {
			save(prefix+"_prometheus_metrics.json", stage.Prometheus)
		}
		if stage.SLO != nil {
			save(prefix+"_slo_attainment.json", stage.SLO)
		}
		if stage.RawDump != nil {
			save(prefix+"_requests.json", stage.RawDump)
		}
	}

	return firstErr
}

// serveMetrics exposes benchctl's own self-observability surface until
// ctx is done. A bind failure is logged, not fatal: the run proceeds
// without a scrapeable self-metrics endpoint.
func serveMetrics(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) {
	srv := &http.Server{Addr: ":9090", Handler: m.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn().Err(err).Msg("self-metrics server exited")
	}
}

func marshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
