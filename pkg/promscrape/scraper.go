package promscrape

import (
	"context"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/rs/zerolog"
)

// scrapeBuffer is added to the configured scrape interval before a
// collection window closes, giving the last in-flight request's samples
// time to land in Prometheus (PROMETHEUS_SCRAPE_BUFFER_SEC in the
// original).
const scrapeBuffer = 2 * time.Second

// Scraper evaluates a Catalog of metric descriptors against a Target,
// reducing each to a single scalar per catalog key.
type Scraper struct {
	target         Target
	scrapeInterval time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	targetName     string
}

// Config controls Scraper construction.
type Config struct {
	Target         Target
	ScrapeInterval time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	// TargetName labels this scraper's self-metrics, e.g.
	// "google_managed" or "self_hosted".
	TargetName string
}

// New builds a Scraper from cfg, defaulting ScrapeInterval to 30s to
// match the original's PrometheusClientConfig default.
func New(cfg Config) *Scraper {
	interval := cfg.ScrapeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scraper{
		target:         cfg.Target,
		scrapeInterval: interval,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		targetName:     cfg.TargetName,
	}
}

// Wait blocks for the configured scrape interval plus a safety buffer,
// giving Prometheus time to ingest the last scrape before Collect reads
// it back.
func (s *Scraper) Wait(ctx context.Context) error {
	timer := time.NewTimer(s.scrapeInterval + scrapeBuffer)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is one catalog entry's evaluated value, or nil if the target
// returned no series for it.
type Result struct {
	Value *float64
	Err   error
}

// Collect evaluates every entry of catalog over a window of duration
// seconds, ending at evalTime, returning one Result per catalog key. A
// query that errors or returns no series contributes a nil-valued
// Result rather than aborting the whole collection.
func (s *Scraper) Collect(ctx context.Context, catalog types.Catalog, duration float64, evalTime time.Time) map[string]Result {
	var timer *metrics.Timer
	if s.metrics != nil {
		timer = metrics.NewTimer()
	}

	out := make(map[string]Result, len(catalog))
	failed := false
	for key, descriptor := range catalog {
		query, err := NewQueryBuilder(descriptor, duration).Build()
		if err != nil {
			s.logger.Warn().Err(err).Str("metric", key).Msg("skipping metric with no query shape")
			out[key] = Result{Err: err}
			failed = true
			continue
		}

		value, err := s.target.Query(ctx, query, evalTime)
		if err != nil {
			s.logger.Warn().Err(err).Str("metric", key).Str("query", query).Msg("prometheus query failed")
			out[key] = Result{Err: err}
			failed = true
			continue
		}
		out[key] = Result{Value: value}
	}

	if s.metrics != nil {
		result := "success"
		if failed {
			result = "error"
		}
		s.metrics.ScrapeTotal.WithLabelValues(s.targetName, result).Inc()
		timer.ObserveDuration(s.metrics.ScrapeDuration)
	}

	return out
}
