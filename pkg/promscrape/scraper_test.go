package promscrape

import (
	"context"
	"testing"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	values map[string]float64
	err    error
}

func (f *fakeTarget) Query(ctx context.Context, query string, evalTime time.Time) (*float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[query]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func TestScraperCollectMapsCatalogKeysToResults(t *testing.T) {
	query := `avg_over_time(vllm_ttft{job="vllm"}[5s])`
	target := &fakeTarget{values: map[string]float64{query: 1.5}}

	scraper := New(Config{Target: target})
	catalog := types.Catalog{
		"avg_time_to_first_token": types.PrometheusMetricDescriptor{
			SourceMetric: "vllm_ttft",
			Kind:         types.MetricKindGauge,
			Op:           types.MetricOpMean,
			LabelFilters: []string{`job="vllm"`},
		},
	}

	results := scraper.Collect(context.Background(), catalog, 5, time.Now())
	require.Contains(t, results, "avg_time_to_first_token")
	require.NoError(t, results["avg_time_to_first_token"].Err)
	require.NotNil(t, results["avg_time_to_first_token"].Value)
	assert.InDelta(t, 1.5, *results["avg_time_to_first_token"].Value, 1e-9)
}

func TestScraperCollectRecordsPerMetricErrorWithoutAbortingOthers(t *testing.T) {
	target := &fakeTarget{values: map[string]float64{}}
	scraper := New(Config{Target: target})

	catalog := types.Catalog{
		"bad_op": types.PrometheusMetricDescriptor{
			SourceMetric: "x",
			Kind:         types.MetricKindGauge,
			Op:           types.MetricOpIncrease, // invalid for gauge
		},
		"ok": types.PrometheusMetricDescriptor{
			SourceMetric: "y",
			Kind:         types.MetricKindGauge,
			Op:           types.MetricOpMean,
		},
	}

	results := scraper.Collect(context.Background(), catalog, 5, time.Now())
	assert.Error(t, results["bad_op"].Err)
	assert.NoError(t, results["ok"].Err)
}

func TestScraperCollectObservesScrapeMetrics(t *testing.T) {
	query := `avg_over_time(vllm_ttft{job="vllm"}[5s])`
	target := &fakeTarget{values: map[string]float64{query: 1.5}}
	m := metrics.New()

	scraper := New(Config{Target: target, Metrics: m, TargetName: "self_hosted"})
	catalog := types.Catalog{
		"avg_time_to_first_token": types.PrometheusMetricDescriptor{
			SourceMetric: "vllm_ttft",
			Kind:         types.MetricKindGauge,
			Op:           types.MetricOpMean,
			LabelFilters: []string{`job="vllm"`},
		},
	}

	scraper.Collect(context.Background(), catalog, 5, time.Now())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ScrapeTotal.WithLabelValues("self_hosted", "success")))
	assert.Greater(t, testutil.CollectAndCount(m.ScrapeDuration), 0)
}

func TestScraperWaitRespectsContextCancellation(t *testing.T) {
	scraper := New(Config{Target: &fakeTarget{}, ScrapeInterval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := scraper.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
