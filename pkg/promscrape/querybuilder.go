// Package promscrape turns a catalog of model-server metric descriptors
// into PromQL queries and executes them against either a self-hosted
// Prometheus or Google Managed Prometheus, producing the scrape results
// the report composer summarizes. Grounded on
// prometheus_client/base.py's PrometheusQueryBuilder and
// PrometheusMetricsClient, and google_managed_prometheus_client.py for
// the GMP credential path.
package promscrape

import (
	"fmt"

	"github.com/kubernetes-sigs/inference-perf/pkg/types"
)

// QueryBuilder turns one PrometheusMetricDescriptor into the PromQL
// string for its (kind, op) pair. Query shapes are reproduced byte for
// byte from the original's get_queries tables; only Go's %.0f verb
// differs from Python's in spelling, not output.
type QueryBuilder struct {
	descriptor types.PrometheusMetricDescriptor
	duration   float64
}

// NewQueryBuilder builds a QueryBuilder for descriptor evaluated over a
// window of duration seconds.
func NewQueryBuilder(descriptor types.PrometheusMetricDescriptor, duration float64) QueryBuilder {
	return QueryBuilder{descriptor: descriptor, duration: duration}
}

// Build returns the PromQL query for qb's descriptor, or an error if the
// descriptor's (kind, op) pair has no defined query shape.
func (qb QueryBuilder) Build() (string, error) {
	name := qb.descriptor.SourceMetric
	filter := joinFilters(qb.descriptor.LabelFilters)
	d := qb.duration

	switch qb.descriptor.Kind {
	case types.MetricKindGauge:
		switch qb.descriptor.Op {
		case types.MetricOpMean:
			return fmt.Sprintf("avg_over_time(%s{%s}[%.0fs])", name, filter, d), nil
		case types.MetricOpMedian:
			return fmt.Sprintf("quantile_over_time(0.5, %s{%s}[%.0fs])", name, filter, d), nil
		case types.MetricOpSD:
			return fmt.Sprintf("stddev_over_time(%s{%s}[%.0fs])", name, filter, d), nil
		case types.MetricOpMin:
			return fmt.Sprintf("min_over_time(%s{%s}[%.0fs])", name, filter, d), nil
		case types.MetricOpMax:
			return fmt.Sprintf("max_over_time(%s{%s}[%.0fs])", name, filter, d), nil
		case types.MetricOpP90:
			return fmt.Sprintf("quantile_over_time(0.9, %s{%s}[%.0fs])", name, filter, d), nil
		case types.MetricOpP99:
			return fmt.Sprintf("quantile_over_time(0.99, %s{%s}[%.0fs])", name, filter, d), nil
		}
	case types.MetricKindHistogram:
		switch qb.descriptor.Op {
		case types.MetricOpMean:
			return fmt.Sprintf("sum(rate(%s_sum{%s}[%.0fs])) / (sum(rate(%s_count{%s}[%.0fs])) > 0)", name, filter, d, name, filter, d), nil
		case types.MetricOpIncrease:
			return fmt.Sprintf("sum(increase(%s_count{%s}[%.0fs]))", name, filter, d), nil
		case types.MetricOpRate:
			return fmt.Sprintf("sum(rate(%s_count{%s}[%.0fs]))", name, filter, d), nil
		case types.MetricOpMedian:
			return fmt.Sprintf("histogram_quantile(0.5, sum(rate(%s_bucket{%s}[%.0fs])) by (le))", name, filter, d), nil
		case types.MetricOpMin:
			return fmt.Sprintf("histogram_quantile(0, sum(rate(%s_bucket{%s}[%.0fs])) by (le))", name, filter, d), nil
		case types.MetricOpMax:
			return fmt.Sprintf("histogram_quantile(1, sum(rate(%s_bucket{%s}[%.0fs])) by (le))", name, filter, d), nil
		case types.MetricOpP90:
			return fmt.Sprintf("histogram_quantile(0.9, sum(rate(%s_bucket{%s}[%.0fs])) by (le))", name, filter, d), nil
		case types.MetricOpP99:
			return fmt.Sprintf("histogram_quantile(0.99, sum(rate(%s_bucket{%s}[%.0fs])) by (le))", name, filter, d), nil
		}
	case types.MetricKindCounter:
		switch qb.descriptor.Op {
		case types.MetricOpRate:
			return fmt.Sprintf("sum(rate(%s{%s}[%.0fs]))", name, filter, d), nil
		case types.MetricOpIncrease:
			return fmt.Sprintf("sum(increase(%s{%s}[%.0fs]))", name, filter, d), nil
		case types.MetricOpMean:
			return fmt.Sprintf("avg_over_time(rate(%s{%s}[%.0fs])[%.0fs:%.0fs])", name, filter, d, d, d), nil
		case types.MetricOpMax:
			return fmt.Sprintf("max_over_time(rate(%s{%s}[%.0fs])[%.0fs:%.0fs])", name, filter, d, d, d), nil
		case types.MetricOpMin:
			return fmt.Sprintf("min_over_time(rate(%s{%s}[%.0fs])[%.0fs:%.0fs])", name, filter, d, d, d), nil
		case types.MetricOpP90:
			return fmt.Sprintf("quantile_over_time(0.9, rate(%s{%s}[%.0fs])[%.0fs:%.0fs])", name, filter, d, d, d), nil
		case types.MetricOpP99:
			return fmt.Sprintf("quantile_over_time(0.99, rate(%s{%s}[%.0fs])[%.0fs:%.0fs])", name, filter, d, d, d), nil
		}
	}

	return "", fmt.Errorf("promscrape: no query shape for kind %q op %q", qb.descriptor.Kind, qb.descriptor.Op)
}

func joinFilters(filters []string) string {
	out := ""
	for i, f := range filters {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}
