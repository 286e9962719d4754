package promscrape

import "github.com/kubernetes-sigs/inference-perf/pkg/types"

// VLLMCatalog returns the standard metric catalog for a vLLM-compatible
// target server, filtered to the given model name. Grounded on
// vllm_client.py's PROMETHEUS_METRIC_NAMES mapping: the exported metric
// families (vllm:time_to_first_token_seconds, vllm:prompt_tokens_total,
// vllm:generation_tokens_total, vllm:e2e_request_latency_seconds) and the
// ops the original drives against them.
func VLLMCatalog(model string) types.Catalog {
	filter := "model_name='" + model + "'"

	return types.Catalog{
		"avg_time_to_first_token": {
			DisplayName: "avg_time_to_first_token", SourceMetric: "vllm:time_to_first_token_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpMean, LabelFilters: []string{filter},
		},
		"median_time_to_first_token": {
			DisplayName: "median_time_to_first_token", SourceMetric: "vllm:time_to_first_token_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpMedian, LabelFilters: []string{filter},
		},
		"p90_time_to_first_token": {
			DisplayName: "p90_time_to_first_token", SourceMetric: "vllm:time_to_first_token_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpP90, LabelFilters: []string{filter},
		},
		"p99_time_to_first_token": {
			DisplayName: "p99_time_to_first_token", SourceMetric: "vllm:time_to_first_token_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpP99, LabelFilters: []string{filter},
		},
		"avg_prompt_tokens": {
			DisplayName: "avg_prompt_tokens", SourceMetric: "vllm:prompt_tokens_total",
			Kind: types.MetricKindCounter, Op: types.MetricOpMean, LabelFilters: []string{filter},
		},
		"prompt_tokens_per_second": {
			DisplayName: "prompt_tokens_per_second", SourceMetric: "vllm:prompt_tokens_total",
			Kind: types.MetricKindCounter, Op: types.MetricOpRate, LabelFilters: []string{filter},
		},
		"avg_output_tokens": {
			DisplayName: "avg_output_tokens", SourceMetric: "vllm:generation_tokens_total",
			Kind: types.MetricKindCounter, Op: types.MetricOpMean, LabelFilters: []string{filter},
		},
		"output_tokens_per_second": {
			DisplayName: "output_tokens_per_second", SourceMetric: "vllm:generation_tokens_total",
			Kind: types.MetricKindCounter, Op: types.MetricOpRate, LabelFilters: []string{filter},
		},
		"request_count": {
			DisplayName: "request_count", SourceMetric: "vllm:e2e_request_latency_seconds_count",
			Kind: types.MetricKindCounter, Op: types.MetricOpIncrease, LabelFilters: []string{filter},
		},
		"requests_per_second": {
			DisplayName: "requests_per_second", SourceMetric: "vllm:e2e_request_latency_seconds_count",
			Kind: types.MetricKindCounter, Op: types.MetricOpRate, LabelFilters: []string{filter},
		},
		"avg_request_latency": {
			DisplayName: "avg_request_latency", SourceMetric: "vllm:e2e_request_latency_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpMean, LabelFilters: []string{filter},
		},
		"median_request_latency": {
			DisplayName: "median_request_latency", SourceMetric: "vllm:e2e_request_latency_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpMedian, LabelFilters: []string{filter},
		},
		"p90_request_latency": {
			DisplayName: "p90_request_latency", SourceMetric: "vllm:e2e_request_latency_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpP90, LabelFilters: []string{filter},
		},
		"p99_request_latency": {
			DisplayName: "p99_request_latency", SourceMetric: "vllm:e2e_request_latency_seconds",
			Kind: types.MetricKindHistogram, Op: types.MetricOpP99, LabelFilters: []string{filter},
		},
	}
}
