// Package report folds a stage's lifecycle records and Prometheus
// scrape results into the JSON artifacts a run persists. Compose is a
// pure function: it reads its inputs, allocates its outputs, and
// performs no I/O.
package report

import (
	"sort"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/promscrape"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
)

// Summary is the {mean, min, p10, p50, p90, max} field layout used for
// every distribution reported.
type Summary struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	P10  float64 `json:"p10"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	Max  float64 `json:"max"`
}

func summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return Summary{
		Mean: sum / float64(len(sorted)),
		Min:  sorted[0],
		P10:  percentile(sorted, 0.10),
		P50:  percentile(sorted, 0.50),
		P90:  percentile(sorted, 0.90),
		Max:  sorted[len(sorted)-1],
	}
}

// percentile assumes sorted is non-empty and already ascending.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// LifecycleSummary is stage_{id}_lifecycle_metrics: distributions over
// successful requests, plus failure counts by outcome.
type LifecycleSummary struct {
	StageID                         uint32         `json:"stage_id"`
	SuccessCount                    int            `json:"success_count"`
	RequestLatencySec               Summary        `json:"request_latency_sec"`
	TTFTSec                         Summary        `json:"ttft_sec"`
	InterTokenLatencySec            Summary        `json:"inter_token_latency_sec"`
	NormalizedTimePerOutputTokenSec Summary        `json:"normalized_time_per_output_token_sec"`
	InputTokens                     Summary        `json:"input_tokens"`
	OutputTokens                    Summary        `json:"output_tokens"`
	FailureCounts                   map[string]int `json:"failure_counts"`
	FailureLatencySec               Summary        `json:"failure_latency_sec"`
}

// PrometheusSummary is stage_{id}_prometheus_metrics: the scraper's
// keyed scalar results for a single stage, folded into the same field
// layout where a metric maps to one value rather than a distribution.
type PrometheusSummary struct {
	StageID uint32              `json:"stage_id"`
	Values  map[string]*float64 `json:"values"`
}

// SLOAttainment is the SLO-attainment artifact for a stage.
type SLOAttainment struct {
	StageID             uint32  `json:"stage_id"`
	AttainmentPercent   float64 `json:"attainment_percent"`
	GoodputTokensPerSec float64 `json:"goodput_tokens_per_sec"`
}

// StageReport bundles every artifact class for one stage.
type StageReport struct {
	Lifecycle  LifecycleSummary
	Prometheus *PrometheusSummary
	SLO        *SLOAttainment
	RawDump    []types.LifecycleRecord
}

// RunReport is the full output of Compose: per-stage reports plus a
// run-wide lifecycle summary folding every stage's successful records
// together.
type RunReport struct {
	Stages  []StageReport
	Summary LifecycleSummary
}

// Compose folds records (keyed by stage ID, as drained from the sink)
// and scrapeResults (keyed by stage ID, as produced by promscrape) into
// a RunReport. stageWindows supplies each stage's wall-clock duration,
// needed for goodput; a stage absent from stageWindows gets goodput 0.
// includeRawDump controls whether StageReport.RawDump — the optional
// per-request dump — is populated.
func Compose(records map[uint32][]types.LifecycleRecord, scrapeResults map[uint32]map[string]promscrape.Result, stageWindows map[uint32]time.Duration, includeRawDump bool) RunReport {
	stageIDs := make([]uint32, 0, len(records))
	for id := range records {
		stageIDs = append(stageIDs, id)
	}
	sort.Slice(stageIDs, func(i, j int) bool { return stageIDs[i] < stageIDs[j] })

	var allSuccesses []types.LifecycleRecord
	stages := make([]StageReport, 0, len(stageIDs))

	for _, id := range stageIDs {
		stageRecords := records[id]
		successes := filterOutcome(stageRecords, types.OutcomeSuccess)
		allSuccesses = append(allSuccesses, successes...)

		report := StageReport{Lifecycle: composeLifecycleSummary(id, stageRecords, successes)}

		if results, ok := scrapeResults[id]; ok {
			report.Prometheus = composePrometheusSummary(id, results)
		}

		if hasSLO(successes) {
			slo := composeSLOAttainment(id, successes, stageWindows[id])
			report.SLO = &slo
		}

		if includeRawDump {
			report.RawDump = stageRecords
		}

		stages = append(stages, report)
	}

	return RunReport{
		Stages:  stages,
		Summary: composeLifecycleSummary(0, flattenAll(records), allSuccesses),
	}
}

func flattenAll(records map[uint32][]types.LifecycleRecord) []types.LifecycleRecord {
	var out []types.LifecycleRecord
	for _, rs := range records {
		out = append(out, rs...)
	}
	return out
}

func filterOutcome(records []types.LifecycleRecord, outcome types.Outcome) []types.LifecycleRecord {
	out := make([]types.LifecycleRecord, 0, len(records))
	for _, r := range records {
		if r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

func composeLifecycleSummary(stageID uint32, all, successes []types.LifecycleRecord) LifecycleSummary {
	var latencies, ttfts, itls, ntpots, inputTokens, outputTokens []float64

	for _, r := range successes {
		latencies = append(latencies, r.RequestLatency().Seconds())
		if ttft, ok := r.TTFT(); ok {
			ttfts = append(ttfts, ttft.Seconds())
		}
		if itl, ok := interTokenLatency(r); ok {
			itls = append(itls, itl)
		}
		if ntpot, ok := r.NormalizedTimePerOutputToken(); ok {
			ntpots = append(ntpots, ntpot)
		}
		if r.InputTokens != nil {
			inputTokens = append(inputTokens, float64(*r.InputTokens))
		}
		if r.OutputTokens != nil {
			outputTokens = append(outputTokens, float64(*r.OutputTokens))
		}
	}

	failureCounts := map[string]int{}
	var failureLatencies []float64
	for _, r := range all {
		if r.Outcome == types.OutcomeSuccess {
			continue
		}
		failureCounts[string(r.Outcome)]++
		failureLatencies = append(failureLatencies, r.RequestLatency().Seconds())
	}

	return LifecycleSummary{
		StageID:                         stageID,
		SuccessCount:                    len(successes),
		RequestLatencySec:               summarize(latencies),
		TTFTSec:                         summarize(ttfts),
		InterTokenLatencySec:            summarize(itls),
		NormalizedTimePerOutputTokenSec: summarize(ntpots),
		InputTokens:                     summarize(inputTokens),
		OutputTokens:                    summarize(outputTokens),
		FailureCounts:                   failureCounts,
		FailureLatencySec:               summarize(failureLatencies),
	}
}

// interTokenLatency approximates the mean gap between adjacent token
// arrivals as (last_token - first_token) / (output_tokens - 1), the
// closed form of "mean of adjacent deltas" for an evenly-stamped stream.
func interTokenLatency(r types.LifecycleRecord) (float64, bool) {
	if r.FirstTokenTime == nil || r.LastTokenTime == nil || r.OutputTokens == nil || *r.OutputTokens < 2 {
		return 0, false
	}
	span := r.LastTokenTime.Sub(*r.FirstTokenTime).Seconds()
	return span / float64(*r.OutputTokens-1), true
}

func composePrometheusSummary(stageID uint32, results map[string]promscrape.Result) *PrometheusSummary {
	values := make(map[string]*float64, len(results))
	for key, res := range results {
		values[key] = res.Value
	}
	return &PrometheusSummary{StageID: stageID, Values: values}
}

func hasSLO(successes []types.LifecycleRecord) bool {
	for _, r := range successes {
		if r.TTFTSLOSec != nil || r.TPOTSLOSec != nil {
			return true
		}
	}
	return false
}

func composeSLOAttainment(stageID uint32, successes []types.LifecycleRecord, window time.Duration) SLOAttainment {
	var met int
	var goodputTokens float64

	for _, r := range successes {
		ttftOK := r.TTFTSLOSec == nil
		if ttft, ok := r.TTFT(); ok && r.TTFTSLOSec != nil {
			ttftOK = ttft.Seconds() <= *r.TTFTSLOSec
		}

		tpotOK := r.TPOTSLOSec == nil
		if ntpot, ok := r.NormalizedTimePerOutputToken(); ok && r.TPOTSLOSec != nil {
			tpotOK = ntpot <= *r.TPOTSLOSec
		}

		if ttftOK && tpotOK {
			met++
			if r.InputTokens != nil {
				goodputTokens += float64(*r.InputTokens)
			}
			if r.OutputTokens != nil {
				goodputTokens += float64(*r.OutputTokens)
			}
		}
	}

	attainment := 0.0
	if len(successes) > 0 {
		attainment = 100 * float64(met) / float64(len(successes))
	}

	goodput := 0.0
	if window > 0 {
		goodput = goodputTokens / window.Seconds()
	}

	return SLOAttainment{StageID: stageID, AttainmentPercent: attainment, GoodputTokensPerSec: goodput}
}
