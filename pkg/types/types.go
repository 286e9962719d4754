// Package types holds the shared data model driven by every other package:
// request descriptors, stages, lifecycle records and the Prometheus metric
// catalog. Nothing in this package does I/O.
package types

import (
	"context"
	"time"
)

// APIType distinguishes the two OpenAI-compatible wire shapes this harness
// drives load against.
type APIType string

const (
	APITypeCompletion APIType = "completion"
	APITypeChat       APIType = "chat"
)

// ChatMessage is one turn of a chat-completion conversation.
type ChatMessage struct {
	Role    string
	Content string
}

// SLO carries the optional per-request latency targets used for goodput
// and attainment reporting.
type SLO struct {
	TTFTSec *float64
	TPOTSec *float64
}

// Descriptor is a sum type: either a Concrete request ready to send, or
// a LazyDescriptor pointing into a corpus the datagen adapter owns.
// Only datagen.Generator.Resolve turns the latter into the former, so
// no single process ever materializes the full corpus in memory.
type Descriptor interface {
	isDescriptor()
}

// Concrete is a fully-specified request body plus its routing metadata.
type Concrete struct {
	API       APIType
	Prompt    string        // set when API == APITypeCompletion
	Messages  []ChatMessage // set when API == APITypeChat
	MaxTokens uint32

	// IgnoreEOS tells the server to keep generating past its own stop
	// token, forcing every request to run to MaxTokens so latency
	// measurements aren't skewed by variable-length completions.
	IgnoreEOS bool

	// Model, when non-empty, pins the request to a model chosen ahead of
	// dispatch (traffic split). Empty means "let the scheduler choose".
	Model string

	// PreferredWorkerID routes session-affine requests to a fixed worker.
	PreferredWorkerID string

	// Session, when non-nil, serializes this descriptor's round against
	// every other round of the same session (see pkg/lifecycle).
	Session *SessionHandle

	SLO SLO
}

func (Concrete) isDescriptor() {}

// LazyDescriptor is an index into a datagen corpus plus an optional
// worker affinity hint, resolved just before dispatch.
type LazyDescriptor struct {
	Index             int
	PreferredWorkerID string
}

func (LazyDescriptor) isDescriptor() {}

// SessionHandle identifies a multi-turn session. Round is the 1-based
// index of the turn this descriptor represents within the session. The
// handle carries no conversation context: pkg/lifecycle's SessionRegistry
// keeps only per-session turn order, and earlier turns' prompts and
// replies are not carried into later requests.
type SessionHandle struct {
	ID    string
	Round int
}

// RateDistribution picks the inter-arrival distribution an open-loop
// stage's clock.Schedule uses.
type RateDistribution string

const (
	RateDistributionConstant RateDistribution = "constant"
	RateDistributionPoisson  RateDistribution = "poisson"
)

// Stage is one contiguous load segment. Exactly one of Rate/Concurrency
// is set (open-loop vs closed-loop). An open-loop stage always requires
// DurationSec; a closed-loop stage requires NumRequests, DurationSec, or
// both, ending on whichever bound is reached first.
type Stage struct {
	ID               uint32
	Rate             *float64
	RateDistribution RateDistribution
	Concurrency      *uint32
	DurationSec      float64
	NumRequests      uint32
	TrafficSplit     []TrafficWeight
	// DrainTimeoutSec bounds how long the scheduler waits for this stage's
	// in-flight requests to finish before starting the next stage.
	DrainTimeoutSec float64
}

// TrafficWeight is one entry of a stage's per-model weighted split.
type TrafficWeight struct {
	Model  string
	Weight float64
}

// IsOpenLoop reports whether the stage is rate-driven (true) or
// concurrency-driven (false).
func (s Stage) IsOpenLoop() bool {
	return s.Rate != nil
}

// StageRuntimeInfo is the observed wall-clock envelope of a completed
// stage, emitted by the scheduler once the stage drains.
type StageRuntimeInfo struct {
	StageID       uint32
	RequestedRate *float64
	StartTime     time.Time
	EndTime       time.Time
}

// Outcome classifies how a request's lifecycle ended. It replaces the
// original's exception-for-control-flow HTTP path with a small closed
// enum plus an opaque detail string.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeClientError     Outcome = "client_error"
	OutcomeServerError     Outcome = "server_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeConnectionError Outcome = "connection_error"
	OutcomeCanceled        Outcome = "canceled"
	OutcomeDispatchDropped Outcome = "dispatch_dropped"
)

// LifecycleRecord is an immutable summary of one request's timing and
// outcome. It is passed by value everywhere: once handed to the sink, no
// worker or engine retains a reference to it.
type LifecycleRecord struct {
	StageID   uint32
	ModelName string

	ScheduledTime  time.Time
	DispatchTime   time.Time
	FirstByteTime  *time.Time
	FirstTokenTime *time.Time
	LastTokenTime  *time.Time
	CompletionTime time.Time

	InputTokens  *uint32
	OutputTokens *uint32

	Outcome     Outcome
	ErrorDetail string

	TTFTSLOSec *float64
	TPOTSLOSec *float64

	SessionID string
}

// RequestLatency returns completion-dispatch, the end-to-end duration of
// the request as observed by the client.
func (r LifecycleRecord) RequestLatency() time.Duration {
	return r.CompletionTime.Sub(r.DispatchTime)
}

// TTFT returns time-to-first-token, or false if the request never
// streamed a token (non-streaming or failed before one arrived).
func (r LifecycleRecord) TTFT() (time.Duration, bool) {
	if r.FirstTokenTime == nil {
		return 0, false
	}
	return r.FirstTokenTime.Sub(r.DispatchTime), true
}

// NormalizedTimePerOutputToken is (completion-dispatch)/output_tokens.
func (r LifecycleRecord) NormalizedTimePerOutputToken() (float64, bool) {
	if r.OutputTokens == nil || *r.OutputTokens == 0 {
		return 0, false
	}
	return r.RequestLatency().Seconds() / float64(*r.OutputTokens), true
}

// MetricKind is the Prometheus metric type driving which PromQL shapes a
// descriptor's operation is valid for.
type MetricKind string

const (
	MetricKindGauge     MetricKind = "gauge"
	MetricKindCounter   MetricKind = "counter"
	MetricKindHistogram MetricKind = "histogram"
)

// MetricOp is a query operation applied to a metric of a given kind; not
// every op is valid for every kind (see pkg/promscrape.QueryBuilder).
type MetricOp string

const (
	MetricOpMean     MetricOp = "mean"
	MetricOpMedian   MetricOp = "median"
	MetricOpMin      MetricOp = "min"
	MetricOpMax      MetricOp = "max"
	MetricOpP90      MetricOp = "p90"
	MetricOpP99      MetricOp = "p99"
	MetricOpRate     MetricOp = "rate"
	MetricOpIncrease MetricOp = "increase"
	MetricOpSD       MetricOp = "sd"
)

// PrometheusMetricDescriptor names one signal a target model server may
// expose. A Catalog is a flat map keyed by well-known name (e.g.
// "avg_time_to_first_token"); a missing key means the server does not
// expose that signal, replacing the original's per-server struct
// duplication.
type PrometheusMetricDescriptor struct {
	DisplayName  string
	SourceMetric string
	Kind         MetricKind
	Op           MetricOp
	LabelFilters []string
}

// Catalog maps a well-known metric key to its descriptor.
type Catalog map[string]PrometheusMetricDescriptor

// Dispatch is the tuple the scheduler hands to a worker: a descriptor
// plus the stage/time/model context it was dispatched under.
type Dispatch struct {
	Descriptor    Descriptor
	StageID       uint32
	ScheduledTime time.Time
	Model         string
	// Ctx, when set, scopes the request to the issuing stage rather than
	// the overall run: a scheduler cancels it to abort in-flight work at
	// a drain deadline without tearing down later stages. Nil falls back
	// to the context a worker's Run was started with.
	Ctx context.Context
}
