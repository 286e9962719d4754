// Package config parses the run configuration file into the documented
// schema. Loading/merging config from multiple sources is out of
// scope; this package does only the in-scope part: parse one YAML
// file, rejecting unknown fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kubernetes-sigs/inference-perf/pkg/types"
)

// Config is the top-level schema: {api, load, data, server, metrics,
// report, storage}.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Load    LoadConfig    `yaml:"load"`
	Data    DataConfig    `yaml:"data"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Report  ReportConfig  `yaml:"report"`
	Storage StorageConfig `yaml:"storage"`
}

// APIConfig selects the wire shape driven against the target server.
type APIConfig struct {
	Type      types.APIType `yaml:"type"`
	Streaming bool          `yaml:"streaming"`
}

// LoadConfig is the ordered stage list plus the worker pool size, the
// per-worker queue depth and an optional PRNG seed for the scheduler.
type LoadConfig struct {
	Workers    int           `yaml:"workers"`
	Stages     []StageConfig `yaml:"stages"`
	RandomSeed *uint64       `yaml:"random_seed"`
	QueueDepth int           `yaml:"queue_depth"`
}

// StageConfig is one entry of load.stages: exactly one of Rate or
// Concurrency must be set, selecting open-loop vs closed-loop dispatch.
type StageConfig struct {
	Rate             *float64             `yaml:"rate"`
	RateDistribution string               `yaml:"rate_distribution"`
	Concurrency      *uint32              `yaml:"concurrency"`
	DurationSec      float64              `yaml:"duration"`
	NumRequests      uint32               `yaml:"num_requests"`
	DrainTimeoutSec  float64              `yaml:"drain_timeout"`
	TrafficSplit     []TrafficSplitConfig `yaml:"traffic_split"`
}

// TrafficSplitConfig is one per-model weight entry of a stage.
type TrafficSplitConfig struct {
	Model  string  `yaml:"model"`
	Weight float64 `yaml:"weight"`
}

// DataConfig controls the request generator.
type DataConfig struct {
	Vocabulary  []string `yaml:"vocabulary"`
	PromptWords int      `yaml:"prompt_words"`
	MaxTokens   uint32   `yaml:"max_tokens"`
	IgnoreEOS   bool     `yaml:"ignore_eos"`
	CorpusSize  int      `yaml:"corpus_size"`
}

// ServerConfig describes the target OpenAI-compatible endpoint.
type ServerConfig struct {
	BaseURL             string     `yaml:"base_url"`
	Model               string     `yaml:"model"`
	RequestTimeoutSec   float64    `yaml:"request_timeout"`
	MaxIdleConnsPerHost int        `yaml:"max_idle_conns_per_host"`
	APIKey              string     `yaml:"api_key"`
	TLS                 *TLSConfig `yaml:"tls"`
}

// TLSConfig is the optional mTLS material for the target connection.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// MetricsConfig selects and configures the Prometheus scraper.
type MetricsConfig struct {
	URL            string `yaml:"url"`
	GoogleManaged  bool   `yaml:"google_managed"`
	ProjectID      string `yaml:"project_id"`
	ScrapeInterval int    `yaml:"scrape_interval"`
}

// ReportConfig controls which artifact classes Compose emits.
type ReportConfig struct {
	IncludeRawDump bool `yaml:"include_raw_dump"`
}

// StorageConfig controls where report artifacts are persisted.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads and strictly decodes the YAML file at path. Unknown
// top-level and nested fields are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the cross-field invariants YAML's struct decoding
// can't express on its own: each stage must be either open-loop or
// closed-loop, never both or neither.
func (c *Config) Validate() error {
	if c.API.Type != types.APITypeCompletion && c.API.Type != types.APITypeChat {
		return fmt.Errorf("api.type must be %q or %q, got %q", types.APITypeCompletion, types.APITypeChat, c.API.Type)
	}
	if len(c.Load.Stages) == 0 {
		return fmt.Errorf("load.stages must not be empty")
	}
	const weightEpsilon = 1e-6
	for i, stage := range c.Load.Stages {
		if stage.Rate != nil && stage.Concurrency != nil {
			return fmt.Errorf("load.stages[%d]: exactly one of rate or concurrency must be set, got both", i)
		}
		if stage.Rate == nil && stage.Concurrency == nil {
			return fmt.Errorf("load.stages[%d]: exactly one of rate or concurrency must be set, got neither", i)
		}
		if len(stage.TrafficSplit) > 0 {
			var total float64
			for _, tw := range stage.TrafficSplit {
				total += tw.Weight
			}
			if total < 1-weightEpsilon || total > 1+weightEpsilon {
				return fmt.Errorf("load.stages[%d]: traffic_split weights must sum to 1, got %v", i, total)
			}
		}
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	return nil
}

// Stages converts the parsed stage list into the types.Stage values the
// scheduler consumes, assigning each a 1-based ID in document order.
func (c *Config) Stages() []types.Stage {
	out := make([]types.Stage, 0, len(c.Load.Stages))
	for i, sc := range c.Load.Stages {
		split := make([]types.TrafficWeight, 0, len(sc.TrafficSplit))
		for _, tw := range sc.TrafficSplit {
			split = append(split, types.TrafficWeight{Model: tw.Model, Weight: tw.Weight})
		}

		dist := types.RateDistributionConstant
		if sc.RateDistribution == string(types.RateDistributionPoisson) {
			dist = types.RateDistributionPoisson
		}

		out = append(out, types.Stage{
			ID:               uint32(i + 1),
			Rate:             sc.Rate,
			RateDistribution: dist,
			Concurrency:      sc.Concurrency,
			DurationSec:      sc.DurationSec,
			NumRequests:      sc.NumRequests,
			TrafficSplit:     split,
			DrainTimeoutSec:  sc.DrainTimeoutSec,
		})
	}
	return out
}

// RequestTimeout returns the configured per-request timeout, defaulting
// to 30s when unset.
func (c *Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Server.RequestTimeoutSec * float64(time.Second))
}
