// Package config loads service wiring from environment variables and the
// pipeline definition (providers, weights, thresholds) from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonathanhollander/assetforge/internal/models"
)

// Config holds the runtime values used by cmd/assetforge/main.go.
type Config struct {
	ListenAddr     string   // LISTEN_ADDR (default :8070)
	DatabaseURL    string   // DATABASE_URL (empty -> in-memory store)
	OperatorSecret string   // OPERATOR_JWT_SECRET (empty -> decision endpoints unauthenticated)
	KafkaBrokers   []string // KAFKA_BROKERS (comma separated; empty -> no kafka egress)
	KafkaTopic     string   // KAFKA_TOPIC (default assetforge.progress)
	S3Bucket       string   // ASSET_S3_BUCKET (empty -> local saver)
	S3Prefix       string   // ASSET_S3_PREFIX
	AssetDir       string   // ASSET_DIR (default ./assets)
	PipelineFile   string   // PIPELINE_CONFIG (default pipeline.yaml)

	Pipeline Pipeline
}

// LoadFromEnv reads the service config from environment variables and loads
// the pipeline YAML named by PIPELINE_CONFIG.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		OperatorSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		KafkaTopic:     os.Getenv("KAFKA_TOPIC"),
		S3Bucket:       os.Getenv("ASSET_S3_BUCKET"),
		S3Prefix:       os.Getenv("ASSET_S3_PREFIX"),
		AssetDir:       os.Getenv("ASSET_DIR"),
		PipelineFile:   os.Getenv("PIPELINE_CONFIG"),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8070"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "assetforge.progress"
	}
	if cfg.AssetDir == "" {
		cfg.AssetDir = "./assets"
	}
	if cfg.PipelineFile == "" {
		cfg.PipelineFile = "pipeline.yaml"
	}

	pipe, err := LoadPipelineFile(cfg.PipelineFile)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline = *pipe
	return cfg, nil
}

// Duration wraps time.Duration so YAML values like "45s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Retry configures the shared provider retry policy.
type Retry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// Provider describes one configured generative provider. Order in the YAML
// list is significant: it is the first tie-break for equal scores.
type Provider struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"` // openai | anthropic | httpjson
	Model       string   `yaml:"model"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	BaseURL     string   `yaml:"base_url"`
	CostPerCall float64  `yaml:"cost_per_call"`
	Timeout     Duration `yaml:"timeout"`
}

// CostMicros returns the per-call cost in ledger units.
func (p Provider) CostMicros() models.Micros {
	return models.MicrosFromFloat(p.CostPerCall)
}

// Pipeline is the YAML-backed pipeline definition.
type Pipeline struct {
	Providers            []Provider         `yaml:"providers"`
	ScoreWeights         map[string]float64 `yaml:"score_weights"`
	AutoApproveThreshold float64            `yaml:"auto_approve_threshold"`
	DefaultCeiling       float64            `yaml:"default_ceiling"`
	ApprovalExpiry       Duration           `yaml:"approval_expiry"`
	WorkerCap            int                `yaml:"worker_cap"`
	SubscriberBuffer     int                `yaml:"subscriber_buffer"`
	Retry                Retry              `yaml:"retry"`
}

// LoadPipelineFile reads and validates a pipeline YAML file.
func LoadPipelineFile(path string) (*Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return ParsePipeline(raw)
}

// ParsePipeline parses pipeline YAML bytes and applies defaults.
func ParsePipeline(raw []byte) (*Pipeline, error) {
	var pipe Pipeline
	if err := yaml.Unmarshal(raw, &pipe); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	if err := pipe.Validate(); err != nil {
		return nil, err
	}
	pipe.applyDefaults()
	return &pipe, nil
}

// Validate rejects definitions the pipeline cannot run with.
func (p *Pipeline) Validate() error {
	if len(p.Providers) == 0 {
		return fmt.Errorf("pipeline config: at least one provider required")
	}
	seen := map[string]bool{}
	for i, prov := range p.Providers {
		if prov.ID == "" {
			return fmt.Errorf("pipeline config: provider %d missing id", i)
		}
		if seen[prov.ID] {
			return fmt.Errorf("pipeline config: duplicate provider id %q", prov.ID)
		}
		seen[prov.ID] = true
		if prov.CostPerCall < 0 {
			return fmt.Errorf("pipeline config: provider %q has negative cost", prov.ID)
		}
	}
	if len(p.ScoreWeights) == 0 {
		return fmt.Errorf("pipeline config: score_weights required")
	}
	for dim, w := range p.ScoreWeights {
		if w < 0 {
			return fmt.Errorf("pipeline config: negative weight for dimension %q", dim)
		}
	}
	if p.AutoApproveThreshold < 0 {
		return fmt.Errorf("pipeline config: negative auto_approve_threshold")
	}
	if p.DefaultCeiling <= 0 {
		return fmt.Errorf("pipeline config: default_ceiling must be positive")
	}
	return nil
}

func (p *Pipeline) applyDefaults() {
	if p.WorkerCap <= 0 {
		p.WorkerCap = 4
	}
	if p.SubscriberBuffer <= 0 {
		p.SubscriberBuffer = 256
	}
	if p.ApprovalExpiry <= 0 {
		p.ApprovalExpiry = Duration(15 * time.Minute)
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = 3
	}
	if p.Retry.InitialBackoff <= 0 {
		p.Retry.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if p.Retry.MaxBackoff <= 0 {
		p.Retry.MaxBackoff = Duration(5 * time.Second)
	}
	for i := range p.Providers {
		if p.Providers[i].Timeout <= 0 {
			p.Providers[i].Timeout = Duration(45 * time.Second)
		}
	}
}

// ThresholdMicros is the auto-approve ceiling in ledger units.
func (p *Pipeline) ThresholdMicros() models.Micros {
	return models.MicrosFromFloat(p.AutoApproveThreshold)
}

// DefaultCeilingMicros is the fallback batch ceiling in ledger units.
func (p *Pipeline) DefaultCeilingMicros() models.Micros {
	return models.MicrosFromFloat(p.DefaultCeiling)
}
