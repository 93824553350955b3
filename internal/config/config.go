// Package config aggregates the engine's YAML configuration. Load starts
// from defaults, overlays the file and validates the result, so a partial
// config file only names the knobs it changes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fintide/ledgerpilot/internal/blend"
	"github.com/fintide/ledgerpilot/internal/drift"
	"github.com/fintide/ledgerpilot/internal/llm"
	"github.com/fintide/ledgerpilot/internal/memory"
	"github.com/fintide/ledgerpilot/internal/persistence/postgres"
	"github.com/fintide/ledgerpilot/internal/pipeline"
	"github.com/fintide/ledgerpilot/internal/promoter"
	"github.com/fintide/ledgerpilot/internal/retrain"
)

// LogConfig selects the process log level and console rendering.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RedisConfig points at the shared budget/cache Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ExportConfig carries the default accounting target.
type ExportConfig struct {
	Target   string `yaml:"target"`
	Currency string `yaml:"currency"`
}

// BlobConfig locates the content-addressed artifact store.
type BlobConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the full engine configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Blend     blend.Weights    `yaml:"blend"`
	Pipeline  pipeline.Config  `yaml:"pipeline"`
	Memory    memory.Config    `yaml:"memory"`
	LLM       llm.Config       `yaml:"llm"`
	Promotion promoter.Policy  `yaml:"promotion"`
	Drift     drift.Thresholds `yaml:"drift"`
	Retrain   retrain.Config   `yaml:"retrain"`
	Postgres  postgres.Config  `yaml:"postgres"`
	Redis     RedisConfig      `yaml:"redis"`
	Ops       OpsConfig        `yaml:"ops"`
	Export    ExportConfig     `yaml:"export"`
	Blobs     BlobConfig       `yaml:"blobs"`
}

// Default returns the engine defaults; every knob can run unconfigured
// except the Postgres DSN, which stays disabled until set.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info"},
		Blend:     blend.DefaultWeights(),
		Pipeline:  pipeline.DefaultConfig(),
		Memory:    memory.DefaultConfig(),
		LLM:       llm.DefaultConfig(),
		Promotion: promoter.DefaultPolicy(),
		Drift:     drift.DefaultThresholds(),
		Retrain:   retrain.DefaultConfig(),
		Postgres:  postgres.DefaultConfig(),
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Ops:       OpsConfig{ListenAddr: ":9090"},
		Export:    ExportConfig{Target: "generic_csv", Currency: "USD"},
		Blobs:     BlobConfig{Dir: "artifacts"},
	}
}

// Load reads the file over the defaults and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants at startup so a bad file fails the
// process before any decision runs.
func (c Config) Validate() error {
	if err := c.Blend.Validate(); err != nil {
		return err
	}
	if c.LLM.UncertainLow >= c.LLM.UncertainHigh {
		return fmt.Errorf("llm uncertain band inverted: [%v, %v)", c.LLM.UncertainLow, c.LLM.UncertainHigh)
	}
	if c.Drift.PSIWarn >= c.Drift.PSIAlert {
		return fmt.Errorf("drift psi_warn %v must be below psi_alert %v", c.Drift.PSIWarn, c.Drift.PSIAlert)
	}
	if c.Pipeline.MaxFanOut <= 0 {
		return fmt.Errorf("pipeline max_fan_out must be positive")
	}
	if c.Retrain.MinRecords <= 0 {
		return fmt.Errorf("retrain min_records must be positive")
	}
	if c.Ops.ListenAddr == "" {
		return fmt.Errorf("ops listen_addr is required")
	}
	return nil
}
