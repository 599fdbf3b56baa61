package orchestrator

import (
	"crypto/ed25519"
	"runtime"

	"github.com/mitchellh/mapstructure"

	"github.com/heteroforge/dispatch/internal/scheduler"
)

// Config is the engine's construction-time configuration, enumerated per
// the public Config table. It is built from a map[string]any via
// mapstructure so callers can source it from JSON/YAML/env without this
// package depending on a file format; validation happens once in New.
type Config struct {
	MaxMemoryBytes      int64            `mapstructure:"max_memory_bytes"`
	EnableGPU           bool             `mapstructure:"enable_gpu"`
	EnableRemoteGPU     bool             `mapstructure:"enable_remote_gpu"`
	EnableLedger        bool             `mapstructure:"enable_ledger"`
	SchedulingPolicy    scheduler.Policy `mapstructure:"scheduling_policy"`
	VerificationDefault VerificationMode `mapstructure:"verification_default"`
	NumWorkers          int              `mapstructure:"num_workers"`
	LogFilePath         string           `mapstructure:"log_file_path"`
	QueuePollIntervalMs int64            `mapstructure:"queue_poll_interval_ms"`

	// PreFilter and SigningKey are not representable in a plain
	// map[string]any and are set directly on the decoded Config.
	PreFilter  PreFilter
	SigningKey ed25519.PrivateKey
}

// DecodeConfig builds a Config from a generic map, the same pattern the
// teacher's own environments use for env/JSON-sourced settings (see
// DESIGN.md for why mapstructure was kept for this despite no teacher call
// site importing it directly).
func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := defaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		MaxMemoryBytes:      1 << 30,
		SchedulingPolicy:    scheduler.Adaptive,
		VerificationDefault: VerificationNone,
		NumWorkers:          runtime.NumCPU(),
		QueuePollIntervalMs: 100,
	}
}
