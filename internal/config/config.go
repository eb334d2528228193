// Package config implements the typed, validated configuration loader
// (spec.md §3/§4.0). Grounded on the teacher's Config/loadConfig
// (main.go:38-293): YAML unmarshal into a typed struct, then field-by-field
// defaulting and validation that returns a wrapped sentinel error instead
// of a bare string.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"torpool/internal/torerr"
)

// Configuration is the validated, defaulted view of the YAML config file.
type Configuration struct {
	WorkerCount          int           `yaml:"worker_count"`
	BasePort             int           `yaml:"base_port"`
	MaxPort              int           `yaml:"max_port"`
	StartBatch           int           `yaml:"start_batch"`
	ExitNodesPerWorker   int           `yaml:"exit_nodes_per_worker"`
	ExitNodesMax         int           `yaml:"exit_nodes_max"`
	ExitNodeCountries    []string      `yaml:"exit_node_countries"`
	DirectoryURL         string        `yaml:"directory_url"`
	HealthCheckURL       string        `yaml:"health_check_url"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	HealthTimeout        time.Duration `yaml:"health_timeout"`
	FrontendListen       string        `yaml:"frontend_listen"`
	StatusListen         string        `yaml:"status_listen"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	CooldownDuration     time.Duration `yaml:"cooldown_duration"`
	WorkerBinaryPath     string        `yaml:"worker_binary_path"`
	WorkerStartupTimeout time.Duration `yaml:"worker_startup_timeout"`
	DataDirRoot          string        `yaml:"data_dir_root"`
	LogLevel             string        `yaml:"log_level"`
	ProbeAnyOnExhaustion bool          `yaml:"probe_any_on_exhaustion"`
	StrictReadinessProbe bool          `yaml:"strict_readiness_probe"`
}

// Load reads and validates the YAML file at path, matching spec.md §3's
// option list plus SPEC_FULL.md §3's data_dir_root/log_level additions.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w: %w", err, torerr.ErrConfig)
	}

	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w: %w", err, torerr.ErrConfig)
	}

	// retry_attempts defaults to 3 only when the key is absent; an explicit
	// 0 is kept as written.
	var present struct {
		RetryAttempts *int `yaml:"retry_attempts"`
	}
	if err := yaml.Unmarshal(data, &present); err == nil && present.RetryAttempts == nil {
		cfg.RetryAttempts = 3
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Configuration) {
	if cfg.StartBatch <= 0 {
		cfg.StartBatch = 20
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = 30 * time.Second
	}
	if cfg.WorkerStartupTimeout <= 0 {
		cfg.WorkerStartupTimeout = 30 * time.Second
	}
	if cfg.DataDirRoot == "" {
		cfg.DataDirRoot = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusListen == "" {
		cfg.StatusListen = "127.0.0.1:9090"
	}
}

func validate(cfg *Configuration) error {
	if cfg.WorkerCount < 1 || cfg.WorkerCount > 400 {
		return fmt.Errorf("worker_count %d outside [1, 400]: %w", cfg.WorkerCount, torerr.ErrConfig)
	}
	if cfg.BasePort+2*cfg.WorkerCount-1 > cfg.MaxPort {
		return fmt.Errorf(
			"port window [%d,%d] too small for %d workers: %w",
			cfg.BasePort, cfg.MaxPort, cfg.WorkerCount, torerr.ErrConfig,
		)
	}
	if cfg.ExitNodesPerWorker < 0 {
		return fmt.Errorf("exit_nodes_per_worker must be non-negative: %w", torerr.ErrConfig)
	}
	if cfg.ExitNodesMax < 0 {
		return fmt.Errorf("exit_nodes_max must be non-negative: %w", torerr.ErrConfig)
	}
	for _, c := range cfg.ExitNodeCountries {
		if len(c) != 2 {
			return fmt.Errorf("exit_node_countries entry %q must be a two-letter code: %w", c, torerr.ErrConfig)
		}
	}
	if cfg.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be non-negative: %w", torerr.ErrConfig)
	}
	if cfg.WorkerBinaryPath == "" {
		return fmt.Errorf("worker_binary_path is required: %w", torerr.ErrConfig)
	}
	if info, err := os.Stat(cfg.WorkerBinaryPath); err != nil || info.IsDir() {
		return fmt.Errorf("worker_binary_path %q not accessible: %w", cfg.WorkerBinaryPath, torerr.ErrConfig)
	}
	if _, _, err := net.SplitHostPort(cfg.FrontendListen); err != nil {
		return fmt.Errorf("frontend_listen %q unparsable: %w", cfg.FrontendListen, torerr.ErrConfig)
	}
	return nil
}
