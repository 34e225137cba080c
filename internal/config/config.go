package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gputop/internal/attribution"
	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/device/nvidia"
	"github.com/skobkin/gputop/internal/device/smi"
	"github.com/skobkin/gputop/internal/proctable"
)

// Backend names accepted by --backend.
const (
	BackendAuto = "auto"
	BackendNVML = "nvml"
	BackendSMI  = "smi"
)

// Output formats accepted by --format.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Color modes accepted by --color.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config represents runtime configuration sourced from environment variables
// and command-line flags.
type Config struct {
	LogLevel         slog.Level
	Backend          string
	NVMLLibraryPaths []string
	SMIPath          string
	ProcRoot         string
	Containers       ContainerConfig
	Attribution      AttributionConfig
	// Interval of zero takes a single snapshot and exits.
	Interval        time.Duration
	RefreshTimeout  time.Duration
	ParallelDevices bool
	Output          OutputConfig
	TextfilePath    string
}

// ContainerConfig controls container attribution.
type ContainerConfig struct {
	Enable  bool
	CLI     string
	Timeout time.Duration
}

// AttributionConfig tunes the ancestry walk.
type AttributionConfig struct {
	MaxHops     int
	OwnerPolicy attribution.OwnerPolicy
}

// OutputConfig describes where and how snapshots are printed.
type OutputConfig struct {
	Format     string
	Path       string
	Color      string
	ShowIssues bool
}

func defaults() Config {
	return Config{
		LogLevel:         slog.LevelWarn,
		Backend:          BackendAuto,
		NVMLLibraryPaths: []string{nvidia.DefaultLibraryPath},
		SMIPath:          smi.DefaultPath,
		ProcRoot:         proctable.DefaultRoot,
		Containers: ContainerConfig{
			Enable:  false,
			CLI:     container.DefaultCLI,
			Timeout: 5 * time.Second,
		},
		Attribution: AttributionConfig{
			MaxHops:     attribution.DefaultMaxHops,
			OwnerPolicy: attribution.OwnerLastNonZero,
		},
		Interval:       0,
		RefreshTimeout: 10 * time.Second,
		Output: OutputConfig{
			Format: FormatTable,
			Color:  ColorAuto,
		},
	}
}

// Load reads GPUTOP_* environment variables over the defaults. Command-line
// flags are bound afterwards with AddAllFlags so they override the
// environment. On error the returned Config holds whatever was applied.
func Load() (Config, error) {
	cfg := defaults()
	if err := cfg.fromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) fromEnv() error {
	if value := env("GPUTOP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse GPUTOP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("GPUTOP_BACKEND"); value != "" {
		cfg.Backend = strings.ToLower(value)
	}

	if value := env("GPUTOP_NVML_LIBRARY"); value != "" {
		paths := splitAndTrim(value, ",")
		if len(paths) == 0 {
			return fmt.Errorf("GPUTOP_NVML_LIBRARY must not be empty")
		}
		cfg.NVMLLibraryPaths = paths
	}

	if value := env("GPUTOP_SMI_PATH"); value != "" {
		cfg.SMIPath = value
	}

	if value := env("GPUTOP_PROC_ROOT"); value != "" {
		cfg.ProcRoot = value
	}

	if err := envBool("GPUTOP_CONTAINERS", &cfg.Containers.Enable); err != nil {
		return err
	}

	if value := env("GPUTOP_CONTAINER_CLI"); value != "" {
		cfg.Containers.CLI = value
	}

	if err := envDuration("GPUTOP_CONTAINER_TIMEOUT", &cfg.Containers.Timeout); err != nil {
		return err
	}

	if value := env("GPUTOP_MAX_HOPS"); value != "" {
		hops, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse GPUTOP_MAX_HOPS: %w", err)
		}
		cfg.Attribution.MaxHops = hops
	}

	if value := env("GPUTOP_OWNER_POLICY"); value != "" {
		policy, err := attribution.ParseOwnerPolicy(value)
		if err != nil {
			return fmt.Errorf("parse GPUTOP_OWNER_POLICY: %w", err)
		}
		cfg.Attribution.OwnerPolicy = policy
	}

	if err := envDuration("GPUTOP_INTERVAL", &cfg.Interval); err != nil {
		return err
	}

	if err := envDuration("GPUTOP_REFRESH_TIMEOUT", &cfg.RefreshTimeout); err != nil {
		return err
	}

	if err := envBool("GPUTOP_PARALLEL", &cfg.ParallelDevices); err != nil {
		return err
	}

	if value := env("GPUTOP_FORMAT"); value != "" {
		cfg.Output.Format = strings.ToLower(value)
	}

	if value := env("GPUTOP_OUTPUT"); value != "" {
		cfg.Output.Path = value
	}

	if value := env("GPUTOP_COLOR"); value != "" {
		cfg.Output.Color = strings.ToLower(value)
	}

	if err := envBool("GPUTOP_SHOW_ISSUES", &cfg.Output.ShowIssues); err != nil {
		return err
	}

	if value := env("GPUTOP_TEXTFILE"); value != "" {
		cfg.TextfilePath = value
	}

	return nil
}

// Validate checks the merged configuration.
func (cfg Config) Validate() error {
	switch cfg.Backend {
	case BackendAuto, BackendNVML, BackendSMI:
	default:
		return fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	switch cfg.Output.Format {
	case FormatTable, FormatJSON:
	default:
		return fmt.Errorf("unsupported format %q", cfg.Output.Format)
	}
	switch cfg.Output.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("unsupported color mode %q", cfg.Output.Color)
	}
	if len(cfg.NVMLLibraryPaths) == 0 {
		return fmt.Errorf("at least one NVML library path is required")
	}
	if strings.TrimSpace(cfg.SMIPath) == "" {
		return fmt.Errorf("nvidia-smi path must not be empty")
	}
	if cfg.Interval < 0 {
		return fmt.Errorf("interval must be >= 0")
	}
	if cfg.RefreshTimeout < 0 {
		return fmt.Errorf("refresh timeout must be >= 0")
	}
	if cfg.Containers.Timeout <= 0 {
		return fmt.Errorf("container timeout must be > 0")
	}
	if cfg.Attribution.MaxHops <= 0 {
		return fmt.Errorf("max hops must be > 0")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string, dst *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = duration
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
