package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/gputop/internal/attribution"
)

// AddBackendFlags adds device backend selection flags to a command.
func (c *Config) AddBackendFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&c.Backend, "backend", "b", c.Backend, "Device backend (auto, nvml, smi)")
	flags.Var(&listValue{dst: &c.NVMLLibraryPaths}, "nvml-library", "Comma-separated NVML library candidates, tried in order")
	flags.StringVar(&c.SMIPath, "smi-path", c.SMIPath, "nvidia-smi binary")
	flags.DurationVar(&c.RefreshTimeout, "refresh-timeout", c.RefreshTimeout, "Bound on one refresh (0 disables)")
	flags.BoolVar(&c.ParallelDevices, "parallel", c.ParallelDevices, "Read devices concurrently")
}

// AddAttributionFlags adds process and container attribution flags to a command.
func (c *Config) AddAttributionFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.ProcRoot, "proc-root", c.ProcRoot, "procfs mount point")
	flags.BoolVarP(&c.Containers.Enable, "containers", "c", c.Containers.Enable, "Attribute processes to containers")
	flags.StringVar(&c.Containers.CLI, "container-cli", c.Containers.CLI, "Docker-compatible container client")
	flags.DurationVar(&c.Containers.Timeout, "container-timeout", c.Containers.Timeout, "Bound on container listing")
	flags.IntVar(&c.Attribution.MaxHops, "max-hops", c.Attribution.MaxHops, "Ancestry walk limit")
	flags.Var(&ownerPolicyValue{dst: &c.Attribution.OwnerPolicy}, "owner-policy", "Owner selection along the ancestry (last, first)")
}

// AddOutputFlags adds output flags to a command.
func (c *Config) AddOutputFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.DurationVarP(&c.Interval, "interval", "n", c.Interval, "Refresh interval (0 prints one snapshot and exits)")
	flags.StringVarP(&c.Output.Format, "format", "f", c.Output.Format, "Output format (table, json)")
	flags.StringVarP(&c.Output.Path, "output", "o", c.Output.Path, "Write JSON snapshots to this file (.gz and .zst are compressed)")
	flags.StringVar(&c.Output.Color, "color", c.Output.Color, "Colors (auto, always, never)")
	flags.BoolVar(&c.Output.ShowIssues, "issues", c.Output.ShowIssues, "List readings that degraded to N/A")
	flags.StringVar(&c.TextfilePath, "textfile", c.TextfilePath, "Write Prometheus metrics to this file")
	flags.Var(&levelValue{dst: &c.LogLevel}, "log-level", "Log level (debug, info, warn, error)")
}

// AddAllFlags adds every flag group to a command.
func (c *Config) AddAllFlags(cmd *cobra.Command) {
	c.AddBackendFlags(cmd)
	c.AddAttributionFlags(cmd)
	c.AddOutputFlags(cmd)
}

type listValue struct {
	dst *[]string
}

func (v *listValue) String() string {
	if v.dst == nil {
		return ""
	}
	return strings.Join(*v.dst, ",")
}

func (v *listValue) Set(raw string) error {
	items := splitAndTrim(raw, ",")
	if len(items) == 0 {
		return fmt.Errorf("must not be empty")
	}
	*v.dst = items
	return nil
}

func (v *listValue) Type() string { return "list" }

type ownerPolicyValue struct {
	dst *attribution.OwnerPolicy
}

func (v *ownerPolicyValue) String() string {
	if v.dst == nil {
		return attribution.OwnerLastNonZero.String()
	}
	return v.dst.String()
}

func (v *ownerPolicyValue) Set(raw string) error {
	policy, err := attribution.ParseOwnerPolicy(raw)
	if err != nil {
		return err
	}
	*v.dst = policy
	return nil
}

func (v *ownerPolicyValue) Type() string { return "policy" }

type levelValue struct {
	dst *slog.Level
}

func (v *levelValue) String() string {
	if v.dst == nil {
		return ""
	}
	return strings.ToLower(v.dst.String())
}

func (v *levelValue) Set(raw string) error {
	level, err := parseLogLevel(raw)
	if err != nil {
		return err
	}
	*v.dst = level
	return nil
}

func (v *levelValue) Type() string { return "level" }
