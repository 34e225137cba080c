package container

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gputop/internal/command"
)

// DefaultCLI is the runtime client used when none is configured.
const DefaultCLI = "docker"

const inspectFormat = "{{.Id}} {{.State.Pid}} {{.Name}}"

// CLILister lists containers through a docker-compatible client binary
// (docker, podman, nerdctl).
type CLILister struct {
	cli     string
	run     command.Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewCLILister returns a lister that runs cli. A nil runner uses command.Exec.
func NewCLILister(cli string, run command.Runner, logger *slog.Logger) *CLILister {
	if strings.TrimSpace(cli) == "" {
		cli = DefaultCLI
	}
	if run == nil {
		run = command.Exec
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CLILister{cli: cli, run: run, logger: logger.With("component", "containers", "cli", cli)}
}

// WithTimeout returns a copy whose listing is bounded by d. Zero means no bound.
func (l *CLILister) WithTimeout(d time.Duration) *CLILister {
	c := *l
	c.timeout = d
	return &c
}

// ListContainers implements Lister.
func (l *CLILister) ListContainers(ctx context.Context) ([]Record, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	out, err := l.run(ctx, l.cli, "ps", "-q", "--no-trunc")
	if err != nil {
		return nil, l.unavailable("list containers", err)
	}

	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return nil, nil
	}

	args := append([]string{"inspect", "--format", inspectFormat}, ids...)
	out, err = l.run(ctx, l.cli, args...)
	if err != nil {
		return nil, l.unavailable("inspect containers", err)
	}

	records, err := parseInspect(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	l.logger.Debug("containers listed", "running", len(ids), "with_pid", len(records))
	return records, nil
}

func (l *CLILister) unavailable(action string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s not found", ErrRuntimeUnavailable, l.cli)
	}
	return fmt.Errorf("%w: %s: %w", ErrRuntimeUnavailable, action, err)
}

// parseInspect reads "<id> <pid> <name>" lines. Stopped containers report pid 0 and are skipped.
func parseInspect(out []byte) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("parse inspect line %q", line)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse inspect pid %q: %w", fields[1], err)
		}
		if pid <= 0 {
			continue
		}
		name := ""
		if len(fields) == 3 {
			name = strings.TrimPrefix(strings.TrimSpace(fields[2]), "/")
		}
		records = append(records, Record{ID: fields[0], Name: name, InitPID: pid})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read inspect output: %w", err)
	}
	return records, nil
}
