// Package command runs the external tools gputop reads from.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes name with args and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec runs the command through os/exec. Standard error is folded into the
// returned error so callers can log what the tool complained about.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
