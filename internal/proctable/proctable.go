// Package proctable reads the host process table: parent links, owners and
// command lines.
package proctable

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/prometheus/procfs"
)

// DefaultRoot is where the kernel mounts procfs.
const DefaultRoot = procfs.DefaultMountPoint

// maxCommandLength caps rendered command lines.
const maxCommandLength = 256

// ErrNotFound means the process does not exist (or vanished mid-read).
var ErrNotFound = errors.New("process not found")

// Entry is one process as seen at lookup time.
type Entry struct {
	PID  int
	PPID int
	UID  int
	GID  int
	Name string
}

// Table resolves processes by PID.
type Table interface {
	Lookup(pid int) (Entry, error)
}

// ProcFS reads a procfs mount.
type ProcFS struct {
	fs procfs.FS
}

// NewProcFS opens the procfs mounted at root.
func NewProcFS(root string) (*ProcFS, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot
	}
	fsys, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}
	return &ProcFS{fs: fsys}, nil
}

// Lookup implements Table. UID and GID are the real ids from status.
func (p *ProcFS) Lookup(pid int) (Entry, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return Entry{}, err
	}

	stat, err := proc.Stat()
	if err != nil {
		return Entry{}, lookupErr(pid, "stat", err)
	}
	status, err := proc.NewStatus()
	if err != nil {
		return Entry{}, lookupErr(pid, "status", err)
	}

	return Entry{
		PID:  pid,
		PPID: stat.PPID,
		UID:  int(status.UIDs[0]),
		GID:  int(status.GIDs[0]),
		Name: stat.Comm,
	}, nil
}

// Cmdline returns the space-joined command line, truncated for display.
func (p *ProcFS) Cmdline(pid int) (string, error) {
	proc, err := p.proc(pid)
	if err != nil {
		return "", err
	}
	args, err := proc.CmdLine()
	if err != nil {
		return "", lookupErr(pid, "cmdline", err)
	}
	return formatCmdline(args), nil
}

func (p *ProcFS) proc(pid int) (procfs.Proc, error) {
	if pid <= 0 {
		return procfs.Proc{}, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return procfs.Proc{}, lookupErr(pid, "open", err)
	}
	return proc, nil
}

func lookupErr(pid int, what string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return fmt.Errorf("read %s of pid %d: %w", what, pid, err)
}

func formatCmdline(args []string) string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != "" {
			out = append(out, arg)
		}
	}
	cmd := strings.Join(out, " ")
	if len(cmd) > maxCommandLength {
		return cmd[:maxCommandLength]
	}
	return cmd
}
