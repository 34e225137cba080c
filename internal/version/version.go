// Package version holds build metadata injected through -ldflags.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes one build of gputop.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

var (
	mu      sync.RWMutex
	current = Info{Version: "dev"}
)

// Set records the build metadata. Missing fields are filled from the
// module build info when the binary was built with go install.
func Set(v Info) {
	if v.Version == "" || v.Version == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v.Version = bi.Main.Version
		}
	}
	if v.Version == "" {
		v.Version = "dev"
	}

	mu.Lock()
	current = v
	mu.Unlock()
}

// Current returns the recorded build metadata.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// String renders a one-line banner for -version.
func (i Info) String() string {
	s := "gputop " + i.Version
	if i.Commit != "" {
		s += " (" + i.Commit + ")"
	}
	if i.BuildTime != "" {
		s += " built " + i.BuildTime
	}
	return fmt.Sprintf("%s %s/%s %s", s, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
