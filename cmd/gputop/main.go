package main

import (
	"log/slog"
	"os"

	"github.com/skobkin/gputop/internal/commands"
	"github.com/skobkin/gputop/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	if err := commands.NewRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("application error", "err", err)
		os.Exit(1)
	}
}
