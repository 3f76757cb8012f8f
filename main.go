package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/audiograph/cmd"
	"github.com/tphakala/audiograph/internal/buildinfo"
)

// Injected at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildDate=$(date -u +%F) -X main.commit=$(git rev-parse --short HEAD)"
var (
	version   string
	buildDate string
	commit    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := buildinfo.NewContext(version, buildDate, commit)
	rootCmd := cmd.RootCommand(build)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
