// Command substrate is the CLI entry point for the orchestration core: it
// submits task graphs, drives dispatch, and exposes session control and
// observability over the embedded store and event bus.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/substratehq/substrate/internal/apierrors"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "adapters":
		err = runAdapters(ctx, args)
	case "graph":
		err = runGraph(ctx, args)
	case "start":
		err = runStart(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "pause":
		err = runPause(ctx, args)
	case "resume":
		err = runResume(ctx, args)
	case "cancel":
		err = runCancel(ctx, args)
	case "retry":
		err = runRetry(ctx, args)
	case "worktrees":
		err = runWorktrees(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	return apierrors.ExitCodeFor(err)
}

func usage() {
	fmt.Fprintln(os.Stderr, `substrate — orchestration core CLI

Usage:
  substrate adapters list|check [--output-format human|json]
  substrate graph <file> [--output-format human|json]
  substrate start <file> [--session-id id] [--output-format human|json]
  substrate status [sessionId] [--watch] [--show-graph] [--output-format human|json]
  substrate pause <sessionId>
  substrate resume <sessionId>
  substrate cancel <sessionId>
  substrate retry <sessionId> [--task id] [--dry-run]
  substrate worktrees`)
}
