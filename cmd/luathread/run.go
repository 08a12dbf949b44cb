package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/luathread/internal/thread"
	"github.com/srg/luathread/pkg/runtime"
)

var (
	runSource  string
	runFile    string
	runTimeout time.Duration
)

// runCmd spawns one worker and blocks until it terminates (or the timeout
// elapses), then prints its final status — the end-to-end path spec.md §8's
// scenarios exercise, wired up as a CLI convenience.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Spawn a worker and wait for it to finish",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "Inline Lua source to run")
	runCmd.Flags().StringVar(&runFile, "file", "", "Path to a Lua script to run")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Max time to wait for completion (0 = forever)")
}

func runRun(cmd *cobra.Command, args []string) error {
	if (runSource == "") == (runFile == "") {
		return fmt.Errorf("exactly one of --source or --file is required")
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	rt, err := runtime.New(runtime.Options{LogLevel: logger.GetLevel().String()})
	if err != nil {
		return err
	}

	ctx := context.Background()

	var t *thread.Thread
	if runSource != "" {
		t, err = rt.SpawnFromSource(ctx, runSource)
	} else {
		t, err = rt.SpawnFromFile(ctx, runFile)
	}
	if err != nil {
		return err
	}

	return waitAndReport(t, runTimeout)
}

// waitAndReport joins t (0 means "forever") and prints its final status.
func waitAndReport(t *thread.Thread, timeout time.Duration) error {
	wait := timeout
	if wait == 0 {
		wait = -1
	}
	timedOut, err := t.Join(wait)
	if err != nil {
		return err
	}
	if timedOut {
		fmt.Printf("thread %d: timed out waiting for completion\n", t.ID())
		return nil
	}

	status, errMsg := t.Status()
	if errMsg != "" {
		fmt.Printf("thread %d: %s (%s)\n", t.ID(), status, errMsg)
		return nil
	}
	fmt.Printf("thread %d: %s\n", t.ID(), status)
	return nil
}
