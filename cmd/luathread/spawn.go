package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/luathread/pkg/runtime"
)

var (
	spawnSource   string
	spawnFile     string
	spawnChannels []string
)

// spawnCmd creates any channels named on the command line (capacity defaults
// to 1, a rendezvous channel, unless "name:cap" is given) and starts one
// worker bound to them, printing its thread id and returning immediately.
var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a worker thread from inline source or a script file",
	RunE:  runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnSource, "source", "", "Inline Lua source to run")
	spawnCmd.Flags().StringVar(&spawnFile, "file", "", "Path to a Lua script to run")
	spawnCmd.Flags().StringSliceVar(&spawnChannels, "channel", nil, "Channel to bind, as name or name:capacity (repeatable)")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	if (spawnSource == "") == (spawnFile == "") {
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

	names, err := ensureChannels(rt, spawnChannels)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if spawnSource != "" {
		t, err := rt.SpawnFromSource(ctx, spawnSource, names...)
		if err != nil {
			return err
		}
		fmt.Printf("spawned thread %d\n", t.ID())
		return nil
	}

	t, err := rt.SpawnFromFile(ctx, spawnFile, names...)
	if err != nil {
		return err
	}
	fmt.Printf("spawned thread %d\n", t.ID())
	return nil
}

// ensureChannels creates (or reuses, if already registered) every channel
// named in specs, returning their plain names in the order given.
func ensureChannels(rt *runtime.Runtime, specs []string) ([]string, error) {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		name, capacity := spec, 1
		if idx := strings.LastIndex(spec, ":"); idx >= 0 {
			name = spec[:idx]
			n, err := strconv.Atoi(spec[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid channel spec %q: %w", spec, err)
			}
			capacity = n
		}
		if _, ok := rt.Channel(name); !ok {
			if _, err := rt.NewChannel(name, capacity); err != nil {
				return nil, err
			}
		}
		names = append(names, name)
	}
	return names, nil
}
