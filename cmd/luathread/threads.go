package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/luathread/internal/thread"
	"github.com/srg/luathread/pkg/runtime"
)

// threadsCmd lists threads tracked by a fresh Runtime. Since each CLI
// invocation is its own process, the list is empty unless threads were
// spawned through the same Runtime in this process (the command has no
// flags for that); it mirrors
// the shape of the teacher's scan/inspect listings (tabwriter, colorized
// status column) for an embedding host's own tooling to imitate.
var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List live worker threads",
	RunE:  runThreads,
}

func runThreads(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	rt, err := runtime.New(runtime.Options{LogLevel: logger.GetLevel().String()})
	if err != nil {
		return err
	}

	ids := rt.Threads()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tERROR")
	for _, id := range ids {
		t, ok := rt.Thread(id)
		if !ok {
			continue
		}
		status, errMsg := t.Status()
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, colorizeStatus(status), errMsg)
	}
	return w.Flush()
}

// colorizeStatus mirrors the teacher CLI's convention of coloring a status
// column: cyan for the in-flight state, green for clean completion, yellow
// for a cooperative stop, red for a script failure.
func colorizeStatus(s thread.Status) string {
	switch s {
	case thread.Running:
		return color.CyanString(s.String())
	case thread.Terminated:
		return color.GreenString(s.String())
	case thread.Cancelled:
		return color.YellowString(s.String())
	case thread.Failed:
		return color.RedString(s.String())
	default:
		return s.String()
	}
}
