package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/luathread/pkg/runtime"
)

// channelsCmd lists registered channels in creation order.
var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List registered channels",
	RunE:  runChannels,
}

func runChannels(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	rt, err := runtime.New(runtime.Options{LogLevel: logger.GetLevel().String()})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLEN\tMAX\tNREF")
	for _, name := range rt.Channels() {
		ch, ok := rt.Channel(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, ch.Len(), ch.MaxItems(), ch.NRef())
	}
	return w.Flush()
}
