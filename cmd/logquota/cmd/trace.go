package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/manenim/logquota/internal/config"
	"github.com/manenim/logquota/pkg/correlate"
	"github.com/manenim/logquota/pkg/logstore"
)

var recentLimit int

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect stored traces",
	Long: `Read traces straight from the log store.

Examples:
  logquota trace get checkout-42
  logquota trace recent -n 5
  logquota trace recent --json`,
}

var traceGetCmd = &cobra.Command{
	Use:   "get <trace-id>",
	Short: "Print every entry of a trace in timestamp order",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceGet,
}

var traceRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Summarize the most recently written traces",
	Args:  cobra.NoArgs,
	RunE:  runTraceRecent,
}

func init() {
	traceRecentCmd.Flags().IntVarP(&recentLimit, "limit", "n", correlate.DefaultRecentLimit, "Maximum number of traces")

	traceCmd.AddCommand(traceGetCmd)
	traceCmd.AddCommand(traceRecentCmd)
}

func newEngine() (*correlate.Engine, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	client := newRedisClient(cfg)
	return correlate.NewEngine(newStore(cfg, client)), client.Close, nil
}

func runTraceGet(cmd *cobra.Command, args []string) error {
	engine, closeFn, err := newEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := engine.Correlate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no entries for trace %q\n", args[0])
		return nil
	}
	return printEntries(cmd.OutOrStdout(), entries)
}

func runTraceRecent(cmd *cobra.Command, _ []string) error {
	engine, closeFn, err := newEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	summaries, err := engine.RecentTraces(cmd.Context(), recentLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), summaries)
	}
	return printSummaries(cmd.OutOrStdout(), summaries)
}

func printEntries(w io.Writer, entries []logstore.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSYSTEM\tLEVEL\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339Nano), e.System, e.Level, e.Message)
	}
	return tw.Flush()
}

func printSummaries(w io.Writer, summaries []correlate.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACE\tENTRIES\tSYSTEMS\tFIRST SEEN\tLAST SEEN")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			s.TraceID, s.EntryCount, strings.Join(s.Systems, ","),
			s.FirstSeen.Format(time.RFC3339), s.LastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
