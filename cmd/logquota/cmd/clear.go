package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/manenim/logquota/internal/config"
)

var clearConfirmed bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored trace",
	Long: `Delete every stored trace. Quota counters are not touched.

Examples:
  logquota clear --yes`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVarP(&clearConfirmed, "yes", "y", false, "Confirm deletion")
}

func runClear(cmd *cobra.Command, _ []string) error {
	if !clearConfirmed {
		return xerrors.New("refusing to delete all traces without --yes")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	client := newRedisClient(cfg)
	defer client.Close()

	n, err := newStore(cfg, client).ClearAll(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted_count": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d traces\n", n)
	return nil
}
