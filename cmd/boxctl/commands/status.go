package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the daemon status command.
func NewStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show boxd health and ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.API.Addr
			}
			src := newAPISource(addr)
			defer src.Close()

			health, err := src.Health(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := src.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"health": health, "stats": stats})
			}

			fmt.Fprintln(cmd.OutOrStdout(), StatusBox("boxd "+health.Status, [][2]string{
				{"Uptime", health.Uptime},
				{"Event seq", strconv.FormatUint(stats.Seq, 10)},
				{"Live units", strconv.FormatUint(stats.LiveUnits, 10)},
				{"Unpacked", strconv.FormatUint(stats.BurnedUnits, 10)},
				{"Last id", stats.LastID.String()},
				{"Holders", strconv.Itoa(stats.Holders)},
				{"Streams", strconv.Itoa(stats.StreamClients)},
			}))

			if stats.Metrics != nil && len(stats.Metrics.Rejections) > 0 {
				reasons := make([]string, 0, len(stats.Metrics.Rejections))
				for r := range stats.Metrics.Rejections {
					reasons = append(reasons, r)
				}
				sort.Strings(reasons)
				rows := make([][]string, 0, len(reasons))
				for _, r := range reasons {
					rows = append(rows, []string{r, strconv.FormatUint(stats.Metrics.Rejections[r], 10)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderTable([]string{"Rejection", "Count"}, rows))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "api", "", "boxd API address (default: api.addr from config)")
	return cmd
}
