package commands

import (
	"fmt"
	"strconv"

	"github.com/encabox/encabox/internal/journal"
	"github.com/encabox/encabox/pkg/types"
	"github.com/spf13/cobra"
)

// NewEventsCmd creates the journal listing command.
func NewEventsCmd() *cobra.Command {
	var (
		path  string
		after uint64
		limit int
		unit  uint64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Journal.Path
			}
			store, err := journal.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer store.Close()

			var evs []types.Event
			if unit != 0 {
				evs, err = store.UnitEvents(cmd.Context(), types.UnitID(unit))
			} else {
				evs, err = store.Events(cmd.Context(), after, limit)
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), evs)
			}

			rows := make([][]string, 0, len(evs))
			for _, ev := range evs {
				rows = append(rows, eventRow(ev))
			}
			fmt.Fprintln(cmd.OutOrStdout(), RenderTable([]string{"Seq", "Kind", "Unit", "Detail", "Time"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "journal", "", "Journal file (default: journal.path from config)")
	cmd.Flags().Uint64Var(&after, "after", 0, "Only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to list (0 for all)")
	cmd.Flags().Uint64Var(&unit, "unit", 0, "Only events touching this unit")
	return cmd
}

func eventRow(ev types.Event) []string {
	var detail string
	switch ev.Kind {
	case types.EventMinted:
		detail = "owner " + FormatAddress(ev.Owner)
	case types.EventReceived:
		detail = FormatTokens(ev.Amount) + " from " + FormatAddress(ev.Owner)
	case types.EventWithdrawn:
		detail = FormatTokens(ev.Amount) + " to " + FormatAddress(ev.To)
	case types.EventUnpacked:
		detail = "paid to " + FormatAddress(ev.To)
	case types.EventDerived:
		detail = "child of " + ev.Parent.String() + " for " + FormatAddress(ev.To)
	case types.EventTransferredToChild:
		detail = FormatTokens(ev.Amount) + " from " + ev.Parent.String()
	case types.EventTransfer:
		detail = FormatAddress(ev.Owner) + " -> " + FormatAddress(ev.To)
	case types.EventApproval:
		detail = "approved " + FormatAddress(ev.To)
	case types.EventApprovalForAll:
		detail = "operator " + FormatAddress(ev.To) + " " + strconv.FormatBool(ev.Approved)
	}
	return []string{
		strconv.FormatUint(ev.Seq, 10),
		string(ev.Kind),
		ev.Unit.String(),
		detail,
		ev.Time.Format("2006-01-02 15:04:05"),
	}
}
