package commands

import (
	"fmt"

	"github.com/encabox/encabox/pkg/types"
	"github.com/spf13/cobra"
)

// NewBalanceCmd creates the unit balance command.
func NewBalanceCmd() *cobra.Command {
	var f sourceFlags
	cmd := &cobra.Command{
		Use:   "balance <unit-id>",
		Short: "Escrowed balances of a unit",
		Long:  "List every asset a unit has held, in order of first deposit, with its current amount.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseUnitID(args[0])
			if err != nil {
				return err
			}
			src, err := openSource(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer src.Close()

			u, err := src.Unit(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), u.Balances)
			}

			rows := make([][]string, 0, len(u.Balances))
			for _, b := range u.Balances {
				rows = append(rows, []string{b.Asset.Hex(), FormatTokens(b.Amount), b.Amount.String()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), RenderTable([]string{"Asset", "Amount", "Base units"}, rows))
			return nil
		},
	}
	addSourceFlags(cmd, &f)
	return cmd
}
