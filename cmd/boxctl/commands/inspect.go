package commands

import (
	"fmt"
	"strings"

	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func addSourceFlags(cmd *cobra.Command, f *sourceFlags) {
	cmd.Flags().StringVar(&f.journal, "journal", "", "Read state by replaying this journal instead of asking boxd")
	cmd.Flags().StringVar(&f.api, "api", "", "boxd API address (default: api.addr from config)")
}

// NewInspectCmd creates the unit inspection command.
func NewInspectCmd() *cobra.Command {
	var f sourceFlags
	cmd := &cobra.Command{
		Use:   "inspect <unit-id|owner-address>",
		Short: "Show a unit or the units of an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSource(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer src.Close()

			if common.IsHexAddress(args[0]) {
				owner := common.HexToAddress(args[0])
				ids, err := src.UnitsOfOwner(cmd.Context(), owner)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), ids)
				}
				fmt.Fprintln(cmd.OutOrStdout(), StatusBox("Owner "+FormatAddress(owner), [][2]string{
					{"Units", joinIDs(ids)},
				}))
				return nil
			}

			id, err := types.ParseUnitID(args[0])
			if err != nil {
				return err
			}
			u, err := src.Unit(cmd.Context(), id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), u)
			}
			fmt.Fprintln(cmd.OutOrStdout(), StatusBox("Unit "+u.ID.String(), unitFields(u)))
			return nil
		},
	}
	addSourceFlags(cmd, &f)
	return cmd
}

func unitFields(u types.Unit) [][2]string {
	parent := "none"
	if u.Parent != types.NoUnit {
		parent = u.Parent.String()
	}
	status := "live"
	if u.Burned {
		status = "unpacked"
	}
	fields := [][2]string{
		{"Owner", FormatAddress(u.Owner)},
		{"Status", status},
		{"Parent", parent},
		{"Children", joinIDs(u.Children)},
	}
	if u.URI != "" {
		fields = append(fields, [2]string{"URI", u.URI})
	}
	for _, b := range u.Balances {
		fields = append(fields, [2]string{"Holds", FormatTokens(b.Amount) + " @ " + FormatAddress(b.Asset)})
	}
	return fields
}

func joinIDs(ids []types.UnitID) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
