package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"isarelay/internal/escrow"
)

func NewDecodeReasonCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode-reason <hex>",
		Short: "Decode revert data into a readable reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := hexutil.Decode(normalizeHex(args[0]))
			if err != nil {
				return fmt.Errorf("revert data: %w", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format,
				field{"reason", escrow.DecodeRevertReason(data)},
			)
		},
	}
}
